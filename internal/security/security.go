// Package security implements the permission model: ACL entries, security
// contexts, principal sets, permission checks, and sensitive-field masking.
package security

import (
	"fmt"
	"strings"
	"time"
)

// Permission is one grantable capability. ADMIN implies every other
// permission.
type Permission string

const (
	PermRead    Permission = "READ"
	PermWrite   Permission = "WRITE"
	PermModify  Permission = "MODIFY"
	PermDelete  Permission = "DELETE"
	PermExecute Permission = "EXECUTE"
	PermAdmin   Permission = "ADMIN"
)

// Permissions lists every permission in a stable order.
func Permissions() []Permission {
	return []Permission{PermRead, PermWrite, PermModify, PermDelete, PermExecute, PermAdmin}
}

// ParsePermission normalizes a permission name.
func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Permissions() {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown permission %q", s)
}

// PrincipalType classifies the subject of an ACL entry.
type PrincipalType string

const (
	PrincipalUser    PrincipalType = "user"
	PrincipalRole    PrincipalType = "role"
	PrincipalGroup   PrincipalType = "group"
	PrincipalService PrincipalType = "service"
)

// ACLEntry grants a permission set to one principal, optionally scoped to a
// resource path and bounded by an expiry.
type ACLEntry struct {
	PrincipalID   string         `json:"principal_id"`
	PrincipalType PrincipalType  `json:"principal_type"`
	Permissions   []Permission   `json:"permissions"`
	ResourcePath  string         `json:"resource_path,omitempty"`
	Conditions    map[string]any `json:"conditions,omitempty"`
	GrantedBy     string         `json:"granted_by"`
	GrantedAt     time.Time      `json:"granted_at"`
	ExpiresAt     *time.Time     `json:"expires_at,omitempty"`
}

// Expired reports whether the entry is past its expiry at now.
func (e ACLEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Grants reports whether the entry grants p, directly or via ADMIN.
func (e ACLEntry) Grants(p Permission) bool {
	for _, have := range e.Permissions {
		if have == p || have == PermAdmin {
			return true
		}
	}
	return false
}

// Map converts the entry to the generic field shape stored in backends.
func (e ACLEntry) Map() map[string]any {
	m := map[string]any{
		"principal_id":   e.PrincipalID,
		"principal_type": string(e.PrincipalType),
		"permissions":    permissionStrings(e.Permissions),
		"granted_by":     e.GrantedBy,
		"granted_at":     e.GrantedAt.UTC().Format(time.RFC3339Nano),
	}
	if e.ResourcePath != "" {
		m["resource_path"] = e.ResourcePath
	}
	if len(e.Conditions) > 0 {
		m["conditions"] = e.Conditions
	}
	if e.ExpiresAt != nil {
		m["expires_at"] = e.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

func permissionStrings(perms []Permission) []any {
	out := make([]any, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

// EntryFromMap rebuilds an entry from its stored map form. Unknown keys are
// ignored; malformed timestamps zero out rather than erroring so a damaged
// entry denies rather than blocks the whole record.
func EntryFromMap(m map[string]any) ACLEntry {
	e := ACLEntry{
		PrincipalID:   str(m["principal_id"]),
		PrincipalType: PrincipalType(str(m["principal_type"])),
		GrantedBy:     str(m["granted_by"]),
	}
	if ts, ok := parseTime(m["granted_at"]); ok {
		e.GrantedAt = ts
	}
	if ts, ok := parseTime(m["expires_at"]); ok {
		e.ExpiresAt = &ts
	}
	if conds, ok := m["conditions"].(map[string]any); ok {
		e.Conditions = conds
	}
	if rp := str(m["resource_path"]); rp != "" {
		e.ResourcePath = rp
	}
	switch perms := m["permissions"].(type) {
	case []any:
		for _, p := range perms {
			if s := str(p); s != "" {
				e.Permissions = append(e.Permissions, Permission(s))
			}
		}
	case []string:
		for _, s := range perms {
			e.Permissions = append(e.Permissions, Permission(s))
		}
	case []Permission:
		e.Permissions = append(e.Permissions, perms...)
	}
	return e
}

// EntriesFromAny coerces a stored acl field (list of maps, or already-typed
// entries) into entries.
func EntriesFromAny(v any) []ACLEntry {
	switch list := v.(type) {
	case []ACLEntry:
		return list
	case []any:
		out := make([]ACLEntry, 0, len(list))
		for _, item := range list {
			switch entry := item.(type) {
			case ACLEntry:
				out = append(out, entry)
			case map[string]any:
				out = append(out, EntryFromMap(entry))
			}
		}
		return out
	case []map[string]any:
		out := make([]ACLEntry, 0, len(list))
		for _, m := range list {
			out = append(out, EntryFromMap(m))
		}
		return out
	}
	return nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// Context identifies the caller of a secured operation.
type Context struct {
	UserID    string         `json:"user_id"`
	Roles     []string       `json:"roles,omitempty"`
	Groups    []string       `json:"groups,omitempty"`
	Claims    map[string]any `json:"claims,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	IP        string         `json:"ip,omitempty"`
	DeviceID  string         `json:"device_id,omitempty"`
}

// PrincipalSet is {user_id} ∪ roles ∪ groups, deduplicated, in that order.
func (c *Context) PrincipalSet() []string {
	if c == nil {
		return nil
	}
	seen := make(map[string]bool, 1+len(c.Roles)+len(c.Groups))
	out := make([]string, 0, 1+len(c.Roles)+len(c.Groups))
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(c.UserID)
	for _, r := range c.Roles {
		add(r)
	}
	for _, g := range c.Groups {
		add(g)
	}
	return out
}

// CheckPermission decides whether ctx may perform p on a record owned by
// ownerID with the given ACL. The owner always passes. Otherwise a
// non-expired entry whose principal is in the caller's principal set and
// which grants p (or ADMIN) authorizes the operation.
func CheckPermission(ctx *Context, p Permission, ownerID string, acl []ACLEntry) bool {
	if ctx == nil {
		return false
	}
	if ownerID != "" && ctx.UserID == ownerID {
		return true
	}
	now := time.Now()
	principals := make(map[string]bool)
	for _, id := range ctx.PrincipalSet() {
		principals[id] = true
	}
	for _, entry := range acl {
		if entry.Expired(now) {
			continue
		}
		if principals[entry.PrincipalID] && entry.Grants(p) {
			return true
		}
	}
	return false
}

// OwnerEntry builds the ADMIN grant stamped onto every secured entity at
// creation.
func OwnerEntry(ownerID string, now time.Time) ACLEntry {
	return ACLEntry{
		PrincipalID:   ownerID,
		PrincipalType: PrincipalUser,
		Permissions:   []Permission{PermAdmin},
		GrantedBy:     ownerID,
		GrantedAt:     now.UTC(),
	}
}
