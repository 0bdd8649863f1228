package security

import (
	"strings"
	"testing"
	"time"
)

func TestOwnerAlwaysPasses(t *testing.T) {
	ctx := &Context{UserID: "u1"}
	for _, p := range Permissions() {
		if !CheckPermission(ctx, p, "u1", nil) {
			t.Errorf("owner denied %s", p)
		}
	}
}

func TestNilContextDenied(t *testing.T) {
	if CheckPermission(nil, PermRead, "u1", nil) {
		t.Error("nil context allowed")
	}
}

func TestACLGrantViaRole(t *testing.T) {
	acl := []ACLEntry{{
		PrincipalID:   "editors",
		PrincipalType: PrincipalRole,
		Permissions:   []Permission{PermRead, PermWrite},
		GrantedBy:     "u1",
		GrantedAt:     time.Now(),
	}}
	ctx := &Context{UserID: "u2", Roles: []string{"editors"}}
	if !CheckPermission(ctx, PermWrite, "u1", acl) {
		t.Error("role grant denied")
	}
	if CheckPermission(ctx, PermDelete, "u1", acl) {
		t.Error("ungranted permission allowed")
	}
}

func TestAdminImpliesAll(t *testing.T) {
	acl := []ACLEntry{{
		PrincipalID: "ops",
		Permissions: []Permission{PermAdmin},
		GrantedAt:   time.Now(),
	}}
	ctx := &Context{UserID: "u9", Groups: []string{"ops"}}
	for _, p := range Permissions() {
		if !CheckPermission(ctx, p, "owner", acl) {
			t.Errorf("ADMIN grant did not imply %s", p)
		}
	}
}

func TestExpiredEntryIgnored(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	acl := []ACLEntry{{
		PrincipalID: "u2",
		Permissions: []Permission{PermRead},
		ExpiresAt:   &past,
	}}
	ctx := &Context{UserID: "u2"}
	if CheckPermission(ctx, PermRead, "owner", acl) {
		t.Error("expired entry authorized")
	}

	future := time.Now().Add(time.Hour)
	acl[0].ExpiresAt = &future
	if !CheckPermission(ctx, PermRead, "owner", acl) {
		t.Error("unexpired entry denied")
	}
}

func TestPrincipalSet(t *testing.T) {
	ctx := &Context{UserID: "u1", Roles: []string{"dev", "u1"}, Groups: []string{"eng", "dev"}}
	got := ctx.PrincipalSet()
	want := []string{"u1", "dev", "eng"}
	if len(got) != len(want) {
		t.Fatalf("PrincipalSet = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("PrincipalSet[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEntryMapRoundTrip(t *testing.T) {
	exp := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)
	src := ACLEntry{
		PrincipalID:   "svc-ingest",
		PrincipalType: PrincipalService,
		Permissions:   []Permission{PermRead, PermExecute},
		ResourcePath:  "/docs/*",
		GrantedBy:     "u1",
		GrantedAt:     time.Now().UTC().Truncate(time.Millisecond),
		ExpiresAt:     &exp,
	}
	got := EntryFromMap(src.Map())
	if got.PrincipalID != src.PrincipalID || got.PrincipalType != src.PrincipalType {
		t.Errorf("principal = %+v", got)
	}
	if !got.Grants(PermExecute) || got.Grants(PermWrite) {
		t.Errorf("permissions = %v", got.Permissions)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(exp) {
		t.Errorf("expires = %v, want %v", got.ExpiresAt, exp)
	}
	if got.ResourcePath != "/docs/*" {
		t.Errorf("resource path = %q", got.ResourcePath)
	}
}

func TestEntriesFromAny(t *testing.T) {
	stored := []any{
		map[string]any{"principal_id": "u2", "permissions": []any{"READ"}},
		map[string]any{"principal_id": "grp", "permissions": []any{"ADMIN"}},
	}
	entries := EntriesFromAny(stored)
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].PrincipalID != "u2" || !entries[0].Grants(PermRead) {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if !entries[1].Grants(PermDelete) {
		t.Error("ADMIN map entry did not imply DELETE")
	}
}

func TestMask(t *testing.T) {
	got := Mask("ssn", "***{field}***")
	if got != "***ssn***" {
		t.Errorf("Mask = %q", got)
	}
	uidMasked := Mask("token", "{field}_uid")
	if !strings.HasPrefix(uidMasked, "token_uid_") {
		t.Errorf("uid mask = %q", uidMasked)
	}
	other := Mask("token", "{field}_uid")
	if uidMasked == other {
		t.Error("uid masks collided; want a fresh uuid per mask")
	}
}

func TestProjectMasksSensitive(t *testing.T) {
	fields := map[string]any{
		"title": "T",
		"ssn":   "123-45-6789",
		"token": "s3cr3t",
	}
	sensitive := map[string]string{"ssn": "***{field}***", "token": "redacted_uid"}

	// Projection for an external caller such as user_id "mcp_server".
	out := Project(fields, sensitive)
	if out["title"] != "T" {
		t.Errorf("title = %v", out["title"])
	}
	for _, f := range []string{"ssn", "token"} {
		if s, ok := out[f].(string); !ok || strings.Contains(s, fields[f].(string)) {
			t.Errorf("%s not masked: %v", f, out[f])
		}
	}
	if fields["ssn"] != "123-45-6789" {
		t.Error("Project mutated its input")
	}
}

func TestProjectAbsentFieldStaysAbsent(t *testing.T) {
	out := Project(map[string]any{"a": 1}, map[string]string{"ssn": "x"})
	if _, ok := out["ssn"]; ok {
		t.Error("projection invented a sensitive field")
	}
}
