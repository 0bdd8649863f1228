// Package timeparsing turns user-facing time expressions into timestamps.
// The find command's --since/--until filters and the create command's --ttl
// flag accept any of three layers, tried in order:
//
//  1. Compact duration: +6h, -1d, +2w, 3m, 1y
//  2. Absolute: RFC3339 or date-only (2025-02-01)
//  3. Natural language: "tomorrow", "next monday", "in 3 days"
package timeparsing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// compactRe matches [+-]?(digits)(unit) where unit is one of h d w m y.
var compactRe = regexp.MustCompile(`^([+-]?)(\d+)([hdwmy])$`)

// nlp is the shared natural-language parser. when.Parser is read-only
// after construction, so one instance serves all goroutines.
var nlp = newNLP()

func newNLP() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// Parse resolves a time expression relative to now, trying compact
// duration, then absolute timestamps, then natural language. Absolute
// forms are tried before natural language so a date string is never
// reinterpreted by the NLP rules.
func Parse(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time expression")
	}
	if IsCompactDuration(s) {
		return ParseCompactDuration(s, now)
	}
	if t, err := parseAbsolute(s); err == nil {
		return t, nil
	}
	return ParseNaturalLanguage(s, now)
}

// ParseCompactDuration parses the compact [+-]N{h,d,w,m,y} form relative
// to now. No sign means positive. Months and years shift by calendar
// arithmetic, not fixed-length durations.
func ParseCompactDuration(s string, now time.Time) (time.Time, error) {
	m := compactRe.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("not a compact duration: %q", s)
	}
	amount, err := strconv.Atoi(m[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration amount: %q", m[2])
	}
	if m[1] == "-" {
		amount = -amount
	}
	switch m[3] {
	case "h":
		return now.Add(time.Duration(amount) * time.Hour), nil
	case "d":
		return now.AddDate(0, 0, amount), nil
	case "w":
		return now.AddDate(0, 0, amount*7), nil
	case "m":
		return now.AddDate(0, amount, 0), nil
	case "y":
		return now.AddDate(amount, 0, 0), nil
	}
	return now, nil
}

// IsCompactDuration reports whether s matches the compact duration form.
func IsCompactDuration(s string) bool {
	return compactRe.MatchString(s)
}

// ParseNaturalLanguage resolves expressions like "tomorrow" or "next
// monday" relative to now using the when ruleset. The whole input must
// be consumed; partial matches are rejected so stray text is not
// silently ignored.
func ParseNaturalLanguage(s string, now time.Time) (time.Time, error) {
	r, err := nlp.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time expression: %q", s)
	}
	if strings.TrimSpace(s[:r.Index]) != "" || strings.TrimSpace(s[r.Index+len(r.Text):]) != "" {
		return time.Time{}, fmt.Errorf("unrecognized time expression: %q", s)
	}
	return r.Time, nil
}

func parseAbsolute(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("not an absolute timestamp: %q", s)
}

// ParseTTL resolves a time-to-live expression into a positive duration.
// Accepts Go durations ("90s", "1h30m") and the forward compact forms
// ("1d", "2w").
func ParseTTL(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty ttl")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("ttl must be positive: %q", s)
		}
		return d, nil
	}
	now := time.Now()
	t, err := ParseCompactDuration(s, now)
	if err != nil {
		return 0, fmt.Errorf("invalid ttl %q", s)
	}
	d := t.Sub(now)
	if d <= 0 {
		return 0, fmt.Errorf("ttl must be positive: %q", s)
	}
	return d, nil
}
