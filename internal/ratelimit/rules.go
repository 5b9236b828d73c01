package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Rule bounds requests on routes matching Pattern to Limit per Window.
//
// Pattern is a path template. A segment written as {name} or * matches any
// single non-empty segment; every other segment must match exactly, and the
// number of segments must be equal.
type Rule struct {
	Pattern string
	Limit   int
	Window  time.Duration

	segments []string
}

// Compile validates rules and prepares them for matching. Order is kept:
// the first matching rule wins.
func Compile(rules []Rule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for i, r := range rules {
		if !strings.HasPrefix(r.Pattern, "/") {
			return nil, fmt.Errorf("rule %d: pattern %q must start with /", i, r.Pattern)
		}
		if r.Limit <= 0 || r.Window <= 0 {
			return nil, fmt.Errorf("rule %d (%s): limit and window must be positive", i, r.Pattern)
		}
		r.segments = splitPath(r.Pattern)
		out = append(out, r)
	}
	return out, nil
}

// Matches reports whether route fits the rule's template.
func (r Rule) Matches(route string) bool {
	segs := r.segments
	if segs == nil {
		segs = splitPath(r.Pattern)
	}
	got := splitPath(route)
	if len(got) != len(segs) {
		return false
	}
	for i, want := range segs {
		if isWildcard(want) {
			if got[i] == "" {
				return false
			}
			continue
		}
		if got[i] != want {
			return false
		}
	}
	return true
}

// Match returns the first rule matching route.
func Match(rules []Rule, route string) (Rule, bool) {
	for _, r := range rules {
		if r.Matches(route) {
			return r, true
		}
	}
	return Rule{}, false
}

func splitPath(p string) []string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	p = strings.Trim(p, "/")
	if p == "" {
		return []string{}
	}
	return strings.Split(p, "/")
}

func isWildcard(seg string) bool {
	return seg == "*" || (len(seg) > 2 && seg[0] == '{' && seg[len(seg)-1] == '}')
}
