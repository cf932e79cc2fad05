package storage

import (
	"slices"
	"strings"
)

// ParseScope splits a space-delimited scope string, dropping duplicates
// while keeping the order of first appearance.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// IntersectScope returns the tokens of requested that also occur in allowed,
// in request order, joined by single spaces.
func IntersectScope(allowed, requested string) string {
	allowedSet := make(map[string]struct{})
	for _, s := range strings.Fields(allowed) {
		allowedSet[s] = struct{}{}
	}
	var granted []string
	for _, s := range ParseScope(requested) {
		if _, ok := allowedSet[s]; ok {
			granted = append(granted, s)
		}
	}
	return strings.Join(granted, " ")
}

// ScopeSubset reports whether every token of requested occurs in original
func ScopeSubset(requested, original string) bool {
	have := strings.Fields(original)
	for _, s := range strings.Fields(requested) {
		if !slices.Contains(have, s) {
			return false
		}
	}
	return true
}
