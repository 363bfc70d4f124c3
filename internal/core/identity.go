// Package core implements the rule evaluation engine: matcher predicates
// over identity contexts, ordered rule resolution with fixed-value
// overrides, deterministic multi-variant assignment, and dependency-aware
// path calculation.
//
// The engine is pure: rule definitions and contexts are supplied per call
// and never mutated, and no state survives between calculations.
package core

import (
	"sort"
	"strings"
)

// Identity identifies an actor (a user, a device, ...) whose attributes are
// evaluated. Identities are value types; equality is by (Type, ID).
type Identity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// WildcardSegment is the path segment that expands a query to every known
// path under its prefix.
const WildcardSegment = "_"

// IsWildcardQuery reports whether path is a wildcard query: the bare
// wildcard segment, or a path whose final segment is the wildcard.
func IsWildcardQuery(path string) bool {
	return path == WildcardSegment || strings.HasSuffix(path, "/"+WildcardSegment)
}

// ExpandQueries expands query paths against the known rule-bearing paths.
// Wildcard queries match on whole /-delimited segments, never substrings.
// Overlapping expansions are deduplicated and the result is sorted, so the
// outcome depends only on the inputs, not query order.
func ExpandQueries(queries []string, known []string) []string {
	matched := make(map[string]struct{})

	for _, query := range queries {
		if !IsWildcardQuery(query) {
			matched[query] = struct{}{}
			continue
		}

		prefix := strings.TrimSuffix(query, WildcardSegment)
		for _, path := range known {
			if strings.HasPrefix(path, prefix) {
				matched[path] = struct{}{}
			}
		}
	}

	paths := make([]string, 0, len(matched))
	for path := range matched {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	return paths
}
