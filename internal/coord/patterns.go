package coord

import (
	"path"
	"strings"
)

// NormalizePatterns trims whitespace and trailing slashes, drops empties,
// and deduplicates while preserving order.
func NormalizePatterns(patterns []string) []string {
	seen := make(map[string]bool, len(patterns))
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		p = strings.TrimSuffix(p, "/")
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// PatternsOverlap reports whether two path patterns can match a common
// path. A pattern that is a prefix of the other (segment-wise) covers the
// whole subtree, so it overlaps. Glob segments use * for one segment and
// ** for any number of segments.
func PatternsOverlap(a, b string) bool {
	return segmentsOverlap(splitSegments(a), splitSegments(b))
}

func splitSegments(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func segmentsOverlap(a, b []string) bool {
	switch {
	case len(a) == 0 || len(b) == 0:
		// Exhausted pattern is a prefix of the other: covers the subtree.
		return true
	case a[0] == "**":
		return segmentsOverlap(a[1:], b) || segmentsOverlap(a, b[1:])
	case b[0] == "**":
		return segmentsOverlap(a, b[1:]) || segmentsOverlap(a[1:], b)
	case segmentMatch(a[0], b[0]):
		return segmentsOverlap(a[1:], b[1:])
	}
	return false
}

// segmentMatch reports whether two single segments can match the same name.
func segmentMatch(a, b string) bool {
	aGlob := strings.ContainsAny(a, "*?[")
	bGlob := strings.ContainsAny(b, "*?[")
	switch {
	case !aGlob && !bGlob:
		return a == b
	case aGlob && !bGlob:
		ok, err := path.Match(a, b)
		return err == nil && ok
	case !aGlob && bGlob:
		ok, err := path.Match(b, a)
		return err == nil && ok
	default:
		// Two globs: intersection is undecidable cheaply, assume overlap.
		return true
	}
}
