package util

import "strings"

// SafeTruncate returns at most maxLen bytes of s. Used when logging codes and
// tokens, where only a prefix may be shown. A negative maxLen yields "".
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// NormalizeURL strips trailing slashes so that "https://a/" and "https://a"
// compare equal.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}

// ParseScope splits a space-delimited scope string. Empty entries and
// duplicates are dropped; order of first occurrence is kept.
func ParseScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return UnionScopes(fields)
}

// JoinScope is the inverse of ParseScope.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// UnionScopes merges scope lists, keeping the first occurrence of each value.
func UnionScopes(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, s := range list {
			if s == "" {
				continue
			}
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// ScopesSubset reports whether every entry of requested is present in granted.
func ScopesSubset(requested, granted []string) bool {
	set := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		set[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
