package tools

import (
	"path"
	"sort"
	"strings"
)

// NormalizeName lowercases a tool name and folds underscores to
// hyphens. Models occasionally emit either form; both resolve to the
// same tool.
func NormalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "_", "-")
}

// SplitName resolves a prefixed tool name against the known service
// names. The longest matching service wins, so a service named
// "github-enterprise" claims "github-enterprise-create_issue" before a
// service named "github" could. Names that match no known service fall
// back to splitting at the first hyphen.
func SplitName(name string, services []string) (service, operation string) {
	name = strings.TrimSpace(name)
	normalized := NormalizeName(name)

	sorted := make([]string, len(services))
	copy(sorted, services)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) > len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})

	for _, svc := range sorted {
		prefix := NormalizeName(svc) + "-"
		if strings.HasPrefix(normalized, prefix) && len(name) > len(prefix) {
			return svc, name[len(prefix):]
		}
	}

	if i := strings.IndexAny(name, "-_"); i > 0 && i < len(name)-1 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// MatchesPattern reports whether a tool name matches a glob pattern.
// Comparison is case-insensitive with underscores and hyphens folded,
// so the pattern "filesystem-*" admits "FILESYSTEM_EDIT".
func MatchesPattern(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	ok, err := path.Match(NormalizeName(pattern), NormalizeName(name))
	return err == nil && ok
}

// MatchesAny reports whether a tool name matches any pattern in the
// list. An empty list matches nothing.
func MatchesAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if MatchesPattern(p, name) {
			return true
		}
	}
	return false
}
