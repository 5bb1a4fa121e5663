package pathsync

import (
	"fmt"
	"strings"
)

type exclusionMatchType int

const (
	prefixMatch exclusionMatchType = iota
	suffixMatch
	// infixMatch is a pattern with the wildcard in the middle, like "log*.txt".
	infixMatch
)

// exclusionSet holds the categorized exclusion patterns for efficient matching.
type exclusionSet struct {
	// literals are exact relative path matches.
	literals map[string]struct{}
	// basenameLiterals are exact name matches anywhere in the tree ("cache").
	basenameLiterals map[string]struct{}
	// nonLiterals need per pattern work.
	nonLiterals []exclusion
}

type exclusion struct {
	pattern       string
	prefix        string
	suffix        string
	matchType     exclusionMatchType
	matchBasename bool
}

// ParseExclusions splits a semicolon or comma separated pattern list.
func ParseExclusions(s string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ';' || r == ',' }) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ValidateExclusions rejects patterns with more than one wildcard.
func ValidateExclusions(patterns []string) error {
	for _, p := range patterns {
		if strings.Count(p, "*") > 1 {
			return fmt.Errorf("exclusion pattern %q has more than one '*'", p)
		}
	}
	return nil
}

// makeExclusionSet analyzes patterns once so matching stays cheap. A pattern
// without a slash matches entry names anywhere; one with a slash matches the
// path relative to the sync root. A trailing slash matches a directory and
// everything below it.
func makeExclusionSet(patterns []string) exclusionSet {
	set := exclusionSet{
		literals:         make(map[string]struct{}),
		basenameLiterals: make(map[string]struct{}),
	}
	shouldMatchBasename := func(p string) bool { return !strings.Contains(p, "/") }

	for _, p := range patterns {
		p = normalizeExclusionPattern(strings.TrimPrefix(strings.TrimSpace(p), "/"))
		if p == "" {
			continue
		}
		before, after, wild := strings.Cut(p, "*")
		switch {
		case wild && after == "":
			set.nonLiterals = append(set.nonLiterals, exclusion{pattern: p, prefix: before, matchType: prefixMatch, matchBasename: shouldMatchBasename(p)})
		case wild && before == "":
			set.nonLiterals = append(set.nonLiterals, exclusion{pattern: p, suffix: after, matchType: suffixMatch, matchBasename: shouldMatchBasename(p)})
		case wild:
			set.nonLiterals = append(set.nonLiterals, exclusion{pattern: p, prefix: before, suffix: after, matchType: infixMatch, matchBasename: shouldMatchBasename(p)})
		case strings.HasSuffix(p, "/"):
			set.nonLiterals = append(set.nonLiterals, exclusion{pattern: p, prefix: strings.TrimSuffix(p, "/"), matchType: prefixMatch})
		case shouldMatchBasename(p):
			set.basenameLiterals[p] = struct{}{}
		default:
			set.literals[p] = struct{}{}
		}
	}
	return set
}

// empty reports whether the set has no patterns.
func (es *exclusionSet) empty() bool {
	return len(es.literals) == 0 && len(es.basenameLiterals) == 0 && len(es.nonLiterals) == 0
}

// matches checks a slash separated relative path and its base name.
func (es *exclusionSet) matches(relPath, name string) bool {
	normalizedPath := normalizeExclusionPattern(relPath)
	normalizedName := normalizeExclusionPattern(name)

	if _, ok := es.literals[normalizedPath]; ok {
		return true
	}
	if _, ok := es.basenameLiterals[normalizedName]; ok {
		return true
	}

	for _, p := range es.nonLiterals {
		pathToCheck := normalizedPath
		if p.matchBasename {
			pathToCheck = normalizedName
		}
		switch p.matchType {
		case prefixMatch:
			if !strings.HasPrefix(pathToCheck, p.prefix) {
				continue
			}
			// "build/" must not match "build-tools".
			if strings.HasSuffix(p.pattern, "/") && pathToCheck != p.prefix && !strings.HasPrefix(pathToCheck, p.prefix+"/") {
				continue
			}
			return true
		case suffixMatch:
			if strings.HasSuffix(pathToCheck, p.suffix) {
				return true
			}
		case infixMatch:
			if len(pathToCheck) >= len(p.prefix)+len(p.suffix) &&
				strings.HasPrefix(pathToCheck, p.prefix) && strings.HasSuffix(pathToCheck, p.suffix) {
				return true
			}
		}
	}
	return false
}

// normalizeExclusionPattern lowercases; matching is case-insensitive.
func normalizeExclusionPattern(p string) string {
	return strings.ToLower(p)
}
