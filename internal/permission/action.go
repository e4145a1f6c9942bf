// Package permission holds the immutable value types of the access model:
// actions, effects, conditions and interned permissions.
package permission

import (
	"regexp"
	"strings"
	"sync"
)

// Action is an action pattern such as "s3:GetObject", "iam:Create*" or "*".
// Two actions are equal iff their patterns are equal.
type Action string

var patternCache sync.Map

// Matches reports whether the pattern matches a concrete action name.
// Matching is case-sensitive and anchored; * matches any run of characters
// and ? exactly one.
func (a Action) Matches(name string) bool {
	pattern := string(a)
	if !strings.ContainsAny(pattern, "*?") {
		return pattern == name
	}
	return compilePattern(pattern).MatchString(name)
}

// FindMatching returns the subsequence of names the pattern matches, in input order
func (a Action) FindMatching(names []string) []string {
	matched := make([]string, 0)
	for _, name := range names {
		if a.Matches(name) {
			matched = append(matched, name)
		}
	}
	return matched
}

// IsWildcard reports whether the pattern contains wildcards
func (a Action) IsWildcard() bool {
	return strings.ContainsAny(string(a), "*?")
}

// Service returns the service prefix of the pattern ("s3" for "s3:GetObject")
func (a Action) Service() string {
	prefix, _, found := strings.Cut(string(a), ":")
	if !found {
		return ""
	}
	return prefix
}

func (a Action) String() string {
	return string(a)
}

func compilePattern(pattern string) *regexp.Regexp {
	if re, ok := patternCache.Load(pattern); ok {
		return re.(*regexp.Regexp)
	}
	re := regexp.MustCompile(PatternToRegex(pattern))
	patternCache.Store(pattern, re)
	return re
}

// PatternToRegex converts an IAM pattern with * and ? wildcards into an
// anchored regex. All other characters are matched literally.
func PatternToRegex(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for _, ch := range pattern {
		switch ch {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(ch)))
		}
	}
	b.WriteString("$")
	return b.String()
}

// MatchesPattern reports whether an IAM resource or action pattern matches value
func MatchesPattern(pattern, value string) bool {
	return Action(pattern).Matches(value)
}
