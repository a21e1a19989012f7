// Invalidation matches a pattern against every key currently in the cache. Regular expressions match the way the
// CRM collaborators call them (e.g. `^leads_`), globs follow the v.io glob syntax and prefixes are the cheap path.

package cache

import (
	"fmt"
	"regexp"
	"strings"

	"v.io/v23/glob"
)

// Pattern decides whether a key should be invalidated.
type Pattern interface {
	Match(key string) bool
}

// PatternFunc adapts a plain predicate to a Pattern.
type PatternFunc func(key string) bool

func (f PatternFunc) Match(key string) bool { return f(key) }

// Regexp compiles `expr` as an unanchored regular expression.
func Regexp(expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid key pattern %q: %w", expr, err)
	}
	return PatternFunc(re.MatchString), nil
}

// MustRegexp is Regexp for patterns known at compile time; it panics on a bad expression.
func MustRegexp(expr string) Pattern {
	return PatternFunc(regexp.MustCompile(expr).MatchString)
}

// Glob parses a glob pattern such as `leads_*` or `deal_?`.
func Glob(pattern string) (Pattern, error) {
	parsed, err := glob.Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
	}
	matcher := parsed.Head()
	return PatternFunc(func(key string) bool { return matcher.Match(key) }), nil
}

// Prefix matches every key starting with `prefix`.
func Prefix(prefix string) Pattern {
	return PatternFunc(func(key string) bool { return strings.HasPrefix(key, prefix) })
}
