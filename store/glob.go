package store

import (
	"regexp"
	"strings"
)

// CompilePattern translates a glob into an anchored regexp: '*' matches any
// run of characters, everything else is literal. Compile once, match many.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.Grow(len(pattern) + 8)
	b.WriteString("^")
	for _, part := range strings.Split(pattern, "*") {
		if part != "" {
			b.WriteString(regexp.QuoteMeta(part))
		}
		b.WriteString(".*")
	}
	expr := strings.TrimSuffix(b.String(), ".*")
	return regexp.Compile(expr + "$")
}

// MatchPattern reports whether key matches the glob. An empty pattern
// matches everything.
func MatchPattern(pattern, key string) (bool, error) {
	if pattern == "" {
		return true, nil
	}
	re, err := CompilePattern(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(key), nil
}
