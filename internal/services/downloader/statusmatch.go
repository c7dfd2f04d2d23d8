package downloader

import (
	"fmt"
	"strconv"
	"strings"
)

// StatusPattern matches HTTP status codes. A pattern is an exact code or a
// three character string of digits and x/X wildcards, optionally prefixed
// with ! or ~ to negate the whole match ("50x", "!2xx", "404").
type StatusPattern struct {
	raw    string
	digits [3]byte // 0 marks a wildcard
	negate bool
}

// ParsePattern parses an int or string status pattern
func ParsePattern(pattern any) (StatusPattern, error) {
	switch p := pattern.(type) {
	case int:
		return parseString(strconv.Itoa(p))
	case int64:
		return parseString(strconv.FormatInt(p, 10))
	case float64:
		return parseString(strconv.Itoa(int(p)))
	case string:
		return parseString(p)
	case StatusPattern:
		return p, nil
	}
	return StatusPattern{}, fmt.Errorf("unsupported status pattern type %T", pattern)
}

func parseString(raw string) (StatusPattern, error) {
	sp := StatusPattern{raw: raw}
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "!") || strings.HasPrefix(s, "~") {
		sp.negate = true
		s = s[1:]
	}
	if len(s) != 3 {
		return StatusPattern{}, fmt.Errorf("invalid status pattern %q: expected 3 characters", raw)
	}
	for i := 0; i < 3; i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			sp.digits[i] = c
		case c == 'x' || c == 'X':
			sp.digits[i] = 0
		default:
			return StatusPattern{}, fmt.Errorf("invalid status pattern %q: unexpected %q", raw, c)
		}
	}
	return sp, nil
}

// Match reports whether status matches the pattern
func (p StatusPattern) Match(status int) bool {
	matched := status >= 100 && status <= 999
	if matched {
		code := strconv.Itoa(status)
		for i := 0; i < 3; i++ {
			if p.digits[i] != 0 && p.digits[i] != code[i] {
				matched = false
				break
			}
		}
	}
	return matched != p.negate
}

func (p StatusPattern) String() string {
	return p.raw
}

// MatchStatus parses pattern and matches status against it. Invalid patterns
// never match.
func MatchStatus(pattern any, status int) bool {
	p, err := ParsePattern(pattern)
	if err != nil {
		return false
	}
	return p.Match(status)
}

// ParsePatterns parses a configured pattern list
func ParsePatterns(patterns []string) ([]StatusPattern, error) {
	result := make([]StatusPattern, 0, len(patterns))
	for _, raw := range patterns {
		p, err := parseString(raw)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

// MatchAny reports whether any pattern matches status
func MatchAny(patterns []StatusPattern, status int) bool {
	for _, p := range patterns {
		if p.Match(status) {
			return true
		}
	}
	return false
}
