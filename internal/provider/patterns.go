package provider

import (
	"regexp"
	"strings"
)

// PatternList probes text (response bodies, SSE error payloads) against the
// configured unhealthy patterns. Patterns compile as case-insensitive
// regexes; a pattern that fails to compile degrades to a case-insensitive
// substring rule instead of rejecting the whole configuration.
//
// A nil *PatternList is safe to call — Match always reports false.
type PatternList struct {
	rules []patternRule
}

type patternRule struct {
	raw string
	re  *regexp.Regexp // nil → substring fallback
	sub string         // lowered raw pattern for the fallback
}

// NewPatternList compiles the given patterns. It never fails; see the type
// comment for the degradation rule.
func NewPatternList(patterns []string) *PatternList {
	pl := &PatternList{}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		rule := patternRule{raw: p, sub: strings.ToLower(p)}
		if re, err := regexp.Compile("(?i)" + p); err == nil {
			rule.re = re
		}
		pl.rules = append(pl.rules, rule)
	}
	return pl
}

// Match reports the first pattern matching s, checking rules in config order.
func (pl *PatternList) Match(s string) (string, bool) {
	if pl == nil {
		return "", false
	}
	var lowered string
	for _, r := range pl.rules {
		if r.re != nil {
			if r.re.MatchString(s) {
				return r.raw, true
			}
			continue
		}
		if lowered == "" {
			lowered = strings.ToLower(s)
		}
		if strings.Contains(lowered, r.sub) {
			return r.raw, true
		}
	}
	return "", false
}

// Len returns the number of configured rules.
func (pl *PatternList) Len() int {
	if pl == nil {
		return 0
	}
	return len(pl.rules)
}
