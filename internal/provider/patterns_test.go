package provider

import "testing"

func TestPatternList_RegexMatch(t *testing.T) {
	pl := NewPatternList([]string{`rate.?limit`, `quota.*exceeded`})

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Rate Limit reached", "rate.?limit", true},
		{"ratelimit", "rate.?limit", true},
		{"monthly quota has been exceeded", "quota.*exceeded", true},
		{"all fine", "", false},
	}
	for _, tt := range tests {
		got, ok := pl.Match(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Match(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestPatternList_InvalidRegexFallsBackToSubstring(t *testing.T) {
	// "((" does not compile; it must degrade to a substring rule.
	pl := NewPatternList([]string{"(("})

	if _, ok := pl.Match("weird body with (( inside"); !ok {
		t.Error("broken pattern should still match as substring")
	}
	if _, ok := pl.Match("clean body"); ok {
		t.Error("substring fallback matched unrelated text")
	}
}

func TestPatternList_SubstringFallbackIsCaseInsensitive(t *testing.T) {
	pl := NewPatternList([]string{"Insufficient Credits (("})
	if _, ok := pl.Match("error: INSUFFICIENT CREDITS (( for org"); !ok {
		t.Error("fallback should match case-insensitively")
	}
}

func TestPatternList_NilAndEmpty(t *testing.T) {
	var pl *PatternList
	if _, ok := pl.Match("anything"); ok {
		t.Error("nil list matched")
	}
	if pl.Len() != 0 {
		t.Error("nil list should have zero length")
	}

	pl = NewPatternList([]string{"", ""})
	if pl.Len() != 0 {
		t.Errorf("empty patterns should be skipped, got %d rules", pl.Len())
	}
}
