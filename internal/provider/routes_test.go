package provider

import (
	"testing"

	"github.com/nulpointcorp/claude-balancer/internal/config"
)

func TestMatchModel(t *testing.T) {
	tests := []struct {
		pattern string
		model   string
		want    bool
	}{
		{"*", "anything", true},
		{"*", "", true},
		{"claude-sonnet-4-20250514", "claude-sonnet-4-20250514", true},
		{"claude-sonnet-4-20250514", "claude-sonnet-4", false},
		{"*sonnet*", "claude-3-5-sonnet-latest", true},
		{"*sonnet*", "claude-SONNET-4", true},
		{"*sonnet*", "claude-opus-4", false},
		{"claude-*-haiku*", "claude-3-haiku-20240307", true},
		{"claude-*-haiku*", "claude-haiku", false},
		{"gpt*", "gpt-4o", true},
		{"gpt*", "o3-mini", false},
		{"*-latest", "claude-3-5-sonnet-latest", true},
		{"*-latest", "claude-3-5-sonnet-latest-x", false},
	}
	for _, tt := range tests {
		if got := matchModel(tt.pattern, tt.model); got != tt.want {
			t.Errorf("matchModel(%q, %q) = %v, want %v", tt.pattern, tt.model, got, tt.want)
		}
	}
}

func TestCompileRoutes_StablePrioritySort(t *testing.T) {
	routes := compileRoutes([]config.ModelRoute{{
		Pattern: "*",
		Targets: []config.RouteTarget{
			{Provider: "c", Model: "m"}, // omitted priority → 100
			{Provider: "a", Model: "m", Priority: 1},
			{Provider: "d", Model: "m"}, // ties keep file order
			{Provider: "b", Model: "m", Priority: 2},
		},
	}})

	want := []string{"a", "b", "c", "d"}
	got := routes[0].targets
	if len(got) != len(want) {
		t.Fatalf("got %d targets, want %d", len(got), len(want))
	}
	for i, name := range want {
		if got[i].Provider != name {
			t.Errorf("targets[%d] = %q, want %q", i, got[i].Provider, name)
		}
	}
}
