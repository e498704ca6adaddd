package provider

import (
	"sort"
	"strings"

	"github.com/nulpointcorp/claude-balancer/internal/config"
)

// route is one compiled model_routes entry. Targets are presorted by
// priority (stable, so file order breaks ties).
type route struct {
	pattern string
	targets []config.RouteTarget
}

func compileRoutes(src []config.ModelRoute) []route {
	routes := make([]route, 0, len(src))
	for _, mr := range src {
		targets := append([]config.RouteTarget(nil), mr.Targets...)
		sort.SliceStable(targets, func(i, j int) bool {
			return targetPriority(targets[i]) < targetPriority(targets[j])
		})
		routes = append(routes, route{pattern: mr.Pattern, targets: targets})
	}
	return routes
}

// targetPriority treats an omitted priority (zero value) as the documented
// default of 100.
func targetPriority(t config.RouteTarget) int {
	if t.Priority == 0 {
		return 100
	}
	return t.Priority
}

// matchModel reports whether a route pattern matches the requested model.
// Matching is case-insensitive; "*" matches any run of characters and a
// pattern without "*" is an exact name.
func matchModel(pattern, model string) bool {
	return globMatch(strings.ToLower(pattern), strings.ToLower(model))
}

// globMatch is an iterative wildcard matcher supporting only "*".
func globMatch(p, s string) bool {
	var i, j int
	star, mark := -1, 0
	for i < len(s) {
		switch {
		case j < len(p) && p[j] == '*':
			star, mark = j, i
			j++
		case j < len(p) && p[j] == s[i]:
			i++
			j++
		case star >= 0:
			mark++
			i, j = mark, star+1
		default:
			return false
		}
	}
	for j < len(p) && p[j] == '*' {
		j++
	}
	return j == len(p)
}
