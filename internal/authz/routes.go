package authz

import (
	"net/http"
	"path"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/vyrodovalexey/keygate/internal/config"
)

// Rule maps requests matching Method and PathPrefix to the scopes they need.
// An empty Method or "*" matches every method.
type Rule struct {
	Name       string
	Method     string
	PathPrefix string
	Scopes     []string
}

// matches reports whether the rule applies. PathPrefix matches whole path
// segments: "/open" matches "/open" and "/open/x" but not "/openly".
func (r *Rule) matches(method, p string) bool {
	if r.Method != "" && r.Method != "*" && !strings.EqualFold(r.Method, method) {
		return false
	}
	if p == r.PathPrefix {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(r.PathPrefix, "/")+"/")
}

// CleanPath returns the canonical form of an URL path: rooted, with dot
// segments and repeated slashes removed. A trailing slash is kept.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if cleaned != "/" && strings.HasSuffix(p, "/") {
		cleaned += "/"
	}
	return cleaned
}

type routeSet struct {
	rules    []Rule
	defaults []string
}

// RouteScopes resolves the scopes a request needs. The longest matching path
// prefix wins; among equal prefixes a method-specific rule wins over a
// wildcard one. Requests matching no rule need the default scopes. The rule
// set can be swapped at runtime.
type RouteScopes struct {
	current atomic.Pointer[routeSet]
}

// NewRouteScopes builds a resolver from rules and default scopes.
func NewRouteScopes(rules []Rule, defaults []string) *RouteScopes {
	rs := &RouteScopes{}
	rs.Update(rules, defaults)
	return rs
}

// NewRouteScopesFromConfig builds a resolver from configuration.
func NewRouteScopesFromConfig(cfg *config.GatewayConfig) *RouteScopes {
	return NewRouteScopes(RulesFromConfig(cfg.Routes), cfg.DefaultScopes)
}

// RulesFromConfig converts configured routes to rules.
func RulesFromConfig(routes []config.Route) []Rule {
	rules := make([]Rule, 0, len(routes))
	for _, r := range routes {
		rules = append(rules, Rule{
			Name:       r.Name,
			Method:     r.Method,
			PathPrefix: r.PathPrefix,
			Scopes:     append([]string(nil), r.Scopes...),
		})
	}
	return rules
}

// Update atomically replaces the rule set.
func (rs *RouteScopes) Update(rules []Rule, defaults []string) {
	sorted := append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if len(sorted[i].PathPrefix) != len(sorted[j].PathPrefix) {
			return len(sorted[i].PathPrefix) > len(sorted[j].PathPrefix)
		}
		return isSpecificMethod(sorted[i].Method) && !isSpecificMethod(sorted[j].Method)
	})
	rs.current.Store(&routeSet{
		rules:    sorted,
		defaults: append([]string(nil), defaults...),
	})
}

// Required returns the scopes required for method and path. The path is
// cleaned before matching.
func (rs *RouteScopes) Required(method, p string) []string {
	p = CleanPath(p)
	set := rs.current.Load()
	for i := range set.rules {
		if set.rules[i].matches(method, p) {
			return set.rules[i].Scopes
		}
	}
	return set.defaults
}

// RequiredFor is a convenience wrapper over Required for an HTTP request.
func (rs *RouteScopes) RequiredFor(r *http.Request) []string {
	return rs.Required(r.Method, r.URL.Path)
}

func isSpecificMethod(m string) bool {
	return m != "" && m != "*"
}
