package netutil

import (
	"net"
	"path"
	"strings"
)

// GlobList is an ordered list of shell-style glob patterns matched against
// hostnames. Matching is case-insensitive. The zero value matches nothing.
type GlobList struct {
	patterns []string
}

// NewGlobList builds a list from comma- or space-separated pattern groups.
// Empty tokens are dropped. Order is preserved.
func NewGlobList(specs ...string) *GlobList {
	g := &GlobList{}
	for _, spec := range specs {
		for _, tok := range strings.FieldsFunc(spec, func(r rune) bool {
			return r == ',' || r == ' '
		}) {
			if tok != "" {
				g.patterns = append(g.patterns, strings.ToLower(tok))
			}
		}
	}
	return g
}

// Add appends a single pattern.
func (g *GlobList) Add(pattern string) {
	if pattern != "" {
		g.patterns = append(g.patterns, strings.ToLower(pattern))
	}
}

// Empty reports whether the list holds no patterns.
func (g *GlobList) Empty() bool {
	return g == nil || len(g.patterns) == 0
}

// Match reports whether the hostname matches any pattern in the list.
// A hostname carrying a port is matched without it.
func (g *GlobList) Match(host string) bool {
	if g == nil {
		return false
	}
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		// host:port or [v6]:port; a bare IPv6 literal fails to split
		host = h
	}
	host = strings.Trim(host, "[]")
	for _, p := range g.patterns {
		if ok, err := path.Match(p, host); err == nil && ok {
			return true
		}
	}
	return false
}

// Patterns returns the stored patterns in order.
func (g *GlobList) Patterns() []string {
	if g == nil {
		return nil
	}
	return g.patterns
}
