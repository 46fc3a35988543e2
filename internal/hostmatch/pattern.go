package hostmatch

import (
	"strings"

	"github.com/tidwall/match"
)

// HostPattern is a user-supplied pattern matched against a "host" or
// "host:port" (spec §3 HostPattern). Grammar: literal DNS labels and the
// wildcard "*", which matches any run of non-dot characters within exactly
// one label (it may be combined with literal characters in that label, e.g.
// "*host" matches "localhost" but not "my.host"). A bare "*" is special: it
// matches every host regardless of label count, and is always the
// lowest-priority match (spec §4.1).
type HostPattern string

// HasWildcard reports whether p contains the "*" wildcard anywhere.
func (p HostPattern) HasWildcard() bool {
	return strings.Contains(string(p), "*")
}

// splitHostPort splits a pattern into its host part, its port part (if any)
// and whether a port was present. Patterns only ever carry a literal port
// (spec §3: "Port may be present only in non-wildcard patterns"); validation
// of that constraint happens at the config-API boundary, not here.
func splitHostPort(pattern string) (host, port string, hasPort bool) {
	idx := strings.LastIndex(pattern, ":")
	if idx < 0 {
		return pattern, "", false
	}
	return pattern[:idx], pattern[idx+1:], true
}

// Matches implements the per-pattern comparison of spec §4.1.
func Matches(pattern HostPattern, host, port string) bool {
	patHost, patPort, hasPort := splitHostPort(string(pattern))
	if hasPort && patPort != port {
		return false
	}
	return matchHostLabels(patHost, host)
}

func matchHostLabels(patHost, host string) bool {
	if patHost == "*" {
		return true
	}

	patLabels := strings.Split(patHost, ".")
	hostLabels := strings.Split(host, ".")
	if len(patLabels) != len(hostLabels) {
		return false
	}

	for i := range patLabels {
		pl := strings.ToLower(patLabels[i])
		hl := strings.ToLower(hostLabels[i])
		if pl == hl {
			continue
		}
		if !strings.Contains(pl, "*") {
			return false
		}
		if !match.Match(hl, pl) {
			return false
		}
	}
	return true
}

// precedence classifies a matching pattern for BestMatch's tie-break rule:
//
//  1. exact host:port
//  2. exact host, any port
//  3. wildcard, ranked by longest literal suffix, then fewest wildcards,
//     then lexicographically
//  4. bare "*", always last
type precedence struct {
	pattern          HostPattern
	tier             int // 0 = exact host:port, 1 = exact host, 2 = wildcard, 3 = bare "*"
	literalSuffixLen int
	wildcardCount    int
}

func classify(pattern HostPattern, port string) precedence {
	patHost, patPort, hasPort := splitHostPort(string(pattern))
	if patHost == "*" {
		return precedence{pattern: pattern, tier: 3}
	}
	if !pattern.HasWildcard() {
		if hasPort && patPort == port {
			return precedence{pattern: pattern, tier: 0}
		}
		return precedence{pattern: pattern, tier: 1}
	}

	idx := strings.LastIndex(patHost, "*")
	suffix := patHost[idx+1:]
	return precedence{
		pattern:          pattern,
		tier:             2,
		literalSuffixLen: len(suffix),
		wildcardCount:    strings.Count(patHost, "*"),
	}
}

// less reports whether a should be preferred over b (a "wins").
func (a precedence) less(b precedence) bool {
	if a.tier != b.tier {
		return a.tier < b.tier
	}
	if a.tier < 2 {
		// both exact-tier matches for the same host/port cannot meaningfully
		// differ further; keep deterministic via pattern string.
		return a.pattern < b.pattern
	}
	if a.literalSuffixLen != b.literalSuffixLen {
		return a.literalSuffixLen > b.literalSuffixLen
	}
	if a.wildcardCount != b.wildcardCount {
		return a.wildcardCount < b.wildcardCount
	}
	return a.pattern < b.pattern
}

// BestMatch implements the deterministic tie-break of spec §3 "Precedence
// rule" over every pattern in patterns that matches host:port.
func BestMatch(patterns []HostPattern, host, port string) (HostPattern, bool) {
	var best precedence
	found := false

	for _, p := range patterns {
		if !Matches(p, host, port) {
			continue
		}
		cand := classify(p, port)
		if !found || cand.less(best) {
			best = cand
			found = true
		}
	}

	if !found {
		return "", false
	}
	return best.pattern, true
}
