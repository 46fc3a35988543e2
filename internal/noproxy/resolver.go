// Package noproxy implements the NO_PROXY bypass rules (spec §4.2): given a
// configured NO_PROXY string, decide whether a target host should skip the
// upstream proxy entirely.
package noproxy

import (
	"strings"

	"github.com/tidwall/match"
)

const loopbackSuppressToken = "<-loopback>"

// Resolver answers Bypass queries for one parsed NO_PROXY value.
type Resolver struct {
	tokens           []string
	bypassAll        bool
	suppressLoopback bool
}

// NewResolver parses a comma-separated NO_PROXY string into a Resolver.
// An empty string yields a Resolver that bypasses only localhost and
// 127.0.0.1.
func NewResolver(noProxy string) *Resolver {
	r := &Resolver{}
	for _, raw := range strings.Split(noProxy, ",") {
		tok := strings.ToLower(strings.TrimSpace(raw))
		if tok == "" {
			continue
		}
		switch tok {
		case loopbackSuppressToken:
			r.suppressLoopback = true
			continue
		case "*":
			r.bypassAll = true
			continue
		}
		r.tokens = append(r.tokens, tok)
	}
	return r
}

// Bypass reports whether host:port should bypass the upstream proxy.
func (r *Resolver) Bypass(host, port string) bool {
	if r.bypassAll {
		return true
	}
	host = strings.ToLower(host)
	if !r.suppressLoopback && isImplicitLoopback(host) {
		return true
	}

	for _, tok := range r.tokens {
		tokHost, tokPort, hasPort := splitTokenPort(tok)
		if hasPort && tokPort != port {
			continue
		}
		if strings.Contains(tokHost, "*") {
			if match.Match(host, tokHost) {
				return true
			}
			continue
		}
		if tokHost == host {
			return true
		}
	}
	return false
}

func isImplicitLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1"
}

// splitTokenPort splits a NO_PROXY token on its last ':', matching the
// "literal (optionally with :port)" grammar of spec §4.2. Tokens that use
// the wildcard form never carry a port.
func splitTokenPort(tok string) (host, port string, hasPort bool) {
	idx := strings.LastIndex(tok, ":")
	if idx < 0 {
		return tok, "", false
	}
	return tok[:idx], tok[idx+1:], true
}
