// Package hostmatch implements URL normalization and host-pattern matching:
// the proxy's rules for deciding which configured credential (if any) applies
// to a given request target.
package hostmatch

import (
	"fmt"
	"net/url"
	"strings"
)

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// CompleteURL is a fully-resolved request target: scheme, host and port are
// always present, never left to be inferred downstream.
type CompleteURL struct {
	Scheme       string
	Host         string
	Port         string
	HostWithPort string
	Href         string
	IsLocalhost  bool
}

// ParseCompleteURL parses rawURL and fills in scheme/port defaults.
func ParseCompleteURL(rawURL string) (CompleteURL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return CompleteURL{}, fmt.Errorf("hostmatch: parse url: %w", err)
	}
	return FromURL(u), nil
}

// FromURL builds a CompleteURL from an already-parsed *url.URL.
func FromURL(u *url.URL) CompleteURL {
	scheme := strings.ToLower(u.Scheme)
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = defaultPorts[scheme]
	}
	hostWithPort := host
	if port != "" {
		hostWithPort = host + ":" + port
	}

	return CompleteURL{
		Scheme:       scheme,
		Host:         host,
		Port:         port,
		HostWithPort: hostWithPort,
		Href:         u.String(),
		IsLocalhost:  isLocalhost(host),
	}
}

func isLocalhost(host string) bool {
	return IsLocalhost(host)
}

// IsLocalhost reports whether host is 127.0.0.1, ::1 or localhost,
// case-insensitively.
func IsLocalhost(host string) bool {
	switch strings.ToLower(host) {
	case "127.0.0.1", "::1", "localhost":
		return true
	default:
		return false
	}
}
