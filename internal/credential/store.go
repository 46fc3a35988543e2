// Package credential implements the credential store (spec §3/§4: C5): the
// ordered host-pattern → credential mapping the request interceptor consults
// to decide whether, and with what identity, to drive an NTLM handshake.
package credential

import (
	"os"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/ntlmproxy/core/internal/hostmatch"
)

// NTLMVersion is the NTLM version configured for a credential. It is stored
// and defaulted here, but the explicit engine (internal/ntlmengine) does not
// read it: it always computes an NTLMv2 response, including for NTLMv1.
type NTLMVersion int

const (
	NTLMv2 NTLMVersion = 2
	NTLMv1 NTLMVersion = 1
)

// Credential is either an explicit username/password/domain/workstation
// tuple or an opaque SSO marker that defers to the host OS.
type Credential struct {
	SSO bool

	Username    string
	Password    string
	Domain      string
	Workstation string
	NTLMVersion NTLMVersion
}

var hostname = sync.OnceValue(func() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
})

// WithDefaults fills Domain and Workstation when unset. Domain defaults to
// the uppercased first DNS label of host; Workstation defaults to the OS
// hostname, resolved once per process.
func (c Credential) WithDefaults(host string) Credential {
	if c.SSO {
		return c
	}
	if c.Domain == "" {
		c.Domain = strings.ToUpper(firstLabel(host))
	}
	if c.Workstation == "" {
		c.Workstation = hostname()
	}
	if c.NTLMVersion == 0 {
		c.NTLMVersion = NTLMv2
	}
	return c
}

func firstLabel(host string) string {
	if idx := strings.IndexByte(host, '.'); idx >= 0 {
		return host[:idx]
	}
	return host
}

type entry struct {
	pattern    hostmatch.HostPattern
	credential Credential
}

// Store is the copy-on-write credential table of spec §3. Writes (from the
// config-API listener) are serialized by mu and replace entries with a new
// slice; readers hold mu only long enough to take the current slice, then
// work on that snapshot without the lock.
type Store struct {
	mu      sync.Mutex
	entries []entry // guarded by mu; Lookup reads it under mu and uses the snapshot
}

// NewStore returns an empty credential store.
func NewStore() *Store {
	return &Store{}
}

// Upsert adds or replaces the credential for each of patterns. Re-adding a
// pattern overwrites its existing entry in place (spec §3 invariant).
func (s *Store) Upsert(patterns []hostmatch.HostPattern, cred Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]entry, len(s.entries))
	copy(next, s.entries)

	for _, p := range patterns {
		idx := lo.IndexOf(lo.Map(next, func(e entry, _ int) hostmatch.HostPattern { return e.pattern }), p)
		if idx >= 0 {
			next[idx].credential = cred
			continue
		}
		next = append(next, entry{pattern: p, credential: cred})
	}
	s.entries = next
}

// Reset removes every credential (spec §4.7 POST /reset).
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

// Lookup resolves the credential that applies to host:port, if any, per the
// precedence rule of spec §3.
func (s *Store) Lookup(host, port string) (Credential, bool) {
	s.mu.Lock()
	entries := s.entries
	s.mu.Unlock()

	patterns := lo.Map(entries, func(e entry, _ int) hostmatch.HostPattern { return e.pattern })
	best, ok := hostmatch.BestMatch(patterns, host, port)
	if !ok {
		return Credential{}, false
	}

	idx := lo.IndexOf(patterns, best)
	cred := entries[idx].credential
	return cred.WithDefaults(host), true
}
