package credential_test

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/ntlmproxy/core/internal/credential"
	"github.com/ntlmproxy/core/internal/hostmatch"
)

func TestUpsertAndLookup(t *testing.T) {
	c := qt.New(t)
	s := credential.NewStore()

	s.Upsert([]hostmatch.HostPattern{"example.com"}, credential.Credential{
		Username: "alice", Password: "secret", Domain: "CORP",
	})

	got, ok := s.Lookup("example.com", "443")
	c.Assert(ok, qt.IsTrue)
	c.Assert(got.Username, qt.Equals, "alice")
	c.Assert(got.Domain, qt.Equals, "CORP")
	c.Assert(got.NTLMVersion, qt.Equals, credential.NTLMv2)
}

func TestUpsertOverwritesExistingPattern(t *testing.T) {
	c := qt.New(t)
	s := credential.NewStore()

	s.Upsert([]hostmatch.HostPattern{"example.com"}, credential.Credential{Username: "alice"})
	s.Upsert([]hostmatch.HostPattern{"example.com"}, credential.Credential{Username: "bob"})

	got, ok := s.Lookup("example.com", "443")
	c.Assert(ok, qt.IsTrue)
	c.Assert(got.Username, qt.Equals, "bob")
}

func TestLookupNoMatch(t *testing.T) {
	c := qt.New(t)
	s := credential.NewStore()
	_, ok := s.Lookup("example.com", "443")
	c.Assert(ok, qt.IsFalse)
}

func TestResetRemovesAllCredentials(t *testing.T) {
	c := qt.New(t)
	s := credential.NewStore()
	s.Upsert([]hostmatch.HostPattern{"example.com"}, credential.Credential{Username: "alice"})
	s.Reset()

	_, ok := s.Lookup("example.com", "443")
	c.Assert(ok, qt.IsFalse)
}

func TestWithDefaultsDerivesDomainAndWorkstation(t *testing.T) {
	c := qt.New(t)
	cred := credential.Credential{Username: "alice"}.WithDefaults("corp.intranet")
	c.Assert(cred.Domain, qt.Equals, "CORP")
	c.Assert(cred.Workstation, qt.Not(qt.Equals), "")
	c.Assert(cred.NTLMVersion, qt.Equals, credential.NTLMv2)
}

func TestWithDefaultsLeavesSSOUntouched(t *testing.T) {
	c := qt.New(t)
	cred := credential.Credential{SSO: true}.WithDefaults("corp.intranet")
	c.Assert(cred.Domain, qt.Equals, "")
	c.Assert(cred.Workstation, qt.Equals, "")
}

func TestLookupAppliesHostPatternPrecedence(t *testing.T) {
	c := qt.New(t)
	s := credential.NewStore()
	s.Upsert([]hostmatch.HostPattern{"*.intranet"}, credential.Credential{Username: "wildcard"})
	s.Upsert([]hostmatch.HostPattern{"host1.intranet"}, credential.Credential{Username: "exact"})

	got, ok := s.Lookup("host1.intranet", "443")
	c.Assert(ok, qt.IsTrue)
	c.Assert(got.Username, qt.Equals, "exact")
}
