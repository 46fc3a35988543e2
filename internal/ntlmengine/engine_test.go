package ntlmengine_test

import (
	"runtime"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/ntlmproxy/core/internal/credential"
	"github.com/ntlmproxy/core/internal/ntlmengine"
)

func TestType1ProducesNegotiateMessage(t *testing.T) {
	c := qt.New(t)
	engine := ntlmengine.New(credential.Credential{Domain: "CORP", Workstation: "WS1"})

	msg, err := engine.Type1(credential.Credential{Domain: "CORP", Workstation: "WS1"})
	c.Assert(err, qt.IsNil)
	c.Assert(len(msg) > 0, qt.IsTrue)
	// NTLM message signature: "NTLMSSP\0"
	c.Assert(string(msg[:8]), qt.Equals, "NTLMSSP\x00")
}

func TestSSOEngineFailsOffWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("SSO binding only fails off Windows")
	}
	c := qt.New(t)
	engine := ntlmengine.New(credential.Credential{SSO: true})

	_, err := engine.Type1(credential.Credential{SSO: true})
	c.Assert(err, qt.Equals, ntlmengine.ErrSSONotSupported)

	_, err = engine.Type3(credential.Credential{SSO: true}, nil)
	c.Assert(err, qt.Equals, ntlmengine.ErrSSONotSupported)
}
