// Package ntlmengine binds the proxy's handshake driver to the external NTLM
// message codec (spec §1: "NTLM/Negotiate cryptographic message builders and
// parsers... specified only by interface"). The crypto itself is not this
// package's concern; it only adapts credential.Credential to whichever
// engine implementation produces and consumes the wire messages.
package ntlmengine

import (
	"errors"
	"runtime"

	"github.com/Azure/go-ntlmssp"

	"github.com/ntlmproxy/core/internal/credential"
)

// ErrSSONotSupported is returned by Engine.Type1/Type3 for an SSO credential
// on a platform without the host SSPI binding.
var ErrSSONotSupported = errors.New("ntlmengine: SSO authentication requires Windows SSPI, not available on this platform")

// Engine produces the Type 1 negotiate message and consumes a Type 2
// challenge to produce the Type 3 authenticate message, for one credential.
type Engine interface {
	Type1(cred credential.Credential) ([]byte, error)
	Type3(cred credential.Credential, type2 []byte) ([]byte, error)
}

// New selects the engine implementation for cred: explicit credentials are
// driven through the go-ntlmssp codec; SSO credentials are delegated to the
// host SSPI binding, which this module does not implement.
func New(cred credential.Credential) Engine {
	if cred.SSO {
		return ssoEngine{}
	}
	return explicitEngine{}
}

// explicitEngine drives github.com/Azure/go-ntlmssp's low-level message
// functions directly (not its http.RoundTripper wrapper), because the
// handshake here must be interleaved with connection pinning and the
// replay of the original request — concerns the RoundTripper wrapper owns
// internally and does not expose.
type explicitEngine struct{}

func (explicitEngine) Type1(cred credential.Credential) ([]byte, error) {
	return ntlmssp.NewNegotiateMessage(cred.Domain, cred.Workstation)
}

func (explicitEngine) Type3(cred credential.Credential, type2 []byte) ([]byte, error) {
	user := cred.Username
	if cred.Domain != "" {
		user = cred.Domain + "\\" + cred.Username
	}
	return ntlmssp.ProcessChallenge(type2, user, cred.Password)
}

// ssoEngine is the binding point for host SSPI/Kerberos authentication.
// Outside Windows there is no such facility; callers get ErrSSONotSupported,
// matching the config API's OS-gated 400 on /ntlm-sso-config (spec §4.7).
type ssoEngine struct{}

func (ssoEngine) Type1(credential.Credential) ([]byte, error) {
	if runtime.GOOS != "windows" {
		return nil, ErrSSONotSupported
	}
	return nil, errors.New("ntlmengine: SSPI binding not implemented")
}

func (ssoEngine) Type3(credential.Credential, []byte) ([]byte, error) {
	if runtime.GOOS != "windows" {
		return nil, ErrSSONotSupported
	}
	return nil, errors.New("ntlmengine: SSPI binding not implemented")
}
