package proxy

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/ntlmproxy/core/internal/hostmatch"
)

func TestIsNTLMChallengeDetectsNTLM(t *testing.T) {
	c := qt.New(t)
	resp := &http.Response{
		StatusCode: http.StatusUnauthorized,
		Header:     http.Header{"Www-Authenticate": []string{"NTLM"}},
	}
	c.Assert(isNTLMChallenge(resp), qt.IsTrue)
}

func TestIsNTLMChallengeDetectsNegotiate(t *testing.T) {
	c := qt.New(t)
	resp := &http.Response{
		StatusCode: http.StatusUnauthorized,
		Header:     http.Header{"Www-Authenticate": []string{"Negotiate"}},
	}
	c.Assert(isNTLMChallenge(resp), qt.IsTrue)
}

func TestIsNTLMChallengeRejectsBasic(t *testing.T) {
	c := qt.New(t)
	resp := &http.Response{
		StatusCode: http.StatusUnauthorized,
		Header:     http.Header{"Www-Authenticate": []string{"Basic realm=\"x\""}},
	}
	c.Assert(isNTLMChallenge(resp), qt.IsFalse)
}

func TestIsNTLMChallengeRejectsNon401(t *testing.T) {
	c := qt.New(t)
	resp := &http.Response{StatusCode: http.StatusOK}
	c.Assert(isNTLMChallenge(resp), qt.IsFalse)
}

func TestExtractChallengeDecodesBase64(t *testing.T) {
	c := qt.New(t)
	payload := []byte("type2-bytes")
	resp := &http.Response{
		Header: http.Header{"Www-Authenticate": []string{"NTLM " + base64.StdEncoding.EncodeToString(payload)}},
	}
	got, err := extractChallenge(resp)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, payload)
}

func TestExtractChallengeErrorsWithoutChallenge(t *testing.T) {
	c := qt.New(t)
	resp := &http.Response{Header: http.Header{}}
	_, err := extractChallenge(resp)
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestRequestTargetAbsoluteURI(t *testing.T) {
	c := qt.New(t)
	req := httptest.NewRequest(http.MethodGet, "http://example.com/path", nil)
	req.URL.Scheme = "http"
	req.URL.Host = "example.com"

	target, isSSL := requestTarget(req, false)
	c.Assert(isSSL, qt.IsFalse)
	c.Assert(target.Host, qt.Equals, "example.com")
	c.Assert(target.Port, qt.Equals, "80")
}

func TestRequestTargetMITMTunnel(t *testing.T) {
	c := qt.New(t)
	req := httptest.NewRequest(http.MethodGet, "/path", nil)
	req.Host = "secure.example.com"

	target, isSSL := requestTarget(req, true)
	c.Assert(isSSL, qt.IsTrue)
	c.Assert(target.Scheme, qt.Equals, "https")
	c.Assert(target.Host, qt.Equals, "secure.example.com")
}

func TestBufferedRequestBuildOmitsAuthorizationWhenEmpty(t *testing.T) {
	c := qt.New(t)
	req := httptest.NewRequest(http.MethodGet, "/path", nil)
	req.Header.Set("Authorization", "Basic stale")

	target := hostmatch.CompleteURL{HostWithPort: "example.com:80"}
	buffered, err := newBufferedRequest(req, target)
	c.Assert(err, qt.IsNil)

	out := buffered.build("")
	c.Assert(out.Header.Get("Authorization"), qt.Equals, "")

	out2 := buffered.build("NTLM abc123")
	c.Assert(out2.Header.Get("Authorization"), qt.Equals, "NTLM abc123")
}
