package upstream_test

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/ntlmproxy/core/internal/hostmatch"
	"github.com/ntlmproxy/core/internal/upstream"
)

func mustTarget(c *qt.C, rawURL string) hostmatch.CompleteURL {
	u, err := hostmatch.ParseCompleteURL(rawURL)
	c.Assert(err, qt.IsNil)
	return u
}

func TestResolveDirectWhenNoProxyConfigured(t *testing.T) {
	c := qt.New(t)
	m, err := upstream.New(upstream.Config{})
	c.Assert(err, qt.IsNil)

	decision := m.Resolve(mustTarget(c, "http://example.com"), false)
	c.Assert(decision.Direct(), qt.IsTrue)
}

func TestResolveHTTPUsesHTTPProxy(t *testing.T) {
	c := qt.New(t)
	m, err := upstream.New(upstream.Config{HTTPProxy: "http://proxy.example:8080"})
	c.Assert(err, qt.IsNil)

	decision := m.Resolve(mustTarget(c, "http://example.com"), false)
	c.Assert(decision.Direct(), qt.IsFalse)
	c.Assert(decision.ProxyURL.Host, qt.Equals, "proxy.example:8080")
}

func TestResolveHTTPSPreferHTTPSProxyOverHTTPProxy(t *testing.T) {
	c := qt.New(t)
	m, err := upstream.New(upstream.Config{
		HTTPProxy:  "http://http-proxy.example:8080",
		HTTPSProxy: "http://https-proxy.example:8443",
	})
	c.Assert(err, qt.IsNil)

	decision := m.Resolve(mustTarget(c, "https://example.com"), true)
	c.Assert(decision.ProxyURL.Host, qt.Equals, "https-proxy.example:8443")
}

// A plain-HTTP target must never consult HTTPS_PROXY, even when HTTP_PROXY
// is unset (spec §4.3's "subtle but required behavior").
func TestResolveHTTPNeverUsesHTTPSProxy(t *testing.T) {
	c := qt.New(t)
	m, err := upstream.New(upstream.Config{HTTPSProxy: "http://https-proxy.example:8443"})
	c.Assert(err, qt.IsNil)

	decision := m.Resolve(mustTarget(c, "http://example.com"), false)
	c.Assert(decision.Direct(), qt.IsTrue)
}

func TestResolveNoProxyBypass(t *testing.T) {
	c := qt.New(t)
	m, err := upstream.New(upstream.Config{
		HTTPProxy: "http://proxy.example:8080",
		NoProxy:   "example.com",
	})
	c.Assert(err, qt.IsNil)

	decision := m.Resolve(mustTarget(c, "http://example.com"), false)
	c.Assert(decision.Direct(), qt.IsTrue)
}

func TestDialDirectConnectsToAddress(t *testing.T) {
	c := qt.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	defer ln.Close()

	accepted := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		c.Check(err, qt.IsNil)
		if conn != nil {
			conn.Close()
		}
		close(accepted)
	}()

	m, err := upstream.New(upstream.Config{})
	c.Assert(err, qt.IsNil)

	conn, err := m.Dial(context.Background(), upstream.Decision{}, ln.Addr().String())
	c.Assert(err, qt.IsNil)
	conn.Close()
	<-accepted
}

func TestDialViaHTTPProxySendsConnect(t *testing.T) {
	c := qt.New(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	c.Assert(err, qt.IsNil)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn, err := ln.Accept()
		c.Check(err, qt.IsNil)
		if err != nil {
			return
		}
		defer conn.Close()

		req, err := http.ReadRequest(bufio.NewReader(conn))
		c.Check(err, qt.IsNil)
		c.Check(req.Method, qt.Equals, http.MethodConnect)
		c.Check(req.Host, qt.Equals, "upstream.example:443")

		conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
	}()

	m, err := upstream.New(upstream.Config{})
	c.Assert(err, qt.IsNil)

	decision, err := withHTTPProxyDecision(ln.Addr().String())
	c.Assert(err, qt.IsNil)

	conn, err := m.Dial(context.Background(), decision, "upstream.example:443")
	c.Assert(err, qt.IsNil)
	conn.Close()
	<-done
}

func withHTTPProxyDecision(proxyAddr string) (upstream.Decision, error) {
	m, err := upstream.New(upstream.Config{HTTPProxy: "http://" + proxyAddr})
	if err != nil {
		return upstream.Decision{}, err
	}
	return m.Resolve(hostmatch.CompleteURL{Scheme: "https", Host: "upstream.example", Port: "443"}, true), nil
}
