// Package upstream implements the upstream-proxy resolver (spec §4.3):
// deciding, for a given target, whether the proxy dials it directly or
// tunnels it through a configured corporate HTTP/HTTPS/SOCKS5 proxy, and
// performing that dial.
package upstream

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"

	"github.com/ntlmproxy/core/internal/hostmatch"
	"github.com/ntlmproxy/core/internal/noproxy"
)

// Decision is the outcome of resolving a target: either a direct dial or a
// tunnel through proxyURL.
type Decision struct {
	ProxyURL *url.URL // nil when Direct
}

// Direct reports whether this decision calls for a direct connection.
func (d Decision) Direct() bool {
	return d.ProxyURL == nil
}

// Manager holds the three startup inputs of spec §4.3 and resolves targets
// against them.
type Manager struct {
	httpProxy  *url.URL
	httpsProxy *url.URL
	noProxy    *noproxy.Resolver

	sslInsecure bool
}

// Config mirrors the three environment inputs the manager is built from.
type Config struct {
	HTTPProxy   string
	HTTPSProxy  string
	NoProxy     string
	SSLInsecure bool
}

// New builds a Manager from Config. Empty proxy URLs are treated as unset.
func New(cfg Config) (*Manager, error) {
	m := &Manager{
		noProxy:     noproxy.NewResolver(cfg.NoProxy),
		sslInsecure: cfg.SSLInsecure,
	}
	if cfg.HTTPProxy != "" {
		u, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			return nil, err
		}
		m.httpProxy = u
	}
	if cfg.HTTPSProxy != "" {
		u, err := url.Parse(cfg.HTTPSProxy)
		if err != nil {
			return nil, err
		}
		m.httpsProxy = u
	}
	return m, nil
}

// Resolve implements the resolve(target, isSSL) operation of spec §4.3.
func (m *Manager) Resolve(target hostmatch.CompleteURL, isSSL bool) Decision {
	if m.noProxy.Bypass(target.Host, target.Port) {
		return Decision{}
	}

	// HTTPS_PROXY overrides HTTP_PROXY for SSL targets; a plain-HTTP target
	// never consults HTTPS_PROXY, even when HTTP_PROXY is unset (spec §4.3
	// "subtle but required behavior").
	var chosen *url.URL
	if isSSL {
		chosen = m.httpsProxy
		if chosen == nil {
			chosen = m.httpProxy
		}
	} else {
		chosen = m.httpProxy
	}

	if chosen == nil {
		return Decision{}
	}
	return Decision{ProxyURL: chosen}
}

// Dial connects to address ("host:port") per decision. For a direct
// decision it dials address itself; otherwise it connects to the upstream
// proxy and, for SOCKS5/HTTP(S) proxies, tunnels address through it.
func (m *Manager) Dial(ctx context.Context, decision Decision, address string) (net.Conn, error) {
	if decision.Direct() {
		return (&net.Dialer{}).DialContext(ctx, "tcp", address)
	}
	return dialViaProxy(ctx, decision.ProxyURL, address, m.sslInsecure)
}

// dialViaProxy tunnels address through proxyURL, grounded on the net/http
// transport's CONNECT dial (golang.org/x/net/proxy for SOCKS5).
func dialViaProxy(ctx context.Context, proxyURL *url.URL, address string, sslInsecure bool) (net.Conn, error) {
	if proxyURL.Scheme == "socks5" {
		auth := &proxy.Auth{}
		if proxyURL.User != nil {
			auth.User = proxyURL.User.Username()
			auth.Password, _ = proxyURL.User.Password()
		}
		dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
		if err != nil {
			return nil, err
		}
		dc, ok := dialer.(interface {
			DialContext(ctx context.Context, network, addr string) (net.Conn, error)
		})
		if !ok {
			return nil, errors.New("upstream: SOCKS5 dialer does not support DialContext")
		}
		return dc.DialContext(ctx, "tcp", address)
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", proxyURL.Host)
	if err != nil {
		return nil, err
	}

	if proxyURL.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         proxyURL.Hostname(),
			InsecureSkipVerify: sslInsecure,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: http.Header{},
	}
	if proxyURL.User != nil {
		connectReq.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(proxyURL.User.String())))
	}

	connectCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	done := make(chan struct{})
	var resp *http.Response
	go func() {
		defer close(done)
		if err = connectReq.Write(conn); err != nil {
			return
		}
		resp, err = http.ReadResponse(bufio.NewReader(conn), connectReq)
	}()

	select {
	case <-connectCtx.Done():
		conn.Close()
		<-done
		return nil, connectCtx.Err()
	case <-done:
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		_, text, ok := strings.Cut(resp.Status, " ")
		if !ok {
			return nil, errors.New("upstream: CONNECT failed with unknown status")
		}
		return nil, errors.New("upstream: CONNECT failed: " + text)
	}
	return conn, nil
}
