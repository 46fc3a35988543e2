// Package proxy implements the NTLM proxy listener: the HTTPS tunnel
// handler (C9) and request interceptor (C10) of the specification, built
// atop the credential store, upstream-proxy resolver and connection-context
// manager in the internal/ packages.
package proxy

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"

	"github.com/ntlmproxy/core/cert"
	"github.com/ntlmproxy/core/internal/conncontext"
	"github.com/ntlmproxy/core/internal/credential"
	"github.com/ntlmproxy/core/internal/helper"
	"github.com/ntlmproxy/core/internal/hostmatch"
	"github.com/ntlmproxy/core/internal/upstream"
)

// Proxy is the NTLM-terminating HTTP/HTTPS proxy server.
type Proxy struct {
	cfg         Config
	ca          cert.CA
	credentials *credential.Store
	upstreamMgr *upstream.Manager
	connManager *conncontext.Manager
	logger      *slog.Logger

	entry *entry
}

// New wires a Proxy. credentials is shared with the config-API listener
// (which also reaches the connection manager through ConnManager) so
// control-plane mutations take effect immediately.
func New(cfg Config, ca cert.CA, credentials *credential.Store, upstreamMgr *upstream.Manager) *Proxy {
	p := &Proxy{
		cfg:         cfg,
		ca:          ca,
		credentials: credentials,
		upstreamMgr: upstreamMgr,
		logger:      slog.Default().With("component", "ntlmproxy"),
	}
	p.connManager = conncontext.NewManager(p.dialOrigin)
	p.entry = newEntry(p)
	return p
}

// Start begins accepting connections. Blocks until Close/Shutdown or a
// listener error.
func (p *Proxy) Start() error {
	return p.entry.start()
}

// Close immediately stops accepting connections and tears down all
// tracked contexts and tunnels.
func (p *Proxy) Close() error {
	err := p.entry.close()
	p.connManager.RemoveAll()
	p.connManager.RemoveAllTunnels()
	return err
}

// Shutdown stops accepting new connections and waits (bounded by ctx) for
// in-flight ones to finish, then tears down everything still tracked
// (spec §4.7 POST /quit).
func (p *Proxy) Shutdown(ctx context.Context) error {
	err := p.entry.shutdown(ctx)
	p.connManager.RemoveAll()
	p.connManager.RemoveAllTunnels()
	return err
}

// Addr returns the listener's bound address, valid after Start has begun
// listening.
func (p *Proxy) Addr() net.Addr {
	return p.entry.boundAddr()
}

// Credentials exposes the shared credential store, e.g. for the config API.
func (p *Proxy) Credentials() *credential.Store {
	return p.credentials
}

// ConnManager exposes the shared connection-context manager, e.g. for the
// config API's /reset handler.
func (p *Proxy) ConnManager() *conncontext.Manager {
	return p.connManager
}

// RootCA returns the CA that issues MITM leaf certificates; its GetRootCA
// is the root certificate clients must trust.
func (p *Proxy) RootCA() cert.CA {
	return p.ca
}

// dialOrigin is the conncontext.Dialer used to pin each Context's upstream
// agent: it resolves the upstream-proxy decision for origin and, for HTTPS
// origins, performs the proxy-to-server TLS handshake.
func (p *Proxy) dialOrigin(ctx context.Context, origin conncontext.Origin) (net.Conn, error) {
	target := hostmatch.CompleteURL{
		Scheme:       origin.Scheme,
		Host:         origin.Host,
		Port:         origin.Port,
		HostWithPort: origin.Host + ":" + origin.Port,
		IsLocalhost:  hostmatch.IsLocalhost(origin.Host),
	}
	isSSL := origin.Scheme == "https"
	decision := p.upstreamMgr.Resolve(target, isSSL)

	addr := net.JoinHostPort(origin.Host, origin.Port)
	conn, err := p.upstreamMgr.Dial(ctx, decision, addr)
	if err != nil {
		return nil, err
	}
	if !isSSL {
		return conn, nil
	}

	tlsConf := &tls.Config{
		ServerName:         origin.Host,
		InsecureSkipVerify: p.cfg.SSLInsecure || target.IsLocalhost,
		RootCAs:            p.cfg.ExtraCACerts,
		KeyLogWriter:       helper.GetTLSKeyLogWriter(),
	}
	tlsConn := tls.Client(conn, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}
