// This file (entry.go) is the listener accept loop and CONNECT tunnel
// handler (C9). Unlike the upstream library it was adapted from, responses
// are written directly to the raw connection rather than through
// net/http.ResponseWriter: the proxy must be able to replay buffered
// requests and preserve a server's exact status-line reason phrase across
// an NTLM handshake, neither of which net/http's server-side ResponseWriter
// exposes.
package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/ntlmproxy/core/internal/conncontext"
	"github.com/ntlmproxy/core/internal/helper"
	"github.com/ntlmproxy/core/internal/netutil"
)

// entry is the NTLM proxy's listener and per-connection dispatcher.
type entry struct {
	proxy *Proxy

	mu       sync.Mutex
	listener net.Listener
	addr     net.Addr
	wg       sync.WaitGroup
	closing  bool
}

func newEntry(proxy *Proxy) *entry {
	return &entry{proxy: proxy}
}

func (e *entry) boundAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

// start listens on the configured address and serves connections until the
// listener is closed.
func (e *entry) start() error {
	addr := e.proxy.cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.listener = ln
	e.addr = ln.Addr()
	e.mu.Unlock()

	slog.Info("ntlm proxy listening", "addr", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			e.mu.Lock()
			closing := e.closing
			e.mu.Unlock()
			if closing {
				e.wg.Wait()
				return nil
			}
			return err
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handleConn(conn)
		}()
	}
}

// close stops the listener immediately; in-flight connections are not
// waited on.
func (e *entry) close() error {
	e.mu.Lock()
	e.closing = true
	ln := e.listener
	e.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

// shutdown stops accepting new connections and waits for in-flight ones to
// finish, bounded by ctx.
func (e *entry) shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closing = true
	ln := e.listener
	e.mu.Unlock()
	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleConn owns one accepted downstream socket for its entire lifetime,
// including across a CONNECT tunnel's decrypted requests. Remove is
// deferred on clientAddress rather than on a single captured Context: a
// /reset mid-connection destroys whatever Context is currently registered
// for this address (see conncontext.Manager.RemoveAll), and serveConn's
// loop resolves a fresh one on its very next request, so the defer here
// must clean up whichever Context is live when the socket actually closes.
func (e *entry) handleConn(conn net.Conn) {
	clientAddress := conn.RemoteAddr().String()
	defer e.proxy.connManager.Remove(clientAddress)

	e.serveConn(context.Background(), clientAddress, conn, false)
}

// serveConn runs the HTTP/1.1 request loop for one logical connection: conn
// is either the raw downstream socket (isTLS=false) or the decrypted stream
// of a MITM'd CONNECT tunnel (isTLS=true). The conncontext.Context for
// clientAddress is resolved fresh each iteration rather than once up front,
// so that a reset landing between two requests on the same keep-alive
// socket is picked up immediately: the destroyed Context is simply
// recreated and pinned to a new Agent, which re-handshakes from scratch
// (spec §4.5 re-auth trigger) instead of the connection wedging on
// conncontext.ErrClosed.
func (e *entry) serveConn(ctx context.Context, clientAddress string, conn net.Conn, isTLS bool) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	logger := slog.Default().With("in", "proxy.entry.serveConn", "client", clientAddress)

	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			netutil.LogTransportError(logger, err, "read request failed")
			return
		}

		if req.Method == http.MethodConnect {
			e.handleConnect(ctx, clientAddress, conn, br, req)
			return
		}

		connCtx := e.proxy.connManager.GetOrCreate(clientAddress, conn)
		resp, keepAlive := e.proxy.handleRequest(ctx, connCtx, req, isTLS)
		if resp == nil {
			// direct-dial failure: spec §4.5 calls for hanging up rather
			// than surfacing a synthetic error response.
			return
		}
		if err := writeResponse(conn, resp); err != nil {
			netutil.LogTransportError(logger, err, "write response failed")
			return
		}
		if !keepAlive || req.Close {
			return
		}
	}
}

// handleConnect implements the HTTPS Tunnel Handler (C9, spec §4.6): MITM
// the tunnel if the target host carries a configured credential, otherwise
// splice it through as an opaque byte pipe.
func (e *entry) handleConnect(ctx context.Context, clientAddress string, conn net.Conn, br *bufio.Reader, req *http.Request) {
	logger := slog.Default().With("in", "proxy.entry.handleConnect", "host", req.Host)

	host, port := splitHostPort(req.Host, "443")
	_, matched := e.proxy.credentials.Lookup(host, port)

	if !matched {
		e.directTunnel(ctx, clientAddress, conn, host, port, logger)
		return
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		netutil.LogTransportError(logger, err, "write connect response failed")
		return
	}

	tlsCert, err := e.proxy.ca.GetCert(host)
	if err != nil {
		logger.Error("generate mitm certificate failed", "error", err)
		return
	}

	// The CONNECT request's bufio.Reader may already have buffered bytes
	// past the request line (the start of the client's TLS ClientHello);
	// the TLS handshake must read through it rather than the raw conn.
	tlsConn := tls.Server(&bufferedConn{Conn: conn, br: br}, &tls.Config{
		Certificates: []tls.Certificate{*tlsCert},
		KeyLogWriter: helper.GetTLSKeyLogWriter(),
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		netutil.LogTransportError(logger, err, "client tls handshake failed")
		return
	}

	e.serveConn(ctx, clientAddress, tlsConn, true)
}

// directTunnel opens a raw connection to host:port (direct or via the
// configured upstream proxy) and splices it with the downstream socket.
func (e *entry) directTunnel(ctx context.Context, clientAddress string, conn net.Conn, host, port string, logger *slog.Logger) {
	origin := conncontext.Origin{Scheme: "https", Host: host, Port: port}
	target, err := e.proxy.dialOrigin(ctx, origin)
	if err != nil {
		netutil.LogTransportError(logger, err, "dial tunnel target failed")
		io.WriteString(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		target.Close()
		return
	}

	tunnel := conncontext.NewTunnel(conn, target)
	e.proxy.connManager.AddTunnel(clientAddress, tunnel)
	defer e.proxy.connManager.RemoveTunnel(clientAddress)

	transfer(logger.With("tunnelID", tunnel.ID), target, conn)
}

// bufferedConn reads through br (which may already hold bytes the previous
// protocol stage peeked past) before falling back to the underlying conn.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.br.Read(p)
}

func splitHostPort(hostport, defaultPort string) (host, port string) {
	h, p, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, defaultPort
	}
	return h, p
}

// writeResponse writes resp's status line verbatim (preserving a
// non-standard reason phrase) followed by headers and body.
func writeResponse(w io.Writer, resp *http.Response) error {
	return resp.Write(w)
}

// transfer bidirectionally copies bytes between a and b until either side
// closes, as used by opaque tunnel passthrough.
func transfer(logger *slog.Logger, a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	cp := func(dst, src net.Conn) {
		defer wg.Done()
		_, err := io.Copy(dst, src)
		netutil.LogTransportError(logger, err, "tunnel copy ended")
		if c, ok := dst.(interface{ CloseWrite() error }); ok {
			c.CloseWrite()
		}
	}

	go cp(a, b)
	cp(b, a)
	wg.Wait()
}
