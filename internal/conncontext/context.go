// Package conncontext implements the connection-context manager (spec §3/§4:
// C7/C8): the per-downstream-socket state that pins each client connection
// to exactly one upstream connection and drives the NTLM handshake phase
// across it.
package conncontext

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
)

// HandshakeState is the NTLM leg currently in flight on a pinned agent.
type HandshakeState int

const (
	Idle HandshakeState = iota
	Type1Sent
	Type2Received
	Type3Sent
	Authenticated
	Failed
)

func (s HandshakeState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Type1Sent:
		return "Type1Sent"
	case Type2Received:
		return "Type2Received"
	case Type3Sent:
		return "Type3Sent"
	case Authenticated:
		return "Authenticated"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ErrClosed is returned by Context.Agent once the context has been torn down.
var ErrClosed = errors.New("conncontext: context closed")

// Origin identifies the remote peer a pinned agent talks to. Two requests
// with the same Origin reuse the same upstream socket; a different Origin
// forces the old socket closed and a new one dialed (spec §4.4).
type Origin struct {
	Scheme string
	Host   string
	Port   string
}

func (o Origin) String() string {
	return o.Scheme + "://" + o.Host + ":" + o.Port
}

// Agent is the upstream connection pinned to a Context, "a connection pool
// of size exactly 1" per spec §3.
type Agent struct {
	Origin Origin
	Conn   net.Conn
	Reader *bufio.Reader

	Handshake           HandshakeState
	PeerCertFingerprint string
	PendingRequest      *http.Request
}

// Dialer opens a new upstream connection for origin.
type Dialer func(ctx context.Context, origin Origin) (net.Conn, error)

// Context is the per-downstream-socket state of spec §3's ConnectionContext.
// It owns Downstream (the client socket it was created for): spec §3 ties a
// Context's lifetime to that socket's, not the other way around, so Close
// never touches Downstream — it only tears down the pinned upstream Agent.
// The caller that owns the accept loop is responsible for closing Downstream
// and for calling Manager.Remove once it does, which is what actually ends
// the Context's life on a natural disconnect.
type Context struct {
	// ID is a per-context trace identifier, distinct from ClientAddress
	// (which can be reused once a TCP 4-tuple is closed and reissued by the
	// OS): it gives log lines for one downstream connection's lifetime a
	// stable correlation key.
	ID            uuid.UUID
	ClientAddress string
	Downstream    net.Conn

	// RequestCount is the number of requests served on this pinned
	// connection so far, lock-free since it is read from logging/debug
	// paths concurrently with the request loop incrementing it.
	RequestCount atomic.Uint32

	dialer Dialer

	mu     sync.Mutex
	closed bool
	agent  *Agent
}

func newContext(clientAddress string, downstream net.Conn, dialer Dialer) *Context {
	return &Context{
		ID:            uuid.NewV4(),
		ClientAddress: clientAddress,
		Downstream:    downstream,
		dialer:        dialer,
	}
}

// Agent returns the pinned agent for origin, dialing a fresh upstream
// connection if none is pinned yet or if the pinned agent talks to a
// different origin. The returned agent is exclusively owned by this
// Context; callers must not share it across contexts.
func (c *Context) Agent(ctx context.Context, origin Origin) (*Agent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.agent != nil {
		if c.agent.Origin == origin {
			return c.agent, nil
		}
		c.agent.Conn.Close()
		c.agent = nil
	}

	conn, err := c.dialer(ctx, origin)
	if err != nil {
		return nil, err
	}
	c.agent = &Agent{Origin: origin, Conn: conn, Reader: bufio.NewReader(conn)}
	return c.agent, nil
}

// InvalidateAgent closes and drops the pinned agent, e.g. after the upstream
// socket errors mid-handshake. The next Agent call dials a fresh one.
func (c *Context) InvalidateAgent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.agent != nil {
		c.agent.Conn.Close()
		c.agent = nil
	}
}

// Close tears the context down: the pinned agent's upstream socket is closed
// synchronously (spec §4.4 invariant), but Downstream is left untouched —
// destroying a Context (e.g. a forced Manager.RemoveAll on reset) must not
// cut the client connection that context was serving.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.agent != nil {
		c.agent.Conn.Close()
		c.agent = nil
	}
}
