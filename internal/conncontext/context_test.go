package conncontext_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/ntlmproxy/core/internal/conncontext"
)

func pipeDialer(c *qt.C) (conncontext.Dialer, func() int) {
	var dialCount int
	dialer := func(ctx context.Context, origin conncontext.Origin) (net.Conn, error) {
		dialCount++
		client, server := net.Pipe()
		c.Cleanup(func() { server.Close() })
		return client, nil
	}
	return dialer, func() int { return dialCount }
}

func TestAgentReusesSameOrigin(t *testing.T) {
	c := qt.New(t)
	dialer, count := pipeDialer(c)
	mgr := conncontext.NewManager(dialer)
	ctx := mgr.GetOrCreate("client:1", nil)

	origin := conncontext.Origin{Scheme: "https", Host: "example.com", Port: "443"}
	a1, err := ctx.Agent(context.Background(), origin)
	c.Assert(err, qt.IsNil)
	a2, err := ctx.Agent(context.Background(), origin)
	c.Assert(err, qt.IsNil)

	c.Assert(a1, qt.Equals, a2)
	c.Assert(count(), qt.Equals, 1)
}

func TestAgentSwapsOnOriginChange(t *testing.T) {
	c := qt.New(t)
	dialer, count := pipeDialer(c)
	mgr := conncontext.NewManager(dialer)
	ctx := mgr.GetOrCreate("client:1", nil)

	a1, err := ctx.Agent(context.Background(), conncontext.Origin{Scheme: "https", Host: "a.com", Port: "443"})
	c.Assert(err, qt.IsNil)

	a2, err := ctx.Agent(context.Background(), conncontext.Origin{Scheme: "https", Host: "b.com", Port: "443"})
	c.Assert(err, qt.IsNil)

	c.Assert(a1 != a2, qt.IsTrue)
	c.Assert(count(), qt.Equals, 2)
}

func TestAgentErrorsAfterClose(t *testing.T) {
	c := qt.New(t)
	dialer, _ := pipeDialer(c)
	mgr := conncontext.NewManager(dialer)
	ctx := mgr.GetOrCreate("client:1", nil)
	ctx.Close()

	_, err := ctx.Agent(context.Background(), conncontext.Origin{Scheme: "https", Host: "a.com", Port: "443"})
	c.Assert(errors.Is(err, conncontext.ErrClosed), qt.IsTrue)
}

// TestResetRecreatesContextWithoutTouchingDownstream covers the reset
// re-auth trigger (spec §4.5): destroying a tracked Context must not close
// the downstream socket it was serving, and the next GetOrCreate on the
// same address must hand back a brand new, re-dialable Context rather than
// the torn-down one.
func TestResetRecreatesContextWithoutTouchingDownstream(t *testing.T) {
	c := qt.New(t)
	dialer, count := pipeDialer(c)
	mgr := conncontext.NewManager(dialer)

	downstream, downstreamPeer := net.Pipe()
	c.Cleanup(func() { downstreamPeer.Close() })

	before := mgr.GetOrCreate("client:1", downstream)
	origin := conncontext.Origin{Scheme: "https", Host: "a.com", Port: "443"}
	_, err := before.Agent(context.Background(), origin)
	c.Assert(err, qt.IsNil)
	c.Assert(count(), qt.Equals, 1)

	mgr.RemoveAll()

	// the downstream socket is still open: RemoveAll must not have closed
	// it. A closed net.Pipe end errors io.ErrClosedPipe; a still-open one
	// with nothing written yet times out.
	downstream.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
	_, rerr := downstream.Read(make([]byte, 1))
	netErr, ok := rerr.(net.Error)
	c.Assert(ok, qt.IsTrue)
	c.Assert(netErr.Timeout(), qt.IsTrue)

	after := mgr.GetOrCreate("client:1", downstream)
	c.Assert(after, qt.Not(qt.Equals), before)

	_, err = after.Agent(context.Background(), origin)
	c.Assert(err, qt.IsNil)
	c.Assert(count(), qt.Equals, 2)
}

func TestContextHasUniqueID(t *testing.T) {
	c := qt.New(t)
	dialer, _ := pipeDialer(c)
	mgr := conncontext.NewManager(dialer)

	a := mgr.GetOrCreate("client:1", nil)
	b := mgr.GetOrCreate("client:2", nil)

	c.Assert(a.ID, qt.Not(qt.Equals), b.ID)
}

func TestContextRequestCountStartsAtZeroAndIncrements(t *testing.T) {
	c := qt.New(t)
	dialer, _ := pipeDialer(c)
	mgr := conncontext.NewManager(dialer)
	ctx := mgr.GetOrCreate("client:1", nil)

	c.Assert(ctx.RequestCount.Load(), qt.Equals, uint32(0))

	ctx.RequestCount.Add(1)
	ctx.RequestCount.Add(1)

	c.Assert(ctx.RequestCount.Load(), qt.Equals, uint32(2))
}

func TestAddAndRemoveTunnel(t *testing.T) {
	c := qt.New(t)
	dialer, _ := pipeDialer(c)
	mgr := conncontext.NewManager(dialer)

	clientSide, clientPeer := net.Pipe()
	targetSide, targetPeer := net.Pipe()
	defer clientPeer.Close()
	defer targetPeer.Close()

	tunnel := &conncontext.Tunnel{Client: clientSide, Target: targetSide}
	mgr.AddTunnel("client:1", tunnel)
	mgr.RemoveTunnel("client:1")
}
