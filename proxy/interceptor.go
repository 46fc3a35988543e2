// This file (interceptor.go) implements the Request Interceptor (C10, spec
// §4.5): credential lookup, request forwarding on the pinned upstream
// agent, and the NTLM challenge/response handshake loop.
package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ntlmproxy/core/internal/conncontext"
	"github.com/ntlmproxy/core/internal/credential"
	"github.com/ntlmproxy/core/internal/hostmatch"
	"github.com/ntlmproxy/core/internal/netutil"
	"github.com/ntlmproxy/core/internal/ntlmengine"
)

// hopByHopHeaders are stripped from a request before it is forwarded
// upstream, per the usual HTTP proxy convention; response headers are
// passed back to the client as received (the teacher's attacker package drops the
// same set before forwarding).
var hopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive",
	"Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// handleRequest implements the request-interceptor state machine of spec
// §4.5 for one request on connCtx's pinned agent. It returns the response
// to write back to the client and whether the connection should stay open
// for another request.
func (p *Proxy) handleRequest(ctx context.Context, connCtx *conncontext.Context, req *http.Request, isTLS bool) (*http.Response, bool) {
	n := connCtx.RequestCount.Add(1)
	logger := slog.Default().With("in", "proxy.handleRequest", "host", req.Host, "connID", connCtx.ID, "requestNum", n)
	keepAlive := !req.Close

	target, isSSL := requestTarget(req, isTLS)
	cred, matched := p.credentials.Lookup(target.Host, target.Port)

	origin := conncontext.Origin{Scheme: target.Scheme, Host: target.Host, Port: target.Port}
	buffered, err := newBufferedRequest(req, target)
	if err != nil {
		return errorResponse(req, http.StatusBadRequest, "failed to read request body"), false
	}

	agent, err := connCtx.Agent(ctx, origin)
	if err != nil {
		netutil.LogTransportError(logger, err, "dial upstream failed")
		return p.upstreamFailure(req, target, isSSL), false
	}

	resp, err := p.roundTrip(agent, buffered.build(""))
	if err != nil {
		connCtx.InvalidateAgent()
		netutil.LogTransportError(logger, err, "forward request failed")
		return p.upstreamFailure(req, target, isSSL), false
	}

	if !matched || !isNTLMChallenge(resp) {
		return resp, keepAlive
	}

	final, err := p.ntlmHandshake(ctx, agent, cred, buffered, resp, logger)
	if err != nil {
		connCtx.InvalidateAgent()
		netutil.LogTransportError(logger, err, "ntlm handshake failed")
		return p.upstreamFailure(req, target, isSSL), false
	}

	if isNTLMChallenge(final) {
		// server rejected our Type 3: surface the 401 and let the next
		// request on this connection re-attempt from scratch (spec §4.5).
		agent.Handshake = conncontext.Idle
	} else {
		agent.Handshake = conncontext.Authenticated
	}
	return final, keepAlive
}

// ntlmHandshake drives the 3-leg NTLM exchange on agent's pinned socket,
// replaying buffered (the original request) on the Type 1 and Type 3 legs
// (spec §4.5 "Connection pinning guarantees").
func (p *Proxy) ntlmHandshake(ctx context.Context, agent *conncontext.Agent, cred credential.Credential, buffered *bufferedRequest, challenge *http.Response, logger *slog.Logger) (*http.Response, error) {
	drain(challenge)
	agent.Handshake = conncontext.Type1Sent

	engine := ntlmengine.New(cred)
	type1, err := engine.Type1(cred)
	if err != nil {
		return nil, fmt.Errorf("proxy: build ntlm type1: %w", err)
	}

	resp1, err := p.roundTrip(agent, buffered.build(authHeader(type1)))
	if err != nil {
		return nil, fmt.Errorf("proxy: send ntlm type1: %w", err)
	}

	type2, err := extractChallenge(resp1)
	drain(resp1)
	if err != nil {
		return nil, fmt.Errorf("proxy: read ntlm type2: %w", err)
	}
	agent.Handshake = conncontext.Type2Received

	type3, err := engine.Type3(cred, type2)
	if err != nil {
		return nil, fmt.Errorf("proxy: build ntlm type3: %w", err)
	}

	agent.Handshake = conncontext.Type3Sent
	resp3, err := p.roundTrip(agent, buffered.build(authHeader(type3)))
	if err != nil {
		return nil, fmt.Errorf("proxy: send ntlm type3: %w", err)
	}

	logger.Debug("ntlm handshake completed", "status", resp3.StatusCode)
	return resp3, nil
}

func authHeader(msg []byte) string {
	return "NTLM " + base64.StdEncoding.EncodeToString(msg)
}

// isNTLMChallenge reports whether resp is a 401 carrying an NTLM or
// Negotiate WWW-Authenticate challenge.
func isNTLMChallenge(resp *http.Response) bool {
	if resp.StatusCode != http.StatusUnauthorized {
		return false
	}
	for _, v := range resp.Header.Values("WWW-Authenticate") {
		upper := strings.ToUpper(v)
		if strings.HasPrefix(upper, "NTLM") || strings.HasPrefix(upper, "NEGOTIATE") {
			return true
		}
	}
	return false
}

// extractChallenge pulls the Type 2 message out of a 401's
// WWW-Authenticate header.
func extractChallenge(resp *http.Response) ([]byte, error) {
	for _, v := range resp.Header.Values("WWW-Authenticate") {
		scheme, b64, ok := strings.Cut(v, " ")
		if !ok {
			continue
		}
		upper := strings.ToUpper(scheme)
		if upper != "NTLM" && upper != "NEGOTIATE" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
		if err != nil {
			return nil, fmt.Errorf("proxy: decode ntlm challenge: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("proxy: no ntlm challenge in response")
}

// roundTrip writes req to agent's pinned socket and parses the response
// from it, per the maxSockets=1 connection-pinning invariant.
func (p *Proxy) roundTrip(agent *conncontext.Agent, req *http.Request) (*http.Response, error) {
	if err := req.Write(agent.Conn); err != nil {
		return nil, err
	}
	return http.ReadResponse(agent.Reader, req)
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// upstreamFailure implements spec §4.5's failure dichotomy: a 504 when the
// target is routed through an upstream proxy, or nil (the connection is
// hung up without a response) when direct.
func (p *Proxy) upstreamFailure(req *http.Request, target hostmatch.CompleteURL, isSSL bool) *http.Response {
	decision := p.upstreamMgr.Resolve(target, isSSL)
	if decision.Direct() {
		return nil
	}
	return errorResponse(req, http.StatusGatewayTimeout, "upstream connection failed")
}

func errorResponse(req *http.Request, status int, msg string) *http.Response {
	header := make(http.Header)
	var body io.ReadCloser = http.NoBody
	if msg != "" {
		header.Set("Content-Type", "text/plain; charset=utf-8")
		body = io.NopCloser(strings.NewReader(msg))
	}
	return &http.Response{
		StatusCode: status,
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Body:       body,
		Request:    req,
	}
}

// requestTarget resolves the CompleteURL and TLS-ness of req, whether it
// arrived as an absolute-URI proxy request or as a decrypted request inside
// a MITM tunnel.
func requestTarget(req *http.Request, isTLS bool) (hostmatch.CompleteURL, bool) {
	if isTLS {
		return hostmatch.FromURL(&url.URL{Scheme: "https", Host: req.Host}), true
	}
	if req.URL.IsAbs() {
		return hostmatch.FromURL(req.URL), req.URL.Scheme == "https"
	}
	return hostmatch.FromURL(&url.URL{Scheme: "http", Host: req.Host}), false
}

// bufferedRequest is the original request, captured once so it can be
// replayed verbatim across the pass-through attempt and each handshake leg.
type bufferedRequest struct {
	method   string
	path     string
	rawQuery string
	header   http.Header
	host     string
	body     []byte
}

func newBufferedRequest(req *http.Request, target hostmatch.CompleteURL) (*bufferedRequest, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		body = b
		req.Body.Close()
	}

	h := req.Header.Clone()
	for _, hh := range hopByHopHeaders {
		h.Del(hh)
	}

	path := req.URL.Path
	if path == "" {
		path = "/"
	}

	return &bufferedRequest{
		method:   req.Method,
		path:     path,
		rawQuery: req.URL.RawQuery,
		header:   h,
		host:     target.HostWithPort,
		body:     body,
	}, nil
}

// build returns a fresh *http.Request ready to write to the pinned agent.
// An empty authHeader omits the Authorization header entirely.
func (b *bufferedRequest) build(authHeader string) *http.Request {
	out := &http.Request{
		Method:        b.method,
		URL:           &url.URL{Path: b.path, RawQuery: b.rawQuery},
		Host:          b.host,
		Header:        b.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(b.body)),
		ContentLength: int64(len(b.body)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
	}
	if authHeader != "" {
		out.Header.Set("Authorization", authHeader)
	} else {
		out.Header.Del("Authorization")
	}
	return out
}
