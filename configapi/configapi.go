// Package configapi implements the Config Control API (C11, spec §4.7): a
// plain-HTTP control-plane listener, bound to 127.0.0.1 only, through which
// credentials are configured and the proxy is reset or shut down.
package configapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ntlmproxy/core/internal/conncontext"
	"github.com/ntlmproxy/core/internal/credential"
	"github.com/ntlmproxy/core/internal/hostmatch"
	"github.com/ntlmproxy/core/version"
)

// Proxy is the subset of *proxy.Proxy the config API drives. Declared here
// rather than importing the proxy package, so configapi depends only on the
// methods it calls (proxy does not need to know about configapi).
type Proxy interface {
	Credentials() *credential.Store
	ConnManager() *conncontext.Manager
	Shutdown(ctx context.Context) error
}

// API is the Config Control API listener.
type API struct {
	proxy  Proxy
	router chi.Router

	mu       sync.Mutex
	listener net.Listener
	addr     net.Addr

	quitOnce sync.Once
	quitCh   chan struct{}
}

// New builds the Config Control API router for proxy.
func New(proxy Proxy) *API {
	a := &API{proxy: proxy, quitCh: make(chan struct{})}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(slogLogger)
	r.Use(middleware.Recoverer)

	r.Post("/ntlm-config", a.handleNtlmConfig)
	r.Post("/ntlm-sso-config", a.handleNtlmSSOConfig)
	r.Post("/reset", a.handleReset)
	r.Get("/alive", a.handleAlive)
	r.Post("/quit", a.handleQuit)

	a.router = r
	return a
}

// slogLogger is chi's middleware.Logger re-pointed at log/slog, matching
// the rest of this module's structured-logging convention instead of
// chi's own stdlib-log-based formatter.
func slogLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("config api request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "bytes", ww.BytesWritten(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// Addr returns the listener's bound address, valid after Start has begun
// listening.
func (a *API) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Start listens on addr (or an ephemeral 127.0.0.1 port when empty) and
// serves until the listener closes or /quit is received.
func (a *API) Start(addr string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.listener = ln
	a.addr = ln.Addr()
	a.mu.Unlock()

	slog.Info("config api listening", "addr", ln.Addr().String())

	srv := &http.Server{Handler: a.router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-a.quitCh:
		return srv.Shutdown(context.Background())
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close stops the listener immediately.
func (a *API) Close() error {
	a.mu.Lock()
	ln := a.listener
	a.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}

type ntlmConfigRequest struct {
	NtlmHosts   []string `json:"ntlmHosts"`
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Domain      string   `json:"domain,omitempty"`
	Workstation string   `json:"workstation,omitempty"`
	NtlmVersion int      `json:"ntlmVersion,omitempty"`
}

type ssoConfigRequest struct {
	NtlmHosts []string `json:"ntlmHosts"`
}

// handleNtlmConfig upserts an explicit credential for the submitted host
// patterns (spec §4.7, §6 wire format).
func (a *API) handleNtlmConfig(w http.ResponseWriter, r *http.Request) {
	var body ntlmConfigRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	patterns, err := parseHostPatterns(body.NtlmHosts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Username == "" {
		writeError(w, http.StatusBadRequest, errors.New("configapi: username is required"))
		return
	}

	version := credential.NTLMv2
	if body.NtlmVersion == 1 {
		version = credential.NTLMv1
	} else if body.NtlmVersion != 0 && body.NtlmVersion != 2 {
		writeError(w, http.StatusBadRequest, errors.New("configapi: ntlmVersion must be 1 or 2"))
		return
	}

	cred := credential.Credential{
		Username:    body.Username,
		Password:    body.Password,
		Domain:      body.Domain,
		Workstation: body.Workstation,
		NTLMVersion: version,
	}
	a.proxy.Credentials().Upsert(patterns, cred)
	w.WriteHeader(http.StatusOK)
}

// handleNtlmSSOConfig upserts an SSO marker for the submitted host
// patterns. OS-gated: fails 400 off Windows (spec §4.7).
func (a *API) handleNtlmSSOConfig(w http.ResponseWriter, r *http.Request) {
	if runtime.GOOS != "windows" {
		writeError(w, http.StatusBadRequest, errors.New("configapi: SSO authentication requires Windows"))
		return
	}

	var body ssoConfigRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	patterns, err := parseHostPatterns(body.NtlmHosts)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	a.proxy.Credentials().Upsert(patterns, credential.Credential{SSO: true})
	w.WriteHeader(http.StatusOK)
}

// handleReset removes all credentials and tears down all non-config
// tracked contexts and tunnels (spec §4.7, §4.4).
func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	a.proxy.Credentials().Reset()
	a.proxy.ConnManager().RemoveAll()
	a.proxy.ConnManager().RemoveAllTunnels()
	w.WriteHeader(http.StatusOK)
}

type aliveResponse struct {
	Version string `json:"version"`
}

// handleAlive is a liveness check returning version information.
func (a *API) handleAlive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, aliveResponse{Version: version.Version})
}

// handleQuit begins graceful shutdown: it responds 200 first, then
// tears down the NTLM proxy and signals Start to stop the listener. The
// config API runs on its own listener and never registers a context with
// the proxy's conncontext.Manager, so tearing the proxy down cannot cut
// this response.
func (a *API) handleQuit(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	go func() {
		_ = a.proxy.Shutdown(context.Background())
		a.quitOnce.Do(func() { close(a.quitCh) })
	}()
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// parseHostPatterns validates and parses raw host pattern strings per spec
// §6: non-empty, no scheme/path, no port on a wildcard pattern.
func parseHostPatterns(raw []string) ([]hostmatch.HostPattern, error) {
	if len(raw) == 0 {
		return nil, errors.New("configapi: ntlmHosts must be a non-empty array")
	}

	patterns := make([]hostmatch.HostPattern, 0, len(raw))
	for _, h := range raw {
		if h == "" {
			return nil, errors.New("configapi: ntlmHosts entries must not be empty")
		}
		if strings.Contains(h, "://") || strings.Contains(h, "/") {
			return nil, errors.New("configapi: ntlmHosts entries must not contain a scheme or path: " + h)
		}
		p := hostmatch.HostPattern(h)
		if p.HasWildcard() {
			if _, port, err := net.SplitHostPort(h); err == nil && port != "" {
				return nil, errors.New("configapi: wildcard ntlmHosts entries must not carry a port: " + h)
			}
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}
