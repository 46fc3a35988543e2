package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ntlmproxy/core/cert"
	"github.com/ntlmproxy/core/configapi"
	"github.com/ntlmproxy/core/internal/credential"
	"github.com/ntlmproxy/core/internal/upstream"
	"github.com/ntlmproxy/core/proxy"
	"github.com/ntlmproxy/core/version"
)

func main() {
	config := loadConfig()

	level := slog.LevelInfo
	if config.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if config.version {
		fmt.Println("ntlmproxy: " + version.String())
		os.Exit(0)
	}

	env := loadEnvSettings()

	extraCACerts, err := loadExtraCACerts(env.ExtraCACert)
	if err != nil {
		slog.Error("failed to load NODE_EXTRA_CA_CERTS bundle", "error", err)
		os.Exit(1)
	}

	rootCA, err := cert.NewSelfSignCA(config.CertPath)
	if err != nil {
		slog.Error("failed to create MITM root CA", "error", err)
		os.Exit(1)
	}
	ca := cert.NewCachingCA(rootCA, 1024)

	credentials := credential.NewStore()

	upstreamMgr, err := upstream.New(upstream.Config{
		HTTPProxy:   env.HTTPProxy,
		HTTPSProxy:  env.HTTPSProxy,
		NoProxy:     env.NoProxy,
		SSLInsecure: env.SSLInsecure,
	})
	if err != nil {
		slog.Error("failed to configure upstream proxy resolver", "error", err)
		os.Exit(1)
	}

	p := proxy.New(proxy.Config{
		Addr:         env.NTLMProxy,
		SSLInsecure:  env.SSLInsecure,
		ExtraCACerts: extraCACerts,
	}, ca, credentials, upstreamMgr)

	api := configapi.New(p)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- p.Start() }()
	go func() { errCh <- api.Start(env.ConfigAPI) }()

	proxyAddr, err := waitForAddr(p.Addr, 5*time.Second)
	if err != nil {
		slog.Error("ntlm proxy failed to bind", "error", err)
		os.Exit(1)
	}
	apiAddr, err := waitForAddr(api.Addr, 5*time.Second)
	if err != nil {
		slog.Error("config api failed to bind", "error", err)
		os.Exit(1)
	}

	configAPIURL := "http://" + apiAddr.String()
	ntlmProxyURL := "http://" + proxyAddr.String()
	fmt.Println(configAPIURL)
	fmt.Println(ntlmProxyURL)

	if err := writePortsFile(configAPIURL, ntlmProxyURL); err != nil {
		slog.Error("failed to write ports file", "error", err)
		os.Exit(1)
	}

	slog.Info("ntlmproxy started", "version", version.Version, "configApi", configAPIURL, "ntlmProxy", ntlmProxyURL)

	select {
	case <-ctx.Done():
		slog.Info("shutting down", "reason", "signal")
	case err := <-errCh:
		if err != nil {
			slog.Error("listener exited", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = p.Shutdown(shutdownCtx)
	_ = api.Close()

	if err := deletePortsFile(); err != nil {
		slog.Warn("failed to remove ports file", "error", err)
	}
}

// waitForAddr polls get until it returns a non-nil net.Addr or timeout
// elapses. The proxy and config-API listeners bind synchronously before
// entering their accept loops, so this settles within a few scheduler ticks.
func waitForAddr(get func() net.Addr, timeout time.Duration) (net.Addr, error) {
	deadline := time.Now().Add(timeout)
	for {
		if addr := get(); addr != nil {
			return addr, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("cmd/ntlmproxy: listener did not bind within %s", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func loadExtraCACerts(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates parsed from %s", path)
	}
	return pool, nil
}
