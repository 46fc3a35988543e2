package main

import (
	"flag"
	"net/url"
	"os"
)

// Config holds the command-line flags recognized by this binary: startup
// inputs that aren't part of the environment contract of spec §6.
type Config struct {
	version bool // print version and exit

	CertPath string // directory the MITM root CA is persisted under
	Debug    bool   // enable debug-level logging
}

func loadConfig() *Config {
	config := new(Config)
	flag.BoolVar(&config.version, "version", false, "print version and exit")
	flag.StringVar(&config.CertPath, "cert-path", "", "directory to persist the MITM root CA in (default: per-user config dir)")
	flag.BoolVar(&config.Debug, "debug", false, "enable debug logging")
	flag.Parse() //revive:disable-line:deep-exit -- ok for cmd/*
	return config
}

// EnvSettings is the process environment contract of spec §6, read once at
// startup. Lowercased variants are intentionally ignored (spec: "Lowercased
// variants are ignored").
type EnvSettings struct {
	HTTPProxy   string
	HTTPSProxy  string
	NoProxy     string
	ConfigAPI   string // CYPRESS_NTLM_AUTH_API: exact bind address, empty -> ephemeral
	NTLMProxy   string // CYPRESS_NTLM_AUTH_PROXY: exact bind address, empty -> ephemeral
	SSLInsecure bool   // NODE_TLS_REJECT_UNAUTHORIZED == "0"
	ExtraCACert string // NODE_EXTRA_CA_CERTS: PEM bundle path
}

func loadEnvSettings() EnvSettings {
	return EnvSettings{
		HTTPProxy:   os.Getenv("HTTP_PROXY"),
		HTTPSProxy:  os.Getenv("HTTPS_PROXY"),
		NoProxy:     os.Getenv("NO_PROXY"),
		ConfigAPI:   bindAddr(os.Getenv("CYPRESS_NTLM_AUTH_API")),
		NTLMProxy:   bindAddr(os.Getenv("CYPRESS_NTLM_AUTH_PROXY")),
		SSLInsecure: os.Getenv("NODE_TLS_REJECT_UNAUTHORIZED") == "0",
		ExtraCACert: os.Getenv("NODE_EXTRA_CA_CERTS"),
	}
}

// bindAddr turns CYPRESS_NTLM_AUTH_API/_PROXY (spec §6 describes them as
// URLs, e.g. "http://127.0.0.1:8080") into the bare host:port net.Listen
// wants. A value with no scheme is assumed to already be host:port.
func bindAddr(raw string) string {
	if raw == "" {
		return ""
	}
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" && u.Host != "" {
		return u.Host
	}
	return raw
}
