package proxy

import "crypto/x509"

// Config holds the NTLM proxy listener's own settings. Credential,
// upstream-proxy and CA configuration are supplied separately to New; the
// config-API listener (configapi package) shares and mutates the same
// credential.Store, and the conncontext.Manager New creates, through
// Proxy.Credentials and Proxy.ConnManager.
type Config struct {
	// Addr is the address to listen on, e.g. "127.0.0.1:0" for an
	// ephemeral port (spec §6 "two TCP listeners on 127.0.0.1").
	Addr string

	// SSLInsecure disables upstream TLS certificate verification globally
	// (spec §5: NODE_TLS_REJECT_UNAUTHORIZED=0).
	SSLInsecure bool

	// ExtraCACerts, if non-nil, is merged into the trust store used to
	// verify upstream TLS certificates (spec §6: NODE_EXTRA_CA_CERTS).
	ExtraCACerts *x509.CertPool
}
