// Package cert generates and caches the TLS certificates used for MITM
// termination of NTLM-configured HTTPS targets (spec §4.6, §4.8). Crypto is
// delegated to crypto/x509/crypto/rsa directly; the caching layer wraps any
// CA implementation with an LRU keyed by common name.
package cert

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// CA produces the root certificate clients must trust and per-host leaf
// certificates signed by it.
type CA interface {
	GetRootCA() *x509.Certificate
	GetCert(commonName string) (*tls.Certificate, error)
}

const (
	caCommonName = "ntlmproxy local CA"
	keyBits      = 2048
	leafValidity = 365 * 24 * time.Hour
	rootValidity = 10 * 365 * 24 * time.Hour
)

// SelfSignCA is a CA backed by a self-signed root generated on first use and
// optionally persisted to disk so repeat runs reuse (and a client can
// permanently trust) the same root.
type SelfSignCA struct {
	PrivateKey *rsa.PrivateKey
	rootCert   *x509.Certificate
	rootDER    []byte

	storePath string
}

// NewSelfSignCA loads the root CA from storePath, generating and persisting
// one if none exists yet. An empty storePath resolves to a per-user default
// directory (getStorePath).
func NewSelfSignCA(storePath string) (CA, error) {
	path, err := getStorePath(storePath)
	if err != nil {
		return nil, fmt.Errorf("cert: resolve store path: %w", err)
	}

	ca := &SelfSignCA{storePath: path}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("cert: create store dir: %w", err)
	}

	if loaded, err := ca.loadFrom(); err == nil {
		return loaded, nil
	}

	if err := ca.generate(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(ca.caFile(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("cert: open ca file: %w", err)
	}
	defer f.Close()
	if err := ca.saveTo(f); err != nil {
		return nil, fmt.Errorf("cert: save ca: %w", err)
	}
	return ca, nil
}

// NewSelfSignCAMemory behaves like NewSelfSignCA but never touches disk,
// for tests and ephemeral runs.
func NewSelfSignCAMemory() (CA, error) {
	ca := &SelfSignCA{}
	if err := ca.generate(); err != nil {
		return nil, err
	}
	return ca, nil
}

func (ca *SelfSignCA) caFile() string {
	return filepath.Join(ca.storePath, "ca.pem")
}

func (ca *SelfSignCA) keyFile() string {
	return filepath.Join(ca.storePath, "ca-key.pem")
}

func (ca *SelfSignCA) generate() error {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("cert: generate root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("cert: generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: caCommonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("cert: create root certificate: %w", err)
	}

	root, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("cert: parse root certificate: %w", err)
	}

	ca.PrivateKey = key
	ca.rootCert = root
	ca.rootDER = der
	return nil
}

func (ca *SelfSignCA) loadFrom() (*SelfSignCA, error) {
	certPEM, err := os.ReadFile(ca.caFile())
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(ca.keyFile())
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("cert: no PEM block in %s", ca.caFile())
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("cert: no PEM block in %s", ca.keyFile())
	}

	root, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cert: parse root certificate: %w", err)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cert: parse root key: %w", err)
	}

	ca.PrivateKey = key
	ca.rootCert = root
	ca.rootDER = certBlock.Bytes
	return ca, nil
}

// saveTo writes the root certificate to w as a PEM block. The private key is
// not written to w; when storePath is set it is written as PEM to keyFile.
func (ca *SelfSignCA) saveTo(w io.Writer) error {
	if err := pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: ca.rootDER}); err != nil {
		return err
	}

	keyBuf := &bytes.Buffer{}
	if err := pem.Encode(keyBuf, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(ca.PrivateKey)}); err != nil {
		return err
	}

	if ca.storePath != "" {
		if err := os.WriteFile(ca.keyFile(), keyBuf.Bytes(), 0o600); err != nil {
			return fmt.Errorf("cert: write key file: %w", err)
		}
	}
	return nil
}

// GetRootCA returns the CA's root certificate.
func (ca *SelfSignCA) GetRootCA() *x509.Certificate {
	return ca.rootCert
}

// GetCert generates a fresh leaf certificate for commonName, signed by the
// root. Callers needing reuse across requests should wrap the CA in
// NewCachingCA.
func (ca *SelfSignCA) GetCert(commonName string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("cert: generate leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("cert: generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     []string{commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.rootCert, &key.PublicKey, ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("cert: sign leaf certificate for %s: %w", commonName, err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("cert: parse leaf certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, ca.rootDER},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// getStorePath resolves the directory certs are persisted under. An
// explicit storePath is returned unchanged; otherwise it defaults to a
// per-user config directory.
func getStorePath(storePath string) (string, error) {
	if storePath != "" {
		return storePath, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cert: resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "ntlmproxy", "ca"), nil
}
