// Package acme obtains and renews the proxy's TLS certificate.
package acme

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

var (
	ErrNoDomain    = errors.New("no domain configured")
	ErrMissingFile = errors.New("certificate file missing")
)

// Provisioner produces certificate and key files for a domain
type Provisioner interface {
	Provision(ctx context.Context, domain, email string) (certPath, keyPath string, err error)
}

// CertPaths returns where the PEM certificate chain and key for domain are
// written under dir
func CertPaths(dir, domain string) (certPath, keyPath string) {
	return filepath.Join(dir, domain+".pem"), filepath.Join(dir, domain+".key")
}

// ACMEProvisioner obtains certificates from an ACME CA using the HTTP-01
// challenge. HTTPHandler must be served on port 80 while Provision runs.
type ACMEProvisioner struct {
	cacheDir     string
	outDir       string
	directoryURL string

	mu      sync.Mutex
	manager *autocert.Manager
}

// NewACMEProvisioner creates a provisioner that keeps account and
// certificate state in cacheDir and writes the PEM files to outDir. An empty
// directoryURL selects Let's Encrypt production.
func NewACMEProvisioner(cacheDir, outDir, directoryURL string) *ACMEProvisioner {
	return &ACMEProvisioner{
		cacheDir:     cacheDir,
		outDir:       outDir,
		directoryURL: directoryURL,
	}
}

func (p *ACMEProvisioner) managerFor(domain, email string) *autocert.Manager {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.manager != nil && p.manager.Email == email && p.manager.HostPolicy(context.Background(), domain) == nil {
		return p.manager
	}
	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domain),
		Email:      email,
		Cache:      autocert.DirCache(p.cacheDir),
	}
	if p.directoryURL != "" {
		m.Client = &acme.Client{DirectoryURL: p.directoryURL}
	}
	p.manager = m
	return m
}

// HTTPHandler answers HTTP-01 challenges and passes other requests to
// fallback. A nil fallback redirects them to HTTPS.
func (p *ACMEProvisioner) HTTPHandler(fallback http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		m := p.manager
		p.mu.Unlock()

		if m == nil {
			if fallback == nil {
				http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusFound)
				return
			}
			fallback.ServeHTTP(w, r)
			return
		}
		m.HTTPHandler(fallback).ServeHTTP(w, r)
	})
}

// Provision fetches a certificate for domain, from the cache when it is
// still fresh, and writes it to <domain>.pem and <domain>.key
func (p *ACMEProvisioner) Provision(ctx context.Context, domain, email string) (string, string, error) {
	if domain == "" {
		return "", "", ErrNoDomain
	}
	m := p.managerFor(domain, email)

	type result struct {
		cert *tls.Certificate
		err  error
	}
	done := make(chan result, 1)
	go func() {
		cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: domain})
		done <- result{cert, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
	if res.err != nil {
		return "", "", fmt.Errorf("obtain certificate for %s: %w", domain, res.err)
	}

	certPath, keyPath := CertPaths(p.outDir, domain)
	if err := writeCertificate(res.cert, certPath, keyPath); err != nil {
		return "", "", err
	}
	return certPath, keyPath, nil
}

func writeCertificate(cert *tls.Certificate, certPath, keyPath string) error {
	if err := os.MkdirAll(filepath.Dir(certPath), 0700); err != nil {
		return fmt.Errorf("create certificate directory: %w", err)
	}

	var chain []byte
	for _, der := range cert.Certificate {
		chain = append(chain, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(cert.PrivateKey)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	key := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	if err := os.WriteFile(certPath, chain, 0644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	return nil
}

// FileProvisioner hands out certificate files managed elsewhere
type FileProvisioner struct {
	CertFile string
	KeyFile  string
}

func (p FileProvisioner) Provision(ctx context.Context, domain, email string) (string, string, error) {
	for _, f := range []string{p.CertFile, p.KeyFile} {
		if _, err := os.Stat(f); err != nil {
			return "", "", fmt.Errorf("%w: %s", ErrMissingFile, f)
		}
	}
	return p.CertFile, p.KeyFile, nil
}
