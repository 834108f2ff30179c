package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selfSigned(t *testing.T, validFor time.Duration) *tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "mles.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(validFor),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return &tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func writeCert(t *testing.T, validFor time.Duration) (string, string) {
	t.Helper()
	certPath, keyPath := CertPaths(t.TempDir(), "mles.example.com")
	require.NoError(t, writeCertificate(selfSigned(t, validFor), certPath, keyPath))
	return certPath, keyPath
}

func TestWriteCertificateLoads(t *testing.T) {
	certPath, keyPath := writeCert(t, 90*24*time.Hour)
	assert.Equal(t, "mles.example.com.pem", filepath.Base(certPath))
	assert.Equal(t, "mles.example.com.key", filepath.Base(keyPath))

	_, err := tls.LoadX509KeyPair(certPath, keyPath)
	assert.NoError(t, err)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestTimeToExpiration(t *testing.T) {
	certPath, _ := writeCert(t, 90*24*time.Hour)

	remaining, err := TimeToExpiration(certPath)
	require.NoError(t, err)
	assert.InDelta(t, float64(90*24*time.Hour), float64(remaining), float64(time.Minute))

	later := time.Now().Add(100 * 24 * time.Hour)
	remaining, err = timeToExpiration(certPath, later)
	require.NoError(t, err)
	assert.Negative(t, int64(remaining))
}

func TestTimeToExpirationErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := TimeToExpiration(filepath.Join(dir, "absent.pem"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	keyOnly := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(keyOnly, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte{1}}), 0600))
	_, err = TimeToExpiration(keyOnly)
	assert.ErrorIs(t, err, ErrNoCertificate)
}

func TestNextRenewal(t *testing.T) {
	day := 24 * time.Hour
	tests := []struct {
		name      string
		remaining time.Duration
		known     bool
		want      time.Duration
	}{
		{"unknown expiry", 0, false, FallbackInterval},
		{"expired", -day, true, 0},
		{"inside window", 10 * day, true, 0},
		{"at threshold", 30 * day, true, 0},
		{"fresh", 90 * day, true, 60 * day},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextRenewal(tt.remaining, tt.known))
		})
	}
}

func TestFileProvisioner(t *testing.T) {
	certPath, keyPath := writeCert(t, 90*24*time.Hour)

	gotCert, gotKey, err := FileProvisioner{CertFile: certPath, KeyFile: keyPath}.Provision(context.Background(), "", "")
	require.NoError(t, err)
	assert.Equal(t, certPath, gotCert)
	assert.Equal(t, keyPath, gotKey)

	_, _, err = FileProvisioner{CertFile: certPath, KeyFile: keyPath + ".missing"}.Provision(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrMissingFile)
}

func TestACMEProvisionerNeedsDomain(t *testing.T) {
	p := NewACMEProvisioner(t.TempDir(), t.TempDir(), "")
	_, _, err := p.Provision(context.Background(), "", "admin@example.com")
	assert.ErrorIs(t, err, ErrNoDomain)
}

func TestHTTPHandlerRedirectsBeforeProvisioning(t *testing.T) {
	p := NewACMEProvisioner(t.TempDir(), t.TempDir(), "")

	rec := httptest.NewRecorder()
	p.HTTPHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://mles.example.com/app.js?v=2", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://mles.example.com/app.js?v=2", rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	p.HTTPHandler(fallback).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

// scriptedProvisioner fails a fixed number of times before succeeding
type scriptedProvisioner struct {
	mu       sync.Mutex
	failures int
	calls    int
	certPath string
	keyPath  string
}

func (p *scriptedProvisioner) Provision(ctx context.Context, domain, email string) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return "", "", errors.New("ca unavailable")
	}
	return p.certPath, p.keyPath, nil
}

type countingMetrics struct {
	mu      sync.Mutex
	success int
	failure int
}

func (m *countingMetrics) RecordCertRenewal(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.success++
	} else {
		m.failure++
	}
}

func TestRenewerRetriesThenPublishes(t *testing.T) {
	certPath, keyPath := writeCert(t, 90*24*time.Hour)
	prov := &scriptedProvisioner{failures: 2, certPath: certPath, keyPath: keyPath}
	metrics := &countingMetrics{}

	r := NewRenewer(RenewerConfig{
		Provisioner: prov,
		Domain:      "mles.example.com",
		MinRetry:    5 * time.Millisecond,
		MaxRetry:    20 * time.Millisecond,
		Metrics:     metrics,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	select {
	case m := <-r.Updates():
		assert.Equal(t, Material{CertPath: certPath, KeyPath: keyPath}, m)
	case <-time.After(2 * time.Second):
		t.Fatal("no certificate published")
	}

	// A fresh certificate is not checked again for weeks
	select {
	case <-r.Updates():
		t.Fatal("renewed a fresh certificate")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, 2, metrics.failure)
	assert.Equal(t, 1, metrics.success)
}

func TestRenewerRetriesDueCertificate(t *testing.T) {
	// The CA keeps returning a certificate inside the renewal window
	certPath, keyPath := writeCert(t, 24*time.Hour)
	prov := &scriptedProvisioner{certPath: certPath, keyPath: keyPath}

	r := NewRenewer(RenewerConfig{
		Provisioner: prov,
		MinRetry:    5 * time.Millisecond,
		MaxRetry:    10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	for i := 0; i < 3; i++ {
		select {
		case <-r.Updates():
		case <-time.After(2 * time.Second):
			t.Fatalf("attempt %d not published", i)
		}
	}
}
