package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeSelfSigned writes a certificate for commonName and returns the paths
func writeSelfSigned(t *testing.T, dir, commonName string) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	certPath := filepath.Join(dir, commonName+".pem")
	keyPath := filepath.Join(dir, commonName+".key")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0600))
	return certPath, keyPath
}

func TestReloadTLS(t *testing.T) {
	srv, _ := newTestServer(t, func(c *ServerConfig) {
		hubMode(c)
		c.HTTPSPort = 0
	})
	assert.Nil(t, srv.HTTPSAddr())

	client := &http.Client{
		Timeout:   2 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}
	servedName := func() string {
		resp, err := client.Get("https://" + srv.HTTPSAddr().String() + "/missing")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		return resp.TLS.PeerCertificates[0].Subject.CommonName
	}

	dir := t.TempDir()
	cert, key := writeSelfSigned(t, dir, "first")
	require.NoError(t, srv.reloadTLS(cert, key))
	assert.Equal(t, "first", servedName())

	cert, key = writeSelfSigned(t, dir, "second")
	require.NoError(t, srv.reloadTLS(cert, key))
	client.CloseIdleConnections()
	assert.Equal(t, "second", servedName())

	// A broken pair leaves the current listener alone
	require.NoError(t, os.WriteFile(cert, []byte("garbage"), 0644))
	assert.Error(t, srv.reloadTLS(cert, key))
	assert.Equal(t, "second", servedName())
}

func TestReloadTLSAfterStop(t *testing.T) {
	srv, _ := newTestServer(t, func(c *ServerConfig) {
		hubMode(c)
		c.HTTPSPort = 0
	})
	cert, key := writeSelfSigned(t, t.TempDir(), "late")

	require.NoError(t, srv.Stop())
	assert.ErrorIs(t, srv.reloadTLS(cert, key), ErrServerStopped)
}
