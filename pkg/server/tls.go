package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/mles-io/mles-websocket/pkg/acme"
)

var ErrServerStopped = errors.New("server stopped")

// provisioner picks fixed certificate files when configured, ACME otherwise
func (s *Server) provisioner() acme.Provisioner {
	if s.config.CertFile != "" {
		return acme.FileProvisioner{CertFile: s.config.CertFile, KeyFile: s.config.KeyFile}
	}
	return acme.NewACMEProvisioner(s.config.CertCacheDir, s.config.CertCacheDir, "")
}

// tlsLoop keeps the HTTPS listener serving the newest certificate
func (s *Server) tlsLoop(p acme.Provisioner) {
	defer s.wg.Done()

	renewer := acme.NewRenewer(acme.RenewerConfig{
		Provisioner: p,
		Domain:      s.config.Domain,
		Email:       s.config.Email,
		Metrics:     s.metrics,
		ErrorLog:    errorLog,
		DebugLog:    debugLog,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		renewer.Run(s.ctx)
	}()

	for {
		select {
		case <-done:
			return
		case m := <-renewer.Updates():
			if err := s.reloadTLS(m.CertPath, m.KeyPath); err != nil {
				errorLog.Printf("Failed to load certificate %s: %v", m.CertPath, err)
			}
		}
	}
}

// reloadTLS restarts the HTTPS listener with a new certificate pair. The
// previous listener keeps serving if the pair cannot be loaded.
func (s *Server) reloadTLS(certPath, keyPath string) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return err
	}

	s.tlsMu.Lock()
	defer s.tlsMu.Unlock()

	select {
	case <-s.shutdown:
		return ErrServerStopped
	default:
	}

	if s.httpsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.httpsServer.Shutdown(ctx)
		cancel()
		if err != nil {
			errorLog.Printf("HTTPS shutdown before reload: %v", err)
		}
		s.httpsServer = nil
	}

	addr := fmt.Sprintf(":%d", s.config.HTTPSPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpsServer = srv
	s.httpsAddr = ln.Addr()

	go func() {
		if err := srv.Serve(tls.NewListener(ln, tlsConfig)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTPS server error: %v", err)
		}
	}()

	log.Printf("HTTPS server listening on %s with %s", ln.Addr(), certPath)
	return nil
}

// HTTPSAddr returns the current HTTPS listener address, nil before the first
// certificate is loaded
func (s *Server) HTTPSAddr() net.Addr {
	s.tlsMu.Lock()
	defer s.tlsMu.Unlock()
	return s.httpsAddr
}
