package acme

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"io"
	"log"
	"os"
	"time"

	"github.com/jpillora/backoff"
)

const (
	// RenewBefore is the remaining validity below which a certificate is renewed
	RenewBefore = 30 * 24 * time.Hour
	// FallbackInterval is used when a certificate's expiry cannot be read
	FallbackInterval = 24 * time.Hour
)

var ErrNoCertificate = errors.New("no certificate in PEM data")

// TimeToExpiration returns how long the first certificate in certPath
// remains valid
func TimeToExpiration(certPath string) (time.Duration, error) {
	return timeToExpiration(certPath, time.Now())
}

func timeToExpiration(certPath string, now time.Time) (time.Duration, error) {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return 0, err
	}
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return 0, ErrNoCertificate
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return 0, err
		}
		return cert.NotAfter.Sub(now), nil
	}
}

// NextRenewal returns how long to wait before renewing a certificate with
// the given remaining validity. Zero means renew now.
func NextRenewal(remaining time.Duration, known bool) time.Duration {
	if !known {
		return FallbackInterval
	}
	if remaining < RenewBefore {
		return 0
	}
	return remaining - RenewBefore
}

// Material is a provisioned certificate pair
type Material struct {
	CertPath string
	KeyPath  string
}

// Metrics receives renewal outcomes
type Metrics interface {
	RecordCertRenewal(success bool)
}

// RenewerConfig holds renewal settings
type RenewerConfig struct {
	Provisioner Provisioner
	Domain      string
	Email       string

	// Retry bounds the wait after a failed or premature renewal
	MinRetry time.Duration
	MaxRetry time.Duration

	Metrics  Metrics
	ErrorLog *log.Logger
	DebugLog *log.Logger
}

// Renewer keeps a certificate fresh and announces every new pair
type Renewer struct {
	cfg     RenewerConfig
	updates chan Material
	retry   *backoff.Backoff
}

func NewRenewer(cfg RenewerConfig) *Renewer {
	if cfg.MinRetry <= 0 {
		cfg.MinRetry = 30 * time.Second
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = time.Hour
	}
	if cfg.ErrorLog == nil {
		cfg.ErrorLog = log.New(io.Discard, "", 0)
	}
	if cfg.DebugLog == nil {
		cfg.DebugLog = log.New(io.Discard, "", 0)
	}
	return &Renewer{
		cfg:     cfg,
		updates: make(chan Material, 1),
		retry:   &backoff.Backoff{Min: cfg.MinRetry, Max: cfg.MaxRetry, Factor: 2, Jitter: true},
	}
}

// Updates delivers each newly provisioned pair
func (r *Renewer) Updates() <-chan Material {
	return r.updates
}

// Run provisions, publishes and sleeps until renewal is due, until ctx is
// cancelled. Failures are retried with backoff while the previous pair
// stays in service.
func (r *Renewer) Run(ctx context.Context) error {
	for {
		wait := r.renew(ctx)
		if ctx.Err() != nil {
			return nil
		}
		r.cfg.DebugLog.Printf("Next certificate check for %s in %s", r.cfg.Domain, wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// renew makes one provisioning attempt and returns the wait until the next
func (r *Renewer) renew(ctx context.Context) time.Duration {
	certPath, keyPath, err := r.cfg.Provisioner.Provision(ctx, r.cfg.Domain, r.cfg.Email)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		r.record(false)
		wait := r.retry.Duration()
		r.cfg.ErrorLog.Printf("Certificate provisioning for %s failed (attempt %.0f): %v", r.cfg.Domain, r.retry.Attempt(), err)
		return wait
	}
	r.record(true)

	select {
	case r.updates <- Material{CertPath: certPath, KeyPath: keyPath}:
	case <-ctx.Done():
		return 0
	}

	remaining, err := TimeToExpiration(certPath)
	if err != nil {
		r.cfg.ErrorLog.Printf("Could not read expiry of %s: %v", certPath, err)
	} else {
		log.Printf("The time to expiration of %s is %s", certPath, remaining.Round(time.Minute))
	}

	wait := NextRenewal(remaining, err == nil)
	if wait <= 0 {
		// The CA handed back a certificate that is already due
		return r.retry.Duration()
	}
	r.retry.Reset()
	return wait
}

func (r *Renewer) record(success bool) {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordCertRenewal(success)
	}
}
