package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"
	"github.com/mles-io/mles-websocket/pkg/acme"
	"github.com/mles-io/mles-websocket/pkg/backend"
	"github.com/mles-io/mles-websocket/pkg/crypto"
	"github.com/mles-io/mles-websocket/pkg/database"
	"github.com/mles-io/mles-websocket/pkg/hub"
	"github.com/mles-io/mles-websocket/pkg/protocol"
)

// Mode selects how WebSocket sessions reach each other
type Mode string

const (
	// ModeRelay gives every session its own backend connection
	ModeRelay Mode = "relay"
	// ModeHub fans sessions out in-process through the broadcast hub
	ModeHub Mode = "hub"
)

var (
	ErrUnknownMode   = errors.New("unknown mode")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ParseMode parses a configured mode name
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeRelay:
		return ModeRelay, nil
	case ModeHub:
		return ModeHub, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Mode           Mode
	HTTPPort       int    // WebSocket upgrades and static files
	MetricsPort    int    // /metrics and /health, 0 = disabled
	StaticDir      string // Root for non-WebSocket requests
	BackendAddress string // Mles server, optional in hub mode

	HistoryLimit   int           // Messages replayed per channel
	PingInterval   time.Duration // Keepalive period
	OutboundQueue  int           // Per-session outbound queue length
	MaxMessageSize int64         // Largest accepted WebSocket message

	SharedKey string // MLES_KEY
	AddrKey   string // MLES_ADDR_KEY
	Encrypt   bool

	TLSEnabled   bool
	Domain       string
	Email        string
	HTTPSPort    int
	CertCacheDir string
	CertFile     string // Existing certificate, bypasses ACME
	KeyFile      string

	HistoryDBPath    string // Empty keeps history in memory only
	SnapshotInterval time.Duration

	Debug bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Mode:             ModeRelay,
		HTTPPort:         80,
		MetricsPort:      9090,
		StaticDir:        "./static",
		BackendAddress:   "127.0.0.1:8077",
		HistoryLimit:     hub.DefaultHistoryLimit,
		PingInterval:     12 * time.Second,
		OutboundQueue:    1280,
		MaxMessageSize:   1024 * 1024,
		HTTPSPort:        443,
		SnapshotInterval: 30 * time.Second,
	}
}

// Validate reports the first inconsistent setting
func (c ServerConfig) Validate() error {
	switch {
	case c.Mode != ModeRelay && c.Mode != ModeHub:
		return fmt.Errorf("%w: %q", ErrUnknownMode, c.Mode)
	case c.Mode == ModeRelay && c.BackendAddress == "":
		return fmt.Errorf("%w: relay mode needs a backend address", ErrInvalidConfig)
	case c.HTTPPort < 0 || c.HTTPPort > 65535:
		return fmt.Errorf("%w: http port %d out of range", ErrInvalidConfig, c.HTTPPort)
	case c.MetricsPort < 0 || c.MetricsPort > 65535:
		return fmt.Errorf("%w: metrics port %d out of range", ErrInvalidConfig, c.MetricsPort)
	case c.HistoryLimit <= 0:
		return fmt.Errorf("%w: history limit must be positive", ErrInvalidConfig)
	case c.PingInterval <= 0:
		return fmt.Errorf("%w: ping interval must be positive", ErrInvalidConfig)
	case c.OutboundQueue <= 0:
		return fmt.Errorf("%w: outbound queue must be positive", ErrInvalidConfig)
	case c.MaxMessageSize <= 0 || c.MaxMessageSize > protocol.MaxFrameSize:
		return fmt.Errorf("%w: max message size must be between 1 and %d", ErrInvalidConfig, protocol.MaxFrameSize)
	case (c.CertFile == "") != (c.KeyFile == ""):
		return fmt.Errorf("%w: cert_file and key_file must be set together", ErrInvalidConfig)
	case c.TLSEnabled && c.CertFile == "" && c.Domain == "":
		return fmt.Errorf("%w: tls needs a domain or certificate files", ErrInvalidConfig)
	}
	return nil
}

// Server accepts WebSocket sessions and relays them to the Mles backend
type Server struct {
	config   ServerConfig
	metrics  *Metrics
	keys     *crypto.KeyStore
	hub      *hub.Hub
	pool     *backend.Pool
	history  *database.DB
	upgrader websocket.Upgrader
	static   http.Handler

	ctx       context.Context
	cancel    context.CancelFunc
	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup // Background loops
	sessions  sync.WaitGroup // Live WebSocket sessions
	startTime time.Time

	activeSessions atomic.Int64

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64

	httpServer    *http.Server
	metricsServer *http.Server

	tlsMu       sync.Mutex
	httpsServer *http.Server
	httpsAddr   net.Addr
}

// NewServer creates a server instance. Nothing listens until Start.
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:    config,
		metrics:   NewMetrics(),
		keys:      crypto.NewKeyStore(),
		static:    newStaticHandler(config.StaticDir),
		ctx:       ctx,
		cancel:    cancel,
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
		upgrader: websocket.Upgrader{
			Subprotocols:     []string{Subprotocol},
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}

	if config.Mode == ModeHub {
		if err := s.initHub(); err != nil {
			cancel()
			return nil, err
		}
	}

	return s, nil
}

// initHub opens the history store and wires the hub to its uplink
func (s *Server) initHub() error {
	cfg := hub.DefaultConfig()
	cfg.HistoryLimit = s.config.HistoryLimit
	cfg.SnapshotInterval = s.config.SnapshotInterval
	cfg.Metrics = hubMetrics{s.metrics}
	cfg.ErrorLog = errorLog
	cfg.DebugLog = debugLog

	if s.config.HistoryDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(s.config.HistoryDBPath), 0755); err != nil {
			return fmt.Errorf("failed to create history directory: %w", err)
		}
		db, err := database.Open(s.config.HistoryDBPath)
		if err != nil {
			return fmt.Errorf("failed to open history database: %w", err)
		}
		s.history = db
		cfg.Store = db
	}

	if s.config.BackendAddress != "" {
		s.pool = backend.NewPool(s.backendConfig(), backend.DefaultQueueSize, func(channel string, msg *protocol.Message) {
			s.hub.DeliverFromUplink(crypto.ChannelKey(channel), channel, msg.Message)
		})
		cfg.Uplink = s.pool
	}

	s.hub = hub.New(cfg)
	return nil
}

func (s *Server) backendConfig() backend.Config {
	return backend.Config{
		Address:   s.config.BackendAddress,
		SharedKey: s.config.SharedKey,
		AddrKey:   s.config.AddrKey,
		Encrypt:   s.config.Encrypt,
		Keys:      s.keys,
		Metrics:   s.metrics,
		ErrorLog:  errorLog,
		DebugLog:  debugLog,
	}
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "mles-websocket")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "mles-websocket")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// InitLoggers sends errors to stderr and errors.log, and the standard
// logger to stdout and server.log. With debug set, debug.log is enabled too.
func InitLoggers(debug bool) error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	errorFile, err := os.OpenFile(filepath.Join(dataDir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker to tell runs apart
	startupMsg := fmt.Sprintf("=== Proxy started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}
	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)

	serverLogFile, err := os.OpenFile(filepath.Join(dataDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	if !debug {
		debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
		return nil
	}

	debugLogFile, err := os.OpenFile(filepath.Join(dataDir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
	return nil
}

// Handler routes WebSocket upgrades to sessions and everything else to the
// static file root
func (s *Server) Handler() http.Handler {
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			s.HandleWebSocket(w, r)
			return
		}
		s.static.ServeHTTP(w, r)
	})
	if s.config.Debug {
		h = requestlog.Wrap(h)
	}
	return h
}

// HealthHandler reports liveness and session counts as JSON
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":          "ok",
		"mode":            s.config.Mode,
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
		"active_sessions": s.activeSessions.Load(),
	}
	if s.config.Encrypt {
		status["cipher_channels"] = s.keys.Len()
	}
	if s.hub != nil {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if stats, err := s.hub.Stats(ctx); err == nil {
			status["hub_sessions"] = stats.Sessions
			status["hub_channels"] = stats.Channels
			status["history_entries"] = stats.HistoryEntries
		}
	}
	if s.history != nil {
		if n, err := s.history.CountEntries(); err == nil {
			status["stored_history_entries"] = n
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// startServices starts the hub and the periodic metrics log
func (s *Server) startServices() {
	if s.hub != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.hub.Run(s.ctx); err != nil {
				errorLog.Printf("Hub stopped: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.metricsLoggingLoop()
}

// Start starts the public, metrics and TLS listeners
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.startServices()

	// Internal only, never expose publicly
	if s.config.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		metricsMux.HandleFunc("/health", s.HealthHandler)
		s.metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", s.metricsServer.Addr)
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("Metrics server error: %v", err)
			}
		}()
	}

	publicHandler := s.Handler()
	if s.config.TLSEnabled {
		provisioner := s.provisioner()
		if p, ok := provisioner.(*acme.ACMEProvisioner); ok {
			// Port 80 answers HTTP-01 challenges and redirects everything else
			publicHandler = p.HTTPHandler(nil)
		}
		s.wg.Add(1)
		go s.tlsLoop(provisioner)
	}

	s.httpServer = &http.Server{
		Handler:           publicHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("Public HTTP server listening on %s (%s mode, static root %s)", addr, s.config.Mode, s.config.StaticDir)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("Public HTTP server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		err = s.stop()
	})
	return err
}

func (s *Server) stop() error {
	log.Println("Graceful shutdown initiated...")

	close(s.shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown
	for _, srv := range []*http.Server{s.httpServer, s.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			errorLog.Printf("HTTP shutdown: %v", err)
		}
	}
	s.tlsMu.Lock()
	if s.httpsServer != nil {
		if err := s.httpsServer.Shutdown(ctx); err != nil {
			errorLog.Printf("HTTPS shutdown: %v", err)
		}
		s.httpsServer = nil
	}
	s.tlsMu.Unlock()
	log.Println("Listeners closed")

	log.Printf("Closing %d client sessions...", s.activeSessions.Load())
	s.cancel()
	s.sessions.Wait()

	if s.pool != nil {
		log.Println("Closing backend uplinks...")
		s.pool.Close()
	}

	// The hub persists its histories before Run returns
	log.Println("Waiting for background goroutines to finish...")
	s.wg.Wait()

	if s.history != nil {
		log.Println("Closing history database...")
		if err := s.history.Close(); err != nil {
			log.Printf("Error during database close: %v", err)
			return err
		}
	}

	log.Println("Graceful shutdown complete")
	return nil
}

// metricsLoggingLoop logs session counts every 5 seconds
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			active := s.activeSessions.Load()
			connected := s.connectionsSinceReport.Swap(0)
			disconnected := s.disconnectionsSinceReport.Swap(0)
			if connected == 0 && disconnected == 0 && active == 0 {
				continue
			}
			log.Printf("[METRICS] Active sessions: %d, connected since last: %d, disconnected since last: %d, goroutines: %d",
				active, connected, disconnected, runtime.NumGoroutine())
		}
	}
}
