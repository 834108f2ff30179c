package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mles-io/mles-websocket/pkg/backend"
	"github.com/mles-io/mles-websocket/pkg/crypto"
	"github.com/mles-io/mles-websocket/pkg/hub"
	"github.com/mles-io/mles-websocket/pkg/protocol"
	"golang.org/x/sync/errgroup"
)

// writeWait bounds a single WebSocket write
const writeWait = 10 * time.Second

var (
	errKeepaliveTimeout   = errors.New("keepalive timeout")
	errHandshake          = errors.New("handshake failed")
	errBackendUnavailable = errors.New("backend unavailable")
	errBackendClosed      = errors.New("backend connection closed")
)

// Keepalive counts pings sent and pongs received. A session is dead as soon
// as pongs+1 < pings.
type Keepalive struct {
	pings atomic.Uint64
	pongs atomic.Uint64
}

// Tick counts a ping and reports whether the peer is still alive. The caller
// sends the ping only when it is.
func (k *Keepalive) Tick() bool {
	pings := k.pings.Add(1)
	return k.pongs.Load()+1 >= pings
}

// Pong records a pong from the peer
func (k *Keepalive) Pong() {
	k.pongs.Add(1)
}

// Counts returns pings sent and pongs received
func (k *Keepalive) Counts() (pings, pongs uint64) {
	return k.pings.Load(), k.pongs.Load()
}

// forwardFunc hands one client message downstream
type forwardFunc func(ctx context.Context, data []byte) error

// Session is one WebSocket client
type Session struct {
	ID           string
	conn         *websocket.Conn
	out          chan []byte
	keepalive    Keepalive
	pingInterval time.Duration
	metrics      *Metrics
}

func newSession(conn *websocket.Conn, cfg ServerConfig, metrics *Metrics) *Session {
	conn.SetReadLimit(cfg.MaxMessageSize)
	return &Session{
		ID:           uuid.NewString()[:8],
		conn:         conn,
		out:          make(chan []byte, cfg.OutboundQueue),
		pingInterval: cfg.PingInterval,
		metrics:      metrics,
	}
}

// run drives the session until one of its loops ends. out must only be
// closed by the backend connector in relay mode.
func (sess *Session) run(ctx context.Context, forward forwardFunc) error {
	sess.conn.SetPongHandler(func(string) error {
		sess.keepalive.Pong()
		return nil
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sess.readLoop(ctx, forward)
	})
	g.Go(func() error {
		return sess.writeLoop(ctx)
	})
	g.Go(func() error {
		return sess.keepaliveLoop(ctx)
	})
	g.Go(func() error {
		// Closing the socket unblocks the reader
		<-ctx.Done()
		_ = sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return sess.conn.Close()
	})
	return g.Wait()
}

func (sess *Session) readLoop(ctx context.Context, forward forwardFunc) error {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return err
		}
		// Empty payloads are reserved as the connector's poison pill
		if len(data) == 0 {
			debugLog.Printf("[%s] ignoring empty message", sess.ID)
			continue
		}
		sess.metrics.RecordMessageReceived()
		if err := forward(ctx, data); err != nil {
			return err
		}
	}
}

func (sess *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-sess.out:
			if !ok {
				return errBackendClosed
			}
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return err
			}
			sess.metrics.RecordMessageSent()
		}
	}
}

func (sess *Session) keepaliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(sess.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !sess.keepalive.Tick() {
				pings, pongs := sess.keepalive.Counts()
				debugLog.Printf("[%s] keepalive timeout (pings %d, pongs %d)", sess.ID, pings, pongs)
				sess.metrics.RecordKeepaliveTimeout()
				return errKeepaliveTimeout
			}
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

// serveSession runs sess in the configured mode and records how it ended
func (s *Server) serveSession(sess *Session) {
	remote := sess.conn.RemoteAddr()

	count := s.activeSessions.Add(1)
	s.connectionsSinceReport.Add(1)
	s.metrics.RecordActiveSessions(int(count))
	s.metrics.RecordSessionCreated(s.config.Mode)
	debugLog.Printf("[%s] new %s session from %s", sess.ID, s.config.Mode, remote)

	var err error
	switch s.config.Mode {
	case ModeHub:
		err = s.serveHub(s.ctx, sess)
	default:
		err = s.serveRelay(s.ctx, sess)
	}

	reason := disconnectReason(err)
	count = s.activeSessions.Add(-1)
	s.disconnectionsSinceReport.Add(1)
	s.metrics.RecordActiveSessions(int(count))
	s.metrics.RecordSessionDisconnected(reason)
	debugLog.Printf("[%s] session from %s closed (%s): %v", sess.ID, remote, reason, err)
}

// serveRelay pairs the session with its own backend connection. The
// connector identifies the session from the first message it relays.
func (s *Server) serveRelay(ctx context.Context, sess *Session) error {
	link, err := backend.Dial(ctx, s.backendConfig())
	if err != nil {
		sess.conn.Close()
		return fmt.Errorf("%w: %v", errBackendUnavailable, err)
	}
	debugLog.Printf("[%s] paired with backend connection %s", sess.ID, link.ID())

	in := make(chan []byte, s.config.OutboundQueue)
	linkCtx, linkCancel := context.WithCancel(s.ctx)
	defer linkCancel()
	linkDone := make(chan error, 1)
	go func() {
		linkDone <- link.Run(linkCtx, in, sess.out)
	}()

	err = sess.run(ctx, func(ctx context.Context, data []byte) error {
		select {
		case in <- data:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	// Poison pill; a full queue is abandoned instead
	select {
	case in <- nil:
	default:
		linkCancel()
	}
	if linkErr := <-linkDone; linkErr != nil {
		debugLog.Printf("[%s] backend connection %s: %v", sess.ID, link.ID(), linkErr)
	}
	return err
}

// hubMember tracks a session's hub registration
type hubMember struct {
	hub    *hub.Hub
	sess   *Session
	key    hub.Key
	joined bool
}

// forward registers the session on its first message and publishes the rest
func (m *hubMember) forward(ctx context.Context, data []byte) error {
	if m.joined {
		return m.hub.Publish(ctx, m.key, data)
	}

	hs, err := protocol.ParseHandshake(data)
	if err != nil {
		return fmt.Errorf("%w: %v", errHandshake, err)
	}
	key, err := m.hub.Join(ctx, hub.Init{
		Key: hub.Key{
			Session: crypto.SessionID(hs.UID, hs.Channel),
			Channel: crypto.ChannelKey(hs.Channel),
		},
		UID:          hs.UID,
		Channel:      hs.Channel,
		Outbound:     m.sess.out,
		FirstMessage: data,
	})
	if err != nil {
		return err
	}
	m.key = key
	m.joined = true
	debugLog.Printf("[%s] joined channel %q as %q", m.sess.ID, hs.Channel, hs.UID)
	return nil
}

// serveHub registers the session with the broadcast hub after a valid
// handshake and removes it when the session ends
func (s *Server) serveHub(ctx context.Context, sess *Session) error {
	member := &hubMember{hub: s.hub, sess: sess}
	err := sess.run(ctx, member.forward)

	if member.joined {
		leaveCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if leaveErr := s.hub.Leave(leaveCtx, member.key); leaveErr != nil && !errors.Is(leaveErr, hub.ErrStopped) {
			errorLog.Printf("[%s] failed to leave hub: %v", sess.ID, leaveErr)
		}
	}
	return err
}

func disconnectReason(err error) string {
	switch {
	case errors.Is(err, errKeepaliveTimeout):
		return "keepalive_timeout"
	case errors.Is(err, errHandshake):
		return "handshake_failed"
	case errors.Is(err, errBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, errBackendClosed):
		return "backend_closed"
	case errors.Is(err, context.Canceled), errors.Is(err, hub.ErrStopped):
		return "shutdown"
	case errors.As(err, new(*websocket.CloseError)), errors.Is(err, net.ErrClosed):
		return "client_closed"
	}
	return "error"
}
