// Package backend relays Mles messages over a framed TCP connection to the
// Mles server.
package backend

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"
	"github.com/mles-io/mles-websocket/pkg/crypto"
	"github.com/mles-io/mles-websocket/pkg/protocol"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultDialTimeout     = 10 * time.Second
	DefaultKeepAlivePeriod = 30 * time.Second
)

var (
	ErrPoisonPill  = errors.New("poison pill received")
	ErrInputClosed = errors.New("input channel closed")
	ErrNoAddress   = errors.New("backend address not configured")
	ErrNoKeyStore  = errors.New("encryption enabled without a key store")
)

// Drop reasons reported through Metrics
const (
	DropUndecodable = "undecodable"
	DropNoKeys      = "no_channel_keys"
	DropCipher      = "cipher"
	DropEncode      = "encode"
	DropDesync      = "desync"
)

// Metrics receives connector events. All methods must be safe to call
// concurrently.
type Metrics interface {
	RecordBackendConnection(open bool)
	RecordFrame(direction string)
	RecordDrop(reason string)
}

// Config holds connector settings
type Config struct {
	Address         string
	DialTimeout     time.Duration
	KeepAlivePeriod time.Duration

	// SharedKey replaces the local address in the routing identity (MLES_KEY)
	SharedKey string
	// AddrKey is appended to the local address identity when set (MLES_ADDR_KEY)
	AddrKey string

	// Encrypt seals outbound and opens inbound messages with per-channel keys
	Encrypt bool
	Keys    *crypto.KeyStore
	Rand    io.Reader

	Metrics  Metrics
	ErrorLog *log.Logger
	DebugLog *log.Logger
}

func (c *Config) setDefaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.KeepAlivePeriod == 0 {
		c.KeepAlivePeriod = DefaultKeepAlivePeriod
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	if c.ErrorLog == nil {
		c.ErrorLog = log.New(io.Discard, "", 0)
	}
	if c.DebugLog == nil {
		c.DebugLog = log.New(io.Discard, "", 0)
	}
}

// routing is the identity state of a connector. It starts uninitialized and
// is fixed by the first outbound message.
type routing struct {
	initialized bool
	routingKey  uint64
	channelID   uint32
	channel     string
}

// Connector is one TCP connection to the Mles server
type Connector struct {
	cfg       Config
	conn      *SafeConn
	id        string
	localAddr string

	mu    sync.RWMutex // Protects state; written by the writer, read by the reader
	state routing
}

// Dial connects to the configured backend
func Dial(ctx context.Context, cfg Config) (*Connector, error) {
	cfg.setDefaults()
	if cfg.Address == "" {
		return nil, ErrNoAddress
	}
	if cfg.Encrypt && cfg.Keys == nil {
		return nil, ErrNoKeyStore
	}

	d := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial backend %s: %w", cfg.Address, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			cfg.ErrorLog.Printf("Failed to set TCP_NODELAY on backend connection: %v", err)
		}
		if err := tcpConn.SetKeepAlive(true); err != nil {
			cfg.ErrorLog.Printf("Failed to enable keepalive on backend connection: %v", err)
		} else {
			_ = tcpConn.SetKeepAlivePeriod(cfg.KeepAlivePeriod)
		}
	}

	c := &Connector{
		cfg:       cfg,
		conn:      NewSafeConn(conn),
		id:        uuid.NewString()[:8],
		localAddr: conn.LocalAddr().String(),
	}
	c.conn.OnDesync(func(err error) {
		c.cfg.DebugLog.Printf("[%s] backend framing lost: %v", c.id, err)
		c.recordDrop(DropDesync)
	})

	if cfg.Metrics != nil {
		cfg.Metrics.RecordBackendConnection(true)
	}
	cfg.DebugLog.Printf("[%s] connected to backend %s from %s", c.id, cfg.Address, c.localAddr)
	return c, nil
}

// ID returns the short identifier used in log lines
func (c *Connector) ID() string {
	return c.id
}

// Routing returns the routing key and channel id once the first message has
// been sent
func (c *Connector) Routing() (routingKey uint64, channelID uint32, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.routingKey, c.state.channelID, c.state.initialized
}

// Run relays until the input closes, a poison pill (empty payload) arrives,
// the backend disconnects, or ctx is cancelled. in carries encoded Messages
// toward the backend and out receives encoded Messages from it. out is
// closed when Run returns. A normal shutdown returns nil.
func (c *Connector) Run(ctx context.Context, in <-chan []byte, out chan<- []byte) error {
	defer close(out)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.writeLoop(gctx, in)
	})
	g.Go(func() error {
		return c.readLoop(gctx, out)
	})
	g.Go(func() error {
		// Closing the socket unblocks the reader
		<-gctx.Done()
		return c.conn.Close()
	})

	err := g.Wait()

	sent, received := c.conn.Stats()
	c.cfg.DebugLog.Printf("[%s] backend close (sent %s received %s): %v",
		c.id, sizestr.ToString(sent), sizestr.ToString(received), err)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordBackendConnection(false)
	}

	switch {
	case errors.Is(err, ErrPoisonPill), errors.Is(err, ErrInputClosed), errors.Is(err, io.EOF):
		return nil
	case ctx.Err() != nil:
		return nil
	}
	return err
}

func (c *Connector) writeLoop(ctx context.Context, in <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-in:
			if !ok {
				return ErrInputClosed
			}
			if len(payload) == 0 {
				return ErrPoisonPill
			}
			if err := c.send(payload); err != nil {
				return err
			}
		}
	}
}

// send frames one outbound message. Messages that cannot be decoded or
// sealed are dropped; only socket errors are returned.
func (c *Connector) send(payload []byte) error {
	needMsg := c.cfg.Encrypt
	c.mu.RLock()
	if !c.state.initialized {
		needMsg = true
	}
	c.mu.RUnlock()

	if needMsg {
		msg, err := protocol.DecodeMessage(payload)
		if err == nil {
			err = msg.Validate()
		}
		if err != nil {
			c.cfg.DebugLog.Printf("[%s] dropping outbound message: %v", c.id, err)
			c.recordDrop(DropUndecodable)
			return nil
		}

		c.initRouting(msg)

		if c.cfg.Encrypt {
			keys := c.cfg.Keys.Init(msg.Channel)
			if err := crypto.SealMessage(msg, keys, c.cfg.Rand); err != nil {
				c.cfg.DebugLog.Printf("[%s] dropping outbound message: %v", c.id, err)
				c.recordDrop(DropCipher)
				return nil
			}
			if payload, err = protocol.EncodeMessage(msg); err != nil {
				c.cfg.DebugLog.Printf("[%s] dropping outbound message: %v", c.id, err)
				c.recordDrop(DropEncode)
				return nil
			}
		}
	}

	key, cid, _ := c.Routing()
	if err := c.conn.EncodeFrame(payload, cid, key); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordFrame("to_backend")
	}
	return nil
}

func (c *Connector) initRouting(msg *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.initialized {
		return
	}

	components := crypto.IdentityComponents(c.cfg.SharedKey, c.localAddr, c.cfg.AddrKey, msg.UID, msg.Channel)
	key := crypto.DeriveRoutingKey(components...)
	c.state = routing{
		initialized: true,
		routingKey:  key,
		channelID:   crypto.DeriveChannelID(key),
		channel:     msg.Channel,
	}
	c.cfg.DebugLog.Printf("[%s] routing initialised for channel %q (cid %d)", c.id, msg.Channel, c.state.channelID)
}

func (c *Connector) readLoop(ctx context.Context, out chan<- []byte) error {
	for {
		f, err := c.conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordFrame("from_backend")
		}

		payload, ok := c.receive(f.Payload)
		if !ok {
			continue
		}

		select {
		case out <- payload:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// receive opens an inbound message when encryption is enabled. Frames that
// cannot be opened are dropped.
func (c *Connector) receive(payload []byte) ([]byte, bool) {
	if !c.cfg.Encrypt {
		return payload, true
	}

	c.mu.RLock()
	channel, initialized := c.state.channel, c.state.initialized
	c.mu.RUnlock()

	keys, ok := c.cfg.Keys.Get(channel)
	if !initialized || !ok {
		c.cfg.DebugLog.Printf("[%s] dropping inbound message: %v", c.id, crypto.ErrChannelKeyMissing)
		c.recordDrop(DropNoKeys)
		return nil, false
	}

	msg, err := protocol.DecodeMessage(payload)
	if err != nil {
		c.cfg.DebugLog.Printf("[%s] dropping inbound message: %v", c.id, err)
		c.recordDrop(DropUndecodable)
		return nil, false
	}
	if err := crypto.OpenMessage(msg, keys); err != nil {
		c.cfg.DebugLog.Printf("[%s] dropping inbound message: %v", c.id, err)
		c.recordDrop(DropCipher)
		return nil, false
	}

	opened, err := protocol.EncodeMessage(msg)
	if err != nil {
		c.recordDrop(DropEncode)
		return nil, false
	}
	return opened, true
}

func (c *Connector) recordDrop(reason string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordDrop(reason)
	}
}
