package backend

import (
	"context"
	"errors"
	"sync"

	"github.com/mles-io/mles-websocket/pkg/protocol"
)

var (
	ErrQueueFull  = errors.New("uplink queue full")
	ErrPoolClosed = errors.New("pool closed")
)

// DefaultQueueSize is the per-channel outbound queue length
const DefaultQueueSize = 256

// DeliverFunc receives a message that arrived from the backend for channel
type DeliverFunc func(channel string, msg *protocol.Message)

// Pool keeps one connector per channel name. Connectors are dialled on the
// first Send for a channel and removed when they end; the next Send redials.
type Pool struct {
	cfg       Config
	queueSize int
	deliver   DeliverFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	links  map[string]chan []byte
	closed bool
}

// NewPool creates a connector pool. deliver is called from connector
// goroutines and must not block for long.
func NewPool(cfg Config, queueSize int, deliver DeliverFunc) *Pool {
	cfg.setDefaults()
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:       cfg,
		queueSize: queueSize,
		deliver:   deliver,
		ctx:       ctx,
		cancel:    cancel,
		links:     make(map[string]chan []byte),
	}
}

// Send queues payload for channel, attributed to uid. It never blocks.
func (p *Pool) Send(channel, uid string, payload []byte) error {
	data, err := protocol.EncodeMessage(&protocol.Message{UID: uid, Channel: channel, Message: payload})
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	in, ok := p.links[channel]
	if !ok {
		in = make(chan []byte, p.queueSize)
		p.links[channel] = in
		p.wg.Add(1)
		go p.runLink(channel, in)
	}
	p.mu.Unlock()

	select {
	case in <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of live channel links
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.links)
}

func (p *Pool) runLink(channel string, in chan []byte) {
	defer p.wg.Done()
	defer p.removeLink(channel, in)

	conn, err := Dial(p.ctx, p.cfg)
	if err != nil {
		p.cfg.ErrorLog.Printf("Uplink for channel %q failed: %v", channel, err)
		return
	}

	out := make(chan []byte, p.queueSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for payload := range out {
			msg, err := protocol.DecodeMessage(payload)
			if err != nil {
				p.cfg.DebugLog.Printf("[%s] dropping uplink message: %v", conn.ID(), err)
				continue
			}
			p.deliver(channel, msg)
		}
	}()

	if err := conn.Run(p.ctx, in, out); err != nil {
		p.cfg.ErrorLog.Printf("Uplink for channel %q ended: %v", channel, err)
	}
	<-done
}

func (p *Pool) removeLink(channel string, in chan []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.links[channel] == in {
		delete(p.links, channel)
	}
}

// Close sends every link a poison pill and waits for them to finish
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	for _, in := range p.links {
		select {
		case in <- nil:
		default:
		}
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
