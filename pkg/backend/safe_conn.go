package backend

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/mles-io/mles-websocket/pkg/protocol"
)

// SafeConn wraps the backend net.Conn with write synchronization and byte
// counters. Frames written from different goroutines never interleave.
type SafeConn struct {
	conn   net.Conn
	mu     sync.Mutex // Protects writes to conn
	reader *protocol.FrameReader

	sent     atomic.Int64
	received atomic.Int64
}

// NewSafeConn wraps a net.Conn with write synchronization
func NewSafeConn(conn net.Conn) *SafeConn {
	sc := &SafeConn{conn: conn}
	sc.reader = protocol.NewFrameReader(countingReader{sc})
	return sc
}

// EncodeFrame frames a payload and sends it with write synchronization
func (sc *SafeConn) EncodeFrame(payload []byte, channelID uint32, routingKey uint64) error {
	return sc.WriteBytes(protocol.Encode(payload, channelID, routingKey))
}

// ReadFrame reads the next frame. Only one goroutine may read.
func (sc *SafeConn) ReadFrame() (*protocol.Frame, error) {
	return sc.reader.ReadFrame()
}

// OnDesync registers a callback for discarded input
func (sc *SafeConn) OnDesync(fn func(err error)) {
	sc.reader.OnDesync = fn
}

// WriteBytes writes raw bytes to the connection with synchronization
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	n, err := sc.conn.Write(data)
	sc.sent.Add(int64(n))
	return err
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// LocalAddr returns the local network address
func (sc *SafeConn) LocalAddr() net.Addr {
	return sc.conn.LocalAddr()
}

// Stats returns the bytes sent and received so far
func (sc *SafeConn) Stats() (sent, received int64) {
	return sc.sent.Load(), sc.received.Load()
}

type countingReader struct {
	sc *SafeConn
}

func (r countingReader) Read(p []byte) (int, error) {
	n, err := r.sc.conn.Read(p)
	r.sc.received.Add(int64(n))
	return n, err
}
