package protocol

import (
	"bytes"
	"errors"
	"io"
)

const (
	// HeaderLen is the size of the backend frame header (17 bytes)
	// Format: [Type (1 byte)][Length (4 bytes)][ChannelID (4 bytes)][RoutingKey (8 bytes)]
	HeaderLen = 1 + 4 + 4 + 8

	// FrameType is the only frame type accepted on the backend connection
	FrameType = byte('M')

	// MaxFrameSize is the maximum allowed payload size (16 MB)
	MaxFrameSize = 16 * 1024 * 1024
)

var (
	ErrIncomplete    = errors.New("incomplete frame")
	ErrInvalidType   = errors.New("invalid frame type")
	ErrEmptyFrame    = errors.New("empty frame")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size (16 MB)")
)

// Header is the fixed-size prefix of every frame on the backend connection.
// All multi-byte fields are big-endian.
type Header struct {
	Type       uint8  // Always FrameType for valid frames
	Length     uint32 // Payload length, excluding the header
	ChannelID  uint32 // Low 32 bits of the routing key
	RoutingKey uint64 // Identity hash of the sending session
}

// Frame is a decoded backend frame
type Frame struct {
	Header
	Payload []byte // Encoded Message
}

// EncodeHeader writes a frame header to the writer
func EncodeHeader(w io.Writer, h *Header) error {
	// Write type (1 byte)
	if err := WriteUint8(w, h.Type); err != nil {
		return err
	}

	// Write length (4 bytes, big-endian)
	if err := WriteUint32(w, h.Length); err != nil {
		return err
	}

	// Write channel id (4 bytes, big-endian)
	if err := WriteUint32(w, h.ChannelID); err != nil {
		return err
	}

	// Write routing key (8 bytes, big-endian)
	return WriteUint64(w, h.RoutingKey)
}

// DecodeHeader reads a frame header from the reader and validates it.
// The header is returned alongside validation errors so callers can log it.
func DecodeHeader(r io.Reader) (*Header, error) {
	h := &Header{}
	var err error

	if h.Type, err = ReadUint8(r); err != nil {
		return nil, err
	}
	if h.Length, err = ReadUint32(r); err != nil {
		return nil, err
	}
	if h.ChannelID, err = ReadUint32(r); err != nil {
		return nil, err
	}
	if h.RoutingKey, err = ReadUint64(r); err != nil {
		return nil, err
	}

	return h, h.validate()
}

func (h *Header) validate() error {
	if h.Type != FrameType {
		return ErrInvalidType
	}
	if h.Length == 0 {
		return ErrEmptyFrame
	}
	if h.Length > MaxFrameSize {
		return ErrFrameTooLarge
	}
	return nil
}

// EncodeFrame writes a header followed by the payload to the writer
func EncodeFrame(w io.Writer, payload []byte, channelID uint32, routingKey uint64) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	h := &Header{
		Type:       FrameType,
		Length:     uint32(len(payload)),
		ChannelID:  channelID,
		RoutingKey: routingKey,
	}
	if err := EncodeHeader(w, h); err != nil {
		return err
	}

	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}

	// Flush if the writer supports it (e.g., *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}

	return nil
}

// Encode prepends a fresh header to the payload and returns the wire bytes
func Encode(payload []byte, channelID uint32, routingKey uint64) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, HeaderLen+len(payload)))
	// Writes into a bytes.Buffer cannot fail
	_ = EncodeFrame(buf, payload, channelID, routingKey)
	return buf.Bytes()
}

// DecodeFrame extracts the next frame from a growable receive buffer.
//
//   - Fewer bytes than a full header or frame: ErrIncomplete, nothing consumed
//   - Bad type tag, zero length or oversized length: the whole buffer is
//     discarded and the validation error returned
//   - Otherwise exactly HeaderLen+Length bytes are consumed and trailing bytes
//     stay buffered
func DecodeFrame(buf *bytes.Buffer) (*Frame, error) {
	if buf.Len() < HeaderLen {
		return nil, ErrIncomplete
	}

	h, err := DecodeHeader(bytes.NewReader(buf.Bytes()[:HeaderLen]))
	if err != nil {
		// Framing is lost; resynchronise on whatever arrives next
		buf.Reset()
		return nil, err
	}

	if buf.Len() < HeaderLen+int(h.Length) {
		return nil, ErrIncomplete
	}

	buf.Next(HeaderLen)
	payload := make([]byte, h.Length)
	copy(payload, buf.Next(int(h.Length)))

	return &Frame{Header: *h, Payload: payload}, nil
}

// Decode returns the next complete payload in buf, or false when no frame is
// available. Desynchronised input is dropped silently.
func Decode(buf *bytes.Buffer) ([]byte, bool) {
	f, err := DecodeFrame(buf)
	if err != nil {
		return nil, false
	}
	return f.Payload, true
}
