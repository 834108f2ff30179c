package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// WriteUint8 writes a single byte
func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// WriteUint32 writes a big-endian uint32
func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// WriteUint64 writes a big-endian uint64
func WriteUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadUint8 reads a single byte
func ReadUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint32 reads a big-endian uint32
func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// ReadUint64 reads a big-endian uint64
func ReadUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// readChunk is the read size used when the receive buffer needs more data
const readChunk = 4096

// FrameReader reads frames from a stream through a growable receive buffer.
// It is not safe for concurrent use.
type FrameReader struct {
	r   io.Reader
	buf bytes.Buffer

	// OnDesync is called whenever buffered input is discarded because of a
	// bad header. Optional.
	OnDesync func(err error)
}

// NewFrameReader creates a FrameReader over r
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame blocks until a complete frame is available or the underlying
// reader fails. Desynchronised input is skipped, not returned as an error.
func (fr *FrameReader) ReadFrame() (*Frame, error) {
	chunk := make([]byte, readChunk)
	for {
		f, err := DecodeFrame(&fr.buf)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, ErrIncomplete) && fr.OnDesync != nil {
			fr.OnDesync(err)
		}

		n, err := fr.r.Read(chunk)
		if n > 0 {
			fr.buf.Write(chunk[:n])
		}
		if err != nil {
			if n > 0 && errors.Is(err, io.EOF) {
				// Give buffered bytes one more decode attempt before EOF
				if f, derr := DecodeFrame(&fr.buf); derr == nil {
					return f, nil
				}
			}
			return nil, err
		}
	}
}
