package database

import (
	"encoding/binary"
	"errors"

	"github.com/pierrec/lz4/v4"
)

const (
	// CompressionThreshold is the minimum payload size to consider compression (512 bytes)
	CompressionThreshold = 512

	// MaxEntrySize bounds decompression output (16 MB)
	MaxEntrySize = 16 * 1024 * 1024
)

// Flag constants stored alongside each payload
const (
	FlagCompressed = 0x01 // Bit 0: compression
)

var (
	ErrDecompressionFailed  = errors.New("decompression failed")
	ErrInvalidCompressedLen = errors.New("invalid compressed payload length")
	ErrEntryTooLarge        = errors.New("history entry exceeds maximum size (16 MB)")
)

// CompressPayload compresses data using LZ4 and prepends the uncompressed size.
// Format: [Uncompressed Size (4 bytes, big-endian)][LZ4 Compressed Data]
// Returns the original data if compression doesn't reduce size.
func CompressPayload(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return data, false
	}

	compressed := make([]byte, 4+lz4.CompressBlockBound(len(data)))

	// Write uncompressed size as first 4 bytes (big-endian)
	binary.BigEndian.PutUint32(compressed[:4], uint32(len(data)))

	n, err := lz4.CompressBlock(data, compressed[4:], nil)
	if err != nil || n == 0 {
		// Compression failed or data is incompressible
		return data, false
	}

	// Only use compression if it actually saves space
	if 4+n >= len(data) {
		return data, false
	}

	return compressed[:4+n], true
}

// DecompressPayload decompresses LZ4-compressed data.
// Expects format: [Uncompressed Size (4 bytes, big-endian)][LZ4 Compressed Data]
func DecompressPayload(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrInvalidCompressedLen
	}

	size := binary.BigEndian.Uint32(data[:4])
	if size > MaxEntrySize {
		return nil, ErrEntryTooLarge
	}

	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil || n != int(size) {
		return nil, ErrDecompressionFailed
	}

	return out, nil
}

// EncodePayload compresses entries above CompressionThreshold and returns
// the stored bytes with their flags
func EncodePayload(entry []byte) ([]byte, uint8) {
	if len(entry) < CompressionThreshold {
		return entry, 0
	}
	if compressed, ok := CompressPayload(entry); ok {
		return compressed, FlagCompressed
	}
	return entry, 0
}

// DecodePayload reverses EncodePayload
func DecodePayload(stored []byte, flags uint8) ([]byte, error) {
	if flags&FlagCompressed != 0 {
		return DecompressPayload(stored)
	}
	return stored, nil
}
