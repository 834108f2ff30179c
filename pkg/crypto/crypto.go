// Package crypto provides the per-channel cipher layer for relayed Mles
// messages: AES-128-ECB for identifiers and AES-128-CTR for message bodies.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/mles-io/mles-websocket/pkg/protocol"
)

const (
	// KeySize is the size of both the stream and the block key (AES-128)
	KeySize = 16

	// NonceSize is the size of the CTR nonce prefixed to every message body
	NonceSize = aes.BlockSize
)

var (
	ErrInvalidBase64     = errors.New("identifier is not valid base64")
	ErrInvalidBlockSize  = errors.New("identifier is not a whole number of blocks")
	ErrInvalidPadding    = errors.New("invalid PKCS#7 padding")
	ErrInvalidUTF8       = errors.New("identifier is not valid UTF-8")
	ErrMessageTooShort   = errors.New("message too short for nonce")
	ErrNonceGeneration   = errors.New("nonce generation failed")
	ErrChannelKeyMissing = errors.New("channel key not initialised")
)

// EncryptIdentifier encrypts a short identifier (uid or channel) with
// AES-128-ECB and PKCS#7 padding, returning standard base64.
// ECB leaks equality of identifiers; this matches what clients expect.
func EncryptIdentifier(plaintext string, blockKey [KeySize]byte) (string, error) {
	block, err := aes.NewCipher(blockKey[:])
	if err != nil {
		return "", err
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
	}

	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptIdentifier is the inverse of EncryptIdentifier
func DecryptIdentifier(encoded string, blockKey [KeySize]byte) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBase64, err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", ErrInvalidBlockSize
	}

	block, err := aes.NewCipher(blockKey[:])
	if err != nil {
		return "", err
	}

	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}

	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(plain) {
		return "", ErrInvalidUTF8
	}

	return string(plain), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-n], nil
}

// ApplyStreamCipher XORs message[NonceSize:] in place with AES-128-CTR keyed
// by streamKey, using message[:NonceSize] as the IV. The operation is its own
// inverse.
func ApplyStreamCipher(message []byte, streamKey [KeySize]byte) error {
	if len(message) < NonceSize {
		return ErrMessageTooShort
	}

	block, err := aes.NewCipher(streamKey[:])
	if err != nil {
		return err
	}

	body := message[NonceSize:]
	cipher.NewCTR(block, message[:NonceSize]).XORKeyStream(body, body)
	return nil
}

// SealMessage prepares a message for the backend: a fresh nonce is prepended
// to the body, the body is encrypted, and uid/channel are replaced by their
// encrypted identifiers. An empty body is rejected since receivers could not
// open it.
func SealMessage(msg *protocol.Message, keys ChannelKeys, rand io.Reader) error {
	if len(msg.Message) == 0 {
		return ErrMessageTooShort
	}
	sealed := make([]byte, NonceSize+len(msg.Message))
	if _, err := io.ReadFull(rand, sealed[:NonceSize]); err != nil {
		return fmt.Errorf("%w: %v", ErrNonceGeneration, err)
	}
	copy(sealed[NonceSize:], msg.Message)

	if err := ApplyStreamCipher(sealed, keys.StreamKey); err != nil {
		return err
	}

	uid, err := EncryptIdentifier(msg.UID, keys.BlockKey)
	if err != nil {
		return err
	}
	channel, err := EncryptIdentifier(msg.Channel, keys.BlockKey)
	if err != nil {
		return err
	}

	msg.UID = uid
	msg.Channel = channel
	msg.Message = sealed
	return nil
}

// OpenMessage reverses SealMessage. The message is only modified on success.
func OpenMessage(msg *protocol.Message, keys ChannelKeys) error {
	uid, err := DecryptIdentifier(msg.UID, keys.BlockKey)
	if err != nil {
		return fmt.Errorf("uid: %w", err)
	}
	channel, err := DecryptIdentifier(msg.Channel, keys.BlockKey)
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}

	if len(msg.Message) <= NonceSize {
		return ErrMessageTooShort
	}
	body := append([]byte(nil), msg.Message...)
	if err := ApplyStreamCipher(body, keys.StreamKey); err != nil {
		return err
	}

	msg.UID = uid
	msg.Channel = channel
	msg.Message = body[NonceSize:]
	return nil
}
