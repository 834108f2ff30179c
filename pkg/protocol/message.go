package protocol

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	ErrMissingUID     = errors.New("message uid is empty")
	ErrMissingChannel = errors.New("message channel is empty")
	ErrMalformed      = errors.New("malformed message")
)

// Message is the application unit carried in a frame payload and in binary
// WebSocket messages. Browsers build it as a CBOR map.
type Message struct {
	UID     string `cbor:"uid" json:"uid"`
	Channel string `cbor:"channel" json:"channel"`
	Message []byte `cbor:"message" json:"-"`
}

var decMode cbor.DecMode

func init() {
	var err error
	decMode, err = cbor.DecOptions{
		MaxByteStringLen: MaxFrameSize,
		// Unknown keys from newer clients are ignored
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decode mode: %v", err))
	}
}

// EncodeMessage encodes a message as a CBOR map
func EncodeMessage(m *Message) ([]byte, error) {
	data, err := cbor.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// DecodeMessage decodes a CBOR-encoded message
func DecodeMessage(data []byte) (*Message, error) {
	m := &Message{}
	if err := decMode.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

// Validate checks the identity fields required for routing
func (m *Message) Validate() error {
	if m.UID == "" {
		return ErrMissingUID
	}
	if m.Channel == "" {
		return ErrMissingChannel
	}
	return nil
}
