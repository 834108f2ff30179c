package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidHandshake = errors.New("invalid handshake")

// Handshake is the first text message a hub-mode client sends: {"uid","channel"}
type Handshake struct {
	UID     string `json:"uid"`
	Channel string `json:"channel"`
}

// ParseHandshake decodes and validates a handshake message
func ParseHandshake(data []byte) (*Handshake, error) {
	var h Handshake
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	if h.UID == "" || h.Channel == "" {
		return nil, fmt.Errorf("%w: uid and channel are required", ErrInvalidHandshake)
	}
	return &h, nil
}

// Marshal returns the JSON form of the handshake
func (h *Handshake) Marshal() []byte {
	data, _ := json.Marshal(h)
	return data
}
