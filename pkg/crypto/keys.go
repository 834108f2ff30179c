package crypto

import (
	"github.com/cespare/xxhash/v2"
	"golang.org/x/crypto/blake2s"
)

// componentSeparator terminates every hashed identity component so that
// ("ab","c") and ("a","bc") hash differently
var componentSeparator = []byte{0xff}

// ChannelKeys is the cipher material derived from a channel name
type ChannelKeys struct {
	StreamKey [KeySize]byte
	BlockKey  [KeySize]byte
}

// DeriveChannelKeys derives the stream key as BLAKE2s(channel)[:16] and the
// block key as BLAKE2s(BLAKE2s(channel))[:16].
func DeriveChannelKeys(channel string) ChannelKeys {
	first := blake2s.Sum256([]byte(channel))
	second := blake2s.Sum256(first[:])

	var keys ChannelKeys
	copy(keys.StreamKey[:], first[:KeySize])
	copy(keys.BlockKey[:], second[:KeySize])
	return keys
}

// DeriveRoutingKey hashes an ordered list of identity components into the
// 64-bit routing key carried in every frame header.
func DeriveRoutingKey(components ...string) uint64 {
	d := xxhash.New()
	for _, c := range components {
		_, _ = d.WriteString(c)
		_, _ = d.Write(componentSeparator)
	}
	return d.Sum64()
}

// DeriveChannelID selects the frame channel id from a routing key
func DeriveChannelID(routingKey uint64) uint32 {
	return uint32(routingKey)
}

// IdentityComponents builds the ordered component list for DeriveRoutingKey.
// A shared key replaces the address-based identity entirely.
func IdentityComponents(sharedKey, localAddr, addrSalt, uid, channel string) []string {
	components := make([]string, 0, 4)
	if sharedKey != "" {
		components = append(components, sharedKey)
	} else {
		components = append(components, localAddr)
		if addrSalt != "" {
			components = append(components, addrSalt)
		}
	}
	return append(components, uid, channel)
}

// SessionID identifies a (uid, channel) pair in the hub
func SessionID(uid, channel string) uint64 {
	return DeriveRoutingKey(uid, channel)
}

// ChannelKey identifies a channel in the hub
func ChannelKey(channel string) uint64 {
	return DeriveRoutingKey(channel)
}
