package backend

import (
	"testing"
	"time"

	"github.com/mles-io/mles-websocket/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	channel string
	msg     *protocol.Message
}

func TestPoolOneLinkPerChannel(t *testing.T) {
	fb := newFakeBackend(t)
	got := make(chan delivery, 16)
	p := NewPool(Config{Address: fb.Addr()}, 8, func(channel string, msg *protocol.Message) {
		got <- delivery{channel, msg}
	})
	defer p.Close()

	require.NoError(t, p.Send("lobby", "alice", []byte("one")))
	require.NoError(t, p.Send("lobby", "bob", []byte("two")))
	require.NoError(t, p.Send("other", "carol", []byte("three")))

	for i := 0; i < 3; i++ {
		fb.nextFrame(t)
	}
	assert.Equal(t, 2, p.Len())

	seen := map[string][]string{}
	for i := 0; i < 3; i++ {
		select {
		case d := <-got:
			seen[d.channel] = append(seen[d.channel], string(d.msg.Message))
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for delivery")
		}
	}
	assert.Equal(t, []string{"one", "two"}, seen["lobby"])
	assert.Equal(t, []string{"three"}, seen["other"])
}

func TestPoolSendAfterClose(t *testing.T) {
	p := NewPool(Config{Address: "127.0.0.1:1"}, 1, func(string, *protocol.Message) {})
	p.Close()

	assert.ErrorIs(t, p.Send("lobby", "alice", []byte("x")), ErrPoolClosed)
}

func TestPoolDropsLinkOnDialFailure(t *testing.T) {
	p := NewPool(Config{Address: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond}, 1, func(string, *protocol.Message) {})
	defer p.Close()

	require.NoError(t, p.Send("lobby", "alice", []byte("x")))
	assert.Eventually(t, func() bool { return p.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
