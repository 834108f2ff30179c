package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	h := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	return h
}

type member struct {
	key Key
	out chan []byte
}

func join(t *testing.T, h *Hub, uid, channel string, sessionKey, channelKey uint64, first string) *member {
	t.Helper()
	m := &member{key: Key{Session: sessionKey, Channel: channelKey}, out: make(chan []byte, 64)}
	ack, err := h.Join(context.Background(), Init{
		Key:          m.key,
		UID:          uid,
		Channel:      channel,
		Outbound:     m.out,
		FirstMessage: []byte(first),
	})
	require.NoError(t, err)
	require.Equal(t, m.key, ack)
	return m
}

func expect(t *testing.T, m *member, want string) {
	t.Helper()
	select {
	case got := <-m.out:
		assert.Equal(t, want, string(got))
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func expectNothing(t *testing.T, m *member) {
	t.Helper()
	select {
	case got := <-m.out:
		t.Fatalf("unexpected message %q", got)
	default:
	}
}

// flush waits until every earlier event has been handled
func flush(t *testing.T, h *Hub) Stats {
	t.Helper()
	s, err := h.Stats(context.Background())
	require.NoError(t, err)
	return s
}

func TestFanOutExcludesSender(t *testing.T) {
	h := startHub(t, DefaultConfig())

	a := join(t, h, "alice", "lobby", 1, 100, "alice joined")
	b := join(t, h, "bob", "lobby", 2, 100, "bob joined")
	expect(t, a, "bob joined")
	expect(t, b, "alice joined") // history replay

	c := join(t, h, "carol", "lobby", 3, 100, "carol joined")
	expect(t, a, "carol joined")
	expect(t, b, "carol joined")
	expect(t, c, "alice joined")
	expect(t, c, "bob joined")

	require.NoError(t, h.Publish(context.Background(), a.key, []byte("hello")))
	flush(t, h)

	expect(t, b, "hello")
	expect(t, c, "hello")
	expectNothing(t, a)
}

func TestBroadcastScopedPerChannel(t *testing.T) {
	h := startHub(t, DefaultConfig())

	a := join(t, h, "alice", "lobby", 1, 100, "alice joined")
	x := join(t, h, "xavier", "other", 9, 200, "xavier joined")

	require.NoError(t, h.Publish(context.Background(), a.key, []byte("lobby only")))
	flush(t, h)

	expectNothing(t, x)
	expectNothing(t, a)
}

func TestHistoryReplayOrderAndLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistoryLimit = 3
	h := startHub(t, cfg)

	a := join(t, h, "alice", "lobby", 1, 100, "A1")
	for _, m := range []string{"A2", "A3", "A4"} {
		require.NoError(t, h.Publish(context.Background(), a.key, []byte(m)))
	}
	flush(t, h)

	b := join(t, h, "bob", "lobby", 2, 100, "B1")
	expect(t, b, "A2")
	expect(t, b, "A3")
	expect(t, b, "A4")
	expectNothing(t, b)

	s := flush(t, h)
	assert.Equal(t, 3, s.HistoryEntries)
}

func TestDuplicateInitAckedOnce(t *testing.T) {
	h := startHub(t, DefaultConfig())

	a := join(t, h, "alice", "lobby", 1, 100, "joined")
	join(t, h, "alice", "lobby", 1, 100, "joined again")

	s := flush(t, h)
	assert.Equal(t, 1, s.Sessions)
	assert.Equal(t, 1, s.HistoryEntries)
	expectNothing(t, a)
}

func TestLogoff(t *testing.T) {
	h := startHub(t, DefaultConfig())

	a := join(t, h, "alice", "lobby", 1, 100, "a")
	b := join(t, h, "bob", "lobby", 2, 100, "b")
	expect(t, a, "b")
	expect(t, b, "a")

	require.NoError(t, h.Leave(context.Background(), b.key))
	// Unknown keys are ignored
	require.NoError(t, h.Leave(context.Background(), Key{Session: 42, Channel: 4242}))

	require.NoError(t, h.Publish(context.Background(), a.key, []byte("anyone?")))
	s := flush(t, h)

	assert.Equal(t, 1, s.Sessions)
	expectNothing(t, b)
}

func TestFullQueueDoesNotBlockHub(t *testing.T) {
	h := startHub(t, DefaultConfig())

	slow := &member{key: Key{Session: 1, Channel: 100}, out: make(chan []byte)} // never drained
	_, err := h.Join(context.Background(), Init{Key: slow.key, UID: "slow", Channel: "lobby", Outbound: slow.out, FirstMessage: []byte("s")})
	require.NoError(t, err)

	fast := join(t, h, "fast", "lobby", 2, 100, "f")
	expect(t, fast, "s")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		require.NoError(t, h.Publish(ctx, fast.key, []byte("x")))
	}
	_, err = h.Stats(ctx)
	require.NoError(t, err)
}

func TestMessageFromUnregisteredSessionIgnored(t *testing.T) {
	h := startHub(t, DefaultConfig())
	a := join(t, h, "alice", "lobby", 1, 100, "a")

	require.NoError(t, h.Publish(context.Background(), Key{Session: 7, Channel: 100}, []byte("ghost")))
	s := flush(t, h)

	assert.Equal(t, 1, s.HistoryEntries)
	expectNothing(t, a)
}

type fakeUplink struct {
	mu   sync.Mutex
	sent []string
}

func (u *fakeUplink) Send(channel, uid string, payload []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sent = append(u.sent, channel+"/"+uid+"/"+string(payload))
	return nil
}

func (u *fakeUplink) Sent() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.sent...)
}

func TestUplinkMirroring(t *testing.T) {
	up := &fakeUplink{}
	cfg := DefaultConfig()
	cfg.Uplink = up
	h := startHub(t, cfg)

	a := join(t, h, "alice", "lobby", 1, 100, "hi")
	require.NoError(t, h.Publish(context.Background(), a.key, []byte("local")))

	h.DeliverFromUplink(100, "lobby", []byte("remote"))
	flush(t, h)

	// Backend traffic reaches every member, including the only one
	expect(t, a, "remote")
	// and is never echoed back upstream
	assert.Equal(t, []string{"lobby/alice/hi", "lobby/alice/local"}, up.Sent())

	b := join(t, h, "bob", "lobby", 2, 100, "bob")
	expect(t, a, "bob")
	expect(t, b, "hi")
	expect(t, b, "local")
	expect(t, b, "remote")
}

type memStore struct {
	mu   sync.Mutex
	data map[uint64][][]byte
}

func (s *memStore) LoadHistories(limit int) (map[uint64][][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64][][]byte)
	for k, v := range s.data {
		if len(v) > limit {
			v = v[len(v)-limit:]
		}
		out[k] = v
	}
	return out, nil
}

func (s *memStore) LoadHistory(channelKey uint64, limit int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.data[channelKey]
	if len(v) > limit {
		v = v[len(v)-limit:]
	}
	return v, nil
}

func (s *memStore) stored(channelKey uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data[channelKey])
}

func (s *memStore) SaveHistory(channelKey uint64, entries [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[channelKey] = entries
	return nil
}

func TestHistorySurvivesRestart(t *testing.T) {
	store := &memStore{data: make(map[uint64][][]byte)}
	cfg := DefaultConfig()
	cfg.Store = store

	h := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	a := join(t, h, "alice", "lobby", 1, 100, "first")
	require.NoError(t, h.Publish(context.Background(), a.key, []byte("second")))
	flush(t, h)

	cancel()
	<-h.Done()

	restarted := startHub(t, cfg)
	b := join(t, restarted, "bob", "lobby", 2, 100, "bob")
	expect(t, b, "first")
	expect(t, b, "second")
}

func TestSendAfterStop(t *testing.T) {
	h := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	cancel()
	<-h.Done()

	_, err := h.Join(context.Background(), Init{Key: Key{Session: 1, Channel: 1}, Outbound: make(chan []byte, 1)})
	// The event may be buffered before the stop is observed; either way no ack arrives
	assert.Error(t, err)
}

func TestInitWithoutAckReaderDoesNotBlockHub(t *testing.T) {
	h := startHub(t, DefaultConfig())
	ctx := context.Background()

	require.NoError(t, h.Send(ctx, Init{
		Key: Key{Session: 1, Channel: 1}, UID: "nil-ack", Channel: "lobby",
		Outbound: make(chan []byte, 4),
	}))
	require.NoError(t, h.Send(ctx, Init{
		Key: Key{Session: 2, Channel: 1}, UID: "unread-ack", Channel: "lobby",
		Outbound: make(chan []byte, 4), Ack: make(chan Key),
	}))

	statsCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	s, err := h.Stats(statsCtx)
	require.NoError(t, err, "hub stopped answering")
	assert.Equal(t, 2, s.Sessions)
}

func TestIdleChannelsEvictedLeastRecentlyUsed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIdleChannels = 2
	h := startHub(t, cfg)
	ctx := context.Background()

	for i, name := range []string{"a", "b", "c"} {
		m := join(t, h, "alice", name, uint64(i+1), uint64(100+i), "hello "+name)
		require.NoError(t, h.Leave(ctx, m.key))
	}
	s := flush(t, h)
	assert.Equal(t, 2, s.Channels)
	assert.Equal(t, 2, s.HistoryEntries)

	// "a" went first, so it lost its history
	a := join(t, h, "bob", "a", 10, 100, "bob")
	flush(t, h)
	expectNothing(t, a)
	c := join(t, h, "bob", "c", 11, 102, "bob")
	expect(t, c, "hello c")
}

func TestIdleChannelsReleasedAfterSnapshot(t *testing.T) {
	store := &memStore{data: make(map[uint64][][]byte)}
	cfg := DefaultConfig()
	cfg.Store = store
	cfg.SnapshotInterval = 10 * time.Millisecond
	h := startHub(t, cfg)
	ctx := context.Background()

	a := join(t, h, "alice", "lobby", 1, 100, "first")
	require.NoError(t, h.Publish(ctx, a.key, []byte("second")))
	require.NoError(t, h.Leave(ctx, a.key))

	require.Eventually(t, func() bool {
		s, err := h.Stats(ctx)
		return err == nil && store.stored(100) == 2 && s.Channels == 0
	}, 2*time.Second, 10*time.Millisecond)

	b := join(t, h, "bob", "lobby", 2, 100, "bob")
	expect(t, b, "first")
	expect(t, b, "second")
}
