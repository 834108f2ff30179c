// Package hub implements the in-memory broadcast hub: a single goroutine
// owning every session registration and channel history.
package hub

import (
	"context"
	"errors"
	"io"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultHistoryLimit    = 1000
	DefaultEventQueue      = 1024
	DefaultMaxIdleChannels = 4096
)

var (
	ErrStopped = errors.New("hub stopped")
)

// Drop reasons reported through Metrics
const (
	DropQueueFull = "queue_full"
	DropUplink    = "uplink"
)

// Key identifies a registered session
type Key struct {
	Session uint64 // Hash of uid and channel
	Channel uint64 // Hash of channel
}

// Event is a message to the hub goroutine
type Event interface {
	event()
}

// Init registers a session. The hub acks on Ack once registered, or
// immediately if the key is already registered. The ack is dropped when Ack
// is nil or has no room.
type Init struct {
	Key          Key
	UID          string
	Channel      string
	Outbound     chan<- []byte
	FirstMessage []byte
	Ack          chan<- Key
}

// Msg broadcasts Message to the other sessions of the same channel
type Msg struct {
	Key     Key
	Message []byte

	// FromUplink marks messages that arrived from the backend; they are not
	// sent back to it
	FromUplink bool
	Channel    string // Channel name, only needed with FromUplink
}

// Logoff removes a registration
type Logoff struct {
	Key Key
}

// statsRequest asks the hub goroutine for a Stats snapshot
type statsRequest struct {
	reply chan Stats
}

func (Init) event()         {}
func (Msg) event()          {}
func (Logoff) event()       {}
func (statsRequest) event() {}

// Stats is a point-in-time view of the hub
type Stats struct {
	Sessions       int
	Channels       int
	HistoryEntries int
}

// Uplink mirrors channel traffic to the backend
type Uplink interface {
	Send(channel, uid string, payload []byte) error
}

// HistoryStore persists channel histories across restarts
type HistoryStore interface {
	LoadHistories(limit int) (map[uint64][][]byte, error)
	LoadHistory(channelKey uint64, limit int) ([][]byte, error)
	SaveHistory(channelKey uint64, entries [][]byte) error
}

// Metrics receives hub events
type Metrics interface {
	RecordActiveSessions(count int)
	RecordBroadcast(recipients int)
	RecordHistoryReplay(entries int)
	RecordDrop(reason string)
}

// Config holds hub settings
type Config struct {
	HistoryLimit     int
	EventQueue       int
	Uplink           Uplink
	Store            HistoryStore
	SnapshotInterval time.Duration
	MaxIdleChannels  int // Channels kept in memory without members
	Metrics          Metrics
	ErrorLog         *log.Logger
	DebugLog         *log.Logger
}

// DefaultConfig returns a hub config with default limits
func DefaultConfig() Config {
	return Config{
		HistoryLimit:    DefaultHistoryLimit,
		EventQueue:      DefaultEventQueue,
		MaxIdleChannels: DefaultMaxIdleChannels,
	}
}

type session struct {
	uid string
	out chan<- []byte
}

type channelState struct {
	name     string
	sessions map[uint64]*session
	history  *History
	dirty    bool
	lastUsed uint64
}

// Hub routes messages between sessions of the same channel
type Hub struct {
	cfg    Config
	events chan Event
	done   chan struct{}

	// Owned by the Run goroutine
	channels map[uint64]*channelState
	sessions int
	clock    uint64

	saving atomic.Bool
	saveWg sync.WaitGroup
}

// New creates a hub. Run must be started before any other method is used.
func New(cfg Config) *Hub {
	if cfg.EventQueue <= 0 {
		cfg.EventQueue = DefaultEventQueue
	}
	if cfg.MaxIdleChannels <= 0 {
		cfg.MaxIdleChannels = DefaultMaxIdleChannels
	}
	if cfg.ErrorLog == nil {
		cfg.ErrorLog = log.New(io.Discard, "", 0)
	}
	if cfg.DebugLog == nil {
		cfg.DebugLog = log.New(io.Discard, "", 0)
	}
	return &Hub{
		cfg:      cfg,
		events:   make(chan Event, cfg.EventQueue),
		done:     make(chan struct{}),
		channels: make(map[uint64]*channelState),
	}
}

// Run processes events until ctx is cancelled. Histories are persisted a
// final time before it returns.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	h.load()

	var tick <-chan time.Time
	if h.cfg.Store != nil && h.cfg.SnapshotInterval > 0 {
		ticker := time.NewTicker(h.cfg.SnapshotInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			h.saveWg.Wait()
			h.persist(h.collectDirty())
			return nil
		case ev := <-h.events:
			h.handle(ev)
		case <-tick:
			h.snapshot()
		}
	}
}

// Done is closed when Run has returned
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Send queues an event for the hub goroutine
func (h *Hub) Send(ctx context.Context, ev Event) error {
	select {
	case h.events <- ev:
		return nil
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join registers a session and waits for the acknowledgement
func (h *Hub) Join(ctx context.Context, init Init) (Key, error) {
	ack := make(chan Key, 1)
	init.Ack = ack
	if err := h.Send(ctx, init); err != nil {
		return Key{}, err
	}

	select {
	case k := <-ack:
		return k, nil
	case <-h.done:
		return Key{}, ErrStopped
	case <-ctx.Done():
		return Key{}, ctx.Err()
	}
}

// Publish broadcasts a session's message
func (h *Hub) Publish(ctx context.Context, key Key, message []byte) error {
	return h.Send(ctx, Msg{Key: key, Message: message})
}

// Leave removes a session's registration
func (h *Hub) Leave(ctx context.Context, key Key) error {
	return h.Send(ctx, Logoff{Key: key})
}

// DeliverFromUplink injects a message that arrived from the backend for the
// named channel. It never blocks.
func (h *Hub) DeliverFromUplink(channelKey uint64, channel string, message []byte) {
	select {
	case h.events <- Msg{Key: Key{Channel: channelKey}, Message: message, FromUplink: true, Channel: channel}:
	default:
		h.recordDrop(DropQueueFull)
	}
}

// Stats returns current session and history counts
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := h.Send(ctx, statsRequest{reply: reply}); err != nil {
		return Stats{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-h.done:
		return Stats{}, ErrStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}

func (h *Hub) handle(ev Event) {
	switch e := ev.(type) {
	case Init:
		h.handleInit(e)
	case Msg:
		h.handleMsg(e)
	case Logoff:
		h.handleLogoff(e)
	case statsRequest:
		e.reply <- h.stats()
	}
}

func (h *Hub) newChannel(key uint64) *channelState {
	ch := &channelState{
		sessions: make(map[uint64]*session),
		history:  NewHistory(h.cfg.HistoryLimit),
	}
	h.channels[key] = ch
	return ch
}

// channel returns the state for key, reading an evicted channel's history
// back from the store
func (h *Hub) channel(key uint64, name string) *channelState {
	ch, ok := h.channels[key]
	if !ok {
		ch = h.newChannel(key)
		h.restore(key, ch)
	}
	if ch.name == "" {
		ch.name = name
	}
	h.touch(ch)
	return ch
}

func (h *Hub) touch(ch *channelState) {
	h.clock++
	ch.lastUsed = h.clock
}

func (h *Hub) restore(key uint64, ch *channelState) {
	if h.cfg.Store == nil || ch.history.Limit() == 0 {
		return
	}
	entries, err := h.cfg.Store.LoadHistory(key, ch.history.Limit())
	if err != nil {
		h.cfg.ErrorLog.Printf("Failed to load history for channel %x: %v", key, err)
		return
	}
	for _, entry := range entries {
		ch.history.Append(entry)
	}
}

// ack never blocks the hub goroutine
func ack(e Init) {
	if e.Ack == nil {
		return
	}
	select {
	case e.Ack <- e.Key:
	default:
	}
}

func (h *Hub) handleInit(e Init) {
	ch := h.channel(e.Key.Channel, e.Channel)

	if _, ok := ch.sessions[e.Key.Session]; ok {
		h.cfg.DebugLog.Printf("[hub] duplicate init for session %x", e.Key.Session)
		ack(e)
		return
	}

	// Existing members learn about the newcomer first
	h.broadcast(ch, e.FirstMessage, 0, false)

	ch.sessions[e.Key.Session] = &session{uid: e.UID, out: e.Outbound}
	h.sessions++
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.RecordActiveSessions(h.sessions)
	}
	ack(e)

	replayed := 0
	for _, entry := range ch.history.Entries() {
		if h.deliver(e.Outbound, entry) {
			replayed++
		}
	}
	if h.cfg.Metrics != nil && replayed > 0 {
		h.cfg.Metrics.RecordHistoryReplay(replayed)
	}

	h.appendHistory(ch, e.FirstMessage)
	h.sendUplink(ch, e.UID, e.FirstMessage)

	h.cfg.DebugLog.Printf("[hub] +session %q on %q (replayed %d, members %d)", e.UID, e.Channel, replayed, len(ch.sessions))
}

func (h *Hub) handleMsg(e Msg) {
	ch := h.channel(e.Key.Channel, e.Channel)

	var uid string
	if !e.FromUplink {
		s, ok := ch.sessions[e.Key.Session]
		if !ok {
			h.cfg.DebugLog.Printf("[hub] message from unregistered session %x", e.Key.Session)
			return
		}
		uid = s.uid
	}

	h.broadcast(ch, e.Message, e.Key.Session, !e.FromUplink)
	h.appendHistory(ch, e.Message)

	if !e.FromUplink {
		h.sendUplink(ch, uid, e.Message)
	}
}

func (h *Hub) handleLogoff(e Logoff) {
	ch, ok := h.channels[e.Key.Channel]
	if !ok {
		return
	}
	if _, ok := ch.sessions[e.Key.Session]; !ok {
		return
	}
	delete(ch.sessions, e.Key.Session)
	h.sessions--
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.RecordActiveSessions(h.sessions)
	}
	h.touch(ch)
	h.cfg.DebugLog.Printf("[hub] -session %x on %q (members %d)", e.Key.Session, ch.name, len(ch.sessions))

	if len(ch.sessions) == 0 {
		h.trimIdle()
	}
}

// trimIdle evicts the least recently used channels without members until at
// most MaxIdleChannels remain. Unsaved history is written first when a store
// is configured.
func (h *Hub) trimIdle() {
	type idleChannel struct {
		key uint64
		ch  *channelState
	}
	var idle []idleChannel
	for key, ch := range h.channels {
		if len(ch.sessions) == 0 {
			idle = append(idle, idleChannel{key, ch})
		}
	}
	excess := len(idle) - h.cfg.MaxIdleChannels
	if excess <= 0 {
		return
	}
	sort.Slice(idle, func(i, j int) bool { return idle[i].ch.lastUsed < idle[j].ch.lastUsed })

	if h.cfg.Store != nil {
		// An evicted channel is read back from the store, which must not lag
		// behind a snapshot still being written
		h.saveWg.Wait()
	}
	for _, c := range idle[:excess] {
		if c.ch.dirty && h.cfg.Store != nil {
			h.persist(map[uint64][][]byte{c.key: c.ch.history.Entries()})
		}
		delete(h.channels, c.key)
	}
	h.cfg.DebugLog.Printf("[hub] evicted %d idle channels", excess)
}

// dropPersisted evicts channels without members whose history is already in
// the store. Must only run while no snapshot is being written.
func (h *Hub) dropPersisted() {
	dropped := 0
	for key, ch := range h.channels {
		if len(ch.sessions) == 0 && !ch.dirty {
			delete(h.channels, key)
			dropped++
		}
	}
	if dropped > 0 {
		h.cfg.DebugLog.Printf("[hub] released %d persisted idle channels", dropped)
	}
}

// broadcast sends message to every session of ch, skipping exclude when
// skip is set
func (h *Hub) broadcast(ch *channelState, message []byte, exclude uint64, skip bool) {
	if len(message) == 0 {
		return
	}
	recipients := 0
	for id, s := range ch.sessions {
		if skip && id == exclude {
			continue
		}
		if h.deliver(s.out, message) {
			recipients++
		}
	}
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.RecordBroadcast(recipients)
	}
}

// deliver is a non-blocking send; a full queue drops the message
func (h *Hub) deliver(out chan<- []byte, message []byte) bool {
	select {
	case out <- message:
		return true
	default:
		h.recordDrop(DropQueueFull)
		return false
	}
}

func (h *Hub) appendHistory(ch *channelState, message []byte) {
	if len(message) == 0 || ch.history.Limit() == 0 {
		return
	}
	ch.history.Append(message)
	ch.dirty = true
}

func (h *Hub) sendUplink(ch *channelState, uid string, message []byte) {
	if h.cfg.Uplink == nil || len(message) == 0 || ch.name == "" {
		return
	}
	if err := h.cfg.Uplink.Send(ch.name, uid, message); err != nil {
		h.cfg.DebugLog.Printf("[hub] uplink send for %q failed: %v", ch.name, err)
		h.recordDrop(DropUplink)
	}
}

func (h *Hub) stats() Stats {
	s := Stats{Sessions: h.sessions, Channels: len(h.channels)}
	for _, ch := range h.channels {
		s.HistoryEntries += ch.history.Len()
	}
	return s
}

func (h *Hub) recordDrop(reason string) {
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.RecordDrop(reason)
	}
}

func (h *Hub) load() {
	if h.cfg.Store == nil || h.cfg.HistoryLimit <= 0 {
		return
	}
	histories, err := h.cfg.Store.LoadHistories(h.cfg.HistoryLimit)
	if err != nil {
		h.cfg.ErrorLog.Printf("Failed to load channel histories: %v", err)
		return
	}
	total := 0
	for key, entries := range histories {
		ch := h.newChannel(key)
		for _, entry := range entries {
			ch.history.Append(entry)
		}
		total += len(entries)
	}
	log.Printf("Loaded %d history entries for %d channels", total, len(histories))
}

// collectDirty copies every modified history and clears the dirty flags
func (h *Hub) collectDirty() map[uint64][][]byte {
	dirty := make(map[uint64][][]byte)
	for key, ch := range h.channels {
		if ch.dirty {
			dirty[key] = ch.history.Entries()
			ch.dirty = false
		}
	}
	return dirty
}

// snapshot persists dirty histories in the background. A tick that arrives
// while the previous write is running is skipped.
func (h *Hub) snapshot() {
	if !h.saving.CompareAndSwap(false, true) {
		return
	}
	h.dropPersisted()
	dirty := h.collectDirty()
	if len(dirty) == 0 {
		h.saving.Store(false)
		return
	}

	h.saveWg.Add(1)
	go func() {
		defer h.saveWg.Done()
		defer h.saving.Store(false)
		h.persist(dirty)
	}()
}

func (h *Hub) persist(dirty map[uint64][][]byte) {
	if h.cfg.Store == nil {
		return
	}
	for key, entries := range dirty {
		if err := h.cfg.Store.SaveHistory(key, entries); err != nil {
			h.cfg.ErrorLog.Printf("Failed to save history for channel %x: %v", key, err)
		}
	}
}
