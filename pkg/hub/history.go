package hub

// History is a bounded FIFO of channel messages. Appending at capacity evicts
// the oldest entry. Not safe for concurrent use; the hub goroutine owns it.
type History struct {
	limit   int
	entries [][]byte
	start   int // index of the oldest entry once the ring is full
}

// NewHistory creates a history holding at most limit entries.
// A limit of zero or less disables history.
func NewHistory(limit int) *History {
	if limit < 0 {
		limit = 0
	}
	return &History{limit: limit}
}

// Append adds an entry, evicting the oldest one at capacity
func (h *History) Append(entry []byte) {
	if h.limit == 0 {
		return
	}
	if len(h.entries) < h.limit {
		h.entries = append(h.entries, entry)
		return
	}
	h.entries[h.start] = entry
	h.start = (h.start + 1) % h.limit
}

// Entries returns the entries oldest first
func (h *History) Entries() [][]byte {
	out := make([][]byte, 0, len(h.entries))
	out = append(out, h.entries[h.start:]...)
	return append(out, h.entries[:h.start]...)
}

// Len returns the number of stored entries
func (h *History) Len() int {
	return len(h.entries)
}

// Limit returns the capacity
func (h *History) Limit() int {
	return h.limit
}
