package hub

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(3)
	for i := 1; i <= 5; i++ {
		h.Append([]byte(fmt.Sprint(i)))
	}

	assert.Equal(t, 3, h.Len())
	assert.Equal(t, [][]byte{[]byte("3"), []byte("4"), []byte("5")}, h.Entries())
}

func TestHistoryDisabled(t *testing.T) {
	h := NewHistory(0)
	h.Append([]byte("x"))
	assert.Equal(t, 0, h.Len())
	assert.Empty(t, h.Entries())

	assert.Equal(t, 0, NewHistory(-5).Limit())
}

// TestHistoryBounds tests that the history never exceeds its limit and
// always holds the newest entries in insertion order
func TestHistoryBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 50).Draw(t, "limit")
		count := rapid.IntRange(0, 200).Draw(t, "count")

		h := NewHistory(limit)
		for i := 0; i < count; i++ {
			h.Append([]byte(fmt.Sprint(i)))
			if h.Len() > limit {
				t.Fatalf("len %d exceeds limit %d", h.Len(), limit)
			}
		}

		entries := h.Entries()
		first := count - len(entries)
		for i, e := range entries {
			if string(e) != fmt.Sprint(first+i) {
				t.Fatalf("entry %d = %s, want %d", i, e, first+i)
			}
		}
		if count >= limit && len(entries) != limit {
			t.Fatalf("history holds %d entries, want %d", len(entries), limit)
		}
	})
}
