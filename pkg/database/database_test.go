package database

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func TestSaveAndLoadHistory(t *testing.T) {
	db, _ := openTestDB(t)

	large := bytes.Repeat([]byte("compressible "), 200)
	require.NoError(t, db.SaveHistory(1, [][]byte{[]byte("a"), []byte("b"), large}))
	require.NoError(t, db.SaveHistory(^uint64(0), [][]byte{[]byte("max key")}))

	histories, err := db.LoadHistories(10)
	require.NoError(t, err)

	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), large}, histories[1])
	assert.Equal(t, [][]byte{[]byte("max key")}, histories[^uint64(0)])
}

func TestSaveHistoryReplaces(t *testing.T) {
	db, _ := openTestDB(t)

	require.NoError(t, db.SaveHistory(7, [][]byte{[]byte("old1"), []byte("old2")}))
	require.NoError(t, db.SaveHistory(7, [][]byte{[]byte("new")}))

	n, err := db.CountEntries()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	histories, err := db.LoadHistories(10)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("new")}, histories[7])
}

func TestLoadHistoriesKeepsNewest(t *testing.T) {
	db, _ := openTestDB(t)

	var entries [][]byte
	for i := 0; i < 10; i++ {
		entries = append(entries, []byte(fmt.Sprint(i)))
	}
	require.NoError(t, db.SaveHistory(3, entries))

	histories, err := db.LoadHistories(4)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("6"), []byte("7"), []byte("8"), []byte("9")}, histories[3])
}

func TestLoadHistorySingleChannel(t *testing.T) {
	db, _ := openTestDB(t)

	var entries [][]byte
	for i := 0; i < 10; i++ {
		entries = append(entries, []byte{byte('0' + i)})
	}
	require.NoError(t, db.SaveHistory(3, entries))
	require.NoError(t, db.SaveHistory(4, [][]byte{[]byte("other")}))

	got, err := db.LoadHistory(3, 3)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("7"), []byte("8"), []byte("9")}, got)

	missing, err := db.LoadHistory(99, 3)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestSaveEmptyHistoryClearsChannel(t *testing.T) {
	db, _ := openTestDB(t)

	require.NoError(t, db.SaveHistory(3, [][]byte{[]byte("x")}))
	require.NoError(t, db.SaveHistory(3, nil))

	histories, err := db.LoadHistories(10)
	require.NoError(t, err)
	assert.Empty(t, histories)
}

func TestReopenKeepsHistory(t *testing.T) {
	db, path := openTestDB(t)
	require.NoError(t, db.SaveHistory(5, [][]byte{[]byte("persisted")}))
	require.NoError(t, db.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	histories, err := reopened.LoadHistories(10)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("persisted")}, histories[5])
}

func TestSchemaTooNew(t *testing.T) {
	db, path := openTestDB(t)
	_, err := db.writeConn.Exec("UPDATE SchemaVersion SET version = ?", SchemaVersion+1)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrSchemaTooNew)
}

func TestCompressPayload(t *testing.T) {
	t.Run("small payload stays raw", func(t *testing.T) {
		stored, flags := EncodePayload([]byte("short"))
		assert.Equal(t, uint8(0), flags)
		assert.Equal(t, []byte("short"), stored)
	})

	t.Run("repetitive payload is compressed", func(t *testing.T) {
		data := bytes.Repeat([]byte{'z'}, 4096)
		stored, flags := EncodePayload(data)
		assert.Equal(t, uint8(FlagCompressed), flags)
		assert.Less(t, len(stored), len(data))

		decoded, err := DecodePayload(stored, flags)
		require.NoError(t, err)
		assert.Equal(t, data, decoded)
	})

	t.Run("truncated compressed data", func(t *testing.T) {
		_, err := DecompressPayload([]byte{0, 0})
		assert.Equal(t, ErrInvalidCompressedLen, err)
	})

	t.Run("oversized length prefix", func(t *testing.T) {
		_, err := DecompressPayload([]byte{0xff, 0xff, 0xff, 0xff, 0})
		assert.Equal(t, ErrEntryTooLarge, err)
	})
}

// TestPayloadRoundTrip tests that any entry survives EncodePayload/DecodePayload
func TestPayloadRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		patternLen := rapid.IntRange(1, 50).Draw(t, "patternLen")
		pattern := rapid.SliceOfN(rapid.Byte(), patternLen, patternLen).Draw(t, "pattern")
		data := bytes.Repeat(pattern, rapid.IntRange(1, 100).Draw(t, "repeat"))

		stored, flags := EncodePayload(data)
		decoded, err := DecodePayload(stored, flags)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if !bytes.Equal(decoded, data) {
			t.Fatalf("payload mismatch")
		}
	})
}
