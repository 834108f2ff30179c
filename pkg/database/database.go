// Package database persists channel histories in SQLite so a restarted hub
// can replay them.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion is the current history schema version
const SchemaVersion = 1

var (
	// ErrSchemaTooNew indicates the database was written by a newer release.
	ErrSchemaTooNew = errors.New("database schema is newer than this binary supports")
)

// DB wraps the SQLite database connection
type DB struct {
	conn      *sql.DB // Read connection pool
	writeConn *sql.DB // Dedicated write connection (1 connection)
}

var pragmas = []struct {
	stmt string
	desc string
}{
	{"PRAGMA journal_mode = WAL", "enable WAL mode"},
	{"PRAGMA busy_timeout = 5000", "set busy timeout"},
	{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
}

func openConn(path string, maxOpen int) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxOpen)
	if maxOpen > 1 {
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.desc, err)
		}
	}
	return conn, nil
}

// Open opens the SQLite database at path and initializes the schema if needed
func Open(path string) (*DB, error) {
	conn, err := openConn(path, 4)
	if err != nil {
		return nil, err
	}

	writeConn, err := openConn(path, 1)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
	}

	if err := db.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes both connections
func (db *DB) Close() error {
	db.writeConn.Close()
	return db.conn.Close()
}

// initSchema creates all tables if they don't exist and checks the version
func (db *DB) initSchema() error {
	schema := `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS SchemaVersion (
	version INTEGER NOT NULL
);

-- Channel history, one row per retained message
CREATE TABLE IF NOT EXISTS History (
	channel_key INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	flags INTEGER NOT NULL DEFAULT 0,
	payload BLOB NOT NULL,
	PRIMARY KEY (channel_key, seq)
);
`
	if _, err := db.writeConn.Exec(schema); err != nil {
		return err
	}

	var version int
	err := db.writeConn.QueryRow("SELECT version FROM SchemaVersion LIMIT 1").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = db.writeConn.Exec("INSERT INTO SchemaVersion (version) VALUES (?)", SchemaVersion)
		return err
	case err != nil:
		return err
	case version > SchemaVersion:
		return fmt.Errorf("%w: %d > %d", ErrSchemaTooNew, version, SchemaVersion)
	}
	return nil
}

// SaveHistory replaces the stored history of a channel in one transaction
func (db *DB) SaveHistory(channelKey uint64, entries [][]byte) error {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM History WHERE channel_key = ?", int64(channelKey)); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO History (channel_key, seq, flags, payload) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for seq, entry := range entries {
		payload, flags := EncodePayload(entry)
		if _, err := stmt.Exec(int64(channelKey), seq, flags, payload); err != nil {
			return fmt.Errorf("insert entry %d: %w", seq, err)
		}
	}

	return tx.Commit()
}

// LoadHistories returns the newest limit entries of every stored channel,
// oldest first
func (db *DB) LoadHistories(limit int) (map[uint64][][]byte, error) {
	rows, err := db.conn.Query(`
		SELECT channel_key, flags, payload FROM (
			SELECT channel_key, seq, flags, payload,
				ROW_NUMBER() OVER (PARTITION BY channel_key ORDER BY seq DESC) AS rn
			FROM History
		)
		WHERE rn <= ?
		ORDER BY channel_key, seq ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	histories := make(map[uint64][][]byte)
	for rows.Next() {
		var (
			key     int64
			flags   uint8
			payload []byte
		)
		if err := rows.Scan(&key, &flags, &payload); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entry, err := DecodePayload(payload, flags)
		if err != nil {
			return nil, fmt.Errorf("channel %x: %w", uint64(key), err)
		}
		histories[uint64(key)] = append(histories[uint64(key)], entry)
	}
	return histories, rows.Err()
}

// LoadHistory returns the newest limit entries of one channel, oldest first
func (db *DB) LoadHistory(channelKey uint64, limit int) ([][]byte, error) {
	rows, err := db.conn.Query(`
		SELECT flags, payload FROM (
			SELECT seq, flags, payload FROM History
			WHERE channel_key = ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC`, int64(channelKey), limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries [][]byte
	for rows.Next() {
		var (
			flags   uint8
			payload []byte
		)
		if err := rows.Scan(&flags, &payload); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entry, err := DecodePayload(payload, flags)
		if err != nil {
			return nil, fmt.Errorf("channel %x: %w", channelKey, err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CountEntries returns the number of stored history rows
func (db *DB) CountEntries() (int, error) {
	var n int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM History").Scan(&n)
	return n, err
}
