package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"vehicle-flow-monitor/internal/models"
)

// ErrInvalidPayload is returned when an entry payload is not JSON at all
var ErrInvalidPayload = errors.New("payload is not valid JSON")

// Database is the SQLite-backed feed store. It holds the raw entries the
// detectors push, keyed like the realtime feed, and hands them out as full
// snapshots.
type Database struct {
	conn *sql.DB
	now  func() time.Time
}

// Revision identifies the state of the store. It changes on every insert,
// overwrite or delete.
type Revision struct {
	Count   int64 `json:"count"`
	LastSeq int64 `json:"last_seq"` // highest sequence ever allocated
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	// Enable WAL mode and other optimizations via connection string
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_busy_timeout=5000", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1) // SQLite works best with single writer
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn, now: func() time.Time { return time.Now().UTC() }}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates tables and indexes
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL UNIQUE,
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_created_at ON entries(created_at);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

// NewKey returns a time-ordered entry key, so lexical key order is arrival order
func NewKey() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return id.String(), nil
}

// InsertEntry stores one entry, replacing any entry with the same key.
// An empty key is generated. Seq, Key and CreatedAt are filled in on e.
func (db *Database) InsertEntry(e *models.StoredEntry) error {
	if !json.Valid(e.Payload) {
		return ErrInvalidPayload
	}
	if e.Key == "" {
		key, err := NewKey()
		if err != nil {
			return err
		}
		e.Key = key
	}
	e.CreatedAt = db.now()

	result, err := db.conn.Exec(
		`INSERT OR REPLACE INTO entries (key, payload, created_at) VALUES (?, ?, ?)`,
		e.Key, string(e.Payload), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert entry %q: %w", e.Key, err)
	}

	seq, _ := result.LastInsertId()
	e.Seq = seq
	return nil
}

// InsertEntries stores entries in one transaction. Entries without a key get
// a generated one, in slice order.
func (db *Database) InsertEntries(entries []models.StoredEntry) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO entries (key, payload, created_at) VALUES (?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := db.now()
	var count int64
	for i := range entries {
		e := &entries[i]
		if !json.Valid(e.Payload) {
			return count, fmt.Errorf("entry %d: %w", i, ErrInvalidPayload)
		}
		if e.Key == "" {
			if e.Key, err = NewKey(); err != nil {
				return count, err
			}
		}
		e.CreatedAt = now
		result, err := stmt.Exec(e.Key, string(e.Payload), e.CreatedAt)
		if err != nil {
			return count, fmt.Errorf("failed to insert entry %q: %w", e.Key, err)
		}
		e.Seq, _ = result.LastInsertId()
		count++
	}

	return count, tx.Commit()
}

// InsertSnapshot stores every entry of a raw snapshot under its own key
func (db *Database) InsertSnapshot(snapshot models.RawSnapshot) (int64, error) {
	entries := make([]models.StoredEntry, 0, len(snapshot))
	for _, key := range snapshot.Keys() {
		entries = append(entries, models.StoredEntry{Key: key, Payload: snapshot[key]})
	}
	return db.InsertEntries(entries)
}

// Snapshot returns every stored entry as one raw feed snapshot together with
// the revision it reflects
func (db *Database) Snapshot() (models.RawSnapshot, Revision, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, Revision{}, err
	}
	defer tx.Rollback()

	rev, err := revision(tx)
	if err != nil {
		return nil, Revision{}, err
	}

	rows, err := tx.Query(`SELECT key, payload FROM entries`)
	if err != nil {
		return nil, Revision{}, err
	}
	defer rows.Close()

	snapshot := make(models.RawSnapshot, rev.Count)
	for rows.Next() {
		var key, payload string
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, Revision{}, err
		}
		snapshot[key] = json.RawMessage(payload)
	}
	if err := rows.Err(); err != nil {
		return nil, Revision{}, err
	}

	return snapshot, rev, tx.Commit()
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func revision(q queryRower) (Revision, error) {
	var rev Revision
	err := q.QueryRow(`
		SELECT COUNT(*), COALESCE((SELECT seq FROM sqlite_sequence WHERE name = 'entries'), 0)
		FROM entries
	`).Scan(&rev.Count, &rev.LastSeq)
	return rev, err
}

// Revision returns the current store revision without reading payloads
func (db *Database) Revision() (Revision, error) {
	return revision(db.conn)
}

// QueryEntries returns one page of stored entries in arrival order, or
// newest first when requested
func (db *Database) QueryEntries(q models.EntryQuery) ([]models.StoredEntry, error) {
	query := `SELECT seq, key, payload, created_at FROM entries`
	if q.NewestFirst {
		query += " ORDER BY seq DESC"
	} else {
		query += " ORDER BY seq ASC"
	}

	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	} else if q.Offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", q.Offset)
	}

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]models.StoredEntry, 0)
	for rows.Next() {
		var e models.StoredEntry
		var payload string
		if err := rows.Scan(&e.Seq, &e.Key, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		results = append(results, e)
	}

	return results, rows.Err()
}

// DeleteEntry removes one entry by key. It reports whether the key existed.
func (db *Database) DeleteEntry(key string) (bool, error) {
	result, err := db.conn.Exec(`DELETE FROM entries WHERE key = ?`, key)
	if err != nil {
		return false, err
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// Clear removes every entry. Sequence numbers keep growing afterwards.
func (db *Database) Clear() (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM entries`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetStats returns database statistics
func (db *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	rev, err := db.Revision()
	if err != nil {
		return nil, err
	}
	stats["total_entries"] = rev.Count
	stats["last_seq"] = rev.LastSeq

	if rev.Count > 0 {
		var oldest, newest string
		err := db.conn.QueryRow(`SELECT MIN(created_at), MAX(created_at) FROM entries`).Scan(&oldest, &newest)
		if err != nil {
			return nil, err
		}
		stats["oldest_entry"] = oldest
		stats["newest_entry"] = newest
	}

	return stats, nil
}
