package recorder

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/agentkernel/internal/kernel/event"
)

// SQLiteIndex is an optional, rebuildable side-index over a recorded
// session log: it supports kind/time-range lookups by sequence number
// without scanning the jsonl file, the same write-once/read-many split
// the teacher's sqlite layer uses for its own tables.
type SQLiteIndex struct {
	db *sql.DB
}

const createIndexTableSQL = `
CREATE TABLE IF NOT EXISTS recorded_events (
	sequence  INTEGER PRIMARY KEY,
	kind      TEXT NOT NULL,
	source_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recorded_events_kind ON recorded_events(kind);
CREATE INDEX IF NOT EXISTS idx_recorded_events_timestamp ON recorded_events(timestamp);
`

// OpenSQLiteIndex opens (creating if absent) a SQLite index file at
// path, configured single-writer like the teacher's db.OpenSQLite.
func OpenSQLiteIndex(path string) (*SQLiteIndex, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("recorder: open index: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createIndexTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder: create index schema: %w", err)
	}
	return &SQLiteIndex{db: db}, nil
}

// Index records one event's position for later lookup. Call once per
// recorded event, in sequence order, while building the index from a
// Replayer's log.
func (s *SQLiteIndex) Index(re RecordedEvent) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO recorded_events (sequence, kind, source_id, timestamp) VALUES (?, ?, ?, ?)`,
		re.Sequence, string(re.Event.Kind), re.Event.SourceID, re.Timestamp.UnixMilli(),
	)
	return err
}

// SequencesByKind returns every recorded sequence number for kind, in
// ascending order.
func (s *SQLiteIndex) SequencesByKind(kind event.Kind) ([]uint64, error) {
	rows, err := s.db.Query(`SELECT sequence FROM recorded_events WHERE kind = ? ORDER BY sequence ASC`, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var seq uint64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

// SequencesInRange returns every recorded sequence number whose
// timestamp falls within [start, end], in ascending order.
func (s *SQLiteIndex) SequencesInRange(start, end time.Time) ([]uint64, error) {
	rows, err := s.db.Query(
		`SELECT sequence FROM recorded_events WHERE timestamp >= ? AND timestamp <= ? ORDER BY sequence ASC`,
		start.UnixMilli(), end.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var seq uint64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *SQLiteIndex) Close() error {
	return s.db.Close()
}
