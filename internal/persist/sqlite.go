package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/voltagent/voltagent/internal/state"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id TEXT PRIMARY KEY,
	taken_at DATETIME NOT NULL,
	version INTEGER NOT NULL,
	checksum INTEGER NOT NULL,
	payload TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_taken_at ON snapshots(taken_at);
`

// SQLiteStore persists state snapshots in a local SQLite database. It
// implements both state.Saver and state.Loader.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the snapshot database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot db: %w", err)
	}
	if _, err := db.Exec(snapshotSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply snapshot schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save writes a snapshot row. Saving the same snapshot id twice overwrites
// the earlier row, so retried persists are safe.
func (s *SQLiteStore) Save(ctx context.Context, snap state.Snapshot) error {
	payload, err := json.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, taken_at, version, checksum, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			taken_at = excluded.taken_at,
			version = excluded.version,
			checksum = excluded.checksum,
			payload = excluded.payload
	`, snap.ID, snap.Timestamp, snap.Version, snap.Checksum, string(payload))
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// Load returns the most recently taken snapshot, or nil when the table is
// empty.
func (s *SQLiteStore) Load(ctx context.Context) (*state.Snapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, taken_at, version, checksum, payload
		FROM snapshots
		ORDER BY taken_at DESC, version DESC
		LIMIT 1
	`)

	var snap state.Snapshot
	var payload string
	err := row.Scan(&snap.ID, &snap.Timestamp, &snap.Version, &snap.Checksum, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &snap.State); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot state: %w", err)
	}
	return &snap, nil
}

// Prune deletes all but the newest keep snapshots.
func (s *SQLiteStore) Prune(ctx context.Context, keep int) error {
	if keep < 0 {
		keep = 0
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY taken_at DESC, version DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return nil
}
