package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotStore persists full-state snapshots so a restart can skip replaying
// the whole action log. The payload is opaque JSON produced by the protocol;
// the store only keys it by sequence and hash tip.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save upserts the snapshot for a sequence.
func (s *SnapshotStore) Save(ctx context.Context, sequence int64, stateHash, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usdn.snapshots (snapshot_id, sequence, state_hash, data, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence) DO UPDATE SET state_hash = $3, data = $4, size_bytes = $5
	`, uuid.New(), sequence, stateHash, data, len(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save snapshot seq %d: %w", sequence, err)
	}
	return nil
}

// LoadLatest returns the most recent snapshot payload and its sequence. A nil
// payload with no error means the store is empty (cold start).
func (s *SnapshotStore) LoadLatest(ctx context.Context) (data []byte, sequence int64, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT data, sequence FROM usdn.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`)
	if err := row.Scan(&data, &sequence); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("load snapshot: %w", err)
	}
	return data, sequence, nil
}

// Prune drops all snapshots older than the given sequence, keeping the most
// recent one regardless.
func (s *SnapshotStore) Prune(ctx context.Context, beforeSequence int64) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM usdn.snapshots
		WHERE sequence < $1
		  AND sequence <> (SELECT MAX(sequence) FROM usdn.snapshots)
	`, beforeSequence)
	return err
}
