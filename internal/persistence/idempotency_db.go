package persistence

import (
	"context"
	"database/sql"
	"time"
)

// DBDedup answers cold-path duplicate lookups against the action log, backing
// the in-memory LRU the ingestion layer consults first.
type DBDedup struct {
	db *sql.DB
}

func NewDBDedup(db *sql.DB) *DBDedup {
	return &DBDedup{db: db}
}

// IsDuplicate reports whether an action with this idempotency key was already
// committed.
func (d *DBDedup) IsDuplicate(kind string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var exists int
	err := d.db.QueryRowContext(ctx, `
		SELECT 1
		FROM usdn.actions
		WHERE kind = $1 AND idempotency_key = $2
		LIMIT 1
	`, kind, idempotencyKey).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns the newest composite dedup keys for LRU warming after a
// restart.
func (d *DBDedup) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT kind || ':' || idempotency_key
		FROM usdn.actions
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
