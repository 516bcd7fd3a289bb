package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ActionLogWriter appends committed protocol calls to Postgres. Writes use
// multi-row INSERT with a conflict guard on the sequence, so replaying the
// same batch after a crash is harmless.
type ActionLogWriter struct {
	db *sql.DB
}

// ActionRow is one committed protocol call in usdn.actions.
type ActionRow struct {
	Sequence       int64
	Kind           string
	ActionID       string
	IdempotencyKey string
	Validator      *string
	Payload        []byte // JSON outcome
	StateHash      []byte
	Timestamp      time.Time
}

func NewActionLogWriter(db *sql.DB) *ActionLogWriter {
	return &ActionLogWriter{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// WriteBatch inserts a batch of action rows. Pass a transaction to make the
// batch atomic with other writes; pass nil to write directly.
func (w *ActionLogWriter) WriteBatch(ctx context.Context, tx *sql.Tx, rows []ActionRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO usdn.actions
		(sequence, kind, action_id, idempotency_key, validator, payload, state_hash, ts)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*8)
	for i, r := range rows {
		base := i * 8
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8,
		))
		args = append(args,
			r.Sequence, r.Kind, r.ActionID, r.IdempotencyKey,
			r.Validator, r.Payload, r.StateHash, r.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	var ex execer = w.db
	if tx != nil {
		ex = tx
	}
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// LoadFrom reads action rows starting at a sequence, ascending, up to limit.
func (w *ActionLogWriter) LoadFrom(ctx context.Context, fromSequence int64, limit int) ([]ActionRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT sequence, kind, action_id, idempotency_key, validator, payload, state_hash, ts
		FROM usdn.actions
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActionRow
	for rows.Next() {
		var r ActionRow
		if err := rows.Scan(
			&r.Sequence, &r.Kind, &r.ActionID, &r.IdempotencyKey,
			&r.Validator, &r.Payload, &r.StateHash, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestSequence returns the highest committed sequence, or -1 on an empty log.
func (w *ActionLogWriter) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := w.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM usdn.actions`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
