package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound reports a sequence with no committed action.
var ErrNotFound = errors.New("query: no action at sequence")

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Service serves read-only action history from the Postgres log. Live state
// queries go to the in-memory protocol; this covers everything that already
// committed.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// RecentActions returns a page of committed actions, newest first. A non-zero
// before excludes that sequence and everything after it.
func (s *Service) RecentActions(ctx context.Context, limit int, before int64) (*HistoryPage, error) {
	return s.page(ctx, `WHERE TRUE`, nil, limit, before)
}

// ActionsByValidator returns a page of one validator's actions, newest first.
func (s *Service) ActionsByValidator(ctx context.Context, validator string, limit int, before int64) (*HistoryPage, error) {
	return s.page(ctx, `WHERE validator = $1`, []interface{}{validator}, limit, before)
}

// ActionsByKind returns a page of actions of one kind, newest first.
func (s *Service) ActionsByKind(ctx context.Context, kind string, limit int, before int64) (*HistoryPage, error) {
	return s.page(ctx, `WHERE kind = $1`, []interface{}{kind}, limit, before)
}

// ActionBySequence returns the single action committed at a sequence.
func (s *Service) ActionBySequence(ctx context.Context, sequence int64) (*ActionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT sequence, kind, action_id, idempotency_key, validator, payload, state_hash, ts
		FROM usdn.actions
		WHERE sequence = $1
	`, sequence)

	rec, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, sequence)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// VerifyLog checks the action log for sequence gaps. The log is append-only
// with one row per protocol call, so any gap means a committed call never
// reached Postgres.
func (s *Service) VerifyLog(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{LatestSequence: -1}

	var latest, total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sequence), COUNT(*) FROM usdn.actions
	`).Scan(&latest, &total)
	if err != nil {
		return nil, err
	}
	if !latest.Valid {
		report.IsHealthy = true
		return report, nil
	}
	report.LatestSequence = latest.Int64
	report.TotalActions = total.Int64

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.sequence + 1
		FROM usdn.actions a
		LEFT JOIN usdn.actions b ON b.sequence = a.sequence + 1
		WHERE b.sequence IS NULL AND a.sequence < $1
		ORDER BY a.sequence
		LIMIT 10
	`, latest.Int64)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var gap int64
		if err := rows.Scan(&gap); err != nil {
			return nil, err
		}
		report.SequenceGaps = append(report.SequenceGaps, gap)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.SequenceGaps) == 0
	return report, nil
}

func (s *Service) page(ctx context.Context, where string, args []interface{}, limit int, before int64) (*HistoryPage, error) {
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	argIdx := len(args) + 1
	query := `
		SELECT sequence, kind, action_id, idempotency_key, validator, payload, state_hash, ts
		FROM usdn.actions ` + where
	if before > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, before)
		argIdx++
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page := &HistoryPage{Actions: []ActionRecord{}}
	for rows.Next() {
		rec, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		page.Actions = append(page.Actions, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if n := len(page.Actions); n > 0 {
		page.AsOfSequence = page.Actions[0].Sequence
		if n == limit {
			page.NextBefore = page.Actions[n-1].Sequence
		}
	}
	return page, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row scanner) (*ActionRecord, error) {
	var (
		rec       ActionRecord
		validator sql.NullString
		hash      []byte
		ts        time.Time
	)
	err := row.Scan(
		&rec.Sequence, &rec.Kind, &rec.ActionID, &rec.IdempotencyKey,
		&validator, &rec.Payload, &hash, &ts,
	)
	if err != nil {
		return nil, err
	}
	if validator.Valid {
		rec.Validator = validator.String
	}
	rec.StateHash = hex.EncodeToString(hash)
	rec.Timestamp = ts.UTC()
	return &rec, nil
}
