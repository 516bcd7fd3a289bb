package query

import (
	"encoding/json"
	"time"
)

// ActionRecord is one committed protocol call as served over the history API.
// The payload is the JSON outcome written at commit time.
type ActionRecord struct {
	Sequence       int64           `json:"sequence"`
	Kind           string          `json:"kind"`
	ActionID       string          `json:"action_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Validator      string          `json:"validator,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"ts"`
}

// HistoryPage is one page of action history, newest first. NextBefore feeds
// the before cursor of the next request; zero means the page reached the
// start of the log.
type HistoryPage struct {
	Actions      []ActionRecord `json:"actions"`
	NextBefore   int64          `json:"next_before,omitempty"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// IntegrityReport is the result of an action-log integrity check.
type IntegrityReport struct {
	IsHealthy      bool    `json:"is_healthy"`
	LatestSequence int64   `json:"latest_sequence"`
	TotalActions   int64   `json:"total_actions"`
	SequenceGaps   []int64 `json:"sequence_gaps,omitempty"`
}
