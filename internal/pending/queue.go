package pending

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"UsdnLedger/internal/ledger"
)

var (
	ErrPendingActionActive = errors.New("pending: validator already has an active action")
	ErrNoPendingAction     = errors.New("pending: no action for validator")
	ErrActionKindMismatch  = errors.New("pending: action kind mismatch")
)

// Kind enumerates the two-phase action variants.
type Kind int

const (
	KindDeposit Kind = iota
	KindWithdrawal
	KindOpenPosition
	KindClosePosition
)

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindWithdrawal:
		return "withdrawal"
	case KindOpenPosition:
		return "open_position"
	case KindClosePosition:
		return "close_position"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Action is one in-flight initiate awaiting its validate. At most one exists
// per validator address at a time. The payload fields used depend on Kind.
type Action struct {
	Kind      Kind
	Validator ledger.Address
	To        ledger.Address
	Timestamp int64

	// SecurityDeposit is refunded to the validator on validation, whoever
	// submits it.
	SecurityDeposit *uint256.Int

	// Amount is the asset amount for deposits and open positions.
	Amount *uint256.Int

	// Shares is the USDN share amount for withdrawals.
	Shares *uint256.Int

	// Tick, TickVersion and Index reference the ledger slot for position
	// actions.
	Tick        int
	TickVersion uint64
	Index       int

	// EntryPrice and TotalExpo snapshot the provisional position for opens.
	EntryPrice *uint256.Int
	TotalExpo  *uint256.Int
}

// Queue holds the pending actions, keyed by validator, with insertion order
// preserved so stale actions are surfaced oldest first.
type Queue struct {
	byValidator map[ledger.Address]*Action
	order       []ledger.Address
}

func NewQueue() *Queue {
	return &Queue{byValidator: make(map[ledger.Address]*Action)}
}

func (q *Queue) Len() int { return len(q.order) }

// Push stores a new pending action. Fails if the validator already has one;
// the caller is expected to validate or evict the old action first.
func (q *Queue) Push(a *Action) error {
	if _, ok := q.byValidator[a.Validator]; ok {
		return fmt.Errorf("%w: %s", ErrPendingActionActive, a.Validator)
	}
	q.byValidator[a.Validator] = a
	q.order = append(q.order, a.Validator)
	return nil
}

// Get returns the validator's pending action without consuming it.
func (q *Queue) Get(validator ledger.Address) (*Action, error) {
	a, ok := q.byValidator[validator]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPendingAction, validator)
	}
	return a, nil
}

// Take removes and returns the validator's pending action, checking that it
// is of the expected kind. A kind mismatch leaves the action in place.
func (q *Queue) Take(validator ledger.Address, kind Kind) (*Action, error) {
	a, ok := q.byValidator[validator]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoPendingAction, validator)
	}
	if a.Kind != kind {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrActionKindMismatch, a.Kind, kind)
	}
	q.remove(validator)
	return a, nil
}

// Remove drops the validator's pending action regardless of kind.
func (q *Queue) Remove(validator ledger.Address) error {
	if _, ok := q.byValidator[validator]; !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingAction, validator)
	}
	q.remove(validator)
	return nil
}

func (q *Queue) remove(validator ledger.Address) {
	delete(q.byValidator, validator)
	for i, v := range q.order {
		if v == validator {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

// Stale returns the actions whose deadline has passed at now, oldest first,
// up to limit. They stay queued; callers validate or evict them explicitly.
func (q *Queue) Stale(now, deadline int64, limit int) []*Action {
	var out []*Action
	for _, v := range q.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		a := q.byValidator[v]
		if a.Timestamp+deadline < now {
			out = append(out, a)
		}
	}
	return out
}

// All returns every pending action in insertion order.
func (q *Queue) All() []*Action {
	out := make([]*Action, 0, len(q.order))
	for _, v := range q.order {
		out = append(out, q.byValidator[v])
	}
	return out
}
