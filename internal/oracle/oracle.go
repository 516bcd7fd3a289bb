package oracle

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

var (
	ErrNegativePrice   = errors.New("oracle: negative or zero price")
	ErrPriceTooOld     = errors.New("oracle: price outside the freshness window")
	ErrPriceTooEarly   = errors.New("oracle: price predates the required validation timestamp")
	ErrFeeMismatch     = errors.New("oracle: paid fee does not match the validation cost")
	ErrBadSignature    = errors.New("oracle: missing or malformed signature")
	ErrMalformedBlob   = errors.New("oracle: malformed price blob")
	ErrUnknownSource   = errors.New("oracle: unknown price source")
)

// Action identifies which protocol entry point is consuming the price. The
// initiation/validation split decides the temporal window, and the direction
// of the confidence adjustment depends on who the price favors.
type Action int

const (
	ActionNone Action = iota
	ActionInitiateDeposit
	ActionValidateDeposit
	ActionInitiateWithdrawal
	ActionValidateWithdrawal
	ActionInitiateOpen
	ActionValidateOpen
	ActionInitiateClose
	ActionValidateClose
	ActionLiquidation
)

// IsValidation reports whether the action is the second phase of a pair, in
// which case the price must be at or after the action's target timestamp.
func (a Action) IsValidation() bool {
	switch a {
	case ActionValidateDeposit, ActionValidateWithdrawal, ActionValidateOpen, ActionValidateClose:
		return true
	}
	return false
}

// Sample is one parsed price observation from a source, wad-scaled.
type Sample struct {
	Price     *uint256.Int
	Conf      *uint256.Int // confidence half-width, zero when the source has none
	Timestamp int64        // unix seconds
}

// PriceInfo is what the protocol consumes: the adjusted price used for the
// action, the unadjusted neutral price, and the observation timestamp.
type PriceInfo struct {
	Price        *uint256.Int
	NeutralPrice *uint256.Int
	Timestamp    int64
}

// Source parses and prices one oracle feed format. Adapters validate blob
// structure and recency inputs; signature verification beyond shape checks
// belongs to the upstream feed infrastructure.
type Source interface {
	Name() string
	Parse(blob []byte) (*Sample, error)

	// Fee is the per-update cost of using this source, in the collateral
	// asset, wad. On-chain reads cost nothing.
	Fee() *uint256.Int
}

// Middleware validates oracle prices against an action's temporal window and
// fee schedule. One instance serves the whole protocol; the source is fixed
// at construction per configuration.
type Middleware struct {
	source Source

	// maxAge bounds how far a sample may stray from the target timestamp.
	maxAge int64
}

func NewMiddleware(source Source, maxAge int64) *Middleware {
	return &Middleware{source: source, maxAge: maxAge}
}

func (m *Middleware) SourceName() string { return m.source.Name() }

// ValidationCost returns the exact fee the paired ParseAndValidatePrice call
// must be paid for this blob and action.
func (m *Middleware) ValidationCost(blob []byte, action Action) *uint256.Int {
	_ = blob
	if action == ActionNone {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(m.source.Fee())
}

// ParseAndValidatePrice parses the blob and checks it against the action's
// window around targetTimestamp. For initiations the sample must be within
// maxAge of the target; for validations it must additionally not predate the
// target (the initiation timestamp plus the validation delay).
func (m *Middleware) ParseAndValidatePrice(actionID string, targetTimestamp int64, action Action, blob []byte, paidFee *uint256.Int) (*PriceInfo, error) {
	cost := m.ValidationCost(blob, action)
	if paidFee == nil || !paidFee.Eq(cost) {
		return nil, fmt.Errorf("%w: paid %s, cost %s", ErrFeeMismatch, paidFee, cost)
	}

	s, err := m.source.Parse(blob)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", actionID, err)
	}
	if s.Price.IsZero() {
		return nil, fmt.Errorf("action %s: %w", actionID, ErrNegativePrice)
	}

	if action.IsValidation() && s.Timestamp < targetTimestamp {
		return nil, fmt.Errorf("%w: sample %d, target %d", ErrPriceTooEarly, s.Timestamp, targetTimestamp)
	}
	if s.Timestamp < targetTimestamp-m.maxAge || s.Timestamp > targetTimestamp+m.maxAge {
		return nil, fmt.Errorf("%w: sample %d, target %d, max age %d", ErrPriceTooOld, s.Timestamp, targetTimestamp, m.maxAge)
	}

	return &PriceInfo{
		Price:        adjustedPrice(s, action),
		NeutralPrice: new(uint256.Int).Set(s.Price),
		Timestamp:    s.Timestamp,
	}, nil
}

// adjustedPrice applies the confidence half-width against the requester.
// Deposits and closes pay the user from asset value, so they take the low
// bound; withdrawals and opens take the high bound.
func adjustedPrice(s *Sample, action Action) *uint256.Int {
	if s.Conf == nil || s.Conf.IsZero() {
		return new(uint256.Int).Set(s.Price)
	}
	switch action {
	case ActionInitiateDeposit, ActionValidateDeposit, ActionInitiateClose, ActionValidateClose:
		if s.Price.Lt(s.Conf) {
			return new(uint256.Int)
		}
		return new(uint256.Int).Sub(s.Price, s.Conf)
	case ActionInitiateWithdrawal, ActionValidateWithdrawal, ActionInitiateOpen, ActionValidateOpen:
		return new(uint256.Int).Add(s.Price, s.Conf)
	default:
		return new(uint256.Int).Set(s.Price)
	}
}
