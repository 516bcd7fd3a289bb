package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"UsdnLedger/internal/ledger"
)

var (
	ErrUnknownSubject = errors.New("ingestion: no operation for subject")
	ErrMissingField   = errors.New("ingestion: missing required field")
)

// Op names one protocol entry point as carried on the wire.
type Op string

const (
	OpInitiateDeposit    Op = "initiate_deposit"
	OpValidateDeposit    Op = "validate_deposit"
	OpInitiateWithdrawal Op = "initiate_withdrawal"
	OpValidateWithdrawal Op = "validate_withdrawal"
	OpInitiateOpen       Op = "initiate_open"
	OpValidateOpen       Op = "validate_open"
	OpInitiateClose      Op = "initiate_close"
	OpValidateClose      Op = "validate_close"
	OpLiquidate          Op = "liquidate"
	OpSweepPending       Op = "sweep_pending"
)

// subjectOps maps the request subjects to operations. The subject carries the
// operation so a consumer can filter without parsing payloads.
var subjectOps = map[string]Op{
	"usdn.actions.deposit.initiate":    OpInitiateDeposit,
	"usdn.actions.deposit.validate":    OpValidateDeposit,
	"usdn.actions.withdrawal.initiate": OpInitiateWithdrawal,
	"usdn.actions.withdrawal.validate": OpValidateWithdrawal,
	"usdn.actions.open.initiate":       OpInitiateOpen,
	"usdn.actions.open.validate":       OpValidateOpen,
	"usdn.actions.close.initiate":      OpInitiateClose,
	"usdn.actions.close.validate":      OpValidateClose,
	"usdn.keeper.liquidate":            OpLiquidate,
	"usdn.keeper.sweep":                OpSweepPending,
}

// OpForSubject resolves the operation for a request subject.
func OpForSubject(subject string) (Op, error) {
	if op, ok := subjectOps[subject]; ok {
		return op, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownSubject, subject)
}

// Request is a parsed protocol request, ready for dispatch.
type Request struct {
	Op        Op
	RequestID uuid.UUID

	Validator ledger.Address
	To        ledger.Address

	Amount          *uint256.Int
	Shares          *uint256.Int
	DesiredLiqPrice *uint256.Int
	ExpoToClose     *uint256.Int
	SecurityDeposit *uint256.Int
	OracleFee       *uint256.Int

	Tick        int
	TickVersion uint64
	Index       int

	MaxActions int

	PriceBlob []byte
}

// IdempotencyKey is the dedup key for redelivered requests.
func (r *Request) IdempotencyKey() string { return r.RequestID.String() }

// requestJSON is the wire shape. Amounts are wad decimal strings; the price
// blob passes through opaque to the oracle middleware.
type requestJSON struct {
	RequestID       string          `json:"request_id"`
	Validator       string          `json:"validator"`
	To              string          `json:"to"`
	Amount          string          `json:"amount"`
	Shares          string          `json:"usdn_shares"`
	DesiredLiqPrice string          `json:"desired_liq_price"`
	ExpoToClose     string          `json:"expo_to_close"`
	SecurityDeposit string          `json:"security_deposit"`
	OracleFee       string          `json:"oracle_fee"`
	Tick            int             `json:"tick"`
	TickVersion     uint64          `json:"tick_version"`
	Index           int             `json:"index"`
	MaxActions      int             `json:"max_actions"`
	Price           json.RawMessage `json:"price"`
}

// ParseRequest converts a raw message into a typed request, validating the
// fields the operation needs.
func ParseRequest(raw RawRequest) (*Request, error) {
	op, err := OpForSubject(raw.Subject)
	if err != nil {
		return nil, err
	}

	var j requestJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return nil, fmt.Errorf("parse %s: %w", op, err)
	}

	req := &Request{
		Op:          op,
		Tick:        j.Tick,
		TickVersion: j.TickVersion,
		Index:       j.Index,
		MaxActions:  j.MaxActions,
		PriceBlob:   []byte(j.Price),
	}

	if req.RequestID, err = uuid.Parse(j.RequestID); err != nil {
		return nil, fmt.Errorf("parse request_id %q: %w", j.RequestID, err)
	}
	if len(req.PriceBlob) == 0 {
		return nil, fmt.Errorf("%w: price", ErrMissingField)
	}
	if req.OracleFee, err = optionalWad("oracle_fee", j.OracleFee); err != nil {
		return nil, err
	}

	// Keeper calls carry no validator or deposit.
	if op == OpLiquidate || op == OpSweepPending {
		if op == OpSweepPending && req.MaxActions < 1 {
			req.MaxActions = 1
		}
		return req, nil
	}

	if req.Validator, err = parseAddr("validator", j.Validator); err != nil {
		return nil, err
	}
	if req.SecurityDeposit, err = optionalWad("security_deposit", j.SecurityDeposit); err != nil {
		return nil, err
	}

	switch op {
	case OpInitiateDeposit:
		if req.To, err = parseAddr("to", j.To); err != nil {
			return nil, err
		}
		if req.Amount, err = requiredWad("amount", j.Amount); err != nil {
			return nil, err
		}
	case OpInitiateWithdrawal:
		if req.To, err = parseAddr("to", j.To); err != nil {
			return nil, err
		}
		if req.Shares, err = requiredWad("usdn_shares", j.Shares); err != nil {
			return nil, err
		}
	case OpInitiateOpen:
		if req.To, err = parseAddr("to", j.To); err != nil {
			return nil, err
		}
		if req.Amount, err = requiredWad("amount", j.Amount); err != nil {
			return nil, err
		}
		if req.DesiredLiqPrice, err = requiredWad("desired_liq_price", j.DesiredLiqPrice); err != nil {
			return nil, err
		}
	case OpInitiateClose:
		if req.To, err = parseAddr("to", j.To); err != nil {
			return nil, err
		}
		if req.ExpoToClose, err = requiredWad("expo_to_close", j.ExpoToClose); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func parseAddr(field, s string) (ledger.Address, error) {
	if s == "" {
		return ledger.Address{}, fmt.Errorf("%w: %s", ErrMissingField, field)
	}
	a, err := ledger.ParseAddress(s)
	if err != nil {
		return ledger.Address{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return a, nil
}

func requiredWad(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: %s", ErrMissingField, field)
	}
	v, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return v, nil
}

func optionalWad(field, s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	return requiredWad(field, s)
}
