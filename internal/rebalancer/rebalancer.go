package rebalancer

import (
	"context"
	"math/big"

	"github.com/holiman/uint256"

	"UsdnLedger/internal/fixedpoint"
)

// Action is the trigger decision reported after a liquidation pass. The
// protocol only decides and reports; the rebalancer collaborator does the
// position bookkeeping.
type Action int

const (
	ActionNone Action = iota
	ActionOpened
	ActionClosed
	ActionClosedOpened
)

func (a Action) String() string {
	switch a {
	case ActionOpened:
		return "opened"
	case ActionClosed:
		return "closed"
	case ActionClosedOpened:
		return "closed_opened"
	default:
		return "none"
	}
}

// Trigger is the collaborator the protocol signals into. Implementations open
// or close the subsidized rebalancing position through the regular two-phase
// entry points.
type Trigger interface {
	TriggerOpen(ctx context.Context, imbalanceBps int64) error
	TriggerClose(ctx context.Context, imbalanceBps int64) error
}

// Thresholds bound the tolerated protocol imbalance in basis points.
type Thresholds struct {
	// OpenBps fires an open when the long side exceeds the vault side by at
	// least this many bps of the vault balance.
	OpenBps int64

	// CloseBps fires a close when the vault side exceeds the long side by at
	// least this many bps of the vault balance.
	CloseBps int64
}

// ImbalanceBps is (longExpo - vaultBalance) / vaultBalance in basis points,
// signed. An empty vault with open long exposure saturates positive.
func ImbalanceBps(longExpo, vaultBalance *uint256.Int) int64 {
	if vaultBalance.IsZero() {
		if longExpo.IsZero() {
			return 0
		}
		return int64(fixedpoint.BpsDivisor) * fixedpoint.BpsDivisor
	}
	diff := new(big.Int).Sub(longExpo.ToBig(), vaultBalance.ToBig())
	diff.Mul(diff, big.NewInt(int64(fixedpoint.BpsDivisor)))
	diff.Quo(diff, vaultBalance.ToBig())
	if !diff.IsInt64() {
		if diff.Sign() > 0 {
			return int64(fixedpoint.BpsDivisor) * fixedpoint.BpsDivisor
		}
		return -int64(fixedpoint.BpsDivisor) * fixedpoint.BpsDivisor
	}
	return diff.Int64()
}

// Evaluate maps the current imbalance to a trigger decision.
func Evaluate(longExpo, vaultBalance *uint256.Int, th Thresholds) (Action, int64) {
	bps := ImbalanceBps(longExpo, vaultBalance)
	switch {
	case th.OpenBps > 0 && bps >= th.OpenBps:
		return ActionOpened, bps
	case th.CloseBps > 0 && bps <= -th.CloseBps:
		return ActionClosed, bps
	default:
		return ActionNone, bps
	}
}

// NopTrigger satisfies Trigger without an attached rebalancer.
type NopTrigger struct{}

func (NopTrigger) TriggerOpen(context.Context, int64) error  { return nil }
func (NopTrigger) TriggerClose(context.Context, int64) error { return nil }
