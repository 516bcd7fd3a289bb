package rewards

import (
	"github.com/holiman/uint256"

	"UsdnLedger/internal/fixedpoint"
	"UsdnLedger/internal/liquidation"
	"UsdnLedger/internal/rebalancer"
)

// ActionKind tags the entry point that ran the liquidation pass, letting the
// reward schedule price keeper-driven calls differently from user actions
// that liquidate incidentally.
type ActionKind int

const (
	ActionUser ActionKind = iota
	ActionKeeper
)

// Params is the reward schedule. Amounts are wad in the collateral asset,
// shares are basis points.
type Params struct {
	// BaseReward is paid for any pass that cleared at least one tick.
	BaseReward *uint256.Int

	// PerTickReward is paid once per cleared tick.
	PerTickReward *uint256.Int

	// SeizedShareBps is the liquidator's cut of positive seized collateral.
	SeizedShareBps uint64

	// RebaseBonus and RebalancerBonus compensate the extra work those
	// follow-ups add to the call.
	RebaseBonus     *uint256.Int
	RebalancerBonus *uint256.Int

	// MaxReward caps the total payout per pass. Zero means uncapped.
	MaxReward *uint256.Int
}

// Manager turns a liquidation outcome into the liquidator's payout. It is a
// pure function of its inputs; the vault pays the returned amount.
type Manager struct {
	params Params
}

func NewManager(params Params) *Manager {
	return &Manager{params: params}
}

// ComputeRewards prices one liquidation pass. Only ticks with positive seized
// collateral contribute to the proportional share; bad-debt ticks still earn
// the per-tick term since clearing them is work the protocol wants done.
func (m *Manager) ComputeRewards(
	ticks []liquidation.TickResult,
	currentPrice *uint256.Int,
	rebased bool,
	rebalancerAction rebalancer.Action,
	kind ActionKind,
) (*uint256.Int, error) {
	if len(ticks) == 0 {
		return new(uint256.Int), nil
	}

	// The base term compensates a keeper's dedicated call; a user action that
	// liquidates incidentally earns only the per-tick and share terms.
	total := new(uint256.Int)
	if kind == ActionKeeper {
		total.Set(m.params.BaseReward)
	}

	perTick, overflow := new(uint256.Int).MulOverflow(m.params.PerTickReward, uint256.NewInt(uint64(len(ticks))))
	if overflow {
		return nil, fixedpoint.ErrArithmeticOverflow
	}
	total.Add(total, perTick)

	if m.params.SeizedShareBps > 0 {
		seized := new(uint256.Int)
		for _, tr := range ticks {
			if tr.RemainingCollateral.Sign() > 0 {
				v, err := fixedpoint.UintFromSigned(tr.RemainingCollateral)
				if err != nil {
					return nil, err
				}
				seized.Add(seized, v)
			}
		}
		share, err := fixedpoint.BpsMul(seized, m.params.SeizedShareBps)
		if err != nil {
			return nil, err
		}
		total.Add(total, share)
	}

	if rebased && m.params.RebaseBonus != nil {
		total.Add(total, m.params.RebaseBonus)
	}
	if rebalancerAction != rebalancer.ActionNone && m.params.RebalancerBonus != nil {
		total.Add(total, m.params.RebalancerBonus)
	}

	if m.params.MaxReward != nil && !m.params.MaxReward.IsZero() && total.Gt(m.params.MaxReward) {
		total.Set(m.params.MaxReward)
	}
	return total, nil
}
