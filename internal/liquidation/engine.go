package liquidation

import (
	"math/big"

	"github.com/holiman/uint256"

	"UsdnLedger/internal/fixedpoint"
	"UsdnLedger/internal/ledger"
	"UsdnLedger/internal/tickmath"
)

// TickResult captures the outcome of liquidating one tick, in the shape the
// rewards manager consumes.
type TickResult struct {
	Tick           int
	Version        uint64
	TotalPositions int
	TotalExpo      *uint256.Int

	// RemainingCollateral is the value seized from the tick at the current
	// price, signed. Negative means the price overshot the tick's effective
	// liquidation price and the tick left bad debt behind.
	RemainingCollateral *big.Int

	// TickPrice is the price of the tick itself (liquidation price including
	// the penalty margin).
	TickPrice *uint256.Int

	// PriceWithoutPenalty is the effective liquidation price, net of the
	// penalty: tickPrice * (1 - penalty/10000).
	PriceWithoutPenalty *uint256.Int
}

// Result aggregates one liquidation pass.
type Result struct {
	Ticks []TickResult

	LiquidatedPositions int
	TotalExpoRemoved    *uint256.Int

	// RemainingCollateral is the signed sum of the per-tick remainders. The
	// caller nets it against the vault balance.
	RemainingCollateral *big.Int

	// CapHit reports that the iteration bound stopped the walk with ticks
	// still underwater. A later pass resumes from the populated-tick set.
	CapHit bool
}

// Engine walks underwater ticks at the current price and clears them through
// the position store. It owns no state beyond its configuration; the store's
// populated-tick set is the resume point between bounded passes.
type Engine struct {
	store      *ledger.Store
	penaltyBps uint64
}

func NewEngine(store *ledger.Store, penaltyBps uint64) *Engine {
	return &Engine{store: store, penaltyBps: penaltyBps}
}

// Run liquidates every populated tick whose price the given oracle price has
// crossed, highest tick first, clearing at most maxIter ticks. Ticks left
// unprocessed when the cap is hit stay populated and are picked up by the
// next call.
func (e *Engine) Run(currentPrice *uint256.Int, maxIter int) (*Result, error) {
	res := &Result{
		TotalExpoRemoved:    new(uint256.Int),
		RemainingCollateral: big.NewInt(0),
	}
	if maxIter <= 0 {
		return res, nil
	}

	currentTick, err := tickmath.PriceToTick(currentPrice)
	if err != nil {
		return nil, err
	}

	// Ticks above the current tick have a liquidation price above the oracle
	// price, so every position in them is underwater.
	for _, tick := range e.store.PopulatedTicksAbove(currentTick) {
		if len(res.Ticks) >= maxIter {
			res.CapHit = true
			break
		}

		liq, err := e.store.LiquidateTick(tick)
		if err != nil {
			return nil, err
		}

		tr, err := e.tickResult(liq, currentPrice)
		if err != nil {
			return nil, err
		}

		res.Ticks = append(res.Ticks, tr)
		res.LiquidatedPositions += tr.TotalPositions
		res.TotalExpoRemoved.Add(res.TotalExpoRemoved, tr.TotalExpo)
		res.RemainingCollateral.Add(res.RemainingCollateral, tr.RemainingCollateral)
	}
	return res, nil
}

// tickResult values one cleared tick at the given price. The seized amount is
// expo - expo * effectivePrice / currentPrice: the tick's notional minus what
// the positions were still worth had they closed exactly at their effective
// liquidation price.
func (e *Engine) tickResult(liq *ledger.LiquidatedTick, currentPrice *uint256.Int) (TickResult, error) {
	tickPrice, err := tickmath.TickToPrice(liq.Tick)
	if err != nil {
		return TickResult{}, err
	}
	withoutPenalty, err := tickmath.PriceWithPenalty(tickPrice, e.penaltyBps)
	if err != nil {
		return TickResult{}, err
	}

	owed, err := fixedpoint.MulDiv(liq.TotalExpo, withoutPenalty, currentPrice, fixedpoint.RoundDown)
	if err != nil {
		return TickResult{}, err
	}
	remaining := new(big.Int).Sub(liq.TotalExpo.ToBig(), owed.ToBig())

	return TickResult{
		Tick:                liq.Tick,
		Version:             liq.Version,
		TotalPositions:      len(liq.Positions),
		TotalExpo:           new(uint256.Int).Set(liq.TotalExpo),
		RemainingCollateral: remaining,
		TickPrice:           tickPrice,
		PriceWithoutPenalty: withoutPenalty,
	}, nil
}
