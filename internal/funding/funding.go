package funding

import (
	"math/big"

	"github.com/holiman/uint256"

	"UsdnLedger/internal/fixedpoint"
)

// The funding rate transfers value between the long side and the vault side
// to pull their exposures back toward balance. The instantaneous rate is the
// signed relative imbalance divided by the scaling factor SF, expressed as a
// wad fraction per 24h, and is smoothed by an EMA before being applied.
// Accrual and PnL settlement happen in one atomic step per elapsed interval:
// calling it again with no elapsed time changes nothing.
const SecondsPerDay = 86_400

// Params are the accrual tunables.
type Params struct {
	// SF divides the imbalance when deriving the instantaneous rate, bounding
	// the rate's sensitivity. Wad-scaled; must be non-zero.
	SF *uint256.Int

	// EMAPeriod is the smoothing window in seconds. Zero short-circuits the
	// EMA to the instantaneous rate.
	EMAPeriod int64
}

// Accrual is the outcome of one funding/PnL step.
type Accrual struct {
	Elapsed int64

	// FundingAsset is the asset amount moving long -> vault when positive
	// (longs pay), vault -> long when negative.
	FundingAsset *big.Int

	// PnLAsset is the asset amount gained by the long side from the price
	// move since the last update (negative when price fell).
	PnLAsset *big.Int

	// NewEMA is the smoothed rate after this step, wad per day, signed.
	NewEMA *big.Int
}

// Imbalance returns the signed relative imbalance between the long trading
// exposure and the vault balance, wad-scaled: (long - vault) / max(long, vault).
func Imbalance(tradingExpo, vaultBalance *uint256.Int) *big.Int {
	long := tradingExpo.ToBig()
	vault := vaultBalance.ToBig()

	diff := new(big.Int).Sub(long, vault)
	if diff.Sign() == 0 {
		return big.NewInt(0)
	}

	denom := long
	if vault.Cmp(long) > 0 {
		denom = vault
	}
	if denom.Sign() == 0 {
		return big.NewInt(0)
	}

	out, err := fixedpoint.MulDivSigned(diff, fixedpoint.WadOne().ToBig(), denom, fixedpoint.RoundDown)
	if err != nil {
		// diff/denom is in [-1, 1] so the wad product cannot overflow.
		panic(err)
	}
	return out
}

// InstantaneousRate derives the unsmoothed funding rate from the imbalance:
// imbalance / SF, wad per day.
func InstantaneousRate(imbalanceWad *big.Int, sf *uint256.Int) (*big.Int, error) {
	return fixedpoint.MulDivSigned(imbalanceWad, fixedpoint.WadOne().ToBig(), sf.ToBig(), fixedpoint.RoundDown)
}

// UpdateEMA advances the smoothed rate: ema + (inst - ema) * elapsed / period.
// A zero period, or an elapsed interval covering the whole period, yields the
// instantaneous rate.
func UpdateEMA(prev, inst *big.Int, elapsed, period int64) *big.Int {
	if period <= 0 || elapsed >= period {
		return new(big.Int).Set(inst)
	}
	delta := new(big.Int).Sub(inst, prev)
	delta.Mul(delta, big.NewInt(elapsed))
	delta.Quo(delta, big.NewInt(period))
	return new(big.Int).Add(prev, delta)
}

// FundingAsset converts a rate into the asset amount exchanged over the
// elapsed interval: rate * tradingExpo * elapsed / 1 day.
func FundingAsset(rate *big.Int, tradingExpo *uint256.Int, elapsed int64) (*big.Int, error) {
	perDay, err := fixedpoint.MulDivSigned(rate, tradingExpo.ToBig(), fixedpoint.WadOne().ToBig(), fixedpoint.RoundDown)
	if err != nil {
		return nil, err
	}
	return fixedpoint.MulDivSigned(perDay, big.NewInt(elapsed), big.NewInt(SecondsPerDay), fixedpoint.RoundDown)
}

// PnLAsset is the asset-denominated profit of the long side for a price move:
// tradingExpo * (newPrice - oldPrice) / newPrice.
func PnLAsset(tradingExpo, oldPrice, newPrice *uint256.Int) (*big.Int, error) {
	move := new(big.Int).Sub(newPrice.ToBig(), oldPrice.ToBig())
	return fixedpoint.MulDivSigned(tradingExpo.ToBig(), move, newPrice.ToBig(), fixedpoint.RoundDown)
}

// ComputeAccrual runs the whole step: EMA update, funding amount, PnL amount.
// It mutates nothing; the caller applies the deltas to the vault state.
func ComputeAccrual(
	tradingExpo *uint256.Int,
	vaultBalance *uint256.Int,
	lastPrice *uint256.Int,
	newPrice *uint256.Int,
	prevEMA *big.Int,
	elapsed int64,
	p Params,
) (*Accrual, error) {
	if elapsed <= 0 {
		return &Accrual{
			Elapsed:      0,
			FundingAsset: big.NewInt(0),
			PnLAsset:     big.NewInt(0),
			NewEMA:       new(big.Int).Set(prevEMA),
		}, nil
	}

	inst, err := InstantaneousRate(Imbalance(tradingExpo, vaultBalance), p.SF)
	if err != nil {
		return nil, err
	}
	ema := UpdateEMA(prevEMA, inst, elapsed, p.EMAPeriod)

	fundingAmt, err := FundingAsset(ema, tradingExpo, elapsed)
	if err != nil {
		return nil, err
	}

	pnl, err := PnLAsset(tradingExpo, lastPrice, newPrice)
	if err != nil {
		return nil, err
	}

	return &Accrual{
		Elapsed:      elapsed,
		FundingAsset: fundingAmt,
		PnLAsset:     pnl,
		NewEMA:       ema,
	}, nil
}
