package vault

import (
	"math/big"

	"github.com/holiman/uint256"

	"UsdnLedger/internal/funding"
)

// State is the protocol-wide vault singleton: the collateral backing the
// stable token, the collateral backing the long side, and the timing/rate
// bookkeeping the accrual step needs. It is mutated by every action after
// accrual and never destroyed.
type State struct {
	// BalanceVault is the asset collateral backing USDN, wad.
	BalanceVault *uint256.Int

	// BalanceLong is the asset collateral held for open long positions, wad.
	BalanceLong *uint256.Int

	// LastPrice is the asset price at the last accrual, wad.
	LastPrice *uint256.Int

	// LastUpdateTs is the unix timestamp of the last accrual.
	LastUpdateTs int64

	// EMA is the smoothed funding rate, wad per day, signed.
	EMA *big.Int

	// BadDebt accumulates losses that could not be netted against either
	// balance. Tracked, never silently dropped.
	BadDebt *uint256.Int
}

func NewState(initialPrice *uint256.Int, ts int64) *State {
	return &State{
		BalanceVault: new(uint256.Int),
		BalanceLong:  new(uint256.Int),
		LastPrice:    new(uint256.Int).Set(initialPrice),
		LastUpdateTs: ts,
		EMA:          big.NewInt(0),
		BadDebt:      new(uint256.Int),
	}
}

// Clone deep-copies the state; used to roll a failed call back.
func (s *State) Clone() *State {
	return &State{
		BalanceVault: new(uint256.Int).Set(s.BalanceVault),
		BalanceLong:  new(uint256.Int).Set(s.BalanceLong),
		LastPrice:    new(uint256.Int).Set(s.LastPrice),
		LastUpdateTs: s.LastUpdateTs,
		EMA:          new(big.Int).Set(s.EMA),
		BadDebt:      new(uint256.Int).Set(s.BadDebt),
	}
}

// TradingExpo is the at-risk part of the long side: totalExpo - balanceLong,
// clamped at zero.
func (s *State) TradingExpo(totalExpo *uint256.Int) *uint256.Int {
	if totalExpo.Lt(s.BalanceLong) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(totalExpo, s.BalanceLong)
}

// ApplyAccrual settles one funding/PnL step against the two balances.
// The net transfer into the long side is pnl - funding; the sum of the two
// balances is conserved, and any side that would go negative is clamped at
// zero with the residual left on the other side.
func (s *State) ApplyAccrual(acc *funding.Accrual, newPrice *uint256.Int, nowTs int64) {
	if acc.Elapsed > 0 {
		transfer := new(big.Int).Sub(acc.PnLAsset, acc.FundingAsset)

		long := s.BalanceLong.ToBig()
		vaultBal := s.BalanceVault.ToBig()
		total := new(big.Int).Add(long, vaultBal)

		long.Add(long, transfer)
		if long.Sign() < 0 {
			long.SetInt64(0)
		}
		if long.Cmp(total) > 0 {
			long.Set(total)
		}
		vaultBal.Sub(total, long)

		s.BalanceLong.SetFromBig(long)
		s.BalanceVault.SetFromBig(vaultBal)
		s.EMA = acc.NewEMA
	}
	s.LastPrice.Set(newPrice)
	s.LastUpdateTs = nowTs
}

// AddVault credits the vault-side balance.
func (s *State) AddVault(amount *uint256.Int) {
	s.BalanceVault.Add(s.BalanceVault, amount)
}

// SubVault debits the vault-side balance, clamping at zero and moving any
// shortfall into BadDebt.
func (s *State) SubVault(amount *uint256.Int) {
	if s.BalanceVault.Lt(amount) {
		short := new(uint256.Int).Sub(amount, s.BalanceVault)
		s.BadDebt.Add(s.BadDebt, short)
		s.BalanceVault.Clear()
		return
	}
	s.BalanceVault.Sub(s.BalanceVault, amount)
}

// AddLong credits the long-side balance.
func (s *State) AddLong(amount *uint256.Int) {
	s.BalanceLong.Add(s.BalanceLong, amount)
}

// SubLong debits the long-side balance, clamping at zero and moving any
// shortfall into BadDebt.
func (s *State) SubLong(amount *uint256.Int) {
	if s.BalanceLong.Lt(amount) {
		short := new(uint256.Int).Sub(amount, s.BalanceLong)
		s.BadDebt.Add(s.BadDebt, short)
		s.BalanceLong.Clear()
		return
	}
	s.BalanceLong.Sub(s.BalanceLong, amount)
}

// TransferLongToVault moves collateral freed by liquidations. A negative
// amount (bad debt) debits the vault instead.
func (s *State) TransferLongToVault(amount *big.Int) {
	if amount.Sign() >= 0 {
		v, _ := uint256.FromBig(amount)
		s.SubLong(v)
		s.AddVault(v)
		return
	}
	v, _ := uint256.FromBig(new(big.Int).Neg(amount))
	s.SubVault(v)
}
