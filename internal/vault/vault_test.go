package vault_test

import (
	"errors"
	"math/big"
	"testing"

	"UsdnLedger/internal/fixedpoint"
	"UsdnLedger/internal/funding"
	"UsdnLedger/internal/vault"

	"github.com/holiman/uint256"
)

func wad(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fixedpoint.WadOne())
}

func TestApplyAccrual_ConservesTotal(t *testing.T) {
	s := vault.NewState(wad(2000), 1000)
	s.AddVault(wad(100))
	s.AddLong(wad(50))

	acc := &funding.Accrual{
		Elapsed:      60,
		FundingAsset: wad(3).ToBig(),               // long pays 3
		PnLAsset:     new(big.Int).Neg(wad(10).ToBig()), // long loses 10
		NewEMA:       big.NewInt(42),
	}
	s.ApplyAccrual(acc, wad(1900), 1060)

	if !s.BalanceLong.Eq(wad(37)) {
		t.Errorf("long: got %s, want %s", s.BalanceLong, wad(37))
	}
	if !s.BalanceVault.Eq(wad(113)) {
		t.Errorf("vault: got %s, want %s", s.BalanceVault, wad(113))
	}
	if s.EMA.Int64() != 42 {
		t.Errorf("ema: got %s, want 42", s.EMA)
	}
	if s.LastUpdateTs != 1060 {
		t.Errorf("ts: got %d, want 1060", s.LastUpdateTs)
	}
}

func TestApplyAccrual_ClampsAtZero(t *testing.T) {
	s := vault.NewState(wad(2000), 1000)
	s.AddVault(wad(100))
	s.AddLong(wad(5))

	// Long loses more than it holds: long clamps at zero, vault takes the rest.
	acc := &funding.Accrual{
		Elapsed:      60,
		FundingAsset: big.NewInt(0),
		PnLAsset:     new(big.Int).Neg(wad(20).ToBig()),
		NewEMA:       big.NewInt(0),
	}
	s.ApplyAccrual(acc, wad(1500), 1060)

	if !s.BalanceLong.IsZero() {
		t.Errorf("long: got %s, want 0", s.BalanceLong)
	}
	if !s.BalanceVault.Eq(wad(105)) {
		t.Errorf("vault: got %s, want %s (total conserved)", s.BalanceVault, wad(105))
	}
}

func TestSubVault_TracksBadDebt(t *testing.T) {
	s := vault.NewState(wad(2000), 1000)
	s.AddVault(wad(10))

	s.SubVault(wad(15))

	if !s.BalanceVault.IsZero() {
		t.Errorf("vault: got %s, want 0", s.BalanceVault)
	}
	if !s.BadDebt.Eq(wad(5)) {
		t.Errorf("bad debt: got %s, want %s", s.BadDebt, wad(5))
	}
}

func TestTradingExpo_Clamped(t *testing.T) {
	s := vault.NewState(wad(2000), 1000)
	s.AddLong(wad(50))

	if got := s.TradingExpo(wad(80)); !got.Eq(wad(30)) {
		t.Errorf("trading expo: got %s, want %s", got, wad(30))
	}
	if got := s.TradingExpo(wad(20)); !got.IsZero() {
		t.Errorf("trading expo below balance: got %s, want 0", got)
	}
}

func TestUsdn_MintAndConvert(t *testing.T) {
	u := vault.NewUsdn()

	sh, err := u.Mint(wad(100))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if !u.TotalSupply().Eq(wad(100)) {
		t.Errorf("supply: got %s, want %s", u.TotalSupply(), wad(100))
	}
	if !u.SharesToTokens(sh).Eq(wad(100)) {
		t.Errorf("shares round trip: got %s, want %s", u.SharesToTokens(sh), wad(100))
	}
}

func TestUsdn_RebaseGrowsBalances(t *testing.T) {
	u := vault.NewUsdn()
	sh, _ := u.Mint(wad(100))

	// Halving the divisor doubles every balance.
	half := new(uint256.Int).Div(vault.MaxDivisor, uint256.NewInt(2))
	if err := u.Rebase(half); err != nil {
		t.Fatalf("rebase: %v", err)
	}
	if !u.SharesToTokens(sh).Eq(wad(200)) {
		t.Errorf("after rebase: got %s, want %s", u.SharesToTokens(sh), wad(200))
	}
}

func TestUsdn_RebaseMonotonic(t *testing.T) {
	u := vault.NewUsdn()

	if err := u.Rebase(vault.MaxDivisor); !errors.Is(err, vault.ErrInvalidDivisor) {
		t.Errorf("equal divisor: got %v, want ErrInvalidDivisor", err)
	}
	bigger := new(uint256.Int).Mul(vault.MaxDivisor, uint256.NewInt(2))
	if err := u.Rebase(bigger); !errors.Is(err, vault.ErrInvalidDivisor) {
		t.Errorf("larger divisor: got %v, want ErrInvalidDivisor", err)
	}
	below := new(uint256.Int).Sub(vault.MinDivisor, uint256.NewInt(1))
	if err := u.Rebase(below); !errors.Is(err, vault.ErrInvalidDivisor) {
		t.Errorf("below minimum: got %v, want ErrInvalidDivisor", err)
	}
}

func TestUsdn_PriceIsWad(t *testing.T) {
	u := vault.NewUsdn()
	u.Mint(wad(200_000))

	// 100 assets at price 2000 back 200,000 tokens: one token is worth
	// exactly one asset unit, so the wad price is 10^18.
	price, err := u.Price(wad(100), wad(2000))
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !price.Eq(fixedpoint.WadOne()) {
		t.Errorf("token price: got %s, want %s", price, fixedpoint.WadOne())
	}

	// 110 assets at the same price: 1.1 per token.
	price, err = u.Price(wad(110), wad(2000))
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	want := new(uint256.Int).Div(wad(11), uint256.NewInt(10))
	if !price.Eq(want) {
		t.Errorf("token price: got %s, want %s", price, want)
	}

	// Empty supply reports the 1:1 target.
	empty := vault.NewUsdn()
	price, err = empty.Price(wad(100), wad(2000))
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if !price.Eq(fixedpoint.WadOne()) {
		t.Errorf("empty supply price: got %s, want %s", price, fixedpoint.WadOne())
	}
}

func TestUsdn_RebaseCheck(t *testing.T) {
	u := vault.NewUsdn()
	u.Mint(wad(100)) // supply 100 tokens

	threshold := new(uint256.Int).Add(fixedpoint.WadOne(), wad(1).Div(wad(1), uint256.NewInt(100))) // 1.01
	target := fixedpoint.WadOne()

	// Vault worth 100 assets at price 1: token price 1.0, no rebase.
	_, needed, err := u.RebaseCheck(wad(100), fixedpoint.WadOne(), threshold, target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if needed {
		t.Error("price at target: rebase not expected")
	}

	// Vault worth 110: token price 1.1 > threshold, rebase expected.
	newDivisor, needed, err := u.RebaseCheck(wad(110), fixedpoint.WadOne(), threshold, target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !needed {
		t.Fatal("price above threshold: rebase expected")
	}
	if !newDivisor.Lt(u.Divisor()) {
		t.Errorf("new divisor %s not below current %s", newDivisor, u.Divisor())
	}

	if err := u.Rebase(newDivisor); err != nil {
		t.Fatalf("rebase: %v", err)
	}
	// After the rebase the token price is back near the target.
	price, err := u.Price(wad(110), fixedpoint.WadOne())
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	diff := new(uint256.Int)
	if price.Gt(target) {
		diff.Sub(price, target)
	} else {
		diff.Sub(target, price)
	}
	tolerance := new(uint256.Int).Div(fixedpoint.WadOne(), uint256.NewInt(1000)) // 0.1%
	if diff.Gt(tolerance) {
		t.Errorf("post-rebase price %s not within 0.1%% of target", price)
	}
}

func TestUsdn_BurnShares(t *testing.T) {
	u := vault.NewUsdn()
	sh, _ := u.Mint(wad(10))

	if err := u.BurnShares(sh); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if !u.TotalSupply().IsZero() {
		t.Errorf("supply after burn: got %s, want 0", u.TotalSupply())
	}
	if err := u.BurnShares(uint256.NewInt(1)); !errors.Is(err, vault.ErrInsufficientSupply) {
		t.Errorf("over-burn: got %v, want ErrInsufficientSupply", err)
	}
}
