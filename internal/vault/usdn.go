package vault

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"UsdnLedger/internal/fixedpoint"
)

var (
	ErrInvalidDivisor      = errors.New("usdn: divisor must strictly decrease and stay above the minimum")
	ErrInsufficientSupply  = errors.New("usdn: burn exceeds supply")
)

// Usdn is the divisor-based share ledger of the stable token. Balances are
// shares / divisor; a rebase grows every balance at once by lowering the
// divisor. The divisor only ever decreases, down to MinDivisor.
type Usdn struct {
	divisor *uint256.Int
	shares  *uint256.Int
}

var (
	// MaxDivisor is the initial divisor (1 token == 10^18 shares).
	MaxDivisor = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(18))

	// MinDivisor floors the divisor so share precision never collapses.
	MinDivisor = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(9))
)

func NewUsdn() *Usdn {
	return &Usdn{
		divisor: new(uint256.Int).Set(MaxDivisor),
		shares:  new(uint256.Int),
	}
}

func (u *Usdn) Divisor() *uint256.Int { return new(uint256.Int).Set(u.divisor) }

func (u *Usdn) TotalShares() *uint256.Int { return new(uint256.Int).Set(u.shares) }

// TotalSupply is the token-denominated supply, rounding down.
func (u *Usdn) TotalSupply() *uint256.Int {
	return new(uint256.Int).Div(u.shares, u.divisor)
}

// TokensToShares converts a token amount into shares at the current divisor.
func (u *Usdn) TokensToShares(tokens *uint256.Int) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulOverflow(tokens, u.divisor)
	if overflow {
		return nil, fixedpoint.ErrArithmeticOverflow
	}
	return out, nil
}

// SharesToTokens converts shares into tokens, rounding down.
func (u *Usdn) SharesToTokens(shares *uint256.Int) *uint256.Int {
	return new(uint256.Int).Div(shares, u.divisor)
}

// Mint credits tokens to the supply, returning the share amount created.
func (u *Usdn) Mint(tokens *uint256.Int) (*uint256.Int, error) {
	sh, err := u.TokensToShares(tokens)
	if err != nil {
		return nil, err
	}
	newShares, overflow := new(uint256.Int).AddOverflow(u.shares, sh)
	if overflow {
		return nil, fixedpoint.ErrArithmeticOverflow
	}
	u.shares = newShares
	return sh, nil
}

// BurnShares removes shares from the supply.
func (u *Usdn) BurnShares(shares *uint256.Int) error {
	if u.shares.Lt(shares) {
		return fmt.Errorf("%w: %s > %s", ErrInsufficientSupply, shares, u.shares)
	}
	u.shares.Sub(u.shares, shares)
	return nil
}

// Price returns the value of one token in asset terms at the given asset
// price: vaultBalance * assetPrice / totalSupply, wad. An empty supply is
// reported at the 1:1 target.
func (u *Usdn) Price(vaultBalance, assetPrice *uint256.Int) (*uint256.Int, error) {
	supply := u.TotalSupply()
	if supply.IsZero() {
		return fixedpoint.WadOne(), nil
	}
	value, err := fixedpoint.WadMul(vaultBalance, assetPrice)
	if err != nil {
		return nil, err
	}
	// value and supply are both wad; rescale so the quotient stays wad.
	return fixedpoint.MulDiv(value, fixedpoint.WadOne(), supply, fixedpoint.RoundDown)
}

// Rebase lowers the divisor. Enforces strict monotonic decrease and the
// minimum bound.
func (u *Usdn) Rebase(newDivisor *uint256.Int) error {
	if !newDivisor.Lt(u.divisor) || newDivisor.Lt(MinDivisor) {
		return fmt.Errorf("%w: %s (current %s, min %s)", ErrInvalidDivisor, newDivisor, u.divisor, MinDivisor)
	}
	u.divisor.Set(newDivisor)
	return nil
}

// RebaseCheck decides whether the token price has drifted far enough above
// the target to rebase, and if so returns the divisor restoring the target
// price. thresholdWad and targetWad are wad prices (threshold > target).
func (u *Usdn) RebaseCheck(vaultBalance, assetPrice, thresholdWad, targetWad *uint256.Int) (*uint256.Int, bool, error) {
	price, err := u.Price(vaultBalance, assetPrice)
	if err != nil {
		return nil, false, err
	}
	if !price.Gt(thresholdWad) {
		return nil, false, nil
	}

	// newDivisor = divisor * target / price < divisor since price > target.
	newDivisor, err := fixedpoint.MulDiv(u.divisor, targetWad, price, fixedpoint.RoundDown)
	if err != nil {
		return nil, false, err
	}
	if newDivisor.Lt(MinDivisor) {
		newDivisor = new(uint256.Int).Set(MinDivisor)
	}
	if !newDivisor.Lt(u.divisor) {
		return nil, false, nil
	}
	return newDivisor, true, nil
}

// RestoreState installs divisor and shares verbatim from a snapshot.
func (u *Usdn) RestoreState(divisor, shares *uint256.Int) {
	u.divisor = new(uint256.Int).Set(divisor)
	u.shares = new(uint256.Int).Set(shares)
}
