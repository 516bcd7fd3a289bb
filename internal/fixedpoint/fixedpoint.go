package fixedpoint

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

// Every value the protocol accounts for is an integer with a fixed number of
// decimals. Asset amounts, prices and total exposure use 18 decimals ("wad"),
// ratios use basis points. Intermediate products are computed on big.Int so
// they never wrap; a result that does not fit back into 256 bits is a hard
// ErrArithmeticOverflow, never a silent truncation.
const (
	// WadDecimals is the precision of asset-denominated values.
	WadDecimals = 18

	// BpsDivisor is the denominator for basis-point ratios.
	BpsDivisor = 10_000
)

var (
	ErrArithmeticOverflow = errors.New("fixedpoint: arithmetic overflow")
	ErrDivideByZero       = errors.New("fixedpoint: division by zero")
)

// Rounding selects how MulDiv treats a non-zero remainder.
type Rounding int

const (
	RoundDown Rounding = iota
	RoundUp
	RoundNearest
)

var (
	wadOne     = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(WadDecimals))
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	minInt256  = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 255))
	maxInt256  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))
)

// WadOne returns 10^18 as a fresh uint256.
func WadOne() *uint256.Int {
	return new(uint256.Int).Set(wadOne)
}

// MulDiv computes a * b / denom without intermediate overflow.
// The full 512-bit product is kept on a big.Int, the quotient is rounded per
// the rounding mode, and the result must fit into 256 bits.
func MulDiv(a, b, denom *uint256.Int, rounding Rounding) (*uint256.Int, error) {
	if denom.IsZero() {
		return nil, ErrDivideByZero
	}

	num := new(big.Int).Mul(a.ToBig(), b.ToBig())
	den := denom.ToBig()

	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	applyRounding(quo, rem, den, rounding)

	if quo.Cmp(maxUint256) > 0 {
		return nil, ErrArithmeticOverflow
	}

	out, overflow := uint256.FromBig(quo)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}

// MulDivSigned is MulDiv over signed 256-bit values. Inputs are not mutated.
// Rounding on negative quotients is symmetric: RoundDown truncates toward
// zero magnitude-wise is NOT what we want for ledger math, so rounding is
// applied to the magnitude (RoundDown shrinks the absolute value, RoundUp
// grows it).
func MulDivSigned(a, b, denom *big.Int, rounding Rounding) (*big.Int, error) {
	if denom.Sign() == 0 {
		return nil, ErrDivideByZero
	}

	num := new(big.Int).Mul(a, b)
	negative := (num.Sign() < 0) != (denom.Sign() < 0)

	absNum := new(big.Int).Abs(num)
	absDen := new(big.Int).Abs(denom)

	quo, rem := new(big.Int).QuoRem(absNum, absDen, new(big.Int))
	applyRounding(quo, rem, absDen, rounding)

	if negative {
		quo.Neg(quo)
	}

	if quo.Cmp(minInt256) < 0 || quo.Cmp(maxInt256) > 0 {
		return nil, ErrArithmeticOverflow
	}
	return quo, nil
}

func applyRounding(quo, rem, den *big.Int, rounding Rounding) {
	if rem.Sign() == 0 {
		return
	}
	switch rounding {
	case RoundUp:
		quo.Add(quo, big.NewInt(1))
	case RoundNearest:
		double := new(big.Int).Lsh(rem, 1)
		if double.Cmp(den) >= 0 {
			quo.Add(quo, big.NewInt(1))
		}
	}
}

// BpsMul applies a basis-point ratio to an amount, rounding down.
func BpsMul(amount *uint256.Int, bps uint64) (*uint256.Int, error) {
	return MulDiv(amount, uint256.NewInt(bps), uint256.NewInt(BpsDivisor), RoundDown)
}

// WadMul computes a * b / 10^18 rounding down.
func WadMul(a, b *uint256.Int) (*uint256.Int, error) {
	return MulDiv(a, b, wadOne, RoundDown)
}

// WadDiv computes a * 10^18 / b rounding down.
func WadDiv(a, b *uint256.Int) (*uint256.Int, error) {
	return MulDiv(a, wadOne, b, RoundDown)
}

// SignedFromUint converts a uint256 into a fresh signed big.Int.
func SignedFromUint(v *uint256.Int) *big.Int {
	return v.ToBig()
}

// UintFromSigned converts a non-negative big.Int into a uint256.
// Negative values and values wider than 256 bits are overflow errors.
func UintFromSigned(v *big.Int) (*uint256.Int, error) {
	if v.Sign() < 0 {
		return nil, ErrArithmeticOverflow
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, ErrArithmeticOverflow
	}
	return out, nil
}
