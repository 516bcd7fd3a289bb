package tickmath

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"

	"UsdnLedger/internal/fixedpoint"
)

// Ticks are geometric price buckets: moving one tick up multiplies the price
// by 1.0001, so every bucket is a constant 0.01% wide relative to its price.
// The conversion runs entirely on integers: powers of the base are kept in
// Q128.128 and assembled by exponentiation-by-squaring, and the inverse
// direction is a binary search over the (strictly monotonic) forward map.
// That construction makes PriceToTick(TickToPrice(t)) == t hold exactly.
const (
	// MinTick and MaxTick bound the usable range. The price at MaxTick fits
	// comfortably inside 256 bits. MinTick stops where adjacent ticks still
	// map to distinct integer wei prices: near tick -322,300 the wad price
	// drops to about 10^4 wei and buckets become narrower than one wei, so
	// the floor map stops being invertible below that.
	MinTick = -322_000
	MaxTick = 400_000
)

var (
	ErrInvalidTick     = errors.New("tickmath: tick outside usable bounds")
	ErrPriceOutOfRange = errors.New("tickmath: price outside representable range")
	ErrInvalidSpacing  = errors.New("tickmath: tick spacing must be positive")
)

var (
	q128 = new(big.Int).Lsh(big.NewInt(1), 128)

	// basePowers[i] holds 1.0001^(2^i) in Q128.128. MaxTick < 2^20 so twenty
	// entries cover every exponent bit.
	basePowers [20]*big.Int

	minPrice *uint256.Int
	maxPrice *uint256.Int
)

func init() {
	// 1.0001 in Q128.128, exact: (2^128 * 10001) / 10000.
	base := new(big.Int).Mul(q128, big.NewInt(10001))
	base.Quo(base, big.NewInt(10000))

	basePowers[0] = base
	for i := 1; i < len(basePowers); i++ {
		basePowers[i] = mulQ128(basePowers[i-1], basePowers[i-1])
	}

	minPrice = mustTickToPrice(MinTick)
	maxPrice = mustTickToPrice(MaxTick)
}

// mulQ128 multiplies two Q128.128 values, truncating the result.
func mulQ128(a, b *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Rsh(out, 128)
}

// ratioAt returns 1.0001^n in Q128.128 for n in [0, MaxTick].
func ratioAt(n int) *big.Int {
	out := new(big.Int).Set(q128)
	for i := 0; n != 0; i++ {
		if n&1 == 1 {
			out = mulQ128(out, basePowers[i])
		}
		n >>= 1
	}
	return out
}

// TickToPrice returns the wad price at the lower boundary of a tick.
func TickToPrice(tick int) (*uint256.Int, error) {
	if tick < MinTick || tick > MaxTick {
		return nil, ErrInvalidTick
	}

	wad := fixedpoint.WadOne().ToBig()

	var price *big.Int
	if tick >= 0 {
		// price = ratio * 10^18 >> 128
		price = new(big.Int).Mul(ratioAt(tick), wad)
		price.Rsh(price, 128)
	} else {
		// price = 10^18 << 128 / ratio
		price = new(big.Int).Lsh(wad, 128)
		price.Quo(price, ratioAt(-tick))
	}

	out, overflow := uint256.FromBig(price)
	if overflow {
		return nil, fixedpoint.ErrArithmeticOverflow
	}
	return out, nil
}

func mustTickToPrice(tick int) *uint256.Int {
	p, err := TickToPrice(tick)
	if err != nil {
		panic(err)
	}
	return p
}

// PriceToTick returns the highest tick whose price does not exceed the given
// wad price, i.e. floor(log_1.0001(price)).
func PriceToTick(price *uint256.Int) (int, error) {
	if price.Lt(minPrice) || price.Gt(maxPrice) {
		return 0, ErrPriceOutOfRange
	}

	lo, hi := MinTick, MaxTick
	for lo < hi {
		// Bias the midpoint up so the loop converges on the floor.
		mid := lo + (hi-lo+1)/2
		p, err := TickToPrice(mid)
		if err != nil {
			return 0, err
		}
		if p.Gt(price) {
			hi = mid - 1
		} else {
			lo = mid
		}
	}
	return lo, nil
}

// RoundTickToSpacing floors a tick to the nearest multiple of the spacing,
// toward negative infinity.
func RoundTickToSpacing(tick, spacing int) int {
	if spacing <= 1 {
		return tick
	}
	r := tick % spacing
	if r < 0 {
		r += spacing
	}
	return tick - r
}

// MinUsableTick is the lowest multiple of the spacing not below MinTick.
func MinUsableTick(spacing int) int {
	if spacing <= 1 {
		return MinTick
	}
	t := RoundTickToSpacing(MinTick, spacing)
	if t < MinTick {
		t += spacing
	}
	return t
}

// MaxUsableTick is the highest multiple of the spacing not above MaxTick.
func MaxUsableTick(spacing int) int {
	if spacing <= 1 {
		return MaxTick
	}
	return RoundTickToSpacing(MaxTick, spacing)
}

// PriceWithPenalty returns the effective liquidation price net of the
// liquidation penalty: price * (1 - penalty/10000), rounding down.
func PriceWithPenalty(price *uint256.Int, penaltyBps uint64) (*uint256.Int, error) {
	if penaltyBps >= fixedpoint.BpsDivisor {
		return nil, fixedpoint.ErrDivideByZero
	}
	return fixedpoint.BpsMul(price, fixedpoint.BpsDivisor-penaltyBps)
}

// TickForLiquidationPrice converts a desired liquidation price into the
// storage tick: the price bucket floor rounded down to the spacing.
func TickForLiquidationPrice(desiredPrice *uint256.Int, spacing int) (int, error) {
	if spacing <= 0 {
		return 0, ErrInvalidSpacing
	}
	tick, err := PriceToTick(desiredPrice)
	if err != nil {
		return 0, err
	}
	tick = RoundTickToSpacing(tick, spacing)
	if tick < MinUsableTick(spacing) || tick > MaxUsableTick(spacing) {
		return 0, ErrInvalidTick
	}
	return tick, nil
}
