package tickmath_test

import (
	"errors"
	"testing"

	"UsdnLedger/internal/fixedpoint"
	"UsdnLedger/internal/tickmath"

	"github.com/holiman/uint256"
)

func TestTickToPrice_TickZeroIsOne(t *testing.T) {
	p, err := tickmath.TickToPrice(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Eq(fixedpoint.WadOne()) {
		t.Errorf("price at tick 0: got %s, want 10^18", p)
	}
}

func TestTickToPrice_Monotonic(t *testing.T) {
	ticks := []int{tickmath.MinTick, -100_000, -5000, -1, 0, 1, 5000, 100_000, tickmath.MaxTick}
	for i := 1; i < len(ticks); i++ {
		lo, err := tickmath.TickToPrice(ticks[i-1])
		if err != nil {
			t.Fatalf("tick %d: %v", ticks[i-1], err)
		}
		hi, err := tickmath.TickToPrice(ticks[i])
		if err != nil {
			t.Fatalf("tick %d: %v", ticks[i], err)
		}
		if !lo.Lt(hi) {
			t.Errorf("price(%d)=%s not < price(%d)=%s", ticks[i-1], lo, ticks[i], hi)
		}
	}
}

func TestTickToPrice_OutOfBounds(t *testing.T) {
	for _, tick := range []int{tickmath.MinTick - 1, tickmath.MaxTick + 1} {
		_, err := tickmath.TickToPrice(tick)
		if !errors.Is(err, tickmath.ErrInvalidTick) {
			t.Errorf("tick %d: got %v, want ErrInvalidTick", tick, err)
		}
	}
}

func TestPriceToTick_RoundTrip(t *testing.T) {
	// priceToTick(tickToPrice(t)) == t for every valid t.
	ticks := []int{
		tickmath.MinTick, tickmath.MinTick + 1, -250_000, -100_001, -777, -100, -1,
		0, 1, 100, 777, 100_001, 250_000, tickmath.MaxTick - 1, tickmath.MaxTick,
	}
	for _, tick := range ticks {
		p, err := tickmath.TickToPrice(tick)
		if err != nil {
			t.Fatalf("tickToPrice(%d): %v", tick, err)
		}
		back, err := tickmath.PriceToTick(p)
		if err != nil {
			t.Fatalf("priceToTick(price(%d)): %v", tick, err)
		}
		if back != tick {
			t.Errorf("round trip: got %d, want %d", back, tick)
		}
	}
}

func TestPriceToTick_RoundTripNearMinTick(t *testing.T) {
	// The deepest ticks carry prices of only a few thousand wei. The bound is
	// chosen so even there adjacent ticks keep distinct prices and the floor
	// map stays invertible.
	prev, err := tickmath.TickToPrice(tickmath.MinTick)
	if err != nil {
		t.Fatalf("tickToPrice(%d): %v", tickmath.MinTick, err)
	}
	for tick := tickmath.MinTick; tick <= tickmath.MinTick+64; tick++ {
		p, err := tickmath.TickToPrice(tick)
		if err != nil {
			t.Fatalf("tickToPrice(%d): %v", tick, err)
		}
		if tick > tickmath.MinTick && !prev.Lt(p) {
			t.Fatalf("price(%d)=%s does not exceed price(%d)=%s", tick, p, tick-1, prev)
		}
		prev = p

		back, err := tickmath.PriceToTick(p)
		if err != nil {
			t.Fatalf("priceToTick(price(%d)): %v", tick, err)
		}
		if back != tick {
			t.Errorf("round trip: got %d, want %d", back, tick)
		}
	}
}

func TestPriceToTick_FloorsBetweenTicks(t *testing.T) {
	p, err := tickmath.TickToPrice(1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A price strictly inside the bucket maps to the bucket floor.
	inside := new(uint256.Int).AddUint64(p, 1)
	tick, err := tickmath.PriceToTick(inside)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tick != 1000 {
		t.Errorf("got %d, want 1000", tick)
	}
}

func TestPriceToTick_OutOfRange(t *testing.T) {
	_, err := tickmath.PriceToTick(uint256.NewInt(0))
	if !errors.Is(err, tickmath.ErrPriceOutOfRange) {
		t.Errorf("got %v, want ErrPriceOutOfRange", err)
	}
}

func TestRoundTickToSpacing(t *testing.T) {
	cases := []struct {
		tick, spacing, want int
	}{
		{105, 100, 100},
		{-105, 100, -200},
		{-100, 100, -100},
		{99, 100, 0},
		{7, 1, 7},
	}
	for _, tc := range cases {
		got := tickmath.RoundTickToSpacing(tc.tick, tc.spacing)
		if got != tc.want {
			t.Errorf("round(%d, %d): got %d, want %d", tc.tick, tc.spacing, got, tc.want)
		}
	}
}

func TestUsableTickBounds(t *testing.T) {
	min := tickmath.MinUsableTick(100)
	max := tickmath.MaxUsableTick(100)

	if min < tickmath.MinTick || min%100 != 0 {
		t.Errorf("min usable tick %d invalid", min)
	}
	if max > tickmath.MaxTick || max%100 != 0 {
		t.Errorf("max usable tick %d invalid", max)
	}

	// Spacing 3 divides neither bound: both must round inward.
	min3 := tickmath.MinUsableTick(3)
	max3 := tickmath.MaxUsableTick(3)
	if min3 < tickmath.MinTick || max3 > tickmath.MaxTick {
		t.Errorf("bounds %d/%d escape [%d, %d]", min3, max3, tickmath.MinTick, tickmath.MaxTick)
	}
	if min3%3 != 0 || max3%3 != 0 {
		t.Errorf("bounds %d/%d not multiples of 3", min3, max3)
	}
}

func TestPriceWithPenalty(t *testing.T) {
	price := new(uint256.Int).Mul(uint256.NewInt(2000), fixedpoint.WadOne())

	// 200 bps penalty: effective = 2000 * 0.98 = 1960
	got, err := tickmath.PriceWithPenalty(price, 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := new(uint256.Int).Mul(uint256.NewInt(1960), fixedpoint.WadOne())
	if !got.Eq(want) {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestTickForLiquidationPrice(t *testing.T) {
	price := new(uint256.Int).Mul(uint256.NewInt(1000), fixedpoint.WadOne())

	tick, err := tickmath.TickForLiquidationPrice(price, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tick%100 != 0 {
		t.Errorf("tick %d not aligned to spacing", tick)
	}

	// The tick bucket must contain or sit below the requested price.
	bucket, err := tickmath.TickToPrice(tick)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bucket.Gt(price) {
		t.Errorf("bucket price %s above requested %s", bucket, price)
	}
}
