package fixedpoint_test

import (
	"errors"
	"math/big"
	"testing"

	"UsdnLedger/internal/fixedpoint"

	"github.com/holiman/uint256"
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func TestMulDiv_Exact(t *testing.T) {
	got, err := fixedpoint.MulDiv(u(6), u(7), u(3), fixedpoint.RoundDown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 14 {
		t.Errorf("got %d, want 14", got.Uint64())
	}
}

func TestMulDiv_RoundingModes(t *testing.T) {
	// 7 * 1 / 2 = 3.5
	cases := []struct {
		rounding fixedpoint.Rounding
		want     uint64
	}{
		{fixedpoint.RoundDown, 3},
		{fixedpoint.RoundUp, 4},
		{fixedpoint.RoundNearest, 4},
	}
	for _, tc := range cases {
		got, err := fixedpoint.MulDiv(u(7), u(1), u(2), tc.rounding)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Uint64() != tc.want {
			t.Errorf("rounding %d: got %d, want %d", tc.rounding, got.Uint64(), tc.want)
		}
	}

	// 10 * 1 / 3 = 3.33: nearest rounds down
	got, err := fixedpoint.MulDiv(u(10), u(1), u(3), fixedpoint.RoundNearest)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 3 {
		t.Errorf("nearest of 10/3: got %d, want 3", got.Uint64())
	}
}

func TestMulDiv_DivideByZero(t *testing.T) {
	_, err := fixedpoint.MulDiv(u(1), u(1), u(0), fixedpoint.RoundDown)
	if !errors.Is(err, fixedpoint.ErrDivideByZero) {
		t.Errorf("got %v, want ErrDivideByZero", err)
	}
}

func TestMulDiv_Overflow(t *testing.T) {
	max := new(uint256.Int).SetAllOne()
	_, err := fixedpoint.MulDiv(max, u(2), u(1), fixedpoint.RoundDown)
	if !errors.Is(err, fixedpoint.ErrArithmeticOverflow) {
		t.Errorf("got %v, want ErrArithmeticOverflow", err)
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// max * max / max == max: the 512-bit intermediate must not wrap.
	max := new(uint256.Int).SetAllOne()
	got, err := fixedpoint.MulDiv(max, max, max, fixedpoint.RoundDown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Eq(max) {
		t.Errorf("got %s, want max uint256", got)
	}
}

func TestMulDivSigned_Signs(t *testing.T) {
	cases := []struct {
		a, b, d, want int64
	}{
		{6, 7, 3, 14},
		{-6, 7, 3, -14},
		{6, -7, 3, -14},
		{-6, -7, 3, 14},
		{6, 7, -3, -14},
	}
	for _, tc := range cases {
		got, err := fixedpoint.MulDivSigned(
			big.NewInt(tc.a), big.NewInt(tc.b), big.NewInt(tc.d), fixedpoint.RoundDown)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Int64() != tc.want {
			t.Errorf("%d*%d/%d: got %d, want %d", tc.a, tc.b, tc.d, got.Int64(), tc.want)
		}
	}
}

func TestMulDivSigned_RoundingOnMagnitude(t *testing.T) {
	// -7 / 2 = -3.5: RoundDown shrinks magnitude (-3), RoundUp grows it (-4).
	down, err := fixedpoint.MulDivSigned(big.NewInt(-7), big.NewInt(1), big.NewInt(2), fixedpoint.RoundDown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if down.Int64() != -3 {
		t.Errorf("round down: got %d, want -3", down.Int64())
	}

	up, err := fixedpoint.MulDivSigned(big.NewInt(-7), big.NewInt(1), big.NewInt(2), fixedpoint.RoundUp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if up.Int64() != -4 {
		t.Errorf("round up: got %d, want -4", up.Int64())
	}
}

func TestBpsMul(t *testing.T) {
	// 200 bps of 1_000_000 = 20_000
	got, err := fixedpoint.BpsMul(u(1_000_000), 200)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Uint64() != 20_000 {
		t.Errorf("got %d, want 20000", got.Uint64())
	}
}

func TestWadMulDiv_RoundTrip(t *testing.T) {
	a := new(uint256.Int).Mul(u(12345), fixedpoint.WadOne())
	b := new(uint256.Int).Mul(u(2), fixedpoint.WadOne())

	prod, err := fixedpoint.WadMul(a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	back, err := fixedpoint.WadDiv(prod, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !back.Eq(a) {
		t.Errorf("round trip: got %s, want %s", back, a)
	}
}

func TestUintFromSigned_Negative(t *testing.T) {
	_, err := fixedpoint.UintFromSigned(big.NewInt(-1))
	if !errors.Is(err, fixedpoint.ErrArithmeticOverflow) {
		t.Errorf("got %v, want ErrArithmeticOverflow", err)
	}
}
