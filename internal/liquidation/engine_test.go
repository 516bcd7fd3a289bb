package liquidation_test

import (
	"math/big"
	"testing"

	"UsdnLedger/internal/fixedpoint"
	"UsdnLedger/internal/ledger"
	"UsdnLedger/internal/liquidation"
	"UsdnLedger/internal/tickmath"

	"github.com/holiman/uint256"
)

func wad(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fixedpoint.WadOne())
}

func openAt(t *testing.T, s *ledger.Store, tick int, collateral, expo uint64) {
	t.Helper()
	_, _, err := s.Open(tick, &ledger.Position{
		Owner:      ledger.Address{1},
		Collateral: wad(collateral),
		EntryPrice: wad(2000),
		TotalExpo:  wad(expo),
		Timestamp:  1000,
		Validated:  true,
	})
	if err != nil {
		t.Fatalf("open tick %d: %v", tick, err)
	}
}

func TestRun_NothingUnderwater(t *testing.T) {
	s := ledger.NewStore(100, uint256.NewInt(1))
	e := liquidation.NewEngine(s, 0)

	openAt(t, s, -1000, 10, 40)

	// Current price maps far above the populated tick.
	res, err := e.Run(wad(2000), 10)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Ticks) != 0 || res.CapHit {
		t.Errorf("got %d ticks, capHit=%v, want none", len(res.Ticks), res.CapHit)
	}
	if s.TickLen(-1000) != 1 {
		t.Error("position must survive a pass that clears nothing")
	}
}

func TestRun_SingleTickWithPenalty(t *testing.T) {
	const penaltyBps = 200
	s := ledger.NewStore(100, uint256.NewInt(1))
	e := liquidation.NewEngine(s, penaltyBps)

	// A tick well above the current price tick.
	tick := 5000
	openAt(t, s, tick, 10, 40)

	price := wad(1) // current tick 0, so tick 5000 is underwater
	res, err := e.Run(price, 10)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Ticks) != 1 {
		t.Fatalf("got %d ticks, want 1", len(res.Ticks))
	}
	tr := res.Ticks[0]

	if tr.Tick != tick || tr.TotalPositions != 1 {
		t.Errorf("tick result: got tick %d / %d positions", tr.Tick, tr.TotalPositions)
	}
	if !tr.TotalExpo.Eq(wad(40)) {
		t.Errorf("expo: got %s, want %s", tr.TotalExpo, wad(40))
	}

	tickPrice, _ := tickmath.TickToPrice(tick)
	if !tr.TickPrice.Eq(tickPrice) {
		t.Errorf("tick price: got %s, want %s", tr.TickPrice, tickPrice)
	}

	// Effective price is tickPrice * (10000 - 200) / 10000.
	wantEff := new(uint256.Int).Mul(tickPrice, uint256.NewInt(10_000-penaltyBps))
	wantEff.Div(wantEff, uint256.NewInt(10_000))
	if !tr.PriceWithoutPenalty.Eq(wantEff) {
		t.Errorf("effective price: got %s, want %s", tr.PriceWithoutPenalty, wantEff)
	}

	// Remainder is expo - expo * effectivePrice / price, signed.
	owed := new(big.Int).Mul(wad(40).ToBig(), wantEff.ToBig())
	owed.Quo(owed, price.ToBig())
	wantRem := new(big.Int).Sub(wad(40).ToBig(), owed)
	if tr.RemainingCollateral.Cmp(wantRem) != 0 {
		t.Errorf("remaining: got %s, want %s", tr.RemainingCollateral, wantRem)
	}

	// The tick is cleared and its version bumped.
	if s.TickLen(tick) != 0 {
		t.Error("tick not cleared")
	}
	if got := s.TickVersion(tick); got != 1 {
		t.Errorf("version: got %d, want 1", got)
	}
}

func TestRun_IterationCapAndResume(t *testing.T) {
	s := ledger.NewStore(100, uint256.NewInt(1))
	e := liquidation.NewEngine(s, 0)

	for _, tick := range []int{1000, 2000, 3000} {
		openAt(t, s, tick, 10, 40)
	}

	// Three populated ticks underwater, cap at two.
	res, err := e.Run(wad(1), 2)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if len(res.Ticks) != 2 || !res.CapHit {
		t.Fatalf("first pass: got %d ticks, capHit=%v, want 2/true", len(res.Ticks), res.CapHit)
	}
	// Highest first.
	if res.Ticks[0].Tick != 3000 || res.Ticks[1].Tick != 2000 {
		t.Errorf("order: got %d, %d, want 3000, 2000", res.Ticks[0].Tick, res.Ticks[1].Tick)
	}

	// The next pass picks up the remaining tick and completes.
	res, err = e.Run(wad(1), 2)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if len(res.Ticks) != 1 || res.CapHit {
		t.Fatalf("second pass: got %d ticks, capHit=%v, want 1/false", len(res.Ticks), res.CapHit)
	}
	if res.Ticks[0].Tick != 1000 {
		t.Errorf("resume tick: got %d, want 1000", res.Ticks[0].Tick)
	}
	if !s.TotalExpo().IsZero() {
		t.Errorf("ledger expo after full clear: got %s, want 0", s.TotalExpo())
	}
}

func TestRun_AggregatesAcrossTicks(t *testing.T) {
	s := ledger.NewStore(100, uint256.NewInt(1))
	e := liquidation.NewEngine(s, 0)

	openAt(t, s, 1000, 10, 40)
	openAt(t, s, 1000, 5, 20)
	openAt(t, s, 2000, 10, 40)

	res, err := e.Run(wad(1), 10)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.LiquidatedPositions != 3 {
		t.Errorf("positions: got %d, want 3", res.LiquidatedPositions)
	}
	if !res.TotalExpoRemoved.Eq(wad(100)) {
		t.Errorf("expo removed: got %s, want %s", res.TotalExpoRemoved, wad(100))
	}
	sum := new(big.Int).Add(res.Ticks[0].RemainingCollateral, res.Ticks[1].RemainingCollateral)
	if res.RemainingCollateral.Cmp(sum) != 0 {
		t.Errorf("aggregate remainder: got %s, want %s", res.RemainingCollateral, sum)
	}
}
