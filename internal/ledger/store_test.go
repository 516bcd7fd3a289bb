package ledger_test

import (
	"errors"
	"testing"

	"UsdnLedger/internal/fixedpoint"
	"UsdnLedger/internal/ledger"
	"UsdnLedger/internal/tickmath"

	"github.com/holiman/uint256"
)

func wad(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), fixedpoint.WadOne())
}

func newStore() *ledger.Store {
	return ledger.NewStore(100, wad(1)) // min collateral 1 wad
}

func pos(owner byte, collateral, expo uint64) *ledger.Position {
	var a ledger.Address
	a[19] = owner
	return &ledger.Position{
		Owner:      a,
		Collateral: wad(collateral),
		EntryPrice: wad(2000),
		TotalExpo:  wad(expo),
		Timestamp:  1_700_000_000,
	}
}

func TestOpen_InvalidTick(t *testing.T) {
	s := newStore()

	// Not a multiple of spacing.
	if _, _, err := s.Open(150, pos(1, 10, 20)); !errors.Is(err, ledger.ErrInvalidTick) {
		t.Errorf("unaligned tick: got %v, want ErrInvalidTick", err)
	}

	// Outside usable bounds.
	if _, _, err := s.Open(tickmath.MaxTick + 100, pos(1, 10, 20)); !errors.Is(err, ledger.ErrInvalidTick) {
		t.Errorf("out of bounds tick: got %v, want ErrInvalidTick", err)
	}
}

func TestOpen_PositionTooSmall(t *testing.T) {
	s := newStore()
	p := pos(1, 10, 20)
	p.Collateral = uint256.NewInt(1) // 1 wei, below the 1 wad floor

	if _, _, err := s.Open(200, p); !errors.Is(err, ledger.ErrPositionTooSmall) {
		t.Errorf("got %v, want ErrPositionTooSmall", err)
	}
}

func TestConservation_TickExpoEqualsSumOfPositions(t *testing.T) {
	s := newStore()

	s.Open(200, pos(1, 10, 20))
	s.Open(200, pos(2, 5, 15))
	idx, ver, _ := s.Open(200, pos(3, 8, 24))

	// Partial close of the third position.
	if _, _, err := s.Close(200, ver, idx, wad(4)); err != nil {
		t.Fatalf("partial close: %v", err)
	}

	// Full close of the first position.
	if _, full, err := s.Close(200, ver, 0, wad(20)); err != nil || !full {
		t.Fatalf("full close: full=%v err=%v", full, err)
	}

	sum := new(uint256.Int)
	for _, p := range s.Positions(200) {
		sum.Add(sum, p.TotalExpo)
	}
	if !sum.Eq(s.TickTotalExpo(200)) {
		t.Errorf("tick expo %s != sum of positions %s", s.TickTotalExpo(200), sum)
	}
	if !s.TotalExpo().Eq(sum) {
		t.Errorf("global expo %s != sum %s (only one tick populated)", s.TotalExpo(), sum)
	}
}

func TestClose_SwapAndPop(t *testing.T) {
	s := newStore()

	s.Open(200, pos(1, 10, 20))
	s.Open(200, pos(2, 5, 15))
	s.Open(200, pos(3, 8, 24))
	ver := s.TickVersion(200)

	// Removing index 0 moves the last position into slot 0.
	if _, full, err := s.Close(200, ver, 0, wad(20)); err != nil || !full {
		t.Fatalf("close: full=%v err=%v", full, err)
	}

	got := s.Positions(200)
	if len(got) != 2 {
		t.Fatalf("got %d positions, want 2", len(got))
	}
	if got[0].Owner[19] != 3 {
		t.Errorf("slot 0 owner: got %d, want 3 (swapped from last)", got[0].Owner[19])
	}
}

func TestClose_PartialKeepsProportions(t *testing.T) {
	s := newStore()
	idx, ver, _ := s.Open(200, pos(1, 10, 40))

	removed, full, err := s.Close(200, ver, idx, wad(10)) // quarter of the expo
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if full {
		t.Fatal("partial close reported as full")
	}
	quarter := new(uint256.Int).Div(wad(5), uint256.NewInt(2)) // quarter of 10 wad
	if !removed.Collateral.Eq(quarter) {
		t.Errorf("removed collateral: got %s, want %s", removed.Collateral, quarter)
	}

	live, err := s.Get(200, ver, idx)
	if err != nil {
		t.Fatalf("get after partial close: %v", err)
	}
	if !live.TotalExpo.Eq(wad(30)) {
		t.Errorf("remaining expo: got %s, want %s", live.TotalExpo, wad(30))
	}
	rest := new(uint256.Int).Div(wad(15), uint256.NewInt(2)) // 10 - 2.5 wad
	if !live.Collateral.Eq(rest) {
		t.Errorf("remaining collateral: got %s, want %s", live.Collateral, rest)
	}
}

func TestLiquidateTick_VersionMonotonicAndStaleRefsFail(t *testing.T) {
	s := newStore()
	idx, ver, _ := s.Open(300, pos(1, 10, 20))
	s.Open(300, pos(2, 6, 12))

	liq, err := s.LiquidateTick(300)
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if len(liq.Positions) != 2 {
		t.Errorf("captured %d positions, want 2", len(liq.Positions))
	}
	if !liq.TotalExpo.Eq(wad(32)) {
		t.Errorf("captured expo: got %s, want %s", liq.TotalExpo, wad(32))
	}

	if s.TickVersion(300) != ver+1 {
		t.Errorf("tick version: got %d, want %d", s.TickVersion(300), ver+1)
	}

	// Any reference taken before the liquidation must be rejected.
	if _, err := s.Get(300, ver, idx); !errors.Is(err, ledger.ErrOutdatedTick) {
		t.Errorf("stale ref: got %v, want ErrOutdatedTick", err)
	}
	if _, _, err := s.Close(300, ver, idx, wad(20)); !errors.Is(err, ledger.ErrOutdatedTick) {
		t.Errorf("stale close: got %v, want ErrOutdatedTick", err)
	}

	if !s.TotalExpo().IsZero() {
		t.Errorf("global expo after liquidation: got %s, want 0", s.TotalExpo())
	}
}

func TestLiquidateTick_Empty(t *testing.T) {
	s := newStore()
	if _, err := s.LiquidateTick(200); !errors.Is(err, ledger.ErrEmptyTick) {
		t.Errorf("got %v, want ErrEmptyTick", err)
	}
}

func TestGet_InvalidIndex(t *testing.T) {
	s := newStore()
	_, ver, _ := s.Open(200, pos(1, 10, 20))

	if _, err := s.Get(200, ver, 5); !errors.Is(err, ledger.ErrInvalidIndex) {
		t.Errorf("got %v, want ErrInvalidIndex", err)
	}
}

func TestPopulatedTicksAbove_PriceOrder(t *testing.T) {
	s := newStore()
	s.Open(-200, pos(1, 10, 20))
	s.Open(500, pos(2, 10, 20))
	s.Open(100, pos(3, 10, 20))
	s.Open(300, pos(4, 10, 20))

	got := s.PopulatedTicksAbove(100)
	want := []int{500, 300}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}

	high, ok := s.HighestPopulatedTick()
	if !ok || high != 500 {
		t.Errorf("highest populated: got %d/%v, want 500/true", high, ok)
	}
}

func TestRestoreTick_RebuildsAggregates(t *testing.T) {
	s := newStore()
	err := s.RestoreTick(200, 3, []*ledger.Position{pos(1, 10, 20), pos(2, 5, 15)})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	if s.TickVersion(200) != 3 {
		t.Errorf("version: got %d, want 3", s.TickVersion(200))
	}
	if !s.TotalExpo().Eq(wad(35)) {
		t.Errorf("expo: got %s, want %s", s.TotalExpo(), wad(35))
	}
}
