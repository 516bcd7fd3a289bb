package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"UsdnLedger/internal/fixedpoint"
	"UsdnLedger/internal/tickmath"
)

var (
	ErrInvalidTick      = errors.New("ledger: invalid tick")
	ErrOutdatedTick     = errors.New("ledger: outdated tick version")
	ErrInvalidIndex     = errors.New("ledger: position index out of range")
	ErrPositionTooSmall = errors.New("ledger: position below minimum collateral")
	ErrEmptyTick        = errors.New("ledger: tick holds no positions")
)

// tickBucket holds the live positions of one liquidation-price bucket.
// The version survives the bucket being emptied: stale refs from before a
// liquidation must keep failing forever.
type tickBucket struct {
	positions []*Position
	totalExpo *uint256.Int
	version   uint64
}

// Store is the tick-indexed position ledger. Inserts are O(1) appends,
// liquidation invalidates a whole tick by bumping its version, and removals
// swap the last element into the vacated slot. The store performs no
// external calls; every mutation either fully applies or returns a typed
// error with nothing changed.
type Store struct {
	tickSpacing   int
	minCollateral *uint256.Int

	buckets   map[int]*tickBucket
	populated []int // ascending, ticks with at least one position
	totalExpo *uint256.Int
}

// LiquidatedTick is the capture of a tick at the moment it was liquidated.
type LiquidatedTick struct {
	Tick      int
	Version   uint64 // version that was invalidated
	Positions []*Position
	TotalExpo *uint256.Int
}

func NewStore(tickSpacing int, minCollateral *uint256.Int) *Store {
	if tickSpacing < 1 {
		tickSpacing = 1
	}
	return &Store{
		tickSpacing:   tickSpacing,
		minCollateral: new(uint256.Int).Set(minCollateral),
		buckets:       make(map[int]*tickBucket),
		totalExpo:     new(uint256.Int),
	}
}

func (s *Store) TickSpacing() int { return s.tickSpacing }

func (s *Store) checkTick(tick int) error {
	if tick < tickmath.MinUsableTick(s.tickSpacing) || tick > tickmath.MaxUsableTick(s.tickSpacing) {
		return fmt.Errorf("%w: %d outside usable bounds", ErrInvalidTick, tick)
	}
	if tick%s.tickSpacing != 0 {
		return fmt.Errorf("%w: %d not a multiple of spacing %d", ErrInvalidTick, tick, s.tickSpacing)
	}
	return nil
}

// Open appends a position to its tick and returns the slot it occupies.
func (s *Store) Open(tick int, p *Position) (index int, version uint64, err error) {
	if err := s.checkTick(tick); err != nil {
		return 0, 0, err
	}
	if p.Collateral.Lt(s.minCollateral) {
		return 0, 0, fmt.Errorf("%w: %s < %s", ErrPositionTooSmall, p.Collateral, s.minCollateral)
	}

	newTotal, overflow := new(uint256.Int).AddOverflow(s.totalExpo, p.TotalExpo)
	if overflow {
		return 0, 0, fixedpoint.ErrArithmeticOverflow
	}

	b := s.buckets[tick]
	if b == nil {
		b = &tickBucket{totalExpo: new(uint256.Int)}
		s.buckets[tick] = b
	}
	if len(b.positions) == 0 {
		s.markPopulated(tick)
	}

	b.positions = append(b.positions, p)
	b.totalExpo.Add(b.totalExpo, p.TotalExpo)
	s.totalExpo = newTotal

	return len(b.positions) - 1, b.version, nil
}

// resolve validates a (tick, version, index) reference against current state.
func (s *Store) resolve(tick int, version uint64, index int) (*tickBucket, *Position, error) {
	if err := s.checkTick(tick); err != nil {
		return nil, nil, err
	}
	b := s.buckets[tick]
	if b == nil || b.version != version {
		current := uint64(0)
		if b != nil {
			current = b.version
		}
		return nil, nil, fmt.Errorf("%w: tick %d version %d, current %d",
			ErrOutdatedTick, tick, version, current)
	}
	if index < 0 || index >= len(b.positions) {
		return nil, nil, fmt.Errorf("%w: tick %d index %d, len %d",
			ErrInvalidIndex, tick, index, len(b.positions))
	}
	return b, b.positions[index], nil
}

// Get returns the live position at a reference, or a typed error.
func (s *Store) Get(tick int, version uint64, index int) (*Position, error) {
	_, p, err := s.resolve(tick, version, index)
	return p, err
}

// Close removes expoToRemove of exposure from a position. A partial close
// keeps the position with proportionally reduced collateral; removing the
// full exposure swaps the last element into the vacated slot and pops, so
// stale indices for other positions in the same tick must be re-resolved.
// The returned Position describes the removed slice.
func (s *Store) Close(tick int, version uint64, index int, expoToRemove *uint256.Int) (*Position, bool, error) {
	b, p, err := s.resolve(tick, version, index)
	if err != nil {
		return nil, false, err
	}

	if expoToRemove.Cmp(p.TotalExpo) >= 0 {
		// Full close: swap-and-pop.
		removed := p
		last := len(b.positions) - 1
		b.positions[index] = b.positions[last]
		b.positions[last] = nil
		b.positions = b.positions[:last]

		b.totalExpo.Sub(b.totalExpo, removed.TotalExpo)
		s.totalExpo.Sub(s.totalExpo, removed.TotalExpo)
		if len(b.positions) == 0 {
			s.unmarkPopulated(tick)
		}
		return removed, true, nil
	}

	// Partial close: compute the removed slice before mutating anything.
	collateralRemoved, err := fixedpoint.MulDiv(p.Collateral, expoToRemove, p.TotalExpo, fixedpoint.RoundDown)
	if err != nil {
		return nil, false, err
	}

	removed := &Position{
		Owner:      p.Owner,
		Collateral: collateralRemoved,
		EntryPrice: new(uint256.Int).Set(p.EntryPrice),
		TotalExpo:  new(uint256.Int).Set(expoToRemove),
		Timestamp:  p.Timestamp,
		Validated:  p.Validated,
	}

	p.TotalExpo.Sub(p.TotalExpo, expoToRemove)
	p.Collateral.Sub(p.Collateral, collateralRemoved)
	b.totalExpo.Sub(b.totalExpo, expoToRemove)
	s.totalExpo.Sub(s.totalExpo, expoToRemove)

	return removed, false, nil
}

// LiquidateTick captures and clears every position in the tick, bumping the
// tick version so all outstanding references to it become invalid.
func (s *Store) LiquidateTick(tick int) (*LiquidatedTick, error) {
	if err := s.checkTick(tick); err != nil {
		return nil, err
	}
	b := s.buckets[tick]
	if b == nil || len(b.positions) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrEmptyTick, tick)
	}

	out := &LiquidatedTick{
		Tick:      tick,
		Version:   b.version,
		Positions: b.positions,
		TotalExpo: b.totalExpo,
	}

	s.totalExpo.Sub(s.totalExpo, b.totalExpo)
	b.positions = nil
	b.totalExpo = new(uint256.Int)
	b.version++
	s.unmarkPopulated(tick)

	return out, nil
}

// TickVersion returns the current generation of a tick (zero if untouched).
func (s *Store) TickVersion(tick int) uint64 {
	if b := s.buckets[tick]; b != nil {
		return b.version
	}
	return 0
}

// TickTotalExpo returns a copy of the tick's aggregate exposure.
func (s *Store) TickTotalExpo(tick int) *uint256.Int {
	if b := s.buckets[tick]; b != nil {
		return new(uint256.Int).Set(b.totalExpo)
	}
	return new(uint256.Int)
}

// TickLen returns the number of live positions in a tick.
func (s *Store) TickLen(tick int) int {
	if b := s.buckets[tick]; b != nil {
		return len(b.positions)
	}
	return 0
}

// Positions returns copies of the live positions in a tick, in slot order.
func (s *Store) Positions(tick int) []*Position {
	b := s.buckets[tick]
	if b == nil {
		return nil
	}
	out := make([]*Position, len(b.positions))
	for i, p := range b.positions {
		out[i] = p.Clone()
	}
	return out
}

// TotalExpo returns a copy of the ledger-wide aggregate exposure.
func (s *Store) TotalExpo() *uint256.Int {
	return new(uint256.Int).Set(s.totalExpo)
}

// HighestPopulatedTick returns the populated tick with the highest
// liquidation price, if any.
func (s *Store) HighestPopulatedTick() (int, bool) {
	if len(s.populated) == 0 {
		return 0, false
	}
	return s.populated[len(s.populated)-1], true
}

// PopulatedTicksAbove returns populated ticks strictly above the given tick,
// highest first. This is the liquidation walk order for longs.
func (s *Store) PopulatedTicksAbove(tick int) []int {
	i := sort.SearchInts(s.populated, tick+1)
	above := s.populated[i:]
	out := make([]int, len(above))
	for j, t := range above {
		out[len(above)-1-j] = t
	}
	return out
}

// PopulatedTicks returns every populated tick in ascending order.
func (s *Store) PopulatedTicks() []int {
	out := make([]int, len(s.populated))
	copy(out, s.populated)
	return out
}

func (s *Store) markPopulated(tick int) {
	i := sort.SearchInts(s.populated, tick)
	if i < len(s.populated) && s.populated[i] == tick {
		return
	}
	s.populated = append(s.populated, 0)
	copy(s.populated[i+1:], s.populated[i:])
	s.populated[i] = tick
}

func (s *Store) unmarkPopulated(tick int) {
	i := sort.SearchInts(s.populated, tick)
	if i < len(s.populated) && s.populated[i] == tick {
		s.populated = append(s.populated[:i], s.populated[i+1:]...)
	}
}

// KnownTicks returns every tick with a bucket, ascending, including emptied
// ticks whose bumped version must survive a snapshot round trip.
func (s *Store) KnownTicks() []int {
	out := make([]int, 0, len(s.buckets))
	for t := range s.buckets {
		out = append(out, t)
	}
	sort.Ints(out)
	return out
}

// RestoreTick installs a tick's positions and version verbatim, used when
// loading a snapshot. Aggregates are recomputed from the positions.
func (s *Store) RestoreTick(tick int, version uint64, positions []*Position) error {
	if err := s.checkTick(tick); err != nil {
		return err
	}
	b := &tickBucket{
		totalExpo: new(uint256.Int),
		version:   version,
	}
	for _, p := range positions {
		b.positions = append(b.positions, p)
		b.totalExpo.Add(b.totalExpo, p.TotalExpo)
		s.totalExpo.Add(s.totalExpo, p.TotalExpo)
	}
	s.buckets[tick] = b
	if len(positions) > 0 {
		s.markPopulated(tick)
	}
	return nil
}
