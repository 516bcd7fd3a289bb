package ledger

import (
	"github.com/holiman/uint256"
)

// Position is one leveraged long. Collateral and entry price are captured at
// open; TotalExpo is the price-independent notional (collateral x leverage).
// A position is owned by exactly one tick slot and addressed by (tick,
// tickVersion, index).
type Position struct {
	Owner      Address
	Collateral *uint256.Int // wad, asset-denominated, at open
	EntryPrice *uint256.Int // wad
	TotalExpo  *uint256.Int // wad, price-independent
	Timestamp  int64        // unix seconds of initiation
	Validated  bool
}

// Ref addresses a position in the store. A Ref taken before the tick was
// liquidated is rejected on use (OutdatedTick), and an index may be reused
// after a swap-and-pop removal of another position in the same tick.
type Ref struct {
	Tick    int
	Version uint64
	Index   int
}

// Clone returns a deep copy; uint256 fields are never shared.
func (p *Position) Clone() *Position {
	return &Position{
		Owner:      p.Owner,
		Collateral: new(uint256.Int).Set(p.Collateral),
		EntryPrice: new(uint256.Int).Set(p.EntryPrice),
		TotalExpo:  new(uint256.Int).Set(p.TotalExpo),
		Timestamp:  p.Timestamp,
		Validated:  p.Validated,
	}
}
