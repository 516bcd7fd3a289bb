package core

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"UsdnLedger/internal/ledger"
	"UsdnLedger/internal/liquidation"
	"UsdnLedger/internal/pending"
)

// SnapshotState is the full protocol state in serializable form. Amounts are
// decimal strings so the snapshot survives schema-agnostic JSON storage.
type SnapshotState struct {
	Sequence  int64  `json:"sequence"`
	StateHash []byte `json:"state_hash"`

	BalanceVault string `json:"balance_vault"`
	BalanceLong  string `json:"balance_long"`
	LastPrice    string `json:"last_price"`
	LastUpdateTs int64  `json:"last_update_ts"`
	EMA          string `json:"ema"`
	BadDebt      string `json:"bad_debt"`

	UsdnDivisor string `json:"usdn_divisor"`
	UsdnShares  string `json:"usdn_shares"`

	Ticks   []TickSnapshot    `json:"ticks"`
	Pending []PendingSnapshot `json:"pending"`
}

type TickSnapshot struct {
	Tick      int                `json:"tick"`
	Version   uint64             `json:"version"`
	Positions []PositionSnapshot `json:"positions"`
}

type PositionSnapshot struct {
	Owner      string `json:"owner"`
	Collateral string `json:"collateral"`
	EntryPrice string `json:"entry_price"`
	TotalExpo  string `json:"total_expo"`
	Timestamp  int64  `json:"timestamp"`
	Validated  bool   `json:"validated"`
}

type PendingSnapshot struct {
	Kind            int    `json:"kind"`
	Validator       string `json:"validator"`
	To              string `json:"to"`
	Timestamp       int64  `json:"timestamp"`
	SecurityDeposit string `json:"security_deposit"`
	Amount          string `json:"amount,omitempty"`
	Shares          string `json:"shares,omitempty"`
	Tick            int    `json:"tick"`
	TickVersion     uint64 `json:"tick_version"`
	Index           int    `json:"index"`
	EntryPrice      string `json:"entry_price,omitempty"`
	TotalExpo       string `json:"total_expo,omitempty"`
}

// CreateSnapshot captures the current state.
func (p *Protocol) CreateSnapshot() *SnapshotState {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := p.hasher.GetPrevHash()
	snap := &SnapshotState{
		Sequence:     p.sequence,
		StateHash:    hash[:],
		BalanceVault: p.vault.BalanceVault.String(),
		BalanceLong:  p.vault.BalanceLong.String(),
		LastPrice:    p.vault.LastPrice.String(),
		LastUpdateTs: p.vault.LastUpdateTs,
		EMA:          p.vault.EMA.String(),
		BadDebt:      p.vault.BadDebt.String(),
		UsdnDivisor:  p.usdn.Divisor().String(),
		UsdnShares:   p.usdn.TotalShares().String(),
	}

	for _, tick := range p.store.KnownTicks() {
		ts := TickSnapshot{Tick: tick, Version: p.store.TickVersion(tick)}
		for _, pos := range p.store.Positions(tick) {
			ts.Positions = append(ts.Positions, PositionSnapshot{
				Owner:      pos.Owner.String(),
				Collateral: pos.Collateral.String(),
				EntryPrice: pos.EntryPrice.String(),
				TotalExpo:  pos.TotalExpo.String(),
				Timestamp:  pos.Timestamp,
				Validated:  pos.Validated,
			})
		}
		snap.Ticks = append(snap.Ticks, ts)
	}

	for _, action := range p.pendingQ.All() {
		ps := PendingSnapshot{
			Kind:            int(action.Kind),
			Validator:       action.Validator.String(),
			To:              action.To.String(),
			Timestamp:       action.Timestamp,
			SecurityDeposit: action.SecurityDeposit.String(),
			Tick:            action.Tick,
			TickVersion:     action.TickVersion,
			Index:           action.Index,
		}
		if action.Amount != nil {
			ps.Amount = action.Amount.String()
		}
		if action.Shares != nil {
			ps.Shares = action.Shares.String()
		}
		if action.EntryPrice != nil {
			ps.EntryPrice = action.EntryPrice.String()
		}
		if action.TotalExpo != nil {
			ps.TotalExpo = action.TotalExpo.String()
		}
		snap.Pending = append(snap.Pending, ps)
	}

	return snap
}

// RestoreSnapshot replaces the protocol state with a snapshot's.
func (p *Protocol) RestoreSnapshot(snap *SnapshotState) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	parse := func(field, s string) (*uint256.Int, error) {
		if s == "" {
			return new(uint256.Int), nil
		}
		v, err := uint256.FromDecimal(s)
		if err != nil {
			return nil, fmt.Errorf("core: snapshot field %s %q: %w", field, s, err)
		}
		return v, nil
	}

	var err error
	if p.vault.BalanceVault, err = parse("balance_vault", snap.BalanceVault); err != nil {
		return err
	}
	if p.vault.BalanceLong, err = parse("balance_long", snap.BalanceLong); err != nil {
		return err
	}
	if p.vault.LastPrice, err = parse("last_price", snap.LastPrice); err != nil {
		return err
	}
	if p.vault.BadDebt, err = parse("bad_debt", snap.BadDebt); err != nil {
		return err
	}
	p.vault.LastUpdateTs = snap.LastUpdateTs

	ema, ok := new(big.Int).SetString(snap.EMA, 10)
	if !ok {
		return fmt.Errorf("core: snapshot field ema %q", snap.EMA)
	}
	p.vault.EMA = ema

	divisor, err := parse("usdn_divisor", snap.UsdnDivisor)
	if err != nil {
		return err
	}
	shares, err := parse("usdn_shares", snap.UsdnShares)
	if err != nil {
		return err
	}
	p.usdn.RestoreState(divisor, shares)

	p.store = ledger.NewStore(p.params.TickSpacing, p.params.MinLongPosition)
	for _, ts := range snap.Ticks {
		positions := make([]*ledger.Position, 0, len(ts.Positions))
		for _, ps := range ts.Positions {
			owner, err := ledger.ParseAddress(ps.Owner)
			if err != nil {
				return fmt.Errorf("core: snapshot owner: %w", err)
			}
			pos := &ledger.Position{Owner: owner, Timestamp: ps.Timestamp, Validated: ps.Validated}
			if pos.Collateral, err = parse("collateral", ps.Collateral); err != nil {
				return err
			}
			if pos.EntryPrice, err = parse("entry_price", ps.EntryPrice); err != nil {
				return err
			}
			if pos.TotalExpo, err = parse("total_expo", ps.TotalExpo); err != nil {
				return err
			}
			positions = append(positions, pos)
		}
		if err := p.store.RestoreTick(ts.Tick, ts.Version, positions); err != nil {
			return err
		}
	}
	p.engine = liquidation.NewEngine(p.store, p.params.LiquidationPenaltyBps)

	p.pendingQ = pending.NewQueue()
	for _, ps := range snap.Pending {
		validator, err := ledger.ParseAddress(ps.Validator)
		if err != nil {
			return fmt.Errorf("core: snapshot validator: %w", err)
		}
		to, err := ledger.ParseAddress(ps.To)
		if err != nil {
			return fmt.Errorf("core: snapshot to: %w", err)
		}
		action := &pending.Action{
			Kind:        pending.Kind(ps.Kind),
			Validator:   validator,
			To:          to,
			Timestamp:   ps.Timestamp,
			Tick:        ps.Tick,
			TickVersion: ps.TickVersion,
			Index:       ps.Index,
		}
		if action.SecurityDeposit, err = parse("security_deposit", ps.SecurityDeposit); err != nil {
			return err
		}
		if ps.Amount != "" {
			if action.Amount, err = parse("amount", ps.Amount); err != nil {
				return err
			}
		}
		if ps.Shares != "" {
			if action.Shares, err = parse("shares", ps.Shares); err != nil {
				return err
			}
		}
		if ps.EntryPrice != "" {
			if action.EntryPrice, err = parse("entry_price", ps.EntryPrice); err != nil {
				return err
			}
		}
		if ps.TotalExpo != "" {
			if action.TotalExpo, err = parse("total_expo", ps.TotalExpo); err != nil {
				return err
			}
		}
		if err := p.pendingQ.Push(action); err != nil {
			return err
		}
	}

	p.sequence = snap.Sequence
	var tip [32]byte
	copy(tip[:], snap.StateHash)
	p.hasher.SetPrevHash(tip)
	return nil
}
