package core

import (
	"encoding/hex"

	"UsdnLedger/internal/ledger"
	"UsdnLedger/internal/pending"
)

// VaultView is the aggregate protocol state exposed over the query API.
// Amounts are wad decimal strings.
type VaultView struct {
	BalanceVault string `json:"balance_vault"`
	BalanceLong  string `json:"balance_long"`
	TotalExpo    string `json:"total_expo"`
	BadDebt      string `json:"bad_debt"`
	LastPrice    string `json:"last_price"`
	LastUpdateTs int64  `json:"last_update_ts"`
	FundingEMA   string `json:"funding_ema"`

	UsdnDivisor string `json:"usdn_divisor"`
	UsdnShares  string `json:"usdn_shares"`
	UsdnSupply  string `json:"usdn_supply"`

	PendingActions int    `json:"pending_actions"`
	Sequence       int64  `json:"sequence"`
	StateHash      string `json:"state_hash"`
}

func (p *Protocol) VaultView() VaultView {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := p.hasher.GetPrevHash()
	return VaultView{
		BalanceVault:   p.vault.BalanceVault.String(),
		BalanceLong:    p.vault.BalanceLong.String(),
		TotalExpo:      p.store.TotalExpo().String(),
		BadDebt:        p.vault.BadDebt.String(),
		LastPrice:      p.vault.LastPrice.String(),
		LastUpdateTs:   p.vault.LastUpdateTs,
		FundingEMA:     p.vault.EMA.String(),
		UsdnDivisor:    p.usdn.Divisor().String(),
		UsdnShares:     p.usdn.TotalShares().String(),
		UsdnSupply:     p.usdn.TotalSupply().String(),
		PendingActions: p.pendingQ.Len(),
		Sequence:       p.sequence,
		StateHash:      hex.EncodeToString(hash[:]),
	}
}

// PositionView is one live position as exposed over the query API.
type PositionView struct {
	Tick        int    `json:"tick"`
	TickVersion uint64 `json:"tick_version"`
	Index       int    `json:"index"`
	Owner       string `json:"owner"`
	Collateral  string `json:"collateral"`
	EntryPrice  string `json:"entry_price"`
	TotalExpo   string `json:"total_expo"`
	Timestamp   int64  `json:"timestamp"`
	Validated   bool   `json:"validated"`
}

// TickView is one populated tick as exposed over the query API.
type TickView struct {
	Tick      int            `json:"tick"`
	Version   uint64         `json:"version"`
	TotalExpo string         `json:"total_expo"`
	Positions []PositionView `json:"positions"`
}

func (p *Protocol) TickView(tick int) (TickView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	version := p.store.TickVersion(tick)
	positions := p.store.Positions(tick)
	out := TickView{
		Tick:      tick,
		Version:   version,
		TotalExpo: p.store.TickTotalExpo(tick).String(),
		Positions: make([]PositionView, 0, len(positions)),
	}
	for i, pos := range positions {
		out.Positions = append(out.Positions, positionView(tick, version, i, pos))
	}
	return out, nil
}

func (p *Protocol) PositionView(tick int, version uint64, index int) (PositionView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, err := p.store.Get(tick, version, index)
	if err != nil {
		return PositionView{}, err
	}
	return positionView(tick, version, index, pos), nil
}

func positionView(tick int, version uint64, index int, pos *ledger.Position) PositionView {
	return PositionView{
		Tick:        tick,
		TickVersion: version,
		Index:       index,
		Owner:       pos.Owner.String(),
		Collateral:  pos.Collateral.String(),
		EntryPrice:  pos.EntryPrice.String(),
		TotalExpo:   pos.TotalExpo.String(),
		Timestamp:   pos.Timestamp,
		Validated:   pos.Validated,
	}
}

// PendingView is one in-flight action as exposed over the query API.
type PendingView struct {
	Kind            string `json:"kind"`
	Validator       string `json:"validator"`
	To              string `json:"to"`
	Timestamp       int64  `json:"timestamp"`
	SecurityDeposit string `json:"security_deposit"`
	Amount          string `json:"amount,omitempty"`
	Shares          string `json:"shares,omitempty"`
	Tick            int    `json:"tick,omitempty"`
	TickVersion     uint64 `json:"tick_version,omitempty"`
	Index           int    `json:"index,omitempty"`
}

func (p *Protocol) PendingView(validator ledger.Address) (PendingView, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	action, err := p.pendingQ.Get(validator)
	if err != nil {
		return PendingView{}, err
	}
	return pendingView(action), nil
}

func pendingView(action *pending.Action) PendingView {
	out := PendingView{
		Kind:            action.Kind.String(),
		Validator:       action.Validator.String(),
		To:              action.To.String(),
		Timestamp:       action.Timestamp,
		SecurityDeposit: action.SecurityDeposit.String(),
		Tick:            action.Tick,
		TickVersion:     action.TickVersion,
		Index:           action.Index,
	}
	if action.Amount != nil {
		out.Amount = action.Amount.String()
	}
	if action.Shares != nil {
		out.Shares = action.Shares.String()
	}
	return out
}

// PopulatedTicks returns every populated tick, ascending.
func (p *Protocol) PopulatedTicks() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.PopulatedTicks()
}
