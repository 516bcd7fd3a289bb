package core

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"UsdnLedger/internal/fixedpoint"
	"UsdnLedger/internal/ledger"
	"UsdnLedger/internal/oracle"
	"UsdnLedger/internal/pending"
	"UsdnLedger/internal/rewards"
	"UsdnLedger/internal/vault"
)

// InitiateDeposit starts a two-phase deposit: the collateral enters the vault
// immediately, the USDN mint happens on validation with a fresh price.
func (p *Protocol) InitiateDeposit(
	ctx context.Context,
	validator, to ledger.Address,
	amount *uint256.Int,
	securityDeposit *uint256.Int,
	priceBlob []byte,
	oracleFee *uint256.Int,
) (out *Outcome, err error) {
	start := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.observeAction(pending.KindDeposit, true, start, err) }()

	if amount == nil || amount.IsZero() {
		return nil, ErrZeroAmount
	}
	if to.IsZero() {
		return nil, ErrInvalidTo
	}
	if err := p.checkSecurityDeposit(securityDeposit); err != nil {
		return nil, err
	}
	if err := p.requireFreeSlot(validator); err != nil {
		return nil, err
	}

	now := p.now()
	actionID := newActionID()
	info, err := p.validatePrice(actionID, now, oracle.ActionInitiateDeposit, priceBlob, oracleFee)
	if err != nil {
		return nil, err
	}

	cp := p.takeCheckpoint()
	pass, err := p.advance(ctx, info, now, rewards.ActionUser)
	if err != nil {
		p.rollback(cp)
		return nil, err
	}
	p.evictStale(info, now, 1)
	p.evictOwn(validator, info, now)

	p.vault.AddVault(amount)
	action := &pending.Action{
		Kind:            pending.KindDeposit,
		Validator:       validator,
		To:              to,
		Timestamp:       now,
		SecurityDeposit: new(uint256.Int).Set(securityDeposit),
		Amount:          new(uint256.Int).Set(amount),
		EntryPrice:      new(uint256.Int).Set(info.Price),
	}
	if err := p.pendingQ.Push(action); err != nil {
		p.rollback(cp)
		return nil, err
	}

	p.log.Info().
		Str("action_id", actionID).
		Str("validator", validator.String()).
		Str("amount", amount.String()).
		Msg("deposit initiated")

	return p.seal(&Outcome{
		ActionID:            actionID,
		LiquidatedTicks:     len(pass.liq.Ticks),
		LiquidatedPositions: pass.liq.LiquidatedPositions,
		Rebased:             pass.rebased,
		RebalancerAction:    pass.rebAction,
		Reward:              pass.reward,
	}), nil
}

// ValidateDeposit completes a deposit: mints USDN against the deposited
// collateral at the less favorable of the two prices and refunds the
// security deposit to the initiator.
func (p *Protocol) ValidateDeposit(
	ctx context.Context,
	validator ledger.Address,
	priceBlob []byte,
	oracleFee *uint256.Int,
) (out *Outcome, err error) {
	start := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.observeAction(pending.KindDeposit, false, start, err) }()

	action, err := p.pendingQ.Get(validator)
	if err != nil {
		return nil, err
	}
	if action.Kind != pending.KindDeposit {
		return nil, fmt.Errorf("%w: have %s, want %s", pending.ErrActionKindMismatch, action.Kind, pending.KindDeposit)
	}

	now := p.now()
	actionID := newActionID()
	target := action.Timestamp + p.params.ValidationDelay
	info, err := p.validatePrice(actionID, target, oracle.ActionValidateDeposit, priceBlob, oracleFee)
	if err != nil {
		return nil, err
	}

	cp := p.takeCheckpoint()
	pass, err := p.advance(ctx, info, now, rewards.ActionUser)
	if err != nil {
		p.rollback(cp)
		return nil, err
	}

	minted, err := p.settleDeposit(action, info)
	if err != nil {
		p.rollback(cp)
		return nil, err
	}
	p.pendingQ.Take(validator, pending.KindDeposit)

	p.log.Info().
		Str("action_id", actionID).
		Str("validator", validator.String()).
		Str("minted", minted.String()).
		Msg("deposit validated")

	return p.seal(&Outcome{
		ActionID:              actionID,
		LiquidatedTicks:       len(pass.liq.Ticks),
		LiquidatedPositions:   pass.liq.LiquidatedPositions,
		Rebased:               pass.rebased,
		RebalancerAction:      pass.rebAction,
		Reward:                pass.reward,
		MintedUsdn:            minted,
		SecurityDepositRefund: new(uint256.Int).Set(action.SecurityDeposit),
	}), nil
}

// settleDeposit mints the USDN for a pending deposit. The mint uses the
// lower of the initiation and validation prices, and values the token
// against the vault balance net of this not-yet-minted deposit.
func (p *Protocol) settleDeposit(action *pending.Action, info *oracle.PriceInfo) (*uint256.Int, error) {
	mintPrice := info.Price
	if action.EntryPrice.Lt(mintPrice) {
		mintPrice = action.EntryPrice
	}

	backing := new(uint256.Int)
	if p.vault.BalanceVault.Gt(action.Amount) {
		backing.Sub(p.vault.BalanceVault, action.Amount)
	}
	usdnPrice, err := p.usdn.Price(backing, mintPrice)
	if err != nil {
		return nil, err
	}

	value, err := fixedpoint.WadMul(action.Amount, mintPrice)
	if err != nil {
		return nil, err
	}
	tokens, err := fixedpoint.MulDiv(value, fixedpoint.WadOne(), usdnPrice, fixedpoint.RoundDown)
	if err != nil {
		return nil, err
	}
	if _, err := p.usdn.Mint(tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// InitiateWithdrawal starts a two-phase withdrawal of USDN shares. Nothing
// moves until validation; the shares are committed in the pending record.
func (p *Protocol) InitiateWithdrawal(
	ctx context.Context,
	validator, to ledger.Address,
	usdnShares *uint256.Int,
	securityDeposit *uint256.Int,
	priceBlob []byte,
	oracleFee *uint256.Int,
) (out *Outcome, err error) {
	start := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.observeAction(pending.KindWithdrawal, true, start, err) }()

	if usdnShares == nil || usdnShares.IsZero() {
		return nil, ErrZeroAmount
	}
	if to.IsZero() {
		return nil, ErrInvalidTo
	}
	if err := p.checkSecurityDeposit(securityDeposit); err != nil {
		return nil, err
	}
	if err := p.requireFreeSlot(validator); err != nil {
		return nil, err
	}
	if p.usdn.TotalShares().Lt(usdnShares) {
		return nil, fmt.Errorf("%w: %s shares", vault.ErrInsufficientSupply, usdnShares)
	}

	now := p.now()
	actionID := newActionID()
	info, err := p.validatePrice(actionID, now, oracle.ActionInitiateWithdrawal, priceBlob, oracleFee)
	if err != nil {
		return nil, err
	}

	cp := p.takeCheckpoint()
	pass, err := p.advance(ctx, info, now, rewards.ActionUser)
	if err != nil {
		p.rollback(cp)
		return nil, err
	}
	p.evictStale(info, now, 1)
	p.evictOwn(validator, info, now)

	action := &pending.Action{
		Kind:            pending.KindWithdrawal,
		Validator:       validator,
		To:              to,
		Timestamp:       now,
		SecurityDeposit: new(uint256.Int).Set(securityDeposit),
		Shares:          new(uint256.Int).Set(usdnShares),
		EntryPrice:      new(uint256.Int).Set(info.Price),
	}
	if err := p.pendingQ.Push(action); err != nil {
		p.rollback(cp)
		return nil, err
	}

	p.log.Info().
		Str("action_id", actionID).
		Str("validator", validator.String()).
		Str("shares", usdnShares.String()).
		Msg("withdrawal initiated")

	return p.seal(&Outcome{
		ActionID:            actionID,
		LiquidatedTicks:     len(pass.liq.Ticks),
		LiquidatedPositions: pass.liq.LiquidatedPositions,
		Rebased:             pass.rebased,
		RebalancerAction:    pass.rebAction,
		Reward:              pass.reward,
	}), nil
}

// ValidateWithdrawal completes a withdrawal: burns the shares and pays the
// corresponding collateral out of the vault.
func (p *Protocol) ValidateWithdrawal(
	ctx context.Context,
	validator ledger.Address,
	priceBlob []byte,
	oracleFee *uint256.Int,
) (out *Outcome, err error) {
	start := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.observeAction(pending.KindWithdrawal, false, start, err) }()

	action, err := p.pendingQ.Get(validator)
	if err != nil {
		return nil, err
	}
	if action.Kind != pending.KindWithdrawal {
		return nil, fmt.Errorf("%w: have %s, want %s", pending.ErrActionKindMismatch, action.Kind, pending.KindWithdrawal)
	}

	now := p.now()
	actionID := newActionID()
	target := action.Timestamp + p.params.ValidationDelay
	info, err := p.validatePrice(actionID, target, oracle.ActionValidateWithdrawal, priceBlob, oracleFee)
	if err != nil {
		return nil, err
	}

	cp := p.takeCheckpoint()
	pass, err := p.advance(ctx, info, now, rewards.ActionUser)
	if err != nil {
		p.rollback(cp)
		return nil, err
	}

	assets, err := p.settleWithdrawal(action, info)
	if err != nil {
		p.rollback(cp)
		return nil, err
	}
	p.pendingQ.Take(validator, pending.KindWithdrawal)

	p.log.Info().
		Str("action_id", actionID).
		Str("validator", validator.String()).
		Str("assets", assets.String()).
		Msg("withdrawal validated")

	return p.seal(&Outcome{
		ActionID:              actionID,
		LiquidatedTicks:       len(pass.liq.Ticks),
		LiquidatedPositions:   pass.liq.LiquidatedPositions,
		Rebased:               pass.rebased,
		RebalancerAction:      pass.rebAction,
		Reward:                pass.reward,
		WithdrawnAssets:       assets,
		SecurityDepositRefund: new(uint256.Int).Set(action.SecurityDeposit),
	}), nil
}

// settleWithdrawal burns the pending shares and debits the vault. The
// redemption uses the higher of the initiation and validation prices, the
// less favorable direction for an exit.
func (p *Protocol) settleWithdrawal(action *pending.Action, info *oracle.PriceInfo) (*uint256.Int, error) {
	redeemPrice := info.Price
	if action.EntryPrice.Gt(redeemPrice) {
		redeemPrice = action.EntryPrice
	}

	usdnPrice, err := p.usdn.Price(p.vault.BalanceVault, redeemPrice)
	if err != nil {
		return nil, err
	}
	tokens := p.usdn.SharesToTokens(action.Shares)

	// assets = tokens * usdnPrice / assetPrice.
	assets, err := fixedpoint.MulDiv(tokens, usdnPrice, redeemPrice, fixedpoint.RoundDown)
	if err != nil {
		return nil, err
	}
	if err := p.usdn.BurnShares(action.Shares); err != nil {
		return nil, err
	}
	p.vault.SubVault(assets)
	return assets, nil
}

// requireFreeSlot rejects an initiate while the validator has an action
// pending and within its deadline. An expired action is evicted here so the
// slot frees up, per the liveness rule that later calls clean up stale ones.
func (p *Protocol) requireFreeSlot(validator ledger.Address) error {
	action, err := p.pendingQ.Get(validator)
	if err != nil {
		return nil // no pending action
	}
	if action.Timestamp+p.params.ValidationDeadline >= p.now() {
		return fmt.Errorf("%w: %s", pending.ErrPendingActionActive, validator)
	}
	return nil
}
