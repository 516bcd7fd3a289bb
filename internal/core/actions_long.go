package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"UsdnLedger/internal/fixedpoint"
	"UsdnLedger/internal/ledger"
	"UsdnLedger/internal/oracle"
	"UsdnLedger/internal/pending"
	"UsdnLedger/internal/rewards"
	"UsdnLedger/internal/tickmath"
)

// InitiateOpenPosition starts a two-phase long open. The provisional position
// enters the ledger immediately at the initiation price so its exposure
// counts toward liquidation; validation confirms it.
func (p *Protocol) InitiateOpenPosition(
	ctx context.Context,
	validator, to ledger.Address,
	amount *uint256.Int,
	desiredLiqPrice *uint256.Int,
	securityDeposit *uint256.Int,
	priceBlob []byte,
	oracleFee *uint256.Int,
) (out *Outcome, err error) {
	start := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.observeAction(pending.KindOpenPosition, true, start, err) }()

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
	info, err := p.validatePrice(actionID, now, oracle.ActionInitiateOpen, priceBlob, oracleFee)
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

	tick, totalExpo, err := p.positionForLiqPrice(amount, info.Price, desiredLiqPrice)
	if err != nil {
		p.rollback(cp)
		return nil, err
	}

	pos := &ledger.Position{
		Owner:      to,
		Collateral: new(uint256.Int).Set(amount),
		EntryPrice: new(uint256.Int).Set(info.Price),
		TotalExpo:  totalExpo,
		Timestamp:  now,
		Validated:  false,
	}
	index, version, err := p.store.Open(tick, pos)
	if err != nil {
		p.rollback(cp)
		return nil, err
	}
	p.vault.AddLong(amount)

	action := &pending.Action{
		Kind:            pending.KindOpenPosition,
		Validator:       validator,
		To:              to,
		Timestamp:       now,
		SecurityDeposit: new(uint256.Int).Set(securityDeposit),
		Amount:          new(uint256.Int).Set(amount),
		Tick:            tick,
		TickVersion:     version,
		Index:           index,
		EntryPrice:      new(uint256.Int).Set(info.Price),
		TotalExpo:       new(uint256.Int).Set(totalExpo),
	}
	if err := p.pendingQ.Push(action); err != nil {
		p.store.Close(tick, version, index, pos.TotalExpo)
		p.rollback(cp)
		return nil, err
	}

	p.log.Info().
		Str("action_id", actionID).
		Str("validator", validator.String()).
		Str("amount", amount.String()).
		Str("expo", totalExpo.String()).
		Int("tick", tick).
		Msg("open position initiated")

	return p.seal(&Outcome{
		ActionID:            actionID,
		LiquidatedTicks:     len(pass.liq.Ticks),
		LiquidatedPositions: pass.liq.LiquidatedPositions,
		Rebased:             pass.rebased,
		RebalancerAction:    pass.rebAction,
		Reward:              pass.reward,
		PositionTick:        tick,
		PositionVersion:     version,
		PositionIndex:       index,
	}), nil
}

// positionForLiqPrice maps a desired liquidation price to its tick and the
// position's total exposure at the given entry price, enforcing the leverage
// bounds.
func (p *Protocol) positionForLiqPrice(amount, entryPrice, desiredLiqPrice *uint256.Int) (int, *uint256.Int, error) {
	if desiredLiqPrice == nil || desiredLiqPrice.IsZero() {
		return 0, nil, ErrInvalidLiquidationPrice
	}
	tick, err := tickmath.TickForLiquidationPrice(desiredLiqPrice, p.params.TickSpacing)
	if err != nil {
		return 0, nil, err
	}
	tickPrice, err := tickmath.TickToPrice(tick)
	if err != nil {
		return 0, nil, err
	}
	liqPriceEff, err := tickmath.PriceWithPenalty(tickPrice, p.params.LiquidationPenaltyBps)
	if err != nil {
		return 0, nil, err
	}
	if !liqPriceEff.Lt(entryPrice) {
		return 0, nil, fmt.Errorf("%w: %s at price %s", ErrInvalidLiquidationPrice, desiredLiqPrice, entryPrice)
	}

	// totalExpo = amount * entryPrice / (entryPrice - liqPriceEff).
	margin := new(uint256.Int).Sub(entryPrice, liqPriceEff)
	totalExpo, err := fixedpoint.MulDiv(amount, entryPrice, margin, fixedpoint.RoundDown)
	if err != nil {
		return 0, nil, err
	}

	leverage, err := fixedpoint.WadDiv(totalExpo, amount)
	if err != nil {
		return 0, nil, err
	}
	if leverage.Gt(p.params.MaxLeverage) {
		return 0, nil, fmt.Errorf("%w: %s", ErrLeverageTooHigh, leverage)
	}
	if leverage.Lt(fixedpoint.WadOne()) {
		return 0, nil, fmt.Errorf("%w: %s", ErrLeverageTooLow, leverage)
	}
	return tick, totalExpo, nil
}

// checkLeverageAtPrice re-derives the leverage a position in the given tick
// has at the given price: price / (price - liqPriceEff). A price at or below
// the effective liquidation price, or one implying leverage above the cap,
// fails the check.
func (p *Protocol) checkLeverageAtPrice(tick int, price *uint256.Int) error {
	tickPrice, err := tickmath.TickToPrice(tick)
	if err != nil {
		return err
	}
	liqPriceEff, err := tickmath.PriceWithPenalty(tickPrice, p.params.LiquidationPenaltyBps)
	if err != nil {
		return err
	}
	if !liqPriceEff.Lt(price) {
		return fmt.Errorf("%w: price %s at or below liquidation price %s", ErrLeverageTooHigh, price, liqPriceEff)
	}
	margin := new(uint256.Int).Sub(price, liqPriceEff)
	leverage, err := fixedpoint.WadDiv(price, margin)
	if err != nil {
		return err
	}
	if leverage.Gt(p.params.MaxLeverage) {
		return fmt.Errorf("%w: %s at validation price %s", ErrLeverageTooHigh, leverage, price)
	}
	return nil
}

// ValidateOpenPosition confirms a provisional open. The leverage is checked
// again at the validation price: a price that drifted too close to the
// position's liquidation tick rejects the confirmation, leaving the action
// pending for a later price. If the liquidation pass in this or an earlier
// call already cleared the position's tick, the pending action is consumed
// with nothing left to confirm.
func (p *Protocol) ValidateOpenPosition(
	ctx context.Context,
	validator ledger.Address,
	priceBlob []byte,
	oracleFee *uint256.Int,
) (out *Outcome, err error) {
	start := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.observeAction(pending.KindOpenPosition, false, start, err) }()

	action, err := p.pendingQ.Get(validator)
	if err != nil {
		return nil, err
	}
	if action.Kind != pending.KindOpenPosition {
		return nil, fmt.Errorf("%w: have %s, want %s", pending.ErrActionKindMismatch, action.Kind, pending.KindOpenPosition)
	}

	now := p.now()
	actionID := newActionID()
	target := action.Timestamp + p.params.ValidationDelay
	info, err := p.validatePrice(actionID, target, oracle.ActionValidateOpen, priceBlob, oracleFee)
	if err != nil {
		return nil, err
	}

	cp := p.takeCheckpoint()
	pass, err := p.advance(ctx, info, now, rewards.ActionUser)
	if err != nil {
		p.rollback(cp)
		return nil, err
	}

	outcome := &Outcome{
		ActionID:              actionID,
		LiquidatedTicks:       len(pass.liq.Ticks),
		LiquidatedPositions:   pass.liq.LiquidatedPositions,
		Rebased:               pass.rebased,
		RebalancerAction:      pass.rebAction,
		Reward:                pass.reward,
		PositionTick:          action.Tick,
		PositionVersion:       action.TickVersion,
		PositionIndex:         action.Index,
		SecurityDepositRefund: new(uint256.Int).Set(action.SecurityDeposit),
	}

	pos, err := p.store.Get(action.Tick, action.TickVersion, action.Index)
	switch {
	case errors.Is(err, ledger.ErrOutdatedTick):
		outcome.PositionGone = true
	case err != nil:
		p.rollback(cp)
		return nil, err
	default:
		if err := p.checkLeverageAtPrice(action.Tick, info.Price); err != nil {
			p.rollback(cp)
			return nil, err
		}
		pos.Validated = true
	}
	p.pendingQ.Take(validator, pending.KindOpenPosition)

	p.log.Info().
		Str("action_id", actionID).
		Str("validator", validator.String()).
		Int("tick", action.Tick).
		Bool("position_gone", outcome.PositionGone).
		Msg("open position validated")

	return p.seal(outcome), nil
}

// InitiateClosePosition starts a two-phase close. The closed portion leaves
// the ledger immediately so it cannot be liquidated twice; the payout happens
// on validation.
func (p *Protocol) InitiateClosePosition(
	ctx context.Context,
	validator, to ledger.Address,
	tick int,
	tickVersion uint64,
	index int,
	expoToClose *uint256.Int,
	securityDeposit *uint256.Int,
	priceBlob []byte,
	oracleFee *uint256.Int,
) (out *Outcome, err error) {
	start := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.observeAction(pending.KindClosePosition, true, start, err) }()

	if expoToClose == nil || expoToClose.IsZero() {
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

	pos, err := p.store.Get(tick, tickVersion, index)
	if err != nil {
		return nil, err
	}
	if pos.Owner != validator {
		return nil, fmt.Errorf("%w: %s", ErrNotOwner, validator)
	}
	if !pos.Validated {
		return nil, ErrPositionNotValidated
	}
	if expoToClose.Gt(pos.TotalExpo) {
		return nil, fmt.Errorf("%w: %s > %s", ErrAmountExceedsPosition, expoToClose, pos.TotalExpo)
	}

	now := p.now()
	actionID := newActionID()
	info, err := p.validatePrice(actionID, now, oracle.ActionInitiateClose, priceBlob, oracleFee)
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

	// The pass may have liquidated the very tick being closed. That is a
	// resolution, not an error: the position is gone and there is nothing
	// left to close.
	removed, _, err := p.store.Close(tick, tickVersion, index, expoToClose)
	if errors.Is(err, ledger.ErrOutdatedTick) {
		outcome := &Outcome{
			ActionID:            actionID,
			LiquidatedTicks:     len(pass.liq.Ticks),
			LiquidatedPositions: pass.liq.LiquidatedPositions,
			Rebased:             pass.rebased,
			RebalancerAction:    pass.rebAction,
			Reward:              pass.reward,
			PositionGone:        true,
		}
		return p.seal(outcome), nil
	}
	if err != nil {
		p.rollback(cp)
		return nil, err
	}

	action := &pending.Action{
		Kind:            pending.KindClosePosition,
		Validator:       validator,
		To:              to,
		Timestamp:       now,
		SecurityDeposit: new(uint256.Int).Set(securityDeposit),
		Amount:          removed.Collateral,
		Tick:            tick,
		TickVersion:     tickVersion,
		Index:           index,
		EntryPrice:      removed.EntryPrice,
		TotalExpo:       removed.TotalExpo,
	}
	if err := p.pendingQ.Push(action); err != nil {
		p.rollback(cp)
		return nil, err
	}

	p.log.Info().
		Str("action_id", actionID).
		Str("validator", validator.String()).
		Str("expo", expoToClose.String()).
		Int("tick", tick).
		Msg("close position initiated")

	return p.seal(&Outcome{
		ActionID:            actionID,
		LiquidatedTicks:     len(pass.liq.Ticks),
		LiquidatedPositions: pass.liq.LiquidatedPositions,
		Rebased:             pass.rebased,
		RebalancerAction:    pass.rebAction,
		Reward:              pass.reward,
	}), nil
}

// ValidateClosePosition completes a close: values the removed portion at the
// validation price and settles the payout between the long and vault sides.
func (p *Protocol) ValidateClosePosition(
	ctx context.Context,
	validator ledger.Address,
	priceBlob []byte,
	oracleFee *uint256.Int,
) (out *Outcome, err error) {
	start := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	defer func() { p.observeAction(pending.KindClosePosition, false, start, err) }()

	action, err := p.pendingQ.Get(validator)
	if err != nil {
		return nil, err
	}
	if action.Kind != pending.KindClosePosition {
		return nil, fmt.Errorf("%w: have %s, want %s", pending.ErrActionKindMismatch, action.Kind, pending.KindClosePosition)
	}

	now := p.now()
	actionID := newActionID()
	target := action.Timestamp + p.params.ValidationDelay
	info, err := p.validatePrice(actionID, target, oracle.ActionValidateClose, priceBlob, oracleFee)
	if err != nil {
		return nil, err
	}

	cp := p.takeCheckpoint()
	pass, err := p.advance(ctx, info, now, rewards.ActionUser)
	if err != nil {
		p.rollback(cp)
		return nil, err
	}

	payout, err := p.settleClose(action, info.Price)
	if err != nil {
		p.rollback(cp)
		return nil, err
	}
	p.pendingQ.Take(validator, pending.KindClosePosition)

	p.log.Info().
		Str("action_id", actionID).
		Str("validator", validator.String()).
		Str("payout", payout.String()).
		Msg("close position validated")

	return p.seal(&Outcome{
		ActionID:              actionID,
		LiquidatedTicks:       len(pass.liq.Ticks),
		LiquidatedPositions:   pass.liq.LiquidatedPositions,
		Rebased:               pass.rebased,
		RebalancerAction:      pass.rebAction,
		Reward:                pass.reward,
		Payout:                payout,
		SecurityDepositRefund: new(uint256.Int).Set(action.SecurityDeposit),
	}), nil
}

// settleClose values the closed portion at the given price and moves the
// collateral and PnL between the two sides. A price at or below the
// effective liquidation price settles as a liquidation: zero payout, the
// collateral stays with the protocol.
func (p *Protocol) settleClose(action *pending.Action, price *uint256.Int) (*uint256.Int, error) {
	tickPrice, err := tickmath.TickToPrice(action.Tick)
	if err != nil {
		return nil, err
	}
	liqPriceEff, err := tickmath.PriceWithPenalty(tickPrice, p.params.LiquidationPenaltyBps)
	if err != nil {
		return nil, err
	}

	payout := new(uint256.Int)
	if price.Gt(liqPriceEff) {
		// payout = expo * (price - liqPriceEff) / price.
		gain := new(uint256.Int).Sub(price, liqPriceEff)
		payout, err = fixedpoint.MulDiv(action.TotalExpo, gain, price, fixedpoint.RoundDown)
		if err != nil {
			return nil, err
		}
	}

	// The collateral leaves the long side; profit or loss against it settles
	// with the vault.
	p.vault.SubLong(action.Amount)
	if payout.Gt(action.Amount) {
		profit := new(uint256.Int).Sub(payout, action.Amount)
		p.vault.SubVault(profit)
	} else {
		loss := new(uint256.Int).Sub(action.Amount, payout)
		p.vault.AddVault(loss)
	}
	return payout, nil
}
