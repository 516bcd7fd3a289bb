package core

import (
	"context"
	"errors"
	"time"

	"github.com/holiman/uint256"

	"UsdnLedger/internal/ledger"
	"UsdnLedger/internal/oracle"
	"UsdnLedger/internal/pending"
	"UsdnLedger/internal/rewards"
)

// Liquidate is the keeper entry point: it runs the shared accrual and
// liquidation pass with a fresh price and pays the keeper reward. No action
// mutation follows; a pass that clears nothing still updates funding state.
func (p *Protocol) Liquidate(
	ctx context.Context,
	priceBlob []byte,
	oracleFee *uint256.Int,
) (out *Outcome, err error) {
	start := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	actionID := newActionID()
	info, err := p.validatePrice(actionID, now, oracle.ActionLiquidation, priceBlob, oracleFee)
	if err != nil {
		return nil, err
	}

	cp := p.takeCheckpoint()
	pass, err := p.advance(ctx, info, now, rewards.ActionKeeper)
	if err != nil {
		p.rollback(cp)
		return nil, err
	}

	if p.metrics != nil {
		if !pass.reward.IsZero() {
			p.metrics.LiquidationRewards.Add(wadFloat(pass.reward))
		}
		p.metrics.ActionDuration.WithLabelValues("liquidate").Observe(time.Since(start).Seconds())
	}

	p.log.Info().
		Str("action_id", actionID).
		Int("ticks", len(pass.liq.Ticks)).
		Bool("cap_hit", pass.liq.CapHit).
		Str("reward", pass.reward.String()).
		Msg("liquidation pass")

	return p.seal(&Outcome{
		ActionID:            actionID,
		LiquidatedTicks:     len(pass.liq.Ticks),
		LiquidatedPositions: pass.liq.LiquidatedPositions,
		Rebased:             pass.rebased,
		RebalancerAction:    pass.rebAction,
		Reward:              pass.reward,
	}), nil
}

// ValidateActionablePendingActions settles up to max stale pending actions
// using the supplied price, oldest first. It is a keeper entry point like
// Liquidate, so its pass pays the keeper reward. Each settled action refunds
// its security deposit to its own initiator.
func (p *Protocol) ValidateActionablePendingActions(
	ctx context.Context,
	priceBlob []byte,
	oracleFee *uint256.Int,
	max int,
) (out *Outcome, err error) {
	start := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	actionID := newActionID()
	info, err := p.validatePrice(actionID, now, oracle.ActionLiquidation, priceBlob, oracleFee)
	if err != nil {
		return nil, err
	}

	cp := p.takeCheckpoint()
	pass, err := p.advance(ctx, info, now, rewards.ActionKeeper)
	if err != nil {
		p.rollback(cp)
		return nil, err
	}

	settled := p.evictStale(info, now, max)

	if p.metrics != nil {
		if !pass.reward.IsZero() {
			p.metrics.LiquidationRewards.Add(wadFloat(pass.reward))
		}
		p.metrics.ActionDuration.WithLabelValues("sweep_pending").Observe(time.Since(start).Seconds())
	}

	return p.seal(&Outcome{
		ActionID:            actionID,
		LiquidatedTicks:     len(pass.liq.Ticks),
		LiquidatedPositions: pass.liq.LiquidatedPositions,
		Rebased:             pass.rebased,
		RebalancerAction:    pass.rebAction,
		Reward:              pass.reward,
		EvictedActions:      settled,
	}), nil
}

// evictStale settles expired pending actions with the current call's price,
// oldest first, up to limit. Settlement follows each action's validate path;
// the price has already cleared the freshness window, and expiry waives the
// per-action delay check.
func (p *Protocol) evictStale(info *oracle.PriceInfo, now int64, limit int) int {
	stale := p.pendingQ.Stale(now, p.params.ValidationDeadline, limit)
	evicted := 0
	for _, action := range stale {
		if err := p.settleEvicted(action, info); err != nil {
			p.log.Warn().Err(err).
				Str("validator", action.Validator.String()).
				Str("kind", action.Kind.String()).
				Msg("stale action settlement failed")
			continue
		}
		p.pendingQ.Remove(action.Validator)
		evicted++
		if p.metrics != nil {
			p.metrics.StaleEvictions.Inc()
		}
		p.log.Info().
			Str("validator", action.Validator.String()).
			Str("kind", action.Kind.String()).
			Msg("stale action evicted")
	}
	return evicted
}

// evictOwn clears the caller's own expired action so its slot frees up for
// the initiate in progress.
func (p *Protocol) evictOwn(validator ledger.Address, info *oracle.PriceInfo, now int64) {
	action, err := p.pendingQ.Get(validator)
	if err != nil {
		return
	}
	if action.Timestamp+p.params.ValidationDeadline >= now {
		return
	}
	if err := p.settleEvicted(action, info); err != nil {
		p.log.Warn().Err(err).Str("validator", validator.String()).Msg("own stale action settlement failed")
		return
	}
	p.pendingQ.Remove(validator)
	if p.metrics != nil {
		p.metrics.StaleEvictions.Inc()
	}
}

// settleEvicted applies the validate-side effect of an expired action.
func (p *Protocol) settleEvicted(action *pending.Action, info *oracle.PriceInfo) error {
	switch action.Kind {
	case pending.KindDeposit:
		_, err := p.settleDeposit(action, info)
		return err

	case pending.KindWithdrawal:
		_, err := p.settleWithdrawal(action, info)
		return err

	case pending.KindOpenPosition:
		// Confirm the provisional position if it still exists; a liquidated
		// tick means there is nothing left to confirm.
		pos, err := p.store.Get(action.Tick, action.TickVersion, action.Index)
		if errors.Is(err, ledger.ErrOutdatedTick) {
			return nil
		}
		if err != nil {
			return err
		}
		pos.Validated = true
		return nil

	case pending.KindClosePosition:
		_, err := p.settleClose(action, info.Price)
		return err
	}
	return nil
}
