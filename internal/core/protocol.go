package core

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"UsdnLedger/internal/config"
	"UsdnLedger/internal/funding"
	"UsdnLedger/internal/ledger"
	"UsdnLedger/internal/liquidation"
	"UsdnLedger/internal/observability"
	"UsdnLedger/internal/oracle"
	"UsdnLedger/internal/pending"
	"UsdnLedger/internal/rebalancer"
	"UsdnLedger/internal/rewards"
	"UsdnLedger/internal/vault"
)

var (
	ErrZeroAmount               = errors.New("core: amount must be positive")
	ErrInvalidTo                = errors.New("core: destination address must not be zero")
	ErrInvalidLiquidationPrice  = errors.New("core: liquidation price must be below the current price")
	ErrLeverageTooHigh          = errors.New("core: leverage above the configured maximum")
	ErrLeverageTooLow           = errors.New("core: leverage below one")
	ErrNotOwner                 = errors.New("core: caller does not own the position")
	ErrPositionNotValidated     = errors.New("core: position has not been validated yet")
	ErrSecurityDepositMismatch  = errors.New("core: security deposit does not match the configured amount")
	ErrAmountExceedsPosition    = errors.New("core: close amount exceeds the position exposure")
)

// Params are the protocol tunables, parsed into fixed-point form.
type Params struct {
	TickSpacing           int
	MinLongPosition       *uint256.Int
	MaxLeverage           *uint256.Int
	LiquidationPenaltyBps uint64

	Funding funding.Params

	SecurityDeposit    *uint256.Int
	ValidationDelay    int64
	ValidationDeadline int64

	MaxLiquidationIteration int

	Rebalancer rebalancer.Thresholds

	RebaseThreshold *uint256.Int
	RebaseTarget    *uint256.Int

	Rewards rewards.Params
}

// ParamsFromConfig parses the wad-string tunables from the loaded config.
func ParamsFromConfig(pc config.ProtocolConfig) (Params, error) {
	wad := func(field, s string) (*uint256.Int, error) {
		v, err := uint256.FromDecimal(s)
		if err != nil {
			return nil, fmt.Errorf("core: bad %s %q: %w", field, s, err)
		}
		return v, nil
	}

	out := Params{
		TickSpacing:             pc.TickSpacing,
		LiquidationPenaltyBps:   pc.LiquidationPenaltyBps,
		ValidationDelay:         pc.ValidationDelaySeconds,
		ValidationDeadline:      pc.ValidationDeadlineSeconds,
		MaxLiquidationIteration: pc.MaxLiquidationIteration,
		Rebalancer: rebalancer.Thresholds{
			OpenBps:  pc.OpenImbalanceBps,
			CloseBps: pc.CloseImbalanceBps,
		},
		Funding: funding.Params{EMAPeriod: pc.EMAPeriodSeconds},
		Rewards: rewards.Params{SeizedShareBps: pc.RewardSeizedShareBps},
	}

	var err error
	if out.MinLongPosition, err = wad("MinLongPosition", pc.MinLongPosition); err != nil {
		return Params{}, err
	}
	if out.MaxLeverage, err = wad("MaxLeverage", pc.MaxLeverage); err != nil {
		return Params{}, err
	}
	if out.Funding.SF, err = wad("FundingSF", pc.FundingSF); err != nil {
		return Params{}, err
	}
	if out.SecurityDeposit, err = wad("SecurityDeposit", pc.SecurityDeposit); err != nil {
		return Params{}, err
	}
	if out.RebaseThreshold, err = wad("RebaseThreshold", pc.RebaseThreshold); err != nil {
		return Params{}, err
	}
	if out.RebaseTarget, err = wad("RebaseTarget", pc.RebaseTarget); err != nil {
		return Params{}, err
	}
	if out.Rewards.BaseReward, err = wad("RewardBase", pc.RewardBase); err != nil {
		return Params{}, err
	}
	if out.Rewards.PerTickReward, err = wad("RewardPerTick", pc.RewardPerTick); err != nil {
		return Params{}, err
	}
	if out.Rewards.MaxReward, err = wad("RewardMax", pc.RewardMax); err != nil {
		return Params{}, err
	}
	return out, nil
}

// Outcome reports what one protocol call did. Fields not relevant to the
// call's kind stay nil/zero.
type Outcome struct {
	ActionID string

	// Sequence is the call's position in the state-hash chain.
	Sequence int64

	LiquidatedTicks     int
	LiquidatedPositions int
	Rebased             bool
	RebalancerAction    rebalancer.Action
	Reward              *uint256.Int

	MintedUsdn      *uint256.Int
	WithdrawnAssets *uint256.Int
	Payout          *uint256.Int

	PositionTick    int
	PositionVersion uint64
	PositionIndex   int

	// PositionGone reports that a validate found its position already
	// liquidated; the pending action is consumed with no further effect.
	PositionGone bool

	SecurityDepositRefund *uint256.Int

	// EvictedActions counts stale pending actions settled by the call.
	EvictedActions int

	StateHash [32]byte
}

// Protocol is the global protocol singleton: the vault, the USDN share
// ledger, the tick-indexed position store and the pending-action queue, tied
// together by the entry points. Every call runs under one mutex; within a
// call the oracle price is resolved first, then accrual, then the
// liquidation pass, then the action's own mutation.
type Protocol struct {
	mu sync.Mutex

	params Params

	vault    *vault.State
	usdn     *vault.Usdn
	store    *ledger.Store
	pendingQ *pending.Queue
	engine   *liquidation.Engine

	middleware *oracle.Middleware
	rewardsMgr *rewards.Manager
	trigger    rebalancer.Trigger

	hasher   *StateHasher
	sequence int64

	metrics *observability.Metrics
	log     zerolog.Logger

	now func() int64
}

// Option adjusts a Protocol at construction.
type Option func(*Protocol)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() int64) Option {
	return func(p *Protocol) { p.now = now }
}

func NewProtocol(
	params Params,
	middleware *oracle.Middleware,
	trigger rebalancer.Trigger,
	metrics *observability.Metrics,
	log zerolog.Logger,
	initialPrice *uint256.Int,
	startTs int64,
	opts ...Option,
) *Protocol {
	store := ledger.NewStore(params.TickSpacing, params.MinLongPosition)
	p := &Protocol{
		params:     params,
		vault:      vault.NewState(initialPrice, startTs),
		usdn:       vault.NewUsdn(),
		store:      store,
		pendingQ:   pending.NewQueue(),
		engine:     liquidation.NewEngine(store, params.LiquidationPenaltyBps),
		middleware: middleware,
		rewardsMgr: rewards.NewManager(params.Rewards),
		trigger:    trigger,
		hasher:     NewStateHasher(),
		metrics:    metrics,
		log:        log,
		now:        func() int64 { return time.Now().Unix() },
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func newActionID() string { return uuid.NewString() }

// checkpoint captures the rollback state for one call. Ledger mutations made
// by the liquidation pass are not part of it: a liquidation reflects the
// oracle price and stands even when the surrounding action fails.
type checkpoint struct {
	vault       *vault.State
	usdnDivisor *uint256.Int
	usdnShares  *uint256.Int
}

func (p *Protocol) takeCheckpoint() checkpoint {
	return checkpoint{
		vault:       p.vault.Clone(),
		usdnDivisor: p.usdn.Divisor(),
		usdnShares:  p.usdn.TotalShares(),
	}
}

func (p *Protocol) rollback(cp checkpoint) {
	p.vault = cp.vault
	p.usdn.RestoreState(cp.usdnDivisor, cp.usdnShares)
}

// passResult is the shared outcome of the accrual + liquidation + rebase +
// rebalancer sequence that precedes every action mutation.
type passResult struct {
	liq       *liquidation.Result
	rebased   bool
	rebAction rebalancer.Action
	reward    *uint256.Int
}

// advance brings the protocol current at the given price: funding/PnL
// accrual, then the bounded liquidation pass, then the rebase check, then the
// rebalancer trigger. Must run before any action mutation in the same call.
func (p *Protocol) advance(ctx context.Context, info *oracle.PriceInfo, now int64, kind rewards.ActionKind) (*passResult, error) {
	elapsed := now - p.vault.LastUpdateTs
	totalExpo := p.store.TotalExpo()

	acc, err := funding.ComputeAccrual(
		p.vault.TradingExpo(totalExpo),
		p.vault.BalanceVault,
		p.vault.LastPrice,
		info.NeutralPrice,
		p.vault.EMA,
		elapsed,
		p.params.Funding,
	)
	if err != nil {
		return nil, fmt.Errorf("accrual: %w", err)
	}
	p.vault.ApplyAccrual(acc, info.NeutralPrice, now)

	liqRes, err := p.engine.Run(info.NeutralPrice, p.params.MaxLiquidationIteration)
	if err != nil {
		return nil, fmt.Errorf("liquidation pass: %w", err)
	}
	p.vault.TransferLongToVault(liqRes.RemainingCollateral)

	rebased := false
	if newDivisor, needed, err := p.usdn.RebaseCheck(
		p.vault.BalanceVault, info.NeutralPrice, p.params.RebaseThreshold, p.params.RebaseTarget,
	); err != nil {
		return nil, fmt.Errorf("rebase check: %w", err)
	} else if needed {
		if err := p.usdn.Rebase(newDivisor); err != nil {
			return nil, fmt.Errorf("rebase: %w", err)
		}
		rebased = true
		if p.metrics != nil {
			p.metrics.RebaseTotal.Inc()
		}
		p.log.Info().Str("divisor", newDivisor.String()).Msg("usdn rebased")
	}

	rebAction, imbalanceBps := rebalancer.Evaluate(
		p.vault.TradingExpo(p.store.TotalExpo()), p.vault.BalanceVault, p.params.Rebalancer)
	switch rebAction {
	case rebalancer.ActionOpened:
		if err := p.trigger.TriggerOpen(ctx, imbalanceBps); err != nil {
			p.log.Warn().Err(err).Int64("imbalance_bps", imbalanceBps).Msg("rebalancer open trigger failed")
			rebAction = rebalancer.ActionNone
		}
	case rebalancer.ActionClosed:
		if err := p.trigger.TriggerClose(ctx, imbalanceBps); err != nil {
			p.log.Warn().Err(err).Int64("imbalance_bps", imbalanceBps).Msg("rebalancer close trigger failed")
			rebAction = rebalancer.ActionNone
		}
	}

	reward, err := p.rewardsMgr.ComputeRewards(liqRes.Ticks, info.NeutralPrice, rebased, rebAction, kind)
	if err != nil {
		return nil, fmt.Errorf("rewards: %w", err)
	}
	if !reward.IsZero() {
		p.vault.SubVault(reward)
	}

	p.observePass(liqRes, rebased, rebAction, imbalanceBps)

	return &passResult{liq: liqRes, rebased: rebased, rebAction: rebAction, reward: reward}, nil
}

func (p *Protocol) observePass(liqRes *liquidation.Result, rebased bool, rebAction rebalancer.Action, imbalanceBps int64) {
	if p.metrics == nil {
		return
	}
	if n := len(liqRes.Ticks); n > 0 {
		p.metrics.LiquidationTicks.Add(float64(n))
		p.metrics.LiquidationPositions.Add(float64(liqRes.LiquidatedPositions))
		if liqRes.CapHit {
			p.metrics.LiquidationCapHits.Inc()
		}
		if liqRes.RemainingCollateral.Sign() < 0 {
			p.metrics.LiquidationBadDebt.Inc()
		}
	}
	if rebAction != rebalancer.ActionNone {
		p.metrics.RebalancerEvents.WithLabelValues(rebAction.String()).Inc()
	}
	p.metrics.ImbalanceBps.Set(float64(imbalanceBps))
	p.metrics.FundingEMA.Set(emaFloat(p.vault.EMA))
	imbalance := funding.Imbalance(p.vault.TradingExpo(p.store.TotalExpo()), p.vault.BalanceVault)
	if inst, err := funding.InstantaneousRate(imbalance, p.params.Funding.SF); err == nil {
		p.metrics.FundingRate.Set(emaFloat(inst))
	}
	p.metrics.VaultBalance.Set(wadFloat(p.vault.BalanceVault))
	p.metrics.LongBalance.Set(wadFloat(p.vault.BalanceLong))
	p.metrics.LongTotalExpo.Set(wadFloat(p.store.TotalExpo()))
	p.metrics.PendingActions.Set(float64(p.pendingQ.Len()))
}

// seal commits the call and stamps the outcome with its chain position.
func (p *Protocol) seal(out *Outcome) *Outcome {
	out.Sequence = p.sequence
	out.StateHash = p.commit()
	return out
}

// commit seals the call into the state-hash chain and returns the new tip.
func (p *Protocol) commit() [32]byte {
	digest := p.stateDigest()
	hash := p.hasher.ComputeHash(p.sequence, digest)
	p.sequence++
	return hash
}

// stateDigest serializes the aggregate state the hash chain covers.
func (p *Protocol) stateDigest() []byte {
	buf := make([]byte, 0, 32*5+16)

	appendWord := func(v *uint256.Int) {
		b := v.Bytes32()
		buf = append(buf, b[:]...)
	}
	appendWord(p.vault.BalanceVault)
	appendWord(p.vault.BalanceLong)
	appendWord(p.vault.LastPrice)
	appendWord(p.usdn.Divisor())
	appendWord(p.usdn.TotalShares())
	appendWord(p.store.TotalExpo())

	var tail [16]byte
	binary.LittleEndian.PutUint64(tail[:8], uint64(p.vault.LastUpdateTs))
	binary.LittleEndian.PutUint64(tail[8:], uint64(p.pendingQ.Len()))
	return append(buf, tail[:]...)
}

// StateHash returns the current chain tip.
func (p *Protocol) StateHash() [32]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hasher.GetPrevHash()
}

// Sequence returns the number of committed calls.
func (p *Protocol) Sequence() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sequence
}

// validatePrice resolves and checks the oracle blob for an action.
func (p *Protocol) validatePrice(actionID string, target int64, kind oracle.Action, blob []byte, fee *uint256.Int) (*oracle.PriceInfo, error) {
	info, err := p.middleware.ParseAndValidatePrice(actionID, target, kind, blob, fee)
	if p.metrics != nil {
		p.metrics.OracleRequests.WithLabelValues(p.middleware.SourceName()).Inc()
		if err != nil {
			p.metrics.OracleErrors.WithLabelValues(p.middleware.SourceName(), oracleErrReason(err)).Inc()
		}
	}
	return info, err
}

func oracleErrReason(err error) string {
	switch {
	case errors.Is(err, oracle.ErrPriceTooOld):
		return "too_old"
	case errors.Is(err, oracle.ErrPriceTooEarly):
		return "too_early"
	case errors.Is(err, oracle.ErrNegativePrice):
		return "negative_price"
	case errors.Is(err, oracle.ErrFeeMismatch):
		return "fee_mismatch"
	case errors.Is(err, oracle.ErrBadSignature):
		return "bad_signature"
	default:
		return "malformed"
	}
}

func (p *Protocol) checkSecurityDeposit(deposit *uint256.Int) error {
	if deposit == nil || !deposit.Eq(p.params.SecurityDeposit) {
		return fmt.Errorf("%w: got %s, want %s", ErrSecurityDepositMismatch, deposit, p.params.SecurityDeposit)
	}
	return nil
}

func (p *Protocol) observeAction(kind pending.Kind, initiated bool, start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	k := kind.String()
	if err != nil {
		p.metrics.ActionsRejected.WithLabelValues(k, rejectionReason(err)).Inc()
		return
	}
	if initiated {
		p.metrics.ActionsInitiated.WithLabelValues(k).Inc()
	} else {
		p.metrics.ActionsValidated.WithLabelValues(k).Inc()
	}
	p.metrics.ActionDuration.WithLabelValues(k).Observe(time.Since(start).Seconds())
	p.metrics.PendingActions.Set(float64(p.pendingQ.Len()))
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, pending.ErrPendingActionActive):
		return "pending_active"
	case errors.Is(err, pending.ErrNoPendingAction):
		return "no_pending"
	case errors.Is(err, pending.ErrActionKindMismatch):
		return "kind_mismatch"
	case errors.Is(err, oracle.ErrPriceTooEarly), errors.Is(err, oracle.ErrPriceTooOld):
		return "temporal"
	case errors.Is(err, ledger.ErrOutdatedTick):
		return "outdated_tick"
	case errors.Is(err, ErrZeroAmount), errors.Is(err, ErrInvalidTo):
		return "invalid_input"
	default:
		return "other"
	}
}

func wadFloat(v *uint256.Int) float64 {
	return v.Float64() / 1e18
}

func emaFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f / 1e18
}
