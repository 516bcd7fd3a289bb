package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"UsdnLedger/internal/core"
	"UsdnLedger/internal/observability"
	"UsdnLedger/internal/persistence"
)

// Dispatcher drains the request channel, runs each request against the
// protocol, and fans the committed outcome out to the persistence worker and
// the outbound publisher. One goroutine; ordering within the channel is the
// commit order.
type Dispatcher struct {
	protocol *core.Protocol
	dedup    *Dedup
	requests <-chan RawRequest
	persist  chan<- persistence.ActionRow
	outbound chan<- OutboundEvent

	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewDispatcher(
	protocol *core.Protocol,
	dedup *Dedup,
	requests <-chan RawRequest,
	persist chan<- persistence.ActionRow,
	outbound chan<- OutboundEvent,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		protocol: protocol,
		dedup:    dedup,
		requests: requests,
		persist:  persist,
		outbound: outbound,
		metrics:  metrics,
		log:      log,
	}
}

// Run processes requests until ctx ends or the channel closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.requests:
			if !ok {
				return nil
			}
			d.handle(ctx, raw)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, raw RawRequest) {
	req, err := ParseRequest(raw)
	if err != nil {
		// Malformed requests never become valid on redelivery.
		d.reject(raw.Subject, "malformed", err)
		raw.Ack()
		return
	}

	kind := string(req.Op)
	if d.dedup.IsDuplicate(kind, req.IdempotencyKey()) {
		raw.Ack()
		return
	}

	out, err := d.dispatch(ctx, req)
	if err != nil {
		// Protocol rejections are deterministic; redelivering the same
		// request would fail the same way.
		d.reject(raw.Subject, "rejected", err)
		raw.Ack()
		return
	}

	payload, err := json.Marshal(outcomePayload(req.Op, out))
	if err != nil {
		d.log.Error().Err(err).Str("op", kind).Msg("marshal outcome")
		raw.Ack()
		return
	}

	var validator *string
	if !req.Validator.IsZero() {
		v := req.Validator.String()
		validator = &v
	}
	row := persistence.ActionRow{
		Sequence:       out.Sequence,
		Kind:           kind,
		ActionID:       out.ActionID,
		IdempotencyKey: req.IdempotencyKey(),
		Validator:      validator,
		Payload:        payload,
		StateHash:      out.StateHash[:],
		Timestamp:      time.Now().UTC(),
	}

	// Blocking send: if persistence falls behind, ingestion stalls rather
	// than losing a committed action.
	select {
	case d.persist <- row:
	case <-ctx.Done():
		raw.Nak()
		return
	}

	select {
	case d.outbound <- OutboundEvent{Op: req.Op, Payload: payload}:
	default:
		// Outbound is best effort; consumers can read the action log.
	}

	d.dedup.MarkProcessed(kind, req.IdempotencyKey())
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues(raw.Subject).Inc()
	}
	raw.Ack()
}

func (d *Dispatcher) reject(subject, reason string, err error) {
	if d.metrics != nil {
		d.metrics.IngestRejected.WithLabelValues(subject, reason).Inc()
	}
	d.log.Warn().Err(err).Str("subject", subject).Str("reason", reason).Msg("request dropped")
}

func (d *Dispatcher) dispatch(ctx context.Context, req *Request) (*core.Outcome, error) {
	p := d.protocol
	switch req.Op {
	case OpInitiateDeposit:
		return p.InitiateDeposit(ctx, req.Validator, req.To, req.Amount, req.SecurityDeposit, req.PriceBlob, req.OracleFee)
	case OpValidateDeposit:
		return p.ValidateDeposit(ctx, req.Validator, req.PriceBlob, req.OracleFee)
	case OpInitiateWithdrawal:
		return p.InitiateWithdrawal(ctx, req.Validator, req.To, req.Shares, req.SecurityDeposit, req.PriceBlob, req.OracleFee)
	case OpValidateWithdrawal:
		return p.ValidateWithdrawal(ctx, req.Validator, req.PriceBlob, req.OracleFee)
	case OpInitiateOpen:
		return p.InitiateOpenPosition(ctx, req.Validator, req.To, req.Amount, req.DesiredLiqPrice, req.SecurityDeposit, req.PriceBlob, req.OracleFee)
	case OpValidateOpen:
		return p.ValidateOpenPosition(ctx, req.Validator, req.PriceBlob, req.OracleFee)
	case OpInitiateClose:
		return p.InitiateClosePosition(ctx, req.Validator, req.To, req.Tick, req.TickVersion, req.Index, req.ExpoToClose, req.SecurityDeposit, req.PriceBlob, req.OracleFee)
	case OpValidateClose:
		return p.ValidateClosePosition(ctx, req.Validator, req.PriceBlob, req.OracleFee)
	case OpLiquidate:
		return p.Liquidate(ctx, req.PriceBlob, req.OracleFee)
	case OpSweepPending:
		return p.ValidateActionablePendingActions(ctx, req.PriceBlob, req.OracleFee, req.MaxActions)
	}
	return nil, ErrUnknownSubject
}

// OutcomeView is the JSON shape of a committed call, shared by the outbound
// stream and the action-log payload column.
type OutcomeView struct {
	Op       string `json:"op"`
	ActionID string `json:"action_id"`
	Sequence int64  `json:"sequence"`

	LiquidatedTicks     int    `json:"liquidated_ticks"`
	LiquidatedPositions int    `json:"liquidated_positions"`
	Rebased             bool   `json:"rebased"`
	RebalancerAction    string `json:"rebalancer_action"`
	Reward              string `json:"reward,omitempty"`
	EvictedActions      int    `json:"evicted_actions,omitempty"`

	MintedUsdn      string `json:"minted_usdn,omitempty"`
	WithdrawnAssets string `json:"withdrawn_assets,omitempty"`
	Payout          string `json:"payout,omitempty"`

	PositionTick    int    `json:"position_tick,omitempty"`
	PositionVersion uint64 `json:"position_version,omitempty"`
	PositionIndex   int    `json:"position_index,omitempty"`
	PositionGone    bool   `json:"position_gone,omitempty"`

	SecurityDepositRefund string `json:"security_deposit_refund,omitempty"`

	StateHash string `json:"state_hash"`
}

func outcomePayload(op Op, out *core.Outcome) OutcomeView {
	str := func(v *uint256.Int) string {
		if v == nil || v.IsZero() {
			return ""
		}
		return v.String()
	}
	return OutcomeView{
		Op:                    string(op),
		ActionID:              out.ActionID,
		Sequence:              out.Sequence,
		LiquidatedTicks:       out.LiquidatedTicks,
		LiquidatedPositions:   out.LiquidatedPositions,
		Rebased:               out.Rebased,
		RebalancerAction:      out.RebalancerAction.String(),
		Reward:                str(out.Reward),
		EvictedActions:        out.EvictedActions,
		MintedUsdn:            str(out.MintedUsdn),
		WithdrawnAssets:       str(out.WithdrawnAssets),
		Payout:                str(out.Payout),
		PositionTick:          out.PositionTick,
		PositionVersion:       out.PositionVersion,
		PositionIndex:         out.PositionIndex,
		PositionGone:          out.PositionGone,
		SecurityDepositRefund: str(out.SecurityDepositRefund),
		StateHash:             hex.EncodeToString(out.StateHash[:]),
	}
}
