package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Publisher emits committed outcomes to NATS for downstream consumers.
// Subjects follow usdn.events.{op}. Publishing is best effort: the action log
// in Postgres is the source of truth.
type Publisher struct {
	js    jetstream.JetStream
	input <-chan OutboundEvent
	log   zerolog.Logger
}

// OutboundEvent is one committed outcome ready for publishing.
type OutboundEvent struct {
	Op      Op
	Payload []byte
}

func NewPublisher(js jetstream.JetStream, input <-chan OutboundEvent, log zerolog.Logger) *Publisher {
	return &Publisher{js: js, input: input, log: log}
}

// Run publishes until ctx ends or the channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-p.input:
			if !ok {
				return nil
			}
			subject := fmt.Sprintf("usdn.events.%s", evt.Op)
			if _, err := p.js.Publish(ctx, subject, evt.Payload); err != nil {
				p.log.Warn().Err(err).Str("subject", subject).Msg("outbound publish failed")
			}
		}
	}
}

// EnsureOutboundStream creates the events stream if it does not exist.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "USDN_EVENTS",
		Subjects:  []string{"usdn.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
