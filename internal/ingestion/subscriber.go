package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Subscriber consumes protocol requests from NATS JetStream and feeds them
// into the dispatcher channel. Each subject carries one operation family so
// consumers can scale independently.
type Subscriber struct {
	js        jetstream.JetStream
	requests  chan<- RawRequest
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawRequest is an unparsed request straight off the wire. Ack after the
// request is committed (or rejected for good); Nak to force redelivery.
type RawRequest struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	Ack       func()
	Nak       func()
}

// SubjectConfig binds one NATS subject to a durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects covers the two request families: user/keeper two-phase
// actions and the dedicated liquidation entry points.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "usdn.actions.>", ConsumerName: "usdn-actions", StreamName: "USDN_ACTIONS"},
		{Subject: "usdn.keeper.>", ConsumerName: "usdn-keeper", StreamName: "USDN_KEEPER"},
	}
}

func NewSubscriber(js jetstream.JetStream, requests chan<- RawRequest, log zerolog.Logger) *Subscriber {
	return &Subscriber{js: js, requests: requests, log: log}
}

// Subscribe creates durable consumers for every configured subject.
// Explicit ACK with bounded redelivery: a request that keeps failing lands in
// the stream's advisory subjects instead of looping forever.
func (s *Subscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := s.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		cc, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawRequest{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				Ack:       func() { msg.Ack() },
				Nak:       func() { msg.Nak() },
			}
			select {
			case s.requests <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		s.consumers = append(s.consumers, cc)
		s.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}
	return nil
}

// EnsureStreams creates the request streams if they do not exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      "USDN_ACTIONS",
			Subjects:  []string{"usdn.actions.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      "USDN_KEEPER",
			Subjects:  []string{"usdn.keeper.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Stop drains and stops all consumers.
func (s *Subscriber) Stop() {
	for _, cc := range s.consumers {
		cc.Stop()
	}
	s.log.Info().Msg("nats consumers stopped")
}

// Connect establishes a NATS connection and returns a JetStream context.
func Connect(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
