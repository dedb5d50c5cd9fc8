package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// streamPublisher is the slice of jetstream.JetStream the publisher needs.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed events to NATS for downstream
// consumers. Subjects follow cdp.ledger.events.{event_type}; the message id
// "{sequence}-{index}" lets JetStream drop republished duplicates.
type OutboundPublisher struct {
	js        streamPublisher
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

// OutboundEvent is the published message body.
type OutboundEvent struct {
	Sequence       int64        `json:"sequence"`
	Index          int          `json:"index"`
	Operation      string       `json:"operation"`
	IdempotencyKey string       `json:"idempotency_key"`
	StateHash      string       `json:"state_hash"`
	Timestamp      time.Time    `json:"timestamp"`
	Event          event.Record `json:"event"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *OutboundPublisher {
	return newOutboundPublisher(js, inputChan, logger)
}

func newOutboundPublisher(js streamPublisher, inputChan <-chan core.CoreOutput, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if out.Envelope == nil {
				continue
			}
			for i, ev := range out.Envelope.Events {
				if err := op.publish(ctx, out.Envelope, i, ev); err != nil {
					// Non-fatal: downstream consumers can query the event log directly
					op.logger.Warn().Err(err).
						Int64("sequence", out.Envelope.Sequence).
						Int("index", i).
						Msg("outbound publish failed")
				}
			}
		}
	}
}

// EventSubject is the subject events of type t are published on.
func EventSubject(t event.EventType) string {
	return EventSubjectPrefix + t.String()
}

// MessageID is the JetStream dedup id of event idx in seq.
func MessageID(seq int64, idx int) string {
	return fmt.Sprintf("%d-%d", seq, idx)
}

func (op *OutboundPublisher) publish(ctx context.Context, env *event.EventEnvelope, idx int, ev event.Event) error {
	data, err := json.Marshal(OutboundEvent{
		Sequence:       env.Sequence,
		Index:          idx,
		Operation:      env.Operation,
		IdempotencyKey: env.IdempotencyKey,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
		Event:          event.ToRecord(ev),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = op.js.Publish(ctx, EventSubject(ev.EventType()), data, jetstream.WithMsgID(MessageID(env.Sequence, idx)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       "CDP_LEDGER_EVENTS",
		Subjects:   []string{EventSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Replicas:   1,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger.Info().Str("stream", "CDP_LEDGER_EVENTS").Msg("ensured outbound stream")
	return nil
}
