package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventSubjectPrefix: outbound events go to vault.events.<EventType>.
const EventSubjectPrefix = "vault.events."

// StreamPublisher is the part of jetstream.JetStream the publisher uses.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes emitted events to NATS for downstream
// consumers. A failed publish is logged and skipped; the event log in
// Postgres stays authoritative.
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// PublishableEvent is an emitted event ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Asset          *string         `json:"asset,omitempty"`
	Block          uint64          `json:"block"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan PublishableEvent, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

// Run publishes until ctx is cancelled or the input channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, evt); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Str("event_type", evt.EventType).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// the idempotency key doubles as the JetStream dedup id
	_, err = op.js.Publish(ctx, EventSubjectPrefix+evt.EventType, data, jetstream.WithMsgID(evt.IdempotencyKey))
	return err
}
