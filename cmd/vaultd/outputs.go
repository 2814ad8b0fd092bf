package main

import (
	"IndexVault/internal/core"
	"IndexVault/internal/ingestion"
	"IndexVault/internal/observability"
	"IndexVault/internal/persistence"
	"IndexVault/internal/projection"
	"context"
	"encoding/hex"
	"encoding/json"

	"github.com/rs/zerolog"
)

// outputBridge converts core outputs for the persistence, projection and
// publish workers. It keeps those packages free of engine types.
type outputBridge struct {
	persistIn     <-chan core.CoreOutput
	projectionIn  <-chan core.CoreOutput
	persistOut    chan<- persistence.CoreOutput
	projectionOut chan<- projection.ProjectionOutput
	publishOut    chan<- ingestion.PublishableEvent
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// run forwards until ctx is cancelled, then drains what the engine already
// emitted and closes the worker channels so the workers flush and exit.
func (b *outputBridge) run(ctx context.Context) {
	defer close(b.persistOut)
	defer close(b.projectionOut)
	defer close(b.publishOut)

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case out := <-b.persistIn:
					b.forwardPersist(out)
				default:
					return
				}
			}

		case out := <-b.persistIn:
			b.forwardPersist(out)

		case out := <-b.projectionIn:
			select {
			case b.projectionOut <- projection.FromEventRow(eventRow(out)):
			default:
				if b.metrics != nil {
					b.metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
				}
			}
		}
	}
}

// forwardPersist blocks on the persistence worker and never blocks on the
// publisher.
func (b *outputBridge) forwardPersist(out core.CoreOutput) {
	p := toPersistence(out, b.logger)
	b.persistOut <- p

	select {
	case b.publishOut <- toPublishable(p.EventRow):
	default:
		if b.metrics != nil {
			b.metrics.PublishDrops.Inc()
		}
	}
}

func eventRow(out core.CoreOutput) persistence.EventRow {
	env := out.Envelope
	return persistence.EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Asset:          env.Asset,
		Block:          env.Block,
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
	}
}

func toPersistence(out core.CoreOutput, logger zerolog.Logger) persistence.CoreOutput {
	p := persistence.CoreOutput{EventRow: eventRow(out)}
	if out.Snapshot == nil {
		return p
	}
	data, err := json.Marshal(out.Snapshot)
	if err != nil {
		// the next operation carries a fresh snapshot
		logger.Error().Err(err).Int64("sequence", out.Snapshot.Sequence).Msg("encode snapshot failed")
		return p
	}
	p.Snapshot = &persistence.SnapshotRow{
		Sequence:  out.Snapshot.Sequence,
		StateHash: append([]byte(nil), out.Snapshot.StateHash[:]...),
		Data:      data,
		CreatedAt: out.Envelope.Timestamp,
	}
	return p
}

func toPublishable(r persistence.EventRow) ingestion.PublishableEvent {
	return ingestion.PublishableEvent{
		Sequence:       r.Sequence,
		EventType:      r.EventType,
		IdempotencyKey: r.IdempotencyKey,
		Asset:          r.Asset,
		Block:          r.Block,
		Payload:        json.RawMessage(r.Payload),
		StateHash:      hex.EncodeToString(r.StateHash),
		Timestamp:      r.Timestamp,
	}
}

// restoreSnapshot decodes a stored snapshot into engine state.
func restoreSnapshot(row *persistence.SnapshotRow) (*core.SnapshotState, error) {
	var snap core.SnapshotState
	if err := json.Unmarshal(row.Data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
