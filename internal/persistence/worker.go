package persistence

import (
	"IndexVault/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// CoreOutput mirrors core.CoreOutput to keep persistence free of engine
// types. cmd/vaultd bridges between the two.
type CoreOutput struct {
	EventRow EventRow
	Snapshot *SnapshotRow
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The engine sends on the persist channel with a blocking send, so if this
// worker falls behind the engine stalls and no event is lost.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	snapshots    *SnapshotManager
	inputChan    <-chan CoreOutput
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &PersistenceWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		snapshots:    NewSnapshotManager(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       logger,
	}
}

// batch collects events and keeps only the newest snapshot.
type batch struct {
	events   []EventRow
	snapshot *SnapshotRow
	boundary bool // last event closed an operation
}

func (b *batch) add(out CoreOutput) {
	b.events = append(b.events, out.EventRow)
	b.boundary = out.Snapshot != nil
	if out.Snapshot != nil {
		b.snapshot = out.Snapshot
	}
}

// ready reports whether the batch may be written. Batches are only cut at
// operation boundaries so that the log never ends past its newest snapshot.
func (b *batch) ready() bool {
	return len(b.events) > 0 && b.boundary
}

func (b *batch) reset() {
	b.events = b.events[:0]
	b.snapshot = nil
	b.boundary = false
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires, in both cases only at an operation boundary.
// Blocks until ctx is cancelled or the input channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	b := &batch{events: make([]EventRow, 0, pw.batchSize)}

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(b.events) > 0 {
				if err := pw.flush(context.Background(), b); err != nil {
					pw.logger.Error().Err(err).Int("events", len(b.events)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(b.events) > 0 {
					if err := pw.flush(context.Background(), b); err != nil {
						pw.logger.Error().Err(err).Int("events", len(b.events)).Msg("final flush failed")
					}
				}
				return nil
			}

			b.add(output)
			if len(b.events) >= pw.batchSize && b.ready() {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				b.reset()
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if b.ready() {
				if err := pw.flushWithRetry(ctx, b); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				b.reset()
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled. It never drops a batch while ctx is live.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, b *batch) error {
	backoff := 100 * time.Millisecond

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(b.events)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				// one last attempt so shutdown does not lose the batch
				if err := pw.flush(context.Background(), b); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > pw.maxBackoff {
				backoff = pw.maxBackoff
			}
		}

		err := pw.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
	}
}

// flush writes the events and the newest snapshot in one transaction.
func (pw *PersistenceWorker) flush(ctx context.Context, b *batch) error {
	start := time.Now()

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, b.events); err != nil {
		pw.countError("write_events")
		return err
	}

	if b.snapshot != nil {
		if err := pw.snapshots.SaveSnapshot(ctx, tx, b.snapshot); err != nil {
			pw.countError("write_snapshot")
			return err
		}
		ok, err := pw.snapshots.MarkVerified(ctx, tx, b.snapshot.Sequence)
		if err != nil {
			pw.countError("verify_snapshot")
			return err
		}
		if !ok {
			// stays unverified and is never loaded
			pw.logger.Error().Int64("sequence", b.snapshot.Sequence).Msg("snapshot hash does not match event log")
		}
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(b.events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(b.events)))
		if len(b.events) > 0 {
			pw.metrics.PersistLastSequence.Set(float64(b.events[len(b.events)-1].Sequence))
		}
		if b.snapshot != nil {
			pw.metrics.SnapshotTaken.Inc()
			pw.metrics.SnapshotSizeBytes.Set(float64(len(b.snapshot.Data)))
			pw.metrics.SnapshotLastSeq.Set(float64(b.snapshot.Sequence))
		}
	}
	return nil
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}

// Writer returns the underlying event writer.
func (pw *PersistenceWorker) Writer() *EventLogWriter {
	return pw.writer
}
