package projection

import (
	"IndexVault/internal/event"
	"IndexVault/internal/observability"
	"IndexVault/internal/persistence"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// WorkerID names this worker's row in projections.watermark.
const WorkerID = "main"

// ProjectionOutput mirrors the data needed by projection workers.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence  int64
	EventType string
	Block     uint64
	Timestamp time.Time
	Payload   []byte
}

// FromEventRow converts a logged event for replay.
func FromEventRow(r persistence.EventRow) ProjectionOutput {
	return ProjectionOutput{
		Sequence:  r.Sequence,
		EventType: r.EventType,
		Block:     r.Block,
		Timestamp: r.Timestamp,
		Payload:   r.Payload,
	}
}

type statement struct {
	table string
	query string
	args  []interface{}
}

// ProjectionWorker updates projection tables from emitted events.
// The projection channel is non-blocking with drop; if projections fall
// behind they can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if err := pw.processOutput(ctx, output); err != nil {
				// eventually consistent; RebuildProjections repairs gaps
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Str("event_type", output.EventType).Msg("projection update failed")
				continue
			}
			pw.lastSeq = output.Sequence
		}
	}
}

// LastSequence is the last sequence applied by Run.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq }

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	stmts, err := statementsFor(output)
	if err != nil {
		return err
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, s := range stmts {
		start := time.Now()
		if _, err := tx.ExecContext(ctx, s.query, s.args...); err != nil {
			return fmt.Errorf("%s projection: %w", s.table, err)
		}
		if pw.metrics != nil {
			pw.metrics.ProjectionUpdateDur.WithLabelValues(s.table).Observe(time.Since(start).Seconds())
		}
	}
	return tx.Commit()
}

// statementsFor maps one event to the projection writes it implies. The
// watermark update is always last.
func statementsFor(out ProjectionOutput) ([]statement, error) {
	var stmts []statement

	switch event.ParseEventType(out.EventType) {
	case event.EventTypeWithdrawalRequested:
		var p event.WithdrawalRequested
		if err := json.Unmarshal(out.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", out.EventType, err)
		}
		stmts = append(stmts, statement{table: "withdrawals", query: `
			INSERT INTO projections.withdrawals
				(withdrawal_id, requester, shares_burned, fee_bps, gross_usd_1e18, net_usd_1e18,
				 status, requested_sequence, requested_block, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 'queued', $7, $8, $7, $9)
			ON CONFLICT (withdrawal_id) DO NOTHING`,
			args: []interface{}{p.WithdrawalID, p.Requester, p.SharesBurned, int64(p.FeeBps), p.GrossUsd, p.NetUsd,
				out.Sequence, int64(out.Block), out.Timestamp},
		})

	case event.EventTypeWithdrawalSettled:
		var p event.WithdrawalSettled
		if err := json.Unmarshal(out.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", out.EventType, err)
		}
		stmts = append(stmts, statement{table: "withdrawals", query: `
			UPDATE projections.withdrawals
			SET status = 'settled', settled_block = $2, last_sequence = $3, updated_at = $4
			WHERE withdrawal_id = $1`,
			args: []interface{}{p.WithdrawalID, int64(out.Block), out.Sequence, out.Timestamp},
		})

	case event.EventTypeOrderSubmitted:
		var p event.OrderSubmitted
		if err := json.Unmarshal(out.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", out.EventType, err)
		}
		stmts = append(stmts, orderInsert(out, p.ID.String(), p.RebalanceID.String(), p.AssetName, p.IsBuy,
			"submitted", int64(p.Size), int64(p.LimitPrice1e8), p.DeltaUsd, ""))

	case event.EventTypeOrderRejected:
		var p event.OrderRejected
		if err := json.Unmarshal(out.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", out.EventType, err)
		}
		stmts = append(stmts, orderInsert(out, p.ID.String(), p.RebalanceID.String(), p.AssetName, p.IsBuy,
			"rejected", 0, 0, p.DeltaUsd, p.Reason))

	case event.EventTypeOrderSuppressed:
		var p event.OrderSuppressed
		if err := json.Unmarshal(out.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", out.EventType, err)
		}
		stmts = append(stmts, orderInsert(out, p.ID.String(), p.RebalanceID.String(), p.AssetName, p.IsBuy,
			"suppressed", int64(p.Size), 0, p.DeltaUsd, p.Reason))
	}

	stmts = append(stmts, statement{table: "watermark", query: `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE
			SET last_sequence = GREATEST(projections.watermark.last_sequence, EXCLUDED.last_sequence),
			    updated_at = NOW()`,
		args: []interface{}{WorkerID, out.Sequence},
	})
	return stmts, nil
}

func orderInsert(out ProjectionOutput, id, rebalanceID, asset string, isBuy bool, status string, size, px int64, delta, reason string) statement {
	side := "sell"
	if isBuy {
		side = "buy"
	}
	return statement{table: "orders", query: `
		INSERT INTO projections.orders
			(order_id, rebalance_id, asset, side, status, size, limit_price_1e8, delta_usd_1e18, reason, sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (order_id) DO NOTHING`,
		args: []interface{}{id, rebalanceID, asset, side, status, size, px, delta, reason, out.Sequence, out.Timestamp},
	}
}

// RebuildProjections truncates every projection table and replays
// vault_log.events in batches.
func RebuildProjections(ctx context.Context, db *sql.DB, batch int, logger zerolog.Logger) error {
	if batch <= 0 {
		batch = 500
	}
	truncateStatements := []string{
		`TRUNCATE projections.withdrawals`,
		`TRUNCATE projections.orders`,
		`DELETE FROM projections.watermark WHERE worker_id = '` + WorkerID + `'`,
	}
	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	pw := NewProjectionWorker(db, nil, nil, logger)
	sm := persistence.NewSnapshotManager(db)
	next, replayed := int64(1), 0
	for {
		rows, err := sm.LoadEventsFrom(ctx, next, batch)
		if err != nil {
			return fmt.Errorf("load events from %d: %w", next, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, r := range rows {
			if err := pw.processOutput(ctx, FromEventRow(r)); err != nil {
				return fmt.Errorf("replay sequence %d: %w", r.Sequence, err)
			}
			next = r.Sequence + 1
			replayed++
		}
	}

	logger.Info().Int("events", replayed).Int64("last_sequence", next-1).Msg("projection rebuild complete")
	return nil
}
