package ingestion

import (
	"IndexVault/internal/core"
	"IndexVault/internal/observability"
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// VaultOperations is the part of core.VaultEngine operator commands drive.
type VaultOperations interface {
	Rebalance(ctx context.Context, req core.RebalanceRequest) (*core.RebalanceResult, error)
	SettleWithdrawals(ctx context.Context) (*core.SettleResult, error)
	Recall(ctx context.Context, amountUsd1e18 *uint256.Int) (*core.RecallResult, error)
	Deploy(ctx context.Context, amountUsd1e18 *uint256.Int) (*core.TransferResult, error)
}

// CommandRecorder stores executed command ids durably.
type CommandRecorder interface {
	RecordCommand(ctx context.Context, kind, commandID string) error
}

// Dispatcher executes parsed commands at most once per (kind, id).
//
// A command counts as executed once the engine ran it, whatever the
// outcome: its effects, failures included, are already in the event log.
// Retrying a failed command needs a new id.
type Dispatcher struct {
	ops      VaultOperations
	dedup    *core.IdempotencyChecker
	recorder CommandRecorder
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewDispatcher(ops VaultOperations, dedup *core.IdempotencyChecker, recorder CommandRecorder, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		ops:      ops,
		dedup:    dedup,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger,
	}
}

// Dispatch runs cmd unless it was already executed. It reports whether the
// command ran and the engine's error, if any.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd *Command) (bool, error) {
	if d.Seen(cmd.Kind, cmd.ID) {
		d.logger.Info().Str("command", cmd.Kind).Str("command_id", cmd.ID).Msg("duplicate command ignored")
		return false, nil
	}

	err := d.execute(ctx, cmd)
	d.Done(ctx, cmd.Kind, cmd.ID)

	status := "ok"
	if err != nil {
		status = "error"
		d.logger.Warn().Err(err).Str("command", cmd.Kind).Str("command_id", cmd.ID).Msg("command failed")
	}
	d.count(cmd.Kind, status)
	return true, err
}

// Seen reports whether (kind, id) was already executed. The HTTP surface
// shares this check with the NATS consumer.
func (d *Dispatcher) Seen(kind, id string) bool {
	if d.dedup == nil || !d.dedup.IsDuplicate(kind, id) {
		return false
	}
	d.count(kind, "duplicate")
	return true
}

// Done records (kind, id) as executed.
func (d *Dispatcher) Done(ctx context.Context, kind, id string) {
	if d.dedup != nil {
		d.dedup.MarkProcessed(kind, id)
	}
	if d.recorder != nil {
		if err := d.recorder.RecordCommand(ctx, kind, id); err != nil {
			d.logger.Warn().Err(err).Str("command", kind).Str("command_id", id).Msg("record command failed")
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, cmd *Command) error {
	switch cmd.Kind {
	case CommandRebalance:
		_, err := d.ops.Rebalance(ctx, core.RebalanceRequest{ClientOrderIDs: cmd.ClientOrderIDs})
		return err
	case CommandSettle:
		_, err := d.ops.SettleWithdrawals(ctx)
		return err
	case CommandRecall:
		_, err := d.ops.Recall(ctx, cmd.AmountUsd1e18)
		return err
	case CommandDeploy:
		_, err := d.ops.Deploy(ctx, cmd.AmountUsd1e18)
		return err
	default:
		return fmt.Errorf("unknown command: %s", cmd.Kind)
	}
}

func (d *Dispatcher) count(kind, status string) {
	if d.metrics != nil {
		d.metrics.CommandsReceived.WithLabelValues(kind, status).Inc()
	}
}
