package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotFormatVersion v1: JSON-encoded vault state.
const SnapshotFormatVersion = 1

// SnapshotManager handles storing and loading vault state snapshots.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotRow is one stored snapshot. Data is the JSON encoding of the
// engine's snapshot state; the worker never interprets it.
type SnapshotRow struct {
	Sequence  int64
	StateHash []byte
	Data      []byte
	CreatedAt time.Time
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot stores snap using ex. A snapshot for an existing sequence
// is overwritten.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, ex Execer, snap *SnapshotRow) error {
	if ex == nil {
		ex = sm.db
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO vault_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6, verified = FALSE
	`, uuid.New(), snap.Sequence, snap.Data, snap.StateHash, SnapshotFormatVersion, len(snap.Data), snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	return nil
}

// MarkVerified marks the snapshot at sequence as verified when its state
// hash matches the logged event at the same sequence. It reports whether
// the snapshot matched.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, ex Execer, sequence int64) (bool, error) {
	if ex == nil {
		ex = sm.db
	}
	res, err := ex.ExecContext(ctx, `
		UPDATE vault_log.snapshots s SET verified = TRUE
		FROM vault_log.events e
		WHERE s.sequence = $1 AND e.sequence = s.sequence AND e.state_hash = s.state_hash
	`, sequence)
	if err != nil {
		return false, fmt.Errorf("verify snapshot %d: %w", sequence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotRow, error) {
	var snap SnapshotRow
	err := sm.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash, data, created_at FROM vault_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&snap.Sequence, &snap.StateHash, &snap.Data, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return &snap, nil
}

// LoadEventsFrom loads events from a given sequence, in order, for
// projection rebuilds and audits.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, asset, block, payload,
		       state_hash, prev_hash, timestamp
		FROM vault_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			e     EventRow
			block int64
		)
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Asset, &block,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Block = uint64(block)
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM vault_log.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// CheckChain verifies that every event's prev_hash equals the state_hash of
// the event before it, starting after fromSequence. It returns the first
// broken sequence, or 0.
func (sm *SnapshotManager) CheckChain(ctx context.Context, fromSequence int64, batch int) (int64, error) {
	var prev []byte
	next := fromSequence
	for {
		events, err := sm.LoadEventsFrom(ctx, next, batch)
		if err != nil {
			return 0, err
		}
		if len(events) == 0 {
			return 0, nil
		}
		for _, e := range events {
			if prev != nil && string(prev) != string(e.PrevHash) {
				return e.Sequence, nil
			}
			prev = e.StateHash
			next = e.Sequence + 1
		}
	}
}
