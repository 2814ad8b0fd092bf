package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes vault events to Postgres using multi-row INSERT.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in vault_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Asset          *string
	Block          uint64
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

const eventColumns = 9

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes a batch of events using ex, which may be a
// transaction. Rows whose sequence already exists are skipped.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex Execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	if ex == nil {
		ex = w.db
	}

	query, args := buildEventInsert(events)
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func buildEventInsert(events []EventRow) (string, []interface{}) {
	var b strings.Builder
	b.WriteString(`INSERT INTO vault_log.events
		(sequence, event_type, idempotency_key, asset, block, payload, state_hash, prev_hash, timestamp)
		VALUES `)

	args := make([]interface{}, 0, len(events)*eventColumns)
	for i, e := range events {
		if i > 0 {
			b.WriteString(", ")
		}
		base := i * eventColumns
		fmt.Fprintf(&b, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Asset,
			int64(e.Block), e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}
	b.WriteString(" ON CONFLICT (sequence) DO NOTHING") // Idempotent writes
	return b.String(), args
}

// RecordCommand stores an executed operator command id.
func (w *EventLogWriter) RecordCommand(ctx context.Context, kind, commandID string) error {
	_, err := w.db.ExecContext(ctx, `
		INSERT INTO vault_log.commands (kind, command_id, processed_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (kind, command_id) DO NOTHING
	`, kind, commandID)
	return err
}
