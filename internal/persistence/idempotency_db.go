package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresIdempotencyChecker implements DB-based deduplication of operator
// command ids.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate checks if the command was already executed.
func (pic *PostgresIdempotencyChecker) IsDuplicate(kind string, commandID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM vault_log.commands
		WHERE kind = $1 AND command_id = $2
		LIMIT 1
	`, kind, commandID).Scan(&exists)

	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentCommandKeys returns up to limit "kind:command_id" keys, oldest first,
// for warming the in-memory LRU after a restart.
func (pic *PostgresIdempotencyChecker) RecentCommandKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT kind, command_id FROM (
			SELECT kind, command_id, processed_at
			FROM vault_log.commands
			ORDER BY processed_at DESC
			LIMIT $1
		) recent
		ORDER BY processed_at ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent commands: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, err
		}
		keys = append(keys, kind+":"+id)
	}
	return keys, rows.Err()
}
