package persistence_test

import (
	"IndexVault/internal/persistence"
	"IndexVault/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hash(b byte) []byte {
	h := make([]byte, 32)
	h[0] = b
	return h
}

func eventRow(seq int64) persistence.EventRow {
	return persistence.EventRow{
		Sequence:       seq,
		EventType:      "DepositRecorded",
		IdempotencyKey: "evt-" + string(rune('a'+seq)),
		Block:          uint64(100 + seq),
		Payload:        []byte(`{"depositor":"alice"}`),
		StateHash:      hash(byte(seq)),
		PrevHash:       hash(byte(seq - 1)),
		Timestamp:      time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestPersistenceWorker_WritesEventsAndSnapshot(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	in := make(chan persistence.CoreOutput, 8)
	w := persistence.NewPersistenceWorker(db, in, 10, 20*time.Millisecond, nil, zerolog.Nop())

	in <- persistence.CoreOutput{EventRow: eventRow(1)}
	in <- persistence.CoreOutput{
		EventRow: eventRow(2),
		Snapshot: &persistence.SnapshotRow{Sequence: 2, StateHash: hash(2), Data: []byte(`{"Sequence":2}`), CreatedAt: time.Now()},
	}
	close(in)
	require.NoError(t, w.Run(context.Background()))

	sm := persistence.NewSnapshotManager(db)
	ctx := context.Background()

	latest, err := sm.GetLatestSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest)

	snap, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap, "snapshot hash matches the event and is verified")
	assert.Equal(t, int64(2), snap.Sequence)
	assert.JSONEq(t, `{"Sequence":2}`, string(snap.Data))

	events, err := sm.LoadEventsFrom(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(102), events[1].Block)
	assert.Nil(t, events[0].Asset)

	broken, err := sm.CheckChain(ctx, 1, 1)
	require.NoError(t, err)
	assert.Zero(t, broken)
}

func TestSnapshot_MismatchedHashStaysUnverified(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	w := persistence.NewEventLogWriter(db)
	require.NoError(t, w.WriteEventBatch(ctx, nil, []persistence.EventRow{eventRow(1)}))

	sm := persistence.NewSnapshotManager(db)
	require.NoError(t, sm.SaveSnapshot(ctx, nil, &persistence.SnapshotRow{
		Sequence: 1, StateHash: hash(9), Data: []byte(`{}`), CreatedAt: time.Now(),
	}))
	ok, err := sm.MarkVerified(ctx, nil, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	snap, err := sm.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestWriteEventBatch_IsIdempotent(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	w := persistence.NewEventLogWriter(db)
	rows := []persistence.EventRow{eventRow(1), eventRow(2)}
	require.NoError(t, w.WriteEventBatch(ctx, nil, rows))
	require.NoError(t, w.WriteEventBatch(ctx, nil, rows))

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM vault_log.events`).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestPostgresIdempotencyChecker(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	pic := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := pic.IsDuplicate("rebalance", "cmd-1")
	require.NoError(t, err)
	assert.False(t, dup)

	w := persistence.NewEventLogWriter(db)
	require.NoError(t, w.RecordCommand(ctx, "rebalance", "cmd-1"))
	require.NoError(t, w.RecordCommand(ctx, "rebalance", "cmd-1"))

	dup, err = pic.IsDuplicate("rebalance", "cmd-1")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = pic.IsDuplicate("settle", "cmd-1")
	require.NoError(t, err)
	assert.False(t, dup)

	keys, err := pic.RecentCommandKeys(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"rebalance:cmd-1"}, keys)
}
