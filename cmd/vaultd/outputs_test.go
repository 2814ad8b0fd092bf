package main

import (
	"IndexVault/internal/core"
	"IndexVault/internal/event"
	"IndexVault/internal/ingestion"
	fpmath "IndexVault/internal/math"
	"IndexVault/internal/observability"
	"IndexVault/internal/persistence"
	"IndexVault/internal/projection"
	"IndexVault/internal/state"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOutput(seq int64, withSnapshot bool) core.CoreOutput {
	asset := "BTC"
	env := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: uuid.NewString(),
		EventType:      event.EventTypeOrderSubmitted,
		Asset:          &asset,
		Block:          42,
		Timestamp:      time.Unix(1700000000, 0).UTC(),
		Payload:        []byte(`{"asset":"BTC"}`),
		StateHash:      [32]byte{byte(seq)},
		PrevHash:       [32]byte{byte(seq - 1)},
	}
	out := core.CoreOutput{Envelope: env}
	if withSnapshot {
		out.Snapshot = &core.SnapshotState{
			Sequence:         seq,
			StateHash:        env.StateHash,
			LocalCashUsd1e18: fpmath.MustParseUsd("125.5"),
			ShareBalances:    map[string]*uint256.Int{"alice": fpmath.MustParseUsd("100")},
			Withdrawals: []*state.WithdrawalRequest{{
				ID:                uuid.New(),
				Requester:         "bob",
				SharesBurned:      fpmath.MustParseUsd("1"),
				PricePerShare1e18: fpmath.MustParseUsd("1"),
				GrossUsd1e18:      fpmath.MustParseUsd("1"),
				NetUsd1e18:        fpmath.MustParseUsd("0.995"),
			}},
			Epoch:        state.NewEpochCounter(100, fpmath.MustParseUsd("1000")),
			OraclePrices: map[string]uint64{"BTC": 6_000_000_000_000},
		}
	}
	return out
}

func TestToPersistence_SnapshotRoundTrip(t *testing.T) {
	out := testOutput(7, true)
	p := toPersistence(out, zerolog.Nop())

	assert.Equal(t, int64(7), p.EventRow.Sequence)
	assert.Equal(t, "OrderSubmitted", p.EventRow.EventType)
	assert.Equal(t, out.Envelope.StateHash[:], p.EventRow.StateHash)
	assert.Equal(t, uint64(42), p.EventRow.Block)
	require.NotNil(t, p.Snapshot)
	assert.Equal(t, int64(7), p.Snapshot.Sequence)
	assert.Equal(t, out.Envelope.StateHash[:], p.Snapshot.StateHash)

	snap, err := restoreSnapshot(p.Snapshot)
	require.NoError(t, err)
	assert.Equal(t, out.Snapshot.StateHash, snap.StateHash)
	assert.Equal(t, "125.5", fpmath.FormatUsd(snap.LocalCashUsd1e18))
	assert.Equal(t, "100", fpmath.FormatUsd(snap.ShareBalances["alice"]))
	require.Len(t, snap.Withdrawals, 1)
	assert.Equal(t, out.Snapshot.Withdrawals[0].ID, snap.Withdrawals[0].ID)
	assert.Equal(t, "0.995", fpmath.FormatUsd(snap.Withdrawals[0].NetUsd1e18))
	assert.Equal(t, uint64(100), snap.Epoch.EpochLengthBlocks)
	assert.Equal(t, uint64(6_000_000_000_000), snap.OraclePrices["BTC"])
}

func TestToPublishable(t *testing.T) {
	p := toPersistence(testOutput(3, false), zerolog.Nop())
	assert.Nil(t, p.Snapshot)

	pub := toPublishable(p.EventRow)
	assert.Equal(t, int64(3), pub.Sequence)
	assert.Equal(t, "03"+strings.Repeat("0", 62), pub.StateHash)
	assert.JSONEq(t, `{"asset":"BTC"}`, string(pub.Payload))
	require.NotNil(t, pub.Asset)
	assert.Equal(t, "BTC", *pub.Asset)
}

func TestOutputBridge_DrainsOnShutdown(t *testing.T) {
	persistIn := make(chan core.CoreOutput, 4)
	projectionIn := make(chan core.CoreOutput, 4)
	persistOut := make(chan persistence.CoreOutput, 4)
	projectionOut := make(chan projection.ProjectionOutput, 4)
	// no room: every publish is dropped
	publishOut := make(chan ingestion.PublishableEvent)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	b := &outputBridge{
		persistIn:     persistIn,
		projectionIn:  projectionIn,
		persistOut:    persistOut,
		projectionOut: projectionOut,
		publishOut:    publishOut,
		metrics:       metrics,
		logger:        zerolog.Nop(),
	}

	persistIn <- testOutput(1, false)
	persistIn <- testOutput(2, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.run(ctx)

	var got []int64
	for p := range persistOut {
		got = append(got, p.EventRow.Sequence)
	}
	assert.Equal(t, []int64{1, 2}, got)
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.PublishDrops))

	_, open := <-projectionOut
	assert.False(t, open)
}

func TestOutputBridge_ProjectionDropsWhenFull(t *testing.T) {
	projectionIn := make(chan core.CoreOutput, 4)
	projectionOut := make(chan projection.ProjectionOutput, 1)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	b := &outputBridge{
		persistIn:     make(chan core.CoreOutput),
		projectionIn:  projectionIn,
		persistOut:    make(chan persistence.CoreOutput, 1),
		projectionOut: projectionOut,
		publishOut:    make(chan ingestion.PublishableEvent, 1),
		metrics:       metrics,
		logger:        zerolog.Nop(),
	}

	projectionIn <- testOutput(1, false)
	projectionIn <- testOutput(2, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(projectionIn) == 0 &&
			promtest.ToFloat64(metrics.ProjectionDrops.WithLabelValues("bridge")) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	first := <-projectionOut
	assert.Equal(t, int64(1), first.Sequence)
}

func TestRunEvery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := make(chan struct{}, 8)
	go runEvery(ctx, "test", 5*time.Millisecond, func(context.Context) error {
		calls <- struct{}{}
		return errors.New("keeps going")
	}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatalf("run %d did not happen", i)
		}
	}
}
