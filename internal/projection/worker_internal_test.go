package projection

import (
	"IndexVault/internal/event"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func output(t *testing.T, seq int64, evt event.Event) ProjectionOutput {
	t.Helper()
	payload, err := json.Marshal(evt)
	require.NoError(t, err)
	return ProjectionOutput{
		Sequence:  seq,
		EventType: evt.EventType().String(),
		Block:     1000,
		Timestamp: time.Unix(1700000000, 0).UTC(),
		Payload:   payload,
	}
}

func TestStatementsFor_Withdrawals(t *testing.T) {
	wid := uuid.New()
	stmts, err := statementsFor(output(t, 7, &event.WithdrawalRequested{
		Meta:         event.Meta{ID: uuid.New()},
		WithdrawalID: wid,
		Requester:    "alice",
		SharesBurned: "100",
		FeeBps:       50,
		GrossUsd:     "1000",
		NetUsd:       "995",
	}))
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Equal(t, "withdrawals", stmts[0].table)
	assert.Equal(t, wid, stmts[0].args[0])
	assert.Equal(t, "alice", stmts[0].args[1])
	assert.Equal(t, int64(50), stmts[0].args[3])
	assert.Equal(t, int64(7), stmts[0].args[6])
	assert.Equal(t, "watermark", stmts[1].table)
	assert.Equal(t, []interface{}{WorkerID, int64(7)}, stmts[1].args)

	stmts, err = statementsFor(output(t, 8, &event.WithdrawalSettled{Meta: event.Meta{ID: uuid.New()}, WithdrawalID: wid}))
	require.NoError(t, err)
	assert.Contains(t, stmts[0].query, "status = 'settled'")
	assert.Equal(t, int64(1000), stmts[0].args[1])
}

func TestStatementsFor_Orders(t *testing.T) {
	cloid, rid := uuid.New(), uuid.New()
	stmts, err := statementsFor(output(t, 3, &event.OrderSubmitted{
		Meta:          event.Meta{ID: cloid, AssetName: "HYPE"},
		RebalanceID:   rid,
		IsBuy:         true,
		LimitPrice1e8: 5_005_000_000,
		Size:          899,
		DeltaUsd:      "450000000000000000000",
	}))
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	args := stmts[0].args
	assert.Equal(t, cloid.String(), args[0])
	assert.Equal(t, "HYPE", args[2])
	assert.Equal(t, "buy", args[3])
	assert.Equal(t, "submitted", args[4])
	assert.Equal(t, int64(899), args[5])
	assert.Equal(t, int64(5_005_000_000), args[6])

	stmts, err = statementsFor(output(t, 4, &event.OrderRejected{
		Meta:     event.Meta{ID: uuid.New(), AssetName: "ETH"},
		DeltaUsd: "-5",
		Reason:   event.RejectSubmitFailed,
	}))
	require.NoError(t, err)
	assert.Equal(t, "sell", stmts[0].args[3])
	assert.Equal(t, "rejected", stmts[0].args[4])
	assert.Equal(t, event.RejectSubmitFailed, stmts[0].args[8])
}

func TestStatementsFor_OtherEventsOnlyMoveWatermark(t *testing.T) {
	stmts, err := statementsFor(output(t, 9, &event.RebalanceSkipped{Meta: event.Meta{ID: uuid.New()}, Reason: event.SkipZeroEquity}))
	require.NoError(t, err)
	require.Len(t, stmts, 1)
	assert.Equal(t, "watermark", stmts[0].table)
}

func TestStatementsFor_BadPayload(t *testing.T) {
	_, err := statementsFor(ProjectionOutput{Sequence: 1, EventType: "WithdrawalRequested", Payload: []byte("{")})
	assert.Error(t, err)
}
