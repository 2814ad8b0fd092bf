package venue_test

import (
	"IndexVault/internal/observability"
	"IndexVault/internal/venue"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn answers requests from a subject -> handler table.
type fakeConn struct {
	handlers map[string]func(data []byte) string
	subjects []string
}

func (f *fakeConn) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.subjects = append(f.subjects, subj)
	h, ok := f.handlers[subj]
	if !ok {
		return nil, nats.ErrNoResponders
	}
	return &nats.Msg{Subject: subj, Data: []byte(h(data))}, nil
}

func newClient(conn venue.Requester) (*venue.BridgeClient, *observability.Metrics) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	c := venue.NewBridgeClient(conn, venue.BridgeConfig{SubjectPrefix: "venue.bridge", Timeout: time.Second}, m, zerolog.Nop())
	return c, m
}

func TestBridge_Reads(t *testing.T) {
	conn := &fakeConn{handlers: map[string]func([]byte) string{
		"venue.bridge.spot_balance": func(data []byte) string {
			var req map[string]interface{}
			json.Unmarshal(data, &req)
			if req["owner"] != "0xvault" || req["token_id"] != float64(2) {
				return `{"error":"bad request"}`
			}
			return `{"result":{"total":"500000","hold":"0","entry_ntl":"24.5"}}`
		},
		"venue.bridge.token_info": func([]byte) string {
			return `{"result":{"name":"HYPE","sz_decimals":2,"wei_decimals":8}}`
		},
		"venue.bridge.oracle_price": func([]byte) string { return `{"result":{"raw_tick":"4995"}}` },
		"venue.bridge.bbo":          func([]byte) string { return `{"result":{"bid":"4990","ask":""}}` },
		"venue.bridge.block_number": func([]byte) string { return `{"result":{"block":1234}}` },
	}}
	c, m := newClient(conn)
	ctx := context.Background()

	bal, err := c.SpotBalance(ctx, "0xvault", 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000), bal.Total)
	assert.Equal(t, "24.5", bal.EntryNtl)

	info, err := c.TokenInfo(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), info.Profile().SizeDecimals)
	assert.Equal(t, uint8(8), info.Profile().SettlementDecimals)

	px, err := c.RawOraclePrice(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(4995), px)

	bbo, err := c.BBO(ctx, 10002)
	require.NoError(t, err)
	assert.Equal(t, venue.BBO{Bid: 4990, Ask: 0}, bbo)

	block, err := c.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234), block)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeRequests.WithLabelValues(venue.MethodBBO, "ok")))
}

func TestBridge_ErrorReply(t *testing.T) {
	conn := &fakeConn{handlers: map[string]func([]byte) string{
		"venue.bridge.submit_order": func([]byte) string { return `{"error":"insufficient margin"}` },
	}}
	c, m := newClient(conn)

	_, err := c.SubmitOrder(context.Background(), venue.Order{Asset: 10002, IsBuy: true, LimitPrice1e8: 1, Size: 1, ClientOrderID: uuid.New()})
	var bErr *venue.BridgeError
	require.True(t, errors.As(err, &bErr))
	assert.Equal(t, venue.MethodSubmitOrder, bErr.Method)
	assert.Equal(t, "insufficient margin", bErr.Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BridgeRequests.WithLabelValues(venue.MethodSubmitOrder, "error")))
}

func TestBridge_OrderAndTransferEncoding(t *testing.T) {
	var gotOrder, gotTransfer map[string]interface{}
	conn := &fakeConn{handlers: map[string]func([]byte) string{
		"venue.bridge.submit_order": func(data []byte) string {
			json.Unmarshal(data, &gotOrder)
			return `{"result":{"status":"resting","oid":77}}`
		},
		"venue.bridge.transfer": func(data []byte) string {
			json.Unmarshal(data, &gotTransfer)
			return `{}`
		},
	}}
	c, _ := newClient(conn)
	cloid := uuid.New()

	ack, err := c.SubmitOrder(context.Background(), venue.Order{
		Asset: 10002, IsBuy: false, LimitPrice1e8: 4_985_010_000, Size: 50, TimeInForce: "Ioc", ClientOrderID: cloid,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(77), ack.OrderID)
	assert.Equal(t, "4985010000", gotOrder["limit_px_1e8"])
	assert.Equal(t, "50", gotOrder["sz"])
	assert.Equal(t, cloid.String(), gotOrder["cloid"])

	amount, _ := uint256.FromDecimal("100000000000000000000000")
	require.NoError(t, c.Transfer(context.Background(), venue.Transfer{Destination: "0xlocal", TokenID: 0, Amount: amount}))
	assert.Equal(t, "100000000000000000000000", gotTransfer["amount"])

	assert.Error(t, c.Transfer(context.Background(), venue.Transfer{Destination: "0xlocal", Amount: new(uint256.Int)}))
}

func TestBridge_NoResponders(t *testing.T) {
	c, _ := newClient(&fakeConn{handlers: map[string]func([]byte) string{}})
	_, err := c.BlockNumber(context.Background())
	assert.True(t, errors.Is(err, nats.ErrNoResponders))
}

func TestBridge_MissingRequiredFieldsAreErrors(t *testing.T) {
	conn := &fakeConn{handlers: map[string]func([]byte) string{
		"venue.bridge.spot_balance": func([]byte) string { return `{"result":{"hold":"0"}}` },
		"venue.bridge.oracle_price": func([]byte) string { return `{"result":{"raw_tick":""}}` },
		"venue.bridge.bbo":          func([]byte) string { return `{"result":{}}` },
	}}
	c, _ := newClient(conn)
	ctx := context.Background()

	_, err := c.SpotBalance(ctx, "0xvault", 2)
	require.ErrorIs(t, err, venue.ErrMissingField)
	assert.Contains(t, err.Error(), "total")

	_, err = c.RawOraclePrice(ctx, 2)
	require.ErrorIs(t, err, venue.ErrMissingField)
	assert.Contains(t, err.Error(), "raw_tick")

	// an empty book is a valid reading
	bbo, err := c.BBO(ctx, 10002)
	require.NoError(t, err)
	assert.Equal(t, venue.BBO{}, bbo)
}

func TestBridge_OptionalHoldDefaultsToZero(t *testing.T) {
	conn := &fakeConn{handlers: map[string]func([]byte) string{
		"venue.bridge.spot_balance": func([]byte) string { return `{"result":{"total":"0"}}` },
	}}
	c, _ := newClient(conn)

	bal, err := c.SpotBalance(context.Background(), "0xvault", 2)
	require.NoError(t, err)
	assert.Equal(t, venue.SpotBalance{}, bal)
}

func TestBridge_RejectsOutOfRangeDecimals(t *testing.T) {
	conn := &fakeConn{handlers: map[string]func([]byte) string{
		"venue.bridge.token_info": func([]byte) string {
			return `{"result":{"name":"BAD","sz_decimals":2,"wei_decimals":60}}`
		},
	}}
	c, _ := newClient(conn)
	_, err := c.TokenInfo(context.Background(), 9)
	assert.Error(t, err)
}

func TestBridge_RateLimiterHonoursContext(t *testing.T) {
	conn := &fakeConn{handlers: map[string]func([]byte) string{
		"venue.bridge.block_number": func([]byte) string { return `{"result":{"block":1}}` },
	}}
	c := venue.NewBridgeClient(conn, venue.BridgeConfig{RequestsPerSecond: 0.001, Burst: 1}, nil, zerolog.Nop())

	_, err := c.BlockNumber(context.Background())
	require.NoError(t, err, "first call uses the burst")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = c.BlockNumber(ctx)
	assert.Error(t, err)
	assert.Len(t, conn.subjects, 1, "throttled call must not reach the bridge")
}
