package server_test

import (
	"IndexVault/internal/core"
	"IndexVault/internal/event"
	fpmath "IndexVault/internal/math"
	"IndexVault/internal/observability"
	"IndexVault/internal/query"
	"IndexVault/internal/server"
	"IndexVault/internal/state"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVault struct {
	depositErr  error
	withdrawErr error
	recallErr   error

	depositOrders []core.OrderOutcome
	depositSkip   string

	deposits  int
	rebalance []core.RebalanceRequest
	recalled  *uint256.Int
	deployed  *uint256.Int
	settles   int

	pending []*state.WithdrawalRequest
	shares  map[string]*uint256.Int
}

func (f *fakeVault) Deposit(_ context.Context, depositor string, amt *uint256.Int) (*core.DepositResult, error) {
	f.deposits++
	if f.depositErr != nil {
		return nil, f.depositErr
	}
	return &core.DepositResult{
		ID:                uuid.New(),
		SharesMinted:      amt.Clone(),
		FeeUsd1e18:        new(uint256.Int),
		PricePerShare1e18: fpmath.MustParseUsd("1"),
		DeployedUsd1e18:   new(uint256.Int),
		Orders:            f.depositOrders,
		AllocationSkipped: f.depositSkip,
	}, nil
}

func (f *fakeVault) RequestWithdraw(_ context.Context, requester string, shares *uint256.Int) (*core.WithdrawResult, error) {
	if f.withdrawErr != nil {
		return nil, f.withdrawErr
	}
	req := &state.WithdrawalRequest{
		ID:                uuid.New(),
		Requester:         requester,
		SharesBurned:      shares,
		PricePerShare1e18: fpmath.MustParseUsd("1"),
		GrossUsd1e18:      shares,
		NetUsd1e18:        shares,
	}
	return &core.WithdrawResult{Request: req}, nil
}

func (f *fakeVault) SettleWithdrawals(context.Context) (*core.SettleResult, error) {
	f.settles++
	return &core.SettleResult{
		PaidUsd1e18: new(uint256.Int),
		Remaining:   1,
		Shortfall: &event.LiquidityError{
			Required:  fpmath.MustParseUsd("50"),
			Available: fpmath.MustParseUsd("10"),
		},
	}, nil
}

func (f *fakeVault) Rebalance(_ context.Context, req core.RebalanceRequest) (*core.RebalanceResult, error) {
	f.rebalance = append(f.rebalance, req)
	return &core.RebalanceResult{
		ID:            uuid.New(),
		EquityUsd1e18: fpmath.MustParseUsd("1000"),
		Orders: []core.OrderOutcome{{
			Asset:  "BTC",
			Delta:  state.Delta{Amount: fpmath.MustParseUsd("25"), Negative: true},
			Order:  &state.PendingOrder{Asset: "BTC", LimitPrice1e8: 6_000_000_000_000, Size: 41},
			Status: core.OrderStatusSubmitted,
		}},
	}, nil
}

func (f *fakeVault) Recall(_ context.Context, amt *uint256.Int) (*core.RecallResult, error) {
	if f.recallErr != nil {
		return nil, f.recallErr
	}
	f.recalled = amt
	return &core.RecallResult{ID: uuid.New(), RequestedUsd1e18: amt, RecalledUsd1e18: amt}, nil
}

func (f *fakeVault) Deploy(_ context.Context, amt *uint256.Int) (*core.TransferResult, error) {
	f.deployed = amt
	return &core.TransferResult{AmountUsd1e18: amt}, nil
}

func (f *fakeVault) EquityUsd(context.Context) (*uint256.Int, error) {
	return fpmath.MustParseUsd("1234.5"), nil
}

func (f *fakeVault) PricePerShare(context.Context) (*uint256.Int, error) {
	return fpmath.MustParseUsd("1.05"), nil
}

func (f *fakeVault) PendingWithdrawals() []*state.WithdrawalRequest { return f.pending }

func (f *fakeVault) ShareBalance(holder string) *uint256.Int {
	if s, ok := f.shares[holder]; ok {
		return s
	}
	return new(uint256.Int)
}

func (f *fakeVault) TotalShares() *uint256.Int { return fpmath.MustParseUsd("100") }

type fakeQueries struct {
	lastRequester string
	lastLimit     int
	lastBefore    *int64
	lastAsset     *string
}

func (q *fakeQueries) GetWithdrawalHistory(_ context.Context, requester string, limit int, before *int64) (*query.WithdrawalHistoryResponse, error) {
	q.lastRequester, q.lastLimit, q.lastBefore = requester, limit, before
	return &query.WithdrawalHistoryResponse{Requester: requester, Withdrawals: []query.WithdrawalRecord{}, AsOfSequence: 7}, nil
}

func (q *fakeQueries) GetRecentOrders(_ context.Context, asset *string, limit int) (*query.OrdersResponse, error) {
	q.lastAsset, q.lastLimit = asset, limit
	return &query.OrdersResponse{Orders: []query.OrderRecord{}, AsOfSequence: 7}, nil
}

func (q *fakeQueries) VerifyIntegrity(context.Context) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{IsHealthy: true, LatestSequence: 7}, nil
}

type fakeCommandLog struct {
	seen map[string]bool
}

func (c *fakeCommandLog) Seen(kind, id string) bool { return c.seen[kind+":"+id] }
func (c *fakeCommandLog) Done(_ context.Context, kind, id string) {
	c.seen[kind+":"+id] = true
}

type testAPI struct {
	vault   *fakeVault
	queries *fakeQueries
	log     *fakeCommandLog
	metrics *observability.Metrics
	handler http.Handler
}

func newTestAPI(t *testing.T, withQueries bool) *testAPI {
	t.Helper()
	ta := &testAPI{
		vault:   &fakeVault{shares: map[string]*uint256.Int{}},
		queries: &fakeQueries{},
		log:     &fakeCommandLog{seen: map[string]bool{}},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	deps := &server.Deps{
		Vault:         ta.vault,
		Commands:      ta.log,
		HealthChecker: observability.NewHealthChecker(),
		Metrics:       ta.metrics,
		Logger:        zerolog.Nop(),
	}
	if withQueries {
		deps.Queries = ta.queries
	}
	srv, err := server.NewServer("127.0.0.1:0", "127.0.0.1:0", deps)
	require.NoError(t, err)
	ta.handler = srv.Handler()
	return ta
}

func (ta *testAPI) do(t *testing.T, method, path, body string) (int, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	ta.handler.ServeHTTP(rec, req)

	out := map[string]interface{}{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	}
	return rec.Code, out
}

func TestDeposit(t *testing.T) {
	ta := newTestAPI(t, true)

	code, body := ta.do(t, "POST", "/v1/deposits", `{"depositor":"alice","amount_usd":"100.5"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "100.5", body["shares_minted"])
	assert.Equal(t, "1", body["price_per_share"])
	assert.Equal(t, 1.0, promtest.ToFloat64(ta.metrics.QueryRequests.WithLabelValues("deposit", "200")))
}

func TestDeposit_ReportsAllocation(t *testing.T) {
	ta := newTestAPI(t, true)
	ta.vault.depositOrders = []core.OrderOutcome{{
		Asset:  "HYPE",
		Delta:  state.Delta{Amount: fpmath.MustParseUsd("450")},
		Order:  &state.PendingOrder{Asset: "HYPE", IsBuy: true, LimitPrice1e8: 5_005_000_000, Size: 899},
		Status: core.OrderStatusSubmitted,
	}}

	code, body := ta.do(t, "POST", "/v1/deposits", `{"depositor":"alice","amount_usd":"1000"}`)
	require.Equal(t, http.StatusOK, code, body)
	orders, ok := body["orders"].([]interface{})
	require.True(t, ok, body)
	require.Len(t, orders, 1)
	order := orders[0].(map[string]interface{})
	assert.Equal(t, "buy", order["side"])
	assert.Equal(t, 899.0, order["size"])
	assert.Nil(t, body["allocation_skipped"])

	ta.vault.depositOrders = nil
	ta.vault.depositSkip = event.SkipOracleDeviation
	code, body = ta.do(t, "POST", "/v1/deposits", `{"depositor":"alice","amount_usd":"1000"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "oracle_deviation", body["allocation_skipped"])
	assert.Nil(t, body["orders"])
}

func TestDeposit_Validation(t *testing.T) {
	ta := newTestAPI(t, true)

	code, body := ta.do(t, "POST", "/v1/deposits", `{"amount_usd":"1"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", body["kind"])

	code, _ = ta.do(t, "POST", "/v1/deposits", `{"depositor":"alice","amount_usd":"abc"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = ta.do(t, "POST", "/v1/deposits", `not json`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Zero(t, ta.vault.deposits)
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"zero amount", core.ErrZeroAmount, http.StatusBadRequest, ""},
		{"too small", core.ErrDepositTooSmall, http.StatusBadRequest, ""},
		{"no nav", core.ErrNoNetAssetValue, http.StatusConflict, ""},
		{"scale", &event.ScaleError{Asset: "BTC", Reason: "overflow"}, http.StatusUnprocessableEntity, "scale"},
		{"rate limited", &event.RateLimitError{Requested: uint256.NewInt(2), Remaining: uint256.NewInt(1)}, http.StatusTooManyRequests, "rate_limited"},
		{"market", &event.MarketUnavailableError{Asset: "BTC", Reason: "empty book"}, http.StatusServiceUnavailable, "market_unavailable"},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ta := newTestAPI(t, true)
			ta.vault.depositErr = tc.err

			code, body := ta.do(t, "POST", "/v1/deposits", `{"depositor":"alice","amount_usd":"1"}`)
			assert.Equal(t, tc.code, code)
			if tc.kind != "" {
				assert.Equal(t, tc.kind, body["kind"])
			}
		})
	}
}

func TestWithdraw(t *testing.T) {
	ta := newTestAPI(t, true)

	code, body := ta.do(t, "POST", "/v1/withdrawals", `{"requester":"bob","shares":"10"}`)
	require.Equal(t, http.StatusOK, code, body)
	w := body["withdrawal"].(map[string]interface{})
	assert.Equal(t, "bob", w["requester"])
	assert.Equal(t, "10", w["net_usd"])

	ta.vault.withdrawErr = state.ErrInsufficientShares
	code, _ = ta.do(t, "POST", "/v1/withdrawals", `{"requester":"bob","shares":"10"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSettle_ReportsShortfall(t *testing.T) {
	ta := newTestAPI(t, true)

	code, body := ta.do(t, "POST", "/v1/withdrawals/settle", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 1, body["remaining"])
	shortfall := body["shortfall"].(map[string]interface{})
	assert.Equal(t, "50", shortfall["required_usd"])
	assert.Equal(t, "10", shortfall["available_usd"])
}

func TestCommand_DuplicateIDRejected(t *testing.T) {
	ta := newTestAPI(t, true)
	req := `{"command_id":"r-1","client_order_ids":["","6f1c1f54-2a47-4c6e-9b7e-6d2f2d3f0a11"]}`

	code, body := ta.do(t, "POST", "/v1/rebalance", req)
	require.Equal(t, http.StatusOK, code, body)
	orders := body["orders"].([]interface{})
	require.Len(t, orders, 1)
	o := orders[0].(map[string]interface{})
	assert.Equal(t, "sell", o["side"])
	assert.Equal(t, "-25", o["delta_usd"])
	assert.Equal(t, "60000", o["limit_price"])

	code, body = ta.do(t, "POST", "/v1/rebalance", req)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "duplicate", body["kind"])

	require.Len(t, ta.vault.rebalance, 1)
	ids := ta.vault.rebalance[0].ClientOrderIDs
	require.Len(t, ids, 2)
	assert.Equal(t, uuid.Nil, ids[0])
	assert.Equal(t, 1.0, promtest.ToFloat64(ta.metrics.CommandsReceived.WithLabelValues("rebalance", "ok")))
}

func TestCommand_FailedStillRecorded(t *testing.T) {
	ta := newTestAPI(t, true)
	ta.vault.recallErr = &event.LiquidityError{Required: uint256.NewInt(2), Available: uint256.NewInt(1)}

	code, _ := ta.do(t, "POST", "/v1/recall", `{"command_id":"c-9","amount_usd":"5"}`)
	assert.Equal(t, http.StatusConflict, code)
	assert.True(t, ta.log.Seen("recall", "c-9"))
}

func TestRecallAndDeploy(t *testing.T) {
	ta := newTestAPI(t, true)

	code, body := ta.do(t, "POST", "/v1/recall", `{"command_id":"c-1","amount_usd":"12.5"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "12.5", body["recalled_usd"])
	assert.Equal(t, fpmath.MustParseUsd("12.5"), ta.vault.recalled)

	code, body = ta.do(t, "POST", "/v1/deploy", `{"amount_usd":"3"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "3", body["amount_usd"])

	code, _ = ta.do(t, "POST", "/v1/deploy", `{"command_id":"d-1","amount_usd":"0"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = ta.do(t, "POST", "/v1/deploy", `{"command_id":"d-2"}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestReads(t *testing.T) {
	ta := newTestAPI(t, true)
	ta.vault.shares["alice"] = fpmath.MustParseUsd("40")
	ta.vault.pending = []*state.WithdrawalRequest{
		{ID: uuid.New(), Requester: "bob", SharesBurned: uint256.NewInt(1), GrossUsd1e18: fpmath.MustParseUsd("7"), NetUsd1e18: fpmath.MustParseUsd("7")},
		{ID: uuid.New(), Requester: "carol", SharesBurned: uint256.NewInt(1), GrossUsd1e18: fpmath.MustParseUsd("3"), NetUsd1e18: fpmath.MustParseUsd("3")},
	}

	code, body := ta.do(t, "GET", "/v1/equity", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1234.5", body["equity_usd"])
	assert.Equal(t, "100", body["total_shares"])

	_, body = ta.do(t, "GET", "/v1/pps", "")
	assert.Equal(t, "1.05", body["price_per_share"])

	_, body = ta.do(t, "GET", "/v1/shares/alice", "")
	assert.Equal(t, "alice", body["holder"])
	assert.Equal(t, "40", body["shares"])

	_, body = ta.do(t, "GET", "/v1/withdrawals/pending", "")
	assert.Equal(t, "10", body["total_owed_usd"])
	assert.Len(t, body["withdrawals"], 2)
}

func TestProjectionQueries(t *testing.T) {
	ta := newTestAPI(t, true)

	code, body := ta.do(t, "GET", "/v1/withdrawals/history/bob?limit=20&before=99", "")
	require.Equal(t, http.StatusOK, code, body)
	assert.EqualValues(t, 7, body["as_of_sequence"])
	assert.Equal(t, "bob", ta.queries.lastRequester)
	assert.Equal(t, 20, ta.queries.lastLimit)
	require.NotNil(t, ta.queries.lastBefore)
	assert.EqualValues(t, 99, *ta.queries.lastBefore)

	code, _ = ta.do(t, "GET", "/v1/orders?asset=ETH", "")
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, ta.queries.lastAsset)
	assert.Equal(t, "ETH", *ta.queries.lastAsset)

	code, _ = ta.do(t, "GET", "/v1/orders?limit=x", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = ta.do(t, "GET", "/v1/admin/integrity", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["is_healthy"])
}

func TestProjectionQueries_Disabled(t *testing.T) {
	ta := newTestAPI(t, false)

	code, _ := ta.do(t, "GET", "/v1/orders", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestHealthEndpoints(t *testing.T) {
	ta := newTestAPI(t, true)

	code, _ := ta.do(t, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	code, _ = ta.do(t, "GET", "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}
