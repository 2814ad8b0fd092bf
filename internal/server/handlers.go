package server

import (
	"IndexVault/internal/core"
	"IndexVault/internal/event"
	"IndexVault/internal/ingestion"
	fpmath "IndexVault/internal/math"
	"IndexVault/internal/query"
	"IndexVault/internal/state"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/holiman/uint256"
)

// VaultAPI is the engine surface the HTTP API drives.
type VaultAPI interface {
	ingestion.VaultOperations
	Deposit(ctx context.Context, depositor string, amountUsd1e18 *uint256.Int) (*core.DepositResult, error)
	RequestWithdraw(ctx context.Context, requester string, shares *uint256.Int) (*core.WithdrawResult, error)
	EquityUsd(ctx context.Context) (*uint256.Int, error)
	PricePerShare(ctx context.Context) (*uint256.Int, error)
	PendingWithdrawals() []*state.WithdrawalRequest
	ShareBalance(holder string) *uint256.Int
	TotalShares() *uint256.Int
}

// QueryAPI serves reads from the projection tables.
type QueryAPI interface {
	GetWithdrawalHistory(ctx context.Context, requester string, limit int, beforeSequence *int64) (*query.WithdrawalHistoryResponse, error)
	GetRecentOrders(ctx context.Context, asset *string, limit int) (*query.OrdersResponse, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// CommandLog deduplicates operator command ids. *ingestion.Dispatcher
// implements it, so HTTP and NATS share one id space.
type CommandLog interface {
	Seen(kind, id string) bool
	Done(ctx context.Context, kind, id string)
}

var (
	errDuplicateCommand = errors.New("command already executed")
	errQueriesDisabled  = errors.New("query service unavailable")
)

// badRequest marks a malformed request.
type badRequest struct{ err error }

func (e *badRequest) Error() string { return e.err.Error() }
func (e *badRequest) Unwrap() error { return e.err }

func invalid(format string, args ...interface{}) error {
	return &badRequest{err: fmt.Errorf(format, args...)}
}

var marshaler = &runtime.JSONBuiltin{}

type handler func(r *http.Request, params map[string]string) (interface{}, error)

type api struct {
	deps *Deps
}

func (a *api) register(mux *runtime.ServeMux) error {
	routes := []struct {
		method, path, endpoint string
		h                      handler
	}{
		{"POST", "/v1/deposits", "deposit", a.deposit},
		{"POST", "/v1/withdrawals", "withdraw", a.withdraw},
		{"POST", "/v1/withdrawals/settle", "settle", a.command(ingestion.CommandSettle)},
		{"GET", "/v1/withdrawals/pending", "pending_withdrawals", a.pending},
		{"GET", "/v1/withdrawals/history/{requester}", "withdrawal_history", a.history},
		{"POST", "/v1/rebalance", "rebalance", a.command(ingestion.CommandRebalance)},
		{"POST", "/v1/recall", "recall", a.command(ingestion.CommandRecall)},
		{"POST", "/v1/deploy", "deploy", a.command(ingestion.CommandDeploy)},
		{"GET", "/v1/equity", "equity", a.equity},
		{"GET", "/v1/pps", "pps", a.pps},
		{"GET", "/v1/shares/{holder}", "shares", a.shares},
		{"GET", "/v1/orders", "orders", a.orders},
		{"GET", "/v1/admin/integrity", "integrity", a.integrity},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.path, a.wrap(rt.endpoint, rt.h)); err != nil {
			return fmt.Errorf("%s %s: %w", rt.method, rt.path, err)
		}
	}
	return nil
}

func (a *api) wrap(endpoint string, h handler) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		resp, err := h(r, params)

		code := http.StatusOK
		if err != nil {
			code = statusFor(err)
			resp = errorBody{Error: err.Error(), Kind: kindFor(err)}
			if code >= http.StatusInternalServerError {
				a.deps.Logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
			}
		}
		writeJSON(w, code, resp)

		if m := a.deps.Metrics; m != nil {
			m.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
			m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	body, err := marshaler.Marshal(v)
	if err != nil {
		code = http.StatusInternalServerError
		body = []byte(`{"error":"encode response"}`)
	}
	w.Header().Set("Content-Type", marshaler.ContentType(v))
	w.WriteHeader(code)
	w.Write(body)
}

func decode(r *http.Request, v interface{}) error {
	if err := marshaler.NewDecoder(r.Body).Decode(v); err != nil {
		return invalid("decode body: %v", err)
	}
	return nil
}

func statusFor(err error) int {
	var br *badRequest
	switch {
	case errors.As(err, &br),
		errors.Is(err, core.ErrZeroAmount),
		errors.Is(err, core.ErrDepositTooSmall),
		errors.Is(err, state.ErrInsufficientShares):
		return http.StatusBadRequest
	case errors.Is(err, errDuplicateCommand),
		errors.Is(err, event.ErrLiquidity),
		errors.Is(err, core.ErrNoNetAssetValue):
		return http.StatusConflict
	case errors.Is(err, event.ErrScale):
		return http.StatusUnprocessableEntity
	case errors.Is(err, event.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, event.ErrMarketUnavailable),
		errors.Is(err, event.ErrOracleDeviation),
		errors.Is(err, errQueriesDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func kindFor(err error) string {
	var br *badRequest
	switch {
	case errors.As(err, &br):
		return "invalid_request"
	case errors.Is(err, errDuplicateCommand):
		return "duplicate"
	case errors.Is(err, event.ErrLiquidity):
		return "liquidity"
	case errors.Is(err, event.ErrScale):
		return "scale"
	case errors.Is(err, event.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, event.ErrMarketUnavailable):
		return "market_unavailable"
	case errors.Is(err, event.ErrOracleDeviation):
		return "oracle_deviation"
	default:
		return ""
	}
}

// --- Requests ---

type depositRequest struct {
	Depositor string `json:"depositor"`
	AmountUsd string `json:"amount_usd"`
}

type withdrawRequest struct {
	Requester string `json:"requester"`
	Shares    string `json:"shares"`
}

func (a *api) deposit(r *http.Request, _ map[string]string) (interface{}, error) {
	var req depositRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if req.Depositor == "" {
		return nil, invalid("depositor is required")
	}
	amt, err := fpmath.ParseUsd(req.AmountUsd)
	if err != nil {
		return nil, invalid("amount_usd: %v", err)
	}
	res, err := a.deps.Vault.Deposit(r.Context(), req.Depositor, amt)
	if err != nil {
		return nil, err
	}
	return newDepositResponse(res), nil
}

func (a *api) withdraw(r *http.Request, _ map[string]string) (interface{}, error) {
	var req withdrawRequest
	if err := decode(r, &req); err != nil {
		return nil, err
	}
	if req.Requester == "" {
		return nil, invalid("requester is required")
	}
	shares, err := fpmath.ParseUsd(req.Shares)
	if err != nil {
		return nil, invalid("shares: %v", err)
	}
	res, err := a.deps.Vault.RequestWithdraw(r.Context(), req.Requester, shares)
	if err != nil {
		return nil, err
	}
	return withdrawResponse{
		Withdrawal: newWithdrawalJSON(res.Request),
		Settled:    res.Settled,
		Settlement: newSettlementJSON(res.Settlement),
	}, nil
}

// command handles operator commands. A missing command_id is generated,
// which makes the request non-idempotent.
func (a *api) command(kind string) handler {
	return func(r *http.Request, _ map[string]string) (interface{}, error) {
		var body ingestion.CommandBody
		if r.ContentLength != 0 {
			if err := decode(r, &body); err != nil {
				return nil, err
			}
		}
		if body.CommandID == "" {
			body.CommandID = uuid.NewString()
		}
		cmd, err := ingestion.BuildCommand(kind, body)
		if err != nil {
			return nil, &badRequest{err: err}
		}

		cmds := a.deps.Commands
		if cmds != nil && cmds.Seen(cmd.Kind, cmd.ID) {
			return nil, fmt.Errorf("%s %s: %w", cmd.Kind, cmd.ID, errDuplicateCommand)
		}
		resp, err := a.run(r.Context(), cmd)
		if cmds != nil {
			cmds.Done(r.Context(), cmd.Kind, cmd.ID)
		}
		a.countCommand(cmd.Kind, err)
		return resp, err
	}
}

func (a *api) run(ctx context.Context, cmd *ingestion.Command) (interface{}, error) {
	v := a.deps.Vault
	switch cmd.Kind {
	case ingestion.CommandSettle:
		res, err := v.SettleWithdrawals(ctx)
		if err != nil {
			return nil, err
		}
		return newSettlementJSON(res), nil
	case ingestion.CommandRebalance:
		res, err := v.Rebalance(ctx, core.RebalanceRequest{ClientOrderIDs: cmd.ClientOrderIDs})
		if err != nil {
			return nil, err
		}
		return rebalanceResponse{
			ID:         res.ID,
			EquityUsd:  usd(res.EquityUsd1e18),
			Skipped:    res.Skipped,
			SkipReason: res.SkipReason,
			Orders:     newOrdersJSON(res.Orders),
		}, nil
	case ingestion.CommandRecall:
		res, err := v.Recall(ctx, cmd.AmountUsd1e18)
		if err != nil {
			return nil, err
		}
		return recallResponse{
			ID:           res.ID,
			RequestedUsd: usd(res.RequestedUsd1e18),
			RecalledUsd:  usd(res.RecalledUsd1e18),
			Orders:       newOrdersJSON(res.Orders),
			Settlement:   newSettlementJSON(res.Settlement),
		}, nil
	case ingestion.CommandDeploy:
		res, err := v.Deploy(ctx, cmd.AmountUsd1e18)
		if err != nil {
			return nil, err
		}
		return transferResponse{AmountUsd: usd(res.AmountUsd1e18)}, nil
	default:
		return nil, invalid("unknown command: %s", cmd.Kind)
	}
}

func (a *api) countCommand(kind string, err error) {
	if a.deps.Metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	a.deps.Metrics.CommandsReceived.WithLabelValues(kind, status).Inc()
}

// --- Reads ---

func (a *api) pending(_ *http.Request, _ map[string]string) (interface{}, error) {
	reqs := a.deps.Vault.PendingWithdrawals()
	owed := new(uint256.Int)
	out := make([]withdrawalJSON, 0, len(reqs))
	for _, w := range reqs {
		owed.Add(owed, w.NetUsd1e18)
		out = append(out, newWithdrawalJSON(w))
	}
	return pendingResponse{Withdrawals: out, TotalOwedUsd: usd(owed)}, nil
}

func (a *api) equity(r *http.Request, _ map[string]string) (interface{}, error) {
	eq, err := a.deps.Vault.EquityUsd(r.Context())
	if err != nil {
		return nil, err
	}
	return equityResponse{EquityUsd: usd(eq), TotalShares: usd(a.deps.Vault.TotalShares())}, nil
}

func (a *api) pps(r *http.Request, _ map[string]string) (interface{}, error) {
	pps, err := a.deps.Vault.PricePerShare(r.Context())
	if err != nil {
		return nil, err
	}
	return ppsResponse{PricePerShare: usd(pps)}, nil
}

func (a *api) shares(_ *http.Request, params map[string]string) (interface{}, error) {
	holder := params["holder"]
	return sharesResponse{
		Holder:      holder,
		Shares:      usd(a.deps.Vault.ShareBalance(holder)),
		TotalShares: usd(a.deps.Vault.TotalShares()),
	}, nil
}

func (a *api) history(r *http.Request, params map[string]string) (interface{}, error) {
	if a.deps.Queries == nil {
		return nil, errQueriesDisabled
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		return nil, err
	}
	var before *int64
	if s := r.URL.Query().Get("before"); s != "" {
		seq, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, invalid("before: %v", err)
		}
		before = &seq
	}
	return a.deps.Queries.GetWithdrawalHistory(r.Context(), params["requester"], limit, before)
}

func (a *api) orders(r *http.Request, _ map[string]string) (interface{}, error) {
	if a.deps.Queries == nil {
		return nil, errQueriesDisabled
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		return nil, err
	}
	var asset *string
	if s := r.URL.Query().Get("asset"); s != "" {
		asset = &s
	}
	return a.deps.Queries.GetRecentOrders(r.Context(), asset, limit)
}

func (a *api) integrity(r *http.Request, _ map[string]string) (interface{}, error) {
	if a.deps.Queries == nil {
		return nil, errQueriesDisabled
	}
	return a.deps.Queries.VerifyIntegrity(r.Context())
}

func intParam(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, invalid("%s: %v", name, err)
	}
	return n, nil
}
