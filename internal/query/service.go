package query

import (
	fpmath "IndexVault/internal/math"
	"IndexVault/internal/observability"
	"IndexVault/internal/persistence"
	"IndexVault/internal/projection"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// QueryService provides read-only access to projection tables. Every
// response carries as_of_sequence, the projection watermark it was read at.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics}
}

// GetWithdrawalHistory returns a requester's withdrawals, newest first.
// beforeSequence is the cursor from a previous page.
func (qs *QueryService) GetWithdrawalHistory(
	ctx context.Context,
	requester string,
	limit int,
	beforeSequence *int64,
) (*WithdrawalHistoryResponse, error) {
	defer qs.observe("withdrawal_history", time.Now())

	asOfSeq, err := qs.GetWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	limit = clampLimit(limit)

	query := `
		SELECT withdrawal_id, requester, shares_burned::TEXT, fee_bps, gross_usd_1e18::TEXT,
		       net_usd_1e18::TEXT, status, requested_sequence, requested_block, settled_block, updated_at
		FROM projections.withdrawals
		WHERE requester = $1
	`
	args := []interface{}{requester}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND requested_sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY requested_sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &WithdrawalHistoryResponse{
		Requester:    requester,
		Withdrawals:  []WithdrawalRecord{},
		AsOfSequence: asOfSeq,
	}
	for rows.Next() {
		var (
			w            WithdrawalRecord
			gross, net   string
			settledBlock sql.NullInt64
		)
		if err := rows.Scan(
			&w.WithdrawalID, &w.Requester, &w.SharesBurned, &w.FeeBps, &gross,
			&net, &w.Status, &w.RequestedSequence, &w.RequestedBlock, &settledBlock, &w.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if w.GrossUsd, err = usdFromNumeric(gross); err != nil {
			return nil, err
		}
		if w.NetUsd, err = usdFromNumeric(net); err != nil {
			return nil, err
		}
		if settledBlock.Valid {
			b := settledBlock.Int64
			w.SettledBlock = &b
		}
		resp.Withdrawals = append(resp.Withdrawals, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(resp.Withdrawals) == limit {
		cursor := resp.Withdrawals[len(resp.Withdrawals)-1].RequestedSequence
		resp.NextCursor = &cursor
	}
	return resp, nil
}

// GetRecentOrders returns order outcomes, newest first, optionally for one
// asset.
func (qs *QueryService) GetRecentOrders(ctx context.Context, asset *string, limit int) (*OrdersResponse, error) {
	defer qs.observe("orders", time.Now())

	asOfSeq, err := qs.GetWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT order_id, rebalance_id, asset, side, status, size, limit_price_1e8,
		       delta_usd_1e18::TEXT, reason, sequence, created_at
		FROM projections.orders
	`
	args := []interface{}{}
	argIdx := 1
	if asset != nil {
		query += fmt.Sprintf(" WHERE asset = $%d", argIdx)
		args = append(args, *asset)
		argIdx++
	}
	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &OrdersResponse{Orders: []OrderRecord{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var (
			o     OrderRecord
			px    int64
			delta string
		)
		if err := rows.Scan(
			&o.OrderID, &o.RebalanceID, &o.Asset, &o.Side, &o.Status, &o.Size, &px,
			&delta, &o.Reason, &o.Sequence, &o.CreatedAt,
		); err != nil {
			return nil, err
		}
		o.LimitPrice = fpmath.FormatPrice(uint64(px))
		if o.DeltaUsd, err = usdFromNumeric(delta); err != nil {
			return nil, err
		}
		resp.Orders = append(resp.Orders, o)
	}
	return resp, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity of the event log and how far
// projections lag behind it.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM vault_log.events e1
		JOIN vault_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	latest, err := persistence.NewSnapshotManager(qs.db).GetLatestSequence(ctx)
	if err != nil {
		return nil, err
	}
	watermark, err := qs.GetWatermark(ctx)
	if err != nil {
		return nil, err
	}
	report.LatestSequence = latest
	report.ProjectionLag = latest - watermark
	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

// GetWatermark returns the last sequence applied to the projections.
func (qs *QueryService) GetWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = $1
	`, projection.WorkerID).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

// --- helpers ---

func (qs *QueryService) observe(endpoint string, start time.Time) {
	if qs.metrics != nil {
		qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// usdFromNumeric renders a USD 1e18 integer column as a decimal.
func usdFromNumeric(s string) (string, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return "", fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d.Shift(-fpmath.USDDecimals).String(), nil
}
