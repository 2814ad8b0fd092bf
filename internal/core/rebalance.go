package core

import (
	"IndexVault/internal/event"
	fpmath "IndexVault/internal/math"
	"IndexVault/internal/state"
	"IndexVault/internal/venue"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Rebalance values the vault, computes per-asset deltas against the target
// allocation and submits one order per asset outside its deadband. Sells are
// submitted before buys.
//
// A rebalance is skipped, with a RebalanceSkipped event and a nil error, when
// equity is zero, every delta is inside the deadband, or an oracle price moved
// more than the deviation limit since the last rebalance. Per-asset order
// failures are reported in the result and do not stop the other assets.
func (e *VaultEngine) Rebalance(ctx context.Context, req RebalanceRequest) (res *RebalanceResult, err error) {
	if len(req.ClientOrderIDs) > len(e.cfg.Assets) {
		return nil, fmt.Errorf("%d client order ids for %d assets", len(req.ClientOrderIDs), len(e.cfg.Assets))
	}

	op := e.begin("rebalance")
	defer func() { op.finish(err) }()

	view, v, err := e.value(ctx, op.w.localCash, true)
	if err != nil {
		return nil, err
	}
	op.block = view.block
	params := e.params.Get()

	res = &RebalanceResult{ID: uuid.New(), EquityUsd1e18: v.EquityUsd1e18}

	op.w.oracle.SetDeviationBps(params.DeviationBps)
	if err := op.w.oracle.CheckReadings(view.readings); err != nil {
		var dev *event.OracleDeviationError
		if !errors.As(err, &dev) {
			return nil, err
		}
		op.w.oracle.RecordReadings(view.readings)
		op.emit(&event.OracleDeviation{
			Meta:         event.Meta{ID: uuid.New(), AssetName: dev.Asset},
			RebalanceID:  res.ID,
			LastPx1e8:    dev.LastPx1e8,
			CurrentPx1e8: dev.CurrentPx1e8,
			DeviationBps: dev.DeviationBps,
			MaxBps:       dev.MaxBps,
		})
		return op.skip(res, event.SkipOracleDeviation, dev.Error()), nil
	}
	op.w.oracle.RecordReadings(view.readings)

	if v.EquityUsd1e18.IsZero() {
		return op.skip(res, event.SkipZeroEquity, ""), nil
	}

	res.Deltas = state.ComputeDeltas(v.EquityUsd1e18, v.Positions, params.ReserveBps, params.DeadbandBps)
	if !state.AnyNonZero(res.Deltas) {
		return op.skip(res, event.SkipWithinDeadband, ""), nil
	}

	for _, buys := range []bool{false, true} {
		for i, d := range res.Deltas {
			if d.IsZero() || d.IsBuy() != buys {
				continue
			}
			cloid := uuid.Nil
			if i < len(req.ClientOrderIDs) {
				cloid = req.ClientOrderIDs[i]
			}
			res.Orders = append(res.Orders, op.placeOrder(ctx, res.ID, view.readings[i], d, params, cloid))
		}
	}

	op.emit(&event.RebalanceCompleted{
		Meta:            event.Meta{ID: res.ID},
		EquityUsd:       v.EquityUsd1e18.Dec(),
		OrdersSubmitted: CountOrders(res.Orders, OrderStatusSubmitted),
		OrdersRejected:  CountOrders(res.Orders, OrderStatusRejected),
		OrdersSkipped:   CountOrders(res.Orders, OrderStatusSuppressed),
	})
	e.logger.Info().
		Str("rebalance_id", res.ID.String()).
		Str("equity_usd", fpmath.FormatUsd(v.EquityUsd1e18)).
		Int("orders", len(res.Orders)).
		Msg("rebalance completed")
	return res, nil
}

func (op *operation) skip(res *RebalanceResult, reason, detail string) *RebalanceResult {
	res.Skipped = true
	res.SkipReason = reason
	op.emit(&event.RebalanceSkipped{
		Meta:      event.Meta{ID: res.ID},
		Reason:    reason,
		EquityUsd: res.EquityUsd1e18.Dec(),
		Detail:    detail,
	})
	if op.e.metrics != nil {
		op.e.metrics.RebalanceSkipped.WithLabelValues(reason).Inc()
	}
	op.e.logger.Info().Str("reason", reason).Str("detail", detail).Msg("rebalance skipped")
	return res
}

// placeOrder builds and submits one order. Every outcome is emitted as an
// event; none is returned as an error.
func (op *operation) placeOrder(ctx context.Context, parentID uuid.UUID, r state.AssetReading, d state.Delta, params *state.VaultParams, cloid uuid.UUID) OrderOutcome {
	e := op.e
	out := OrderOutcome{Asset: r.Asset.Name, Delta: d}

	order, err := state.BuildOrder(r, d, params, cloid)
	if err != nil {
		var sup *state.SuppressedError
		if errors.As(err, &sup) {
			out.Status = OrderStatusSuppressed
			out.Reason = sup.Reason
			op.emit(&event.OrderSuppressed{
				Meta:        event.Meta{ID: uuid.New(), AssetName: r.Asset.Name},
				RebalanceID: parentID,
				IsBuy:       d.IsBuy(),
				DeltaUsd:    d.Dec(),
				Size:        sup.Size,
				Reason:      sup.Reason,
			})
			return out
		}
		reason := event.RejectScale
		if errors.Is(err, event.ErrMarketUnavailable) {
			reason = event.RejectMarketUnavailable
		}
		return op.reject(out, parentID, d, reason, err)
	}
	out.Order = order

	ack, err := e.submitter.SubmitOrder(ctx, venue.Order{
		Asset:         order.SpotAssetID,
		IsBuy:         order.IsBuy,
		LimitPrice1e8: order.LimitPrice1e8,
		Size:          order.Size,
		TimeInForce:   order.TimeInForce,
		ClientOrderID: order.ClientOrderID,
	})
	if err != nil {
		return op.reject(out, parentID, d, event.RejectSubmitFailed, err)
	}

	out.Status = OrderStatusSubmitted
	out.Ack = ack
	op.emit(&event.OrderSubmitted{
		Meta:          event.Meta{ID: order.ClientOrderID, AssetName: r.Asset.Name},
		RebalanceID:   parentID,
		SpotAssetID:   order.SpotAssetID,
		IsBuy:         order.IsBuy,
		LimitPrice1e8: order.LimitPrice1e8,
		Size:          order.Size,
		TimeInForce:   order.TimeInForce,
		DeltaUsd:      d.Dec(),
		PriceSource:   string(order.PriceSource),
	})
	if e.metrics != nil {
		e.metrics.OrdersSubmitted.WithLabelValues(r.Asset.Name, side(order.IsBuy)).Inc()
	}
	e.logger.Info().
		Str("asset", r.Asset.Name).
		Str("side", side(order.IsBuy)).
		Str("limit_px", fpmath.FormatPrice(order.LimitPrice1e8)).
		Uint64("size", order.Size).
		Str("delta_usd", d.String()).
		Msg("order submitted")
	return out
}

func (op *operation) reject(out OrderOutcome, parentID uuid.UUID, d state.Delta, reason string, err error) OrderOutcome {
	e := op.e
	out.Status = OrderStatusRejected
	out.Reason = reason
	out.Err = err
	op.emit(&event.OrderRejected{
		Meta:        event.Meta{ID: uuid.New(), AssetName: out.Asset},
		RebalanceID: parentID,
		IsBuy:       d.IsBuy(),
		DeltaUsd:    d.Dec(),
		Reason:      reason,
		Detail:      err.Error(),
	})
	if e.metrics != nil {
		e.metrics.OrdersRejected.WithLabelValues(out.Asset, reason).Inc()
	}
	e.logger.Warn().Err(err).Str("asset", out.Asset).Str("reason", reason).Msg("order rejected")
	return out
}

func side(isBuy bool) string {
	if isBuy {
		return "buy"
	}
	return "sell"
}
