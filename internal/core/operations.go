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
	"github.com/holiman/uint256"
)

// Deposit credits amountUsd1e18 to local custody and mints shares on the net
// amount at the current price per share. Queued withdrawals are settled, then
// a share of the deposit is auto-deployed to the venue and, when
// AllocateOnDeposit is set, spent on buys of the risk assets.
func (e *VaultEngine) Deposit(ctx context.Context, depositor string, amountUsd1e18 *uint256.Int) (res *DepositResult, err error) {
	if depositor == "" {
		return nil, fmt.Errorf("depositor is required")
	}
	if amountUsd1e18 == nil || amountUsd1e18.IsZero() {
		return nil, ErrZeroAmount
	}

	op := e.begin("deposit")
	defer func() { op.finish(err) }()

	view, v, err := e.value(ctx, op.w.localCash, false)
	if err != nil {
		return nil, err
	}
	op.block = view.block
	params := e.params.Get()

	pps, err := pricePerShare(v.EquityUsd1e18, op.w)
	if err != nil {
		return nil, err
	}

	fee := fpmath.ApplyBps(amountUsd1e18, params.DepositFeeBps)
	net := new(uint256.Int).Sub(amountUsd1e18, fee)

	total := op.w.shares.Total()
	var shares *uint256.Int
	if total.IsZero() {
		shares = net
	} else {
		nav := netAssetValue(v.EquityUsd1e18, op.w)
		if nav.IsZero() {
			return nil, ErrNoNetAssetValue
		}
		shares, err = fpmath.MulDiv(net, total, nav, fpmath.RoundDown)
		if err != nil {
			return nil, &event.ScaleError{Asset: "shares", Reason: "shares to mint", Err: err}
		}
	}
	if shares.IsZero() {
		return nil, ErrDepositTooSmall
	}

	op.w.localCash.Add(op.w.localCash, amountUsd1e18)
	op.w.shares.Mint(depositor, shares)

	res = &DepositResult{
		ID:                uuid.New(),
		SharesMinted:      shares.Clone(),
		FeeUsd1e18:        fee,
		PricePerShare1e18: pps,
		DeployedUsd1e18:   new(uint256.Int),
	}
	op.emit(&event.DepositRecorded{
		Meta:           event.Meta{ID: res.ID},
		Depositor:      depositor,
		AmountUsd:      amountUsd1e18.Dec(),
		FeeUsd:         fee.Dec(),
		SharesMinted:   shares.Dec(),
		PricePerShare:  pps.Dec(),
		LocalCashAfter: op.w.localCash.Dec(),
	})
	e.logger.Info().
		Str("depositor", depositor).
		Str("amount_usd", fpmath.FormatUsd(amountUsd1e18)).
		Str("shares", shares.Dec()).
		Msg("deposit recorded")

	res.Settlement = op.settle()

	if params.AutoDeployBps > 0 {
		want := fpmath.ApplyBps(amountUsd1e18, params.AutoDeployBps)
		if avail := op.w.available(); want.Gt(avail) {
			want = avail
		}
		if !want.IsZero() {
			moved, deployErr := op.transfer(ctx, event.DirectionDeploy, want, view.cash)
			if deployErr != nil {
				res.DeployErr = deployErr
				e.logger.Warn().Err(deployErr).Str("amount_usd", fpmath.FormatUsd(want)).Msg("auto-deploy skipped")
			} else {
				res.DeployedUsd1e18 = moved
				if params.AllocateOnDeposit && !moved.IsZero() {
					res.Orders = op.allocateDeposit(ctx, res, params)
				}
			}
		}
	}
	return res, nil
}

// allocateDeposit splits the cash a deposit just deployed evenly across the
// risk assets and buys each at the book. The oracle guard applies as it does
// for Rebalance. A skip leaves the cash on the venue for the next rebalance.
func (op *operation) allocateDeposit(ctx context.Context, res *DepositResult, params *state.VaultParams) []OrderOutcome {
	e := op.e
	view, err := e.readVenue(ctx, true)
	if err != nil {
		op.skipAllocation(res, event.SkipVenueRead, err.Error())
		return nil
	}

	op.w.oracle.SetDeviationBps(params.DeviationBps)
	if err := op.w.oracle.CheckReadings(view.readings); err != nil {
		var dev *event.OracleDeviationError
		if !errors.As(err, &dev) {
			op.skipAllocation(res, event.SkipVenueRead, err.Error())
			return nil
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
		op.skipAllocation(res, event.SkipOracleDeviation, dev.Error())
		return nil
	}
	op.w.oracle.RecordReadings(view.readings)

	if len(view.readings) == 0 {
		return nil
	}
	each := new(uint256.Int).Div(res.DeployedUsd1e18, uint256.NewInt(uint64(len(view.readings))))

	outcomes := make([]OrderOutcome, 0, len(view.readings))
	for _, r := range view.readings {
		outcomes = append(outcomes, op.placeOrder(ctx, res.ID, r, state.Delta{Amount: each.Clone()}, params, uuid.Nil))
	}
	e.logger.Info().
		Str("deposit_id", res.ID.String()).
		Str("per_asset_usd", fpmath.FormatUsd(each)).
		Int("submitted", CountOrders(outcomes, OrderStatusSubmitted)).
		Msg("deposit allocated")
	return outcomes
}

func (op *operation) skipAllocation(res *DepositResult, reason, detail string) {
	res.AllocationSkipped = reason
	op.emit(&event.DepositAllocationSkipped{
		Meta:        event.Meta{ID: uuid.New()},
		DepositID:   res.ID,
		Reason:      reason,
		DeployedUsd: res.DeployedUsd1e18.Dec(),
		Detail:      detail,
	})
	op.e.logger.Warn().Str("reason", reason).Str("detail", detail).Msg("deposit allocation skipped")
}

// RequestWithdraw burns shares, queues a request priced at the current
// price per share and settles the queue if local custody allows.
func (e *VaultEngine) RequestWithdraw(ctx context.Context, requester string, shares *uint256.Int) (res *WithdrawResult, err error) {
	if shares == nil || shares.IsZero() {
		return nil, ErrZeroAmount
	}

	op := e.begin("request_withdraw")
	defer func() { op.finish(err) }()

	if bal := op.w.shares.BalanceOf(requester); bal.Lt(shares) {
		return nil, fmt.Errorf("%w: %s holds %s, requested %s", state.ErrInsufficientShares, requester, bal.Dec(), shares.Dec())
	}

	view, v, err := e.value(ctx, op.w.localCash, false)
	if err != nil {
		return nil, err
	}
	op.block = view.block

	pps, err := pricePerShare(v.EquityUsd1e18, op.w)
	if err != nil {
		return nil, err
	}
	gross, err := fpmath.MulDiv(shares, pps, fpmath.Pow10(fpmath.USDDecimals), fpmath.RoundDown)
	if err != nil {
		return nil, &event.ScaleError{Asset: "shares", Reason: "withdrawal gross amount", Err: err}
	}
	feeBps := e.params.Get().WithdrawFeeBpsForAmount(gross)

	req, err := state.NewWithdrawalRequest(uuid.New(), requester, shares, pps, feeBps, view.block)
	if err != nil {
		return nil, err
	}
	if err := op.w.shares.Burn(requester, shares); err != nil {
		return nil, err
	}
	op.w.queue.Enqueue(req)

	op.emit(&event.WithdrawalRequested{
		Meta:          event.Meta{ID: uuid.New()},
		WithdrawalID:  req.ID,
		Requester:     requester,
		SharesBurned:  shares.Dec(),
		FeeBps:        feeBps,
		GrossUsd:      req.GrossUsd1e18.Dec(),
		NetUsd:        req.NetUsd1e18.Dec(),
		PricePerShare: pps.Dec(),
	})

	settlement := op.settle()
	return &WithdrawResult{
		Request:    req.Clone(),
		Settled:    req.Settled,
		Settlement: settlement,
	}, nil
}

// SettleWithdrawals pays queued requests in FIFO order from local custody.
func (e *VaultEngine) SettleWithdrawals(ctx context.Context) (res *SettleResult, err error) {
	op := e.begin("settle")
	defer func() { op.finish(err) }()

	block, err := e.reader.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("read block number: %w", err)
	}
	op.block = block
	return op.settle(), nil
}

// Deploy moves amountUsd1e18 of local cash not owed to the queue to the
// venue cash token.
func (e *VaultEngine) Deploy(ctx context.Context, amountUsd1e18 *uint256.Int) (res *TransferResult, err error) {
	if amountUsd1e18 == nil || amountUsd1e18.IsZero() {
		return nil, ErrZeroAmount
	}

	op := e.begin("deploy")
	defer func() { op.finish(err) }()

	block, cash, err := e.readCash(ctx)
	if err != nil {
		return nil, err
	}
	op.block = block

	if avail := op.w.available(); amountUsd1e18.Gt(avail) {
		return nil, &event.LiquidityError{Required: amountUsd1e18.Clone(), Available: avail}
	}
	moved, err := op.transfer(ctx, event.DirectionDeploy, amountUsd1e18, cash)
	if err != nil {
		return nil, err
	}
	return &TransferResult{AmountUsd1e18: moved}, nil
}

// Recall brings up to amountUsd1e18 back to local custody. When venue cash is
// short, risk assets are sold pro rata to their positions first. Whatever
// cash is then on the venue, capped at the amount, is transferred back and
// the queue is settled.
func (e *VaultEngine) Recall(ctx context.Context, amountUsd1e18 *uint256.Int) (res *RecallResult, err error) {
	if amountUsd1e18 == nil || amountUsd1e18.IsZero() {
		return nil, ErrZeroAmount
	}

	op := e.begin("recall")
	defer func() { op.finish(err) }()

	view, v, err := e.value(ctx, op.w.localCash, true)
	if err != nil {
		return nil, err
	}
	op.block = view.block
	params := e.params.Get()

	res = &RecallResult{
		ID:               uuid.New(),
		RequestedUsd1e18: amountUsd1e18.Clone(),
		RecalledUsd1e18:  new(uint256.Int),
	}

	cash := view.cash
	if v.VenueCashUsd1e18.Lt(amountUsd1e18) {
		shortfall := new(uint256.Int).Sub(amountUsd1e18, v.VenueCashUsd1e18)
		res.Orders = op.sellProRata(ctx, res.ID, view.readings, v.Positions, shortfall, params)

		if CountOrders(res.Orders, OrderStatusSubmitted) > 0 {
			_, cash, err = e.readCash(ctx)
			if err != nil {
				op.emitRecallCompleted(res)
				return res, err
			}
		}
	}

	venueCash, err := state.PositionOf(cash.RawBalance, cash.Profile, state.CashPrice1e8)
	if err != nil {
		return nil, &event.ScaleError{Asset: "cash", Value: cash.RawBalance, Reason: "venue cash", Err: err}
	}
	want := amountUsd1e18.Clone()
	if venueCash.Lt(want) {
		want = venueCash
	}

	if !want.IsZero() {
		moved, err := op.transfer(ctx, event.DirectionRecall, want, cash)
		if err != nil {
			op.emitRecallCompleted(res)
			return res, err
		}
		res.RecalledUsd1e18 = moved
	}

	res.Settlement = op.settle()
	op.emitRecallCompleted(res)
	return res, nil
}

func (op *operation) emitRecallCompleted(res *RecallResult) {
	op.emit(&event.RecallCompleted{
		Meta:            event.Meta{ID: res.ID},
		RequestedUsd:    res.RequestedUsd1e18.Dec(),
		RecalledUsd:     res.RecalledUsd1e18.Dec(),
		OrdersSubmitted: CountOrders(res.Orders, OrderStatusSubmitted),
	})
}

// sellProRata sells shortfall worth of risk assets split by position size.
// Each leg is rounded up and capped at the position.
func (op *operation) sellProRata(ctx context.Context, parentID uuid.UUID, readings []state.AssetReading, positions []*uint256.Int, shortfall *uint256.Int, params *state.VaultParams) []OrderOutcome {
	risk := new(uint256.Int)
	for _, p := range positions {
		risk.Add(risk, p)
	}
	if risk.IsZero() {
		return nil
	}

	var outcomes []OrderOutcome
	for i, r := range readings {
		pos := positions[i]
		if pos.IsZero() {
			continue
		}
		sell, err := fpmath.MulDiv(shortfall, pos, risk, fpmath.RoundUp)
		if err != nil || sell.Gt(pos) {
			sell = pos.Clone()
		}
		outcomes = append(outcomes, op.placeOrder(ctx, parentID, r, state.Delta{Amount: sell, Negative: true}, params, uuid.Nil))
	}
	return outcomes
}

// settle pays the queue from local custody and emits one event per paid
// request, plus WithdrawalQueued when the head is blocked.
func (op *operation) settle() *SettleResult {
	settled, paid, err := op.w.queue.Settle(op.w.localCash, op.block)
	if paid.Gt(op.w.localCash) {
		panic(fmt.Sprintf("FATAL: settlement paid %s from local cash %s", paid.Dec(), op.w.localCash.Dec()))
	}
	op.w.localCash.Sub(op.w.localCash, paid)

	for _, r := range settled {
		op.emit(&event.WithdrawalSettled{
			Meta:         event.Meta{ID: uuid.New()},
			WithdrawalID: r.ID,
			Requester:    r.Requester,
			NetUsd:       r.NetUsd1e18.Dec(),
			FeeBps:       r.FeeBpsSnapshot,
		})
		op.e.logger.Info().
			Str("requester", r.Requester).
			Str("net_usd", fpmath.FormatUsd(r.NetUsd1e18)).
			Msg("withdrawal settled")
	}

	res := &SettleResult{Settled: settled, PaidUsd1e18: paid, Remaining: op.w.queue.Len()}

	var liq *event.LiquidityError
	if errors.As(err, &liq) {
		res.Shortfall = liq
		head := op.w.queue.Head()
		op.emit(&event.WithdrawalQueued{
			Meta:         event.Meta{ID: uuid.New()},
			WithdrawalID: head.ID,
			Requester:    head.Requester,
			NetUsd:       head.NetUsd1e18.Dec(),
			AvailableUsd: liq.Available.Dec(),
			QueueLength:  op.w.queue.Len(),
		})
	}
	return res
}

// transfer moves usd of the cash token across the custody boundary and
// returns the USD amount actually moved, which is floored to whole size units
// of the cash token.
//
// The epoch counter is charged before anything is sent. The venue call and
// the local cash update then commit together under stateMu.
func (op *operation) transfer(ctx context.Context, direction string, usd *uint256.Int, cash state.CashReading) (*uint256.Int, error) {
	e := op.e

	settle, err := fpmath.SettlementUnitsForUsd(usd, state.CashPrice1e8, cash.Profile.SettlementDecimals)
	if err != nil {
		return nil, &event.ScaleError{Asset: "cash", Reason: "transfer amount", Err: err}
	}
	size, err := fpmath.FromSettlementUnits(settle, cash.Profile)
	if err != nil {
		return nil, &event.ScaleError{Asset: "cash", Reason: "transfer amount", Err: err}
	}
	settle = fpmath.ToSettlementUnits(size, cash.Profile)
	moved, err := state.PositionOf(size, cash.Profile, state.CashPrice1e8)
	if err != nil {
		return nil, &event.ScaleError{Asset: "cash", Reason: "transfer amount", Err: err}
	}
	if moved.IsZero() {
		return moved, nil
	}

	epoch := op.w.epoch.Clone()
	if err := epoch.Consume(op.block, moved); err != nil {
		var rl *event.RateLimitError
		if errors.As(err, &rl) {
			op.emit(&event.RateLimited{
				Meta:            event.Meta{ID: uuid.New()},
				Direction:       direction,
				RequestedUsd:    rl.Requested.Dec(),
				RemainingUsd:    rl.Remaining.Dec(),
				EpochStartBlock: rl.EpochStartBlock,
			})
		}
		return nil, err
	}

	dest := e.cfg.VenueAccount
	if direction == event.DirectionRecall {
		dest = e.cfg.LocalAccount
	}

	if direction == event.DirectionDeploy && op.w.localCash.Lt(moved) {
		panic(fmt.Sprintf("FATAL: deploy of %s exceeds local cash %s", moved.Dec(), op.w.localCash.Dec()))
	}

	done := e.beginTransfer()
	err = e.submitter.Transfer(ctx, venue.Transfer{Destination: dest, TokenID: cash.TokenID, Amount: settle})

	e.stateMu.Lock()
	if err == nil {
		op.w.epoch = epoch
		if direction == event.DirectionDeploy {
			op.w.localCash.Sub(op.w.localCash, moved)
		} else {
			op.w.localCash.Add(op.w.localCash, moved)
		}
		op.commitLocked()
	}
	e.endTransferLocked(done)
	e.stateMu.Unlock()

	if err != nil {
		op.emit(&event.TransferFailed{
			Meta:      event.Meta{ID: uuid.New()},
			Direction: direction,
			AmountUsd: moved.Dec(),
			Detail:    err.Error(),
		})
		return nil, fmt.Errorf("%s transfer: %w", direction, err)
	}

	op.emit(&event.TransferSent{
		Meta:         event.Meta{ID: uuid.New()},
		Direction:    direction,
		Destination:  dest,
		TokenID:      cash.TokenID,
		AmountSettle: settle.Dec(),
		AmountUsd:    moved.Dec(),
	})
	e.logger.Info().
		Str("direction", direction).
		Str("amount_usd", fpmath.FormatUsd(moved)).
		Msg("transfer sent")
	return moved, nil
}
