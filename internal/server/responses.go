package server

import (
	"IndexVault/internal/core"
	fpmath "IndexVault/internal/math"
	"IndexVault/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Response bodies. USD amounts and share counts are 18-decimal strings.

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type depositResponse struct {
	ID            uuid.UUID       `json:"id"`
	SharesMinted  string          `json:"shares_minted"`
	FeeUsd        string          `json:"fee_usd"`
	PricePerShare string          `json:"price_per_share"`
	DeployedUsd   string          `json:"deployed_usd"`
	DeployError   string          `json:"deploy_error,omitempty"`
	Orders        []orderJSON     `json:"orders,omitempty"`
	SkipReason    string          `json:"allocation_skipped,omitempty"`
	Settlement    *settlementJSON `json:"settlement,omitempty"`
}

type withdrawResponse struct {
	Withdrawal withdrawalJSON  `json:"withdrawal"`
	Settled    bool            `json:"settled"`
	Settlement *settlementJSON `json:"settlement,omitempty"`
}

type withdrawalJSON struct {
	ID             uuid.UUID `json:"id"`
	Requester      string    `json:"requester"`
	SharesBurned   string    `json:"shares_burned"`
	FeeBps         uint64    `json:"fee_bps"`
	PricePerShare  string    `json:"price_per_share"`
	GrossUsd       string    `json:"gross_usd"`
	NetUsd         string    `json:"net_usd"`
	Settled        bool      `json:"settled"`
	RequestedBlock uint64    `json:"requested_block"`
	SettledBlock   uint64    `json:"settled_block,omitempty"`
}

type settlementJSON struct {
	Settled   []withdrawalJSON `json:"settled"`
	PaidUsd   string           `json:"paid_usd"`
	Remaining int              `json:"remaining"`
	Shortfall *shortfallJSON   `json:"shortfall,omitempty"`
}

type shortfallJSON struct {
	RequiredUsd  string `json:"required_usd"`
	AvailableUsd string `json:"available_usd"`
}

type orderJSON struct {
	Asset         string    `json:"asset"`
	Side          string    `json:"side,omitempty"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	DeltaUsd      string    `json:"delta_usd"`
	Size          uint64    `json:"size,omitempty"`
	LimitPrice    string    `json:"limit_price,omitempty"`
	ClientOrderID uuid.UUID `json:"client_order_id,omitempty"`
	VenueOrderID  uint64    `json:"venue_order_id,omitempty"`
}

type rebalanceResponse struct {
	ID         uuid.UUID   `json:"id"`
	EquityUsd  string      `json:"equity_usd"`
	Skipped    bool        `json:"skipped"`
	SkipReason string      `json:"skip_reason,omitempty"`
	Orders     []orderJSON `json:"orders"`
}

type recallResponse struct {
	ID           uuid.UUID       `json:"id"`
	RequestedUsd string          `json:"requested_usd"`
	RecalledUsd  string          `json:"recalled_usd"`
	Orders       []orderJSON     `json:"orders"`
	Settlement   *settlementJSON `json:"settlement,omitempty"`
}

type transferResponse struct {
	AmountUsd string `json:"amount_usd"`
}

type pendingResponse struct {
	Withdrawals  []withdrawalJSON `json:"withdrawals"`
	TotalOwedUsd string           `json:"total_owed_usd"`
}

type equityResponse struct {
	EquityUsd   string `json:"equity_usd"`
	TotalShares string `json:"total_shares"`
}

type ppsResponse struct {
	PricePerShare string `json:"price_per_share"`
}

type sharesResponse struct {
	Holder      string `json:"holder"`
	Shares      string `json:"shares"`
	TotalShares string `json:"total_shares"`
}

func usd(v *uint256.Int) string { return fpmath.FormatUsd(v) }

func newDepositResponse(res *core.DepositResult) depositResponse {
	out := depositResponse{
		ID:            res.ID,
		SharesMinted:  usd(res.SharesMinted),
		FeeUsd:        usd(res.FeeUsd1e18),
		PricePerShare: usd(res.PricePerShare1e18),
		DeployedUsd:   usd(res.DeployedUsd1e18),
		SkipReason:    res.AllocationSkipped,
		Settlement:    newSettlementJSON(res.Settlement),
	}
	if res.DeployErr != nil {
		out.DeployError = res.DeployErr.Error()
	}
	if len(res.Orders) > 0 {
		out.Orders = newOrdersJSON(res.Orders)
	}
	return out
}

func newWithdrawalJSON(w *state.WithdrawalRequest) withdrawalJSON {
	return withdrawalJSON{
		ID:             w.ID,
		Requester:      w.Requester,
		SharesBurned:   usd(w.SharesBurned),
		FeeBps:         w.FeeBpsSnapshot,
		PricePerShare:  usd(w.PricePerShare1e18),
		GrossUsd:       usd(w.GrossUsd1e18),
		NetUsd:         usd(w.NetUsd1e18),
		Settled:        w.Settled,
		RequestedBlock: w.RequestedBlock,
		SettledBlock:   w.SettledBlock,
	}
}

func newSettlementJSON(res *core.SettleResult) *settlementJSON {
	if res == nil {
		return nil
	}
	out := &settlementJSON{
		Settled:   make([]withdrawalJSON, 0, len(res.Settled)),
		PaidUsd:   usd(res.PaidUsd1e18),
		Remaining: res.Remaining,
	}
	for _, w := range res.Settled {
		out.Settled = append(out.Settled, newWithdrawalJSON(w))
	}
	if res.Shortfall != nil {
		out.Shortfall = &shortfallJSON{
			RequiredUsd:  usd(res.Shortfall.Required),
			AvailableUsd: usd(res.Shortfall.Available),
		}
	}
	return out
}

func newOrdersJSON(outcomes []core.OrderOutcome) []orderJSON {
	out := make([]orderJSON, 0, len(outcomes))
	for _, o := range outcomes {
		j := orderJSON{
			Asset:    o.Asset,
			Status:   o.Status,
			Reason:   o.Reason,
			DeltaUsd: signed(o.Delta),
		}
		if o.Order != nil {
			j.Side = "sell"
			if o.Order.IsBuy {
				j.Side = "buy"
			}
			j.Size = o.Order.Size
			j.LimitPrice = fpmath.FormatPrice(o.Order.LimitPrice1e8)
			j.ClientOrderID = o.Order.ClientOrderID
		}
		j.VenueOrderID = o.Ack.OrderID
		out = append(out, j)
	}
	return out
}

func signed(d state.Delta) string {
	if d.IsZero() {
		return "0"
	}
	if d.Negative {
		return "-" + usd(d.Amount)
	}
	return usd(d.Amount)
}
