// Package pricing derives canonical prices and guarded limit prices.
package pricing

import (
	"IndexVault/internal/event"
	fpmath "IndexVault/internal/math"
	"fmt"
)

// DefaultMaxPrice1e8 is the sanity ceiling (10,000 USD) applied when an
// asset does not configure its own.
const DefaultMaxPrice1e8 uint64 = 1_000_000_000_000

// BookState classifies the top of book.
type BookState int

const (
	BookTwoSided        BookState = iota // both bid and ask non-zero
	BookOneSidedOrEmpty                  // at least one side is zero
)

func (s BookState) String() string {
	if s == BookTwoSided {
		return "two_sided"
	}
	return "one_sided_or_empty"
}

// PriceSource records which feed a limit price came from.
type PriceSource string

const (
	SourceBook   PriceSource = "bbo"
	SourceOracle PriceSource = "oracle"
)

// Book is a best bid/offer in canonical 1e8 units. Zero means no resting
// order on that side.
type Book struct {
	Bid uint64
	Ask uint64
}

// State returns the book's pricing state.
func (b Book) State() BookState {
	if b.Bid != 0 && b.Ask != 0 {
		return BookTwoSided
	}
	return BookOneSidedOrEmpty
}

// CanonicalBook converts raw venue bid/ask ticks to a canonical Book.
func CanonicalBook(rawBid, rawAsk uint64, p fpmath.AssetDecimalProfile) (Book, error) {
	bid, err := fpmath.ToCanonicalPrice(rawBid, p)
	if err != nil {
		return Book{}, fmt.Errorf("bid: %w", err)
	}
	ask, err := fpmath.ToCanonicalPrice(rawAsk, p)
	if err != nil {
		return Book{}, fmt.Errorf("ask: %w", err)
	}
	return Book{Bid: bid, Ask: ask}, nil
}

// Params configures limit price derivation for one asset.
type Params struct {
	EpsilonBps     uint64
	MaxSlippageBps uint64
	MaxPrice1e8    uint64 // sanity ceiling; 0 means DefaultMaxPrice1e8
}

func (p Params) ceiling() uint64 {
	if p.MaxPrice1e8 == 0 {
		return DefaultMaxPrice1e8
	}
	return p.MaxPrice1e8
}

// Quote is a guarded, quantized limit price.
type Quote struct {
	LimitPrice1e8 uint64
	Source        PriceSource
	State         BookState
}

// CheckSanity rejects a zero price or one above the ceiling.
func CheckSanity(asset string, px1e8 uint64, p Params) error {
	if px1e8 == 0 {
		return &event.ScaleError{Asset: asset, Value: px1e8, Reason: "zero limit price"}
	}
	if px1e8 > p.ceiling() {
		return &event.ScaleError{
			Asset:  asset,
			Value:  px1e8,
			Reason: fmt.Sprintf("limit price above sanity ceiling %d", p.ceiling()),
		}
	}
	return nil
}

// LimitPrice computes the limit for an order on asset.
//
// Only the consumed side matters: the ask for a buy, the bid for a sell. When
// that side is present the limit is side*(1±eps). Otherwise the oracle price
// is moved by maxSlippage+eps in the same direction. The result is quantized
// (buys up, sells down) and then checked against the sanity band.
func LimitPrice(asset string, book Book, oracle1e8 uint64, isBuy bool, sizeDecimals uint8, p Params) (Quote, error) {
	quote := Quote{State: book.State()}

	consumed := book.Bid
	if isBuy {
		consumed = book.Ask
	}

	if consumed != 0 {
		px, err := guardedPrice(asset, consumed, p.EpsilonBps, isBuy, sizeDecimals, p)
		if err != nil {
			return quote, err
		}
		quote.LimitPrice1e8 = px
		quote.Source = SourceBook
		return quote, nil
	}

	if oracle1e8 == 0 {
		return quote, &event.MarketUnavailableError{Asset: asset, Reason: "consumed side empty and oracle price is zero"}
	}
	px, err := guardedPrice(asset, oracle1e8, p.MaxSlippageBps+p.EpsilonBps, isBuy, sizeDecimals, p)
	if err != nil {
		return quote, &event.MarketUnavailableError{Asset: asset, Reason: "oracle fallback failed sanity check", Err: err}
	}
	quote.LimitPrice1e8 = px
	quote.Source = SourceOracle
	return quote, nil
}

func guardedPrice(asset string, ref uint64, bps uint64, isBuy bool, sizeDecimals uint8, p Params) (uint64, error) {
	px, err := fpmath.AdjustPriceBps(ref, bps, isBuy)
	if err != nil {
		return 0, &event.ScaleError{Asset: asset, Value: ref, Reason: "limit price adjustment", Err: err}
	}

	mode := fpmath.RoundDown
	if isBuy {
		mode = fpmath.RoundUp
	}
	px, err = fpmath.QuantizePrice(px, sizeDecimals, mode)
	if err != nil {
		return 0, &event.ScaleError{Asset: asset, Value: ref, Reason: "limit price quantization", Err: err}
	}

	if err := CheckSanity(asset, px, p); err != nil {
		return 0, err
	}
	return px, nil
}
