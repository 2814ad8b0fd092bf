// Package venuetest provides an in-memory venue for tests.
package venuetest

import (
	fpmath "IndexVault/internal/math"
	"IndexVault/internal/venue"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

var ErrInsufficientBalance = errors.New("venuetest: insufficient balance")

// Mock is a venue.Venue backed by maps. Transfers to VenueAccount credit it,
// transfers to LocalAccount debit it. With FillOrders set, orders fill
// completely at their limit price against CashTokenID.
type Mock struct {
	mu sync.Mutex

	VenueAccount string
	LocalAccount string
	CashTokenID  uint32

	block      uint64
	tokens     map[uint32]venue.TokenInfo
	spotTokens map[uint32]uint32 // spot asset id -> token id
	balances   map[string]map[uint32]uint64
	holds      map[string]map[uint32]uint64
	oracle     map[uint32]uint64
	books      map[uint32]venue.BBO

	Orders    []venue.Order
	Transfers []venue.Transfer

	FillOrders    bool
	OrderErrors   map[uint32]error // by spot asset id
	TransferError error
	ReadError     error
}

func NewMock(venueAccount, localAccount string, cashTokenID uint32, cash venue.TokenInfo) *Mock {
	m := &Mock{
		VenueAccount: venueAccount,
		LocalAccount: localAccount,
		CashTokenID:  cashTokenID,
		tokens:       make(map[uint32]venue.TokenInfo),
		spotTokens:   make(map[uint32]uint32),
		balances:     make(map[string]map[uint32]uint64),
		holds:        make(map[string]map[uint32]uint64),
		oracle:       make(map[uint32]uint64),
		books:        make(map[uint32]venue.BBO),
		OrderErrors:  make(map[uint32]error),
	}
	m.tokens[cashTokenID] = cash
	return m
}

// AddAsset registers a risk token and its spot market.
func (m *Mock) AddAsset(tokenID, spotAssetID uint32, info venue.TokenInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tokenID] = info
	m.spotTokens[spotAssetID] = tokenID
}

func (m *Mock) SetBalance(owner string, tokenID uint32, total uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setBalance(owner, tokenID, total)
}

// SetHold locks part of a balance as if resting orders used it.
func (m *Mock) SetHold(owner string, tokenID uint32, hold uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holds[owner] == nil {
		m.holds[owner] = make(map[uint32]uint64)
	}
	m.holds[owner][tokenID] = hold
}

func (m *Mock) Balance(owner string, tokenID uint32) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[owner][tokenID]
}

func (m *Mock) SetOracle(tokenID uint32, rawTick uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.oracle[tokenID] = rawTick
}

func (m *Mock) SetBBO(spotAssetID uint32, bid, ask uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[spotAssetID] = venue.BBO{Bid: bid, Ask: ask}
}

func (m *Mock) SetBlock(block uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = block
}

func (m *Mock) AdvanceBlocks(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block += n
}

// OrderCount is the number of accepted orders.
func (m *Mock) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Orders)
}

func (m *Mock) SpotBalance(_ context.Context, owner string, tokenID uint32) (venue.SpotBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadError != nil {
		return venue.SpotBalance{}, m.ReadError
	}
	return venue.SpotBalance{Total: m.balances[owner][tokenID], Hold: m.holds[owner][tokenID]}, nil
}

func (m *Mock) TokenInfo(_ context.Context, tokenID uint32) (venue.TokenInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadError != nil {
		return venue.TokenInfo{}, m.ReadError
	}
	info, ok := m.tokens[tokenID]
	if !ok {
		return venue.TokenInfo{}, fmt.Errorf("venuetest: unknown token %d", tokenID)
	}
	return info, nil
}

func (m *Mock) RawOraclePrice(_ context.Context, tokenID uint32) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadError != nil {
		return 0, m.ReadError
	}
	return m.oracle[tokenID], nil
}

func (m *Mock) BBO(_ context.Context, assetID uint32) (venue.BBO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadError != nil {
		return venue.BBO{}, m.ReadError
	}
	return m.books[assetID], nil
}

func (m *Mock) BlockNumber(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReadError != nil {
		return 0, m.ReadError
	}
	return m.block, nil
}

func (m *Mock) SubmitOrder(_ context.Context, o venue.Order) (venue.OrderAck, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.OrderErrors[o.Asset]; err != nil {
		return venue.OrderAck{}, err
	}
	if m.FillOrders {
		if err := m.fill(o); err != nil {
			return venue.OrderAck{}, err
		}
	}
	m.Orders = append(m.Orders, o)
	status := "resting"
	if m.FillOrders {
		status = "filled"
	}
	return venue.OrderAck{Status: status, OrderID: uint64(len(m.Orders))}, nil
}

func (m *Mock) Transfer(_ context.Context, t venue.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TransferError != nil {
		return m.TransferError
	}
	info, ok := m.tokens[t.TokenID]
	if !ok {
		return fmt.Errorf("venuetest: unknown token %d", t.TokenID)
	}
	size, err := fpmath.FromSettlementUnits(t.Amount, info.Profile())
	if err != nil {
		return err
	}

	switch t.Destination {
	case m.VenueAccount:
		m.setBalance(m.VenueAccount, t.TokenID, m.balances[m.VenueAccount][t.TokenID]+size)
	case m.LocalAccount:
		have := m.balances[m.VenueAccount][t.TokenID]
		if have < size {
			return fmt.Errorf("%w: have %d, transfer %d", ErrInsufficientBalance, have, size)
		}
		m.setBalance(m.VenueAccount, t.TokenID, have-size)
	default:
		return fmt.Errorf("venuetest: unknown destination %q", t.Destination)
	}
	m.Transfers = append(m.Transfers, venue.Transfer{Destination: t.Destination, TokenID: t.TokenID, Amount: t.Amount.Clone()})
	return nil
}

func (m *Mock) setBalance(owner string, tokenID uint32, total uint64) {
	if m.balances[owner] == nil {
		m.balances[owner] = make(map[uint32]uint64)
	}
	m.balances[owner][tokenID] = total
}

// fill settles o against the venue account at its limit price.
func (m *Mock) fill(o venue.Order) error {
	tokenID, ok := m.spotTokens[o.Asset]
	if !ok {
		return fmt.Errorf("venuetest: unknown spot asset %d", o.Asset)
	}
	asset := m.tokens[tokenID]
	cash := m.tokens[m.CashTokenID]

	// notional in 1e8, then in cash size units
	notional := new(uint256.Int).Mul(uint256.NewInt(o.Size), uint256.NewInt(o.LimitPrice1e8))
	notional.Div(notional, fpmath.Pow10(uint(asset.SizeDecimals)))
	cashUnits := notional.Mul(notional, fpmath.Pow10(uint(cash.SizeDecimals)))
	cashUnits.Div(cashUnits, fpmath.Pow10(fpmath.PriceDecimals1e8))
	if !cashUnits.IsUint64() {
		return fmt.Errorf("venuetest: notional overflow")
	}
	cost := cashUnits.Uint64()

	acct := m.VenueAccount
	haveCash := m.balances[acct][m.CashTokenID]
	haveAsset := m.balances[acct][tokenID]
	if o.IsBuy {
		if haveCash < cost {
			return fmt.Errorf("%w: cash %d, cost %d", ErrInsufficientBalance, haveCash, cost)
		}
		m.setBalance(acct, m.CashTokenID, haveCash-cost)
		m.setBalance(acct, tokenID, haveAsset+o.Size)
		return nil
	}
	free := haveAsset
	if hold := m.holds[acct][tokenID]; hold < free {
		free -= hold
	} else {
		free = 0
	}
	if free < o.Size {
		return fmt.Errorf("%w: asset %d free %d, size %d", ErrInsufficientBalance, haveAsset, free, o.Size)
	}
	m.setBalance(acct, tokenID, haveAsset-o.Size)
	m.setBalance(acct, m.CashTokenID, haveCash+cost)
	return nil
}

var _ venue.Venue = (*Mock)(nil)
