package venue

import (
	"IndexVault/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Bridge methods; each is served on <prefix>.<method>.
const (
	MethodSpotBalance = "spot_balance"
	MethodTokenInfo   = "token_info"
	MethodOraclePrice = "oracle_price"
	MethodBBO         = "bbo"
	MethodBlockNumber = "block_number"
	MethodSubmitOrder = "submit_order"
	MethodTransfer    = "transfer"
)

// ErrMissingField is a reply without a field the bridge must always send.
var ErrMissingField = errors.New("missing field")

// BridgeError is an error reply from the remote bridge.
type BridgeError struct {
	Method  string
	Message string
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("venue bridge %s: %s", e.Method, e.Message)
}

type BridgeConfig struct {
	SubjectPrefix     string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Requester is the subset of *nats.Conn the bridge uses.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// BridgeClient implements Venue over NATS request/reply with JSON bodies.
// Every call waits on a shared token bucket first.
type BridgeClient struct {
	conn    Requester
	cfg     BridgeConfig
	limiter *rate.Limiter
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewBridgeClient(conn Requester, cfg BridgeConfig, metrics *observability.Metrics, logger zerolog.Logger) *BridgeClient {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "venue.bridge"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &BridgeClient{
		conn:    conn,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		metrics: metrics,
		logger:  logger,
	}
}

// Wire types. Large integers travel as decimal strings.

type spotBalanceRequest struct {
	Owner   string `json:"owner"`
	TokenID uint32 `json:"token_id"`
}

type spotBalanceReply struct {
	Total    string `json:"total"`
	Hold     string `json:"hold"`
	EntryNtl string `json:"entry_ntl"`
}

type tokenRequest struct {
	TokenID uint32 `json:"token_id"`
}

type tokenInfoReply struct {
	Name               string `json:"name"`
	SizeDecimals       uint8  `json:"sz_decimals"`
	SettlementDecimals uint8  `json:"wei_decimals"`
}

type priceReply struct {
	RawTick string `json:"raw_tick"`
}

type bboRequest struct {
	AssetID uint32 `json:"asset_id"`
}

type bboReply struct {
	Bid string `json:"bid"`
	Ask string `json:"ask"`
}

type blockReply struct {
	Block uint64 `json:"block"`
}

type orderRequest struct {
	Asset         uint32    `json:"asset"`
	IsBuy         bool      `json:"is_buy"`
	LimitPrice1e8 string    `json:"limit_px_1e8"`
	Size          string    `json:"sz"`
	TimeInForce   string    `json:"tif"`
	ClientOrderID uuid.UUID `json:"cloid"`
}

type orderReply struct {
	Status  string `json:"status"`
	OrderID uint64 `json:"oid"`
}

type transferRequest struct {
	Destination string `json:"destination"`
	TokenID     uint32 `json:"token_id"`
	Amount      string `json:"amount"`
}

type envelope struct {
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (c *BridgeClient) SpotBalance(ctx context.Context, owner string, tokenID uint32) (SpotBalance, error) {
	var reply spotBalanceReply
	if err := c.call(ctx, MethodSpotBalance, spotBalanceRequest{Owner: owner, TokenID: tokenID}, &reply); err != nil {
		return SpotBalance{}, err
	}
	total, err := requireUint(MethodSpotBalance, "total", reply.Total)
	if err != nil {
		return SpotBalance{}, err
	}
	hold, err := parseUint(MethodSpotBalance, "hold", reply.Hold)
	if err != nil {
		return SpotBalance{}, err
	}
	return SpotBalance{Total: total, Hold: hold, EntryNtl: reply.EntryNtl}, nil
}

func (c *BridgeClient) TokenInfo(ctx context.Context, tokenID uint32) (TokenInfo, error) {
	var reply tokenInfoReply
	if err := c.call(ctx, MethodTokenInfo, tokenRequest{TokenID: tokenID}, &reply); err != nil {
		return TokenInfo{}, err
	}
	info := TokenInfo{Name: reply.Name, SizeDecimals: reply.SizeDecimals, SettlementDecimals: reply.SettlementDecimals}
	if err := info.Profile().Validate(); err != nil {
		return TokenInfo{}, fmt.Errorf("token %d: %w", tokenID, err)
	}
	return info, nil
}

func (c *BridgeClient) RawOraclePrice(ctx context.Context, tokenID uint32) (uint64, error) {
	var reply priceReply
	if err := c.call(ctx, MethodOraclePrice, tokenRequest{TokenID: tokenID}, &reply); err != nil {
		return 0, err
	}
	return requireUint(MethodOraclePrice, "raw_tick", reply.RawTick)
}

func (c *BridgeClient) BBO(ctx context.Context, assetID uint32) (BBO, error) {
	var reply bboReply
	if err := c.call(ctx, MethodBBO, bboRequest{AssetID: assetID}, &reply); err != nil {
		return BBO{}, err
	}
	bid, err := parseUint(MethodBBO, "bid", reply.Bid)
	if err != nil {
		return BBO{}, err
	}
	ask, err := parseUint(MethodBBO, "ask", reply.Ask)
	if err != nil {
		return BBO{}, err
	}
	return BBO{Bid: bid, Ask: ask}, nil
}

func (c *BridgeClient) BlockNumber(ctx context.Context) (uint64, error) {
	var reply blockReply
	if err := c.call(ctx, MethodBlockNumber, struct{}{}, &reply); err != nil {
		return 0, err
	}
	return reply.Block, nil
}

func (c *BridgeClient) SubmitOrder(ctx context.Context, o Order) (OrderAck, error) {
	req := orderRequest{
		Asset:         o.Asset,
		IsBuy:         o.IsBuy,
		LimitPrice1e8: strconv.FormatUint(o.LimitPrice1e8, 10),
		Size:          strconv.FormatUint(o.Size, 10),
		TimeInForce:   o.TimeInForce,
		ClientOrderID: o.ClientOrderID,
	}
	var reply orderReply
	if err := c.call(ctx, MethodSubmitOrder, req, &reply); err != nil {
		return OrderAck{}, err
	}
	return OrderAck{Status: reply.Status, OrderID: reply.OrderID}, nil
}

func (c *BridgeClient) Transfer(ctx context.Context, t Transfer) error {
	if t.Amount == nil || t.Amount.IsZero() {
		return errors.New("venue bridge transfer: zero amount")
	}
	req := transferRequest{Destination: t.Destination, TokenID: t.TokenID, Amount: t.Amount.Dec()}
	return c.call(ctx, MethodTransfer, req, nil)
}

func (c *BridgeClient) subject(method string) string {
	return c.cfg.SubjectPrefix + "." + method
}

func (c *BridgeClient) call(ctx context.Context, method string, req, reply interface{}) (err error) {
	start := time.Now()
	defer func() {
		if c.metrics == nil {
			return
		}
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.metrics.BridgeRequests.WithLabelValues(method, status).Inc()
		c.metrics.BridgeDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("venue bridge %s: rate limiter: %w", method, err)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("venue bridge %s: marshal request: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	msg, err := c.conn.RequestWithContext(ctx, c.subject(method), data)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", method).Msg("venue bridge request failed")
		return fmt.Errorf("venue bridge %s: %w", method, err)
	}

	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return fmt.Errorf("venue bridge %s: unmarshal reply: %w", method, err)
	}
	if env.Error != "" {
		return &BridgeError{Method: method, Message: env.Error}
	}
	if reply == nil {
		return nil
	}
	if len(env.Result) == 0 {
		return fmt.Errorf("venue bridge %s: empty result", method)
	}
	if err := json.Unmarshal(env.Result, reply); err != nil {
		return fmt.Errorf("venue bridge %s: unmarshal result: %w", method, err)
	}
	return nil
}

// requireUint parses a field that must be present. A missing balance or
// oracle tick must not read as zero.
func requireUint(method, field, s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("venue bridge %s: %w %s", method, ErrMissingField, field)
	}
	return parseUint(method, field, s)
}

// parseUint parses an optional field. Empty means zero: no hold, or an empty
// side of the book.
func parseUint(method, field, s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return 0, fmt.Errorf("venue bridge %s: %s %q: %w", method, field, s, err)
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("venue bridge %s: %s %q exceeds 64 bits", method, field, s)
	}
	return v.Uint64(), nil
}
