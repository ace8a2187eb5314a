package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"goquant/internal/domain"
	"goquant/internal/infra"
)

// request security levels
const (
	secPublic = iota // no credentials
	secAPIKey        // X-MBX-APIKEY header only (listen keys)
	secSigned        // header plus signed query
)

var (
	// ErrCircuitOpen short-circuits REST calls while the venue keeps failing.
	ErrCircuitOpen = errors.New("binance: circuit breaker open")
	// ErrNoCredentials is returned when a private call is made without keys.
	ErrNoCredentials = errors.New("binance: API credentials not configured")
)

// Client is the Binance spot REST client. It implements domain.Exchange.
// Every call goes through a per-category rate limiter and a shared circuit
// breaker, so a failing venue degrades into fast local errors instead of
// request pile-ups.
type Client struct {
	log        *zap.Logger
	http       *http.Client
	breaker    *infra.CircuitBreaker
	baseURL    string
	recvWindow string
	symbols    []string // configured symbols, used to derive spot positions

	// The signer is built on the first private call, so a client that
	// only ever serves depth snapshots never materializes credentials.
	apiKey     string
	secretKey  string
	signerOnce sync.Once
	signer     *Signer
}

// NewClient builds an authenticated client for live trading.
func NewClient(cfg *infra.Config, log *zap.Logger) (*Client, error) {
	if cfg.API.Binance.APIKey == "" || cfg.API.Binance.SecretKey == "" {
		return nil, ErrNoCredentials
	}
	c := newClient(cfg, log)
	c.apiKey = cfg.API.Binance.APIKey
	c.secretKey = cfg.API.Binance.SecretKey
	return c, nil
}

// NewPublicClient builds a client restricted to public endpoints. The
// market worker uses it for depth snapshots, which need no credentials.
func NewPublicClient(cfg *infra.Config, log *zap.Logger) *Client {
	return newClient(cfg, log)
}

func newClient(cfg *infra.Config, log *zap.Logger) *Client {
	return &Client{
		log:        log,
		http:       &http.Client{Timeout: 10 * time.Second},
		breaker:    infra.NewCircuitBreaker(infra.DefaultCircuitBreakerConfig("binance-rest"), log),
		baseURL:    cfg.API.Binance.RestURL,
		recvWindow: strconv.Itoa(cfg.API.Binance.RecvWindowMS),
		symbols:    append([]string(nil), cfg.Trading.Symbols...),
	}
}

// lazySigner builds the signer on first use and caches it. Returns nil
// when no credentials were configured.
func (c *Client) lazySigner() *Signer {
	c.signerOnce.Do(func() {
		if c.apiKey != "" && c.secretKey != "" {
			c.signer = NewSigner(c.apiKey, c.secretKey)
		}
	})
	return c.signer
}

// do executes one REST call. For signed requests the timestamp and
// recvWindow are added before signing; the signature itself goes last so
// it never signs itself. Binance accepts parameters in the query string
// for every method, which keeps this uniform.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, sec int, limiter *infra.RateLimiter, out any) error {
	var signer *Signer
	if sec != secPublic {
		if signer = c.lazySigner(); signer == nil {
			return ErrNoCredentials
		}
	}
	if !c.breaker.Allow() {
		return ErrCircuitOpen
	}
	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	if params == nil {
		params = url.Values{}
	}
	if sec == secSigned {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		params.Set("recvWindow", c.recvWindow)
	}
	query := params.Encode()
	if sec == secSigned {
		query += "&signature=" + signer.Sign(query)
	}

	reqURL := c.baseURL + path
	if query != "" {
		reqURL += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return err
	}
	if sec != secPublic {
		req.Header.Set("X-MBX-APIKEY", signer.APIKey())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("binance: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		c.breaker.RecordFailure()
		return fmt.Errorf("binance: read %s: %w", path, err)
	}

	// 4xx means the venue answered and judged the request, which is not a
	// venue failure. 418/429 are bans and do count against the breaker.
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		c.breaker.RecordFailure()
	} else {
		c.breaker.RecordSuccess()
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorBody
		_ = json.Unmarshal(body, &apiErr)
		return &APIError{HTTPStatus: resp.StatusCode, Code: apiErr.Code, Msg: apiErr.Msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("binance: decode %s: %w", path, err)
	}
	return nil
}

// SubmitOrder implements domain.Exchange. Limit orders are GTC.
func (c *Client) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity.String())
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}
	if req.Type == domain.Limit {
		params.Set("timeInForce", "GTC")
		params.Set("price", req.Price.String())
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/api/v3/order", params, secSigned, infra.BinanceOrderLimiter(), &resp); err != nil {
		return domain.OrderAck{}, err
	}

	status := mapStatus(resp.Status)
	if status == "" {
		status = domain.StatusSubmitted
	}
	c.log.Info("order submitted",
		zap.String("symbol", req.Symbol),
		zap.Int64("order_id", resp.OrderID),
		zap.String("status", resp.Status))
	return domain.OrderAck{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:          status,
	}, nil
}

// CancelOrder implements domain.Exchange.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)

	var resp orderResponse
	if err := c.do(ctx, http.MethodDelete, "/api/v3/order", params, secSigned, infra.BinanceOrderLimiter(), &resp); err != nil {
		return err
	}
	c.log.Info("order cancelled",
		zap.String("symbol", symbol),
		zap.String("order_id", exchangeOrderID))
	return nil
}

// CancelAllOrders implements domain.Exchange. Binance requires a symbol
// for the bulk cancel endpoint.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	if symbol == "" {
		return 0, fmt.Errorf("binance: cancel all requires a symbol")
	}
	params := url.Values{}
	params.Set("symbol", symbol)

	var resp []orderResponse
	if err := c.do(ctx, http.MethodDelete, "/api/v3/openOrders", params, secSigned, infra.BinanceOrderLimiter(), &resp); err != nil {
		// code -2011 means there was nothing to cancel
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2011 {
			return 0, nil
		}
		return 0, err
	}
	return len(resp), nil
}

// GetOpenOrders implements domain.Exchange. An empty symbol queries all
// symbols, which Binance allows at a higher request weight.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]domain.OrderState, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	var resp []orderResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/openOrders", params, secSigned, infra.BinanceAccountLimiter(), &resp); err != nil {
		return nil, err
	}
	out := make([]domain.OrderState, 0, len(resp))
	for _, o := range resp {
		st, err := toOrderState(o)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// GetOrder implements domain.Exchange. It queries by exchange id when
// available, otherwise by the original client order id.
func (c *Client) GetOrder(ctx context.Context, symbol, exchangeOrderID, clientOrderID string) (domain.OrderState, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	switch {
	case exchangeOrderID != "":
		params.Set("orderId", exchangeOrderID)
	case clientOrderID != "":
		params.Set("origClientOrderId", clientOrderID)
	default:
		return domain.OrderState{}, fmt.Errorf("binance: get order needs an order id")
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/order", params, secSigned, infra.BinanceAccountLimiter(), &resp); err != nil {
		// code -2013 means the venue has no record of the order
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == -2013 {
			return domain.OrderState{}, fmt.Errorf("%w: %v", domain.ErrOrderUnknown, err)
		}
		return domain.OrderState{}, err
	}
	return toOrderState(resp)
}

// GetBalances implements domain.Exchange. Zero balances are skipped.
func (c *Client) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	var resp accountResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/account", nil, secSigned, infra.BinanceAccountLimiter(), &resp); err != nil {
		return nil, err
	}
	out := make([]domain.Balance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		free, err := parseDecimal(b.Free)
		if err != nil {
			return nil, fmt.Errorf("bad balance free %q: %w", b.Free, err)
		}
		locked, err := parseDecimal(b.Locked)
		if err != nil {
			return nil, fmt.Errorf("bad balance locked %q: %w", b.Locked, err)
		}
		total := free.Add(locked)
		if total.IsZero() {
			continue
		}
		out = append(out, domain.Balance{Asset: b.Asset, Amount: total, Reserved: locked})
	}
	return out, nil
}

// GetPositions implements domain.Exchange. Spot has no native positions,
// so holdings of each configured symbol's base asset stand in for one.
// Entry price and realized PnL are not recoverable from balances alone.
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	balances, err := c.GetBalances(ctx)
	if err != nil {
		return nil, err
	}
	byAsset := make(map[string]domain.Balance, len(balances))
	for _, b := range balances {
		byAsset[b.Asset] = b
	}

	var out []domain.Position
	for _, symbol := range c.symbols {
		base, _ := domain.SplitSymbol(symbol)
		if base == "" {
			continue
		}
		b, ok := byAsset[base]
		if !ok {
			continue
		}
		out = append(out, domain.Position{Symbol: symbol, Quantity: b.Amount})
	}
	return out, nil
}

// GetDepth implements domain.Exchange. This is a public endpoint.
func (c *Client) GetDepth(ctx context.Context, symbol string, limit int) (domain.DepthSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var resp depthSnapshotResponse
	if err := c.do(ctx, http.MethodGet, "/api/v3/depth", params, secPublic, infra.BinanceMarketLimiter(), &resp); err != nil {
		return domain.DepthSnapshot{}, err
	}
	bids, err := toPriceLevels(resp.Bids)
	if err != nil {
		return domain.DepthSnapshot{}, err
	}
	asks, err := toPriceLevels(resp.Asks)
	if err != nil {
		return domain.DepthSnapshot{}, err
	}
	return domain.DepthSnapshot{
		Symbol:       symbol,
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: resp.LastUpdateID,
		Ts:           time.Now(),
	}, nil
}

// CreateListenKey opens a user data stream and returns its key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	var resp listenKeyResponse
	if err := c.do(ctx, http.MethodPost, "/api/v3/userDataStream", nil, secAPIKey, infra.BinanceAccountLimiter(), &resp); err != nil {
		return "", err
	}
	if resp.ListenKey == "" {
		return "", fmt.Errorf("binance: empty listen key")
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends a listen key's validity. Binance expires keys
// after 60 minutes without a keepalive.
func (c *Client) KeepAliveListenKey(ctx context.Context, key string) error {
	params := url.Values{}
	params.Set("listenKey", key)
	return c.do(ctx, http.MethodPut, "/api/v3/userDataStream", params, secAPIKey, infra.BinanceAccountLimiter(), nil)
}

// CloseListenKey closes a user data stream.
func (c *Client) CloseListenKey(ctx context.Context, key string) error {
	params := url.Values{}
	params.Set("listenKey", key)
	return c.do(ctx, http.MethodDelete, "/api/v3/userDataStream", params, secAPIKey, infra.BinanceAccountLimiter(), nil)
}

// Close implements domain.Exchange. It wipes credentials from memory.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	c.lazySigner().Wipe()
	c.apiKey, c.secretKey = "", ""
	return nil
}
