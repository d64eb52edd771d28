package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"strategy-core/pkg/exchange"
)

// Config holds Binance credentials and transport settings.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	BaseURL    string // overrides the Testnet switch when set
	QuoteAsset string // asset reported by QuoteBalance, default USDT
	RecvWindow int64  // ms
	// RequestsPerSecond bounds signed calls; Binance spot allows 1200 weight/min.
	RequestsPerSecond float64
}

// Client is a Binance spot client implementing exchange.Client.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *exchange.TimeSync
	limiter    *rate.Limiter
	usedWeight atomic.Int64
	log        *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		log:        log.With(zap.String("component", "binance")),
	}
	c.timeSync = exchange.NewTimeSync(c.GetServerTime, c.log)
	return c
}

// StartTimeSync keeps request timestamps aligned with the venue clock.
func (c *Client) StartTimeSync(ctx context.Context) { c.timeSync.Start(ctx) }

// UsedWeight is the last X-MBX-USED-WEIGHT-1M value seen.
func (c *Client) UsedWeight() int64 { return c.usedWeight.Load() }

func (c *Client) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if err := c.requireKeys(); err != nil {
		return exchange.OrderResult{}, err
	}

	ordType := req.Type
	if ordType == "" {
		ordType = exchange.OrderTypeMarket
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(req.Symbol))
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", string(ordType))
	params.Set("quantity", req.Qty.String())
	if ordType == exchange.OrderTypeLimit {
		tif := req.TimeInForce
		if tif == "" {
			tif = exchange.TIFGTC
		}
		params.Set("price", req.Price.String())
		params.Set("timeInForce", string(tif))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return exchange.OrderResult{}, err
	}

	var resp struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return exchange.OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}
	return exchange.OrderResult{
		OrderID:  strconv.FormatInt(resp.OrderID, 10),
		ClientID: resp.ClientOrderID,
		Status:   exchange.NormalizeStatus(resp.Status),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := c.requireKeys(); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", orderID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params)
	return err
}

type orderView struct {
	Symbol       string `json:"symbol"`
	OrderID      int64  `json:"orderId"`
	Status       string `json:"status"`
	ExecutedQty  string `json:"executedQty"`
	CumQuoteQty  string `json:"cummulativeQuoteQty"`
	UpdateTimeMs int64  `json:"updateTime"`
}

type tradeView struct {
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

// FetchOrder reads the order and, once anything has filled, sums the
// commissions of its trades.
func (c *Client) FetchOrder(ctx context.Context, symbol, orderID string) (exchange.Order, error) {
	if err := c.requireKeys(); err != nil {
		return exchange.Order{}, err
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", orderID)

	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		return exchange.Order{}, err
	}
	var ov orderView
	if err := json.Unmarshal(body, &ov); err != nil {
		return exchange.Order{}, fmt.Errorf("decode order: %w", err)
	}

	out := exchange.Order{
		OrderID: strconv.FormatInt(ov.OrderID, 10),
		Symbol:  ov.Symbol,
		Status:  exchange.NormalizeStatus(ov.Status),
		Filled:  parseDecimal(ov.ExecutedQty),
		Fee:     decimal.Zero,
		Updated: time.UnixMilli(ov.UpdateTimeMs),
	}
	if out.Filled.IsPositive() {
		out.Price = parseDecimal(ov.CumQuoteQty).Div(out.Filled)

		tp := url.Values{}
		tp.Set("symbol", strings.ToUpper(symbol))
		tp.Set("orderId", orderID)
		tb, err := c.doSigned(ctx, http.MethodGet, "/api/v3/myTrades", tp)
		if err != nil {
			return exchange.Order{}, fmt.Errorf("fetch trades: %w", err)
		}
		var trades []tradeView
		if err := json.Unmarshal(tb, &trades); err != nil {
			return exchange.Order{}, fmt.Errorf("decode trades: %w", err)
		}
		for _, tr := range trades {
			out.Fee = out.Fee.Add(parseDecimal(tr.Commission))
			out.FeeAsset = tr.CommissionAsset
		}
	}
	return out, nil
}

// QuoteBalance returns the free balance of the configured quote asset.
func (c *Client) QuoteBalance(ctx context.Context) (decimal.Decimal, error) {
	bals, err := c.balances(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return bals[strings.ToUpper(c.cfg.QuoteAsset)].free, nil
}

// Holding returns free plus locked base asset for a quote-denominated symbol.
func (c *Client) Holding(ctx context.Context, symbol string) (decimal.Decimal, error) {
	base := strings.TrimSuffix(strings.ToUpper(symbol), strings.ToUpper(c.cfg.QuoteAsset))
	if base == "" || base == strings.ToUpper(symbol) {
		return decimal.Zero, fmt.Errorf("symbol %s is not quoted in %s", symbol, c.cfg.QuoteAsset)
	}
	bals, err := c.balances(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	b := bals[base]
	return b.free.Add(b.locked), nil
}

type assetBalance struct {
	free, locked decimal.Decimal
}

func (c *Client) balances(ctx context.Context) (map[string]assetBalance, error) {
	if err := c.requireKeys(); err != nil {
		return nil, err
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var info struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	out := make(map[string]assetBalance, len(info.Balances))
	for _, b := range info.Balances {
		out[strings.ToUpper(b.Asset)] = assetBalance{free: parseDecimal(b.Free), locked: parseDecimal(b.Locked)}
	}
	return out, nil
}

// GetServerTime fetches server time (ms).
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/time", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("server time status %d: %s", resp.StatusCode, string(b))
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, err
	}
	return res.ServerTime, nil
}

func (c *Client) requireKeys() error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return exchange.ErrCredentials
	}
	return nil
}

// doSigned timestamps, signs and sends a request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req      *http.Request
		err      error
		endpoint = c.baseURL + path
		encoded  = params.Encode()
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if w, err := strconv.ParseInt(res.Header.Get("X-MBX-USED-WEIGHT-1M"), 10, 64); err == nil {
		c.usedWeight.Store(w)
	}

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		if res.StatusCode == http.StatusBadRequest && strings.Contains(string(body), `"code":-2013`) {
			return nil, exchange.ErrOrderNotFound
		}
		return nil, fmt.Errorf("binance %s %s status %d: %s", method, path, res.StatusCode, string(body))
	}
	return body, nil
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
