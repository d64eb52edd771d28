package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strategy-core/pkg/exchange"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "key", APISecret: "secret", BaseURL: srv.URL, RequestsPerSecond: 100}, zap.NewNop())
}

func verifySignature(t *testing.T, r *http.Request) url.Values {
	t.Helper()
	require.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
	var q url.Values
	if r.Method == http.MethodPost {
		require.NoError(t, r.ParseForm())
		q = r.PostForm
	} else {
		q = r.URL.Query()
	}
	sig := q.Get("signature")
	q.Del("signature")
	assert.Equal(t, sign(q.Encode(), "secret"), sig)
	return q
}

func TestSubmitOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/order", r.URL.Path)
		q := verifySignature(t, r)
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "BUY", q.Get("side"))
		assert.Equal(t, "LIMIT", q.Get("type"))
		assert.Equal(t, "0.01", q.Get("quantity"))
		assert.Equal(t, "50000", q.Get("price"))
		assert.Equal(t, "GTC", q.Get("timeInForce"))
		assert.Equal(t, "cid-1", q.Get("newClientOrderId"))
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "7")
		w.Write([]byte(`{"orderId":12345,"clientOrderId":"cid-1","status":"NEW"}`))
	})

	res, err := c.SubmitOrder(context.Background(), exchange.OrderRequest{
		Symbol:   "btcusdt",
		Side:     exchange.SideBuy,
		Type:     exchange.OrderTypeLimit,
		Qty:      decimal.RequireFromString("0.01"),
		Price:    decimal.NewFromInt(50000),
		ClientID: "cid-1",
	})
	require.NoError(t, err)
	assert.Equal(t, exchange.OrderResult{OrderID: "12345", ClientID: "cid-1", Status: exchange.StatusOpen}, res)
	assert.Equal(t, int64(7), c.UsedWeight())
}

func TestFetchOrderFilled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		verifySignature(t, r)
		switch r.URL.Path {
		case "/api/v3/order":
			w.Write([]byte(`{"symbol":"BTCUSDT","orderId":9,"status":"FILLED","executedQty":"0.01","cummulativeQuoteQty":"500","updateTime":1700000000000}`))
		case "/api/v3/myTrades":
			w.Write([]byte(`[{"commission":"0.3","commissionAsset":"USDT"},{"commission":"0.2","commissionAsset":"USDT"}]`))
		default:
			http.NotFound(w, r)
		}
	})

	o, err := c.FetchOrder(context.Background(), "BTCUSDT", "9")
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusClosed, o.Status)
	assert.True(t, o.Filled.Equal(decimal.RequireFromString("0.01")))
	assert.True(t, o.Price.Equal(decimal.NewFromInt(50000)), o.Price.String())
	assert.True(t, o.Fee.Equal(decimal.RequireFromString("0.5")), o.Fee.String())
	assert.Equal(t, "USDT", o.FeeAsset)
}

func TestFetchOrderOpenSkipsTrades(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/order", r.URL.Path, "no trades lookup without fills")
		w.Write([]byte(`{"symbol":"BTCUSDT","orderId":9,"status":"NEW","executedQty":"0","cummulativeQuoteQty":"0"}`))
	})
	o, err := c.FetchOrder(context.Background(), "BTCUSDT", "9")
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusOpen, o.Status)
	assert.True(t, o.Fee.IsZero())
}

func TestErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
	})
	_, err := c.FetchOrder(context.Background(), "BTCUSDT", "1")
	assert.ErrorIs(t, err, exchange.ErrOrderNotFound)

	anon := New(Config{}, nil)
	_, err = anon.SubmitOrder(context.Background(), exchange.OrderRequest{})
	assert.ErrorIs(t, err, exchange.ErrCredentials)
}

func TestQuoteBalance(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"balances":[{"asset":"BTC","free":"1"},{"asset":"USDT","free":"1234.5"}]}`))
	})
	bal, err := c.QuoteBalance(context.Background())
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("1234.5")))
}

func TestHolding(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"balances":[{"asset":"BTC","free":"0.5","locked":"0.25"},{"asset":"USDT","free":"10","locked":"0"}]}`))
	})
	h, err := c.Holding(context.Background(), "btcusdt")
	require.NoError(t, err)
	assert.True(t, h.Equal(decimal.RequireFromString("0.75")), h.String())

	h, err = c.Holding(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, h.IsZero())

	_, err = c.Holding(context.Background(), "BTCEUR")
	assert.Error(t, err)
}
