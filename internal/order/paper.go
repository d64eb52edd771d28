package order

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"strategy-core/pkg/exchange"
)

// PaperConfig tunes the simulated venue.
type PaperConfig struct {
	InitialBalance decimal.Decimal // quote asset
	FeeRate        decimal.Decimal // e.g. 0.001 = 10 bps, charged in quote
	SlippageBps    float64         // random adverse slippage on market fills
	FillAfterPolls int             // polls reporting open before the fill, default 1
	QuoteAsset     string
}

type paperOrder struct {
	req       exchange.OrderRequest
	id        string
	status    exchange.Status
	filled    decimal.Decimal
	price     decimal.Decimal
	fee       decimal.Decimal
	polls     int
	updatedAt time.Time
}

// Paper is an in-memory exchange for dry runs and tests. Orders rest as open
// for FillAfterPolls fetches and then fill in full.
type Paper struct {
	cfg PaperConfig
	log *zap.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	balance  decimal.Decimal
	holdings map[string]decimal.Decimal
	prices   map[string]decimal.Decimal
	orders   map[string]*paperOrder
}

func NewPaper(cfg PaperConfig, log *zap.Logger) *Paper {
	if cfg.FillAfterPolls < 0 {
		cfg.FillAfterPolls = 0
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Paper{
		cfg:      cfg,
		log:      log.With(zap.String("component", "paper_exchange")),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		balance:  cfg.InitialBalance,
		holdings: make(map[string]decimal.Decimal),
		prices:   make(map[string]decimal.Decimal),
		orders:   make(map[string]*paperOrder),
	}
}

// SetPrice sets the reference price used to fill market orders.
func (p *Paper) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.prices[strings.ToUpper(symbol)] = price
	p.mu.Unlock()
}

func (p *Paper) SubmitOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if !req.Qty.IsPositive() {
		return exchange.OrderResult{}, fmt.Errorf("paper: quantity must be positive, got %s", req.Qty)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	sym := strings.ToUpper(req.Symbol)
	price := req.Price
	if req.Type != exchange.OrderTypeLimit || !price.IsPositive() {
		ref, ok := p.prices[sym]
		if !ok {
			return exchange.OrderResult{}, fmt.Errorf("paper: no reference price for %s", sym)
		}
		price = p.slip(ref, req.Side)
	}

	o := &paperOrder{req: req, id: uuid.NewString(), status: exchange.StatusOpen, price: price, updatedAt: time.Now()}
	o.req.Symbol = sym
	notional := req.Qty.Mul(price)
	switch {
	case req.Side == exchange.SideBuy && notional.GreaterThan(p.balance):
		o.status = exchange.StatusRejected
		p.log.Warn("paper order rejected: insufficient balance",
			zap.String("need", notional.StringFixed(2)), zap.String("have", p.balance.StringFixed(2)))
	case req.Side == exchange.SideSell && req.Qty.GreaterThan(p.holdings[sym]):
		o.status = exchange.StatusRejected
		p.log.Warn("paper order rejected: insufficient holdings", zap.String("symbol", sym))
	}
	p.orders[o.id] = o

	clientID := req.ClientID
	if clientID == "" {
		clientID = o.id
	}
	p.log.Info("paper order accepted", zap.String("order_id", o.id), zap.String("symbol", sym),
		zap.String("side", string(req.Side)), zap.String("qty", req.Qty.String()), zap.String("status", string(o.status)))
	return exchange.OrderResult{OrderID: o.id, ClientID: clientID, Status: o.status}, nil
}

func (p *Paper) FetchOrder(_ context.Context, _ string, orderID string) (exchange.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return exchange.Order{}, exchange.ErrOrderNotFound
	}
	if o.status == exchange.StatusOpen {
		o.polls++
		if o.polls > p.cfg.FillAfterPolls {
			p.fill(o)
		}
	}
	return exchange.Order{
		OrderID:  o.id,
		Symbol:   o.req.Symbol,
		Status:   o.status,
		Filled:   o.filled,
		Price:    o.price,
		Fee:      o.fee,
		FeeAsset: p.cfg.QuoteAsset,
		Updated:  o.updatedAt,
	}, nil
}

func (p *Paper) CancelOrder(_ context.Context, _ string, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return exchange.ErrOrderNotFound
	}
	if o.status.Terminal() {
		return fmt.Errorf("paper: order %s already %s", orderID, o.status)
	}
	o.status = exchange.StatusCanceled
	o.updatedAt = time.Now()
	return nil
}

func (p *Paper) QuoteBalance(context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

// Holding returns the simulated base-asset position for symbol.
func (p *Paper) Holding(symbol string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.holdings[strings.ToUpper(symbol)]
}

// fill must be called with mu held.
func (p *Paper) fill(o *paperOrder) {
	notional := o.req.Qty.Mul(o.price)
	o.fee = notional.Mul(p.cfg.FeeRate)
	o.filled = o.req.Qty
	o.status = exchange.StatusClosed
	o.updatedAt = time.Now()

	sym := o.req.Symbol
	if o.req.Side == exchange.SideBuy {
		p.balance = p.balance.Sub(notional).Sub(o.fee)
		p.holdings[sym] = p.holdings[sym].Add(o.req.Qty)
	} else {
		p.balance = p.balance.Add(notional).Sub(o.fee)
		p.holdings[sym] = p.holdings[sym].Sub(o.req.Qty)
	}
	p.log.Info("paper order filled", zap.String("order_id", o.id), zap.String("price", o.price.String()),
		zap.String("balance", p.balance.StringFixed(2)))
}

// slip must be called with mu held.
func (p *Paper) slip(ref decimal.Decimal, side exchange.Side) decimal.Decimal {
	if p.cfg.SlippageBps <= 0 {
		return ref
	}
	noise := decimal.NewFromFloat(p.rng.Float64() * p.cfg.SlippageBps / 10000)
	if side == exchange.SideBuy {
		return ref.Mul(decimal.NewFromInt(1).Add(noise))
	}
	return ref.Mul(decimal.NewFromInt(1).Sub(noise))
}
