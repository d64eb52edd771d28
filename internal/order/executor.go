package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"strategy-core/internal/events"
	"strategy-core/pkg/exchange"
)

// Executor sends orders to the venue, persists the opening record and hands
// the order to the tracker.
type Executor struct {
	submitter exchange.Submitter
	repo      *Repository
	tracker   *Tracker
	bus       *events.Bus
	log       *zap.Logger
	now       func() time.Time
}

func NewExecutor(submitter exchange.Submitter, repo *Repository, tracker *Tracker, bus *events.Bus, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		submitter: submitter,
		repo:      repo,
		tracker:   tracker,
		bus:       bus,
		log:       log.With(zap.String("component", "order_executor")),
		now:       time.Now,
	}
}

// Place submits req for strategyID. The returned handle finishes once the
// order settles. A submission error means nothing reached the venue.
func (e *Executor) Place(ctx context.Context, strategyID string, req exchange.OrderRequest) (*Handle, Record, error) {
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	log := e.log.With(zap.String("strategy_id", strategyID), zap.String("client_order_id", req.ClientID),
		zap.String("symbol", req.Symbol), zap.String("side", string(req.Side)))

	start := e.now()
	res, err := e.submitter.SubmitOrder(ctx, req)
	if err != nil {
		log.Error("submit order failed", zap.Error(err))
		return nil, Record{}, fmt.Errorf("submit %s %s: %w", req.Side, req.Symbol, err)
	}
	if res.OrderID == "" {
		return nil, Record{}, fmt.Errorf("submit %s %s: venue returned no order id", req.Side, req.Symbol)
	}

	rec := NewRecord(strategyID, req, res, e.now())
	log = log.With(zap.String("order_id", rec.OrderID))
	if err := e.repo.Save(ctx, rec); err != nil {
		// the tracker writes the record on its first poll
		log.Error("persist new order failed", zap.Error(err))
	}
	log.Info("order submitted", zap.String("status", string(rec.Status)),
		zap.String("qty", req.Qty.String()), zap.Duration("latency", e.now().Sub(start)))

	e.bus.Publish(events.EventOrderSubmitted, events.OrderUpdate{
		OrderID:    rec.OrderID,
		StrategyID: strategyID,
		Symbol:     rec.Symbol,
		Status:     string(rec.Status),
		At:         rec.CreatedAt,
	})

	return e.tracker.TrackRecord(ctx, rec), rec, nil
}
