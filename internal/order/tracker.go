package order

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"strategy-core/internal/events"
	"strategy-core/pkg/exchange"
)

// TrackerConfig tunes the polling loop.
type TrackerConfig struct {
	PollInterval time.Duration // between polls of a working order, default 5s
	RetryBackoff time.Duration // after a fetch or persist error, default 5s
	MaxDuration  time.Duration // 0 tracks until terminal
	// PollRate caps FetchOrder calls across every tracked order.
	PollRate  rate.Limit
	PollBurst int
}

func (c TrackerConfig) withDefaults() TrackerConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.PollRate <= 0 {
		c.PollRate = 10
	}
	if c.PollBurst <= 0 {
		c.PollBurst = 10
	}
	return c
}

// TrackerMetrics counts loop activity since start.
type TrackerMetrics struct {
	Polls         uint64 `json:"polls"`
	FetchErrors   uint64 `json:"fetch_errors"`
	PersistErrors uint64 `json:"persist_errors"`
	Writes        uint64 `json:"writes"`
	Settled       uint64 `json:"settled"`
	Stuck         uint64 `json:"stuck"`
	Active        int    `json:"active"`
}

// Handle follows one tracked order.
type Handle struct {
	ID      string
	OrderID string

	done    chan struct{}
	mu      sync.Mutex
	outcome Outcome
	record  Record
}

func newHandle(orderID string) *Handle {
	return &Handle{ID: uuid.NewString(), OrderID: orderID, done: make(chan struct{}), outcome: OutcomePending}
}

// Done is closed once tracking has ended.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome is OutcomePending until Done is closed.
func (h *Handle) Outcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// Record is the last record the loop persisted or loaded.
func (h *Handle) Record() Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.record
}

func (h *Handle) update(rec Record) {
	h.mu.Lock()
	h.record = rec
	h.mu.Unlock()
}

func (h *Handle) finish(o Outcome, rec Record) {
	h.mu.Lock()
	h.outcome = o
	h.record = rec
	h.mu.Unlock()
	close(h.done)
}

// Tracker runs one polling goroutine per open order until the venue reports
// a terminal status. Loops never return errors; they log and retry.
type Tracker struct {
	fetcher exchange.Fetcher
	repo    *Repository
	bus     *events.Bus
	cfg     TrackerConfig
	limiter *rate.Limiter
	log     *zap.Logger
	now     func() time.Time

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  map[string]*Handle
	stopped bool

	polls, fetchErrs, persistErrs, writes, settled, stuck atomic.Uint64
}

func NewTracker(fetcher exchange.Fetcher, repo *Repository, bus *events.Bus, cfg TrackerConfig, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	root, cancel := context.WithCancel(context.Background())
	return &Tracker{
		fetcher: fetcher,
		repo:    repo,
		bus:     bus,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.PollRate, cfg.PollBurst),
		log:     log.With(zap.String("component", "order_tracker")),
		now:     time.Now,
		root:    root,
		cancel:  cancel,
		active:  make(map[string]*Handle),
	}
}

// Track starts following orderID and returns at once. Tracking an order that
// is already followed returns its existing handle. Cancelling ctx or calling
// Stop ends the loop with OutcomeAborted.
func (t *Tracker) Track(ctx context.Context, orderID, symbol string) *Handle {
	return t.TrackRecord(ctx, Record{OrderID: orderID, Symbol: symbol})
}

// TrackRecord is Track for an order whose opening record is known. seed is
// written only when the store holds nothing for the order.
func (t *Tracker) TrackRecord(ctx context.Context, seed Record) *Handle {
	orderID, symbol := seed.OrderID, seed.Symbol
	t.mu.Lock()
	if h, ok := t.active[orderID]; ok {
		t.mu.Unlock()
		return h
	}
	h := newHandle(orderID)
	if t.stopped {
		t.mu.Unlock()
		h.finish(OutcomeAborted, Record{OrderID: orderID, Symbol: symbol})
		return h
	}
	t.active[orderID] = h
	t.wg.Add(1)
	t.mu.Unlock()

	loopCtx, cancel := context.WithCancel(t.root)
	stop := context.AfterFunc(ctx, cancel)

	go func() {
		defer t.wg.Done()
		defer cancel()
		defer stop()
		defer func() {
			t.mu.Lock()
			delete(t.active, orderID)
			t.mu.Unlock()
		}()
		t.run(loopCtx, h, seed)
	}()

	t.log.Info("order tracking started", zap.String("order_id", orderID), zap.String("symbol", symbol), zap.String("handle", h.ID))
	return h
}

func (t *Tracker) run(ctx context.Context, h *Handle, seed Record) {
	symbol := seed.Symbol
	log := t.log.With(zap.String("order_id", h.OrderID), zap.String("symbol", symbol))

	rec, persisted, ok := t.load(ctx, log, seed)
	if !ok {
		t.abort(log, h, seed)
		return
	}
	h.update(rec)

	started := t.now()
	for {
		if t.cfg.MaxDuration > 0 && t.now().Sub(started) >= t.cfg.MaxDuration {
			rec.Stuck = true
			rec.UpdatedAt = t.now()
			if !t.save(ctx, log, rec, "persist stuck order failed") {
				t.abort(log, h, rec)
				return
			}
			t.stuck.Add(1)
			log.Error("order stuck, tracking abandoned",
				zap.Duration("tracked_for", t.now().Sub(started)),
				zap.String("status", string(rec.Status)))
			t.publish(events.EventOrderStuck, rec)
			h.finish(OutcomeStuck, rec)
			return
		}

		if err := t.limiter.Wait(ctx); err != nil {
			t.abort(log, h, rec)
			return
		}

		t.polls.Add(1)
		o, err := t.fetcher.FetchOrder(ctx, symbol, h.OrderID)
		if err != nil {
			if ctx.Err() != nil {
				t.abort(log, h, rec)
				return
			}
			t.fetchErrs.Add(1)
			log.Warn("fetch order failed", zap.Error(err), zap.Duration("retry_in", t.cfg.RetryBackoff))
			if !sleep(ctx, t.cfg.RetryBackoff) {
				t.abort(log, h, rec)
				return
			}
			continue
		}

		next := rec
		changed := next.apply(o, t.now())
		if changed || next.Terminal() || !persisted {
			if err := t.repo.Save(ctx, next); err != nil {
				if ctx.Err() != nil {
					t.abort(log, h, rec)
					return
				}
				t.persistErrs.Add(1)
				log.Error("persist order failed", zap.Error(err), zap.String("status", string(next.Status)))
				if !sleep(ctx, t.cfg.RetryBackoff) {
					t.abort(log, h, rec)
					return
				}
				continue
			}
			t.writes.Add(1)
			persisted = true
			rec = next
			h.update(rec)
			if changed {
				log.Debug("order updated",
					zap.String("status", string(rec.Status)),
					zap.String("filled", rec.FilledAmount.String()))
				t.publish(events.EventOrderUpdated, rec)
			}
		}

		if rec.Terminal() {
			t.settled.Add(1)
			log.Info("order settled",
				zap.String("status", string(rec.Status)),
				zap.String("filled", rec.FilledAmount.String()),
				zap.String("price", rec.FilledPrice.String()),
				zap.String("fee", rec.Fee.String()))
			t.publish(events.EventOrderSettled, rec)
			h.finish(OutcomeOf(rec), rec)
			return
		}

		if !sleep(ctx, t.cfg.PollInterval) {
			t.abort(log, h, rec)
			return
		}
	}
}

// load reads the stored record, retrying store errors. A missing record is
// replaced by seed, which the first poll then writes.
func (t *Tracker) load(ctx context.Context, log *zap.Logger, seed Record) (Record, bool, bool) {
	for {
		rec, err := t.repo.Load(ctx, seed.OrderID)
		if err == nil {
			return rec, true, true
		}
		if errors.Is(err, ErrNotFound) {
			now := t.now()
			if seed.Status == "" {
				seed.Status = exchange.StatusOpen
			}
			if seed.CreatedAt.IsZero() {
				seed.CreatedAt = now
			}
			seed.UpdatedAt = now
			return seed, false, true
		}
		if ctx.Err() != nil {
			return seed, false, false
		}
		t.persistErrs.Add(1)
		log.Warn("load order record failed", zap.Error(err), zap.Duration("retry_in", t.cfg.RetryBackoff))
		if !sleep(ctx, t.cfg.RetryBackoff) {
			return seed, false, false
		}
	}
}

// save writes rec, retrying until it lands or ctx ends.
func (t *Tracker) save(ctx context.Context, log *zap.Logger, rec Record, msg string) bool {
	for {
		err := t.repo.Save(ctx, rec)
		if err == nil {
			t.writes.Add(1)
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		t.persistErrs.Add(1)
		log.Error(msg, zap.Error(err), zap.Duration("retry_in", t.cfg.RetryBackoff))
		if !sleep(ctx, t.cfg.RetryBackoff) {
			return false
		}
	}
}

func (t *Tracker) abort(log *zap.Logger, h *Handle, rec Record) {
	log.Info("order tracking aborted", zap.String("status", string(rec.Status)))
	h.finish(OutcomeAborted, rec)
}

func (t *Tracker) publish(e events.Event, rec Record) {
	t.bus.Publish(e, events.OrderUpdate{
		OrderID:    rec.OrderID,
		StrategyID: rec.StrategyID,
		Symbol:     rec.Symbol,
		Status:     string(rec.Status),
		Filled:     rec.FilledAmount,
		Price:      rec.FilledPrice,
		Fee:        rec.Fee,
		Stuck:      rec.Stuck,
		At:         rec.UpdatedAt,
	})
}

// Active lists the order ids currently followed.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Handle returns the live handle for orderID, if tracked.
func (t *Tracker) Handle(orderID string) (*Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.active[orderID]
	return h, ok
}

func (t *Tracker) Metrics() TrackerMetrics {
	t.mu.Lock()
	active := len(t.active)
	t.mu.Unlock()
	return TrackerMetrics{
		Polls:         t.polls.Load(),
		FetchErrors:   t.fetchErrs.Load(),
		PersistErrors: t.persistErrs.Load(),
		Writes:        t.writes.Load(),
		Settled:       t.settled.Load(),
		Stuck:         t.stuck.Load(),
		Active:        active,
	}
}

// Stop cancels every loop and waits for them to exit. Later Track calls
// return already-aborted handles.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()
}

// Close implements io.Closer for the service container.
func (t *Tracker) Close() error {
	t.Stop()
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
