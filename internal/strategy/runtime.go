package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"strategy-core/internal/events"
	"strategy-core/internal/fsm"
	"strategy-core/internal/monitor"
	"strategy-core/internal/order"
	"strategy-core/internal/persistence"
	"strategy-core/internal/risk"
	"strategy-core/internal/state"
	"strategy-core/pkg/cache"
	"strategy-core/pkg/exchange"
	market "strategy-core/pkg/market/binance"
)

var ErrMissingDependency = errors.New("strategy: missing dependency")

// Deps are the shared services a runtime works with. Risk, Stops, Equity,
// Journal, Bus, Metrics and Prices are optional.
type Deps struct {
	Cache     *cache.MarketData[[]market.Kline]
	Loader    KlineLoader
	Executor  *order.Executor
	Orders    *order.Repository
	Tracker   *order.Tracker
	Positions *state.Manager
	Store     persistence.Store

	Risk    *risk.Checker
	Stops   *risk.StopLoss
	Equity  EquitySource
	Journal *persistence.Journal
	Bus     *events.Bus
	Metrics *monitor.SystemMetrics
	Prices  PriceSink
}

func (d Deps) validate() error {
	var missing []string
	if d.Cache == nil {
		missing = append(missing, "cache")
	}
	if d.Loader == nil {
		missing = append(missing, "loader")
	}
	if d.Executor == nil {
		missing = append(missing, "executor")
	}
	if d.Orders == nil {
		missing = append(missing, "orders")
	}
	if d.Tracker == nil {
		missing = append(missing, "tracker")
	}
	if d.Positions == nil {
		missing = append(missing, "positions")
	}
	if d.Store == nil {
		missing = append(missing, "store")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingDependency, strings.Join(missing, ", "))
	}
	return nil
}

// Option customises a Runtime.
type Option func(*Runtime)

// WithSource replaces the signal source built from the config type.
func WithSource(s SignalSource) Option {
	return func(r *Runtime) { r.source = s }
}

// WithClock overrides time.Now for cooldown and snapshot timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) { r.now = now }
}

// Runtime binds one state machine to market data, a signal source, the risk
// gate and the order pipeline. Step runs one Dispatch then one Tick; Run
// repeats Step on a ticker so cycles never overlap.
type Runtime struct {
	cfg      Config
	qty      decimal.Decimal
	tf       cache.Timeframe
	lookback int
	source   SignalSource
	deps     Deps
	machine  *fsm.Machine
	log      *zap.Logger
	now      func() time.Time

	mu            sync.Mutex
	pending       Signal
	active        order.Record
	lastPrice     decimal.Decimal
	cooldownUntil time.Time
	lastErr       string
}

func NewRuntime(cfg Config, deps Deps, log *zap.Logger, opts ...Option) (*Runtime, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.applyDefaults()
	if err := deps.validate(); err != nil {
		return nil, err
	}
	qty, err := cfg.Quantity()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, cfg.ID, err)
	}

	r := &Runtime{
		cfg:  cfg,
		qty:  qty,
		tf:   cache.Timeframe(cfg.Timeframe),
		deps: deps,
		log:  log.With(zap.String("component", "strategy"), zap.String("strategy_id", cfg.ID)),
		now:  time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	if r.source == nil {
		if r.source, err = NewSource(cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, cfg.ID, err)
		}
	}
	r.lookback = cfg.Lookback
	if lb, ok := r.source.(interface{ Lookback() int }); ok && lb.Lookback()+1 > r.lookback {
		r.lookback = lb.Lookback() + 1
	}

	r.machine = fsm.New(cfg.ID, fsm.Idle, log)
	if err := r.register(); err != nil {
		return nil, err
	}
	r.machine.OnTransition(r.onTransition)
	return r, nil
}

// flatState is where a strategy goes once it holds nothing.
func (r *Runtime) flatState() fsm.State {
	if r.cfg.Cooldown > 0 {
		return fsm.Cooldown
	}
	return fsm.Idle
}

func (r *Runtime) register() error {
	rules := []fsm.Transition{
		{From: fsm.Idle, To: fsm.WaitingEntry, Name: "enter", Condition: r.entrySignaled, Action: r.submitEntry},
		{From: fsm.WaitingEntry, To: fsm.InPosition, Name: "entry filled", Condition: r.entryFilled, Action: r.applyEntry},
		{From: fsm.WaitingEntry, To: r.flatState(), Name: "entry failed", Condition: r.entryFailed},
		{From: fsm.InPosition, To: fsm.WaitingExit, Name: "exit", Condition: r.exitSignaled, Action: r.submitExit},
		{From: fsm.WaitingExit, To: r.flatState(), Name: "exit filled", Condition: r.exitFilled, Action: r.applyExit},
		{From: fsm.WaitingExit, To: fsm.InPosition, Name: "exit failed", Condition: r.exitFailed, Action: r.applyExit},
		{From: fsm.Cooldown, To: fsm.Idle, Name: "cooldown elapsed", Condition: r.cooldownElapsed},
	}
	for _, t := range rules {
		if err := r.machine.AddTransition(t); err != nil {
			return err
		}
	}

	handlers := map[fsm.State]fsm.Handler{
		fsm.Idle:         r.evaluate,
		fsm.InPosition:   r.evaluate,
		fsm.WaitingEntry: r.refreshOrder,
		fsm.WaitingExit:  r.refreshOrder,
		fsm.Cooldown:     r.cooldownRemaining,
	}
	for s, h := range handlers {
		if err := r.machine.RegisterHandler(s, h); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) ID() string { return r.cfg.ID }

func (r *Runtime) Config() Config { return r.cfg }

func (r *Runtime) Machine() *fsm.Machine { return r.machine }

// Step runs one handler dispatch followed by one rule evaluation and reports
// whether a transition was committed.
func (r *Runtime) Step(ctx context.Context) bool {
	start := time.Now()
	r.machine.Dispatch(ctx)
	fired := r.machine.Tick(ctx)
	if m := r.deps.Metrics; m != nil {
		m.IncrementTicks()
		m.TickLatency.RecordDuration(time.Since(start))
	}
	return fired
}

// Run steps the runtime every configured interval until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	r.log.Info("strategy runtime started",
		zap.String("source", r.source.Name()),
		zap.String("symbol", r.cfg.Symbol),
		zap.String("timeframe", r.cfg.Timeframe),
		zap.Duration("interval", r.cfg.Interval),
		zap.String("state", string(r.machine.Current())),
	)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		r.Step(ctx)
		select {
		case <-ctx.Done():
			r.log.Info("strategy runtime stopped", zap.String("state", string(r.machine.Current())))
			return nil
		case <-ticker.C:
		}
	}
}

// Handlers.

func (r *Runtime) evaluate(ctx context.Context, _ ...any) (any, error) {
	candles, err := r.deps.Cache.GetOrLoad(ctx, r.cfg.Symbol, r.tf, func(ctx context.Context) ([]market.Kline, error) {
		return r.deps.Loader.Klines(ctx, r.cfg.Symbol, r.cfg.Timeframe, r.lookback)
	})
	if err != nil {
		r.fail(err)
		return nil, fmt.Errorf("load candles: %w", err)
	}
	if len(candles) == 0 {
		return nil, nil
	}

	price := decimal.NewFromFloat(candles[len(candles)-1].Close)
	if r.deps.Prices != nil {
		r.deps.Prices.SetPrice(r.cfg.Symbol, price)
	}

	inPosition := r.machine.Current() == fsm.InPosition
	sig := r.source.Evaluate(candles, inPosition)
	if inPosition && sig.Intent != IntentExit && r.deps.Stops != nil {
		if t := r.deps.Stops.Update(r.cfg.ID, r.cfg.Symbol, price); t.Triggered {
			sig = Signal{Intent: IntentExit, Note: t.Reason}
		}
	}
	if sig.Intent != IntentNone {
		r.log.Debug("signal", zap.String("intent", string(sig.Intent)), zap.String("note", sig.Note))
	}

	r.mu.Lock()
	r.lastPrice = price
	r.pending = sig
	r.lastErr = ""
	r.mu.Unlock()
	return sig, nil
}

// refreshOrder reloads the active order record written by the tracker.
func (r *Runtime) refreshOrder(ctx context.Context, _ ...any) (any, error) {
	r.mu.Lock()
	id := r.active.OrderID
	r.mu.Unlock()
	if id == "" {
		return nil, nil
	}

	rec, err := r.deps.Orders.Load(ctx, id)
	if errors.Is(err, order.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		r.fail(err)
		return nil, fmt.Errorf("load order %s: %w", id, err)
	}
	r.mu.Lock()
	r.active = rec
	r.mu.Unlock()
	return rec, nil
}

func (r *Runtime) cooldownRemaining(context.Context, ...any) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return max(r.cooldownUntil.Sub(r.now()), 0), nil
}

// Conditions.

func (r *Runtime) entrySignaled(context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.Intent == IntentEnter, nil
}

func (r *Runtime) exitSignaled(context.Context) (bool, error) {
	r.mu.Lock()
	sig := r.pending
	r.mu.Unlock()
	if sig.Intent != IntentExit {
		return false, nil
	}
	if qty := r.position().Qty; !qty.IsPositive() {
		r.log.Warn("exit signal without a long position", zap.String("qty", qty.String()))
		return false, nil
	}
	return true, nil
}

// approve runs the risk gate. A rejection drops the pending signal.
func (r *Runtime) approve(ctx context.Context, side exchange.Side, qty decimal.Decimal, reduce bool) error {
	if r.deps.Risk == nil {
		return nil
	}
	var equity decimal.Decimal
	if r.deps.Equity != nil {
		equity = r.deps.Equity.Equity(ctx)
	}
	r.mu.Lock()
	price := r.lastPrice
	r.mu.Unlock()

	d := r.deps.Risk.Check(ctx, risk.Proposal{
		StrategyID: r.cfg.ID,
		Symbol:     r.cfg.Symbol,
		Side:       side,
		Qty:        qty,
		Price:      price,
		Reduce:     reduce,
	}, equity)
	if d.Allowed {
		return nil
	}
	r.log.Warn("order blocked by risk gate", zap.String("side", string(side)), zap.String("reason", d.Reason))
	r.mu.Lock()
	r.pending = Signal{}
	r.mu.Unlock()
	return fmt.Errorf("%w: %s", risk.ErrRejected, d.Reason)
}

// settled reports whether the active order is finished and how much filled.
// Stuck orders count as finished; whatever filled before is kept.
func (r *Runtime) settled() (done bool, filled decimal.Decimal, ok bool) {
	r.mu.Lock()
	rec := r.active
	r.mu.Unlock()
	if rec.OrderID == "" {
		return false, decimal.Zero, false
	}
	return rec.Terminal() || rec.Stuck, rec.FilledAmount, true
}

func (r *Runtime) entryFilled(context.Context) (bool, error) {
	done, filled, ok := r.settled()
	return ok && done && filled.IsPositive(), nil
}

func (r *Runtime) entryFailed(context.Context) (bool, error) {
	done, filled, ok := r.settled()
	if !ok {
		// nothing to wait for, e.g. after a forced transition
		return true, nil
	}
	return done && !filled.IsPositive(), nil
}

func (r *Runtime) exitFilled(context.Context) (bool, error) {
	done, filled, ok := r.settled()
	return ok && done && filled.GreaterThanOrEqual(r.position().Qty), nil
}

func (r *Runtime) exitFailed(context.Context) (bool, error) {
	done, filled, ok := r.settled()
	if !ok {
		return true, nil
	}
	return done && filled.LessThan(r.position().Qty), nil
}

func (r *Runtime) cooldownElapsed(context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.now().Before(r.cooldownUntil), nil
}

// Actions.

func (r *Runtime) submitEntry(ctx context.Context) error {
	if err := r.approve(ctx, exchange.SideBuy, r.qty, false); err != nil {
		return err
	}
	return r.place(ctx, exchange.SideBuy, r.qty)
}

func (r *Runtime) submitExit(ctx context.Context) error {
	qty := r.position().Qty
	if err := r.approve(ctx, exchange.SideSell, qty, true); err != nil {
		return err
	}
	return r.place(ctx, exchange.SideSell, qty)
}

func (r *Runtime) place(ctx context.Context, side exchange.Side, qty decimal.Decimal) error {
	r.mu.Lock()
	price := r.lastPrice
	note := r.pending.Note
	r.mu.Unlock()

	start := time.Now()
	_, rec, err := r.deps.Executor.Place(ctx, r.cfg.ID, exchange.OrderRequest{
		Symbol: r.cfg.Symbol,
		Side:   side,
		Type:   exchange.OrderTypeMarket,
		Qty:    qty,
		Price:  price,
	})
	if m := r.deps.Metrics; m != nil {
		m.OrderLatency.RecordDuration(time.Since(start))
	}
	if err != nil {
		if r.deps.Risk != nil {
			r.deps.Risk.Release()
		}
		r.fail(err)
		return err
	}
	r.log.Info("order placed", zap.String("order_id", rec.OrderID), zap.String("side", string(side)),
		zap.String("qty", qty.String()), zap.String("reason", note))

	r.mu.Lock()
	r.active = rec
	r.pending = Signal{}
	r.mu.Unlock()
	return nil
}

// applyEntry books the entry fill. Position write failures are logged only:
// the order record stays the source of truth and a retry would double-book.
// A fee taken from the bought asset is not held, so it is not booked.
func (r *Runtime) applyEntry(ctx context.Context) error {
	rec := r.activeRecord()
	qty := rec.FilledAmount
	if r.feeInBase(rec) {
		qty = qty.Sub(rec.Fee)
	}
	if _, err := r.deps.Positions.RecordFill(ctx, r.cfg.ID, r.cfg.Symbol, exchange.SideBuy,
		qty, rec.FilledPrice, r.quoteFee(rec)); err != nil {
		r.log.Error("record entry fill failed", zap.String("order_id", rec.OrderID), zap.Error(err))
	}
	if r.deps.Stops != nil {
		r.deps.Stops.Open(r.cfg.ID, r.cfg.Symbol, exchange.SideBuy, rec.FilledPrice)
	}
	return nil
}

// applyExit books whatever the exit order filled.
func (r *Runtime) applyExit(ctx context.Context) error {
	rec := r.activeRecord()
	if rec.FilledAmount.IsPositive() {
		pos, err := r.deps.Positions.RecordFill(ctx, r.cfg.ID, r.cfg.Symbol, exchange.SideSell,
			rec.FilledAmount, rec.FilledPrice, r.quoteFee(rec))
		if err != nil {
			r.log.Error("record exit fill failed", zap.String("order_id", rec.OrderID), zap.Error(err))
		}
		if pos.Flat() && r.deps.Stops != nil {
			r.deps.Stops.Close(r.cfg.ID, r.cfg.Symbol)
		}
	}
	return nil
}

func (r *Runtime) feeInBase(rec order.Record) bool {
	return rec.FeeAsset != "" && strings.HasPrefix(r.cfg.Symbol, strings.ToUpper(rec.FeeAsset))
}

// quoteFee converts a fee charged in the base asset into quote terms.
func (r *Runtime) quoteFee(rec order.Record) decimal.Decimal {
	if r.feeInBase(rec) {
		return rec.Fee.Mul(rec.FilledPrice)
	}
	return rec.Fee
}

// Observer.

func (r *Runtime) onTransition(from, to fsm.State, name string) {
	now := r.now()
	r.mu.Lock()
	switch to {
	case fsm.Cooldown:
		if !r.cooldownUntil.After(now) {
			r.cooldownUntil = now.Add(r.cfg.Cooldown)
		}
	case fsm.Idle, fsm.InPosition:
		r.active = order.Record{}
		r.pending = Signal{}
	}
	r.mu.Unlock()

	forced := name == "forced"
	if r.deps.Journal != nil {
		r.deps.Journal.Record(r.cfg.ID, string(from), string(to), name, forced)
	}
	r.deps.Bus.Publish(events.EventStateTransition, events.Transition{
		StrategyID: r.cfg.ID,
		From:       string(from),
		To:         string(to),
		Name:       name,
		Forced:     forced,
		At:         now,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.persist(ctx)
}

// persist writes the snapshot. A failure leaves the runtime running from
// memory; the store's health decorator reports it.
func (r *Runtime) persist(ctx context.Context) {
	snap := r.Snapshot()
	start := time.Now()
	err := persistence.SaveJSON(ctx, r.deps.Store, persistence.StrategyKey(r.cfg.ID), snap)
	if m := r.deps.Metrics; m != nil {
		m.StoreLatency.RecordDuration(time.Since(start))
	}
	if err != nil {
		r.log.Error("persist strategy state failed", zap.String("state", string(snap.State)), zap.Error(err))
		r.fail(err)
	}
}

// Snapshot captures the persisted view of the runtime.
func (r *Runtime) Snapshot() Snapshot {
	info := r.machine.Info()
	pos := r.position()
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		StrategyID:      r.cfg.ID,
		State:           info.Current,
		PreviousState:   info.Previous,
		TransitionCount: info.TransitionCount,
		ActiveOrderID:   r.active.OrderID,
		Position:        SnapshotPosition{Qty: pos.Qty, EntryPrice: pos.AvgPrice},
		CooldownUntil:   r.cooldownUntil,
		UpdatedAt:       r.now(),
	}
}

// Restore reloads the persisted snapshot, forces the machine into the saved
// state and resumes tracking of an unfinished order. A missing snapshot
// leaves the runtime idle.
func (r *Runtime) Restore(ctx context.Context) error {
	if _, err := r.deps.Positions.Load(ctx, r.cfg.ID, r.cfg.Symbol); err != nil {
		r.log.Warn("position restore failed, assuming flat", zap.Error(err))
	}

	snap, err := persistence.LoadJSON[Snapshot](ctx, r.deps.Store, persistence.StrategyKey(r.cfg.ID))
	if errors.Is(err, persistence.ErrNotFound) {
		r.log.Info("no saved state, starting idle")
		return nil
	}
	if err != nil {
		return fmt.Errorf("restore %s: %w", r.cfg.ID, err)
	}
	if !snap.State.Valid() {
		return fmt.Errorf("restore %s: %w: %q", r.cfg.ID, fsm.ErrInvalidState, snap.State)
	}

	var active order.Record
	if snap.ActiveOrderID != "" {
		active, err = r.deps.Orders.Load(ctx, snap.ActiveOrderID)
		if err != nil {
			r.log.Warn("active order record unavailable", zap.String("order_id", snap.ActiveOrderID), zap.Error(err))
			active = order.Record{OrderID: snap.ActiveOrderID, StrategyID: r.cfg.ID, Symbol: r.cfg.Symbol}
		}
	}

	r.mu.Lock()
	r.active = active
	r.cooldownUntil = snap.CooldownUntil
	r.mu.Unlock()

	if snap.State != r.machine.Current() {
		if err := r.machine.ForceTransition(snap.State); err != nil {
			return err
		}
	}

	if active.OrderID != "" && !active.Terminal() && !active.Stuck {
		r.deps.Tracker.TrackRecord(ctx, active)
	}
	if pos := r.position(); pos.Qty.IsPositive() && r.deps.Stops != nil {
		r.deps.Stops.Open(r.cfg.ID, r.cfg.Symbol, exchange.SideBuy, pos.AvgPrice)
	}

	r.log.Info("strategy state restored",
		zap.String("state", string(snap.State)),
		zap.String("active_order_id", active.OrderID),
		zap.Time("saved_at", snap.UpdatedAt),
	)
	return nil
}

// Force moves the machine to s, bypassing every rule.
func (r *Runtime) Force(s fsm.State) error {
	return r.machine.ForceTransition(s)
}

// Reset clears the transition history and optionally moves the machine.
func (r *Runtime) Reset(ctx context.Context, s ...fsm.State) error {
	if err := r.machine.Reset(s...); err != nil {
		return err
	}
	if cur := r.machine.Current(); cur == fsm.Idle {
		r.mu.Lock()
		r.active = order.Record{}
		r.pending = Signal{}
		r.cooldownUntil = time.Time{}
		r.mu.Unlock()
	}
	r.persist(ctx)
	return nil
}

// Status returns the operator view.
func (r *Runtime) Status() Status {
	info := r.machine.Info()
	pos := r.position()
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		ID:            r.cfg.ID,
		Type:          r.cfg.Type,
		Source:        r.source.Name(),
		Symbol:        r.cfg.Symbol,
		Timeframe:     r.cfg.Timeframe,
		Machine:       info,
		Position:      pos,
		Pending:       r.pending,
		LastPrice:     r.lastPrice,
		CooldownUntil: r.cooldownUntil,
		LastError:     r.lastErr,
	}
	if r.active.OrderID != "" {
		rec := r.active
		st.ActiveOrder = &rec
	}
	return st
}

func (r *Runtime) position() state.Position {
	return r.deps.Positions.Position(r.cfg.ID, r.cfg.Symbol)
}

func (r *Runtime) activeRecord() order.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Runtime) fail(err error) {
	r.mu.Lock()
	r.lastErr = err.Error()
	r.mu.Unlock()
	if m := r.deps.Metrics; m != nil {
		m.IncrementErrors()
	}
}
