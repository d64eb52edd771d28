package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"strategy-core/internal/fsm"
)

var (
	ErrUnknownStrategy   = errors.New("strategy: unknown id")
	ErrDuplicateStrategy = errors.New("strategy: duplicate id")
	ErrEngineRunning     = errors.New("strategy: engine already running")
)

// Engine owns every runtime and runs each on its own goroutine.
type Engine struct {
	log *zap.Logger

	mu       sync.RWMutex
	runtimes map[string]*Runtime
	order    []string

	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewEngine(log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		log:      log.With(zap.String("component", "strategy_engine")),
		runtimes: make(map[string]*Runtime),
	}
}

// Add registers a runtime. Runtimes added after Start are not run.
func (e *Engine) Add(rt *Runtime) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.runtimes[rt.ID()]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateStrategy, rt.ID())
	}
	e.runtimes[rt.ID()] = rt
	e.order = append(e.order, rt.ID())
	return nil
}

// Restore reloads persisted state into every runtime.
func (e *Engine) Restore(ctx context.Context) error {
	var errs []error
	for _, rt := range e.all() {
		if err := rt.Restore(ctx); err != nil {
			e.log.Error("strategy restore failed", zap.String("strategy_id", rt.ID()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start launches every runtime and returns at once.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.group != nil {
		return ErrEngineRunning
	}
	ctx, e.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range e.order {
		rt := e.runtimes[id]
		g.Go(func() error { return rt.Run(gctx) })
	}
	e.group = g
	e.log.Info("strategy engine started", zap.Int("strategies", len(e.order)))
	return nil
}

// Stop cancels every runtime and waits for their loops to return.
func (e *Engine) Stop() error {
	e.mu.Lock()
	g, cancel := e.group, e.cancel
	e.group, e.cancel = nil, nil
	e.mu.Unlock()
	if g == nil {
		return nil
	}
	cancel()
	err := g.Wait()
	e.log.Info("strategy engine stopped")
	return err
}

// Run starts the engine and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return e.Stop()
}

func (e *Engine) Get(id string) (*Runtime, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rt, ok := e.runtimes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, id)
	}
	return rt, nil
}

// Status returns the operator view of one runtime.
func (e *Engine) Status(id string) (Status, error) {
	rt, err := e.Get(id)
	if err != nil {
		return Status{}, err
	}
	return rt.Status(), nil
}

// Force moves one runtime's machine to s, bypassing its rules.
func (e *Engine) Force(id string, s fsm.State) error {
	rt, err := e.Get(id)
	if err != nil {
		return err
	}
	e.log.Warn("operator forced strategy state", zap.String("strategy_id", id), zap.String("to", string(s)))
	return rt.Force(s)
}

// Reset clears one runtime's transition history, optionally moving it to s.
func (e *Engine) Reset(ctx context.Context, id string, s ...fsm.State) error {
	rt, err := e.Get(id)
	if err != nil {
		return err
	}
	return rt.Reset(ctx, s...)
}

// List returns the status of every runtime in registration order.
func (e *Engine) List() []Status {
	all := e.all()
	out := make([]Status, 0, len(all))
	for _, rt := range all {
		out = append(out, rt.Status())
	}
	return out
}

func (e *Engine) all() []*Runtime {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Runtime, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.runtimes[id])
	}
	return out
}
