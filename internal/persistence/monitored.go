package persistence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// HealthReporter receives the outcome of store operations. A nil error
// marks the component healthy again.
type HealthReporter interface {
	Report(component string, err error)
}

// Monitored decorates a Store, logging failures and reporting reachability.
// Errors are still returned to the caller; callers decide whether to keep
// running without durability.
type Monitored struct {
	inner    Store
	name     string
	reporter HealthReporter
	log      *zap.Logger

	failures atomic.Uint64
	mu       sync.Mutex
	lastErr  error
	lastAt   time.Time
}

func NewMonitored(inner Store, name string, reporter HealthReporter, log *zap.Logger) *Monitored {
	if log == nil {
		log = zap.NewNop()
	}
	if name == "" {
		name = "store"
	}
	return &Monitored{
		inner:    inner,
		name:     name,
		reporter: reporter,
		log:      log.With(zap.String("component", "persistence"), zap.String("store", name)),
	}
}

func (m *Monitored) Save(ctx context.Context, key string, value []byte) error {
	err := m.inner.Save(ctx, key, value)
	m.observe("save", key, err)
	return err
}

func (m *Monitored) Load(ctx context.Context, key string) ([]byte, error) {
	v, err := m.inner.Load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		m.observe("load", key, nil)
	} else {
		m.observe("load", key, err)
	}
	return v, err
}

func (m *Monitored) Delete(ctx context.Context, key string) (bool, error) {
	ok, err := m.inner.Delete(ctx, key)
	m.observe("delete", key, err)
	return ok, err
}

func (m *Monitored) Exists(ctx context.Context, key string) (bool, error) {
	ok, err := m.inner.Exists(ctx, key)
	m.observe("exists", key, err)
	return ok, err
}

func (m *Monitored) Ping(ctx context.Context) error {
	err := m.inner.Ping(ctx)
	m.observe("ping", "", err)
	return err
}

func (m *Monitored) Close() error { return m.inner.Close() }

// Unwrap returns the decorated store.
func (m *Monitored) Unwrap() Store { return m.inner }

// Healthy reports whether the most recent operation succeeded.
func (m *Monitored) Healthy() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr == nil, m.lastErr
}

func (m *Monitored) Failures() uint64 { return m.failures.Load() }

func (m *Monitored) observe(op, key string, err error) {
	m.mu.Lock()
	wasHealthy := m.lastErr == nil
	m.lastErr = err
	m.lastAt = time.Now()
	m.mu.Unlock()

	if err != nil {
		m.failures.Add(1)
		m.log.Error("store operation failed",
			zap.String("op", op),
			zap.String("key", key),
			zap.Error(err),
		)
	} else if !wasHealthy {
		m.log.Info("store recovered", zap.String("op", op))
	}

	if m.reporter != nil {
		m.reporter.Report(m.name, err)
	}
}
