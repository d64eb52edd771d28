package balance

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"strategy-core/pkg/exchange"
)

// Snapshot is the last known account equity.
type Snapshot struct {
	Equity   decimal.Decimal `json:"equity"`
	LastSync time.Time       `json:"last_sync"`
	LastErr  string          `json:"last_error,omitempty"`
}

// Manager caches quote-asset equity for the risk gate.
type Manager struct {
	source       exchange.BalanceSource
	syncInterval time.Duration
	maxAge       time.Duration
	log          *zap.Logger
	now          func() time.Time

	mu   sync.RWMutex
	snap Snapshot
}

// NewManager creates a balance manager. Equity older than maxAge is
// refreshed on read; a zero maxAge only refreshes from Start.
func NewManager(source exchange.BalanceSource, syncInterval, maxAge time.Duration, log *zap.Logger) *Manager {
	if syncInterval <= 0 {
		syncInterval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		source:       source,
		syncInterval: syncInterval,
		maxAge:       maxAge,
		log:          log.With(zap.String("component", "balance")),
		now:          time.Now,
	}
}

// Start syncs once and then every syncInterval until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	if err := m.Sync(ctx); err != nil {
		m.log.Warn("initial balance sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(m.syncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.Sync(ctx); err != nil {
					m.log.Warn("balance sync failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sync fetches the latest balance from the venue.
func (m *Manager) Sync(ctx context.Context) error {
	if m.source == nil {
		return nil
	}
	eq, err := m.source.QuoteBalance(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.snap.LastErr = err.Error()
		return err
	}
	m.snap = Snapshot{Equity: eq, LastSync: m.now()}
	m.log.Debug("balance synced", zap.String("equity", eq.StringFixed(2)))
	return nil
}

// Equity returns cached equity, refreshing it first when stale. A failed
// refresh falls back to the cached value.
func (m *Manager) Equity(ctx context.Context) decimal.Decimal {
	m.mu.RLock()
	snap := m.snap
	m.mu.RUnlock()

	if m.maxAge > 0 && m.now().Sub(snap.LastSync) > m.maxAge {
		if err := m.Sync(ctx); err != nil {
			m.log.Warn("balance refresh failed, using cached equity", zap.Error(err))
			return snap.Equity
		}
		m.mu.RLock()
		snap = m.snap
		m.mu.RUnlock()
	}
	return snap.Equity
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// SetInitialBalance seeds equity when no venue balance is available.
func (m *Manager) SetInitialBalance(amount decimal.Decimal) {
	m.mu.Lock()
	m.snap = Snapshot{Equity: amount, LastSync: m.now()}
	m.mu.Unlock()
	m.log.Info("initial balance set", zap.String("equity", amount.StringFixed(2)))
}
