package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"strategy-core/internal/state"
)

// ErrDrift is reported to health when local and venue holdings disagree.
var ErrDrift = errors.New("reconciliation: position drift")

// HoldingSource reports the venue's base-asset holding for a symbol.
type HoldingSource interface {
	Holding(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// HoldingFunc adapts a function to HoldingSource.
type HoldingFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

func (f HoldingFunc) Holding(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f(ctx, symbol)
}

// Positions is the local position book.
type Positions interface {
	Positions() []state.Position
	SetPosition(ctx context.Context, p state.Position) error
}

// HealthReporter receives the outcome of each run.
type HealthReporter interface {
	Report(component string, err error)
}

// Config tunes the service.
type Config struct {
	Interval  time.Duration
	Tolerance decimal.Decimal
	// AutoSync overwrites the local position with the venue quantity, only
	// when exactly one strategy trades the symbol.
	AutoSync bool
}

// Service periodically compares strategy positions with venue holdings.
type Service struct {
	venue   HoldingSource
	book    Positions
	symbols []string
	health  HealthReporter
	cfg     Config
	log     *zap.Logger

	mu   sync.Mutex
	last Report
}

// Report contains reconciliation results
type Report struct {
	Timestamp   time.Time      `json:"timestamp"`
	Diffs       []PositionDiff `json:"diffs"`
	HasDiffs    bool           `json:"has_diffs"`
	SyncedCount int            `json:"synced_count"`
}

// PositionDiff represents a position difference
type PositionDiff struct {
	Symbol     string          `json:"symbol"`
	LocalQty   decimal.Decimal `json:"local_qty"`
	VenueQty   decimal.Decimal `json:"venue_qty"`
	Difference decimal.Decimal `json:"difference"`
	Synced     bool            `json:"synced"`
}

// NewService creates a reconciler for symbols; positions for other symbols
// found in the book are checked too.
func NewService(venue HoldingSource, book Positions, symbols []string, health HealthReporter, cfg Config, log *zap.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Tolerance.IsZero() {
		cfg.Tolerance = decimal.New(1, -8)
	}
	if log == nil {
		log = zap.NewNop()
	}
	up := make([]string, 0, len(symbols))
	for _, s := range symbols {
		up = append(up, strings.ToUpper(s))
	}
	return &Service{
		venue:   venue,
		book:    book,
		symbols: up,
		health:  health,
		cfg:     cfg,
		log:     log.With(zap.String("component", "reconciliation")),
	}
}

// Start runs once and then every interval until ctx is done.
func (s *Service) Start(ctx context.Context) {
	s.runOnce(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.Info("reconciliation started", zap.Duration("interval", s.cfg.Interval), zap.Bool("auto_sync", s.cfg.AutoSync))
}

func (s *Service) runOnce(ctx context.Context) {
	report, err := s.Reconcile(ctx)
	if err != nil {
		s.log.Warn("reconciliation failed", zap.Error(err))
		s.report(err)
		return
	}
	if !report.HasDiffs {
		s.report(nil)
		return
	}
	for _, d := range report.Diffs {
		s.log.Warn("position drift",
			zap.String("symbol", d.Symbol),
			zap.String("local", d.LocalQty.String()),
			zap.String("venue", d.VenueQty.String()),
			zap.Bool("synced", d.Synced),
		)
	}
	if report.SyncedCount == len(report.Diffs) {
		s.report(nil)
		return
	}
	s.report(fmt.Errorf("%w: %d symbol(s)", ErrDrift, len(report.Diffs)-report.SyncedCount))
}

func (s *Service) report(err error) {
	if s.health != nil {
		s.health.Report("reconciliation", err)
	}
}

// Reconcile compares the summed strategy quantity per symbol with the venue.
func (s *Service) Reconcile(ctx context.Context) (Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := Report{Timestamp: time.Now()}

	local := make(map[string]decimal.Decimal)
	owners := make(map[string][]state.Position)
	for _, sym := range s.symbols {
		local[sym] = decimal.Zero
	}
	for _, p := range s.book.Positions() {
		sym := strings.ToUpper(p.Symbol)
		local[sym] = local[sym].Add(p.Qty)
		owners[sym] = append(owners[sym], p)
	}

	symbols := make([]string, 0, len(local))
	for sym := range local {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		venueQty, err := s.venue.Holding(ctx, sym)
		if err != nil {
			return Report{}, fmt.Errorf("holding %s: %w", sym, err)
		}
		diff := local[sym].Sub(venueQty)
		if diff.Abs().LessThanOrEqual(s.cfg.Tolerance) {
			continue
		}
		d := PositionDiff{
			Symbol:     sym,
			LocalQty:   local[sym],
			VenueQty:   venueQty,
			Difference: diff,
		}
		if s.cfg.AutoSync && len(owners[sym]) == 1 {
			d.Synced = s.syncPosition(ctx, owners[sym][0], venueQty)
			if d.Synced {
				report.SyncedCount++
			}
		}
		report.Diffs = append(report.Diffs, d)
		report.HasDiffs = true
	}

	s.last = report
	return report, nil
}

// syncPosition syncs local position to match the venue. The average price
// is kept; a flat venue position also clears it.
func (s *Service) syncPosition(ctx context.Context, p state.Position, venueQty decimal.Decimal) bool {
	next := p
	next.Qty = venueQty
	if venueQty.IsZero() {
		next.AvgPrice = decimal.Zero
	}
	if err := s.book.SetPosition(ctx, next); err != nil {
		s.log.Error("position sync failed", zap.String("strategy_id", p.StrategyID), zap.String("symbol", p.Symbol), zap.Error(err))
		return false
	}
	s.log.Info("position synced to venue",
		zap.String("strategy_id", p.StrategyID),
		zap.String("symbol", p.Symbol),
		zap.String("from", p.Qty.String()),
		zap.String("to", venueQty.String()),
	)
	return true
}

// Last returns the most recent report.
func (s *Service) Last() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
