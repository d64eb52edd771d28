package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"strategy-core/pkg/db"
)

// JournalMetrics describes batched journal activity.
type JournalMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	Dropped       uint64    `json:"dropped"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

type journalEntry struct {
	strategyID string
	from, to   string
	name       string
	forced     bool
	at         time.Time
}

// Journal appends committed state transitions to SQLite in batches. It is an
// audit trail only; recovery reads the strategy snapshot from the Store.
type Journal struct {
	db       *db.Database
	log      *zap.Logger
	maxSize  int
	maxQueue int
	interval time.Duration

	mu     sync.Mutex
	buffer []journalEntry

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	writes, batches, errs, dropped atomic.Uint64
	lastSize                       atomic.Int64
	lastFlush                      atomic.Int64
}

// NewJournal starts the background flusher.
// maxSize: entries before an eager flush; interval: time-based flush.
func NewJournal(database *db.Database, maxSize int, interval time.Duration, log *zap.Logger) *Journal {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}

	j := &Journal{
		db:       database,
		log:      log.With(zap.String("component", "journal")),
		maxSize:  maxSize,
		maxQueue: maxSize * 100,
		interval: interval,
		buffer:   make([]journalEntry, 0, maxSize),
		done:     make(chan struct{}),
	}

	j.wg.Add(1)
	go j.backgroundFlush()
	return j
}

// Record queues one transition. When the database keeps failing and the
// queue is full the entry is dropped and counted.
func (j *Journal) Record(strategyID, from, to, name string, forced bool) {
	j.mu.Lock()
	if len(j.buffer) >= j.maxQueue {
		j.mu.Unlock()
		j.dropped.Add(1)
		return
	}
	j.buffer = append(j.buffer, journalEntry{
		strategyID: strategyID, from: from, to: to, name: name, forced: forced, at: time.Now(),
	})
	shouldFlush := len(j.buffer) >= j.maxSize
	j.mu.Unlock()

	if shouldFlush {
		_ = j.Flush(context.Background())
	}
}

// Flush writes every buffered entry in one transaction. Failed batches are
// put back at the front of the queue.
func (j *Journal) Flush(ctx context.Context) error {
	j.mu.Lock()
	if len(j.buffer) == 0 {
		j.mu.Unlock()
		return nil
	}
	batch := j.buffer
	j.buffer = make([]journalEntry, 0, j.maxSize)
	j.mu.Unlock()

	if err := j.writeBatch(ctx, batch); err != nil {
		j.mu.Lock()
		j.buffer = append(batch, j.buffer...)
		j.mu.Unlock()
		return err
	}
	return nil
}

func (j *Journal) writeBatch(ctx context.Context, batch []journalEntry) error {
	j.batches.Add(1)
	j.lastSize.Store(int64(len(batch)))
	j.lastFlush.Store(time.Now().UnixNano())

	tx, err := j.db.DB.BeginTx(ctx, nil)
	if err != nil {
		j.errs.Add(1)
		j.log.Error("journal begin failed", zap.Error(err))
		return err
	}
	for _, e := range batch {
		forced := 0
		if e.forced {
			forced = 1
		}
		if _, err := tx.ExecContext(ctx, db.InsertTransitionQuery,
			e.strategyID, e.from, e.to, e.name, forced, e.at.UnixMilli()); err != nil {
			_ = tx.Rollback()
			j.errs.Add(1)
			j.log.Error("journal insert failed, rolled back", zap.Error(err))
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		j.errs.Add(1)
		j.log.Error("journal commit failed", zap.Error(err))
		return err
	}

	j.writes.Add(uint64(len(batch)))
	j.log.Debug("journal flushed", zap.Int("entries", len(batch)))
	return nil
}

func (j *Journal) backgroundFlush() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := j.Flush(context.Background()); err != nil {
				j.log.Warn("journal background flush failed", zap.Error(err))
			}
		case <-j.done:
			if err := j.Flush(context.Background()); err != nil {
				j.log.Warn("journal final flush failed", zap.Error(err))
			}
			return
		}
	}
}

// Pending returns the number of queued entries.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.buffer)
}

func (j *Journal) Metrics() JournalMetrics {
	m := JournalMetrics{
		TotalWrites:   j.writes.Load(),
		TotalBatches:  j.batches.Load(),
		TotalErrors:   j.errs.Load(),
		Dropped:       j.dropped.Load(),
		LastBatchSize: int(j.lastSize.Load()),
	}
	if ns := j.lastFlush.Load(); ns > 0 {
		m.LastFlushTime = time.Unix(0, ns)
	}
	return m
}

// Close stops the flusher after a final flush.
func (j *Journal) Close() error {
	j.once.Do(func() { close(j.done) })
	j.wg.Wait()
	return nil
}
