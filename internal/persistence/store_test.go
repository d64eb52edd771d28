package persistence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"strategy-core/pkg/db"
)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) Store { return NewMemoryStore() }},
		{"file", func(t *testing.T) Store {
			s, err := OpenFileStore(filepath.Join(t.TempDir(), "state.json"))
			require.NoError(t, err)
			return s
		}},
		{"sqlite", func(t *testing.T) Store {
			database, err := db.New(filepath.Join(t.TempDir(), "state.db"))
			require.NoError(t, err)
			require.NoError(t, db.ApplyMigrations(database))
			return NewSQLiteStore(database, true)
		}},
		{"redis", func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			return NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
		}},
		{"monitored", func(t *testing.T) Store {
			return NewMonitored(NewMemoryStore(), "mem", nil, zap.NewNop())
		}},
	}
}

type record struct {
	OrderID string  `json:"order_id"`
	Filled  float64 `json:"filled"`
	Status  string  `json:"status"`
}

func TestStoreConformance(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t)
			t.Cleanup(func() { s.Close() })
			ctx := context.Background()

			t.Run("absent", func(t *testing.T) {
				_, err := s.Load(ctx, "missing")
				assert.ErrorIs(t, err, ErrNotFound)
				ok, err := s.Exists(ctx, "missing")
				require.NoError(t, err)
				assert.False(t, ok)
				removed, err := s.Delete(ctx, "missing")
				require.NoError(t, err)
				assert.False(t, removed)
			})

			t.Run("round trip", func(t *testing.T) {
				in := record{OrderID: "X", Filled: 0.01, Status: "closed"}
				require.NoError(t, SaveJSON(ctx, s, OrderKey("X"), in))
				out, err := LoadJSON[record](ctx, s, OrderKey("X"))
				require.NoError(t, err)
				assert.Equal(t, in, out)
			})

			t.Run("repeated save is idempotent", func(t *testing.T) {
				in := record{OrderID: "Y", Filled: 1, Status: "canceled"}
				require.NoError(t, SaveJSON(ctx, s, OrderKey("Y"), in))
				first, err := s.Load(ctx, OrderKey("Y"))
				require.NoError(t, err)
				require.NoError(t, SaveJSON(ctx, s, OrderKey("Y"), in))
				second, err := s.Load(ctx, OrderKey("Y"))
				require.NoError(t, err)
				assert.Equal(t, first, second)
			})

			t.Run("delete", func(t *testing.T) {
				require.NoError(t, s.Save(ctx, "k", []byte(`1`)))
				ok, err := s.Exists(ctx, "k")
				require.NoError(t, err)
				assert.True(t, ok)

				removed, err := s.Delete(ctx, "k")
				require.NoError(t, err)
				assert.True(t, removed)
				ok, err = s.Exists(ctx, "k")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("concurrent distinct keys", func(t *testing.T) {
				var wg sync.WaitGroup
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						for n := 0; n < 5; n++ {
							rec := record{OrderID: fmt.Sprint(i), Filled: float64(n), Status: "open"}
							assert.NoError(t, SaveJSON(ctx, s, OrderKey(fmt.Sprintf("c%d", i)), rec))
						}
					}(i)
				}
				wg.Wait()

				for i := 0; i < 8; i++ {
					out, err := LoadJSON[record](ctx, s, OrderKey(fmt.Sprintf("c%d", i)))
					require.NoError(t, err)
					assert.Equal(t, fmt.Sprint(i), out.OrderID)
					assert.Equal(t, 4.0, out.Filled)
				}
			})

			t.Run("concurrent same key", func(t *testing.T) {
				var wg sync.WaitGroup
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						assert.NoError(t, s.Save(ctx, "same", []byte(fmt.Sprintf(`{"writer":%d}`, i))))
					}(i)
				}
				wg.Wait()

				v, err := s.Load(ctx, "same")
				require.NoError(t, err)
				assert.Regexp(t, `^\{"writer":[0-7]\}$`, string(v))
			})

			require.NoError(t, s.Ping(ctx))
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	ctx := context.Background()

	s, err := OpenFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, StrategyKey("s1"), []byte(`{"state":"in_position"}`)))
	require.NoError(t, s.Close())

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	v, err := reopened.Load(ctx, StrategyKey("s1"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"in_position"}`, string(v))

	assert.ErrorIs(t, reopened.Save(ctx, "bad", []byte("not json")), ErrInvalidValue)
	require.NoError(t, reopened.Close())
	assert.ErrorIs(t, reopened.Save(ctx, "k", []byte(`1`)), ErrClosed)
}

type failingStore struct {
	*MemoryStore
	fail bool
}

func (f *failingStore) Save(ctx context.Context, key string, value []byte) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.MemoryStore.Save(ctx, key, value)
}

type reports struct {
	mu   sync.Mutex
	last map[string]error
}

func (r *reports) Report(component string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		r.last = map[string]error{}
	}
	r.last[component] = err
}

func TestMonitoredReportsHealth(t *testing.T) {
	inner := &failingStore{MemoryStore: NewMemoryStore(), fail: true}
	rep := &reports{}
	m := NewMonitored(inner, "primary", rep, zap.NewNop())
	ctx := context.Background()

	assert.Error(t, m.Save(ctx, "k", []byte(`1`)))
	healthy, err := m.Healthy()
	assert.False(t, healthy)
	assert.EqualError(t, err, "disk full")
	assert.Error(t, rep.last["primary"])
	assert.Equal(t, uint64(1), m.Failures())

	// a miss is not a failure
	inner.fail = false
	_, err = m.Load(ctx, "absent")
	assert.ErrorIs(t, err, ErrNotFound)
	healthy, _ = m.Healthy()
	assert.True(t, healthy)
	assert.NoError(t, rep.last["primary"])
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mr := miniredis.RunT(t)

	tests := []struct {
		cfg     Config
		wantErr bool
	}{
		{Config{Backend: "memory"}, false},
		{Config{Backend: "file", FilePath: filepath.Join(dir, "s.json")}, false},
		{Config{Backend: "sqlite", SQLitePath: filepath.Join(dir, "s.db")}, false},
		{Config{Backend: "redis", RedisAddr: mr.Addr()}, false},
		{Config{Backend: "etcd"}, true},
	}
	for _, tt := range tests {
		s, err := Open(ctx, tt.cfg, zap.NewNop())
		if tt.wantErr {
			assert.Error(t, err, tt.cfg.Backend)
			continue
		}
		require.NoError(t, err, tt.cfg.Backend)
		require.NoError(t, s.Ping(ctx))
		require.NoError(t, s.Close())
	}
}

func TestJournalFlushesBatches(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.ApplyMigrations(database))

	j := NewJournal(database, 3, time.Hour, zap.NewNop())
	j.Record("s1", "idle", "waiting_entry", "entry", false)
	j.Record("s1", "waiting_entry", "in_position", "filled", false)
	assert.Equal(t, 2, j.Pending())

	// third entry reaches maxSize and flushes eagerly
	j.Record("s1", "in_position", "cooldown", "forced", true)
	assert.Equal(t, 0, j.Pending())

	j.Record("s2", "idle", "cooldown", "forced", true)
	require.NoError(t, j.Close())

	rows, err := database.RecentTransitions(context.Background(), "s1", 10)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	rows, err = database.RecentTransitions(context.Background(), "s2", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Forced)

	m := j.Metrics()
	assert.Equal(t, uint64(4), m.TotalWrites)
	assert.Equal(t, uint64(2), m.TotalBatches)
	assert.Zero(t, m.TotalErrors)
}
