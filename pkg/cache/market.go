package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Tier is an optional second-level store shared between processes.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Stats summarises cache activity.
type Stats struct {
	Hits          uint64         `json:"hits"`
	Misses        uint64         `json:"misses"`
	RemoteHits    uint64         `json:"remote_hits"`
	RemoteErrors  uint64         `json:"remote_errors"`
	Loads         uint64         `json:"loads"`
	Invalidations uint64         `json:"invalidations"`
	Entries       int            `json:"entries"`
	ShardCounts   [numShards]int `json:"shard_counts"`
	OldestAge     time.Duration  `json:"oldest_age"`
}

// MarketData caches decision inputs per (instrument, timeframe). An entry is
// served only while now - writtenAt <= ttl; stale entries are dropped on read.
type MarketData[T any] struct {
	policy  *TTLPolicy
	local   *shardedMap[T]
	remote  Tier
	now     func() time.Time
	dataAge func(v T, now time.Time) time.Duration
	log     *zap.Logger
	group   singleflight.Group

	hits, misses, remoteHits, remoteErrs, loads, invalidations atomic.Uint64
}

// Option configures a MarketData cache.
type Option[T any] func(*MarketData[T])

// WithClock replaces time.Now, mainly for tests.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *MarketData[T]) { c.now = now }
}

// WithTier enables the shared second level.
func WithTier[T any](t Tier) Option[T] {
	return func(c *MarketData[T]) { c.remote = t }
}

// WithDataAge lets the adaptive policy see how old a payload's data is.
func WithDataAge[T any](fn func(v T, now time.Time) time.Duration) Option[T] {
	return func(c *MarketData[T]) { c.dataAge = fn }
}

func WithLogger[T any](l *zap.Logger) Option[T] {
	return func(c *MarketData[T]) {
		if l != nil {
			c.log = l.With(zap.String("component", "marketdata_cache"))
		}
	}
}

// NewMarketData builds a cache around policy (defaults when nil).
func NewMarketData[T any](policy *TTLPolicy, opts ...Option[T]) *MarketData[T] {
	if policy == nil {
		policy, _ = NewTTLPolicy(nil)
	}
	c := &MarketData[T]{
		policy: policy,
		local:  newShardedMap[T](),
		now:    time.Now,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key is the storage key for an (instrument, timeframe) pair.
func Key(instrument string, tf Timeframe) string {
	return "md:" + instrument + ":" + string(tf)
}

func instrumentPrefix(instrument string) string { return "md:" + instrument + ":" }

func normalize(instrument string) string { return strings.ToUpper(strings.TrimSpace(instrument)) }

// TTL exposes the policy's freshness window for tf.
func (c *MarketData[T]) TTL(tf Timeframe) time.Duration { return c.policy.TTL(tf) }

func (c *MarketData[T]) Policy() *TTLPolicy { return c.policy }

// Get returns the payload when fresh. A stale or absent entry is a miss and
// the caller is expected to refetch.
func (c *MarketData[T]) Get(ctx context.Context, instrument string, tf Timeframe) (T, bool) {
	var zero T
	instrument = normalize(instrument)
	key := Key(instrument, tf)
	now := c.now()

	if e, ok := c.local.get(key); ok {
		if e.fresh(now) {
			c.hits.Add(1)
			return e.value, true
		}
		c.local.deleteIfStale(key, e.writtenAt)
	}

	if c.remote != nil {
		if e, ok := c.getRemote(ctx, key); ok && e.fresh(now) {
			e.instrument = instrument
			c.local.set(key, e)
			c.remoteHits.Add(1)
			c.hits.Add(1)
			return e.value, true
		}
	}

	c.misses.Add(1)
	return zero, false
}

// Put stores v with the current time and the timeframe's TTL.
func (c *MarketData[T]) Put(ctx context.Context, instrument string, tf Timeframe, v T) {
	instrument = normalize(instrument)
	now := c.now()

	var age time.Duration
	if c.dataAge != nil {
		age = c.dataAge(v, now)
	}
	e := entry[T]{
		instrument: instrument,
		value:      v,
		writtenAt:  now,
		ttl:        c.policy.Adjusted(tf, age, now),
	}
	key := Key(instrument, tf)
	c.local.set(key, e)

	if c.remote != nil {
		c.putRemote(ctx, key, e)
	}
}

// GetOrLoad returns the cached value or calls load once per key across
// concurrent callers, caching its result.
func (c *MarketData[T]) GetOrLoad(ctx context.Context, instrument string, tf Timeframe, load func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(ctx, instrument, tf); ok {
		return v, nil
	}
	key := Key(normalize(instrument), tf)
	res, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok := c.Get(ctx, instrument, tf); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.loads.Add(1)
		c.Put(ctx, instrument, tf, v)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, fmt.Errorf("load %s: %w", key, err)
	}
	return res.(T), nil
}

// Invalidate drops every timeframe cached for instrument and returns the
// number of local entries removed.
func (c *MarketData[T]) Invalidate(ctx context.Context, instrument string) int {
	instrument = normalize(instrument)
	removed := c.local.deleteWhere(func(e entry[T]) bool { return e.instrument == instrument })
	c.invalidations.Add(1)

	if c.remote != nil {
		n, err := c.remote.DeletePrefix(ctx, instrumentPrefix(instrument))
		if err != nil {
			c.remoteErrs.Add(1)
			c.log.Warn("remote invalidate failed", zap.String("instrument", instrument), zap.Error(err))
		} else {
			c.log.Debug("remote entries invalidated", zap.String("instrument", instrument), zap.Int("count", n))
		}
	}

	c.log.Info("instrument invalidated", zap.String("instrument", instrument), zap.Int("entries", removed))
	return removed
}

// Purge removes expired local entries. Reads already ignore them, so calling
// this is optional housekeeping.
func (c *MarketData[T]) Purge() int {
	now := c.now()
	return c.local.deleteWhere(func(e entry[T]) bool { return !e.fresh(now) })
}

func (c *MarketData[T]) Len() int { return c.local.len() }

func (c *MarketData[T]) Stats() Stats {
	counts, oldest := c.local.shardCounts()
	s := Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		RemoteHits:    c.remoteHits.Load(),
		RemoteErrors:  c.remoteErrs.Load(),
		Loads:         c.loads.Load(),
		Invalidations: c.invalidations.Load(),
		ShardCounts:   counts,
	}
	for _, n := range counts {
		s.Entries += n
	}
	if !oldest.IsZero() {
		s.OldestAge = c.now().Sub(oldest)
	}
	return s
}

type envelope[T any] struct {
	Payload   T         `json:"payload"`
	WrittenAt time.Time `json:"written_at"`
	TTLMillis int64     `json:"ttl_ms"`
}

func (c *MarketData[T]) putRemote(ctx context.Context, key string, e entry[T]) {
	b, err := json.Marshal(envelope[T]{Payload: e.value, WrittenAt: e.writtenAt, TTLMillis: e.ttl.Milliseconds()})
	if err != nil {
		c.remoteErrs.Add(1)
		c.log.Warn("encode remote entry failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.remote.Set(ctx, key, b, e.ttl); err != nil {
		c.remoteErrs.Add(1)
		c.log.Warn("remote put failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *MarketData[T]) getRemote(ctx context.Context, key string) (entry[T], bool) {
	b, ok, err := c.remote.Get(ctx, key)
	if err != nil {
		c.remoteErrs.Add(1)
		c.log.Warn("remote get failed", zap.String("key", key), zap.Error(err))
		return entry[T]{}, false
	}
	if !ok {
		return entry[T]{}, false
	}
	var env envelope[T]
	if err := json.Unmarshal(b, &env); err != nil {
		c.remoteErrs.Add(1)
		c.log.Warn("decode remote entry failed", zap.String("key", key), zap.Error(err))
		return entry[T]{}, false
	}
	return entry[T]{
		value:     env.Payload,
		writtenAt: env.WrittenAt,
		ttl:       time.Duration(env.TTLMillis) * time.Millisecond,
	}, true
}
