package cache

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNonMonotoneTTL   = errors.New("cache: ttl table is not monotone")
	ErrInvalidTimeframe = errors.New("cache: invalid timeframe")
)

// Timeframe is a candle interval such as "1m", "4h" or "1d".
type Timeframe string

// Duration parses the timeframe. Supported units: m, h, d, w.
func (tf Timeframe) Duration() (time.Duration, error) {
	s := strings.TrimSpace(string(tf))
	if len(s) < 2 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf)
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf)
	}
	return time.Duration(n) * unit, nil
}

// DefaultTTLTable is the freshness table used when none is configured.
func DefaultTTLTable() map[Timeframe]time.Duration {
	return map[Timeframe]time.Duration{
		"1m":  180 * time.Second,
		"5m":  900 * time.Second,
		"15m": 1800 * time.Second,
		"1h":  3600 * time.Second,
		"4h":  7200 * time.Second,
		"1d":  14400 * time.Second,
	}
}

// TTLPolicy maps a timeframe to the maximum age at which a cached entry is
// still fresh. Timeframes missing from the table inherit the TTL of the
// nearest shorter listed timeframe, which keeps the function monotone.
type TTLPolicy struct {
	table map[Timeframe]time.Duration
	known []known

	// Adaptive halves the TTL when data is older than StaleAfter or the local
	// hour is inside [ActiveFrom, ActiveTo).
	Adaptive   bool
	StaleAfter time.Duration
	ActiveFrom int
	ActiveTo   int
	Location   *time.Location
}

type known struct {
	span time.Duration
	ttl  time.Duration
}

// NewTTLPolicy validates table and builds a policy. A nil table uses the defaults.
func NewTTLPolicy(table map[Timeframe]time.Duration) (*TTLPolicy, error) {
	if table == nil {
		table = DefaultTTLTable()
	}
	p := &TTLPolicy{
		table:      make(map[Timeframe]time.Duration, len(table)),
		StaleAfter: time.Hour,
		ActiveFrom: 9,
		ActiveTo:   16,
	}
	for tf, ttl := range table {
		span, err := tf.Duration()
		if err != nil {
			return nil, err
		}
		if ttl <= 0 {
			return nil, fmt.Errorf("cache: ttl for %s must be positive", tf)
		}
		p.table[tf] = ttl
		p.known = append(p.known, known{span: span, ttl: ttl})
	}
	sort.Slice(p.known, func(i, j int) bool { return p.known[i].span < p.known[j].span })
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks that longer timeframes never get shorter TTLs.
func (p *TTLPolicy) Validate() error {
	for i := 1; i < len(p.known); i++ {
		if p.known[i].ttl < p.known[i-1].ttl {
			return fmt.Errorf("%w: %s gets %s, shorter than %s for %s", ErrNonMonotoneTTL,
				p.known[i].span, p.known[i].ttl, p.known[i-1].ttl, p.known[i-1].span)
		}
	}
	return nil
}

// TTL returns the configured freshness window for tf.
func (p *TTLPolicy) TTL(tf Timeframe) time.Duration {
	if ttl, ok := p.table[tf]; ok {
		return ttl
	}
	span, err := tf.Duration()
	if err != nil {
		span = 5 * time.Minute
	}

	var best time.Duration
	for _, k := range p.known {
		if k.span > span {
			break
		}
		best = k.ttl
	}
	if best > 0 {
		return best
	}

	fb := bucketTTL(span)
	if len(p.known) > 0 && fb > p.known[0].ttl {
		fb = p.known[0].ttl
	}
	return fb
}

// bucketTTL is used for timeframes shorter than anything in the table.
func bucketTTL(span time.Duration) time.Duration {
	switch {
	case span <= 15*time.Minute:
		return 5 * time.Minute
	case span <= time.Hour:
		return 15 * time.Minute
	case span <= 4*time.Hour:
		return 30 * time.Minute
	default:
		return time.Hour
	}
}

// Adjusted applies the adaptive rules to TTL(tf). dataAge is the age of the
// newest data point in the payload; pass 0 when unknown.
func (p *TTLPolicy) Adjusted(tf Timeframe, dataAge time.Duration, now time.Time) time.Duration {
	ttl := p.TTL(tf)
	if !p.Adaptive {
		return ttl
	}
	if p.StaleAfter > 0 && dataAge > p.StaleAfter {
		return ttl / 2
	}
	loc := p.Location
	if loc == nil {
		loc = time.Local
	}
	if h := now.In(loc).Hour(); h >= p.ActiveFrom && h < p.ActiveTo {
		return ttl / 2
	}
	return ttl
}

// Table returns a copy of the configured table.
func (p *TTLPolicy) Table() map[Timeframe]time.Duration {
	out := make(map[Timeframe]time.Duration, len(p.table))
	for k, v := range p.table {
		out[k] = v
	}
	return out
}
