package strategy

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"strategy-core/pkg/cache"
)

var ErrInvalidConfig = errors.New("strategy: invalid config")

// Config represents a strategy configuration entry in YAML.
type Config struct {
	ID         string         `yaml:"id" json:"id"`
	Type       string         `yaml:"type" json:"type"`
	Symbol     string         `yaml:"symbol" json:"symbol"`
	Timeframe  string         `yaml:"timeframe" json:"timeframe"`
	Qty        string         `yaml:"qty" json:"qty"`
	Interval   time.Duration  `yaml:"interval" json:"interval"`             // tick period, default 5s
	Cooldown   time.Duration  `yaml:"cooldown" json:"cooldown"`             // 0 returns straight to idle
	Lookback   int            `yaml:"lookback" json:"lookback,omitempty"`   // candles per load, default 100
	Parameters map[string]any `yaml:"parameters" json:"parameters,omitempty"`
	Disabled   bool           `yaml:"disabled" json:"disabled,omitempty"`
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Strategies []Config `yaml:"strategies"`
}

// LoadConfig reads strategies from a YAML file.
func LoadConfig(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a strategies document.
func ParseConfig(data []byte) ([]Config, error) {
	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return Prepare(file.Strategies)
}

// Prepare applies defaults to every entry, validates it and rejects
// duplicate ids.
func Prepare(cfgs []Config) ([]Config, error) {
	seen := make(map[string]bool, len(cfgs))
	for i := range cfgs {
		c := &cfgs[i]
		c.applyDefaults()
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalidConfig, c.ID)
		}
		seen[c.ID] = true
	}
	return cfgs, nil
}

func (c *Config) applyDefaults() {
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	if c.Timeframe == "" {
		c.Timeframe = "1m"
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.Lookback <= 0 {
		c.Lookback = 100
	}
}

// Validate checks the fields needed to build a runtime.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidConfig)
	}
	if c.Symbol == "" {
		return fmt.Errorf("%w: %s: missing symbol", ErrInvalidConfig, c.ID)
	}
	if _, err := cache.Timeframe(c.Timeframe).Duration(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, c.ID, err)
	}
	if _, err := c.Quantity(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, c.ID, err)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("%w: %s: negative cooldown", ErrInvalidConfig, c.ID)
	}
	if _, err := NewSource(c); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, c.ID, err)
	}
	return nil
}

// Quantity parses the order size.
func (c Config) Quantity() (decimal.Decimal, error) {
	q, err := decimal.NewFromString(strings.TrimSpace(c.Qty))
	if err != nil {
		return decimal.Zero, fmt.Errorf("qty %q: %w", c.Qty, err)
	}
	if !q.IsPositive() {
		return decimal.Zero, fmt.Errorf("qty must be positive, got %s", q)
	}
	return q, nil
}

// NewSource builds the signal source named by c.Type.
func NewSource(c Config) (SignalSource, error) {
	switch c.Type {
	case "ma_cross":
		return NewMACross(paramInt(c.Parameters, "fast", 10), paramInt(c.Parameters, "slow", 30))
	case "rsi":
		return NewRSIReversion(
			paramInt(c.Parameters, "period", 14),
			paramFloat(c.Parameters, "oversold", 30),
			paramFloat(c.Parameters, "overbought", 70),
		)
	default:
		return nil, fmt.Errorf("unknown strategy type %q", c.Type)
	}
}

func paramInt(p map[string]any, key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func paramFloat(p map[string]any, key string, def float64) float64 {
	switch v := p[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return def
}
