package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"strategy-core/pkg/db"
)

var (
	ErrNotFound     = errors.New("persistence: key not found")
	ErrInvalidValue = errors.New("persistence: value is not valid JSON")
	ErrClosed       = errors.New("persistence: store closed")
)

// Store is durable key/value storage. Save returns nil only once the backend
// has acknowledged the write. Implementations are safe for concurrent use and
// the last completed Save for a key wins.
type Store interface {
	Save(ctx context.Context, key string, value []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Key helpers for the persisted namespace.
func StrategyKey(strategyID string) string { return "strategy:" + strategyID + ":state" }
func OrderKey(orderID string) string       { return "order:" + orderID }
func PositionKey(strategyID, symbol string) string {
	return "position:" + strategyID + ":" + strings.ToUpper(symbol)
}

// SaveJSON marshals v and saves it under key.
func SaveJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.Save(ctx, key, b)
}

// LoadJSON loads key and decodes it into a T.
func LoadJSON[T any](ctx context.Context, s Store, key string) (T, error) {
	var out T
	b, err := s.Load(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

// Config selects and parameterises a backend.
type Config struct {
	Backend       string // file | sqlite | redis | memory
	FilePath      string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// Open builds the configured backend.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	log.Info("opening persistence store", zap.String("backend", backend))

	switch backend {
	case "", "file":
		return OpenFileStore(cfg.FilePath)
	case "sqlite":
		database, err := db.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := db.ApplyMigrations(database); err != nil {
			database.Close()
			return nil, err
		}
		return NewSQLiteStore(database, true), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		return NewRedisStore(client, cfg.RedisPrefix), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}
