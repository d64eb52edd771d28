package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Transition is one row of the state transition journal.
type Transition struct {
	ID         int64
	StrategyID string
	From       string
	To         string
	Name       string
	Forced     bool
	At         time.Time
}

// PutKV upserts a value; last write wins.
func (d *Database) PutKV(ctx context.Context, key string, value []byte) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at_ms = excluded.updated_at_ms
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert kv %s: %w", key, err)
	}
	return nil
}

// GetKV returns ErrNotFound when the key is absent.
func (d *Database) GetKV(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := d.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query kv %s: %w", key, err)
	}
	return value, nil
}

// DeleteKV reports whether a row was removed.
func (d *Database) DeleteKV(ctx context.Context, key string) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete kv %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *Database) KVExists(ctx context.Context, key string) (bool, error) {
	var one int
	err := d.DB.QueryRowContext(ctx, `SELECT 1 FROM kv WHERE key = ?`, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query kv %s: %w", key, err)
	}
	return true, nil
}

// InsertTransitionQuery is the statement used by batched journal writes.
const InsertTransitionQuery = `
	INSERT INTO state_transitions (strategy_id, from_state, to_state, name, forced, at_ms)
	VALUES (?, ?, ?, ?, ?, ?)
`

// RecentTransitions returns the newest journal rows for a strategy, newest first.
func (d *Database) RecentTransitions(ctx context.Context, strategyID string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, strategy_id, from_state, to_state, name, forced, at_ms
		FROM state_transitions
		WHERE strategy_id = ?
		ORDER BY at_ms DESC, id DESC
		LIMIT ?
	`, strategyID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t      Transition
			forced int
			atMs   int64
		)
		if err := rows.Scan(&t.ID, &t.StrategyID, &t.From, &t.To, &t.Name, &forced, &atMs); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.Forced = forced != 0
		t.At = time.UnixMilli(atMs)
		out = append(out, t)
	}
	return out, rows.Err()
}
