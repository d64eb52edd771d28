package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"strategy-core/pkg/db"
)

// Checks that a SQLite store or journal file carries the expected schema.
// Usage: verify_schema [path ...]; defaults to STORE_SQLITE_PATH and JOURNAL_DB_PATH.
func main() {
	paths := os.Args[1:]
	if len(paths) == 0 {
		for _, env := range []string{"STORE_SQLITE_PATH", "JOURNAL_DB_PATH"} {
			if p := os.Getenv(env); p != "" {
				paths = append(paths, p)
			}
		}
	}
	if len(paths) == 0 {
		log.Fatal("no database path given")
	}

	failed := false
	for _, p := range paths {
		if err := verify(context.Background(), p); err != nil {
			fmt.Printf("FAIL %s: %v\n", p, err)
			failed = true
			continue
		}
		fmt.Printf("ok   %s\n", p)
	}
	if failed {
		os.Exit(1)
	}
}

func verify(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	database, err := db.New(path)
	if err != nil {
		return err
	}
	defer database.Close()

	want := map[string][]string{
		"kv":                {"key", "value"},
		"state_transitions": {"strategy_id", "from_state", "to_state", "name", "forced", "at_ms"},
	}
	for table, cols := range want {
		var ddl string
		err := database.DB.QueryRowContext(ctx,
			"SELECT sql FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&ddl)
		if err != nil {
			return fmt.Errorf("table %s missing: %w", table, err)
		}
		for _, col := range cols {
			if !strings.Contains(ddl, col) {
				return fmt.Errorf("table %s lacks column %s", table, col)
			}
		}
	}
	return nil
}
