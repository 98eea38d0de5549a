// Package export copies usage counters into the Postgres reporting schema.
// The job is ad-hoc: operators run it per scope (an execution date or a week
// start) after the day's promoter slots have finished.
package export

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/postalgrid/delayer/internal/store"
)

// Exporter mirrors counter rows into usage_counters. Rows are upserted, so
// re-running an export for the same scope converges instead of duplicating.
type Exporter struct {
	db       *sql.DB
	counters store.CounterStore
}

func New(db *sql.DB, counters store.CounterStore) *Exporter {
	return &Exporter{db: db, counters: counters}
}

// Open connects to the reporting database.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open reporting db: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

const upsertCounter = `
INSERT INTO usage_counters (scope, sort_key, field, value, exported_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (scope, sort_key, field) DO UPDATE SET value = EXCLUDED.value, exported_at = now()`

// Run exports every counter row under scope inside one transaction and
// returns the number of (sort key, field) cells written.
func (e *Exporter) Run(ctx context.Context, scope string) (int, error) {
	rows, err := e.counters.QueryCounters(ctx, scope)
	if err != nil {
		return 0, fmt.Errorf("read counters for %s: %w", scope, err)
	}
	if len(rows) == 0 {
		log.Printf("[export] no counters under scope %s", scope)
		return 0, nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin export tx: %w", err)
	}
	defer tx.Rollback()

	written := 0
	for _, row := range rows {
		for field, value := range row.Values {
			if _, err := tx.ExecContext(ctx, upsertCounter, row.Scope, row.Sort, field, value); err != nil {
				return 0, fmt.Errorf("upsert counter %s/%s/%s: %w", row.Scope, row.Sort, field, err)
			}
			written++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit export tx: %w", err)
	}
	log.Printf("[export] scope=%s cells=%d", scope, written)
	return written, nil
}
