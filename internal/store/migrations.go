package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the DDL for all trace tables.
// Each statement uses IF NOT EXISTS for idempotency.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS runs (
		id           TEXT PRIMARY KEY,
		workload     TEXT NOT NULL,
		shuffle      INTEGER NOT NULL DEFAULT 1,
		kill_main    INTEGER NOT NULL DEFAULT 0,
		ready_set    TEXT NOT NULL DEFAULT 'linear',
		state        TEXT NOT NULL DEFAULT 'RUNNING',
		fibers       TEXT NOT NULL DEFAULT '[]',
		dispatches   INTEGER NOT NULL DEFAULT 0,
		event_count  INTEGER NOT NULL DEFAULT 0,
		error        TEXT NOT NULL DEFAULT '',
		started_at   TEXT NOT NULL,
		completed_at TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS events (
		run_id     TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		kind       TEXT NOT NULL,
		fiber_id   TEXT NOT NULL DEFAULT '',
		fiber_name TEXT NOT NULL DEFAULT '',
		handle     INTEGER NOT NULL DEFAULT 0,
		wake_at    TEXT,
		detail     TEXT NOT NULL DEFAULT '',
		at         TEXT NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_workload ON runs(workload)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_events_kind ON events(run_id, kind)`,
}

// alterStatements are column additions that need special handling since
// SQLite doesn't support IF NOT EXISTS for ALTER TABLE ADD COLUMN.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "runs",
		column:   "seed",
		alterSQL: "ALTER TABLE runs ADD COLUMN seed INTEGER NOT NULL DEFAULT 0",
	},
	{
		table:    "events",
		column:   "fiber_name",
		alterSQL: "ALTER TABLE events ADD COLUMN fiber_name TEXT NOT NULL DEFAULT ''",
		indexSQL: "CREATE INDEX IF NOT EXISTS idx_events_fiber ON events(run_id, fiber_name)",
	},
}

// migrate executes all schema DDL statements and alter migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
