package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/fibersched/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// --- Run CRUD ---

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "insert", "table", "runs", "id", run.ID)
	return insertRun(ctx, s.db, run)
}

func insertRun(ctx context.Context, db execer, run *model.Run) error {
	fibersJSON, err := json.Marshal(run.Fibers)
	if err != nil {
		return fmt.Errorf("marshal fibers: %w", err)
	}
	readySet := run.ReadySet
	if readySet == "" {
		readySet = "linear"
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO runs (id, workload, shuffle, kill_main, ready_set, seed, state, fibers, dispatches, event_count, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Workload, run.Shuffle, run.KillMain, readySet, int64(run.Seed), string(run.State),
		string(fibersJSON), run.Dispatches, run.EventCount, run.Error,
		formatTime(run.StartedAt), formatTimePtr(run.CompletedAt),
	)
	return err
}

const runColumns = `id, workload, shuffle, kill_main, ready_set, seed, state, fibers, dispatches, event_count, error, started_at, completed_at`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*model.Run, error) {
	var run model.Run
	var seed int64
	var state, fibersJSON, startedAt string
	var completedAt *string

	if err := sc.Scan(&run.ID, &run.Workload, &run.Shuffle, &run.KillMain, &run.ReadySet, &seed,
		&state, &fibersJSON, &run.Dispatches, &run.EventCount, &run.Error,
		&startedAt, &completedAt); err != nil {
		return nil, err
	}

	run.Seed = uint64(seed)
	run.State = model.RunState(state)
	if err := json.Unmarshal([]byte(fibersJSON), &run.Fibers); err != nil {
		return nil, fmt.Errorf("unmarshal fibers: %w", err)
	}
	run.Summary = model.ComputeFiberCounts(run.Fibers)
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	run.CompletedAt = parseTimePtr(completedAt)
	return &run, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	s.logger.Debug("sql", "op", "select", "table", "runs", "id", id)

	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "runs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	var whereClauses []string
	var countArgs []any
	if opts.State != "" {
		whereClauses = append(whereClauses, "state = ?")
		countArgs = append(countArgs, opts.State)
	}
	if opts.Workload != "" {
		whereClauses = append(whereClauses, "workload = ?")
		countArgs = append(countArgs, opts.Workload)
	}
	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listArgs := append(countArgs, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs`+whereSQL+` ORDER BY started_at DESC LIMIT ? OFFSET ?`,
		listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, err
		}
		runs = append(runs, run)
	}
	return runs, total, rows.Err()
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.Run) error {
	s.logger.Debug("sql", "op", "update", "table", "runs", "id", run.ID)
	return updateRun(ctx, s.db, run)
}

func updateRun(ctx context.Context, db execer, run *model.Run) error {
	fibersJSON, err := json.Marshal(run.Fibers)
	if err != nil {
		return fmt.Errorf("marshal fibers: %w", err)
	}

	result, err := db.ExecContext(ctx,
		`UPDATE runs SET state=?, fibers=?, dispatches=?, event_count=?, error=?, completed_at=? WHERE id=?`,
		string(run.State), string(fibersJSON), run.Dispatches, run.EventCount, run.Error,
		formatTimePtr(run.CompletedAt), run.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not found", run.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "runs", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not found", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	return tx.Commit()
}

// --- Events ---

func (s *SQLiteStore) AppendEvents(ctx context.Context, runID string, events []model.Event) error {
	s.logger.Debug("sql", "op", "insert", "table", "events", "run_id", runID, "count", len(events))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertEvents(ctx, tx, runID, events); err != nil {
		return err
	}
	return tx.Commit()
}

func insertEvents(ctx context.Context, tx *sql.Tx, runID string, events []model.Event) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (run_id, seq, kind, fiber_id, fiber_name, handle, wake_at, detail, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert events: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			runID, ev.Seq, string(ev.Kind), ev.FiberID, ev.FiberName, int64(ev.Handle),
			formatTimePtr(ev.WakeAt), ev.Detail, formatTime(ev.At),
		); err != nil {
			return fmt.Errorf("insert event %d: %w", ev.Seq, err)
		}
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, opts model.ListOptions) ([]*model.Event, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "events", "run_id", runID, "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	whereSQL := " WHERE run_id = ?"
	countArgs := []any{runID}
	if opts.Kind != "" {
		whereSQL += " AND kind = ?"
		countArgs = append(countArgs, opts.Kind)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`+whereSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listArgs := append(countArgs, opts.Limit, opts.Offset)
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, seq, kind, fiber_id, fiber_name, handle, wake_at, detail, at
		 FROM events`+whereSQL+` ORDER BY seq LIMIT ? OFFSET ?`,
		listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		var ev model.Event
		var kind, at string
		var handle int64
		var wakeAt *string

		if err := rows.Scan(&ev.RunID, &ev.Seq, &kind, &ev.FiberID, &ev.FiberName, &handle,
			&wakeAt, &ev.Detail, &at); err != nil {
			return nil, 0, err
		}
		ev.Kind = model.EventKind(kind)
		ev.Handle = uint64(handle)
		ev.WakeAt = parseTimePtr(wakeAt)
		ev.At, _ = time.Parse(time.RFC3339Nano, at)
		events = append(events, &ev)
	}
	return events, total, rows.Err()
}

// SaveRun upserts the run and replaces its events atomically.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *model.Run, events []model.Event) error {
	s.logger.Debug("sql", "op", "save_run", "id", run.ID, "events", len(events))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, run.ID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		err = insertRun(ctx, tx, run)
	} else {
		err = updateRun(ctx, tx, run)
	}
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, run.ID); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}
	if err := insertEvents(ctx, tx, run.ID, events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// timeLayout is fixed width so stored times sort as strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, *s)
	if err != nil {
		return nil
	}
	return &t
}
