package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"gantry-hq/gantry/pkg/endpoint"
)

// SQLiteStatsStore implements StatsStore using SQLite.
//
// Three tables are kept: daily_usage holds per (endpoint, model, api kind,
// day) counters and is the source for TPS seeding after a restart,
// request_history holds minute-bucketed outcome counts for the activity
// graph, and health_checks holds individual probe outcomes.
type SQLiteStatsStore struct {
	db *sql.DB
}

// SQLiteStatsStoreConfig configures the stats store.
type SQLiteStatsStoreConfig struct {
	// Path is the SQLite database file.
	Path string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds.
	BusyTimeout time.Duration
}

// NewSQLiteStatsStore opens (or creates) the stats database at path with
// default settings.
func NewSQLiteStatsStore(path string) (*SQLiteStatsStore, error) {
	return NewSQLiteStatsStoreWithConfig(SQLiteStatsStoreConfig{Path: path})
}

// NewSQLiteStatsStoreWithConfig opens the stats database with custom
// configuration.
func NewSQLiteStatsStoreWithConfig(cfg SQLiteStatsStoreConfig) (*SQLiteStatsStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("stats store path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.Path, int(cfg.BusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open stats database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStatsStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize stats schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStatsStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS daily_usage (
		endpoint_id TEXT NOT NULL,
		model_id TEXT NOT NULL,
		api_kind TEXT NOT NULL,
		date TEXT NOT NULL,
		requests INTEGER NOT NULL DEFAULT 0,
		successes INTEGER NOT NULL DEFAULT 0,
		failures INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (endpoint_id, model_id, api_kind, date)
	);

	CREATE INDEX IF NOT EXISTS idx_daily_usage_date ON daily_usage(date);

	CREATE TABLE IF NOT EXISTS request_history (
		minute INTEGER PRIMARY KEY,
		success INTEGER NOT NULL DEFAULT 0,
		error INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS health_checks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		endpoint_id TEXT NOT NULL,
		checked_at INTEGER NOT NULL,
		success INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		status_before TEXT NOT NULL,
		status_after TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_health_checks_endpoint
		ON health_checks(endpoint_id, checked_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// AddDailyUsage applies a batch of deltas in a single transaction, creating
// aggregate rows as needed.
func (s *SQLiteStatsStore) AddDailyUsage(ctx context.Context, deltas []DailyUsageDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin usage transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_usage (endpoint_id, model_id, api_kind, date,
			requests, successes, failures, output_tokens, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (endpoint_id, model_id, api_kind, date) DO UPDATE SET
			requests = requests + excluded.requests,
			successes = successes + excluded.successes,
			failures = failures + excluded.failures,
			output_tokens = output_tokens + excluded.output_tokens,
			duration_ms = duration_ms + excluded.duration_ms`)
	if err != nil {
		return fmt.Errorf("failed to prepare usage upsert: %w", err)
	}
	defer stmt.Close()

	for _, d := range deltas {
		_, err := stmt.ExecContext(ctx,
			d.EndpointID.String(), d.ModelID, string(d.APIKind), d.Date,
			d.Requests, d.Successes, d.Failures, d.OutputTokens, d.DurationMS)
		if err != nil {
			return fmt.Errorf("failed to apply usage delta for %s/%s: %w", d.EndpointID, d.ModelID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit usage transaction: %w", err)
	}
	return nil
}

// TPSSeed returns per (endpoint, model, api kind) aggregates summed over the
// most recent days.
func (s *SQLiteStatsStore) TPSSeed(ctx context.Context, days int) ([]TPSSeedEntry, error) {
	if days <= 0 {
		days = 1
	}
	cutoff := time.Now().AddDate(0, 0, -days).Format(DateFormat)

	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint_id, model_id, api_kind,
			SUM(requests), SUM(output_tokens), SUM(duration_ms)
		FROM daily_usage
		WHERE date >= ?
		GROUP BY endpoint_id, model_id, api_kind`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage aggregates: %w", err)
	}
	defer rows.Close()

	var entries []TPSSeedEntry
	for rows.Next() {
		var (
			idStr string
			entry TPSSeedEntry
			kind  string
		)
		if err := rows.Scan(&idStr, &entry.ModelID, &kind,
			&entry.Requests, &entry.OutputTokens, &entry.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		entry.EndpointID = id
		entry.APIKind = endpoint.APIKind(kind)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// RecordHealthCheck appends one probe outcome.
func (s *SQLiteStatsStore) RecordHealthCheck(ctx context.Context, result endpoint.HealthCheckResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO health_checks (endpoint_id, checked_at, success, latency_ms,
			error, status_before, status_after)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		result.EndpointID.String(), result.CheckedAt.Unix(), result.Success,
		result.LatencyMS, result.Error,
		string(result.StatusBefore), string(result.StatusAfter))
	if err != nil {
		return fmt.Errorf("failed to record health check for %s: %w", result.EndpointID, err)
	}
	return nil
}

// HealthHistory returns the most recent probe outcomes for an endpoint,
// newest first.
func (s *SQLiteStatsStore) HealthHistory(ctx context.Context, id uuid.UUID, limit int) ([]endpoint.HealthCheckResult, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT endpoint_id, checked_at, success, latency_ms, error,
			status_before, status_after
		FROM health_checks
		WHERE endpoint_id = ?
		ORDER BY checked_at DESC
		LIMIT ?`, id.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query health history: %w", err)
	}
	defer rows.Close()

	var results []endpoint.HealthCheckResult
	for rows.Next() {
		var (
			idStr   string
			checked int64
			before  string
			after   string
			r       endpoint.HealthCheckResult
		)
		if err := rows.Scan(&idStr, &checked, &r.Success, &r.LatencyMS,
			&r.Error, &before, &after); err != nil {
			return nil, fmt.Errorf("failed to scan health history row: %w", err)
		}
		eid, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		r.EndpointID = eid
		r.CheckedAt = time.Unix(checked, 0).UTC()
		r.StatusBefore = endpoint.Status(before)
		r.StatusAfter = endpoint.Status(after)
		results = append(results, r)
	}
	return results, rows.Err()
}

// AddMinuteHistory upserts minute-bucketed request outcome counts.
func (s *SQLiteStatsStore) AddMinuteHistory(ctx context.Context, points []MinutePoint) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin history transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO request_history (minute, success, error)
		VALUES (?, ?, ?)
		ON CONFLICT (minute) DO UPDATE SET
			success = success + excluded.success,
			error = error + excluded.error`)
	if err != nil {
		return fmt.Errorf("failed to prepare history upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		minute := p.Minute.Truncate(time.Minute).Unix()
		if _, err := stmt.ExecContext(ctx, minute, p.Success, p.Error); err != nil {
			return fmt.Errorf("failed to apply history point: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history transaction: %w", err)
	}
	return nil
}

// MinuteHistory returns buckets at or after since, oldest first.
func (s *SQLiteStatsStore) MinuteHistory(ctx context.Context, since time.Time) ([]MinutePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT minute, success, error
		FROM request_history
		WHERE minute >= ?
		ORDER BY minute ASC`, since.Truncate(time.Minute).Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query request history: %w", err)
	}
	defer rows.Close()

	var points []MinutePoint
	for rows.Next() {
		var (
			minute int64
			p      MinutePoint
		)
		if err := rows.Scan(&minute, &p.Success, &p.Error); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		p.Minute = time.Unix(minute, 0).UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

// DeleteEndpoint removes all rows for an endpoint.
func (s *SQLiteStatsStore) DeleteEndpoint(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM daily_usage WHERE endpoint_id = ?`,
		`DELETE FROM health_checks WHERE endpoint_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id.String()); err != nil {
			return fmt.Errorf("failed to delete stats for %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete transaction: %w", err)
	}
	return nil
}

// Prune removes rows older than the cutoff and returns how many were deleted.
func (s *SQLiteStatsStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune transaction: %w", err)
	}
	defer tx.Rollback()

	var total int64

	res, err := tx.ExecContext(ctx,
		`DELETE FROM daily_usage WHERE date < ?`, olderThan.Format(DateFormat))
	if err != nil {
		return 0, fmt.Errorf("failed to prune daily usage: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = tx.ExecContext(ctx,
		`DELETE FROM request_history WHERE minute < ?`, olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune request history: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = tx.ExecContext(ctx,
		`DELETE FROM health_checks WHERE checked_at < ?`, olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune health checks: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune transaction: %w", err)
	}
	return total, nil
}

// Close releases database resources.
func (s *SQLiteStatsStore) Close() error {
	return s.db.Close()
}
