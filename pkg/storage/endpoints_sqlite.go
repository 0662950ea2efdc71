package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"gantry-hq/gantry/pkg/endpoint"
)

// SQLiteEndpointStore implements EndpointStore using SQLite.
//
// The full endpoint record is stored as a JSON document with the ID, name,
// and status broken out into indexed columns. WAL mode is enabled for
// better concurrent read performance.
type SQLiteEndpointStore struct {
	db *sql.DB

	saveStmt   *sql.Stmt
	getStmt    *sql.Stmt
	listStmt   *sql.Stmt
	deleteStmt *sql.Stmt
}

// SQLiteEndpointStoreConfig configures the endpoint store.
type SQLiteEndpointStoreConfig struct {
	// Path is the SQLite database file.
	Path string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds.
	BusyTimeout time.Duration
}

// NewSQLiteEndpointStore opens (or creates) the endpoint database at path
// with default settings.
func NewSQLiteEndpointStore(path string) (*SQLiteEndpointStore, error) {
	return NewSQLiteEndpointStoreWithConfig(SQLiteEndpointStoreConfig{Path: path})
}

// NewSQLiteEndpointStoreWithConfig opens the endpoint database with custom
// configuration.
func NewSQLiteEndpointStoreWithConfig(cfg SQLiteEndpointStoreConfig) (*SQLiteEndpointStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("endpoint store path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		cfg.Path, int(cfg.BusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open endpoint database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteEndpointStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize endpoint schema: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare endpoint statements: %w", err)
	}

	return store, nil
}

func (s *SQLiteEndpointStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS endpoints (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		status TEXT NOT NULL,
		record TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_endpoints_status ON endpoints(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteEndpointStore) prepareStatements() error {
	var err error

	s.saveStmt, err = s.db.Prepare(`
		INSERT INTO endpoints (id, name, status, record, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			record = excluded.record,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}

	s.getStmt, err = s.db.Prepare(`SELECT record FROM endpoints WHERE id = ?`)
	if err != nil {
		return err
	}

	s.listStmt, err = s.db.Prepare(`SELECT record FROM endpoints ORDER BY name`)
	if err != nil {
		return err
	}

	s.deleteStmt, err = s.db.Prepare(`DELETE FROM endpoints WHERE id = ?`)
	return err
}

// storedEndpoint is the persisted representation. The API representation
// hides the key; the store must keep it or registered endpoints would lose
// their credentials across restarts.
type storedEndpoint struct {
	*endpoint.Endpoint
	APIKey string `json:"api_key,omitempty"`
}

func marshalEndpoint(ep *endpoint.Endpoint) ([]byte, error) {
	return json.Marshal(storedEndpoint{Endpoint: ep, APIKey: ep.APIKey})
}

func unmarshalEndpoint(data []byte) (*endpoint.Endpoint, error) {
	rec := storedEndpoint{Endpoint: &endpoint.Endpoint{}}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	rec.Endpoint.APIKey = rec.APIKey
	return rec.Endpoint, nil
}

// Save upserts an endpoint record.
func (s *SQLiteEndpointStore) Save(ctx context.Context, ep *endpoint.Endpoint) error {
	record, err := marshalEndpoint(ep)
	if err != nil {
		return fmt.Errorf("failed to marshal endpoint %s: %w", ep.ID, err)
	}

	_, err = s.saveStmt.ExecContext(ctx,
		ep.ID.String(), ep.Name, string(ep.Status), string(record), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save endpoint %s: %w", ep.ID, err)
	}
	return nil
}

// Get returns the endpoint with the given ID, or ErrNotFound.
func (s *SQLiteEndpointStore) Get(ctx context.Context, id uuid.UUID) (*endpoint.Endpoint, error) {
	var record string
	err := s.getStmt.QueryRowContext(ctx, id.String()).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load endpoint %s: %w", id, err)
	}

	ep, err := unmarshalEndpoint([]byte(record))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal endpoint %s: %w", id, err)
	}
	return ep, nil
}

// List returns all stored endpoints ordered by name.
func (s *SQLiteEndpointStore) List(ctx context.Context) ([]*endpoint.Endpoint, error) {
	rows, err := s.listStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []*endpoint.Endpoint
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint row: %w", err)
		}
		ep, err := unmarshalEndpoint([]byte(record))
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal endpoint row: %w", err)
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, rows.Err()
}

// Delete removes an endpoint record. No-op if it does not exist.
func (s *SQLiteEndpointStore) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.deleteStmt.ExecContext(ctx, id.String()); err != nil {
		return fmt.Errorf("failed to delete endpoint %s: %w", id, err)
	}
	return nil
}

// Close releases database resources.
func (s *SQLiteEndpointStore) Close() error {
	for _, stmt := range []*sql.Stmt{s.saveStmt, s.getStmt, s.listStmt, s.deleteStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
