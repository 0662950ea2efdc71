package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"gantry-hq/gantry/pkg/endpoint"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: record not found")

// EndpointStore persists endpoint records. The registry writes here before
// committing any mutation to its in-memory state.
type EndpointStore interface {
	// Save upserts an endpoint record.
	Save(ctx context.Context, ep *endpoint.Endpoint) error

	// Get returns the endpoint with the given ID, or ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*endpoint.Endpoint, error)

	// List returns all stored endpoints.
	List(ctx context.Context) ([]*endpoint.Endpoint, error)

	// Delete removes an endpoint record. No-op if it does not exist.
	Delete(ctx context.Context, id uuid.UUID) error

	// Close releases resources held by the store.
	Close() error
}

// DateFormat is the day key used by daily aggregates.
const DateFormat = "2006-01-02"

// DailyUsageDelta is one increment to the (endpoint, model, api kind, day)
// aggregate row. The TPS flusher batches these and applies them atomically.
type DailyUsageDelta struct {
	EndpointID   uuid.UUID
	ModelID      string
	APIKind      endpoint.APIKind
	Date         string // DateFormat
	Requests     uint64
	Successes    uint64
	Failures     uint64
	OutputTokens uint64
	DurationMS   uint64
}

// TPSSeedEntry is an aggregate row read back at startup so the tracker can
// show an approximate throughput before fresh traffic arrives.
type TPSSeedEntry struct {
	EndpointID   uuid.UUID
	ModelID      string
	APIKind      endpoint.APIKind
	Requests     uint64
	OutputTokens uint64
	DurationMS   uint64
}

// MinutePoint is one minute-bucket of request outcomes.
type MinutePoint struct {
	Minute  time.Time
	Success uint64
	Error   uint64
}

// StatsStore persists operational history: daily usage aggregates,
// per-minute request history, and health-check outcomes.
type StatsStore interface {
	// AddDailyUsage applies a batch of deltas, creating rows as needed.
	AddDailyUsage(ctx context.Context, deltas []DailyUsageDelta) error

	// TPSSeed returns per (endpoint, model, api kind) aggregates summed
	// over the most recent days, for seeding the TPS tracker.
	TPSSeed(ctx context.Context, days int) ([]TPSSeedEntry, error)

	// RecordHealthCheck appends one probe outcome.
	RecordHealthCheck(ctx context.Context, result endpoint.HealthCheckResult) error

	// HealthHistory returns up to limit recent probe outcomes for an
	// endpoint, newest first.
	HealthHistory(ctx context.Context, id uuid.UUID, limit int) ([]endpoint.HealthCheckResult, error)

	// AddMinuteHistory upserts minute-bucketed request outcome counts.
	AddMinuteHistory(ctx context.Context, points []MinutePoint) error

	// MinuteHistory returns buckets at or after since, oldest first.
	MinuteHistory(ctx context.Context, since time.Time) ([]MinutePoint, error)

	// DeleteEndpoint removes all rows for an endpoint; part of the
	// registry's delete cascade.
	DeleteEndpoint(ctx context.Context, id uuid.UUID) error

	// Prune removes rows older than the cutoff and returns how many were
	// deleted.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)

	// Close releases resources held by the store.
	Close() error
}
