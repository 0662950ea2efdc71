package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"gantry-hq/gantry/pkg/endpoint"
)

// MemoryEndpointStore is an in-memory EndpointStore for tests and ephemeral
// deployments.
type MemoryEndpointStore struct {
	mu        sync.RWMutex
	endpoints map[uuid.UUID]*endpoint.Endpoint
}

// NewMemoryEndpointStore creates an empty in-memory endpoint store.
func NewMemoryEndpointStore() *MemoryEndpointStore {
	return &MemoryEndpointStore{endpoints: make(map[uuid.UUID]*endpoint.Endpoint)}
}

func (s *MemoryEndpointStore) Save(_ context.Context, ep *endpoint.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[ep.ID] = ep.Clone()
	return nil
}

func (s *MemoryEndpointStore) Get(_ context.Context, id uuid.UUID) (*endpoint.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.endpoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ep.Clone(), nil
}

func (s *MemoryEndpointStore) List(_ context.Context) ([]*endpoint.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*endpoint.Endpoint, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, ep.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryEndpointStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.endpoints, id)
	return nil
}

func (s *MemoryEndpointStore) Close() error { return nil }

type usageKey struct {
	endpointID uuid.UUID
	modelID    string
	apiKind    endpoint.APIKind
	date       string
}

// MemoryStatsStore is an in-memory StatsStore for tests.
type MemoryStatsStore struct {
	mu      sync.RWMutex
	usage   map[usageKey]DailyUsageDelta
	history map[int64]MinutePoint
	checks  []endpoint.HealthCheckResult
}

// NewMemoryStatsStore creates an empty in-memory stats store.
func NewMemoryStatsStore() *MemoryStatsStore {
	return &MemoryStatsStore{
		usage:   make(map[usageKey]DailyUsageDelta),
		history: make(map[int64]MinutePoint),
	}
}

func (s *MemoryStatsStore) AddDailyUsage(_ context.Context, deltas []DailyUsageDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range deltas {
		k := usageKey{d.EndpointID, d.ModelID, d.APIKind, d.Date}
		row := s.usage[k]
		row.EndpointID = d.EndpointID
		row.ModelID = d.ModelID
		row.APIKind = d.APIKind
		row.Date = d.Date
		row.Requests += d.Requests
		row.Successes += d.Successes
		row.Failures += d.Failures
		row.OutputTokens += d.OutputTokens
		row.DurationMS += d.DurationMS
		s.usage[k] = row
	}
	return nil
}

func (s *MemoryStatsStore) TPSSeed(_ context.Context, days int) ([]TPSSeedEntry, error) {
	if days <= 0 {
		days = 1
	}
	cutoff := time.Now().AddDate(0, 0, -days).Format(DateFormat)

	s.mu.RLock()
	defer s.mu.RUnlock()

	type seedKey struct {
		endpointID uuid.UUID
		modelID    string
		apiKind    endpoint.APIKind
	}
	summed := make(map[seedKey]TPSSeedEntry)
	for k, row := range s.usage {
		if row.Date < cutoff {
			continue
		}
		sk := seedKey{k.endpointID, k.modelID, k.apiKind}
		entry := summed[sk]
		entry.EndpointID = k.endpointID
		entry.ModelID = k.modelID
		entry.APIKind = k.apiKind
		entry.Requests += row.Requests
		entry.OutputTokens += row.OutputTokens
		entry.DurationMS += row.DurationMS
		summed[sk] = entry
	}

	out := make([]TPSSeedEntry, 0, len(summed))
	for _, entry := range summed {
		out = append(out, entry)
	}
	return out, nil
}

func (s *MemoryStatsStore) RecordHealthCheck(_ context.Context, result endpoint.HealthCheckResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, result)
	return nil
}

func (s *MemoryStatsStore) HealthHistory(_ context.Context, id uuid.UUID, limit int) ([]endpoint.HealthCheckResult, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []endpoint.HealthCheckResult
	for i := len(s.checks) - 1; i >= 0 && len(out) < limit; i-- {
		if s.checks[i].EndpointID == id {
			out = append(out, s.checks[i])
		}
	}
	return out, nil
}

func (s *MemoryStatsStore) AddMinuteHistory(_ context.Context, points []MinutePoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		minute := p.Minute.Truncate(time.Minute).Unix()
		row := s.history[minute]
		row.Minute = time.Unix(minute, 0).UTC()
		row.Success += p.Success
		row.Error += p.Error
		s.history[minute] = row
	}
	return nil
}

func (s *MemoryStatsStore) MinuteHistory(_ context.Context, since time.Time) ([]MinutePoint, error) {
	cutoff := since.Truncate(time.Minute).Unix()

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []MinutePoint
	for minute, p := range s.history {
		if minute >= cutoff {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Minute.Before(out[j].Minute) })
	return out, nil
}

func (s *MemoryStatsStore) DeleteEndpoint(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.usage {
		if k.endpointID == id {
			delete(s.usage, k)
		}
	}
	kept := s.checks[:0]
	for _, c := range s.checks {
		if c.EndpointID != id {
			kept = append(kept, c)
		}
	}
	s.checks = kept
	return nil
}

func (s *MemoryStatsStore) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	cutoffDate := olderThan.Format(DateFormat)
	for k := range s.usage {
		if k.date < cutoffDate {
			delete(s.usage, k)
			total++
		}
	}
	cutoffMinute := olderThan.Unix()
	for minute := range s.history {
		if minute < cutoffMinute {
			delete(s.history, minute)
			total++
		}
	}
	kept := s.checks[:0]
	for _, c := range s.checks {
		if c.CheckedAt.Before(olderThan) {
			total++
			continue
		}
		kept = append(kept, c)
	}
	s.checks = kept
	return total, nil
}

func (s *MemoryStatsStore) Close() error { return nil }
