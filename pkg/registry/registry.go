// Package registry is the source of truth for endpoint records.
//
// All mutations are durable-write-first: the new record is written to the
// endpoint store (with bounded retry) before the in-memory state is updated,
// so a restart never observes state the store has not accepted. When storage
// stays unavailable past the retry window the mutation is refused and the
// endpoint is marked degraded.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"gantry-hq/gantry/pkg/config"
	"gantry-hq/gantry/pkg/endpoint"
	"gantry-hq/gantry/pkg/storage"
)

// AddParams describes a new endpoint registration.
type AddParams struct {
	Name           string
	BaseURL        string
	APIKey         string
	Flavor         endpoint.Flavor
	MaxConcurrency int
	CheckInterval  time.Duration
	Models         []endpoint.Model
}

// Registry holds the canonical endpoint set.
type Registry struct {
	store      storage.EndpointStore
	maxElapsed time.Duration
	logger     *slog.Logger

	mu     sync.RWMutex
	byID   map[uuid.UUID]*endpoint.Endpoint
	byName map[string]uuid.UUID

	// writeMu serializes read-modify-write cycles so concurrent updates to
	// the same endpoint cannot lose mutations.
	writeMu sync.Mutex

	hookMu   sync.Mutex
	onUpsert []func(*endpoint.Endpoint)
	onDelete []func(uuid.UUID)
}

// New creates a registry backed by the given store. writeRetryMaxElapsed
// bounds the retry loop for failed durable writes.
func New(store storage.EndpointStore, writeRetryMaxElapsed time.Duration) *Registry {
	return &Registry{
		store:      store,
		maxElapsed: writeRetryMaxElapsed,
		logger:     slog.Default().With("component", "registry"),
		byID:       make(map[uuid.UUID]*endpoint.Endpoint),
		byName:     make(map[string]uuid.UUID),
	}
}

// OnUpsert registers a hook invoked with a clone after every successful add
// or update. Used to keep the admission gate's limits in sync.
func (r *Registry) OnUpsert(fn func(*endpoint.Endpoint)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onUpsert = append(r.onUpsert, fn)
}

// OnDelete registers a hook invoked after an endpoint is removed. Used for
// the delete cascade into the gate, tracker, and stats store.
func (r *Registry) OnDelete(fn func(uuid.UUID)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.onDelete = append(r.onDelete, fn)
}

func (r *Registry) notifyUpsert(ep *endpoint.Endpoint) {
	r.hookMu.Lock()
	hooks := append([]func(*endpoint.Endpoint){}, r.onUpsert...)
	r.hookMu.Unlock()
	for _, fn := range hooks {
		fn(ep.Clone())
	}
}

func (r *Registry) notifyDelete(id uuid.UUID) {
	r.hookMu.Lock()
	hooks := append([]func(uuid.UUID){}, r.onDelete...)
	r.hookMu.Unlock()
	for _, fn := range hooks {
		fn(id)
	}
}

// Load hydrates the registry from the store. Existing in-memory state is
// replaced. Statuses are kept as persisted; the health monitor re-probes
// everything at startup anyway.
func (r *Registry) Load(ctx context.Context) error {
	endpoints, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to load endpoints: %w", err)
	}

	r.mu.Lock()
	r.byID = make(map[uuid.UUID]*endpoint.Endpoint, len(endpoints))
	r.byName = make(map[string]uuid.UUID, len(endpoints))
	for _, ep := range endpoints {
		r.byID[ep.ID] = ep
		r.byName[ep.Name] = ep.ID
	}
	r.mu.Unlock()

	for _, ep := range endpoints {
		r.notifyUpsert(ep)
	}
	r.logger.Info("registry loaded", "endpoints", len(endpoints))
	return nil
}

// SyncStatic reconciles config-defined endpoints into the registry. New
// names are added, existing ones get their settings updated. Endpoints not
// in specs are left alone: removing a static endpoint requires the admin
// API.
func (r *Registry) SyncStatic(ctx context.Context, specs []config.EndpointSpec) error {
	for _, spec := range specs {
		r.mu.RLock()
		id, exists := r.byName[spec.Name]
		r.mu.RUnlock()

		if !exists {
			_, err := r.Add(ctx, AddParams{
				Name:           spec.Name,
				BaseURL:        spec.BaseURL,
				APIKey:         spec.APIKey,
				Flavor:         endpoint.Flavor(spec.Flavor),
				MaxConcurrency: spec.MaxConcurrency,
				CheckInterval:  spec.CheckInterval,
				Models:         spec.Models,
			})
			if err != nil {
				return fmt.Errorf("failed to add static endpoint %q: %w", spec.Name, err)
			}
			continue
		}

		err := r.update(ctx, id, func(ep *endpoint.Endpoint) error {
			ep.BaseURL = spec.BaseURL
			ep.APIKey = spec.APIKey
			if spec.MaxConcurrency > 0 {
				ep.MaxConcurrency = spec.MaxConcurrency
			}
			if spec.CheckInterval > 0 {
				ep.CheckInterval = spec.CheckInterval
			}
			if len(spec.Models) > 0 {
				ep.Models = spec.Models
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to update static endpoint %q: %w", spec.Name, err)
		}
	}
	return nil
}

// Add registers a new endpoint in Pending status.
func (r *Registry) Add(ctx context.Context, params AddParams) (*endpoint.Endpoint, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("registry: endpoint name cannot be empty")
	}
	if err := config.ValidateBaseURL(params.BaseURL); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if params.MaxConcurrency < 1 {
		params.MaxConcurrency = 1
	}
	flavor := params.Flavor
	if flavor == "" {
		flavor = endpoint.FlavorUnknown
	}

	r.mu.Lock()
	if _, exists := r.byName[params.Name]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, params.Name)
	}

	ep := &endpoint.Endpoint{
		ID:             uuid.New(),
		Name:           params.Name,
		BaseURL:        params.BaseURL,
		APIKey:         params.APIKey,
		Flavor:         flavor,
		Status:         endpoint.StatusPending,
		Models:         params.Models,
		MaxConcurrency: params.MaxConcurrency,
		CheckInterval:  params.CheckInterval,
		CreatedAt:      time.Now().UTC(),
	}
	// Reserve the name before dropping the lock for the durable write.
	r.byName[params.Name] = ep.ID
	r.mu.Unlock()

	if err := r.persist(ctx, ep); err != nil {
		r.mu.Lock()
		delete(r.byName, params.Name)
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	r.byID[ep.ID] = ep
	r.mu.Unlock()

	r.notifyUpsert(ep)
	r.logger.Info("endpoint registered",
		"endpoint_id", ep.ID,
		"name", ep.Name,
		"base_url", ep.BaseURL,
	)
	return ep.Clone(), nil
}

// Get returns a clone of the endpoint with the given ID.
func (r *Registry) Get(id uuid.UUID) (*endpoint.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ep.Clone(), nil
}

// GetByName returns a clone of the endpoint with the given name.
func (r *Registry) GetByName(name string) (*endpoint.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return nil, ErrNotFound
	}
	return r.byID[id].Clone(), nil
}

// List returns clones of all endpoints.
func (r *Registry) List() []*endpoint.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*endpoint.Endpoint, 0, len(r.byID))
	for _, ep := range r.byID {
		out = append(out, ep.Clone())
	}
	return out
}

// ListByStatus returns clones of all endpoints in the given status.
func (r *Registry) ListByStatus(status endpoint.Status) []*endpoint.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*endpoint.Endpoint
	for _, ep := range r.byID {
		if ep.Status == status {
			out = append(out, ep.Clone())
		}
	}
	return out
}

// Delete removes an endpoint from the store and memory, then runs the
// delete cascade hooks.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.RLock()
	ep, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	op := func() error { return r.store.Delete(ctx, id) }
	if err := backoff.Retry(op, r.newBackOff(ctx)); err != nil {
		return fmt.Errorf("failed to delete endpoint %s: %w", id, err)
	}

	r.mu.Lock()
	delete(r.byID, id)
	delete(r.byName, ep.Name)
	r.mu.Unlock()

	r.notifyDelete(id)
	r.logger.Info("endpoint deleted", "endpoint_id", id, "name", ep.Name)
	return nil
}

// SetStatus moves the endpoint to next, enforcing the lifecycle state
// machine.
func (r *Registry) SetStatus(ctx context.Context, id uuid.UUID, next endpoint.Status) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	return r.update(ctx, id, func(ep *endpoint.Endpoint) error {
		if !ep.Status.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, ep.Status, next)
		}
		ep.Status = next
		return nil
	})
}

// ResetError moves an endpoint from Error back to Pending. This is the only
// way out of the Error status.
func (r *Registry) ResetError(ctx context.Context, id uuid.UUID) error {
	return r.update(ctx, id, func(ep *endpoint.Endpoint) error {
		if ep.Status != endpoint.StatusError {
			return fmt.Errorf("%w: reset requires error status, have %s", ErrInvalidTransition, ep.Status)
		}
		ep.Status = endpoint.StatusPending
		ep.LastError = ""
		return nil
	})
}

// ApplyProbe records a probe outcome: last-checked time, sticky latency,
// and last error. It does not change status; the health monitor decides
// transitions separately.
func (r *Registry) ApplyProbe(ctx context.Context, id uuid.UUID, success bool, latency time.Duration, probeErr string) error {
	return r.update(ctx, id, func(ep *endpoint.Endpoint) error {
		now := time.Now().UTC()
		ep.LastCheckedAt = &now
		if success {
			ms := latency.Milliseconds()
			ep.LastError = ""
			// Latency is sticky: failures never clear the last good value.
			ep.LatencyMS = &ms
		} else {
			ep.LastError = probeErr
		}
		return nil
	})
}

// RecordOutcome increments the endpoint's request counters.
func (r *Registry) RecordOutcome(ctx context.Context, id uuid.UUID, success bool) error {
	return r.update(ctx, id, func(ep *endpoint.Endpoint) error {
		ep.Counters.Total++
		if success {
			ep.Counters.Successful++
		} else {
			ep.Counters.Failed++
		}
		return nil
	})
}

// UpdateModels replaces the endpoint's served model list.
func (r *Registry) UpdateModels(ctx context.Context, id uuid.UUID, models []endpoint.Model) error {
	return r.update(ctx, id, func(ep *endpoint.Endpoint) error {
		ep.Models = models
		return nil
	})
}

// SetFlavor records a detection outcome.
func (r *Registry) SetFlavor(ctx context.Context, id uuid.UUID, flavor endpoint.Flavor, reason string) error {
	return r.update(ctx, id, func(ep *endpoint.Endpoint) error {
		now := time.Now().UTC()
		ep.Flavor = flavor
		ep.FlavorReason = reason
		ep.FlavorDetectedAt = &now
		return nil
	})
}

// SetMaxConcurrency changes the endpoint's admission limit.
func (r *Registry) SetMaxConcurrency(ctx context.Context, id uuid.UUID, limit int) error {
	if limit < 1 {
		return fmt.Errorf("registry: max concurrency must be at least 1")
	}
	return r.update(ctx, id, func(ep *endpoint.Endpoint) error {
		ep.MaxConcurrency = limit
		return nil
	})
}

// update applies mutate to a clone of the record, persists the clone, and
// only then commits it to memory. A persistent storage failure leaves the
// last committed state visible with the degraded flag set.
func (r *Registry) update(ctx context.Context, id uuid.UUID, mutate func(*endpoint.Endpoint) error) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	current, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	next := current.Clone()
	r.mu.Unlock()

	if err := mutate(next); err != nil {
		return err
	}
	next.Degraded = false

	if err := r.persist(ctx, next); err != nil {
		r.mu.Lock()
		if ep, ok := r.byID[id]; ok {
			ep.Degraded = true
		}
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	// The record may have been deleted while the write was in flight.
	if _, ok := r.byID[id]; !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	r.byID[id] = next
	r.mu.Unlock()

	r.notifyUpsert(next)
	return nil
}

// persist writes ep to the store with bounded exponential backoff.
func (r *Registry) persist(ctx context.Context, ep *endpoint.Endpoint) error {
	op := func() error { return r.store.Save(ctx, ep) }
	if err := backoff.Retry(op, r.newBackOff(ctx)); err != nil {
		r.logger.Error("durable write failed",
			"endpoint_id", ep.ID,
			"name", ep.Name,
			"error", err,
		)
		return fmt.Errorf("failed to persist endpoint %s: %w", ep.ID, err)
	}
	return nil
}

func (r *Registry) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = r.maxElapsed
	return backoff.WithContext(bo, ctx)
}
