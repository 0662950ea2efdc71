package tps

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"gantry-hq/gantry/pkg/endpoint"
	"gantry-hq/gantry/pkg/storage"
)

// Key identifies one throughput series. Throughput is tracked separately per
// API kind because streaming chat and batch embeddings behave differently.
type Key struct {
	EndpointID uuid.UUID
	ModelID    string
	API        endpoint.APIKind
}

// Tracker maintains an exponential moving average of output tokens per
// second for each (endpoint, model, api kind) series, and accumulates usage
// deltas for the flusher to persist.
type Tracker struct {
	alpha float64

	mu      sync.RWMutex
	emas    map[Key]float64
	pending map[Key]*storage.DailyUsageDelta
}

// NewTracker creates a tracker with the given smoothing factor. Alpha is the
// weight of the newest sample; it must be in (0, 1].
func NewTracker(alpha float64) *Tracker {
	return &Tracker{
		alpha:   alpha,
		emas:    make(map[Key]float64),
		pending: make(map[Key]*storage.DailyUsageDelta),
	}
}

// RecordSuccess folds a completed request into the series. Samples with zero
// duration or zero output tokens carry no throughput signal and update the
// usage counters only.
func (t *Tracker) RecordSuccess(key Key, outputTokens uint64, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delta := t.pendingDelta(key)
	delta.Requests++
	delta.Successes++
	delta.OutputTokens += outputTokens
	delta.DurationMS += uint64(duration.Milliseconds())

	if duration <= 0 || outputTokens == 0 {
		return
	}

	sample := float64(outputTokens) / duration.Seconds()
	if prev, ok := t.emas[key]; ok {
		t.emas[key] = t.alpha*sample + (1-t.alpha)*prev
	} else {
		t.emas[key] = sample
	}
}

// RecordFailure counts a failed request. Failures never move the EMA.
func (t *Tracker) RecordFailure(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delta := t.pendingDelta(key)
	delta.Requests++
	delta.Failures++
}

// pendingDelta returns the accumulating delta for key's current day,
// creating it if needed. Callers must hold t.mu.
func (t *Tracker) pendingDelta(key Key) *storage.DailyUsageDelta {
	delta, ok := t.pending[key]
	today := time.Now().Format(storage.DateFormat)
	if ok && delta.Date == today {
		return delta
	}
	// Day rolled over with an unflushed delta: stash it under a rotated key
	// so the flusher still picks it up.
	if ok {
		rotated := key
		rotated.ModelID = key.ModelID + "\x00" + delta.Date
		t.pending[rotated] = delta
	}
	delta = &storage.DailyUsageDelta{
		EndpointID: key.EndpointID,
		ModelID:    key.ModelID,
		APIKind:    key.API,
		Date:       today,
	}
	t.pending[key] = delta
	return delta
}

// EMA returns the current estimate for the series and whether any data
// exists for it.
func (t *Tracker) EMA(key Key) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.emas[key]
	return v, ok
}

// Seed initializes series that have no live data yet from persisted daily
// aggregates. Each entry seeds its series with the aggregate's average
// throughput. Series that already have a live EMA are left untouched.
func (t *Tracker) Seed(entries []storage.TPSSeedEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range entries {
		if e.OutputTokens == 0 || e.DurationMS == 0 {
			continue
		}
		key := Key{EndpointID: e.EndpointID, ModelID: e.ModelID, API: e.APIKind}
		if _, ok := t.emas[key]; ok {
			continue
		}
		t.emas[key] = float64(e.OutputTokens) / (float64(e.DurationMS) / 1000.0)
	}
}

// DeleteEndpoint drops all series and unflushed deltas for an endpoint.
func (t *Tracker) DeleteEndpoint(id uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k := range t.emas {
		if k.EndpointID == id {
			delete(t.emas, k)
		}
	}
	for k := range t.pending {
		if k.EndpointID == id {
			delete(t.pending, k)
		}
	}
}

// Snapshot returns a copy of all current estimates.
func (t *Tracker) Snapshot() map[Key]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[Key]float64, len(t.emas))
	for k, v := range t.emas {
		out[k] = v
	}
	return out
}

// ConsumeDeltas drains all pending usage deltas. Deltas with zero requests
// are skipped.
func (t *Tracker) ConsumeDeltas() []storage.DailyUsageDelta {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []storage.DailyUsageDelta
	for k, delta := range t.pending {
		delete(t.pending, k)
		if delta.Requests == 0 {
			continue
		}
		out = append(out, *delta)
	}
	return out
}
