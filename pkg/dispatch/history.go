package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gantry-hq/gantry/pkg/storage"
)

// HistoryWindow is how far back the activity view reaches.
const HistoryWindow = 60 * time.Minute

// History accumulates minute-bucketed request outcomes and persists them
// to the stats store in the background.
type History struct {
	store  storage.StatsStore
	logger *slog.Logger

	mu      sync.Mutex
	pending map[int64]*storage.MinutePoint
}

// NewHistory creates a history recorder over the stats store.
func NewHistory(store storage.StatsStore) *History {
	return &History{
		store:   store,
		logger:  slog.Default().With("component", "dispatch.history"),
		pending: make(map[int64]*storage.MinutePoint),
	}
}

// Record counts one request outcome in the current minute bucket.
func (h *History) Record(success bool) {
	minute := time.Now().UTC().Truncate(time.Minute)

	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pending[minute.Unix()]
	if !ok {
		p = &storage.MinutePoint{Minute: minute}
		h.pending[minute.Unix()] = p
	}
	if success {
		p.Success++
	} else {
		p.Error++
	}
}

// Run persists accumulated buckets every interval until ctx is cancelled,
// with a final flush on the way out.
func (h *History) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.flush(context.Background())
			return
		case <-ticker.C:
			h.flush(ctx)
		}
	}
}

func (h *History) flush(ctx context.Context) {
	h.mu.Lock()
	if len(h.pending) == 0 {
		h.mu.Unlock()
		return
	}
	points := make([]storage.MinutePoint, 0, len(h.pending))
	for _, p := range h.pending {
		points = append(points, *p)
	}
	h.pending = make(map[int64]*storage.MinutePoint)
	h.mu.Unlock()

	flushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := h.store.AddMinuteHistory(flushCtx, points); err != nil {
		h.logger.Error("failed to flush request history",
			"buckets", len(points),
			"error", err,
		)
	}
}

// Window returns the merged persisted and unflushed buckets for the
// activity window, oldest first.
func (h *History) Window(ctx context.Context) ([]storage.MinutePoint, error) {
	since := time.Now().UTC().Add(-HistoryWindow).Truncate(time.Minute)

	persisted, err := h.store.MinuteHistory(ctx, since)
	if err != nil {
		return nil, err
	}

	merged := make(map[int64]storage.MinutePoint, len(persisted))
	for _, p := range persisted {
		merged[p.Minute.Unix()] = p
	}

	h.mu.Lock()
	for minute, p := range h.pending {
		if minute < since.Unix() {
			continue
		}
		row := merged[minute]
		row.Minute = p.Minute
		row.Success += p.Success
		row.Error += p.Error
		merged[minute] = row
	}
	h.mu.Unlock()

	out := make([]storage.MinutePoint, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Minute.Before(out[j].Minute) })
	return out, nil
}
