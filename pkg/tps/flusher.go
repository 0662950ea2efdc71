package tps

import (
	"context"
	"log/slog"
	"time"

	"gantry-hq/gantry/pkg/storage"
)

// Flusher periodically persists the tracker's accumulated usage deltas to
// the stats store.
type Flusher struct {
	tracker  *Tracker
	store    storage.StatsStore
	interval time.Duration
	logger   *slog.Logger
}

// NewFlusher creates a flusher that writes every interval.
func NewFlusher(tracker *Tracker, store storage.StatsStore, interval time.Duration) *Flusher {
	return &Flusher{
		tracker:  tracker,
		store:    store,
		interval: interval,
		logger:   slog.Default().With("component", "tps.flusher"),
	}
}

// Run flushes on a ticker until ctx is cancelled, then performs a final
// flush so shutdown never drops usage data.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.flush(context.Background())
			return
		case <-ticker.C:
			f.flush(ctx)
		}
	}
}

func (f *Flusher) flush(ctx context.Context) {
	deltas := f.tracker.ConsumeDeltas()
	if len(deltas) == 0 {
		return
	}

	flushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := f.store.AddDailyUsage(flushCtx, deltas); err != nil {
		f.logger.Error("failed to flush usage deltas",
			"deltas", len(deltas),
			"error", err,
		)
		return
	}
	f.logger.Debug("flushed usage deltas", "deltas", len(deltas))
}
