package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionConfig controls scheduled pruning of the stats store.
type RetentionConfig struct {
	// RetentionDays is how long history is kept. Zero disables pruning.
	RetentionDays int

	// Schedule is a standard cron expression, e.g. "0 3 * * *" for daily
	// at 3 AM.
	Schedule string
}

// Retention prunes old rows from the stats store on a cron schedule.
type Retention struct {
	store   StatsStore
	config  RetentionConfig
	cron    *cron.Cron
	mu      sync.Mutex
	logger  *slog.Logger
	running bool
}

// NewRetention creates a retention scheduler for the given stats store.
func NewRetention(store StatsStore, config RetentionConfig) *Retention {
	return &Retention{
		store:  store,
		config: config,
		cron:   cron.New(),
		logger: slog.Default().With("component", "storage.retention"),
	}
}

// Start begins scheduled pruning. It is a no-op when retention is disabled.
func (r *Retention) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("retention scheduler already running")
	}
	if r.config.RetentionDays <= 0 || r.config.Schedule == "" {
		r.logger.Info("retention not configured, skipping scheduler")
		return nil
	}

	if _, err := cron.ParseStandard(r.config.Schedule); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", r.config.Schedule, err)
	}

	_, err := r.cron.AddFunc(r.config.Schedule, func() {
		r.runPruning(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule pruning: %w", err)
	}

	r.cron.Start()
	r.running = true

	r.logger.Info("retention scheduler started",
		"schedule", r.config.Schedule,
		"retention_days", r.config.RetentionDays,
	)
	return nil
}

// Stop stops the scheduler and waits for a running prune to finish.
func (r *Retention) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron != nil && r.running {
		ctx := r.cron.Stop()
		<-ctx.Done()
		r.running = false
		r.logger.Info("retention scheduler stopped")
	}
}

// RunOnce prunes immediately, outside the schedule.
func (r *Retention) RunOnce(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -r.config.RetentionDays)
	return r.store.Prune(ctx, cutoff)
}

func (r *Retention) runPruning(ctx context.Context) {
	start := time.Now()
	deleted, err := r.RunOnce(ctx)
	if err != nil {
		r.logger.Error("scheduled pruning failed", "error", err)
		return
	}
	r.logger.Info("scheduled pruning completed",
		"deleted", deleted,
		"duration", time.Since(start),
	)
}
