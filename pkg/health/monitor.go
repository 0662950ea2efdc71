// Package health keeps endpoint statuses current.
//
// The monitor probes every non-error endpoint on its configured interval.
// One success brings Pending and Offline endpoints online; a configurable
// run of consecutive failures takes an Online endpoint offline. Probe
// outcomes are recorded to the stats store for operator history.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"gantry-hq/gantry/pkg/endpoint"
	"gantry-hq/gantry/pkg/flavor"
	"gantry-hq/gantry/pkg/registry"
	"gantry-hq/gantry/pkg/storage"
	"gantry-hq/gantry/pkg/telemetry/metrics"
)

// tickInterval is the scheduler resolution. Per-endpoint intervals are
// multiples of roughly this.
const tickInterval = time.Second

// Config controls the monitor.
type Config struct {
	// DefaultInterval applies to endpoints without their own interval.
	DefaultInterval time.Duration

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration

	// FailureThreshold is the number of consecutive failures before an
	// Online endpoint flips to Offline.
	FailureThreshold int
}

// Monitor schedules and applies health probes.
type Monitor struct {
	cfg      Config
	registry *registry.Registry
	stats    storage.StatsStore
	prober   *Prober
	detector *flavor.Detector
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	failures map[uuid.UUID]int
	nextDue  map[uuid.UUID]time.Time
	inProbe  map[uuid.UUID]bool
}

// NewMonitor creates a monitor. The detector may be nil to disable flavor
// detection.
func NewMonitor(cfg Config, reg *registry.Registry, stats storage.StatsStore, prober *Prober, detector *flavor.Detector) *Monitor {
	return &Monitor{
		cfg:      cfg,
		registry: reg,
		stats:    stats,
		prober:   prober,
		detector: detector,
		logger:   slog.Default().With("component", "health.monitor"),
		failures: make(map[uuid.UUID]int),
		nextDue:  make(map[uuid.UUID]time.Time),
		inProbe:  make(map[uuid.UUID]bool),
	}
}

// SetMetrics attaches a metrics sink. Must be called before Run.
func (m *Monitor) SetMetrics(sink *metrics.Metrics) {
	m.metrics = sink
}

// Forget drops tracking state for a removed endpoint. Wired into the
// registry's delete cascade.
func (m *Monitor) Forget(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, id)
	delete(m.nextDue, id)
}

// Run probes all endpoints immediately, then keeps probing each on its
// interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.sweep(ctx, true)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx, false)
		}
	}
}

// sweep starts probes for every endpoint that is due. Probes run in
// parallel; at most one probe per endpoint is in flight at a time.
func (m *Monitor) sweep(ctx context.Context, force bool) {
	now := time.Now()
	for _, ep := range m.registry.List() {
		if ep.Status == endpoint.StatusError {
			continue
		}

		m.mu.Lock()
		if m.inProbe[ep.ID] {
			m.mu.Unlock()
			continue
		}
		due, known := m.nextDue[ep.ID]
		if !force && known && now.Before(due) {
			m.mu.Unlock()
			continue
		}
		m.inProbe[ep.ID] = true
		m.nextDue[ep.ID] = now.Add(m.interval(ep))
		m.mu.Unlock()

		go func(ep *endpoint.Endpoint) {
			defer m.releaseProbe(ep.ID)
			m.probeOne(ctx, ep)
		}(ep)
	}
}

func (m *Monitor) interval(ep *endpoint.Endpoint) time.Duration {
	if ep.CheckInterval > 0 {
		return ep.CheckInterval
	}
	return m.cfg.DefaultInterval
}

// ForceCheck probes one endpoint immediately, bypassing the schedule, and
// returns the recorded outcome. At most one probe runs per endpoint at a
// time; if a scheduled probe is already in flight, ForceCheck waits for it
// to finish before probing.
func (m *Monitor) ForceCheck(ctx context.Context, id uuid.UUID) (endpoint.HealthCheckResult, error) {
	ep, err := m.registry.Get(id)
	if err != nil {
		return endpoint.HealthCheckResult{}, err
	}
	if err := m.claimProbe(ctx, ep.ID); err != nil {
		return endpoint.HealthCheckResult{}, err
	}
	defer m.releaseProbe(ep.ID)

	m.mu.Lock()
	m.nextDue[ep.ID] = time.Now().Add(m.interval(ep))
	m.mu.Unlock()
	return m.probeOne(ctx, ep), nil
}

// claimProbe takes the endpoint's probe slot, polling until any in-flight
// probe finishes or ctx is done.
func (m *Monitor) claimProbe(ctx context.Context, id uuid.UUID) error {
	for {
		m.mu.Lock()
		if !m.inProbe[id] {
			m.inProbe[id] = true
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (m *Monitor) releaseProbe(id uuid.UUID) {
	m.mu.Lock()
	delete(m.inProbe, id)
	m.mu.Unlock()
}

// probeOne runs the full pipeline for one endpoint: probe, apply the
// outcome to the registry, decide the status transition, record history.
func (m *Monitor) probeOne(ctx context.Context, ep *endpoint.Endpoint) endpoint.HealthCheckResult {
	res := m.prober.Probe(ctx, ep.BaseURL, ep.APIKey)

	result := endpoint.HealthCheckResult{
		EndpointID:   ep.ID,
		CheckedAt:    time.Now().UTC(),
		Success:      res.Success,
		LatencyMS:    res.Latency.Milliseconds(),
		Error:        res.Err,
		StatusBefore: ep.Status,
		StatusAfter:  ep.Status,
	}

	if err := m.registry.ApplyProbe(ctx, ep.ID, res.Success, res.Latency, res.Err); err != nil {
		m.logger.Warn("failed to record probe outcome",
			"endpoint_id", ep.ID,
			"error", err,
		)
	}

	if res.Success {
		result.StatusAfter = m.handleSuccess(ctx, ep, res)
	} else {
		result.StatusAfter = m.handleFailure(ctx, ep)
	}

	if m.metrics != nil {
		m.metrics.SetEndpointUp(ep.Name, result.StatusAfter == endpoint.StatusOnline)
		if res.Success {
			m.metrics.RecordProbeLatency(ep.Name, res.Latency)
		}
	}

	if m.stats != nil {
		if err := m.stats.RecordHealthCheck(ctx, result); err != nil {
			m.logger.Warn("failed to record health check history",
				"endpoint_id", ep.ID,
				"error", err,
			)
		}
	}
	return result
}

func (m *Monitor) handleSuccess(ctx context.Context, ep *endpoint.Endpoint, res ProbeResult) endpoint.Status {
	m.mu.Lock()
	m.failures[ep.ID] = 0
	m.mu.Unlock()

	after := ep.Status
	if ep.Status == endpoint.StatusPending || ep.Status == endpoint.StatusOffline {
		if err := m.registry.SetStatus(ctx, ep.ID, endpoint.StatusOnline); err != nil {
			m.logger.Warn("failed to bring endpoint online",
				"endpoint_id", ep.ID,
				"error", err,
			)
		} else {
			after = endpoint.StatusOnline
			m.logger.Info("endpoint online",
				"endpoint_id", ep.ID,
				"name", ep.Name,
				"previous", ep.Status,
			)
		}
	}

	if len(res.ModelIDs) > 0 {
		if err := m.registry.UpdateModels(ctx, ep.ID, mergeModels(ep.Models, res.ModelIDs)); err != nil {
			m.logger.Warn("failed to update model list",
				"endpoint_id", ep.ID,
				"error", err,
			)
		}
	}

	if m.detector != nil && after == endpoint.StatusOnline && ep.Flavor == endpoint.FlavorUnknown {
		go m.detectFlavor(ctx, ep)
	}
	return after
}

func (m *Monitor) handleFailure(ctx context.Context, ep *endpoint.Endpoint) endpoint.Status {
	m.mu.Lock()
	m.failures[ep.ID]++
	consecutive := m.failures[ep.ID]
	m.mu.Unlock()

	// Pending endpoints stay pending until their first success; only
	// Online endpoints go offline.
	if ep.Status != endpoint.StatusOnline || consecutive < m.cfg.FailureThreshold {
		return ep.Status
	}

	if err := m.registry.SetStatus(ctx, ep.ID, endpoint.StatusOffline); err != nil {
		m.logger.Warn("failed to take endpoint offline",
			"endpoint_id", ep.ID,
			"error", err,
		)
		return ep.Status
	}
	m.logger.Warn("endpoint offline",
		"endpoint_id", ep.ID,
		"name", ep.Name,
		"consecutive_failures", consecutive,
	)
	return endpoint.StatusOffline
}

// detectFlavor classifies the endpoint off the probe path and records the
// outcome. Unknown results are not recorded so detection retries on the
// next online transition.
func (m *Monitor) detectFlavor(ctx context.Context, ep *endpoint.Endpoint) {
	res := m.detector.Detect(ctx, ep.BaseURL, ep.APIKey)
	if res.Flavor == endpoint.FlavorUnknown {
		return
	}
	if err := m.registry.SetFlavor(ctx, ep.ID, res.Flavor, res.Reason); err != nil {
		m.logger.Warn("failed to record flavor",
			"endpoint_id", ep.ID,
			"error", err,
		)
		return
	}
	m.logger.Info("flavor detected",
		"endpoint_id", ep.ID,
		"name", ep.Name,
		"flavor", res.Flavor,
		"reason", res.Reason,
	)
}

// mergeModels combines discovered model IDs with existing records,
// preserving capability tags for models already known. Newly discovered
// models default to the chat capability.
func mergeModels(existing []endpoint.Model, discovered []string) []endpoint.Model {
	known := make(map[string]endpoint.Model, len(existing))
	for _, m := range existing {
		known[m.ID] = m
	}

	out := make([]endpoint.Model, 0, len(discovered))
	for _, id := range discovered {
		if m, ok := known[id]; ok {
			out = append(out, m)
			continue
		}
		out = append(out, endpoint.Model{
			ID:           id,
			Capabilities: []endpoint.Capability{endpoint.CapabilityChat},
		})
	}
	return out
}
