// Package dispatch runs the request path: select an endpoint, claim an
// admission slot, proxy the request, and fold the outcome back into
// throughput tracking and statistics.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gantry-hq/gantry/pkg/admission"
	"gantry-hq/gantry/pkg/endpoint"
	"gantry-hq/gantry/pkg/registry"
	"gantry-hq/gantry/pkg/routing"
	"gantry-hq/gantry/pkg/telemetry/metrics"
	"gantry-hq/gantry/pkg/tps"
)

// Request is one parsed inference request ready for dispatch.
type Request struct {
	// Model is the requested model ID.
	Model string
	// Capability the endpoint must advertise for the model.
	Capability endpoint.Capability
	// API is the OpenAI surface the request arrived on.
	API endpoint.APIKind
	// Path is the upstream path, e.g. /v1/chat/completions.
	Path string
	// Stream is whether the client asked for a streaming response.
	Stream bool
	// Body is the full request body, re-sent on failover.
	Body []byte
	// Header carries the client headers to forward.
	Header http.Header
}

// Dispatcher orchestrates the request path.
type Dispatcher struct {
	selector *routing.Selector
	gate     *admission.Gate
	registry *registry.Registry
	tracker  *tps.Tracker
	history  *History
	metrics  *metrics.Metrics
	client   *http.Client
	logger   *slog.Logger
}

// New creates a dispatcher. The HTTP client must not set a global timeout;
// streaming responses are bounded by the server's write timeout instead.
// metrics may be nil.
func New(selector *routing.Selector, gate *admission.Gate, reg *registry.Registry, tracker *tps.Tracker, history *History, m *metrics.Metrics, client *http.Client) *Dispatcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{
		selector: selector,
		gate:     gate,
		registry: reg,
		tracker:  tracker,
		history:  history,
		metrics:  m,
		client:   client,
		logger:   slog.Default().With("component", "dispatch"),
	}
}

// Dispatch routes one request. Errors returned before any response bytes
// are written are safe for the caller to translate into an error response:
// routing.ErrModelNotFound, routing.ErrNoneAvailable, admission errors
// wrapped in ErrAllRejected, admission.ErrWaitTimeout, context errors, and
// ErrUpstream.
func (d *Dispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, req *Request) error {
	candidates, err := d.selector.Candidates(req.Model, req.Capability, req.API)
	if err != nil {
		d.rejected(reasonFor(err))
		return err
	}

	ep, ticket, err := d.admit(candidates)
	if err != nil {
		d.rejected("queue_full")
		return err
	}
	// Deferred LIFO: the slot must be released before the final gauge
	// publish, or the in-flight gauge overstates by one.
	defer d.publishGateGauges(ep)
	defer ticket.Release()

	d.selector.MarkSelected(ep.ID)
	d.publishGateGauges(ep)

	if !ticket.Admitted {
		waitStart := time.Now()
		err := ticket.Wait(ctx)
		if d.metrics != nil {
			d.metrics.RecordQueueWait(time.Since(waitStart))
		}
		if err != nil {
			d.rejected(reasonFor(err))
			return err
		}
	}

	outcome := d.forward(ctx, w, ep, req)
	d.record(ctx, ep, req, outcome)

	if outcome.err != nil && !outcome.wroteHeader {
		return outcome.err
	}
	return nil
}

// admit walks the ranked candidates and claims a slot or queue position on
// the first endpoint that accepts. Full or draining endpoints are skipped;
// the request only queues when every candidate is saturated.
func (d *Dispatcher) admit(candidates []*endpoint.Endpoint) (*endpoint.Endpoint, *admission.Ticket, error) {
	// First pass: an immediately free slot anywhere beats queueing on the
	// best-ranked endpoint.
	for _, ep := range candidates {
		ticket, ok, err := d.gate.TryEnter(ep.ID)
		if err != nil {
			continue
		}
		if ok {
			return ep, ticket, nil
		}
	}

	// Second pass: queue on the best-ranked endpoint that has room.
	for _, ep := range candidates {
		ticket, err := d.gate.Enter(ep.ID)
		if err == nil {
			return ep, ticket, nil
		}
		if !errors.Is(err, admission.ErrQueueFull) && !errors.Is(err, admission.ErrDraining) {
			d.logger.Warn("admission failed",
				"endpoint_id", ep.ID,
				"error", err,
			)
		}
	}
	return nil, nil, fmt.Errorf("%w: %d candidates", ErrAllRejected, len(candidates))
}

// record folds a completed dispatch into counters, throughput tracking,
// history, and metrics.
func (d *Dispatcher) record(ctx context.Context, ep *endpoint.Endpoint, req *Request, outcome upstreamOutcome) {
	success := outcome.err == nil && outcome.statusCode >= 200 && outcome.statusCode < 400

	key := tps.Key{EndpointID: ep.ID, ModelID: req.Model, API: req.API}
	if success {
		d.tracker.RecordSuccess(key, outcome.outputTokens, outcome.duration)
	} else {
		d.tracker.RecordFailure(key)
	}

	if err := d.registry.RecordOutcome(ctx, ep.ID, success); err != nil {
		d.logger.Warn("failed to record request outcome",
			"endpoint_id", ep.ID,
			"error", err,
		)
	}
	if d.history != nil {
		d.history.Record(success)
	}
	if d.metrics != nil {
		d.metrics.RecordRequest(ep.Name, req.Model, string(req.API), success, outcome.duration)
		if outcome.outputTokens > 0 {
			d.metrics.RecordOutputTokens(ep.Name, req.Model, outcome.outputTokens)
		}
		if ema, ok := d.tracker.EMA(key); ok {
			d.metrics.SetTPSEstimate(ep.Name, req.Model, string(req.API), ema)
		}
	}

	if outcome.err != nil {
		d.logger.Warn("upstream request failed",
			"endpoint_id", ep.ID,
			"name", ep.Name,
			"model", req.Model,
			"api", req.API,
			"error", outcome.err,
		)
		return
	}
	d.logger.Debug("request dispatched",
		"endpoint_id", ep.ID,
		"name", ep.Name,
		"model", req.Model,
		"api", req.API,
		"status", outcome.statusCode,
		"output_tokens", outcome.outputTokens,
		"duration_ms", outcome.duration.Milliseconds(),
	)
}

func (d *Dispatcher) publishGateGauges(ep *endpoint.Endpoint) {
	if d.metrics == nil {
		return
	}
	d.metrics.SetInFlight(ep.Name, d.gate.InFlight(ep.ID))
	d.metrics.SetQueueDepth(ep.Name, d.gate.QueueDepth(ep.ID))
}

func (d *Dispatcher) rejected(reason string) {
	if d.metrics != nil {
		d.metrics.RecordRejection(reason)
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, routing.ErrModelNotFound):
		return "model_not_found"
	case errors.Is(err, routing.ErrNoneAvailable):
		return "no_endpoint"
	case errors.Is(err, admission.ErrWaitTimeout):
		return "wait_timeout"
	case errors.Is(err, admission.ErrDraining):
		return "draining"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "client_gone"
	default:
		return "other"
	}
}
