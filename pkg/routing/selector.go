// Package routing picks the endpoint a request is dispatched to.
//
// Selection filters strictly by model and capability, admits only Online
// endpoints, and ranks by estimated throughput: highest tokens-per-second
// first. Endpoints without throughput data rank at the median of the known
// estimates so fresh endpoints are neither favored nor starved. Ties break
// by probe latency, then by least-recent selection so equal endpoints share
// load round-robin.
package routing

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"gantry-hq/gantry/pkg/endpoint"
	"gantry-hq/gantry/pkg/registry"
	"gantry-hq/gantry/pkg/tps"
)

// Selector ranks candidate endpoints for dispatch.
type Selector struct {
	registry *registry.Registry
	tracker  *tps.Tracker

	mu sync.Mutex
	// lastPicked orders round-robin rotation; lower means longer ago.
	lastPicked map[uuid.UUID]uint64
	clock      uint64
}

// NewSelector creates a selector over the registry and throughput tracker.
func NewSelector(reg *registry.Registry, tracker *tps.Tracker) *Selector {
	return &Selector{
		registry:   reg,
		tracker:    tracker,
		lastPicked: make(map[uuid.UUID]uint64),
	}
}

// Forget drops rotation state for a removed endpoint.
func (s *Selector) Forget(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastPicked, id)
}

// Candidates returns the ranked endpoints able to serve the request, best
// first. ErrModelNotFound means nothing serves the model at all;
// ErrNoneAvailable means it is served but nothing is online.
func (s *Selector) Candidates(modelID string, cap endpoint.Capability, kind endpoint.APIKind) ([]*endpoint.Endpoint, error) {
	all := s.registry.List()

	served := false
	var candidates []*endpoint.Endpoint
	for _, ep := range all {
		if !ep.ServesModel(modelID, cap) {
			continue
		}
		served = true
		if ep.Status != endpoint.StatusOnline {
			continue
		}
		candidates = append(candidates, ep)
	}
	if len(candidates) == 0 {
		if !served {
			return nil, ErrModelNotFound
		}
		return nil, ErrNoneAvailable
	}

	scores := s.scores(candidates, modelID, kind)

	s.mu.Lock()
	picked := make(map[uuid.UUID]uint64, len(candidates))
	for _, ep := range candidates {
		picked[ep.ID] = s.lastPicked[ep.ID]
	}
	s.mu.Unlock()

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if scores[a.ID] != scores[b.ID] {
			return scores[a.ID] > scores[b.ID]
		}
		la, lb := latencyOf(a), latencyOf(b)
		if la != lb {
			return la < lb
		}
		return picked[a.ID] < picked[b.ID]
	})
	return candidates, nil
}

// Select returns the best endpoint for the request and rotates it to the
// back of the round-robin order.
func (s *Selector) Select(modelID string, cap endpoint.Capability, kind endpoint.APIKind) (*endpoint.Endpoint, error) {
	candidates, err := s.Candidates(modelID, cap, kind)
	if err != nil {
		return nil, err
	}
	best := candidates[0]
	s.MarkSelected(best.ID)
	return best, nil
}

// MarkSelected records that an endpoint received a request, moving it to
// the back of the rotation. The dispatcher calls this for the candidate it
// actually uses, which may not be the first when failing over.
func (s *Selector) MarkSelected(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock++
	s.lastPicked[id] = s.clock
}

// scores maps each candidate to its throughput estimate for the requested
// series. Candidates without data get the median of the known estimates; if
// nothing has data everyone scores zero and ranking falls through to the
// tie-breakers.
func (s *Selector) scores(candidates []*endpoint.Endpoint, modelID string, kind endpoint.APIKind) map[uuid.UUID]float64 {
	scores := make(map[uuid.UUID]float64, len(candidates))
	var known []float64
	var unknown []uuid.UUID

	for _, ep := range candidates {
		key := tps.Key{EndpointID: ep.ID, ModelID: modelID, API: kind}
		if ema, ok := s.tracker.EMA(key); ok {
			scores[ep.ID] = ema
			known = append(known, ema)
		} else {
			unknown = append(unknown, ep.ID)
		}
	}

	neutral := median(known)
	for _, id := range unknown {
		scores[id] = neutral
	}
	return scores
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// latencyOf returns the endpoint's probe latency for tie-breaking.
// Endpoints that never had a successful probe sort last.
func latencyOf(ep *endpoint.Endpoint) int64 {
	if ep.LatencyMS == nil {
		return int64(^uint64(0) >> 1)
	}
	return *ep.LatencyMS
}
