package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"gantry-hq/gantry/pkg/endpoint"
	"gantry-hq/gantry/pkg/registry"
	"gantry-hq/gantry/pkg/storage"
)

// endpointView is an endpoint record decorated with live runtime state.
type endpointView struct {
	*endpoint.Endpoint
	InFlight   int                `json:"in_flight"`
	QueueDepth int                `json:"queue_depth"`
	TPS        map[string]float64 `json:"tps,omitempty"`
}

func (s *Server) endpointView(ep *endpoint.Endpoint) endpointView {
	view := endpointView{
		Endpoint:   ep,
		InFlight:   s.gate.InFlight(ep.ID),
		QueueDepth: s.gate.QueueDepth(ep.ID),
	}
	for key, ema := range s.tracker.Snapshot() {
		if key.EndpointID != ep.ID {
			continue
		}
		if view.TPS == nil {
			view.TPS = make(map[string]float64)
		}
		view.TPS[key.ModelID+"/"+string(key.API)] = ema
	}
	return view
}

// pathID extracts the endpoint UUID from the request path.
func pathID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	return id, err == nil
}

// handleListEndpoints serves GET /admin/endpoints. Optional query
// parameters status, flavor, and model narrow the result.
func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	var (
		status = endpoint.Status(r.URL.Query().Get("status"))
		flav   = endpoint.Flavor(r.URL.Query().Get("flavor"))
		model  = r.URL.Query().Get("model")
	)
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "unknown status filter")
		return
	}

	endpoints := s.registry.List()
	views := make([]endpointView, 0, len(endpoints))
	for _, ep := range endpoints {
		if status != "" && ep.Status != status {
			continue
		}
		if flav != "" && ep.Flavor != flav {
			continue
		}
		if model != "" {
			if _, ok := ep.Model(model); !ok {
				continue
			}
		}
		views = append(views, s.endpointView(ep))
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": views})
}

// registerRequest is the POST /admin/endpoints body.
type registerRequest struct {
	Name           string           `json:"name"`
	BaseURL        string           `json:"base_url"`
	APIKey         string           `json:"api_key"`
	Flavor         string           `json:"flavor"`
	MaxConcurrency int              `json:"max_concurrency"`
	CheckInterval  string           `json:"check_interval"`
	Models         []endpoint.Model `json:"models"`
}

// handleRegisterEndpoint serves POST /admin/endpoints.
func (s *Server) handleRegisterEndpoint(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
		return
	}

	var interval time.Duration
	if req.CheckInterval != "" {
		var err error
		interval, err = time.ParseDuration(req.CheckInterval)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", "check_interval is not a valid duration")
			return
		}
	}

	ep, err := s.registry.Add(r.Context(), registry.AddParams{
		Name:           req.Name,
		BaseURL:        req.BaseURL,
		APIKey:         req.APIKey,
		Flavor:         endpoint.Flavor(req.Flavor),
		MaxConcurrency: req.MaxConcurrency,
		CheckInterval:  interval,
		Models:         req.Models,
	})
	if err != nil {
		if errors.Is(err, registry.ErrDuplicateName) {
			writeError(w, http.StatusConflict, "invalid_request_error", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	// Probe right away so a healthy endpoint is routable without waiting
	// for the next sweep.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.monitor.ForceCheck(ctx, ep.ID)
	}()

	writeJSON(w, http.StatusCreated, s.endpointView(ep))
}

// handleGetEndpoint serves GET /admin/endpoints/{id}.
func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid endpoint id")
		return
	}
	ep, err := s.registry.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "invalid_request_error", "endpoint not found")
		return
	}
	writeJSON(w, http.StatusOK, s.endpointView(ep))
}

// handleDeleteEndpoint serves DELETE /admin/endpoints/{id}.
func (s *Server) handleDeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid endpoint id")
		return
	}
	if err := s.registry.Delete(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "invalid_request_error", "endpoint not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleResetEndpoint serves POST /admin/endpoints/{id}/reset: the explicit
// way out of the error status.
func (s *Server) handleResetEndpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid endpoint id")
		return
	}
	if err := s.registry.ResetError(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			writeError(w, http.StatusNotFound, "invalid_request_error", "endpoint not found")
		case errors.Is(err, registry.ErrInvalidTransition):
			writeError(w, http.StatusConflict, "invalid_request_error", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		}
		return
	}
	ep, _ := s.registry.Get(id)
	writeJSON(w, http.StatusOK, s.endpointView(ep))
}

// handleCheckEndpoint serves POST /admin/endpoints/{id}/check: an immediate
// out-of-schedule probe.
func (s *Server) handleCheckEndpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid endpoint id")
		return
	}
	result, err := s.monitor.ForceCheck(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "invalid_request_error", "endpoint not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// drainResponse is the POST /admin/endpoints/{id}/drain result.
type drainResponse struct {
	Drained bool   `json:"drained"`
	Waited  string `json:"waited"`
	Note    string `json:"note,omitempty"`
}

// handleDrainEndpoint serves POST /admin/endpoints/{id}/drain. New requests
// are rejected and queued ones evicted while in-flight work completes, up
// to the drain timeout. Admission always reopens afterwards so a slow drain
// cannot wedge the endpoint.
func (s *Server) handleDrainEndpoint(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid endpoint id")
		return
	}
	if _, err := s.registry.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "invalid_request_error", "endpoint not found")
		return
	}

	if err := s.gate.BeginDrain(id); err != nil {
		writeError(w, http.StatusConflict, "server_error", err.Error())
		return
	}
	defer s.gate.EndDrain(id)

	start := time.Now()
	waitCtx, cancel := context.WithTimeout(r.Context(), s.drainTimeout)
	defer cancel()

	resp := drainResponse{Drained: true}
	if err := s.gate.WaitForIdle(waitCtx, id); err != nil {
		resp.Drained = false
		resp.Note = "timed out waiting for in-flight requests; admission reopened anyway"
	}
	resp.Waited = time.Since(start).Round(time.Millisecond).String()

	writeJSON(w, http.StatusOK, resp)
}

// concurrencyRequest is the PUT /admin/endpoints/{id}/concurrency body.
type concurrencyRequest struct {
	MaxConcurrency int `json:"max_concurrency"`
}

// handleSetConcurrency serves PUT /admin/endpoints/{id}/concurrency.
func (s *Server) handleSetConcurrency(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid endpoint id")
		return
	}
	var req concurrencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
		return
	}
	if err := s.registry.SetMaxConcurrency(r.Context(), id, req.MaxConcurrency); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeError(w, http.StatusNotFound, "invalid_request_error", "endpoint not found")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	ep, _ := s.registry.Get(id)
	writeJSON(w, http.StatusOK, s.endpointView(ep))
}

// handleEndpointHealth serves GET /admin/endpoints/{id}/health: recent
// probe outcomes, newest first.
func (s *Server) handleEndpointHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid endpoint id")
		return
	}
	if _, err := s.registry.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "invalid_request_error", "endpoint not found")
		return
	}
	history, err := s.stats.HealthHistory(r.Context(), id, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if history == nil {
		history = []endpoint.HealthCheckResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"checks": history})
}

// summaryResponse is the GET /admin/summary body.
type summaryResponse struct {
	Endpoints struct {
		Total   int `json:"total"`
		Online  int `json:"online"`
		Offline int `json:"offline"`
		Pending int `json:"pending"`
		Error   int `json:"error"`
	} `json:"endpoints"`
	Requests struct {
		Total      uint64 `json:"total"`
		Successful uint64 `json:"successful"`
		Failed     uint64 `json:"failed"`
	} `json:"requests"`
	Models []string `json:"models"`
}

// handleSummary serves GET /admin/summary.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	var resp summaryResponse
	modelSet := make(map[string]struct{})

	for _, ep := range s.registry.List() {
		resp.Endpoints.Total++
		switch ep.Status {
		case endpoint.StatusOnline:
			resp.Endpoints.Online++
		case endpoint.StatusOffline:
			resp.Endpoints.Offline++
		case endpoint.StatusPending:
			resp.Endpoints.Pending++
		case endpoint.StatusError:
			resp.Endpoints.Error++
		}
		resp.Requests.Total += ep.Counters.Total
		resp.Requests.Successful += ep.Counters.Successful
		resp.Requests.Failed += ep.Counters.Failed
		for _, m := range ep.Models {
			modelSet[m.ID] = struct{}{}
		}
	}

	resp.Models = make([]string, 0, len(modelSet))
	for id := range modelSet {
		resp.Models = append(resp.Models, id)
	}
	sort.Strings(resp.Models)

	writeJSON(w, http.StatusOK, resp)
}

// handleHistory serves GET /admin/history: the last hour of per-minute
// request outcomes.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	window, err := s.history.Window(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if window == nil {
		window = []storage.MinutePoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"minutes": window})
}
