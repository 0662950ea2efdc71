package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"

	"gantry-hq/gantry/pkg/admission"
	"gantry-hq/gantry/pkg/dispatch"
	"gantry-hq/gantry/pkg/endpoint"
	"gantry-hq/gantry/pkg/routing"
)

// maxRequestBody caps inference request bodies.
const maxRequestBody = 32 << 20

// inferenceEnvelope is the part of an inference request the balancer needs;
// everything else passes through untouched.
type inferenceEnvelope struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// handleChatCompletions proxies POST /v1/chat/completions.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.proxyInference(w, r, endpoint.APIChatCompletions, endpoint.CapabilityChat, "/v1/chat/completions")
}

// handleCompletions proxies POST /v1/completions.
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	s.proxyInference(w, r, endpoint.APICompletions, endpoint.CapabilityChat, "/v1/completions")
}

// handleEmbeddings proxies POST /v1/embeddings.
func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	s.proxyInference(w, r, endpoint.APIEmbeddings, endpoint.CapabilityEmbedding, "/v1/embeddings")
}

func (s *Server) proxyInference(w http.ResponseWriter, r *http.Request, kind endpoint.APIKind, cap endpoint.Capability, path string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}

	var envelope inferenceEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
		return
	}
	if envelope.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "missing required field: model")
		return
	}

	req := &dispatch.Request{
		Model:      envelope.Model,
		Capability: cap,
		API:        kind,
		Path:       path,
		Stream:     envelope.Stream,
		Body:       body,
		Header:     r.Header,
	}

	if err := s.dispatcher.Dispatch(r.Context(), w, req); err != nil {
		s.writeDispatchError(w, envelope.Model, err)
	}
}

// writeDispatchError maps dispatch errors onto OpenAI-format responses.
// Nothing has been written to the client yet when this is called.
func (s *Server) writeDispatchError(w http.ResponseWriter, model string, err error) {
	switch {
	case errors.Is(err, routing.ErrModelNotFound):
		writeError(w, http.StatusNotFound, "invalid_request_error",
			"The model `"+model+"` does not exist or is not served by any endpoint")
	case errors.Is(err, routing.ErrNoneAvailable):
		writeError(w, http.StatusServiceUnavailable, "server_error",
			"No endpoint currently serves the model `"+model+"`; try again later")
	case errors.Is(err, dispatch.ErrAllRejected), errors.Is(err, admission.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "rate_limit_error",
			"All endpoints for the model are at capacity; retry shortly")
	case errors.Is(err, admission.ErrDraining):
		writeError(w, http.StatusServiceUnavailable, "server_error",
			"The selected endpoint is draining; try again later")
	case errors.Is(err, admission.ErrWaitTimeout):
		writeError(w, http.StatusGatewayTimeout, "server_error",
			"Timed out waiting for an endpoint slot; try again later")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The client is gone; there is nobody to answer.
	case errors.Is(err, dispatch.ErrUpstream):
		writeError(w, http.StatusBadGateway, "server_error",
			"The upstream endpoint failed to produce a response")
	default:
		writeError(w, http.StatusInternalServerError, "server_error",
			"An internal error occurred. Please try again later.")
	}
}

// handleListModels serves GET /v1/models: the distinct models served by at
// least one online endpoint.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	type seen struct {
		created int64
		ownedBy string
	}
	models := make(map[string]seen)

	for _, ep := range s.registry.ListByStatus(endpoint.StatusOnline) {
		for _, m := range ep.Models {
			if _, ok := models[m.ID]; !ok {
				models[m.ID] = seen{
					created: ep.CreatedAt.Unix(),
					ownedBy: string(ep.Flavor),
				}
			}
		}
	}

	resp := modelListResponse{Object: "list", Data: make([]modelEntry, 0, len(models))}
	for id, info := range models {
		resp.Data = append(resp.Data, modelEntry{
			ID:      id,
			Object:  "model",
			Created: info.created,
			OwnedBy: info.ownedBy,
		})
	}
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].ID < resp.Data[j].ID })

	writeJSON(w, http.StatusOK, resp)
}
