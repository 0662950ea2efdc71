package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"gantry-hq/gantry/pkg/admission"
	"gantry-hq/gantry/pkg/endpoint"
	"gantry-hq/gantry/pkg/registry"
	"gantry-hq/gantry/pkg/routing"
	"gantry-hq/gantry/pkg/storage"
	"gantry-hq/gantry/pkg/telemetry/metrics"
	"gantry-hq/gantry/pkg/tps"
)

const testModel = "llama3:8b"

type harness struct {
	reg        *registry.Registry
	gate       *admission.Gate
	tracker    *tps.Tracker
	history    *History
	dispatcher *Dispatcher
}

func newHarness(t *testing.T, maxQueue int) *harness {
	t.Helper()
	reg := registry.New(storage.NewMemoryEndpointStore(), time.Second)
	gate := admission.NewGate(admission.Config{MaxQueue: maxQueue, WaitTimeout: 2 * time.Second})
	tracker := tps.NewTracker(0.2)
	history := NewHistory(storage.NewMemoryStatsStore())
	selector := routing.NewSelector(reg, tracker)

	// Mirror the wiring in the server: the gate tracks registry limits.
	reg.OnUpsert(func(ep *endpoint.Endpoint) { gate.SetLimit(ep.ID, ep.MaxConcurrency) })
	reg.OnDelete(func(id uuid.UUID) { gate.Remove(id) })

	return &harness{
		reg:        reg,
		gate:       gate,
		tracker:    tracker,
		history:    history,
		dispatcher: New(selector, gate, reg, tracker, history, nil, nil),
	}
}

func (h *harness) addOnline(t *testing.T, name, baseURL string, concurrency int) *endpoint.Endpoint {
	t.Helper()
	ctx := context.Background()
	ep, err := h.reg.Add(ctx, registry.AddParams{
		Name:           name,
		BaseURL:        baseURL,
		MaxConcurrency: concurrency,
		Models: []endpoint.Model{
			{ID: testModel, Capabilities: []endpoint.Capability{endpoint.CapabilityChat}},
		},
	})
	if err != nil {
		t.Fatalf("Add(%q) error: %v", name, err)
	}
	if err := h.reg.SetStatus(ctx, ep.ID, endpoint.StatusOnline); err != nil {
		t.Fatalf("SetStatus(%q) error: %v", name, err)
	}
	return ep
}

func chatRequest(body string) *Request {
	return &Request{
		Model:      testModel,
		Capability: endpoint.CapabilityChat,
		API:        endpoint.APIChatCompletions,
		Path:       "/v1/chat/completions",
		Body:       []byte(body),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestDispatcher_ProxiesAndTracksUsage(t *testing.T) {
	var gotPath, gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp-1","choices":[{"message":{"content":"hi"}}],` +
			`"usage":{"prompt_tokens":10,"completion_tokens":100,"total_tokens":110}}`))
	}))
	defer upstream.Close()

	h := newHarness(t, 10)
	ctx := context.Background()
	ep, err := h.reg.Add(ctx, registry.AddParams{
		Name:           "local",
		BaseURL:        upstream.URL,
		APIKey:         "ep-secret",
		MaxConcurrency: 2,
		Models: []endpoint.Model{
			{ID: testModel, Capabilities: []endpoint.Capability{endpoint.CapabilityChat}},
		},
	})
	if err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if err := h.reg.SetStatus(ctx, ep.ID, endpoint.StatusOnline); err != nil {
		t.Fatalf("SetStatus() error: %v", err)
	}

	rec := httptest.NewRecorder()
	if err := h.dispatcher.Dispatch(ctx, rec, chatRequest(`{"model":"llama3:8b"}`)); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	if gotPath != "/v1/chat/completions" {
		t.Errorf("upstream path = %q, want /v1/chat/completions", gotPath)
	}
	if gotAuth != "Bearer ep-secret" {
		t.Errorf("upstream Authorization = %q, want the endpoint's key", gotAuth)
	}
	if !strings.Contains(rec.Body.String(), `"resp-1"`) {
		t.Errorf("response body not relayed: %s", rec.Body.String())
	}

	// Usage fed throughput tracking.
	key := tps.Key{EndpointID: ep.ID, ModelID: testModel, API: endpoint.APIChatCompletions}
	if _, ok := h.tracker.EMA(key); !ok {
		t.Error("throughput series not updated")
	}

	// Counters and slot accounting settled.
	got, _ := h.reg.Get(ep.ID)
	if got.Counters.Total != 1 || got.Counters.Successful != 1 {
		t.Errorf("Counters = %+v, want one success", got.Counters)
	}
	if h.gate.InFlight(ep.ID) != 0 {
		t.Errorf("InFlight() after dispatch = %d, want 0", h.gate.InFlight(ep.ID))
	}
}

func TestDispatcher_StreamingUsageFromFinalChunk(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"he\"}}]}\n\n"))
		w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"llo\"}}]}\n\n"))
		w.Write([]byte("data: {\"choices\":[],\"usage\":{\"prompt_tokens\":5,\"completion_tokens\":40,\"total_tokens\":45}}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer upstream.Close()

	h := newHarness(t, 10)
	ep := h.addOnline(t, "local", upstream.URL, 2)

	req := chatRequest(`{"model":"llama3:8b","stream":true}`)
	req.Stream = true

	rec := httptest.NewRecorder()
	if err := h.dispatcher.Dispatch(context.Background(), rec, req); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	if !strings.Contains(rec.Body.String(), "data: [DONE]") {
		t.Errorf("stream not relayed to completion: %s", rec.Body.String())
	}
	key := tps.Key{EndpointID: ep.ID, ModelID: testModel, API: endpoint.APIChatCompletions}
	if _, ok := h.tracker.EMA(key); !ok {
		t.Error("streaming usage did not update the throughput series")
	}
}

func TestDispatcher_ModelNotFound(t *testing.T) {
	h := newHarness(t, 10)

	rec := httptest.NewRecorder()
	err := h.dispatcher.Dispatch(context.Background(), rec, chatRequest(`{}`))
	if !errors.Is(err, routing.ErrModelNotFound) {
		t.Errorf("Dispatch() error = %v, want ErrModelNotFound", err)
	}
}

func TestDispatcher_AllRejectedWhenQueueFull(t *testing.T) {
	h := newHarness(t, 0)
	ep := h.addOnline(t, "local", "http://10.255.255.1:1", 1)

	// Occupy the only slot.
	ticket, err := h.gate.Enter(ep.ID)
	if err != nil {
		t.Fatalf("Enter() error: %v", err)
	}
	defer ticket.Release()

	rec := httptest.NewRecorder()
	err = h.dispatcher.Dispatch(context.Background(), rec, chatRequest(`{}`))
	if !errors.Is(err, ErrAllRejected) {
		t.Errorf("Dispatch() error = %v, want ErrAllRejected", err)
	}
}

func TestDispatcher_FailsOverPastDrainingEndpoint(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"ok","usage":{"completion_tokens":10,"total_tokens":15}}`))
	}))
	defer upstream.Close()

	h := newHarness(t, 10)
	draining := h.addOnline(t, "draining", "http://10.255.255.1:1", 1)
	backup := h.addOnline(t, "backup", upstream.URL, 1)

	if err := h.gate.BeginDrain(draining.ID); err != nil {
		t.Fatalf("BeginDrain() error: %v", err)
	}

	rec := httptest.NewRecorder()
	if err := h.dispatcher.Dispatch(context.Background(), rec, chatRequest(`{}`)); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	got, _ := h.reg.Get(backup.ID)
	if got.Counters.Successful != 1 {
		t.Errorf("backup Counters = %+v, want the request to land there", got.Counters)
	}
}

func TestDispatcher_UpstreamDownCountsFailure(t *testing.T) {
	h := newHarness(t, 10)
	// Nothing listens here; the connection fails fast.
	ep := h.addOnline(t, "dead", "http://127.0.0.1:1", 1)

	rec := httptest.NewRecorder()
	err := h.dispatcher.Dispatch(context.Background(), rec, chatRequest(`{}`))
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("Dispatch() error = %v, want ErrUpstream", err)
	}

	got, _ := h.reg.Get(ep.ID)
	if got.Counters.Failed != 1 {
		t.Errorf("Counters = %+v, want one failure", got.Counters)
	}
	if h.gate.InFlight(ep.ID) != 0 {
		t.Errorf("InFlight() after failure = %d, want 0", h.gate.InFlight(ep.ID))
	}
}

func TestDispatcher_GaugesSettleAfterDispatch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"ok","usage":{"completion_tokens":10,"total_tokens":15}}`))
	}))
	defer upstream.Close()

	h := newHarness(t, 10)
	h.dispatcher.metrics = metrics.New()
	h.addOnline(t, "local", upstream.URL, 2)

	rec := httptest.NewRecorder()
	if err := h.dispatcher.Dispatch(context.Background(), rec, chatRequest(`{}`)); err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	// The slot is released before the final gauge publish, so a completed
	// dispatch leaves both gauges at zero.
	if got := gaugeValue(t, "gantry_endpoint_in_flight", "local"); got != 0 {
		t.Errorf("in-flight gauge after dispatch = %v, want 0", got)
	}
	if got := gaugeValue(t, "gantry_endpoint_queue_depth", "local"); got != 0 {
		t.Errorf("queue depth gauge after dispatch = %v, want 0", got)
	}
}

// gaugeValue reads one per-endpoint gauge from the default registry.
func gaugeValue(t *testing.T, name, ep string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "endpoint" && l.GetValue() == ep {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("gauge %s{endpoint=%q} not found", name, ep)
	return 0
}

func TestHistory_RecordAndWindow(t *testing.T) {
	store := storage.NewMemoryStatsStore()
	h := NewHistory(store)
	ctx := context.Background()

	h.Record(true)
	h.Record(true)
	h.Record(false)

	// Unflushed buckets are visible.
	window, err := h.Window(ctx)
	if err != nil {
		t.Fatalf("Window() error: %v", err)
	}
	if len(window) != 1 || window[0].Success != 2 || window[0].Error != 1 {
		t.Fatalf("Window() = %+v, want one bucket {2, 1}", window)
	}

	// After a flush the same data comes from the store, not double-counted.
	h.flush(ctx)
	window, err = h.Window(ctx)
	if err != nil {
		t.Fatalf("Window() after flush error: %v", err)
	}
	if len(window) != 1 || window[0].Success != 2 || window[0].Error != 1 {
		t.Errorf("Window() after flush = %+v, want one bucket {2, 1}", window)
	}
}

func TestUsage_OutputTokens(t *testing.T) {
	tests := []struct {
		name string
		u    usage
		kind endpoint.APIKind
		want uint64
	}{
		{"chat uses completion tokens", usage{PromptTokens: 10, CompletionTokens: 100, TotalTokens: 110}, endpoint.APIChatCompletions, 100},
		{"completions uses completion tokens", usage{CompletionTokens: 7}, endpoint.APICompletions, 7},
		{"embeddings uses total", usage{PromptTokens: 50, TotalTokens: 50}, endpoint.APIEmbeddings, 50},
		{"embeddings falls back to prompt", usage{PromptTokens: 30}, endpoint.APIEmbeddings, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.u.outputTokens(tt.kind); got != tt.want {
				t.Errorf("outputTokens() = %d, want %d", got, tt.want)
			}
		})
	}
}
