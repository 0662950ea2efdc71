package endpoint

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an endpoint.
//
// Valid transitions:
//
//	Pending -> Online   (first successful probe)
//	Online  -> Offline  (probe failure threshold reached)
//	Offline -> Online   (successful probe, automatic recovery)
//	any     -> Error    (explicit admin action or fatal misconfiguration)
//	Error   -> Pending  (explicit admin reset only)
type Status string

const (
	// StatusPending is the initial state before the first successful probe.
	StatusPending Status = "pending"
	// StatusOnline means the endpoint is reachable and routable.
	StatusOnline Status = "online"
	// StatusOffline means the endpoint failed enough consecutive probes.
	StatusOffline Status = "offline"
	// StatusError is a terminal state until an explicit admin reset.
	StatusError Status = "error"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusOnline, StatusOffline, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether the status state machine permits moving
// from s to next. Same-state transitions are permitted (idempotent updates).
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	if next == StatusError {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusOnline
	case StatusOnline:
		return next == StatusOffline
	case StatusOffline:
		return next == StatusOnline
	case StatusError:
		return next == StatusPending
	}
	return false
}

// Flavor identifies the inference stack behind an endpoint. It is detected
// opportunistically from response shapes and is informational: routing never
// depends on it.
type Flavor string

const (
	FlavorXLLM             Flavor = "xllm"
	FlavorOllama           Flavor = "ollama"
	FlavorVLLM             Flavor = "vllm"
	FlavorOpenAICompatible Flavor = "openai_compatible"
	FlavorUnknown          Flavor = "unknown"
)

// Capability is a per-model capability tag. Routing filters strictly on
// capabilities: an endpoint that does not advertise the requested capability
// for the requested model is never selected.
type Capability string

const (
	CapabilityChat               Capability = "chat"
	CapabilityEmbedding          Capability = "embedding"
	CapabilityVision             Capability = "vision"
	CapabilityAudioTranscription Capability = "audio_transcription"
	CapabilityAudioSpeech        Capability = "audio_speech"
	CapabilityImageGeneration    Capability = "image_generation"
)

// APIKind is the OpenAI-style API surface a request arrived on. TPS is
// tracked separately per kind because streaming chat and batch embeddings
// have very different token throughput profiles.
type APIKind string

const (
	APIChatCompletions APIKind = "chat_completions"
	APICompletions     APIKind = "completions"
	APIEmbeddings      APIKind = "embeddings"
)

// Model describes one model served by an endpoint together with its
// capability tags.
type Model struct {
	ID           string       `json:"id" yaml:"id"`
	Capabilities []Capability `json:"capabilities" yaml:"capabilities"`
}

// HasCapability reports whether the model advertises the given capability.
func (m Model) HasCapability(cap Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Counters holds cumulative request statistics for an endpoint.
type Counters struct {
	Total      uint64 `json:"total"`
	Successful uint64 `json:"successful"`
	Failed     uint64 `json:"failed"`
}

// Endpoint is a registered inference-serving target.
//
// LatencyMS is sticky: only a successful probe overwrites it; a failed probe
// never clears it. Status moves only through the registry's API.
type Endpoint struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	BaseURL string    `json:"base_url"`
	APIKey  string    `json:"-"`

	Flavor           Flavor     `json:"flavor"`
	FlavorReason     string     `json:"flavor_reason,omitempty"`
	FlavorDetectedAt *time.Time `json:"flavor_detected_at,omitempty"`

	Status Status `json:"status"`
	// Degraded marks an endpoint whose latest durable write has not yet
	// been accepted by storage. The in-memory record still reflects the
	// last committed state.
	Degraded bool `json:"degraded,omitempty"`

	// LatencyMS is the probe latency in milliseconds, nil until the first
	// successful probe.
	LatencyMS *int64 `json:"latency_ms,omitempty"`

	Models   []Model  `json:"models"`
	Counters Counters `json:"counters"`

	// MaxConcurrency is the admission limit for in-flight requests.
	MaxConcurrency int `json:"max_concurrency"`
	// CheckInterval is how often the health monitor probes this endpoint.
	CheckInterval time.Duration `json:"check_interval"`

	CreatedAt     time.Time  `json:"created_at"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// ServesModel reports whether the endpoint advertises modelID with the
// given capability.
func (e *Endpoint) ServesModel(modelID string, cap Capability) bool {
	for _, m := range e.Models {
		if m.ID == modelID && m.HasCapability(cap) {
			return true
		}
	}
	return false
}

// Model returns the served model with the given ID, if any.
func (e *Endpoint) Model(modelID string) (Model, bool) {
	for _, m := range e.Models {
		if m.ID == modelID {
			return m, true
		}
	}
	return Model{}, false
}

// Clone returns a deep copy of the endpoint. The registry hands out clones
// so callers can never mutate the canonical record.
func (e *Endpoint) Clone() *Endpoint {
	cp := *e
	if e.LatencyMS != nil {
		v := *e.LatencyMS
		cp.LatencyMS = &v
	}
	if e.FlavorDetectedAt != nil {
		t := *e.FlavorDetectedAt
		cp.FlavorDetectedAt = &t
	}
	if e.LastCheckedAt != nil {
		t := *e.LastCheckedAt
		cp.LastCheckedAt = &t
	}
	cp.Models = make([]Model, len(e.Models))
	for i, m := range e.Models {
		cp.Models[i] = Model{ID: m.ID, Capabilities: append([]Capability(nil), m.Capabilities...)}
	}
	return &cp
}

// HealthCheckResult is the transient outcome of a single probe. It drives
// the registry's status transition and is recorded for operator history but
// is never consulted on the request path.
type HealthCheckResult struct {
	EndpointID   uuid.UUID `json:"endpoint_id"`
	CheckedAt    time.Time `json:"checked_at"`
	Success      bool      `json:"success"`
	LatencyMS    int64     `json:"latency_ms"`
	Error        string    `json:"error,omitempty"`
	StatusBefore Status    `json:"status_before"`
	StatusAfter  Status    `json:"status_after"`
}
