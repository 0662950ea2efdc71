// Package flavor identifies the inference stack behind an endpoint.
//
// Detection is opportunistic and purely informational: it runs off the
// request path after an endpoint first comes online, and routing never
// depends on the outcome. Probes are tried in priority order, most specific
// first: xLLM, Ollama, vLLM, then generic OpenAI-compatible.
package flavor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gantry-hq/gantry/pkg/endpoint"
)

// probeTimeout bounds each individual detection request.
const probeTimeout = 5 * time.Second

// maxBodySize caps how much of a probe response is read.
const maxBodySize = 1 << 20

// Result is a detection outcome with a human-readable reason.
type Result struct {
	Flavor endpoint.Flavor
	Reason string
}

type systemInfo struct {
	XLLMVersion string `json:"xllm_version"`
}

// classifySystemInfo checks a GET /api/system body for the xLLM version
// field.
func classifySystemInfo(body []byte) (Result, bool) {
	var info systemInfo
	if err := json.Unmarshal(body, &info); err != nil || info.XLLMVersion == "" {
		return Result{}, false
	}
	return Result{
		Flavor: endpoint.FlavorXLLM,
		Reason: fmt.Sprintf("xLLM: /api/system reported version %s", info.XLLMVersion),
	}, true
}

type tagsResponse struct {
	Models *[]json.RawMessage `json:"models"`
}

// classifyTags checks a GET /api/tags body for the Ollama models array.
func classifyTags(body []byte) (Result, bool) {
	var tags tagsResponse
	if err := json.Unmarshal(body, &tags); err != nil || tags.Models == nil {
		return Result{}, false
	}
	return Result{
		Flavor: endpoint.FlavorOllama,
		Reason: "Ollama: /api/tags returned models",
	}, true
}

type modelsResponse struct {
	Object string `json:"object"`
	Data   []struct {
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

// classifyModels checks a GET /v1/models response for vLLM markers (Server
// header or owned_by fields), falling back to generic OpenAI compatibility.
func classifyModels(body []byte, serverHeader string) (Result, bool) {
	if s := strings.ToLower(serverHeader); strings.Contains(s, "vllm") {
		return Result{
			Flavor: endpoint.FlavorVLLM,
			Reason: fmt.Sprintf("vLLM: Server header contains vllm (%s)", serverHeader),
		}, true
	}

	var models modelsResponse
	if err := json.Unmarshal(body, &models); err != nil {
		return Result{}, false
	}
	for _, m := range models.Data {
		if strings.Contains(strings.ToLower(m.OwnedBy), "vllm") {
			return Result{
				Flavor: endpoint.FlavorVLLM,
				Reason: "vLLM: owned_by field contains vllm",
			}, true
		}
	}
	if models.Object != "" || models.Data != nil {
		return Result{
			Flavor: endpoint.FlavorOpenAICompatible,
			Reason: "OpenAI-compatible: /v1/models returned a model list",
		}, true
	}
	return Result{}, false
}

// Detector probes endpoints over HTTP to classify their flavor.
type Detector struct {
	client *http.Client
}

// NewDetector creates a detector. A nil client gets a default with the
// standard probe timeout.
func NewDetector(client *http.Client) *Detector {
	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}
	return &Detector{client: client}
}

// Detect classifies the endpoint at baseURL, trying probes in priority
// order. Unreachable or unrecognized endpoints come back as Unknown; the
// caller decides whether to retry later.
func (d *Detector) Detect(ctx context.Context, baseURL, apiKey string) Result {
	base := strings.TrimRight(baseURL, "/")

	if body, _, err := d.get(ctx, base+"/api/system", apiKey); err == nil {
		if res, ok := classifySystemInfo(body); ok {
			return res
		}
	}
	if body, _, err := d.get(ctx, base+"/api/tags", ""); err == nil {
		if res, ok := classifyTags(body); ok {
			return res
		}
	}
	// The Server header is meaningful even on an error status, so the
	// models probe classifies regardless of the fetch outcome.
	body, server, _ := d.get(ctx, base+"/v1/models", apiKey)
	if res, ok := classifyModels(body, server); ok {
		return res
	}
	return Result{
		Flavor: endpoint.FlavorUnknown,
		Reason: "no detection probe matched",
	}
}

// get fetches url and returns the body and Server header. Non-2xx responses
// are errors.
func (d *Detector) get(ctx context.Context, url, apiKey string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	server := resp.Header.Get("Server")
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, server, fmt.Errorf("probe %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, server, err
	}
	return body, server, nil
}
