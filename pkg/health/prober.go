package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// maxBodySize caps how much of a probe response is read.
const maxBodySize = 1 << 20

// ProbeResult is the raw outcome of one liveness probe.
type ProbeResult struct {
	Success bool
	Latency time.Duration
	// ModelIDs are the model identifiers the endpoint advertised, when the
	// probe body parsed as an OpenAI model list.
	ModelIDs []string
	Err      string
}

// Prober performs liveness probes against the OpenAI models listing, which
// every supported flavor serves. A probe doubles as model discovery.
type Prober struct {
	client  *http.Client
	timeout time.Duration
}

// NewProber creates a prober with the given per-probe timeout. A nil client
// gets a default one.
func NewProber(client *http.Client, timeout time.Duration) *Prober {
	if client == nil {
		client = &http.Client{}
	}
	return &Prober{client: client, timeout: timeout}
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Probe issues GET /v1/models and reports reachability, latency, and any
// advertised models. Any 2xx response counts as alive even if the body does
// not parse.
func (p *Prober) Probe(ctx context.Context, baseURL, apiKey string) ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + "/v1/models"
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{Err: err.Error()}
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return ProbeResult{Latency: latency, Err: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodySize))
		return ProbeResult{
			Latency: latency,
			Err:     fmt.Sprintf("probe returned status %d", resp.StatusCode),
		}
	}

	result := ProbeResult{Success: true, Latency: latency}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return result
	}
	var list modelList
	if err := json.Unmarshal(body, &list); err != nil {
		return result
	}
	for _, m := range list.Data {
		if m.ID != "" {
			result.ModelIDs = append(result.ModelIDs, m.ID)
		}
	}
	return result
}
