package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gantry-hq/gantry/pkg/endpoint"
)

// maxBufferedBody caps non-streaming upstream responses held in memory for
// usage extraction.
const maxBufferedBody = 32 << 20

// usage mirrors the OpenAI usage object.
type usage struct {
	PromptTokens     uint64 `json:"prompt_tokens"`
	CompletionTokens uint64 `json:"completion_tokens"`
	TotalTokens      uint64 `json:"total_tokens"`
}

// outputTokens is the token count that feeds throughput tracking. Chat and
// completions produce completion tokens; embeddings only consume, so their
// processed total stands in.
func (u usage) outputTokens(kind endpoint.APIKind) uint64 {
	if kind == endpoint.APIEmbeddings {
		if u.TotalTokens > 0 {
			return u.TotalTokens
		}
		return u.PromptTokens
	}
	return u.CompletionTokens
}

// upstreamOutcome is the result of forwarding one request.
type upstreamOutcome struct {
	statusCode   int
	outputTokens uint64
	duration     time.Duration
	// wroteHeader reports whether any response bytes reached the client;
	// after that point errors can no longer be translated to a status.
	wroteHeader bool
	err         error
}

// hopHeaders are not forwarded in either direction.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// forward proxies the request body to the endpoint and relays the response,
// extracting token usage along the way. Streaming responses are relayed
// chunk by chunk with the final usage-bearing SSE event parsed in flight.
func (d *Dispatcher) forward(ctx context.Context, w http.ResponseWriter, ep *endpoint.Endpoint, req *Request) upstreamOutcome {
	url := strings.TrimRight(ep.BaseURL, "/") + req.Path

	upReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Body))
	if err != nil {
		return upstreamOutcome{err: fmt.Errorf("%w: %v", ErrUpstream, err)}
	}
	for name, values := range req.Header {
		if hopHeaders[name] || name == "Authorization" || name == "Content-Length" {
			continue
		}
		upReq.Header[name] = values
	}
	if upReq.Header.Get("Content-Type") == "" {
		upReq.Header.Set("Content-Type", "application/json")
	}
	// The client's credentials are for us; the endpoint gets its own.
	if ep.APIKey != "" {
		upReq.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}

	start := time.Now()
	resp, err := d.client.Do(upReq)
	if err != nil {
		return upstreamOutcome{
			duration: time.Since(start),
			err:      fmt.Errorf("%w: %v", ErrUpstream, err),
		}
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		if hopHeaders[name] {
			continue
		}
		w.Header()[name] = values
	}
	w.WriteHeader(resp.StatusCode)

	outcome := upstreamOutcome{statusCode: resp.StatusCode, wroteHeader: true}
	if isEventStream(resp.Header.Get("Content-Type")) {
		outcome.outputTokens, outcome.err = relayStream(w, resp.Body, req.API)
	} else {
		outcome.outputTokens, outcome.err = relayBuffered(w, resp.Body, req.API)
	}
	outcome.duration = time.Since(start)
	return outcome
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(contentType, "text/event-stream")
}

// relayBuffered copies a regular JSON response through and pulls the usage
// object out of it.
func relayBuffered(w io.Writer, body io.Reader, kind endpoint.APIKind) (uint64, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxBufferedBody))
	if err != nil {
		return 0, fmt.Errorf("%w: reading response: %v", ErrUpstream, err)
	}
	if _, err := w.Write(data); err != nil {
		return 0, fmt.Errorf("%w: writing response: %v", ErrUpstream, err)
	}

	var envelope struct {
		Usage *usage `json:"usage"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Usage == nil {
		return 0, nil
	}
	return envelope.Usage.outputTokens(kind), nil
}

// relayStream copies an SSE response through line by line, flushing as it
// goes, and parses data events for the usage object. OpenAI-style streams
// carry usage on the final chunk before [DONE]; the last usage seen wins.
func relayStream(w io.Writer, body io.Reader, kind endpoint.APIKind) (uint64, error) {
	flusher, _ := w.(http.Flusher)

	var last usage
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := w.Write(line); werr != nil {
				return last.outputTokens(kind), fmt.Errorf("%w: writing stream: %v", ErrUpstream, werr)
			}
			if flusher != nil {
				flusher.Flush()
			}
			parseStreamLine(line, &last)
		}
		if err == io.EOF {
			return last.outputTokens(kind), nil
		}
		if err != nil {
			return last.outputTokens(kind), fmt.Errorf("%w: reading stream: %v", ErrUpstream, err)
		}
	}
}

func parseStreamLine(line []byte, last *usage) {
	payload, ok := bytes.CutPrefix(bytes.TrimSpace(line), []byte("data: "))
	if !ok || bytes.Equal(payload, []byte("[DONE]")) {
		return
	}
	var chunk struct {
		Usage *usage `json:"usage"`
	}
	if err := json.Unmarshal(payload, &chunk); err != nil || chunk.Usage == nil {
		return
	}
	*last = *chunk.Usage
}
