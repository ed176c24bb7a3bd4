package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPConfig configures the HTTP executor.
type HTTPConfig struct {
	URL             string
	Headers         map[string]string
	MaxResponseBody int64
	Client          *http.Client
}

const defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB

// HTTPExecutor POSTs each Request as JSON to an agent endpoint.
// The node config may override the endpoint with "url" and add "headers".
//
// Response handling:
//   - 2xx: a JSON body of the form {"output": ...} yields that output;
//     any other body is used as the output verbatim.
//   - 408, 429 and 5xx: retryable failure.
//   - other 4xx: permanent failure.
//   - transport errors: retryable failure.
type HTTPExecutor struct {
	config HTTPConfig
}

// NewHTTPExecutor creates an HTTP executor registered as "http".
func NewHTTPExecutor(cfg HTTPConfig) *HTTPExecutor {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
		if t, ok := http.DefaultTransport.(*http.Transport); ok {
			cfg.Client.Transport = t.Clone()
		}
	}
	return &HTTPExecutor{config: cfg}
}

func (e *HTTPExecutor) Name() string { return "http" }

func (e *HTTPExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	endpoint := stringParam(req.Config, "url", e.config.URL)
	if endpoint == "" {
		return nil, PermanentError("node %s: no agent url configured", req.NodeID)
	}
	u, err := url.ParseRequestURI(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, PermanentError("node %s: invalid agent url %q", req.NodeID, endpoint)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, PermanentError("node %s: marshal request: %v", req.NodeID, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, PermanentError("node %s: build request: %v", req.NodeID, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range e.config.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range stringMapParam(req.Config, "headers") {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.config.Client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, RetryableError("node %s: agent request failed: %v", req.NodeID, err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, e.config.MaxResponseBody))
	if err != nil {
		return nil, RetryableError("node %s: read agent response: %v", req.NodeID, err).WithCause(err)
	}

	details := map[string]any{
		"status_code": resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Result{Output: decodeOutput(raw)}, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return nil, RetryableError("node %s: agent returned %d", req.NodeID, resp.StatusCode).
			WithDetails(withBody(details, raw))
	default:
		return nil, PermanentError("node %s: agent returned %d", req.NodeID, resp.StatusCode).
			WithDetails(withBody(details, raw))
	}
}

// decodeOutput unwraps {"output": ...}; other JSON is kept as-is and
// non-JSON bodies become a JSON string.
func decodeOutput(raw []byte) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if !json.Valid(raw) {
		b, _ := json.Marshal(string(raw))
		return b
	}
	var envelope struct {
		Output json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Output) > 0 {
		return envelope.Output
	}
	return json.RawMessage(raw)
}

func withBody(details map[string]any, raw []byte) map[string]any {
	if len(raw) > 0 {
		details["body"] = string(raw)
	}
	return details
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

var _ Executor = (*HTTPExecutor)(nil)
