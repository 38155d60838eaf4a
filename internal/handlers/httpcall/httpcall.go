package httpcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"fleetcron/internal/domain"
)

type HTTP struct{}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    []byte            `json:"body"`
}

type Response struct {
	StatusCode int `json:"status_code"`
	BodyBytes  int `json:"body_bytes"`
}

func (h HTTP) Execute(ctx context.Context, env domain.Env, payload json.RawMessage) (json.RawMessage, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("invalid HTTP request payload: %w", err)
	}
	if req.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	if req.Method == "" {
		req.Method = "GET"
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	// The engine's per-task timeout bounds the call through ctx; no separate
	// client timeout needed.
	client := &http.Client{Timeout: 0}
	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	env.Log.Debug().Str("url", req.URL).Int("status", resp.StatusCode).
		Dur("dur", time.Since(start)).Msg("http call done")

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	return json.Marshal(Response{StatusCode: resp.StatusCode, BodyBytes: len(respBody)})
}
