//go:build js && wasm

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ashureev/stepflow/internal/flow"
)

// flowConfig mirrors the GET /api/config response.
type flowConfig struct {
	TotalSteps     int      `json:"totalSteps"`
	AgentStep      int      `json:"agentStep"`
	SubmitAttempts int      `json:"submitAttempts"`
	StepTitles     []string `json:"stepTitles"`
	ChatEnabled    bool     `json:"chatEnabled"`
	PollIntervalMS int64    `json:"pollIntervalMs"`
	RetryDelayMS   int64    `json:"retryDelayMs"`
}

type apiClient struct {
	base   string
	http   *http.Client
	header http.Header
}

func (c *apiClient) config(ctx context.Context) (flowConfig, error) {
	var cfg flowConfig
	err := c.do(ctx, http.MethodGet, "/api/config", nil, &cfg)
	return cfg, err
}

func (c *apiClient) metadata(ctx context.Context) (flow.Participant, error) {
	var p flow.Participant
	if err := c.do(ctx, http.MethodGet, "/api/metadata", nil, &p); err != nil {
		return flow.Participant{}, err
	}
	if p.ID == "" {
		return flow.Participant{}, fmt.Errorf("metadata: empty participant id")
	}
	return p, nil
}

func (c *apiClient) submit(ctx context.Context, payload map[string]any) error {
	var resp struct {
		SubmissionID string `json:"submissionId"`
	}
	return c.do(ctx, http.MethodPost, "/api/submit", payload, &resp)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range c.header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
