package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPGenerator posts generation requests to a per-step-type endpoint. The
// default route is POST {base_url}/v1/generate/{step_type}; cfg.Endpoints
// overrides individual step types.
type HTTPGenerator struct {
	cfg    Config
	client *http.Client
}

// NewHTTPGenerator creates an HTTPGenerator. The worker owns call timeouts
// through ctx, so the client itself carries none.
func NewHTTPGenerator(cfg Config) (*HTTPGenerator, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("http generator requires a base_url")
	}
	return &HTTPGenerator{
		cfg:    cfg,
		client: &http.Client{},
	}, nil
}

func (g *HTTPGenerator) Name() string { return "http" }

// Generate performs the external call for one step. Any transport error or
// non-2xx response fails the step; the caller's retry budget decides whether
// it is retried.
func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal generation request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint(req.StepType), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generation request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %s returned %d: %s", ErrGeneration, req.StepType, resp.StatusCode, string(snippet))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrGeneration, err)
	}
	return &result, nil
}

func (g *HTTPGenerator) endpoint(stepType string) string {
	base := strings.TrimRight(g.cfg.BaseURL, "/")
	if path, ok := g.cfg.Endpoints[stepType]; ok {
		return base + path
	}
	return base + "/v1/generate/" + stepType
}

var _ Generator = (*HTTPGenerator)(nil)
