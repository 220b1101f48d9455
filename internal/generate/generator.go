// Package generate wraps the external generation collaborators (image, video,
// TTS, music, compositing models). From the engine's perspective each step
// type is one opaque bounded-latency call returning a deliverable URL or an
// error; any non-success response fails the step.
package generate

import (
	"context"
	"errors"
	"fmt"
)

// ErrGeneration is the base error for failed collaborator calls.
var ErrGeneration = errors.New("generation call failed")

// Request describes one step's generation call.
type Request struct {
	JobID     string   `json:"job_id"`
	StepID    string   `json:"step_id"`
	StepType  string   `json:"step_type"`
	StepIndex int      `json:"step_index"`
	Prompt    string   `json:"prompt,omitempty"`
	Ratio     string   `json:"ratio,omitempty"`
	Refs      []string `json:"refs,omitempty"`
}

// Result is the deliverable of a successful call. Planning steps may return
// an empty URL.
type Result struct {
	URL string `json:"url"`
}

// Generator executes the external call for one step. Implementations must
// honor ctx cancellation; the worker bounds every call with a timeout.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
	Name() string
}

// Config selects and configures a Generator implementation.
type Config struct {
	Provider  string            `yaml:"provider"` // http, mock
	BaseURL   string            `yaml:"base_url"`
	Endpoints map[string]string `yaml:"endpoints"` // step_type -> path, optional overrides
	APIKey    string            `yaml:"api_key"`
}

// NewGenerator creates the Generator named by cfg.Provider.
func NewGenerator(cfg Config) (Generator, error) {
	switch cfg.Provider {
	case "http", "":
		return NewHTTPGenerator(cfg)
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown generator provider: %q", cfg.Provider)
	}
}
