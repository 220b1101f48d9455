package generate

import (
	"context"
	"fmt"
)

// MockGenerator satisfies Generator for testing and local development.
type MockGenerator struct {
	Name_        string
	GenerateFunc func(ctx context.Context, req Request) (*Result, error)
}

func (m *MockGenerator) Name() string { return m.Name_ }

func (m *MockGenerator) Generate(ctx context.Context, req Request) (*Result, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return &Result{URL: fmt.Sprintf("mock://%s/%s-%d", req.JobID, req.StepType, req.StepIndex)}, nil
}

// NewMockGenerator returns a MockGenerator producing a deterministic URL per
// step.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{Name_: "mock"}
}

// NewFailingGenerator returns a MockGenerator that always returns err.
func NewFailingGenerator(err error) *MockGenerator {
	return &MockGenerator{
		Name_: "mock-failing",
		GenerateFunc: func(_ context.Context, _ Request) (*Result, error) {
			return nil, err
		},
	}
}

// NewBlockingGenerator returns a MockGenerator that blocks until the context
// is canceled, simulating a hung collaborator.
func NewBlockingGenerator() *MockGenerator {
	return &MockGenerator{
		Name_: "mock-blocking",
		GenerateFunc: func(ctx context.Context, _ Request) (*Result, error) {
			<-ctx.Done()
			return nil, fmt.Errorf("%w: %v", ErrGeneration, ctx.Err())
		},
	}
}

var _ Generator = (*MockGenerator)(nil)
