package policy

import "context"

// Engine is the interface for policy evaluation backends.
type Engine interface {
	// Evaluate checks a payload against loaded policies and returns a verdict.
	Evaluate(ctx context.Context, input *EvalInput) (*EvalResult, error)

	// Reload reloads policies from the source file.
	Reload(ctx context.Context) error
}

// Static is an Engine that returns the same verdict for every payload.
type Static struct {
	Result EvalResult
}

func (s *Static) Evaluate(context.Context, *EvalInput) (*EvalResult, error) {
	r := s.Result
	return &r, nil
}

func (s *Static) Reload(context.Context) error { return nil }
