package llm

import (
	"context"
	"time"
)

// Params are the per-request generation parameters.
type Params struct {
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
}

// ProviderClient is the uniform capability the chain dispatches to.
// Generate returns non-empty text or a classified *Error, never both empty.
type ProviderClient interface {
	Name() string
	Generate(ctx context.Context, prompt string, params Params) (string, error)
}

// Call is a single outbound request after key and model selection.
type Call struct {
	Key    Key
	Model  string
	Prompt string
	Params Params
}

// Adapter performs one provider-specific network call. Implementations
// classify their errors onto ErrorKind; unclassified errors go through Classify.
type Adapter interface {
	Complete(ctx context.Context, call Call) (string, error)
}

// AdapterFunc lets a plain function act as an Adapter.
type AdapterFunc func(ctx context.Context, call Call) (string, error)

func (f AdapterFunc) Complete(ctx context.Context, call Call) (string, error) {
	return f(ctx, call)
}

// ModelSpec is one model offered by a provider.
type ModelSpec struct {
	ID            string
	Priority      int // lower = tried first
	RPM           int // 0 = unlimited
	RPD           int
	ContextTokens int // 0 = unknown
}

// Clock returns the current time. Tests substitute a fake.
type Clock func() time.Time
