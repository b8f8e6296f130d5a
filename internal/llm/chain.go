package llm

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"

	. "github.com/roelfdiedericks/lessongen/internal/logging"
	. "github.com/roelfdiedericks/lessongen/internal/metrics"
)

// Attempt records one provider try within a chain call.
type Attempt struct {
	Provider string
	Kind     ErrorKind // empty on success
	Err      error
	Duration time.Duration
}

// Result is a successful chain call.
type Result struct {
	Text     string
	Provider string
	Attempts []Attempt
}

// Chain tries providers in fixed order until one returns text.
type Chain struct {
	providers []ProviderClient
	observer  Observer
}

// NewChain builds a chain over providers in priority order. A nil observer
// uses DefaultObserver.
func NewChain(observer Observer, providers ...ProviderClient) *Chain {
	if observer == nil {
		observer = DefaultObserver{}
	}
	return &Chain{providers: providers, observer: observer}
}

// Providers returns provider names in chain order.
func (c *Chain) Providers() []string {
	return lo.Map(c.providers, func(p ProviderClient, _ int) string {
		return p.Name()
	})
}

// Clients returns the chain's providers in order.
func (c *Chain) Clients() []ProviderClient {
	return c.providers
}

// Generate returns the first provider's text that succeeds. A cancelled ctx
// stops the walk with KindCancelled; when every provider fails the error is
// an *ExhaustedError listing each failure in order. The returned Result is
// non-nil in every case and carries the attempts made.
func (c *Chain) Generate(ctx context.Context, prompt string, params Params) (*Result, error) {
	res := &Result{}
	if len(c.providers) == 0 {
		return res, &Error{Kind: KindFatal, Err: errors.New("no providers configured")}
	}

	failures := make([]ProviderFailure, 0, len(c.providers))
	for i, p := range c.providers {
		if err := ctx.Err(); err != nil {
			return res, c.cancelled(err)
		}

		start := time.Now()
		text, err := p.Generate(ctx, prompt, params)
		attempt := Attempt{Provider: p.Name(), Duration: time.Since(start)}

		if err == nil {
			res.Attempts = append(res.Attempts, attempt)
			res.Text = text
			res.Provider = p.Name()
			MetricOutcome("dispatch", "winner", p.Name())
			if i > 0 {
				L_info("chain: served by fallback provider", "provider", p.Name(), "position", i+1, "attempts", len(res.Attempts))
			}
			return res, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			attempt.Kind, attempt.Err = KindCancelled, err
			res.Attempts = append(res.Attempts, attempt)
			return res, c.cancelled(ctxErr)
		}

		kind := KindOf(err)
		attempt.Kind, attempt.Err = kind, err
		res.Attempts = append(res.Attempts, attempt)
		failures = append(failures, ProviderFailure{Provider: p.Name(), Kind: kind, Err: err})

		if i+1 < len(c.providers) {
			c.observer.Fallback(FallbackEvent{From: p.Name(), To: c.providers[i+1].Name(), Reason: kind, Err: err})
		}
	}

	MetricInc("dispatch", "exhausted")
	L_error("chain: all providers failed", "providers", len(c.providers))
	return res, &ExhaustedError{Failures: failures}
}

func (c *Chain) cancelled(err error) *Error {
	L_debug("chain: stopped, context done", "error", err)
	return &Error{Kind: KindCancelled, Err: err}
}
