package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	. "github.com/roelfdiedericks/lessongen/internal/logging"
	. "github.com/roelfdiedericks/lessongen/internal/metrics"
	"github.com/roelfdiedericks/lessongen/internal/tokens"
)

// maxAttempts bounds Client.Generate to one internal retry.
const maxAttempts = 2

// TokenCounter estimates prompt size for the context-window check.
type TokenCounter interface {
	Count(text string) int
}

// ClientConfig wires one provider.
type ClientConfig struct {
	Name    string
	Adapter Adapter
	Keys    *KeyRing
	Ledger  *ModelLedger
	Models  []ModelSpec
	Timeout time.Duration // per call; 0 leaves only the caller's deadline

	RateLimitCooldown time.Duration // key cooldown after 429 (default 2m)
	TransientCooldown time.Duration // key cooldown after 5xx (default 60s)

	Tokens TokenCounter // default tokens.Get()
}

// Client is the ProviderClient for one configured provider: key rotation,
// model selection and error classification around an Adapter.
type Client struct {
	name    string
	adapter Adapter
	keys    *KeyRing
	ledger  *ModelLedger
	models  []ModelSpec
	timeout time.Duration

	rateLimitCooldown time.Duration
	transientCooldown time.Duration

	tokens TokenCounter
}

// NewClient builds a Client. Models are sorted by priority, stable on config order.
func NewClient(cfg ClientConfig) *Client {
	models := append([]ModelSpec(nil), cfg.Models...)
	sort.SliceStable(models, func(i, j int) bool { return models[i].Priority < models[j].Priority })

	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = 2 * time.Minute
	}
	if cfg.TransientCooldown <= 0 {
		cfg.TransientCooldown = time.Minute
	}
	var counter TokenCounter = cfg.Tokens
	if counter == nil {
		counter = tokens.Get()
	}

	return &Client{
		name:              cfg.Name,
		adapter:           cfg.Adapter,
		keys:              cfg.Keys,
		ledger:            cfg.Ledger,
		models:            models,
		timeout:           cfg.Timeout,
		rateLimitCooldown: cfg.RateLimitCooldown,
		transientCooldown: cfg.TransientCooldown,
		tokens:            counter,
	}
}

func (c *Client) Name() string { return c.name }

// Keys exposes the key ring for diagnostics.
func (c *Client) Keys() *KeyRing { return c.keys }

// Ledger exposes the model ledger for diagnostics.
func (c *Client) Ledger() *ModelLedger { return c.ledger }

// Models returns the configured models in priority order.
func (c *Client) Models() []ModelSpec { return c.models }

// Generate picks a key and model, calls the adapter and classifies the
// outcome. Retryable failures get one more try with the next key.
func (c *Client) Generate(ctx context.Context, prompt string, params Params) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", &Error{Kind: KindFatal, Provider: c.name, Err: errors.New("empty prompt")}
	}

	models := c.fitting(prompt, params)
	if len(models) == 0 {
		MetricFailWithReason("dispatch/"+c.name, "generate", string(KindFatal))
		return "", &Error{Kind: KindFatal, Provider: c.name, Err: errors.New("prompt does not fit any model's context window")}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", c.wrap(Classify(err), Key{}, "", err)
		}

		key, err := c.keys.Next()
		if err != nil {
			MetricFailWithReason("dispatch/"+c.name, "generate", string(KindAuth))
			return "", err
		}

		model, ok := c.ledger.PickModel(key, models)
		if !ok {
			c.keys.observer.KeyEvent(KeyEvent{Provider: c.name, Key: key.ID, Reason: KeyModelsFull})
			// A retry landing on pairs cooled by the previous failure keeps that failure.
			if lastErr == nil {
				lastErr = c.wrap(KindRateLimited, key, "", errors.New("every model is at its rate limit for this key"))
			}
			continue
		}

		text, err := c.call(ctx, key, model, prompt, params)
		if err == nil {
			c.keys.RecordSuccess(key)
			c.ledger.RecordUsage(key, model.ID)
			MetricSuccess("dispatch/"+c.name, "generate")
			return text, nil
		}

		kind := KindOf(err)
		c.penalize(key, model.ID, kind, err)
		MetricFailWithReason("dispatch/"+c.name, "generate", string(kind))
		lastErr = err

		if !Retryable(kind) || ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts {
			L_debug("llm: retrying with next key", "provider", c.name, "key", key.ID, "kind", kind)
		}
	}
	return "", lastErr
}

// fitting returns the models whose context window holds the prompt plus output.
func (c *Client) fitting(prompt string, params Params) []ModelSpec {
	estimated := c.tokens.Count(params.SystemPrompt + prompt)
	out := make([]ModelSpec, 0, len(c.models))
	for _, m := range c.models {
		if tokens.Fits(m.ContextTokens, estimated, params.MaxTokens) {
			out = append(out, m)
		} else {
			L_debug("llm: model skipped, prompt too large", "provider", c.name, "model", m.ID, "estimated", estimated, "context", m.ContextTokens)
		}
	}
	return out
}

func (c *Client) call(ctx context.Context, key Key, model ModelSpec, prompt string, params Params) (string, error) {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	L_info("llm: request started", "provider", c.name, "model", model.ID, "key", key.ID, "chars", len(prompt))

	text, err := c.adapter.Complete(callCtx, Call{Key: key, Model: model.ID, Prompt: prompt, Params: params})
	elapsed := time.Since(start)
	MetricDuration("dispatch/"+c.name, "call", elapsed)

	if err != nil {
		kind := KindOf(err)
		switch {
		case ctx.Err() != nil:
			kind = Classify(ctx.Err())
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			kind = KindTimeout
		}
		L_warn("llm: request failed", "provider", c.name, "model", model.ID, "key", key.ID, "kind", kind, "duration", elapsed.Round(time.Millisecond), "error", err)
		return "", c.wrap(kind, key, model.ID, err)
	}
	if strings.TrimSpace(text) == "" {
		L_warn("llm: empty response", "provider", c.name, "model", model.ID)
		return "", c.wrap(KindMalformed, key, model.ID, errors.New("empty response"))
	}

	L_info("llm: request completed", "provider", c.name, "model", model.ID, "duration", elapsed.Round(time.Millisecond), "responseChars", len(text))
	return text, nil
}

// penalize updates key and ledger state after a classified failure.
func (c *Client) penalize(key Key, model string, kind ErrorKind, err error) {
	switch kind {
	case KindRateLimited:
		c.keys.RecordFailure(key)
		c.keys.Cooldown(key, c.rateLimitCooldown)
		c.ledger.RecordError(key, model, kind)
	case KindTransient:
		c.keys.RecordFailure(key)
		c.keys.Cooldown(key, c.transientCooldown)
		c.ledger.RecordError(key, model, kind)
	case KindTimeout:
		c.keys.RecordFailure(key)
		c.ledger.RecordError(key, model, kind)
	case KindAuth:
		c.keys.Disable(key, err.Error())
	case KindMalformed:
		c.keys.RecordFailure(key)
	}
}

// wrap attaches provider context to err, keeping an existing classification's cause.
func (c *Client) wrap(kind ErrorKind, key Key, model string, err error) *Error {
	var e *Error
	if errors.As(err, &e) && e.Kind == kind && e.Provider == "" {
		return &Error{Kind: kind, Provider: c.name, Model: model, Key: key.ID, Err: e.Err}
	}
	return &Error{Kind: kind, Provider: c.name, Model: model, Key: key.ID, Err: err}
}
