// Package llm - Provider factory
package llm

import (
	"fmt"
	"net/http"
	"time"

	"github.com/roelfdiedericks/lessongen/internal/config"
	. "github.com/roelfdiedericks/lessongen/internal/logging"
)

// NewAdapter creates the outbound adapter for a provider entry.
// Dispatches on cfg.Type.
func NewAdapter(cfg config.ProviderConfig) (Adapter, error) {
	httpClient := &http.Client{Timeout: cfg.Timeout()}

	switch cfg.Type {
	case "openai", "groq", "together", "cerebras", "chutes", "openrouter", "gemini", "g4f":
		return NewOpenAIAdapter(cfg.Name, cfg.Type, cfg.BaseURL, httpClient), nil
	case "anthropic":
		return NewAnthropicAdapter(cfg.Name, cfg.BaseURL, httpClient), nil
	case "xai":
		return NewXAIAdapter(cfg.Name, cfg.Timeout()), nil
	case "ollama":
		return NewOllamaAdapter(cfg.Name, cfg.BaseURL, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Type)
	}
}

// BuildOptions lets callers (tests, the CLI) override pieces of the chain.
type BuildOptions struct {
	Observer Observer
	Tokens   TokenCounter
	Now      Clock
	// Adapters replaces the network adapter by provider name.
	Adapters map[string]Adapter
}

// BuildChain constructs the fallback chain from config: one Client with its
// own KeyRing and ModelLedger per enabled provider, in config order.
func BuildChain(cfg *config.Config, opts BuildOptions) (*Chain, error) {
	cd := cfg.Cooldowns
	seconds := func(n int) time.Duration { return time.Duration(n) * time.Second }

	var clients []ProviderClient
	for _, pc := range cfg.EnabledProviders() {
		adapter, ok := opts.Adapters[pc.Name]
		if !ok {
			var err error
			if adapter, err = NewAdapter(pc); err != nil {
				return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
			}
		}

		keys := NewKeyRing(pc.Name, pc.APIKeys, KeyRingOptions{
			RPM:              pc.KeyRPM,
			RPD:              pc.KeyRPD,
			FailureThreshold: cd.FailureThreshold,
			MaxCooldown:      seconds(cd.MaxSeconds),
			Observer:         opts.Observer,
			Now:              opts.Now,
		})
		ledger := NewModelLedger(pc.Name, LedgerOptions{
			RateLimitCooldown: seconds(cd.ModelRateLimitSeconds),
			TransientCooldown: seconds(cd.ModelTransientSeconds),
			Observer:          opts.Observer,
			Now:               opts.Now,
		})

		models := make([]ModelSpec, 0, len(pc.Models))
		for _, m := range pc.Models {
			models = append(models, ModelSpec{
				ID:            m.ID,
				Priority:      m.Priority,
				RPM:           m.RPM,
				RPD:           m.RPD,
				ContextTokens: m.ContextTokens,
			})
		}

		clients = append(clients, NewClient(ClientConfig{
			Name:              pc.Name,
			Adapter:           adapter,
			Keys:              keys,
			Ledger:            ledger,
			Models:            models,
			Timeout:           pc.Timeout(),
			RateLimitCooldown: seconds(cd.RateLimitSeconds),
			TransientCooldown: seconds(cd.TransientSeconds),
			Tokens:            opts.Tokens,
		}))

		L_debug("llm: provider registered", "provider", pc.Name, "type", pc.Type, "keys", keys.Len(), "models", len(models))
	}

	if len(clients) == 0 {
		return nil, fmt.Errorf("no enabled providers")
	}

	L_info("llm: fallback chain ready", "providers", len(clients))
	return NewChain(opts.Observer, clients...), nil
}
