package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	. "github.com/roelfdiedericks/lessongen/internal/logging"
	"github.com/roelfdiedericks/xai-go"
)

// safeInt32 converts int to int32 with bounds clamping to prevent overflow.
func safeInt32(n int) int32 {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	if n < math.MinInt32 {
		return math.MinInt32
	}
	return int32(n)
}

// XAIAdapter calls Grok models over the xAI gRPC API.
type XAIAdapter struct {
	name    string
	timeout time.Duration
	clients perKey[*xai.Client]
}

// NewXAIAdapter creates an adapter; timeout bounds each call at the transport.
func NewXAIAdapter(name string, timeout time.Duration) *XAIAdapter {
	return &XAIAdapter{name: name, timeout: timeout}
}

func (a *XAIAdapter) Complete(ctx context.Context, call Call) (string, error) {
	client, err := a.clients.get(call.Key.Secret, func() (*xai.Client, error) {
		cfg := xai.Config{APIKey: xai.NewSecureString(call.Key.Secret)}
		if a.timeout > 0 {
			cfg.Timeout = a.timeout
		}
		return xai.New(cfg)
	})
	if err != nil {
		return "", Errorf(KindAuth, "failed to create xai client: %v", err)
	}

	req := xai.NewChatRequest().WithModel(call.Model)
	if call.Params.MaxTokens > 0 {
		req.WithMaxTokens(safeInt32(call.Params.MaxTokens))
	}
	if call.Params.SystemPrompt != "" {
		req.SystemMessage(xai.SystemContent{Text: call.Params.SystemPrompt})
	}
	req.UserMessage(xai.UserContent{Text: call.Prompt})

	resp, err := client.CompleteChat(ctx, req)
	if err != nil {
		return "", classifyXAIError(err)
	}

	L_debug("xai: completion",
		"provider", a.name,
		"model", call.Model,
		"inputTokens", resp.Usage.PromptTokens,
		"outputTokens", resp.Usage.CompletionTokens,
		"responseLen", len(resp.Content),
	)

	if strings.TrimSpace(resp.Content) == "" {
		return "", Errorf(KindMalformed, "empty content")
	}
	return resp.Content, nil
}

// classifyXAIError maps xai-go errors. gRPC status text carries the
// RESOURCE_EXHAUSTED / UNAUTHENTICATED codes the message classifier knows.
func classifyXAIError(err error) error {
	var xaiErr *xai.Error
	if errors.As(err, &xaiErr) && xaiErr.Code == xai.ErrNotFound {
		return NewError(KindFatal, fmt.Errorf("model not found: %w", err))
	}
	return NewError(Classify(err), err)
}
