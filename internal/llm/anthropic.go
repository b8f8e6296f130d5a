package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	. "github.com/roelfdiedericks/lessongen/internal/logging"
)

// anthropicDefaultMaxTokens applies when the request leaves MaxTokens unset;
// the Messages API requires it.
const anthropicDefaultMaxTokens = 4096

// AnthropicAdapter calls the Anthropic Messages API (or a compatible endpoint).
type AnthropicAdapter struct {
	name       string
	baseURL    string
	httpClient *http.Client
	clients    perKey[anthropic.Client]
}

// NewAnthropicAdapter creates an adapter; baseURL may be empty.
func NewAnthropicAdapter(name, baseURL string, httpClient *http.Client) *AnthropicAdapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &AnthropicAdapter{name: name, baseURL: baseURL, httpClient: httpClient}
}

func (a *AnthropicAdapter) Complete(ctx context.Context, call Call) (string, error) {
	client, err := a.clients.get(call.Key.Secret, func() (anthropic.Client, error) {
		opts := []option.RequestOption{
			option.WithAPIKey(call.Key.Secret),
			option.WithHTTPClient(a.httpClient),
			option.WithMaxRetries(0),
		}
		if a.baseURL != "" {
			if err := checkBaseURL(a.baseURL); err != nil {
				return anthropic.Client{}, err
			}
			opts = append(opts, option.WithBaseURL(a.baseURL))
		}
		return anthropic.NewClient(opts...), nil
	})
	if err != nil {
		return "", Errorf(KindFatal, "failed to create %s client: %v", a.name, err)
	}

	maxTokens := call.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(call.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(call.Prompt)),
		},
	}
	if call.Params.Temperature > 0 {
		params.Temperature = anthropic.Float(call.Params.Temperature)
	}
	if call.Params.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: call.Params.SystemPrompt}}
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyAnthropicError(err)
	}

	L_debug("anthropic: message",
		"provider", a.name,
		"model", call.Model,
		"inputTokens", msg.Usage.InputTokens,
		"outputTokens", msg.Usage.OutputTokens,
		"stopReason", msg.StopReason,
	)

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", Errorf(KindMalformed, "no text content (stop_reason=%s)", msg.StopReason)
	}
	return b.String(), nil
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		// 529 is Anthropic's "overloaded"
		if kind, ok := StatusKind(apiErr.StatusCode); ok {
			return NewError(kind, fmt.Errorf("HTTP %d: %w", apiErr.StatusCode, err))
		}
	}
	return NewError(Classify(err), err)
}
