package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	. "github.com/roelfdiedericks/lessongen/internal/logging"
	"github.com/sashabaranov/go-openai"
)

// compatBaseURLs are the default endpoints of OpenAI-compatible provider types.
// "openai" uses the library default.
var compatBaseURLs = map[string]string{
	"groq":       "https://api.groq.com/openai/v1",
	"together":   "https://api.together.xyz/v1",
	"cerebras":   "https://api.cerebras.ai/v1",
	"chutes":     "https://llm.chutes.ai/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"gemini":     "https://generativelanguage.googleapis.com/v1beta/openai/",
	"g4f":        "http://localhost:1337/v1",
}

// perKey lazily builds one SDK client per API key.
type perKey[T any] struct {
	mu sync.Mutex
	m  map[string]T
}

func (p *perKey[T]) get(secret string, build func() (T, error)) (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.m[secret]; ok {
		return c, nil
	}
	c, err := build()
	if err != nil {
		return c, err
	}
	if p.m == nil {
		p.m = make(map[string]T)
	}
	p.m[secret] = c
	return c, nil
}

// checkBaseURL rejects endpoints the SDKs would only fail on at request time.
func checkBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("base url %q needs an http(s) scheme and host", raw)
	}
	return nil
}

// OpenAIAdapter calls any OpenAI-compatible chat completions endpoint.
type OpenAIAdapter struct {
	name       string
	baseURL    string
	httpClient *http.Client
	clients    perKey[*openai.Client]
}

// NewOpenAIAdapter creates an adapter for providerType. An empty baseURL
// takes the type's default endpoint.
func NewOpenAIAdapter(name, providerType, baseURL string, httpClient *http.Client) *OpenAIAdapter {
	if baseURL == "" {
		baseURL = compatBaseURLs[providerType]
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OpenAIAdapter{name: name, baseURL: baseURL, httpClient: httpClient}
}

func (a *OpenAIAdapter) Complete(ctx context.Context, call Call) (string, error) {
	client, err := a.clients.get(call.Key.Secret, func() (*openai.Client, error) {
		cfg := openai.DefaultConfig(call.Key.Secret)
		if a.baseURL != "" {
			if err := checkBaseURL(a.baseURL); err != nil {
				return nil, err
			}
			cfg.BaseURL = strings.TrimSuffix(a.baseURL, "/")
		}
		cfg.HTTPClient = a.httpClient
		return openai.NewClientWithConfig(cfg), nil
	})
	if err != nil {
		return "", Errorf(KindFatal, "failed to create %s client: %v", a.name, err)
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if call.Params.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: call.Params.SystemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: call.Prompt})

	req := openai.ChatCompletionRequest{
		Model:       call.Model,
		Messages:    messages,
		MaxTokens:   call.Params.MaxTokens,
		Temperature: float32(call.Params.Temperature),
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classifyOpenAIError(err)
	}

	L_debug("openai: completion",
		"provider", a.name,
		"model", call.Model,
		"inputTokens", resp.Usage.PromptTokens,
		"outputTokens", resp.Usage.CompletionTokens,
	)

	if len(resp.Choices) == 0 {
		return "", Errorf(KindMalformed, "response has no choices")
	}
	choice := resp.Choices[0]
	if strings.TrimSpace(choice.Message.Content) == "" {
		return "", Errorf(KindMalformed, "empty content (finish_reason=%s)", choice.FinishReason)
	}
	return choice.Message.Content, nil
}

// classifyOpenAIError maps go-openai errors by HTTP status, then by message.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if kind, ok := StatusKind(apiErr.HTTPStatusCode); ok {
			return NewError(kind, fmt.Errorf("HTTP %d: %w", apiErr.HTTPStatusCode, err))
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if kind, ok := StatusKind(reqErr.HTTPStatusCode); ok {
			return NewError(kind, fmt.Errorf("HTTP %d: %w", reqErr.HTTPStatusCode, err))
		}
	}
	return NewError(Classify(err), err)
}
