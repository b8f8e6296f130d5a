package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	. "github.com/roelfdiedericks/lessongen/internal/logging"
)

const ollamaDefaultURL = "http://localhost:11434"

// ollamaChatRequest is the request body for /api/chat
type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  *ollamaOptions      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// ollamaChatResponse is the non-streaming response from /api/chat
type ollamaChatResponse struct {
	Message         ollamaChatMessage `json:"message"`
	Done            bool              `json:"done"`
	DoneReason      string            `json:"done_reason"`
	PromptEvalCount int               `json:"prompt_eval_count"`
	EvalCount       int               `json:"eval_count"`
}

// OllamaAdapter calls a local Ollama server's chat endpoint.
type OllamaAdapter struct {
	name   string
	url    string
	client *http.Client
}

// NewOllamaAdapter creates an adapter for the server at url (default localhost:11434).
func NewOllamaAdapter(name, url string, client *http.Client) *OllamaAdapter {
	if url == "" {
		url = ollamaDefaultURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &OllamaAdapter{name: name, url: strings.TrimSuffix(url, "/"), client: client}
}

func (a *OllamaAdapter) Complete(ctx context.Context, call Call) (string, error) {
	messages := make([]ollamaChatMessage, 0, 2)
	if call.Params.SystemPrompt != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: call.Params.SystemPrompt})
	}
	messages = append(messages, ollamaChatMessage{Role: "user", Content: call.Prompt})

	reqBody := ollamaChatRequest{
		Model:    call.Model,
		Messages: messages,
		Stream:   false,
	}
	if call.Params.MaxTokens > 0 || call.Params.Temperature > 0 {
		reqBody.Options = &ollamaOptions{NumPredict: call.Params.MaxTokens, Temperature: call.Params.Temperature}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", Errorf(KindFatal, "marshal request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return "", Errorf(KindFatal, "create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if call.Key.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+call.Key.Secret)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", NewError(Classify(err), fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind, _ := StatusKind(resp.StatusCode)
		if kind == "" {
			kind = KindTransient
		}
		return "", Errorf(kind, "ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", Errorf(KindMalformed, "decode response: %v", err)
	}

	L_debug("ollama: completion",
		"provider", a.name,
		"model", call.Model,
		"inputTokens", result.PromptEvalCount,
		"outputTokens", result.EvalCount,
		"doneReason", result.DoneReason,
	)

	if strings.TrimSpace(result.Message.Content) == "" {
		return "", Errorf(KindMalformed, "empty content (done_reason=%s)", result.DoneReason)
	}
	return result.Message.Content, nil
}
