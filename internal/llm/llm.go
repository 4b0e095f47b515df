// Package llm talks to an OpenAI-compatible chat model to summarize, tag
// and draft replies for email.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ajayg10/ai-email-agent/internal/config"
)

// Message is a single chat turn.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Completer sends a conversation to a model and returns the reply text.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// ErrNoAPIKey is returned when no model API key is configured.
var ErrNoAPIKey = errors.New("llm: no API key configured (set [llm] api_key or OPENAI_API_KEY)")

// ErrEmptyResponse is returned when the model returns no choices.
var ErrEmptyResponse = errors.New("llm: empty response")

// OpenAIClient implements Completer with the OpenAI chat completions API.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

// NewOpenAIClient creates a client from the [llm] config section. An API
// key may be omitted when BaseURL points at a local OpenAI-compatible server.
func NewOpenAIClient(cfg config.LLMConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, ErrNoAPIKey
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = config.DefaultModel
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(oc),
		model:       model,
		temperature: float32(cfg.Temperature),
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string {
	return c.model
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		role := m.Role
		if role == "" {
			role = openai.ChatMessageRoleUser
		}
		out[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return out
}

// Complete implements Completer.
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    toOpenAIMessages(messages),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

var _ Completer = (*OpenAIClient)(nil)
