package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sony/gobreaker"

	"github.com/ajayg10/ai-email-agent/internal/config"
)

// newChatServer serves /v1/chat/completions with the given handler.
func newChatServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1704067200,
		"model":   "gpt-4-turbo",
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
}

func TestNewOpenAIClient_RequiresKeyOrBaseURL(t *testing.T) {
	if _, err := NewOpenAIClient(config.LLMConfig{}); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("err = %v, want ErrNoAPIKey", err)
	}
	c, err := NewOpenAIClient(config.LLMConfig{BaseURL: "http://localhost:11434/v1"})
	if err != nil {
		t.Fatalf("NewOpenAIClient with base URL: %v", err)
	}
	if c.Model() != config.DefaultModel {
		t.Errorf("Model() = %q, want %q", c.Model(), config.DefaultModel)
	}
}

func TestOpenAIClient_Complete(t *testing.T) {
	var got openai.ChatCompletionRequest
	var auth string
	srv := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		writeCompletion(w, `{"summary":"ok","tag":"Test"}`)
	})

	c, err := NewOpenAIClient(config.LLMConfig{
		APIKey:      "sk-test",
		BaseURL:     srv.URL + "/v1/",
		Model:       "gpt-test",
		Temperature: 0.5,
		MaxTokens:   64,
	})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}

	out, err := c.Complete(context.Background(), []Message{{Content: "hello"}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out != `{"summary":"ok","tag":"Test"}` {
		t.Errorf("Complete = %q", out)
	}
	if auth != "Bearer sk-test" {
		t.Errorf("Authorization = %q, want bearer key", auth)
	}
	if got.Model != "gpt-test" || got.MaxTokens != 64 || got.Temperature != 0.5 {
		t.Errorf("request = %+v, want configured model settings", got)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != openai.ChatMessageRoleUser || got.Messages[0].Content != "hello" {
		t.Errorf("messages = %+v, want one user message", got.Messages)
	}
}

func TestOpenAIClient_APIError(t *testing.T) {
	srv := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	})

	c, err := NewOpenAIClient(config.LLMConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}
	_, err = c.Complete(context.Background(), []Message{{Content: "x"}})
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *openai.APIError", err)
	}
	if apiErr.HTTPStatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", apiErr.HTTPStatusCode)
	}
	if !countsAsFailure(err) {
		t.Error("503 should count as a breaker failure")
	}
}

func TestOpenAIClient_NoChoices(t *testing.T) {
	srv := newChatServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[]}`))
	})

	c, err := NewOpenAIClient(config.LLMConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}
	if _, err := c.Complete(context.Background(), nil); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	stub := &stubCompleter{err: errors.New("connection reset")}
	b := NewBreaker(stub, discardLogger())

	for i := 0; i < 6; i++ {
		if _, err := b.Complete(context.Background(), []Message{{Content: "x"}}); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	calls := len(stub.prompts)
	_, err := b.Complete(context.Background(), []Message{{Content: "x"}})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("err = %v, want ErrOpenState", err)
	}
	if len(stub.prompts) != calls {
		t.Error("open breaker should not call the wrapped completer")
	}
}

func TestBreaker_IgnoresClientErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"unauthorized", &openai.APIError{HTTPStatusCode: http.StatusUnauthorized, Message: "bad key"}},
		{"not found", &openai.APIError{HTTPStatusCode: http.StatusNotFound, Message: "no model"}},
		{"canceled", context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBreaker(&stubCompleter{err: tt.err}, discardLogger())
			for i := 0; i < 12; i++ {
				_, _ = b.Complete(context.Background(), nil)
			}
			if b.State() != gobreaker.StateClosed {
				t.Errorf("state = %v, want closed", b.State())
			}
		})
	}
}

func TestBreaker_PassesThroughSuccess(t *testing.T) {
	b := NewBreaker(&stubCompleter{resp: "fine"}, discardLogger())
	out, err := b.Complete(context.Background(), nil)
	if err != nil || out != "fine" {
		t.Errorf("Complete = %q, %v; want fine, nil", out, err)
	}
}
