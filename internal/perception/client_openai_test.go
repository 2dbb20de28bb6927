package perception

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crewplan/internal/config"
)

func TestOpenAIProvider_Generate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("Expected test-key authorization")
		}

		var body OpenAIRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if body.ResponseFormat == nil || body.ResponseFormat.Type != "json_object" {
			t.Errorf("Expected json_object response format, got %+v", body.ResponseFormat)
		}
		if len(body.Messages) != 2 || body.Messages[0].Role != "system" {
			t.Errorf("Expected system + user messages, got %+v", body.Messages)
		}
		if body.MaxTokens != 2048 {
			t.Errorf("Expected max_tokens 2048, got %d", body.MaxTokens)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"model": "gpt-4o-mini",
			"choices": [{"message": {"content": "{\"ok\": true}"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 5}
		}`))
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(ProviderConfig{APIKey: "test-key", BaseURL: server.URL + "/"})
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}

	reply, err := p.Generate(context.Background(), Call{
		Model:             "gpt-4o-mini",
		SystemInstruction: "You are a planner.",
		Prompt:            "{}",
		MaxOutputTokens:   2048,
		JSON:              true,
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if reply.Text != `{"ok": true}` {
		t.Errorf("unexpected text %q", reply.Text)
	}
	if reply.Usage.InputTokens != 12 || reply.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage %+v", reply.Usage)
	}
	if got := Classify(reply, nil); got.Kind != KindOK {
		t.Errorf("expected ok outcome, got %s", got.Kind)
	}
}

func TestOpenAIProvider_RateLimitCarriesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"message": "slow down"}}`))
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(ProviderConfig{APIKey: "test-key", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}

	reply, err := p.Generate(context.Background(), Call{Model: "m", Prompt: "x"})
	out := Classify(reply, err)
	if out.Kind != KindRateLimited {
		t.Fatalf("expected rate_limited, got %s (%v)", out.Kind, err)
	}
	if out.RetryAfter != 7*time.Second {
		t.Errorf("expected 7s retry-after, got %v", out.RetryAfter)
	}
}

func TestOpenAIProvider_ServerErrorIsTransport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable"))
	}))
	defer server.Close()

	p, _ := NewOpenAIProvider(ProviderConfig{APIKey: "test-key", BaseURL: server.URL})
	_, err := p.Generate(context.Background(), Call{Model: "m", Prompt: "x"})

	var pe *ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected ProviderError 502, got %v", err)
	}
	if got := Classify(Reply{}, err); got.Kind != KindTransport {
		t.Errorf("expected transport_error, got %s", got.Kind)
	}
}

func TestOpenAIProvider_LengthFinishIsTruncated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices": [{"message": {"content": "{\"a\": [1, 2"}, "finish_reason": "length"}]}`))
	}))
	defer server.Close()

	p, _ := NewOpenAIProvider(ProviderConfig{APIKey: "test-key", BaseURL: server.URL})
	reply, err := p.Generate(context.Background(), Call{Model: "m", Prompt: "x"})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if got := Classify(reply, nil); got.Kind != KindTruncated {
		t.Errorf("expected truncated, got %s", got.Kind)
	}
}

func TestNewOpenAIProvider_RejectsEmptyKey(t *testing.T) {
	_, err := NewOpenAIProvider(ProviderConfig{APIKey: "  "})
	if !errors.Is(err, config.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
}

func TestNewGeminiProvider_RejectsEmptyKey(t *testing.T) {
	_, err := NewGeminiProvider(context.Background(), ProviderConfig{})
	if !errors.Is(err, config.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
}
