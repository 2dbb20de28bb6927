package perception

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"crewplan/internal/config"
	"crewplan/internal/logging"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// OpenAIMessage represents a message.
type OpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIResponseFormat requests JSON output.
type OpenAIResponseFormat struct {
	Type string `json:"type"`
}

// OpenAIRequest represents the chat completions request.
type OpenAIRequest struct {
	Model          string                `json:"model"`
	Messages       []OpenAIMessage       `json:"messages"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	Temperature    float64               `json:"temperature"`
	TopP           float64               `json:"top_p,omitempty"`
	ResponseFormat *OpenAIResponseFormat `json:"response_format,omitempty"`
}

// OpenAIResponse represents the API response.
type OpenAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// NewOpenAIProvider creates an OpenAI-compatible provider.
func NewOpenAIProvider(cfg ProviderConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai: %w", config.ErrMissingCredential)
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &OpenAIProvider{apiKey: cfg.APIKey, baseURL: baseURL, httpClient: httpClient}, nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, call Call) (Reply, error) {
	messages := make([]OpenAIMessage, 0, 2)
	if call.SystemInstruction != "" {
		messages = append(messages, OpenAIMessage{Role: "system", Content: call.SystemInstruction})
	}
	messages = append(messages, OpenAIMessage{Role: "user", Content: call.Prompt})

	reqBody := OpenAIRequest{
		Model:       call.Model,
		Messages:    messages,
		MaxTokens:   call.MaxOutputTokens,
		Temperature: call.Temperature,
		TopP:        call.TopP,
	}
	if call.JSON {
		reqBody.ResponseFormat = &OpenAIResponseFormat{Type: "json_object"}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return Reply{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	logging.APIDebug("[OpenAI] generate model=%s system_len=%d prompt_len=%d max_out=%d",
		call.Model, len(call.SystemInstruction), len(call.Prompt), call.MaxOutputTokens)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reply{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Reply{}, &ProviderError{
			Provider:   "openai",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
			RetryAfter: parseRetryAfterHeader(resp.Header.Get("Retry-After")),
		}
	}

	var openaiResp OpenAIResponse
	if err := json.Unmarshal(body, &openaiResp); err != nil {
		return Reply{}, fmt.Errorf("failed to parse response: %w", err)
	}
	if openaiResp.Error != nil {
		return Reply{}, &ProviderError{Provider: "openai", StatusCode: resp.StatusCode, Status: openaiResp.Error.Type, Message: openaiResp.Error.Message}
	}

	reply := Reply{
		Model: openaiResp.Model,
		Usage: Usage{
			InputTokens:  openaiResp.Usage.PromptTokens,
			OutputTokens: openaiResp.Usage.CompletionTokens,
		},
	}
	if len(openaiResp.Choices) > 0 {
		reply.Text = openaiResp.Choices[0].Message.Content
		reply.FinishReason = openaiResp.Choices[0].FinishReason
	}
	return reply, nil
}
