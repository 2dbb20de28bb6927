package perception

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"crewplan/internal/config"
	"crewplan/internal/logging"
)

// GeminiProvider calls the Gemini API through the genai SDK.
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a Gemini provider. An empty API key is a
// configuration error and is rejected up front.
func NewGeminiProvider(ctx context.Context, cfg ProviderConfig) (*GeminiProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini: %w", config.ErrMissingCredential)
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	logging.BootDebug("gemini provider ready (base_url=%q)", cfg.BaseURL)
	return &GeminiProvider{client: client}, nil
}

// Name implements Provider.
func (p *GeminiProvider) Name() string { return "gemini" }

// Generate implements Provider.
func (p *GeminiProvider) Generate(ctx context.Context, call Call) (Reply, error) {
	gc := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(call.Temperature)),
		TopP:            genai.Ptr(float32(call.TopP)),
		MaxOutputTokens: int32(call.MaxOutputTokens),
	}
	if call.JSON {
		gc.ResponseMIMEType = "application/json"
	}
	if call.SystemInstruction != "" {
		gc.SystemInstruction = genai.NewContentFromText(call.SystemInstruction, genai.RoleUser)
	}

	logging.APIDebug("[Gemini] generate model=%s system_len=%d prompt_len=%d max_out=%d",
		call.Model, len(call.SystemInstruction), len(call.Prompt), call.MaxOutputTokens)

	resp, err := p.client.Models.GenerateContent(ctx, call.Model, genai.Text(call.Prompt), gc)
	if err != nil {
		return Reply{}, geminiError(err)
	}

	reply := Reply{Model: call.Model}
	if resp.UsageMetadata != nil {
		reply.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if resp.PromptFeedback != nil {
		reply.BlockReason = string(resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
		reply.FinishReason = string(resp.Candidates[0].FinishReason)
		reply.Text = resp.Text()
	}
	return reply, nil
}

// geminiError converts SDK errors into ProviderError so classification sees
// the status code and any RetryInfo delay.
func geminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return newGeminiProviderError(apiErr, err)
	}
	var apiPtr *genai.APIError
	if errors.As(err, &apiPtr) && apiPtr != nil {
		return newGeminiProviderError(*apiPtr, err)
	}
	return fmt.Errorf("gemini request failed: %w", err)
}

func newGeminiProviderError(apiErr genai.APIError, cause error) error {
	pe := &ProviderError{
		Provider:   "gemini",
		StatusCode: apiErr.Code,
		Status:     apiErr.Status,
		Message:    apiErr.Message,
	}
	for _, d := range apiErr.Details {
		if raw, ok := d["retryDelay"].(string); ok {
			if delay, err := time.ParseDuration(raw); err == nil {
				pe.RetryAfter = delay
			}
		}
	}
	if pe.Message == "" {
		pe.Message = cause.Error()
	}
	return pe
}
