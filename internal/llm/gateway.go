// Package llm is the only component that talks to the model backend. One
// network call per Invoke, no retries, no caching: the same prompt may
// legitimately produce different output across calls, and retry policy
// belongs to the caller.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"go.uber.org/zap"

	"taskforge/internal/config"
)

var (
	// ErrUnavailable indicates a transport failure or timeout reaching the backend.
	ErrUnavailable = errors.New("model backend unavailable")

	// ErrRefused indicates the backend answered with an empty or blocked completion.
	ErrRefused = errors.New("model refused to complete")
)

// Invoker is the narrow surface the generation pipeline depends on, so tests
// can substitute scripted responses.
type Invoker interface {
	Invoke(ctx context.Context, systemMessage, userMessage string) (string, error)
}

// Gateway invokes an OpenAI-compatible chat backend with the configured
// sampling parameters.
type Gateway struct {
	model    llms.Model
	sampling config.Sampling
	timeout  time.Duration
	logger   *zap.Logger
}

// New builds a Gateway from the backend and sampling sections of the config.
func New(cfg *config.Config, logger *zap.Logger) (*Gateway, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	apiKey := cfg.Backend.APIKey
	if apiKey == "" {
		// langchaingo requires a token; local OpenAI-compatible backends ignore it
		apiKey = "placeholder"
	}
	model, err := openai.New(
		openai.WithBaseURL(cfg.Backend.BaseURL),
		openai.WithModel(cfg.Backend.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating model client: %w", err)
	}
	return &Gateway{
		model:    model,
		sampling: cfg.Sampling,
		timeout:  cfg.Backend.Timeout(),
		logger:   logger,
	}, nil
}

// Invoke performs one chat completion. Transport failures and deadline
// expiry surface as ErrUnavailable; an empty completion as ErrRefused.
func (g *Gateway) Invoke(ctx context.Context, systemMessage, userMessage string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.model.GenerateContent(ctx,
		[]llms.MessageContent{
			llms.TextParts(schema.ChatMessageTypeSystem, systemMessage),
			llms.TextParts(schema.ChatMessageTypeHuman, userMessage),
		},
		llms.WithTemperature(g.sampling.Temperature),
		llms.WithMaxTokens(g.sampling.MaxTokens),
		llms.WithTopP(g.sampling.TopP),
		llms.WithFrequencyPenalty(g.sampling.FrequencyPenalty),
		llms.WithPresencePenalty(g.sampling.PresencePenalty),
	)
	if err != nil {
		g.logger.Warn("model call failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrRefused)
	}
	content := strings.TrimSpace(resp.Choices[0].Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty completion", ErrRefused)
	}
	g.logger.Debug("model call completed",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("response_chars", len(content)),
	)
	return content, nil
}
