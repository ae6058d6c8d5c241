// Package llm wraps OpenAI compatible chat and embedding endpoints behind
// small interfaces the stages depend on.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wehubfusion/Daedalus/pkg/config"
	apperrors "github.com/wehubfusion/Daedalus/pkg/errors"
)

// ChatOptions tunes one chat request
type ChatOptions struct {
	System      string
	Temperature float32
	// N is the number of completions requested. Values below 1 mean 1.
	N         int
	MaxTokens int
}

// ChatModel returns one or more completions for a prompt
type ChatModel interface {
	Chat(ctx context.Context, prompt string, opts ChatOptions) ([]string, error)
}

// Embedder maps texts to vectors, one per text in input order
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Client talks to an OpenAI compatible API. Every request waits on a shared
// rate limiter.
type Client struct {
	api            *openai.Client
	model          string
	embeddingModel string
	limiter        *rate.Limiter
	logger         *zap.Logger
}

// NewClient builds a client from the LLM configuration
func NewClient(cfg config.LLMConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, apperrors.NewError(apperrors.ErrorCodeConfiguration, "llm api key or base url is required", apperrors.ErrInvalidConfig)
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	logger.Info("Initializing LLM client",
		zap.String("model", cfg.Model),
		zap.String("embedding_model", cfg.EmbeddingModel),
		zap.Float64("requests_per_second", cfg.RequestsPerSecond))

	return &Client{
		api:            openai.NewClientWithConfig(apiCfg),
		model:          cfg.Model,
		embeddingModel: cfg.EmbeddingModel,
		limiter:        rate.NewLimiter(limit, burst),
		logger:         logger,
	}, nil
}

// Model returns the chat model name
func (c *Client) Model() string {
	return c.model
}

// Chat implements ChatModel
func (c *Client) Chat(ctx context.Context, prompt string, opts ChatOptions) ([]string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llm rate limiter: %w", err)
	}

	system := opts.System
	if system == "" {
		system = "You are an expert SQLite developer."
	}
	n := opts.N
	if n < 1 {
		n = 1
	}

	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: opts.Temperature,
		N:           n,
	}
	if opts.MaxTokens > 0 {
		req.MaxCompletionTokens = opts.MaxTokens
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classify("chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}

	out := make([]string, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		out = append(out, choice.Message.Content)
	}
	c.logger.Debug("Chat completion",
		zap.String("model", c.model),
		zap.Int("choices", len(out)),
		zap.Int("total_tokens", resp.Usage.TotalTokens))
	return out, nil
}

// Embed implements Embedder against the configured embedding model
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("llm rate limiter: %w", err)
	}

	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, classify("embeddings", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings returned %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// classify maps API status codes onto coded errors so they categorize well
func classify(op string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := apperrors.ErrorCodeExecution
		switch apiErr.HTTPStatusCode {
		case 401, 403:
			code = apperrors.ErrorCodeUnauthorized
		case 404:
			code = apperrors.ErrorCodeNotFound
		case 429:
			code = apperrors.ErrorCodeRateLimit
		case 408, 504:
			code = apperrors.ErrorCodeTimeout
		}
		return apperrors.NewError(code, fmt.Sprintf("%s failed: %s", op, apiErr.Message), err)
	}
	return fmt.Errorf("%s failed: %w", op, err)
}
