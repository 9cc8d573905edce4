package data

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kawayiYokami/angelheart/internal/biz/repo"
)

// ModelConfig contains lightweight-model provider configuration
type ModelConfig struct {
	APIKey      string
	BaseURL     string // OpenAI-compatible endpoint, default official API
	Model       string
	MaxTokens   int
	Temperature float32
}

// modelRepo implements the model-call capability on any
// OpenAI-compatible provider
type modelRepo struct {
	client *openai.Client
	cfg    ModelConfig
	logger *zap.Logger
}

// NewModelRepo creates a model repository. Returns nil when no API key
// is configured so callers can treat the analyzer model as absent.
func NewModelRepo(cfg ModelConfig, logger *zap.Logger) repo.ModelRepo {
	if cfg.APIKey == "" {
		return nil
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	return &modelRepo{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger,
	}
}

// Chat sends one system+user exchange and returns the raw completion text
func (r *modelRepo) Chat(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userMessage},
		},
		// low temperature keeps the decision JSON deterministic
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	})
	if err != nil {
		return "", classifyModelError(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no response choices", repo.ErrMalformedResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

// classifyModelError maps transport errors onto the typed failure classes
func classifyModelError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", repo.ErrModelTimeout, err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 408 {
			return fmt.Errorf("%w: %v", repo.ErrModelTimeout, err)
		}
		return fmt.Errorf("%w: %v", repo.ErrProviderUnavailable, err)
	}
}
