package inference

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"coinpulse/internal/domain"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIClient asks a chat completion model for the JSON verdict.
type OpenAIClient struct {
	client  openai.Client
	model   string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewOpenAIClient builds a client with SDK retries disabled so a 429 reaches
// the caller at once. baseURL may be empty.
func NewOpenAIClient(apiKey, model, baseURL string, timeout time.Duration) *OpenAIClient {
	if model == "" {
		model = DefaultOpenAIModel
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client:  openai.NewClient(opts...),
		model:   model,
		timeout: timeout,
		logger:  log.With().Str("component", "openai_inferer").Logger(),
	}
}

func (c *OpenAIClient) Infer(ctx context.Context, req Request) (string, error) {
	prompt, err := Prompt(req)
	if err != nil {
		return "", err
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	completion, err := c.client.Chat.Completions.New(callCtx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
			c.logger.Warn().Str("coin", req.Coin).Msg("openai rate limited")
			return "", fmt.Errorf("%w: %w", domain.ErrRateLimited, err)
		}
		return "", fmt.Errorf("%w: openai completion: %w", domain.ErrNetwork, err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", domain.ErrParse)
	}
	return completion.Choices[0].Message.Content, nil
}
