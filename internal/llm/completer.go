package llm

import (
	"context"
	"errors"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/charchat-go/internal/config"
)

// ProviderError is returned by Completer for any upstream failure: network,
// authentication, rate limiting or an unusable response.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string {
	var apiErr *openai.APIError
	if errors.As(e.Err, &apiErr) {
		return apiErr.Message
	}
	return e.Err.Error()
}

func (e *ProviderError) Unwrap() error { return e.Err }

var errNoChoices = errors.New("provider returned no choices")

// Client is the part of *openai.Client a Completer needs.
type Client interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// NewClient builds an OpenAI-compatible client. A non-empty BaseURL points it
// at another provider, e.g. https://api.deepseek.com.
func NewClient(cfg config.LLMConfig) *openai.Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(oc)
}

// Completer turns an ordered chat context into a single reply. Model, reply
// length and temperature are fixed at construction.
type Completer struct {
	client      Client
	model       string
	maxTokens   int
	temperature float32
}

func NewCompleter(client Client, cfg config.LLMConfig) *Completer {
	return &Completer{
		client:      client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

// Complete sends messages to the provider and returns the first choice's content.
func (c *Completer) Complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", &ProviderError{Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &ProviderError{Err: errNoChoices}
	}
	return resp.Choices[0].Message.Content, nil
}
