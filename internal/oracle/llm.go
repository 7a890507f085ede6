package oracle

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/fyrsmithlabs/rankpipe/internal/config"
)

// Client is an LLM backed by an OpenAI-compatible chat completions API
// (LiteLLM, vLLM, Ollama or OpenAI itself).
type Client struct {
	api     *openai.Client
	models  []string
	timeout time.Duration
}

// NewClient creates a chat client from cfg.
func NewClient(cfg config.LLMConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm base URL required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid llm base URL: %w", err)
	}
	if len(cfg.Models) == 0 {
		return nil, fmt.Errorf("at least one llm model required")
	}

	// Some OpenAI-compatible services don't require authentication.
	apiKey := cfg.APIKey.Value()
	if apiKey == "" {
		apiKey = "dummy-key"
	}
	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.BaseURL = cfg.BaseURL

	return &Client{
		api:     openai.NewClientWithConfig(clientConfig),
		models:  append([]string(nil), cfg.Models...),
		timeout: cfg.Timeout.Duration(),
	}, nil
}

// Models returns the supported model ids in configured order.
func (c *Client) Models() []string {
	return append([]string(nil), c.models...)
}

// Supports implements LLM.
func (c *Client) Supports(model string) bool {
	return contains(c.models, model)
}

// Generate implements LLM. The configured timeout bounds each call.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	if !c.Supports(req.Model) {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedModel, req.Model)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

var _ LLM = (*Client)(nil)
