package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/liushuangls/go-anthropic/v2"
)

// AnthropicClient writes long-form text with Claude models. It has no
// embedding endpoint and only implements Writer.
type AnthropicClient struct {
	config *ClientConfig
	client *anthropic.Client
}

func NewAnthropicClient(config *ClientConfig) *AnthropicClient {
	if config.Model == "" {
		config.Model = "claude-3-5-sonnet-latest"
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 3000
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}

	opts := []anthropic.ClientOption{
		anthropic.WithHTTPClient(&http.Client{Timeout: config.Timeout}),
	}
	if config.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(strings.TrimRight(config.BaseURL, "/")))
	}

	return &AnthropicClient{
		config: config,
		client: anthropic.NewClient(config.APIKey, opts...),
	}
}

func (c *AnthropicClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	if c.config.APIKey == "" {
		return "", errors.New("PROVIDER_API_KEY unset")
	}

	temperature := c.config.Temperature
	req := anthropic.MessagesRequest{
		Model: anthropic.Model(c.config.Model),
		Messages: []anthropic.Message{{
			Role:    anthropic.RoleUser,
			Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(prompt)},
		}},
		MaxTokens:   c.config.MaxTokens,
		Temperature: &temperature,
	}
	if system != "" {
		req.MultiSystem = []anthropic.MessageSystemPart{{Type: "text", Text: system}}
	}

	resp, err := c.client.CreateMessages(ctx, req)
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			b.WriteString(*block.Text)
		}
	}
	if b.Len() == 0 {
		return "", errors.New("no text content returned")
	}
	return strings.TrimSpace(b.String()), nil
}
