package ai

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIClient struct {
	config *ClientConfig
	client *openai.Client
	// requestDim is sent as the dimensions parameter when the caller pinned one.
	requestDim int
}

func NewOpenAIClient(config *ClientConfig) *OpenAIClient {
	requestDim := config.Dim

	// Set default models if not provided
	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-3-small"
	}
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	if config.Dim == 0 {
		switch config.EmbedModel {
		case "text-embedding-3-large":
			config.Dim = 3072
		default:
			config.Dim = 1536
		}
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()

	// Corporate proxies sometimes re-sign TLS traffic.
	if skipTLS, _ := strconv.ParseBool(os.Getenv("REPOQUERY_SKIP_TLS_VERIFY")); skipTLS {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	var rt http.RoundTripper = transport
	if strings.HasPrefix(config.APIKey, "sk-proj-") && config.ProjectID != "" {
		rt = &projectTransport{base: transport, project: config.ProjectID}
	}

	oc := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{
		Timeout:   config.Timeout,
		Transport: rt,
	}

	if !strings.HasPrefix(config.EmbedModel, "text-embedding-3") {
		requestDim = 0
	}

	return &OpenAIClient{
		config:     config,
		client:     openai.NewClientWithConfig(oc),
		requestDim: requestDim,
	}
}

// Embed implements the embedding functionality
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.config.APIKey == "" {
		return nil, errors.New("PROVIDER_API_KEY unset")
	}
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	req := openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(c.config.EmbedModel),
		Dimensions: c.requestDim,
	}
	resp, err := c.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) || out[idx] != nil {
			// the response index is unreliable; fall back to position
			idx = i
		}
		out[idx] = d.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, fmt.Errorf("openai embeddings: missing vector for input %d", i)
		}
	}
	return out, nil
}

// Generate implements the Writer functionality through chat completions.
func (c *OpenAIClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	if c.config.APIKey == "" {
		return "", errors.New("PROVIDER_API_KEY unset")
	}

	req := openai.ChatCompletionRequest{
		Model: c.config.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (c *OpenAIClient) Dim() int {
	return c.config.Dim
}

// projectTransport adds the OpenAI-Project header required by project keys.
type projectTransport struct {
	base    http.RoundTripper
	project string
}

func (t *projectTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("OpenAI-Project", t.project)
	return t.base.RoundTrip(r)
}
