package ai

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"
	"unicode"
)

// Embedder maps text segments to fixed-length vectors.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// Writer produces long-form text from a system instruction and a user prompt.
type Writer interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderVertexAI  Provider = "vertexai"
	ProviderAnthropic Provider = "anthropic"
	ProviderStub      Provider = "stub"
)

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	Provider    Provider
	APIKey      string
	EmbedModel  string
	Model       string
	BaseURL     string
	ProjectID   string
	Location    string
	Dim         int
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// NewEmbedder creates an embedding client based on configuration.
func NewEmbedder(ctx context.Context, config *ClientConfig) (Embedder, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	case ProviderAnthropic:
		return nil, fmt.Errorf("provider %s does not support embeddings", config.Provider)
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// NewWriter creates a text generation client based on configuration.
func NewWriter(ctx context.Context, config *ClientConfig) (Writer, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderAnthropic:
		return NewAnthropicClient(config), nil
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

const defaultStubDim = 256

// StubClient is an offline Embedder and Writer. Embeddings are hashed
// bag-of-words vectors, so texts sharing words score closer than unrelated
// ones and results are reproducible across runs.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient. A non-positive dim selects 256.
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = defaultStubDim
	}
	return &StubClient{dim: dim}
}

// Embed implements the embedding functionality
func (s *StubClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = s.embedOne(t)
	}
	return out, nil
}

func (s *StubClient) embedOne(text string) []float32 {
	v := make([]float32, s.dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New64a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum64()
		idx := int(sum % uint64(s.dim))
		if sum&(1<<63) != 0 {
			v[idx] -= 1
		} else {
			v[idx] += 1
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		// keep the vector non-zero so cosine stays defined
		v[0] = 1
		return v
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// Generate returns a fixed-format draft built from the prompt.
func (s *StubClient) Generate(ctx context.Context, system, prompt string) (string, error) {
	title := "Draft"
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Topic:") {
			title = strings.TrimSpace(strings.TrimPrefix(line, "Topic:"))
			break
		}
	}
	return "# " + title + "\n\n" + prompt, nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}
