package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// EmbeddingServiceError wraps the last failure of an embedding provider once
// the retry budget is spent.
type EmbeddingServiceError struct {
	Provider Provider
	Attempts int
	Err      error
}

func (e *EmbeddingServiceError) Error() string {
	return fmt.Sprintf("embedding service %s failed after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
}

func (e *EmbeddingServiceError) Unwrap() error { return e.Err }

// RetryEmbedder retries a failing Embedder with exponential backoff.
type RetryEmbedder struct {
	Embedder   Embedder
	Provider   Provider
	MaxRetries int
	Delay      time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryEmbedder wraps e. maxRetries counts retries after the first attempt.
func NewRetryEmbedder(e Embedder, provider Provider, maxRetries int, delay time.Duration) *RetryEmbedder {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryEmbedder{
		Embedder:   e,
		Provider:   provider,
		MaxRetries: maxRetries,
		Delay:      delay,
		sleep:      sleepCtx,
	}
}

func (r *RetryEmbedder) Dim() int { return r.Embedder.Dim() }

func (r *RetryEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	delay := r.Delay
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		attempts++
		out, err := r.Embedder.Embed(ctx, texts)
		if err == nil {
			return out, nil
		}
		// caller cancellation is not a service failure
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		lastErr = err

		if attempt == r.MaxRetries {
			break
		}
		log.Warn().Err(err).
			Str("provider", string(r.Provider)).
			Int("attempt", attempts).
			Dur("backoff", delay).
			Msg("embedding call failed, retrying")

		sleep := r.sleep
		if sleep == nil {
			sleep = sleepCtx
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay *= 2
	}

	return nil, &EmbeddingServiceError{Provider: r.Provider, Attempts: attempts, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
