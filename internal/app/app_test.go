package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/seanblong/repoquery/internal/ai"
	"github.com/seanblong/repoquery/internal/config"
	"github.com/seanblong/repoquery/internal/loader"
	"github.com/seanblong/repoquery/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

func testConfig() config.Specification {
	return config.Specification{
		Provider:        "stub",
		Dim:             128,
		Generator:       config.GeneratorSpecification{Provider: "stub"},
		Chunk:           config.ChunkSpecification{MaxLines: 60, MaxChars: 4000, Overlap: 5},
		Index:           config.IndexSpecification{Backend: "memory", Kind: "flat", Probes: 4, MinTrain: 1024},
		Concurrency:     2,
		EmbedBatchSize:  8,
		EmbedMaxRetries: 1,
		EmbedRetryDelay: time.Millisecond,
		MaxFileBytes:    1 << 20,
		IndexTimeout:    time.Minute,
		TopK:            5,
		DocPenalty:      0.5,

		AllowLocalSources: true,
	}
}

func writeRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n\nfunc main() {\n\tserveHTTP()\n}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "db.go"), []byte("package main\n\nfunc openDatabase() {}\n"), 0o644))
	return root
}

func TestNewMemory(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	assert.Equal(t, 128, a.Embedder.Dim())

	root := writeRepo(t)
	res, err := a.Indexer.Index(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FileCount)
	assert.Equal(t, models.StatusReady, res.Status)

	repo, matches, err := a.Search.QueryActive(ctx, "openDatabase", 1)
	require.NoError(t, err)
	assert.Equal(t, res.RepoID, repo.ID)
	require.Len(t, matches, 1)
	assert.Equal(t, "db.go", matches[0].Entry.Path)
}

func TestNewBoltRestoresRepositories(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Index.Backend = "bolt"
	cfg.Index.Path = filepath.Join(t.TempDir(), "index.db")

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	res, err := a.Indexer.Index(ctx, writeRepo(t))
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	active, ok := b.Registry.Active()
	require.True(t, ok)
	assert.Equal(t, res.RepoID, active.ID)
	assert.Equal(t, res.ChunkCount, active.ChunkCount)

	_, matches, err := b.Search.QueryActive(ctx, "serve http", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, matches)
}

func TestNewLocalSourcesDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.AllowLocalSources = false

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	root := writeRepo(t)
	for _, source := range []string{root, "file://" + root} {
		_, err = a.Indexer.Index(ctx, source)
		assert.ErrorIs(t, err, loader.ErrSourceDisabled, source)
	}
	repos, err := a.Index.Repositories(ctx)
	require.NoError(t, err)
	assert.Empty(t, repos)
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Provider = "nope"
	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "create embedder")

	cfg = testConfig()
	cfg.Provider = "anthropic"
	_, err = New(context.Background(), cfg)
	assert.ErrorContains(t, err, "does not support embeddings")
}

func TestWriterConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Provider = "openai"
	cfg.APIKey = "embed-key"
	cfg.BaseURL = "http://embed"
	cfg.Generator = config.GeneratorSpecification{Provider: "OpenAI", Model: "gpt-4o", MaxTokens: 3000, Temperature: 0.7}

	c := WriterConfig(cfg)
	assert.Equal(t, ai.ProviderOpenAI, c.Provider)
	assert.Equal(t, "embed-key", c.APIKey)
	assert.Equal(t, "http://embed", c.BaseURL)
	assert.Equal(t, "gpt-4o", c.Model)
	assert.Equal(t, 3000, c.MaxTokens)
	assert.InDelta(t, 0.7, c.Temperature, 1e-6)

	cfg.Generator.Provider = "anthropic"
	cfg.Generator.APIKey = "writer-key"
	c = WriterConfig(cfg)
	assert.Equal(t, ai.ProviderAnthropic, c.Provider)
	assert.Equal(t, "writer-key", c.APIKey)
	assert.Empty(t, c.BaseURL)
}

func TestProviderName(t *testing.T) {
	tests := map[string]ai.Provider{
		"":          ai.ProviderStub,
		"stub":      ai.ProviderStub,
		" OpenAI ":  ai.ProviderOpenAI,
		"google":    ai.ProviderVertexAI,
		"vertexai":  ai.ProviderVertexAI,
		"anthropic": ai.ProviderAnthropic,
	}
	for in, want := range tests {
		assert.Equal(t, want, providerName(in), in)
	}
}
