// Package app assembles the services shared by the api and indexer commands
// from a loaded configuration.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoquery/internal/ai"
	"github.com/seanblong/repoquery/internal/blog"
	"github.com/seanblong/repoquery/internal/chunker"
	"github.com/seanblong/repoquery/internal/config"
	"github.com/seanblong/repoquery/internal/indexer"
	"github.com/seanblong/repoquery/internal/loader"
	"github.com/seanblong/repoquery/internal/registry"
	"github.com/seanblong/repoquery/internal/search"
	"github.com/seanblong/repoquery/internal/vectorindex"
)

type App struct {
	Embedder ai.Embedder
	Writer   ai.Writer
	Index    vectorindex.Index
	Registry *registry.Registry
	Indexer  *indexer.Indexer
	Search   *search.Service
	Blog     *blog.Generator
}

// New wires every service described by cfg and restores repositories held
// by a persistent index. The caller owns the returned App and must Close it.
func New(ctx context.Context, cfg config.Specification) (*App, error) {
	embedCfg := EmbedderConfig(cfg)
	base, err := ai.NewEmbedder(ctx, embedCfg)
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	embedder := ai.NewRetryEmbedder(base, embedCfg.Provider, cfg.EmbedMaxRetries, cfg.EmbedRetryDelay)

	writer, err := ai.NewWriter(ctx, WriterConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}

	log.Info().
		Str("provider", string(embedCfg.Provider)).
		Str("embed_model", embedCfg.EmbedModel).
		Int("embedding_dim", embedder.Dim()).
		Str("generator", cfg.Generator.Provider).
		Msg("AI clients initialized")

	index, err := vectorindex.Open(ctx, vectorindex.Config{
		Backend:     cfg.Index.Backend,
		Path:        cfg.Index.Path,
		DatabaseURL: cfg.Database,
		Options: vectorindex.Options{
			Kind:     cfg.Index.Kind,
			Lists:    cfg.Index.Lists,
			Probes:   cfg.Index.Probes,
			MinTrain: cfg.Index.MinTrain,
			Dim:      embedder.Dim(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open %s index: %w", cfg.Index.Backend, err)
	}

	ch, err := chunker.New(chunker.Options{
		MaxLines: cfg.Chunk.MaxLines,
		MaxChars: cfg.Chunk.MaxChars,
		Overlap:  cfg.Chunk.Overlap,
	})
	if err != nil {
		index.Close()
		return nil, fmt.Errorf("create chunker: %w", err)
	}

	dir := loader.NewDir(cfg.MaxFileBytes)
	sources := &loader.Resolver{Remote: loader.NewGit(dir, cfg.GitRef, cfg.GithubToken, cfg.WorkDir)}
	if cfg.AllowLocalSources {
		sources.Local = dir
	}
	reg := registry.New()
	ix, err := indexer.New(indexer.Options{
		Loader:      sources,
		Chunker:     ch,
		Embedder:    embedder,
		Index:       index,
		Registry:    reg,
		BatchSize:   cfg.EmbedBatchSize,
		Concurrency: cfg.Concurrency,
		Timeout:     cfg.IndexTimeout,
	})
	if err != nil {
		index.Close()
		return nil, err
	}
	if err := ix.Restore(ctx); err != nil {
		index.Close()
		return nil, err
	}

	svc := search.NewService(embedder, index, reg, search.Options{
		DefaultK:   cfg.TopK,
		DocPenalty: cfg.DocPenalty,
		MinScore:   cfg.MinScore,
	})

	return &App{
		Embedder: embedder,
		Writer:   writer,
		Index:    index,
		Registry: reg,
		Indexer:  ix,
		Search:   svc,
		Blog:     &blog.Generator{Indexer: ix, Search: svc, Writer: writer, TopK: cfg.TopK},
	}, nil
}

func (a *App) Close() error {
	return a.Index.Close()
}

// EmbedderConfig maps the provider settings of cfg to a client config.
func EmbedderConfig(cfg config.Specification) *ai.ClientConfig {
	return &ai.ClientConfig{
		Provider:   providerName(cfg.Provider),
		APIKey:     cfg.APIKey,
		EmbedModel: cfg.EmbedModel,
		BaseURL:    cfg.BaseURL,
		ProjectID:  cfg.ProjectID,
		Location:   cfg.Location,
		Dim:        cfg.Dim,
	}
}

// WriterConfig maps the generator settings of cfg to a client config. A
// generator on the same provider as the embedder inherits its credentials.
func WriterConfig(cfg config.Specification) *ai.ClientConfig {
	g := cfg.Generator
	c := &ai.ClientConfig{
		Provider:    providerName(g.Provider),
		APIKey:      g.APIKey,
		Model:       g.Model,
		BaseURL:     g.BaseURL,
		ProjectID:   cfg.ProjectID,
		Location:    cfg.Location,
		Dim:         cfg.Dim,
		MaxTokens:   g.MaxTokens,
		Temperature: g.Temperature,
	}
	if c.Provider == providerName(cfg.Provider) {
		if c.APIKey == "" {
			c.APIKey = cfg.APIKey
		}
		if c.BaseURL == "" {
			c.BaseURL = cfg.BaseURL
		}
	}
	return c
}

func providerName(s string) ai.Provider {
	switch p := strings.ToLower(strings.TrimSpace(s)); p {
	case "google":
		return ai.ProviderVertexAI
	case "":
		return ai.ProviderStub
	default:
		return ai.Provider(p)
	}
}
