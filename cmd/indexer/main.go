package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoquery/internal/app"
	"github.com/seanblong/repoquery/internal/config"
	"github.com/seanblong/repoquery/internal/search"
	"github.com/spf13/pflag"
)

func main() {
	fs := pflag.NewFlagSet("repoquery-indexer", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	fs.Usage = cfg.Usage
	// the operator names the source on the command line
	cfg.AllowLocalSources = true

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// a remote URL wins over the local root
	source := cfg.RepoURL
	if source == "" {
		source = cfg.RepoRoot
	}
	log.Info().Str("source", source).Str("provider", cfg.Provider).Str("index_backend", cfg.Index.Backend).Msg("indexing")

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}

	code := run(ctx, a, source, cfg.Query)
	if err := a.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close index")
	}
	os.Exit(code)
}

func run(ctx context.Context, a *app.App, source, query string) int {
	res, err := a.Indexer.Index(ctx, source)
	if err != nil {
		log.Error().Err(err).Msg("indexing failed")
		return 1
	}
	log.Info().
		Str("repo", res.RepoID).
		Int("files", res.FileCount).
		Int("chunks", res.ChunkCount).
		Int("skipped", res.SkippedFiles).
		Msg("repository indexed")

	if query == "" {
		return 0
	}
	matches, err := a.Search.Query(ctx, res.RepoID, query, 0)
	if err != nil {
		log.Error().Err(err).Msg("query failed")
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(search.Results(matches)); err != nil {
		log.Error().Err(err).Msg("failed to write results")
		return 1
	}
	return 0
}
