package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Specification struct {
	// Embedding provider.
	Provider   string `yaml:"provider"`
	APIKey     string `yaml:"providerApiKey" envconfig:"PROVIDER_API_KEY"`
	EmbedModel string `yaml:"providerEmbedModel" envconfig:"PROVIDER_EMBEDDING_MODEL"`
	BaseURL    string `yaml:"providerBaseURL" envconfig:"PROVIDER_BASE_URL"`
	ProjectID  string `yaml:"providerProjectID" envconfig:"PROVIDER_PROJECT_ID"`
	Location   string `yaml:"providerLocation" envconfig:"PROVIDER_LOCATION"`
	Dim        int    `yaml:"providerDim" envconfig:"EMBED_DIM"`

	Generator GeneratorSpecification `yaml:"generator"`
	Chunk     ChunkSpecification     `yaml:"chunk"`
	Index     IndexSpecification     `yaml:"index"`

	Concurrency     int           `yaml:"concurrency"`
	EmbedBatchSize  int           `yaml:"embedBatchSize" split_words:"true"`
	EmbedMaxRetries int           `yaml:"embedMaxRetries" split_words:"true"`
	EmbedRetryDelay time.Duration `yaml:"embedRetryDelay" split_words:"true"`
	MaxFileBytes    int64         `yaml:"maxFileBytes" split_words:"true"`
	IndexTimeout    time.Duration `yaml:"indexTimeout" split_words:"true"`
	QueryTimeout    time.Duration `yaml:"queryTimeout" split_words:"true"`
	GenerateTimeout time.Duration `yaml:"generateTimeout" split_words:"true"`

	TopK       int     `yaml:"topK" split_words:"true"`
	DocPenalty float64 `yaml:"docPenalty" split_words:"true"`
	MinScore   float64 `yaml:"minScore" split_words:"true"`

	Database string `yaml:"database" envconfig:"DB_URL"`
	RepoRoot string `yaml:"repoRoot" split_words:"true"`
	// AllowLocalSources lets index requests name paths on this machine.
	AllowLocalSources bool     `yaml:"allowLocalSources" split_words:"true"`
	RepoURL           string   `yaml:"repoURL" split_words:"true"`
	GithubToken       string   `yaml:"githubToken" envconfig:"GITHUB_TOKEN"`
	GitRef            string   `yaml:"gitRef" split_words:"true"`
	WorkDir           string   `yaml:"workDir" split_words:"true"`
	Query             string   `yaml:"query"`
	LogLevel          string   `yaml:"logLevel" split_words:"true"`
	Port              int      `yaml:"port" split_words:"true"`
	CORSOrigins       []string `yaml:"corsOrigins" envconfig:"CORS_ORIGINS"`

	flags *pflag.FlagSet `ignored:"true"`
}

// GeneratorSpecification configures the model that writes blog posts.
type GeneratorSpecification struct {
	Provider    string  `yaml:"provider"`
	APIKey      string  `yaml:"apiKey" split_words:"true"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"baseURL" split_words:"true"`
	MaxTokens   int     `yaml:"maxTokens" split_words:"true"`
	Temperature float32 `yaml:"temperature"`
}

type ChunkSpecification struct {
	MaxLines int `yaml:"maxLines" split_words:"true"`
	MaxChars int `yaml:"maxChars" split_words:"true"`
	Overlap  int `yaml:"overlap"`
}

// IndexSpecification selects and tunes the vector index backend.
type IndexSpecification struct {
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	Kind     string `yaml:"kind"`
	Lists    int    `yaml:"lists"`
	Probes   int    `yaml:"probes"`
	MinTrain int    `yaml:"minTrain" split_words:"true"`
}

const envPrefix = "REPOQUERY"

// DefaultCORSOrigins are the local front-end origins allowed by default.
var DefaultCORSOrigins = []string{
	"http://localhost",
	"http://localhost:3000",
	"http://localhost:3002",
	"http://localhost:8000",
	"http://127.0.0.1",
	"http://127.0.0.1:3000",
	"http://127.0.0.1:8000",
	"http://127.0.0.1:5500",
}

func (s *Specification) Usage() {
	fmt.Fprint(os.Stderr, s.flags.FlagUsages())
}

// Load => defaults < YAML < env < flags.
// configPath may be ""; if so we auto-discover. A .env file in the working
// directory is read first and never overrides variables already set.
func Load(configPath string, fs *pflag.FlagSet) (Specification, error) {
	var cfg Specification

	if err := loadDotEnv(".env"); err != nil {
		return Specification{}, fmt.Errorf("load .env: %w", err)
	}

	// set defaults (lowest precedence)
	setDefaults(&cfg)
	bindFlags(fs, &cfg)

	// config file
	path := configPath
	if path == "" {
		if v := os.Getenv(envPrefix + "_CONFIG"); v != "" {
			path = v
		} else {
			for _, cand := range []string{
				"config/repoquery.yaml",
				"config/config.yaml",
				"./repoquery.yaml",
				"./config.yaml",
			} {
				if fileExists(cand) {
					path = cand
					break
				}
			}
		}
	}

	if path != "" {
		if !fileExists(path) {
			return Specification{}, fmt.Errorf("config file not found: %s", path)
		}
		if err := loadYAML(path, &cfg); err != nil {
			return Specification{}, fmt.Errorf("load yaml %s: %w", path, err)
		}
	}

	// env overrides config file
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Specification{}, fmt.Errorf("env override: %w", err)
	}

	// flags override everything
	if err := fs.Parse(os.Args[1:]); err != nil {
		return Specification{}, err
	}
	applyChangedFlags(fs, &cfg)

	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
	if err := cfg.Validate(); err != nil {
		return Specification{}, err
	}
	return cfg, nil
}

// Validate checks the settings the core cannot run without.
func (s *Specification) Validate() error {
	var errs []error
	if s.Chunk.MaxLines < 1 {
		errs = append(errs, fmt.Errorf("chunk.maxLines must be at least 1, got %d", s.Chunk.MaxLines))
	}
	if s.Chunk.Overlap < 0 || s.Chunk.Overlap >= s.Chunk.MaxLines {
		errs = append(errs, fmt.Errorf("chunk.overlap (%d) must be smaller than chunk.maxLines (%d)", s.Chunk.Overlap, s.Chunk.MaxLines))
	}
	if s.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", s.Concurrency))
	}
	if s.EmbedBatchSize < 1 {
		errs = append(errs, fmt.Errorf("embedBatchSize must be at least 1, got %d", s.EmbedBatchSize))
	}
	if s.TopK < 1 {
		errs = append(errs, fmt.Errorf("topK must be at least 1, got %d", s.TopK))
	}
	switch s.Index.Backend {
	case "memory", "bolt":
	case "postgres":
		if strings.TrimSpace(s.Database) == "" {
			errs = append(errs, errors.New("REPOQUERY_DB_URL is required for the postgres index backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown index.backend %q (memory|bolt|postgres)", s.Index.Backend))
	}
	switch s.Index.Kind {
	case "flat", "ivf":
	default:
		errs = append(errs, fmt.Errorf("unknown index.kind %q (flat|ivf)", s.Index.Kind))
	}
	return errors.Join(errs...)
}

// ---------- helpers ----------

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func loadYAML(path string, into any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, into)
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && !fi.IsDir()
}

func bindFlags(fs *pflag.FlagSet, c *Specification) {
	fs.String("config", "", "Path to config file")

	// If --config is provided on the command line, capture it now so
	// config discovery (which runs before flags.Parse) can use it.
	for i, a := range os.Args {
		if a == "--config" {
			if i+1 < len(os.Args) && !strings.HasPrefix(os.Args[i+1], "-") {
				_ = os.Setenv(envPrefix+"_CONFIG", os.Args[i+1])
			}
		} else if strings.HasPrefix(a, "--config=") {
			parts := strings.SplitN(a, "=", 2)
			if len(parts) == 2 {
				_ = os.Setenv(envPrefix+"_CONFIG", parts[1])
			}
		}
	}

	fs.String("provider", c.Provider, "Embedding provider (stub|openai|vertexai)")
	fs.String("provider-api-key", c.APIKey, "Provider API key")
	fs.String("provider-embedding-model", c.EmbedModel, "Provider embedding model")
	fs.String("provider-base-url", c.BaseURL, "Provider API base URL (OpenAI-compatible endpoints)")
	fs.String("provider-project-id", c.ProjectID, "Provider project ID")
	fs.String("provider-location", c.Location, "Provider location/region")
	fs.Int("embed-dim", c.Dim, "Embedding dimensionality")

	fs.String("generator-provider", c.Generator.Provider, "Blog writer provider (stub|openai|vertexai|anthropic)")
	fs.String("generator-api-key", c.Generator.APIKey, "Blog writer API key")
	fs.String("generator-model", c.Generator.Model, "Blog writer model")
	fs.String("generator-base-url", c.Generator.BaseURL, "Blog writer API base URL")
	fs.Int("generator-max-tokens", c.Generator.MaxTokens, "Blog writer max output tokens")
	fs.Float32("generator-temperature", c.Generator.Temperature, "Blog writer sampling temperature")

	fs.Int("chunk-max-lines", c.Chunk.MaxLines, "Maximum lines per chunk")
	fs.Int("chunk-max-chars", c.Chunk.MaxChars, "Maximum characters per chunk (0 disables)")
	fs.Int("chunk-overlap", c.Chunk.Overlap, "Lines shared by consecutive windows of a split block")

	fs.Int("concurrency", c.Concurrency, "Concurrent chunk and embedding workers")
	fs.Int("embed-batch-size", c.EmbedBatchSize, "Chunks per embedding request")
	fs.Int("embed-max-retries", c.EmbedMaxRetries, "Retries per failed embedding request")
	fs.Duration("embed-retry-delay", c.EmbedRetryDelay, "Initial backoff between embedding retries")
	fs.Int64("max-file-bytes", c.MaxFileBytes, "Largest file accepted by the loader")
	fs.Duration("index-timeout", c.IndexTimeout, "Upper bound for one indexing run")
	fs.Duration("query-timeout", c.QueryTimeout, "Upper bound for one /api/v1/query request")
	fs.Duration("generate-timeout", c.GenerateTimeout, "Upper bound for one /api/v1/generate_blog request")

	fs.String("index-backend", c.Index.Backend, "Vector index backend (memory|bolt|postgres)")
	fs.String("index-path", c.Index.Path, "Bolt database file")
	fs.String("index-kind", c.Index.Kind, "In-memory search structure (flat|ivf)")
	fs.Int("index-lists", c.Index.Lists, "IVF list count (0 derives sqrt(n))")
	fs.Int("index-probes", c.Index.Probes, "IVF lists probed per query")
	fs.Int("index-min-train", c.Index.MinTrain, "Entries required before IVF is built")
	fs.String("db-url", c.Database, "Database URL (DSN)")

	fs.Int("top-k", c.TopK, "Default number of query results")
	fs.Float64("doc-penalty", c.DocPenalty, "Score multiplier for documentation files (1 disables)")
	fs.Float64("min-score", c.MinScore, "Drop results scoring below this value")

	fs.String("repo-root", c.RepoRoot, "Path to local repo root")
	fs.Bool("allow-local-sources", c.AllowLocalSources, "Accept local paths as repository sources")
	fs.String("git-repo", c.RepoURL, "Git repository URL")
	fs.String("github-token", c.GithubToken, "GitHub API token")
	fs.String("git-ref", c.GitRef, "Git reference (branch/tag)")
	fs.String("work-dir", c.WorkDir, "Directory for temporary clones")
	fs.String("query", c.Query, "Run a query after indexing (indexer only)")

	fs.String("log-level", c.LogLevel, "Log level (debug|info|warn|error)")
	fs.Int("port", c.Port, "API server port")
	fs.StringSlice("cors-origins", c.CORSOrigins, "Allowed CORS origins")

	// Used later for usage/help
	// create a shallow copy of fs (so Usage can be called safely without mutating caller)
	copied := pflag.NewFlagSet("temp", pflag.ContinueOnError)
	*copied = *fs
	c.flags = copied
}

func applyChangedFlags(fs *pflag.FlagSet, c *Specification) {
	setStr := func(name string, dst *string) {
		if fs.Changed(name) {
			v, _ := fs.GetString(name)
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if fs.Changed(name) {
			v, _ := fs.GetInt(name)
			*dst = v
		}
	}
	setInt64 := func(name string, dst *int64) {
		if fs.Changed(name) {
			v, _ := fs.GetInt64(name)
			*dst = v
		}
	}
	setFloat := func(name string, dst *float64) {
		if fs.Changed(name) {
			v, _ := fs.GetFloat64(name)
			*dst = v
		}
	}
	setDur := func(name string, dst *time.Duration) {
		if fs.Changed(name) {
			v, _ := fs.GetDuration(name)
			*dst = v
		}
	}

	// (We ignore --config here; it's for discovery.)
	setStr("provider", &c.Provider)
	setStr("provider-api-key", &c.APIKey)
	setStr("provider-embedding-model", &c.EmbedModel)
	setStr("provider-base-url", &c.BaseURL)
	setStr("provider-project-id", &c.ProjectID)
	setStr("provider-location", &c.Location)
	setInt("embed-dim", &c.Dim)

	setStr("generator-provider", &c.Generator.Provider)
	setStr("generator-api-key", &c.Generator.APIKey)
	setStr("generator-model", &c.Generator.Model)
	setStr("generator-base-url", &c.Generator.BaseURL)
	setInt("generator-max-tokens", &c.Generator.MaxTokens)
	if fs.Changed("generator-temperature") {
		v, _ := fs.GetFloat32("generator-temperature")
		c.Generator.Temperature = v
	}

	setInt("chunk-max-lines", &c.Chunk.MaxLines)
	setInt("chunk-max-chars", &c.Chunk.MaxChars)
	setInt("chunk-overlap", &c.Chunk.Overlap)

	setInt("concurrency", &c.Concurrency)
	setInt("embed-batch-size", &c.EmbedBatchSize)
	setInt("embed-max-retries", &c.EmbedMaxRetries)
	setDur("embed-retry-delay", &c.EmbedRetryDelay)
	setInt64("max-file-bytes", &c.MaxFileBytes)
	setDur("index-timeout", &c.IndexTimeout)
	setDur("query-timeout", &c.QueryTimeout)
	setDur("generate-timeout", &c.GenerateTimeout)

	setStr("index-backend", &c.Index.Backend)
	setStr("index-path", &c.Index.Path)
	setStr("index-kind", &c.Index.Kind)
	setInt("index-lists", &c.Index.Lists)
	setInt("index-probes", &c.Index.Probes)
	setInt("index-min-train", &c.Index.MinTrain)
	setStr("db-url", &c.Database)

	setInt("top-k", &c.TopK)
	setFloat("doc-penalty", &c.DocPenalty)
	setFloat("min-score", &c.MinScore)

	setStr("repo-root", &c.RepoRoot)
	if fs.Changed("allow-local-sources") {
		v, _ := fs.GetBool("allow-local-sources")
		c.AllowLocalSources = v
	}
	setStr("git-repo", &c.RepoURL)
	setStr("github-token", &c.GithubToken)
	setStr("git-ref", &c.GitRef)
	setStr("work-dir", &c.WorkDir)
	setStr("query", &c.Query)

	setStr("log-level", &c.LogLevel)
	setInt("port", &c.Port)
	if fs.Changed("cors-origins") {
		v, _ := fs.GetStringSlice("cors-origins")
		c.CORSOrigins = v
	}
}

func setDefaults(c *Specification) {
	c.Provider = "stub"
	c.Location = "us-central1"
	c.Dim = 0

	c.Generator.Provider = "stub"
	c.Generator.MaxTokens = 3000
	c.Generator.Temperature = 0.7

	c.Chunk.MaxLines = 60
	c.Chunk.MaxChars = 4000
	c.Chunk.Overlap = 5

	c.Concurrency = 4
	c.EmbedBatchSize = 32
	c.EmbedMaxRetries = 3
	c.EmbedRetryDelay = time.Second
	c.MaxFileBytes = 1 << 20
	c.IndexTimeout = 10 * time.Minute
	c.QueryTimeout = 10 * time.Second
	c.GenerateTimeout = 15 * time.Minute

	c.Index.Backend = "memory"
	c.Index.Path = "repoquery.db"
	c.Index.Kind = "flat"
	c.Index.Probes = 4
	c.Index.MinTrain = 1024

	c.TopK = 5
	c.DocPenalty = 0.5
	c.MinScore = 0

	c.RepoRoot = "."
	c.AllowLocalSources = false
	c.GitRef = ""
	c.GithubToken = ""
	c.LogLevel = "info"
	c.Port = 8080
	c.CORSOrigins = append([]string(nil), DefaultCORSOrigins...)
}
