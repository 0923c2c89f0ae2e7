// Package vectorindex stores embedded chunks per repository and answers
// nearest-neighbour queries by cosine similarity.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/seanblong/repoquery/pkg/models"
)

var (
	// ErrNotIndexed is returned by Search for a repository with no published index.
	ErrNotIndexed = errors.New("repository is not indexed")
	// ErrDimensionMismatch is returned when a vector does not match the index dimensionality.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

const (
	KindFlat = "flat"
	KindIVF  = "ivf"

	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

// Index is the shared store of repository embeddings.
//
// UpsertRepository replaces every entry of a repository in one step: a
// concurrent Search sees either the previous set or the new one. Entries are
// ranked in the order given, which breaks score ties in Search.
type Index interface {
	UpsertRepository(ctx context.Context, repoID string, entries []models.IndexEntry) error
	Search(ctx context.Context, repoID string, query []float32, k int) ([]models.Match, error)
	Repositories(ctx context.Context) ([]models.IndexedRepository, error)
	Close() error
}

// Options tunes search structures. Dim pins the vector dimensionality up
// front; zero lets the first non-empty upsert decide.
type Options struct {
	Kind     string
	Lists    int
	Probes   int
	MinTrain int
	Dim      int
}

// Config selects and configures a backend.
type Config struct {
	Backend     string
	Path        string
	DatabaseURL string
	Options
}

// Open returns the backend named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Index, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemory(cfg.Options), nil
	case BackendBolt:
		return OpenBolt(cfg.Path, cfg.Options)
	case BackendPostgres:
		p, err := NewPostgres(ctx, cfg.DatabaseURL, cfg.Options)
		if err != nil {
			return nil, err
		}
		if err := p.Migrate(ctx, cfg.Dim); err != nil {
			p.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported index backend: %s", cfg.Backend)
	}
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}
