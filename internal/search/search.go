// Package search answers natural-language queries against an indexed repository.
package search

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoquery/internal/ai"
	"github.com/seanblong/repoquery/internal/registry"
	"github.com/seanblong/repoquery/internal/vectorindex"
	"github.com/seanblong/repoquery/pkg/models"
)

var (
	ErrEmptyQuery    = errors.New("query is empty")
	ErrNoActiveIndex = errors.New("no repository has been indexed yet")
	ErrNotIndexed    = vectorindex.ErrNotIndexed
)

type Options struct {
	// DefaultK is used when a caller passes k <= 0.
	DefaultK int
	// DocPenalty scales the score of documentation files. 0 or 1 disables it.
	DocPenalty float64
	// MinScore drops matches scoring below it when positive.
	MinScore float64
}

type Service struct {
	Embedder ai.Embedder
	Index    vectorindex.Index
	Registry *registry.Registry
	opts     Options
}

// NewService creates a new search service with the provided embedder and index
func NewService(embedder ai.Embedder, index vectorindex.Index, reg *registry.Registry, opts Options) *Service {
	return &Service{
		Embedder: embedder,
		Index:    index,
		Registry: reg,
		opts:     opts,
	}
}

// Query returns up to k matches for text in repository repoID, best first.
func (s *Service) Query(ctx context.Context, repoID, text string, k int) ([]models.Match, error) {
	q := strings.TrimSpace(text)
	if q == "" {
		return nil, ErrEmptyQuery
	}
	if k <= 0 {
		k = s.opts.DefaultK
	}
	if k <= 0 {
		return []models.Match{}, nil
	}
	if s.Registry != nil {
		repo, ok := s.Registry.Get(repoID)
		if !ok || !repo.Queryable() {
			// another process may have published it to a shared backend
			if err := s.refresh(ctx); err != nil {
				return nil, err
			}
			repo, ok = s.Registry.Get(repoID)
		}
		if !ok || !repo.Queryable() {
			return nil, fmt.Errorf("%w: %s", ErrNotIndexed, repoID)
		}
	}

	vecs, err := s.Embedder.Embed(ctx, []string{q})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vecs))
	}

	penalize := s.opts.DocPenalty > 0 && s.opts.DocPenalty != 1
	fetch := k
	if penalize {
		// a penalized doc can fall behind code that ranked below k
		fetch = 2 * k
	}

	matches, err := s.Index.Search(ctx, repoID, vecs[0], fetch)
	if err != nil {
		return nil, err
	}

	out := make([]models.Match, 0, len(matches))
	for _, m := range matches {
		if penalize && isDoc(m.Entry.Path) {
			m.Score *= s.opts.DocPenalty
		}
		if s.opts.MinScore > 0 && m.Score < s.opts.MinScore {
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}

	log.Debug().Str("repo", repoID).Int("k", k).Int("results", len(out)).Msg("query served")
	return out, nil
}

// QueryActive queries the most recently indexed repository.
func (s *Service) QueryActive(ctx context.Context, text string, k int) (models.Repository, []models.Match, error) {
	if strings.TrimSpace(text) == "" {
		return models.Repository{}, nil, ErrEmptyQuery
	}
	if s.Registry == nil {
		return models.Repository{}, nil, ErrNoActiveIndex
	}
	repo, ok := s.Registry.Active()
	if !ok {
		if err := s.refresh(ctx); err != nil {
			return models.Repository{}, nil, err
		}
		if repo, ok = s.Registry.Active(); !ok {
			return models.Repository{}, nil, ErrNoActiveIndex
		}
	}
	matches, err := s.Query(ctx, repo.ID, text, k)
	return repo, matches, err
}

// refresh registers repositories published to the index since the registry
// was last restored.
func (s *Service) refresh(ctx context.Context) error {
	repos, err := s.Index.Repositories(ctx)
	if err != nil {
		return fmt.Errorf("list indexed repositories: %w", err)
	}
	s.Registry.Restore(repos)
	return nil
}

// Results converts matches to the wire shape of /api/v1/query.
func Results(matches []models.Match) []models.QueryResult {
	out := make([]models.QueryResult, len(matches))
	for i, m := range matches {
		out[i] = models.QueryResult{
			FilePath:  m.Entry.Path,
			StartLine: m.Entry.StartLine,
			EndLine:   m.Entry.EndLine,
			Score:     m.Score,
		}
	}
	return out
}

func isDoc(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".md", ".rst", ".txt":
		return true
	}
	return false
}
