// Package registry tracks the indexing status of every repository and which
// one was published most recently.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/seanblong/repoquery/pkg/models"
)

type Registry struct {
	mu     sync.RWMutex
	repos  map[string]models.Repository
	active string
	now    func() time.Time
}

func New() *Registry {
	return &Registry{
		repos: make(map[string]models.Repository),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Begin marks id as indexing. A previously published index stays queryable.
func (r *Registry) Begin(id, url string) models.Repository {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, ok := r.repos[id]
	if !ok {
		repo = models.Repository{ID: id}
	}
	repo.URL = url
	repo.Status = models.StatusIndexing
	r.repos[id] = repo
	return repo
}

// Succeed records a published index and makes id the active repository.
func (r *Registry) Succeed(id string, chunks int, generation string) models.Repository {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo := r.repos[id]
	repo.ID = id
	repo.Status = models.StatusReady
	repo.ChunkCount = chunks
	repo.Generation = generation
	repo.IndexedAt = r.now()
	repo.LastError = ""
	r.repos[id] = repo
	r.active = id
	return repo
}

// Fail records a failed run. When an earlier index exists the repository
// returns to ready, keeping that index, with the failure in LastError.
func (r *Registry) Fail(id string, err error) models.Repository {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo := r.repos[id]
	repo.ID = id
	if err != nil {
		repo.LastError = err.Error()
	}
	if repo.Queryable() {
		repo.Status = models.StatusReady
	} else {
		repo.Status = models.StatusFailed
	}
	r.repos[id] = repo
	return repo
}

// Restore registers repositories already present in a persistent index. The
// newest becomes active unless a repository was published in this process.
func (r *Registry) Restore(indexed []models.IndexedRepository) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var newest models.IndexedRepository
	for _, ir := range indexed {
		if cur, ok := r.repos[ir.ID]; ok && cur.Queryable() {
			continue
		}
		r.repos[ir.ID] = models.Repository{
			ID:         ir.ID,
			Status:     models.StatusReady,
			ChunkCount: ir.ChunkCount,
			Generation: "restored",
			IndexedAt:  ir.IndexedAt,
		}
		if newest.ID == "" || ir.IndexedAt.After(newest.IndexedAt) {
			newest = ir
		}
	}
	if r.active == "" && newest.ID != "" {
		r.active = newest.ID
	}
}

func (r *Registry) Get(id string) (models.Repository, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	repo, ok := r.repos[id]
	return repo, ok
}

// Active returns the most recently published repository.
func (r *Registry) Active() (models.Repository, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == "" {
		return models.Repository{}, false
	}
	return r.repos[r.active], true
}

// List returns every known repository ordered by id.
func (r *Registry) List() []models.Repository {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Repository, 0, len(r.repos))
	for _, repo := range r.repos {
		out = append(out, repo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
