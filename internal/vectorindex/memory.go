package vectorindex

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/seanblong/repoquery/pkg/models"
)

// snapshot is the immutable entry set of one repository. Vectors are stored
// unit length so search is a dot product.
type snapshot struct {
	entries   []models.IndexEntry
	dim       int
	ivf       *ivf
	indexedAt time.Time
}

// Memory keeps every repository in process memory. Upserts build a new
// snapshot off-lock and swap the pointer under a short write lock.
type Memory struct {
	opts Options

	mu    sync.RWMutex
	dim   int
	repos map[string]*snapshot
}

func NewMemory(opts Options) *Memory {
	return &Memory{opts: opts, dim: opts.Dim, repos: make(map[string]*snapshot)}
}

func (m *Memory) UpsertRepository(ctx context.Context, repoID string, entries []models.IndexEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	snap, err := m.build(repoID, entries, time.Now().UTC())
	if err != nil {
		return err
	}
	return m.publish(repoID, snap)
}

// build copies and normalizes entries. Ord is reassigned to the position in
// entries.
func (m *Memory) build(repoID string, entries []models.IndexEntry, at time.Time) (*snapshot, error) {
	snap := &snapshot{entries: make([]models.IndexEntry, len(entries)), indexedAt: at}
	for i, e := range entries {
		if i == 0 {
			snap.dim = len(e.Vector)
			if snap.dim == 0 {
				return nil, fmt.Errorf("%w: entry %d has an empty vector", ErrDimensionMismatch, i)
			}
		} else if len(e.Vector) != snap.dim {
			return nil, fmt.Errorf("%w: entry %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(e.Vector), snap.dim)
		}
		e.RepoID = repoID
		e.Ord = i
		e.Vector = normalize(e.Vector)
		snap.entries[i] = e
	}

	if m.opts.Kind == KindIVF && len(entries) > 0 && len(entries) >= m.opts.MinTrain {
		nlist := m.opts.Lists
		if nlist <= 0 {
			nlist = int(math.Round(math.Sqrt(float64(len(entries)))))
		}
		snap.ivf = buildIVF(snap.entries, nlist)
	}
	return snap, nil
}

// checkDim reports whether snap fits the index dimensionality without
// publishing anything.
func (m *Memory) checkDim(snap *snapshot) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkDimLocked(snap)
}

func (m *Memory) checkDimLocked(snap *snapshot) error {
	if snap.dim != 0 && m.dim != 0 && snap.dim != m.dim {
		return fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, snap.dim, m.dim)
	}
	return nil
}

func (m *Memory) publish(repoID string, snap *snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkDimLocked(snap); err != nil {
		return err
	}
	if m.dim == 0 {
		m.dim = snap.dim
	}
	m.repos[repoID] = snap
	return nil
}

func (m *Memory) Search(ctx context.Context, repoID string, query []float32, k int) ([]models.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	snap, ok := m.repos[repoID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotIndexed, repoID)
	}
	if k <= 0 || len(snap.entries) == 0 {
		return []models.Match{}, nil
	}
	if len(query) != snap.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(query), snap.dim)
	}

	q := normalize(query)
	var candidates []int
	if snap.ivf != nil {
		candidates = snap.ivf.candidates(q, m.opts.Probes)
	}
	return topK(snap.entries, candidates, q, k), nil
}

func (m *Memory) Repositories(ctx context.Context) ([]models.IndexedRepository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.IndexedRepository, 0, len(m.repos))
	for id, s := range m.repos {
		out = append(out, models.IndexedRepository{ID: id, ChunkCount: len(s.entries), IndexedAt: s.indexedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Close() error { return nil }

type scored struct {
	idx   int
	score float64
}

// better orders by score descending, then insertion order.
func better(a, b scored) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.idx < b.idx
}

// worstFirst is a heap whose root is the weakest of the kept results.
type worstFirst []scored

func (h worstFirst) Len() int           { return len(h) }
func (h worstFirst) Less(i, j int) bool { return better(h[j], h[i]) }
func (h worstFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)        { *h = append(*h, x.(scored)) }
func (h *worstFirst) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// topK scores candidates (all entries when nil) against q and keeps the best k.
func topK(entries []models.IndexEntry, candidates []int, q []float32, k int) []models.Match {
	h := make(worstFirst, 0, k)
	consider := func(i int) {
		s := scored{idx: i, score: dot(entries[i].Vector, q)}
		if h.Len() < k {
			heap.Push(&h, s)
			return
		}
		if better(s, h[0]) {
			h[0] = s
			heap.Fix(&h, 0)
		}
	}
	if candidates == nil {
		for i := range entries {
			consider(i)
		}
	} else {
		for _, i := range candidates {
			consider(i)
		}
	}

	sort.Slice(h, func(i, j int) bool { return better(h[i], h[j]) })
	out := make([]models.Match, len(h))
	for i, s := range h {
		out[i] = models.Match{Entry: entries[s.idx], Score: s.score}
	}
	return out
}
