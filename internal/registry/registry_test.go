package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/seanblong/repoquery/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle(t *testing.T) {
	r := New()

	_, ok := r.Active()
	assert.False(t, ok)

	repo := r.Begin("github.com/acme/a", "https://github.com/acme/a")
	assert.Equal(t, models.StatusIndexing, repo.Status)
	assert.False(t, repo.Queryable())
	_, ok = r.Active()
	assert.False(t, ok, "indexing must not activate a repository")

	repo = r.Succeed("github.com/acme/a", 12, "gen-1")
	assert.Equal(t, models.StatusReady, repo.Status)
	assert.Equal(t, 12, repo.ChunkCount)
	assert.True(t, repo.Queryable())
	assert.False(t, repo.IndexedAt.IsZero())

	active, ok := r.Active()
	require.True(t, ok)
	assert.Equal(t, "github.com/acme/a", active.ID)
	assert.Equal(t, "https://github.com/acme/a", active.URL)
}

func TestFailWithoutPriorIndex(t *testing.T) {
	r := New()
	r.Begin("a", "a")
	repo := r.Fail("a", errors.New("boom"))

	assert.Equal(t, models.StatusFailed, repo.Status)
	assert.Equal(t, "boom", repo.LastError)
	assert.False(t, repo.Queryable())
	_, ok := r.Active()
	assert.False(t, ok)
}

func TestFailKeepsPriorIndex(t *testing.T) {
	r := New()
	r.Begin("a", "a")
	r.Succeed("a", 3, "gen-1")

	repo := r.Begin("a", "a")
	assert.Equal(t, models.StatusIndexing, repo.Status)
	assert.True(t, repo.Queryable())

	repo = r.Fail("a", errors.New("clone failed"))
	assert.Equal(t, models.StatusReady, repo.Status)
	assert.Equal(t, "gen-1", repo.Generation)
	assert.Equal(t, 3, repo.ChunkCount)
	assert.Equal(t, "clone failed", repo.LastError)

	repo = r.Succeed("a", 4, "gen-2")
	assert.Empty(t, repo.LastError)
}

func TestActiveFollowsLatestPublish(t *testing.T) {
	r := New()
	r.Succeed("a", 1, "g1")
	r.Succeed("b", 1, "g2")
	active, _ := r.Active()
	assert.Equal(t, "b", active.ID)

	// a failed run elsewhere does not move the pointer
	r.Begin("c", "c")
	r.Fail("c", errors.New("x"))
	active, _ = r.Active()
	assert.Equal(t, "b", active.ID)

	r.Succeed("a", 2, "g3")
	active, _ = r.Active()
	assert.Equal(t, "a", active.ID)
}

func TestRestore(t *testing.T) {
	r := New()
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.Restore([]models.IndexedRepository{
		{ID: "a", ChunkCount: 5, IndexedAt: old},
		{ID: "b", ChunkCount: 7, IndexedAt: old.Add(time.Hour)},
	})

	active, ok := r.Active()
	require.True(t, ok)
	assert.Equal(t, "b", active.ID)
	assert.True(t, active.Queryable())

	a, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, models.StatusReady, a.Status)
	assert.Equal(t, 5, a.ChunkCount)

	assert.Len(t, r.List(), 2)
}

func TestRestoreDoesNotOverrideLivePublish(t *testing.T) {
	r := New()
	r.Succeed("a", 9, "live")
	r.Restore([]models.IndexedRepository{{ID: "a", ChunkCount: 1}, {ID: "b", ChunkCount: 2}})

	a, _ := r.Get("a")
	assert.Equal(t, "live", a.Generation)
	assert.Equal(t, 9, a.ChunkCount)
	active, _ := r.Active()
	assert.Equal(t, "a", active.ID)
}

func TestListSorted(t *testing.T) {
	r := New()
	for _, id := range []string{"c", "a", "b"} {
		r.Begin(id, id)
	}
	var ids []string
	for _, repo := range r.List() {
		ids = append(ids, repo.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestConcurrentAccess(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("repo-%d", i%4)
			r.Begin(id, id)
			if i%3 == 0 {
				r.Fail(id, errors.New("x"))
			} else {
				r.Succeed(id, i, "g")
			}
			r.Active()
			r.List()
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.List(), 4)
}
