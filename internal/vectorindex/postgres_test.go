package vectorindex

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/seanblong/repoquery/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPostgres connects to REPOQUERY_TEST_DB_URL or skips the test.
func testPostgres(t *testing.T, dim int) *Postgres {
	t.Helper()
	url := os.Getenv("REPOQUERY_TEST_DB_URL")
	if url == "" {
		t.Skip("REPOQUERY_TEST_DB_URL not set")
	}
	ctx := context.Background()
	p, err := NewPostgres(ctx, url, Options{Lists: 1, Probes: 1})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	require.NoError(t, p.Ping(ctx))
	require.NoError(t, p.Migrate(ctx, dim))
	return p
}

func TestPostgresUpsertAndSearch(t *testing.T) {
	p := testPostgres(t, 2)
	ctx := context.Background()
	repo := fmt.Sprintf("test/%s", t.Name())

	require.NoError(t, p.UpsertRepository(ctx, repo, []models.IndexEntry{
		{Path: "a.go", Language: "go", StartLine: 1, EndLine: 5, Content: "a", Vector: []float32{1, 0}},
		{Path: "b.go", Language: "go", StartLine: 1, EndLine: 5, Content: "b", Vector: []float32{0, 1}},
		{Path: "c.go", Language: "go", StartLine: 1, EndLine: 5, Content: "c", Vector: []float32{1, 1}},
	}))

	got, err := p.Search(ctx, repo, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a.go", got[0].Entry.Path)
	assert.Equal(t, "c.go", got[1].Entry.Path)
	assert.InDelta(t, 1.0, got[0].Score, 1e-6)

	require.NoError(t, p.UpsertRepository(ctx, repo, []models.IndexEntry{
		{Path: "d.go", StartLine: 1, EndLine: 1, Vector: []float32{1, 0}},
	}))
	got, err = p.Search(ctx, repo, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d.go", got[0].Entry.Path)
}

func TestPostgresSearchNotIndexed(t *testing.T) {
	p := testPostgres(t, 2)
	_, err := p.Search(context.Background(), "test/never-indexed", []float32{1, 0}, 1)
	assert.ErrorIs(t, err, ErrNotIndexed)
}

func TestPostgresDimensionMismatch(t *testing.T) {
	p := &Postgres{dim: 3}
	err := p.UpsertRepository(context.Background(), "r", []models.IndexEntry{{Vector: []float32{1, 0}}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestPostgresMigrateRejectsZeroDim(t *testing.T) {
	p := &Postgres{}
	assert.Error(t, p.Migrate(context.Background(), 0))
}
