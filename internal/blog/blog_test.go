package blog

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/seanblong/repoquery/internal/ai"
	"github.com/seanblong/repoquery/internal/indexer"
	"github.com/seanblong/repoquery/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// MockIndexer implements Indexer for testing
type MockIndexer struct {
	IndexFunc      func(ctx context.Context, repoURL string) (indexer.Result, error)
	RepositoryFunc func(repoURL string) (models.Repository, bool)
	indexed        []string
}

func (m *MockIndexer) Index(ctx context.Context, repoURL string) (indexer.Result, error) {
	m.indexed = append(m.indexed, repoURL)
	if m.IndexFunc != nil {
		return m.IndexFunc(ctx, repoURL)
	}
	return indexer.Result{RepoID: models.RepositoryID(repoURL), Status: models.StatusReady}, nil
}

func (m *MockIndexer) Repository(repoURL string) (models.Repository, bool) {
	if m.RepositoryFunc != nil {
		return m.RepositoryFunc(repoURL)
	}
	return models.Repository{}, false
}

// MockSearcher implements Searcher for testing
type MockSearcher struct {
	QueryFunc func(ctx context.Context, repoID, text string, k int) ([]models.Match, error)
}

func (m *MockSearcher) Query(ctx context.Context, repoID, text string, k int) ([]models.Match, error) {
	if m.QueryFunc != nil {
		return m.QueryFunc(ctx, repoID, text, k)
	}
	return []models.Match{}, nil
}

// MockWriter implements ai.Writer for testing
type MockWriter struct {
	GenerateFunc func(ctx context.Context, system, prompt string) (string, error)
}

func (m *MockWriter) Generate(ctx context.Context, system, prompt string) (string, error) {
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, system, prompt)
	}
	return "draft", nil
}

func validRequest() Request {
	return Request{
		RepoURL:      "https://github.com/acme/widgets",
		Topic:        "How widgets are rendered",
		Background:   "widget rendering pipeline",
		WordCount:    800,
		WritingStyle: "casual",
	}
}

func TestGenerateIndexesUnknownRepository(t *testing.T) {
	var gotRepo, gotText string
	var gotK int
	search := &MockSearcher{QueryFunc: func(ctx context.Context, repoID, text string, k int) ([]models.Match, error) {
		gotRepo, gotText, gotK = repoID, text, k
		return []models.Match{{
			Entry: models.IndexEntry{Path: "render/widget.go", Language: "go", StartLine: 10, EndLine: 42, Content: "func Render() {}"},
			Score: 0.87,
		}}, nil
	}}

	var gotSystem, gotPrompt string
	writer := &MockWriter{GenerateFunc: func(ctx context.Context, system, prompt string) (string, error) {
		gotSystem, gotPrompt = system, prompt
		return "  # Rendering widgets\n\nBody  ", nil
	}}

	ix := &MockIndexer{}
	g := &Generator{Indexer: ix, Search: search, Writer: writer, TopK: 5}

	draft, err := g.Generate(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "# Rendering widgets\n\nBody", draft)

	assert.Equal(t, []string{"https://github.com/acme/widgets"}, ix.indexed)
	assert.Equal(t, "github.com/acme/widgets", gotRepo)
	assert.Equal(t, "widget rendering pipeline", gotText)
	assert.Equal(t, 5, gotK)

	assert.Equal(t, systemPrompt, gotSystem)
	assert.Contains(t, gotPrompt, "Topic: How widgets are rendered\n")
	assert.Contains(t, gotPrompt, "Word Count: 800\n")
	assert.Contains(t, gotPrompt, "Writing Style: casual\n")
	assert.Contains(t, gotPrompt, "Snippet 1\nFile: render/widget.go\nLines 10-42:\n```go\nfunc Render() {}\n```\n")
	assert.Contains(t, gotPrompt, "Relevance score: 0.8700")
}

func TestGenerateReusesExistingIndex(t *testing.T) {
	ix := &MockIndexer{RepositoryFunc: func(repoURL string) (models.Repository, bool) {
		return models.Repository{ID: "github.com/acme/widgets", Status: models.StatusReady, Generation: "g1"}, true
	}}
	var gotRepo string
	search := &MockSearcher{QueryFunc: func(ctx context.Context, repoID, text string, k int) ([]models.Match, error) {
		gotRepo = repoID
		return nil, nil
	}}

	g := &Generator{Indexer: ix, Search: search, Writer: &MockWriter{}, TopK: 5}
	_, err := g.Generate(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Empty(t, ix.indexed)
	assert.Equal(t, "github.com/acme/widgets", gotRepo)
}

func TestGenerateFallsBackToTopic(t *testing.T) {
	var gotText string
	search := &MockSearcher{QueryFunc: func(ctx context.Context, repoID, text string, k int) ([]models.Match, error) {
		gotText = text
		return nil, nil
	}}
	req := validRequest()
	req.Background = " "

	g := &Generator{Indexer: &MockIndexer{}, Search: search, Writer: &MockWriter{}, TopK: 3}
	_, err := g.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "How widgets are rendered", gotText)
}

func TestGenerateValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Request)
		want   string
	}{
		{"missing repo", func(r *Request) { r.RepoURL = "" }, "repo_url is required"},
		{"missing topic and background", func(r *Request) { r.Topic, r.Background = "", "" }, "topic or background is required"},
		{"negative word count", func(r *Request) { r.WordCount = -1 }, "word_count must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ix := &MockIndexer{}
			g := &Generator{Indexer: ix, Search: &MockSearcher{}, Writer: &MockWriter{}, TopK: 5}
			req := validRequest()
			tt.mutate(&req)

			_, err := g.Generate(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.ErrorContains(t, err, tt.want)
			assert.Empty(t, ix.indexed)
		})
	}
}

func TestGenerateErrors(t *testing.T) {
	indexErr := &indexer.IndexingFailedError{RepoID: "r", Stage: indexer.StageLoad, Err: errors.New("clone failed")}
	writeErr := errors.New("writer down")

	tests := []struct {
		name    string
		ix      *MockIndexer
		search  *MockSearcher
		writer  *MockWriter
		wantErr error
	}{
		{
			name:    "indexing fails",
			ix:      &MockIndexer{IndexFunc: func(ctx context.Context, repoURL string) (indexer.Result, error) { return indexer.Result{}, indexErr }},
			search:  &MockSearcher{},
			writer:  &MockWriter{},
			wantErr: indexer.ErrIndexingFailed,
		},
		{
			name:    "writer fails",
			ix:      &MockIndexer{},
			search:  &MockSearcher{},
			writer:  &MockWriter{GenerateFunc: func(ctx context.Context, system, prompt string) (string, error) { return "", writeErr }},
			wantErr: writeErr,
		},
		{
			name:    "empty draft",
			ix:      &MockIndexer{},
			search:  &MockSearcher{},
			writer:  &MockWriter{GenerateFunc: func(ctx context.Context, system, prompt string) (string, error) { return " \n", nil }},
			wantErr: ErrEmptyDraft,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &Generator{Indexer: tt.ix, Search: tt.search, Writer: tt.writer, TopK: 5}
			_, err := g.Generate(context.Background(), validRequest())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGenerateWithStubWriter(t *testing.T) {
	g := &Generator{Indexer: &MockIndexer{}, Search: &MockSearcher{}, Writer: ai.NewStubClient(0), TopK: 5}
	draft, err := g.Generate(context.Background(), validRequest())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(draft, "# How widgets are rendered\n"), draft)
}

func TestBuildPromptOmitsUnsetOptions(t *testing.T) {
	p := buildPrompt(Request{Topic: "t", Background: "b"}, nil)
	assert.NotContains(t, p, "Word Count")
	assert.NotContains(t, p, "Writing Style")
	assert.True(t, strings.HasSuffix(p, "explains the relevant parts of the code."))
}
