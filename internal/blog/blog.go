// Package blog drafts blog posts about a repository from the chunks most
// relevant to a topic.
package blog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoquery/internal/ai"
	"github.com/seanblong/repoquery/internal/indexer"
	"github.com/seanblong/repoquery/pkg/models"
)

var (
	ErrInvalidRequest = errors.New("invalid blog request")
	ErrEmptyDraft     = errors.New("writer returned an empty draft")
)

const systemPrompt = "You are an accomplished writer and have been tasked with creating a blog post pertaining to a specific codebase. " +
	"You should imagine that you wrote this codebase and now you want to share your learnings with the world like a good citizen. " +
	"You are going to be provided with relevant sections of a codebase and a query, which will ask you to write a blog post about a specific part of this codebase. " +
	"You should write a blog post that does not sound like it was written by an AI (avoid words like delve, avoid complicated words), it should sound like it was written by a human. " +
	"You begin by generating titles for each of the relevant sections, and then you will write the content for each section. " +
	"You should always seek to include the code snippet from the codebase related to your writing, if relevant. " +
	"You should aim to include as much as possible of the code snippet. You should aim to be as detailed as possible. Write a nice and long blog post."

type Request struct {
	RepoURL      string `json:"repo_url"`
	Topic        string `json:"topic"`
	Background   string `json:"background"`
	WordCount    int    `json:"word_count"`
	WritingStyle string `json:"writing_style"`
}

func (r Request) validate() error {
	var errs []error
	if strings.TrimSpace(r.RepoURL) == "" {
		errs = append(errs, errors.New("repo_url is required"))
	}
	if strings.TrimSpace(r.Topic) == "" && strings.TrimSpace(r.Background) == "" {
		errs = append(errs, errors.New("topic or background is required"))
	}
	if r.WordCount < 0 {
		errs = append(errs, fmt.Errorf("word_count must not be negative, got %d", r.WordCount))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, errors.Join(errs...))
	}
	return nil
}

// Indexer is the part of the indexing orchestrator the generator needs.
type Indexer interface {
	Index(ctx context.Context, repoURL string) (indexer.Result, error)
	Repository(repoURL string) (models.Repository, bool)
}

// Searcher retrieves the chunks of a repository most relevant to text.
type Searcher interface {
	Query(ctx context.Context, repoID, text string, k int) ([]models.Match, error)
}

type Generator struct {
	Indexer Indexer
	Search  Searcher
	Writer  ai.Writer
	TopK    int
}

// Generate indexes the repository if it has no index yet, retrieves the
// chunks closest to the request's background (or topic) and asks the writer
// for a draft.
func (g *Generator) Generate(ctx context.Context, req Request) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	repo, ok := g.Indexer.Repository(req.RepoURL)
	repoID := repo.ID
	if !ok || !repo.Queryable() {
		res, err := g.Indexer.Index(ctx, req.RepoURL)
		if err != nil {
			return "", err
		}
		repoID = res.RepoID
	}

	text := req.Background
	if strings.TrimSpace(text) == "" {
		text = req.Topic
	}
	matches, err := g.Search.Query(ctx, repoID, text, g.TopK)
	if err != nil {
		return "", fmt.Errorf("retrieve snippets: %w", err)
	}

	log.Info().Str("repo", repoID).Int("snippets", len(matches)).Msg("generating blog draft")
	draft, err := g.Writer.Generate(ctx, systemPrompt, buildPrompt(req, matches))
	if err != nil {
		return "", fmt.Errorf("generate draft: %w", err)
	}
	draft = strings.TrimSpace(draft)
	if draft == "" {
		return "", ErrEmptyDraft
	}
	return draft, nil
}

func buildPrompt(req Request, matches []models.Match) string {
	var b strings.Builder
	b.WriteString("Here are the necessary configuration options to write the blog post:\n")
	fmt.Fprintf(&b, "Topic: %s\n", req.Topic)
	fmt.Fprintf(&b, "Background: %s\n", req.Background)
	if req.WordCount > 0 {
		fmt.Fprintf(&b, "Word Count: %d\n", req.WordCount)
	}
	if req.WritingStyle != "" {
		fmt.Fprintf(&b, "Writing Style: %s\n", req.WritingStyle)
	}
	b.WriteString("And here are the relevant code snippets:\n\n")

	for i, m := range matches {
		fmt.Fprintf(&b, "Snippet %d\n", i+1)
		fmt.Fprintf(&b, "File: %s\n", m.Entry.Path)
		fmt.Fprintf(&b, "Lines %d-%d:\n", m.Entry.StartLine, m.Entry.EndLine)
		fmt.Fprintf(&b, "```%s\n%s\n```\n", m.Entry.Language, m.Entry.Content)
		fmt.Fprintf(&b, "Relevance score: %.4f\n\n", m.Score)
	}
	b.WriteString("Based on these code snippets, and the configuration options, write a detailed blog post that answers the question and explains the relevant parts of the code.")
	return b.String()
}
