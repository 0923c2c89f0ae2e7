package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/repoquery/internal/blog"
	"github.com/seanblong/repoquery/internal/indexer"
	"github.com/seanblong/repoquery/internal/search"
	"github.com/seanblong/repoquery/pkg/models"
)

const maxBodyBytes = 1 << 20

type IndexRequest struct {
	RepoURL string `json:"repo_url"`
}

type IndexResponse struct {
	Message string `json:"message"`
	indexer.Result
}

type QueryRequest struct {
	Query string `json:"query"`
	// RepoURL selects a repository other than the most recently indexed one.
	RepoURL string `json:"repo_url,omitempty"`
	K       int    `json:"k,omitempty"`
}

type BlogResponse struct {
	BlogContent string `json:"blog_content"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (h *handlers) index(w http.ResponseWriter, r *http.Request) {
	var req IndexRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.indexer.Index(r.Context(), req.RepoURL)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, IndexResponse{Message: "Repository indexed successfully", Result: res})
}

func (h *handlers) query(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var (
		matches []models.Match
		repoID  string
		err     error
	)
	if strings.TrimSpace(req.RepoURL) != "" {
		repoID = models.RepositoryID(req.RepoURL)
		matches, err = h.search.Query(r.Context(), repoID, req.Query, req.K)
	} else {
		var repo models.Repository
		repo, matches, err = h.search.QueryActive(r.Context(), req.Query, req.K)
		repoID = repo.ID
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	results := search.Results(matches)
	for i := range results {
		if math.IsNaN(results[i].Score) || math.IsInf(results[i].Score, 0) {
			results[i].Score = 0
		}
	}
	hlog.FromRequest(r).Debug().Str("repo", repoID).Int("results", len(results)).Msg("query")
	writeJSON(w, http.StatusOK, results)
}

func (h *handlers) generateBlog(w http.ResponseWriter, r *http.Request) {
	var req blog.Request
	if err := decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	draft, err := h.blog.Generate(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BlogResponse{BlogContent: draft})
}

func (h *handlers) repositories(w http.ResponseWriter, r *http.Request) {
	repos := h.indexer.Repositories()
	if repos == nil {
		repos = []models.Repository{}
	}
	writeJSON(w, http.StatusOK, repos)
}
