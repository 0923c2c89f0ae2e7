package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/repoquery/internal/ai"
	"github.com/seanblong/repoquery/internal/blog"
	"github.com/seanblong/repoquery/internal/indexer"
	"github.com/seanblong/repoquery/internal/loader"
	"github.com/seanblong/repoquery/internal/search"
)

const msgNotIndexed = "No repository has been indexed yet"

// errBadRequest marks request decoding failures.
var errBadRequest = errors.New("bad request")

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	RequestID string `json:"request_id,omitempty"`
}

// statusFor maps an error to its HTTP status and client-facing message.
func statusFor(err error) (int, string) {
	var ese *ai.EmbeddingServiceError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, search.ErrEmptyQuery),
		errors.Is(err, indexer.ErrEmptyRepoURL),
		errors.Is(err, blog.ErrInvalidRequest),
		errors.Is(err, loader.ErrSourceDisabled),
		errors.Is(err, loader.ErrUnsupportedSource):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, search.ErrNoActiveIndex), errors.Is(err, search.ErrNotIndexed):
		return http.StatusBadRequest, msgNotIndexed
	case errors.Is(err, loader.ErrRepositoryNotFound):
		return http.StatusNotFound, "Repository not found"
	case errors.As(err, &ese):
		return http.StatusBadGateway, "Embedding service unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Request timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "Request cancelled"
	}
	return http.StatusInternalServerError, "Internal server error"
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, detail := statusFor(err)

	ev := hlog.FromRequest(r).Warn()
	if status >= http.StatusInternalServerError {
		ev = hlog.FromRequest(r).Error()
	}
	ev.Err(err).Int("status", status).Str("path", r.URL.Path).Msg("request failed")

	writeJSON(w, status, ErrorResponse{
		Detail:    detail,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
