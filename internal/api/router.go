// Package api exposes indexing, querying and blog generation over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/repoquery/internal/blog"
	"github.com/seanblong/repoquery/internal/indexer"
	"github.com/seanblong/repoquery/pkg/models"
)

// Indexer indexes repositories and reports their status.
type Indexer interface {
	Index(ctx context.Context, repoURL string) (indexer.Result, error)
	Repositories() []models.Repository
}

// Searcher answers queries against one repository or the active one.
type Searcher interface {
	Query(ctx context.Context, repoID, text string, k int) ([]models.Match, error)
	QueryActive(ctx context.Context, text string, k int) (models.Repository, []models.Match, error)
}

// BlogGenerator drafts blog posts about a repository.
type BlogGenerator interface {
	Generate(ctx context.Context, req blog.Request) (string, error)
}

type Options struct {
	CORSOrigins []string
	// QueryTimeout and GenerateTimeout bound a single request. Zero means no
	// limit. Indexing is bounded by the indexer itself.
	QueryTimeout    time.Duration
	GenerateTimeout time.Duration
}

type handlers struct {
	indexer Indexer
	search  Searcher
	blog    BlogGenerator
}

// NewRouter builds the HTTP handler serving /api/v1 and /healthz.
func NewRouter(ix Indexer, s Searcher, gen BlogGenerator, logger zerolog.Logger, opts Options) http.Handler {
	h := &handlers{indexer: ix, search: s, blog: gen}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(logger))
	r.Use(requestIDLogger)
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("dur", dur).
			Msg("http")
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/index", h.index)
		r.With(timeout(opts.QueryTimeout)).Post("/query", h.query)
		r.With(timeout(opts.GenerateTimeout)).Post("/generate_blog", h.generateBlog)
		r.Get("/repositories", h.repositories)
	})
	return r
}

// timeout attaches a deadline to the request context. Handlers report an
// expired deadline through the normal error path.
func timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestIDLogger tags the request logger with the id assigned by
// middleware.RequestID and echoes it in the response.
func requestIDLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set(middleware.RequestIDHeader, id)
			l := zerolog.Ctx(r.Context())
			l.UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("req_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}
