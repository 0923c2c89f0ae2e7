// Package indexer builds the vector index of a repository: it streams files
// from a loader, chunks and embeds them concurrently, and publishes the
// result to the index in a single swap.
package indexer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoquery/internal/ai"
	"github.com/seanblong/repoquery/internal/chunker"
	"github.com/seanblong/repoquery/internal/loader"
	"github.com/seanblong/repoquery/internal/registry"
	"github.com/seanblong/repoquery/internal/vectorindex"
	"github.com/seanblong/repoquery/pkg/models"
	"golang.org/x/sync/errgroup"
)

const (
	StageLoad      = "load"
	StageChunk     = "chunk"
	StageEmbed     = "embed"
	StagePublish   = "publish"
	StageCancelled = "cancelled"
)

var (
	// ErrIndexingFailed is matched by every IndexingFailedError.
	ErrIndexingFailed = errors.New("indexing failed")
	ErrEmptyRepoURL   = errors.New("repository url is required")
)

// IndexingFailedError reports a run that published nothing. Any earlier
// index of the repository is still in place.
type IndexingFailedError struct {
	RepoID string
	Stage  string
	Err    error
}

func (e *IndexingFailedError) Error() string {
	return fmt.Sprintf("indexing %s failed at %s: %v", e.RepoID, e.Stage, e.Err)
}

func (e *IndexingFailedError) Unwrap() error { return e.Err }

func (e *IndexingFailedError) Is(target error) bool { return target == ErrIndexingFailed }

// Chunker splits one file into chunks.
type Chunker interface {
	Chunk(path, content string) ([]models.Chunk, error)
}

type Options struct {
	Loader   loader.Loader
	Chunker  Chunker
	Embedder ai.Embedder
	Index    vectorindex.Index
	Registry *registry.Registry

	// BatchSize is the number of chunks per Embed call.
	BatchSize int
	// Concurrency bounds both chunk workers and in-flight Embed calls.
	Concurrency int
	// Timeout bounds a whole run. Zero means no limit.
	Timeout time.Duration
}

type Result struct {
	RepoID       string            `json:"repo_id"`
	Status       models.RepoStatus `json:"status"`
	ChunkCount   int               `json:"chunk_count"`
	FileCount    int               `json:"file_count"`
	SkippedFiles int               `json:"skipped_files"`
	Generation   string            `json:"generation,omitempty"`
}

// Indexer coordinates indexing runs. Concurrent Index calls for the same
// repository share one run and all receive its result. A caller that gives
// up stops waiting; the run is cancelled once no caller is waiting for it.
type Indexer struct {
	opts Options

	mu   sync.Mutex
	runs map[string]*run

	newGeneration func() string
}

// run is one in-flight indexing of a repository.
type run struct {
	done    chan struct{}
	cancel  context.CancelFunc
	waiters int
	// abandoned is set when the last waiter left and the run was cancelled.
	abandoned bool

	res Result
	err error
}

func New(opts Options) (*Indexer, error) {
	switch {
	case opts.Loader == nil:
		return nil, errors.New("indexer: loader is required")
	case opts.Chunker == nil:
		return nil, errors.New("indexer: chunker is required")
	case opts.Embedder == nil:
		return nil, errors.New("indexer: embedder is required")
	case opts.Index == nil:
		return nil, errors.New("indexer: index is required")
	case opts.BatchSize < 1:
		return nil, fmt.Errorf("indexer: batch size must be at least 1, got %d", opts.BatchSize)
	case opts.Concurrency < 1:
		return nil, fmt.Errorf("indexer: concurrency must be at least 1, got %d", opts.Concurrency)
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	return &Indexer{
		opts:          opts,
		runs:          make(map[string]*run),
		newGeneration: uuid.NewString,
	}, nil
}

// Index indexes the repository at repoURL and publishes it, replacing any
// previous index of the same repository.
func (ix *Indexer) Index(ctx context.Context, repoURL string) (Result, error) {
	url := strings.TrimSpace(repoURL)
	if url == "" {
		return Result{}, ErrEmptyRepoURL
	}
	id := models.RepositoryID(url)

	for {
		ix.mu.Lock()
		r, ok := ix.runs[id]
		if ok && r.abandoned {
			// let the cancelled run settle before starting over
			ix.mu.Unlock()
			select {
			case <-r.done:
				continue
			case <-ctx.Done():
				return Result{RepoID: id, Status: models.StatusIndexing}, &IndexingFailedError{RepoID: id, Stage: StageCancelled, Err: ctx.Err()}
			}
		}
		if !ok {
			r = ix.start(ctx, id, url)
		} else {
			log.Info().Str("repo", id).Msg("joining in-flight indexing run")
		}
		r.waiters++
		ix.mu.Unlock()

		select {
		case <-r.done:
			ix.leave(r)
			return r.res, r.err
		case <-ctx.Done():
			ix.leave(r)
			return Result{RepoID: id, Status: models.StatusIndexing}, &IndexingFailedError{RepoID: id, Stage: StageCancelled, Err: ctx.Err()}
		}
	}
}

// start launches a run for id. ix.mu must be held.
func (ix *Indexer) start(ctx context.Context, id, url string) *run {
	// the run outlives any single caller
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if ix.opts.Timeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(runCtx, ix.opts.Timeout)
		parent := cancel
		cancel = func() { stop(); parent() }
	}

	r := &run{done: make(chan struct{}), cancel: cancel}
	ix.runs[id] = r
	ix.opts.Registry.Begin(id, url)
	go ix.execute(runCtx, r, id, url)
	return r
}

func (ix *Indexer) leave(r *run) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	r.waiters--
	if r.waiters > 0 {
		return
	}
	select {
	case <-r.done:
	default:
		r.abandoned = true
		r.cancel()
	}
}

func (ix *Indexer) execute(ctx context.Context, r *run, id, url string) {
	defer r.cancel()
	start := time.Now()

	res, err := ix.build(ctx, id, url)
	if err != nil {
		repo := ix.opts.Registry.Fail(id, err)
		res.Status = repo.Status
		log.Error().Err(err).Str("repo", id).Dur("dur", time.Since(start)).Msg("indexing failed")
	} else {
		ix.opts.Registry.Succeed(id, res.ChunkCount, res.Generation)
		log.Info().Str("repo", id).
			Int("files", res.FileCount).
			Int("skipped", res.SkippedFiles).
			Int("chunks", res.ChunkCount).
			Dur("dur", time.Since(start)).
			Msg("repository indexed")
	}

	ix.mu.Lock()
	if ix.runs[id] == r {
		delete(ix.runs, id)
	}
	r.res, r.err = res, err
	close(r.done)
	ix.mu.Unlock()
}

// stageError tags a pipeline error with the stage that produced it.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }

type fileJob struct {
	seq  int
	file loader.File
}

// taggedChunk carries the position of a chunk in the repository so entries
// can be put back in order after batches complete out of order.
type taggedChunk struct {
	file, idx int
	chunk     models.Chunk
}

type embedded struct {
	chunks []taggedChunk
	vecs   [][]float32
}

// build runs the pipeline: loader -> chunk workers -> batcher -> embed
// workers -> collector, then publishes the entries.
func (ix *Indexer) build(ctx context.Context, id, url string) (Result, error) {
	res := Result{RepoID: id, Status: models.StatusIndexing}
	fail := func(stage string, err error) (Result, error) {
		if ctx.Err() != nil {
			stage, err = StageCancelled, ctx.Err()
		}
		return res, &IndexingFailedError{RepoID: id, Stage: stage, Err: err}
	}

	n := ix.opts.Concurrency
	files := make(chan fileJob, n)
	chunks := make(chan taggedChunk, n*ix.opts.BatchSize)
	batches := make(chan []taggedChunk, n)
	results := make(chan embedded, n)

	var (
		fileCount int
		skipped   atomic.Int64
		collected []embedded
	)
	failAt := func(s string, err error) error {
		return &stageError{stage: s, err: err}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(files)
		err := ix.opts.Loader.Load(gctx, url, func(f loader.File) error {
			select {
			case files <- fileJob{seq: fileCount, file: f}:
				fileCount++
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
		if err != nil {
			return failAt(StageLoad, err)
		}
		return nil
	})

	var chunkers sync.WaitGroup
	for w := 0; w < n; w++ {
		chunkers.Add(1)
		g.Go(func() error {
			defer chunkers.Done()
			for job := range files {
				cs, err := ix.opts.Chunker.Chunk(job.file.Path, string(job.file.Content))
				if errors.Is(err, chunker.ErrSkippedFile) {
					log.Warn().Err(err).Str("repo", id).Str("path", job.file.Path).Msg("skipping file")
					skipped.Add(1)
					continue
				}
				if err != nil {
					return failAt(StageChunk, fmt.Errorf("%s: %w", job.file.Path, err))
				}
				for i, c := range cs {
					select {
					case chunks <- taggedChunk{file: job.seq, idx: i, chunk: c}:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		chunkers.Wait()
		close(chunks)
		return nil
	})

	g.Go(func() error {
		defer close(batches)
		batch := make([]taggedChunk, 0, ix.opts.BatchSize)
		flush := func() error {
			select {
			case batches <- batch:
				batch = make([]taggedChunk, 0, ix.opts.BatchSize)
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		for c := range chunks {
			batch = append(batch, c)
			if len(batch) == ix.opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if len(batch) > 0 {
			return flush()
		}
		return nil
	})

	var embedders sync.WaitGroup
	for w := 0; w < n; w++ {
		embedders.Add(1)
		g.Go(func() error {
			defer embedders.Done()
			for b := range batches {
				texts := make([]string, len(b))
				for i, c := range b {
					texts[i] = embeddingText(c.chunk)
				}
				vecs, err := ix.opts.Embedder.Embed(gctx, texts)
				if err != nil {
					return failAt(StageEmbed, err)
				}
				if len(vecs) != len(b) {
					return failAt(StageEmbed, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(b)))
				}
				select {
				case results <- embedded{chunks: b, vecs: vecs}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		embedders.Wait()
		close(results)
		return nil
	})

	g.Go(func() error {
		for r := range results {
			collected = append(collected, r)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		var se *stageError
		if errors.As(err, &se) {
			return fail(se.stage, se.err)
		}
		return fail(StageCancelled, err)
	}
	res.FileCount = fileCount
	res.SkippedFiles = int(skipped.Load())

	entries := assemble(id, collected)
	if err := ctx.Err(); err != nil {
		return fail(StageCancelled, err)
	}
	if err := ix.opts.Index.UpsertRepository(ctx, id, entries); err != nil {
		return fail(StagePublish, err)
	}

	res.Status = models.StatusReady
	res.ChunkCount = len(entries)
	res.Generation = ix.newGeneration()
	return res, nil
}

// assemble orders embedded chunks by (file, chunk) and converts them to entries.
func assemble(id string, batches []embedded) []models.IndexEntry {
	type pair struct {
		c   taggedChunk
		vec []float32
	}
	var all []pair
	for _, b := range batches {
		for i, c := range b.chunks {
			all = append(all, pair{c: c, vec: b.vecs[i]})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].c.file != all[j].c.file {
			return all[i].c.file < all[j].c.file
		}
		return all[i].c.idx < all[j].c.idx
	})

	entries := make([]models.IndexEntry, len(all))
	for i, p := range all {
		c := p.c.chunk
		entries[i] = models.IndexEntry{
			RepoID:      id,
			Ord:         i,
			Path:        c.Path,
			Language:    c.Language,
			StartLine:   c.StartLine,
			EndLine:     c.EndLine,
			Content:     c.Content,
			ContentHash: hashContent(c.Content),
			Vector:      p.vec,
		}
	}
	return entries
}

func embeddingText(c models.Chunk) string {
	return "File: " + c.Path + "\n\n" + c.Content
}

// hashContent returns the SHA-1 hash of the given content as a hex string.
func hashContent(s string) string {
	h := sha1.Sum([]byte(s))
	return hex.EncodeToString(h[:])
}

// Repository returns the tracked state of the repository at repoURL.
func (ix *Indexer) Repository(repoURL string) (models.Repository, bool) {
	return ix.opts.Registry.Get(models.RepositoryID(repoURL))
}

// Repositories returns every repository the indexer knows about.
func (ix *Indexer) Repositories() []models.Repository {
	return ix.opts.Registry.List()
}

// Restore registers repositories already held by a persistent index so they
// can be queried without re-indexing.
func (ix *Indexer) Restore(ctx context.Context) error {
	repos, err := ix.opts.Index.Repositories(ctx)
	if err != nil {
		return fmt.Errorf("list indexed repositories: %w", err)
	}
	ix.opts.Registry.Restore(repos)
	if len(repos) > 0 {
		log.Info().Int("repositories", len(repos)).Msg("restored persisted indexes")
	}
	return nil
}
