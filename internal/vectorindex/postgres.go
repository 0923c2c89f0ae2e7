package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/seanblong/repoquery/pkg/models"
)

const defaultPostgresLists = 100

// Postgres stores entries in a pgvector table and searches with an ivfflat
// cosine index.
type Postgres struct {
	pool *pgxpool.Pool
	opts Options
	dim  int
}

// NewPostgres connects to the database at url.
func NewPostgres(ctx context.Context, url string, opts Options) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Postgres{pool: p, opts: opts, dim: opts.Dim}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Ping checks the database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return p.pool.Ping(ctx)
}

// Migrate creates the schema for vectors of dim dimensions.
func (p *Postgres) Migrate(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("postgres index needs a positive dimension, got %d", dim)
	}
	lists := p.opts.Lists
	if lists <= 0 {
		lists = defaultPostgresLists
	}

	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS repositories (
  id          TEXT PRIMARY KEY,
  chunk_count INT NOT NULL DEFAULT 0,
  indexed_at  TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS index_entries (
  repo_id      TEXT NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
  ord          INT  NOT NULL,
  path         TEXT NOT NULL,
  language     TEXT,
  line_start   INT  NOT NULL,
  line_end     INT  NOT NULL,
  content      TEXT,
  content_hash TEXT,
  vec          vector(%d) NOT NULL,
  PRIMARY KEY (repo_id, ord)
);

CREATE INDEX IF NOT EXISTS index_entries_vec_idx
  ON index_entries USING ivfflat (vec vector_cosine_ops) WITH (lists = %d);
`
	if _, err := p.pool.Exec(ctx, fmt.Sprintf(q, dim, lists)); err != nil {
		return err
	}
	p.dim = dim
	return nil
}

// UpsertRepository replaces the repository's rows inside one transaction.
func (p *Postgres) UpsertRepository(ctx context.Context, repoID string, entries []models.IndexEntry) error {
	for i, e := range entries {
		if len(e.Vector) != p.dim {
			return fmt.Errorf("%w: entry %d has %d dimensions, index has %d", ErrDimensionMismatch, i, len(e.Vector), p.dim)
		}
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const upsertRepo = `
		INSERT INTO repositories (id, chunk_count, indexed_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET
			chunk_count = EXCLUDED.chunk_count,
			indexed_at  = EXCLUDED.indexed_at`
	if _, err := tx.Exec(ctx, upsertRepo, repoID, len(entries)); err != nil {
		return fmt.Errorf("upsert repository: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM index_entries WHERE repo_id = $1`, repoID); err != nil {
		return fmt.Errorf("delete entries: %w", err)
	}

	const insert = `
		INSERT INTO index_entries (
			repo_id, ord, path, language, line_start, line_end, content, content_hash, vec
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	batch := &pgx.Batch{}
	for i, e := range entries {
		batch.Queue(insert,
			repoID, i, e.Path, e.Language, e.StartLine, e.EndLine, e.Content, e.ContentHash,
			pgvector.NewVector(e.Vector),
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert entries: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (p *Postgres) Search(ctx context.Context, repoID string, query []float32, k int) ([]models.Match, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT true FROM repositories WHERE id = $1`, repoID).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotIndexed, repoID)
		}
		return nil, err
	}
	if k <= 0 {
		return []models.Match{}, nil
	}
	if len(query) != p.dim {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", ErrDimensionMismatch, len(query), p.dim)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if p.opts.Probes > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL ivfflat.probes = %d", p.opts.Probes)); err != nil {
			return nil, err
		}
	}

	const q = `
		SELECT ord, path, COALESCE(language, ''), line_start, line_end,
		       COALESCE(content, ''), COALESCE(content_hash, ''),
		       1 - (vec <=> $2) AS score
		FROM index_entries
		WHERE repo_id = $1
		ORDER BY vec <=> $2, ord
		LIMIT $3`
	rows, err := tx.Query(ctx, q, repoID, pgvector.NewVector(query), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Match{}
	for rows.Next() {
		e := models.IndexEntry{RepoID: repoID}
		var score float64
		if err := rows.Scan(&e.Ord, &e.Path, &e.Language, &e.StartLine, &e.EndLine, &e.Content, &e.ContentHash, &score); err != nil {
			return nil, err
		}
		out = append(out, models.Match{Entry: e, Score: score})
	}
	return out, rows.Err()
}

func (p *Postgres) Repositories(ctx context.Context) ([]models.IndexedRepository, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, chunk_count, indexed_at FROM repositories ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.IndexedRepository{}
	for rows.Next() {
		var r models.IndexedRepository
		if err := rows.Scan(&r.ID, &r.ChunkCount, &r.IndexedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
