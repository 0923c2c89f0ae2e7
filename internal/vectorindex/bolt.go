package vectorindex

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/repoquery/pkg/models"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRepositories = []byte("repositories")
	bucketEntries      = []byte("entries")
)

// Bolt persists repositories to a bolt file and serves searches from an
// in-memory copy loaded at open.
//
// Layout: repositories/<repoID> holds the JSON IndexedRepository; entries is
// a bucket of per-repository buckets keyed by the big-endian ord.
type Bolt struct {
	db  *bolt.DB
	mem *Memory

	// serializes writers so disk and memory are swapped in the same order
	mu sync.Mutex
}

func OpenBolt(path string, opts Options) (*Bolt, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRepositories, bucketEntries} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %q: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	b := &Bolt{db: db, mem: NewMemory(opts)}
	if err := b.load(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

// load rehydrates every stored repository into memory.
func (b *Bolt) load() error {
	return b.db.View(func(tx *bolt.Tx) error {
		repos := tx.Bucket(bucketRepositories)
		all := tx.Bucket(bucketEntries)
		return repos.ForEach(func(k, v []byte) error {
			var meta models.IndexedRepository
			if err := json.Unmarshal(v, &meta); err != nil {
				return fmt.Errorf("failed to unmarshal repository %q: %w", k, err)
			}

			var entries []models.IndexEntry
			if rb := all.Bucket(k); rb != nil {
				err := rb.ForEach(func(_, ev []byte) error {
					var e models.IndexEntry
					if err := json.Unmarshal(ev, &e); err != nil {
						return fmt.Errorf("failed to unmarshal entry of %q: %w", k, err)
					}
					entries = append(entries, e)
					return nil
				})
				if err != nil {
					return err
				}
			}

			snap, err := b.mem.build(meta.ID, entries, meta.IndexedAt)
			if err != nil {
				return fmt.Errorf("repository %q: %w", meta.ID, err)
			}
			if err := b.mem.publish(meta.ID, snap); err != nil {
				return fmt.Errorf("repository %q: %w", meta.ID, err)
			}
			log.Debug().Str("repo", meta.ID).Int("chunks", len(entries)).Msg("loaded index")
			return nil
		})
	})
}

func (b *Bolt) UpsertRepository(ctx context.Context, repoID string, entries []models.IndexEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	snap, err := b.mem.build(repoID, entries, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := b.mem.checkDim(snap); err != nil {
		return err
	}

	meta, err := json.Marshal(models.IndexedRepository{ID: repoID, ChunkCount: len(entries), IndexedAt: snap.indexedAt})
	if err != nil {
		return fmt.Errorf("failed to marshal repository: %w", err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		all := tx.Bucket(bucketEntries)
		if err := all.DeleteBucket([]byte(repoID)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		rb, err := all.CreateBucket([]byte(repoID))
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		for _, e := range snap.entries {
			data, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to marshal entry: %w", err)
			}
			binary.BigEndian.PutUint64(key, uint64(e.Ord))
			if err := rb.Put(append([]byte(nil), key...), data); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketRepositories).Put([]byte(repoID), meta)
	})
	if err != nil {
		return fmt.Errorf("failed to persist repository %q: %w", repoID, err)
	}

	return b.mem.publish(repoID, snap)
}

func (b *Bolt) Search(ctx context.Context, repoID string, query []float32, k int) ([]models.Match, error) {
	return b.mem.Search(ctx, repoID, query, k)
}

func (b *Bolt) Repositories(ctx context.Context) ([]models.IndexedRepository, error) {
	return b.mem.Repositories(ctx)
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
