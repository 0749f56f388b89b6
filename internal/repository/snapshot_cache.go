package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"docsync-server/internal/domain"

	"github.com/redis/go-redis/v9"
)

// CachedSnapshotRepository layers a Redis read-through cache over a
// snapshot repository. A nil client disables the cache entirely, so
// the server runs unchanged when Redis is unavailable.
type CachedSnapshotRepository struct {
	inner SnapshotRepository
	rdb   *redis.Client
	ttl   time.Duration
}

func NewCachedSnapshotRepository(inner SnapshotRepository, rdb *redis.Client, ttl time.Duration) *CachedSnapshotRepository {
	return &CachedSnapshotRepository{
		inner: inner,
		rdb:   rdb,
		ttl:   ttl,
	}
}

func cacheKey(documentID string) string {
	return fmt.Sprintf("docsync:snapshot:%s", documentID)
}

func (r *CachedSnapshotRepository) Load(ctx context.Context, documentID string) (*domain.Snapshot, error) {
	if r.rdb != nil {
		data, err := r.rdb.Get(ctx, cacheKey(documentID)).Bytes()
		if err == nil {
			var snapshot domain.Snapshot
			if err := json.Unmarshal(data, &snapshot); err == nil {
				return &snapshot, nil
			}
			log.Printf("discarding corrupt cached snapshot for %s", documentID)
		} else if !errors.Is(err, redis.Nil) {
			log.Printf("snapshot cache read failed for %s: %v", documentID, err)
		}
	}

	snapshot, err := r.inner.Load(ctx, documentID)
	if err != nil {
		return nil, err
	}

	r.fill(ctx, snapshot)
	return snapshot, nil
}

func (r *CachedSnapshotRepository) Store(ctx context.Context, snapshot *domain.Snapshot) error {
	if err := r.inner.Store(ctx, snapshot); err != nil {
		return err
	}

	r.fill(ctx, snapshot)
	return nil
}

func (r *CachedSnapshotRepository) fill(ctx context.Context, snapshot *domain.Snapshot) {
	if r.rdb == nil {
		return
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := r.rdb.Set(ctx, cacheKey(snapshot.DocumentID), data, r.ttl).Err(); err != nil {
		log.Printf("snapshot cache write failed for %s: %v", snapshot.DocumentID, err)
	}
}
