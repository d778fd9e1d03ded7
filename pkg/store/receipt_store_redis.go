package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/attestgrid/pkg/contracts"
	"github.com/redis/go-redis/v9"
)

const (
	cacheKeyPrefix = "attestgrid:receipt:"
	// DefaultCacheTTL bounds how long an entry lives. Receipts never change,
	// so the TTL only controls memory use.
	DefaultCacheTTL = 24 * time.Hour
)

// CachedReceiptStore is a read-through Redis cache in front of another store.
// Cache faults are logged and otherwise ignored; the backend stays authoritative.
type CachedReceiptStore struct {
	backend ReceiptStore
	rdb     redis.Cmdable
	ttl     time.Duration
	logger  *slog.Logger
}

func NewCachedReceiptStore(backend ReceiptStore, rdb redis.Cmdable, ttl time.Duration) *CachedReceiptStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedReceiptStore{
		backend: backend,
		rdb:     rdb,
		ttl:     ttl,
		logger:  slog.Default().With("component", "receipt_cache"),
	}
}

// NewRedisClient connects to addr with short timeouts suitable for a cache.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

func cacheKey(taskID string) string { return cacheKeyPrefix + taskID }

func (s *CachedReceiptStore) Get(ctx context.Context, taskID string) (*contracts.Receipt, error) {
	raw, err := s.rdb.Get(ctx, cacheKey(taskID)).Bytes()
	switch {
	case err == nil:
		var r contracts.Receipt
		if jerr := json.Unmarshal(raw, &r); jerr == nil {
			return &r, nil
		}
		s.logger.Warn("dropping undecodable cache entry", "task_id", taskID)
		s.rdb.Del(ctx, cacheKey(taskID))
	case !errors.Is(err, redis.Nil):
		s.logger.Warn("cache read failed", "task_id", taskID, "error", err)
	}

	r, err := s.backend.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, r)
	return r, nil
}

func (s *CachedReceiptStore) Put(ctx context.Context, r *contracts.Receipt) error {
	return s.backend.Put(ctx, r)
}

func (s *CachedReceiptStore) Aggregate(ctx context.Context, sampleLimit int) (*contracts.AggregateStats, error) {
	return s.backend.Aggregate(ctx, sampleLimit)
}

func (s *CachedReceiptStore) fill(ctx context.Context, r *contracts.Receipt) {
	b, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, cacheKey(r.TaskID), b, s.ttl).Err(); err != nil {
		s.logger.Warn("cache write failed", "task_id", r.TaskID, "error", err)
	}
}
