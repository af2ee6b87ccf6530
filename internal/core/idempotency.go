package core

import (
	"GoldLedger/internal/observability"
	"container/list"
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier deduplication of payment refs
type IdempotencyChecker struct {
	mu sync.Mutex

	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: store lookup
	lookup KeyLookup

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// KeyLookup is the durable side of deduplication
type KeyLookup interface {
	PostingExists(ctx context.Context, idempotencyKey string) (bool, error)
	RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error)
}

func NewIdempotencyChecker(capacity int, lookup KeyLookup, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:     NewIdempotencyLRU(capacity),
		lookup:  lookup,
		metrics: metrics,
		logger:  logger,
	}
}

// IsDuplicate checks if key has been posted (two-tier lookup).
// A store error counts as "not duplicate": the unique index still rejects a
// real duplicate at commit.
func (ic *IdempotencyChecker) IsDuplicate(ctx context.Context, key string) bool {
	ic.mu.Lock()
	hit := ic.lru.Contains(key)
	ic.mu.Unlock()
	if hit {
		ic.recordDuplicate("lru")
		return true
	}

	if ic.lookup == nil {
		return false
	}

	isDup, err := ic.lookup.PostingExists(ctx, key)
	if err != nil {
		ic.logger.Warn().Err(err).Str("payment_ref", key).Msg("idempotency lookup failed")
		if ic.metrics != nil {
			ic.metrics.IdempotencyTier2Errs.Inc()
		}
		return false
	}
	if isDup {
		ic.recordDuplicate("store")
		ic.MarkProcessed(key)
		return true
	}
	return false
}

// MarkProcessed adds key to the LRU after a successful commit
func (ic *IdempotencyChecker) MarkProcessed(key string) {
	ic.mu.Lock()
	evicted := ic.lru.Add(key)
	size := ic.lru.Size()
	ic.mu.Unlock()

	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(size))
		if evicted {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	}
}

// RecordCommitConflict counts a duplicate caught by the store at commit.
func (ic *IdempotencyChecker) RecordCommitConflict(key string) {
	ic.recordDuplicate("commit")
	ic.MarkProcessed(key)
}

// Warm loads the most recent keys from the store into the LRU so a restart
// does not send every retry to the cold path.
func (ic *IdempotencyChecker) Warm(ctx context.Context) error {
	if ic.lookup == nil {
		return nil
	}
	keys, err := ic.lookup.RecentIdempotencyKeys(ctx, ic.lru.capacity)
	if err != nil {
		return err
	}

	ic.mu.Lock()
	// Oldest first so the newest end up most recently used.
	for i := len(keys) - 1; i >= 0; i-- {
		ic.lru.Add(keys[i])
	}
	size := ic.lru.Size()
	ic.mu.Unlock()

	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(size))
	}
	ic.logger.Info().Int("keys", size).Msg("idempotency cache warmed")
	return nil
}

func (ic *IdempotencyChecker) recordDuplicate(tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of idempotency keys.
// Not thread-safe; IdempotencyChecker serializes access.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists) and reports whether an older
// key was evicted to make room.
func (lru *IdempotencyLRU) Add(key string) bool {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return false
	}

	lru.cache[key] = lru.lruList.PushFront(key)

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
		return true
	}
	return false
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
