package core

import (
	"IndexVault/internal/observability"
	"container/list"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// IdempotencyChecker implements two-tier deduplication of operator command ids.
// Safe for concurrent use: commands arrive from both NATS and HTTP.
type IdempotencyChecker struct {
	mu sync.Mutex

	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
	logger  zerolog.Logger
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(kind string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, logger zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		logger:    logger,
	}
}

func compositeKey(kind, key string) string {
	return fmt.Sprintf("%s:%s", kind, key)
}

// IsDuplicate checks if a command has been processed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(kind string, idempotencyKey string) bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	ck := compositeKey(kind, idempotencyKey)
	if ic.lru.Contains(ck) {
		ic.recordDuplicate("lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(kind, idempotencyKey)
		if err != nil {
			// Fail open: a DB outage must not block operator commands.
			ic.logger.Warn().Err(err).Str("kind", kind).Str("key", idempotencyKey).Msg("tier 2 dedup lookup failed")
			return false
		}
		if isDup {
			ic.recordDuplicate("postgres")
			ic.lru.Add(ck)
			return true
		}
	}
	return false
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(kind string, idempotencyKey string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.lru.Add(compositeKey(kind, idempotencyKey))
	ic.updateGauges()
}

// Warm loads composite keys, oldest first, after a restart.
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.lru.WarmFromKeys(keys)
	ic.updateGauges()
}

func (ic *IdempotencyChecker) Size() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.lru.Size()
}

func (ic *IdempotencyChecker) recordDuplicate(tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(tier).Inc()
	}
}

func (ic *IdempotencyChecker) updateGauges() {
	if ic.metrics == nil {
		return
	}
	ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
	if n := ic.lru.takeEvictions(); n > 0 {
		ic.metrics.DedupLRUEvictions.Add(float64(n))
	}
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU set of keys. Not thread-safe; IdempotencyChecker
// serializes access.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions        int64
	reportedEviction int64
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

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of composite keys into the LRU.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
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

func (lru *IdempotencyLRU) takeEvictions() int64 {
	n := lru.evictions - lru.reportedEviction
	lru.reportedEviction = lru.evictions
	return n
}
