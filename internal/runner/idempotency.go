package runner

import (
	"container/list"
	"time"

	"PerpCore/internal/observability"
)

// IdempotencyChecker implements two-tier command deduplication: an
// in-memory LRU in front of a Postgres lookup.
type IdempotencyChecker struct {
	lru       *idempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics

	reportedEvictions int64
}

// DBIdempotencyChecker is the interface for the Postgres dedup lookup.
type DBIdempotencyChecker interface {
	IsDuplicate(commandID string) (bool, error)
}

// NewIdempotencyChecker builds the two-tier checker. metrics may be nil.
func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

// IsDuplicate reports whether the command has already been applied.
// Tier returns "lru" or "postgres" on a hit so callers can record which
// tier caught it.
func (ic *IdempotencyChecker) IsDuplicate(commandID string) (dup bool, tier string) {
	if ic.lru.Contains(commandID) {
		return true, "lru"
	}

	if ic.dbChecker != nil {
		start := time.Now()
		isDup, err := ic.dbChecker.IsDuplicate(commandID)
		if ic.metrics != nil {
			ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			// Conservative on DB errors: assume not a duplicate so a DB
			// outage does not block command processing.
			return false, ""
		}
		if isDup {
			ic.lru.Add(commandID)
			ic.syncEvictions()
			return true, "postgres"
		}
	}

	return false, ""
}

// MarkProcessed adds a command ID to the LRU after a successful apply.
func (ic *IdempotencyChecker) MarkProcessed(commandID string) {
	ic.lru.Add(commandID)
	ic.syncEvictions()
}

// WarmFromKeys preloads recently processed command IDs, typically from
// the latest snapshot, so restarts avoid cold-path DB lookups.
func (ic *IdempotencyChecker) WarmFromKeys(keys []string) {
	ic.lru.WarmFromKeys(keys)
	ic.syncEvictions()
}

// syncEvictions pushes the LRU's eviction count delta into the metrics
// counter. Called only from the single-writer loop.
func (ic *IdempotencyChecker) syncEvictions() {
	if ic.metrics == nil {
		return
	}
	if d := ic.lru.evictions - ic.reportedEvictions; d > 0 {
		ic.metrics.DedupLRUEvictions.Add(float64(d))
		ic.reportedEvictions = ic.lru.evictions
	}
}

// Size returns current LRU occupancy.
func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Size()
}

// Evictions returns total LRU evictions.
func (ic *IdempotencyChecker) Evictions() int64 {
	return ic.lru.evictions
}

// RecentKeys returns up to n most recently used command IDs, newest
// first. Stored in snapshots for LRU warming on restart.
func (ic *IdempotencyChecker) RecentKeys(n int) []string {
	return ic.lru.RecentKeys(n)
}

// --- LRU ---

// idempotencyLRU is not thread-safe; it is only touched from the
// single-writer runner loop.
type idempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type lruEntry struct {
	key string
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front).
func (lru *idempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if it exists).
func (lru *idempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	entry := &lruEntry{key: key}
	elem := lru.lruList.PushFront(entry)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *idempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		entry := elem.Value.(*lruEntry)
		delete(lru.cache, entry.key)
		lru.evictions++
	}
}

// WarmFromKeys loads a batch of keys into the LRU.
func (lru *idempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, exists := lru.cache[key]; exists {
			continue
		}
		entry := &lruEntry{key: key}
		elem := lru.lruList.PushFront(entry)
		lru.cache[key] = elem

		if lru.lruList.Len() > lru.capacity {
			lru.evictOldest()
		}
	}
}

// Size returns current number of entries.
func (lru *idempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// RecentKeys returns up to n keys, newest first.
func (lru *idempotencyLRU) RecentKeys(n int) []string {
	if n > lru.lruList.Len() {
		n = lru.lruList.Len()
	}
	keys := make([]string, 0, n)
	for elem := lru.lruList.Front(); elem != nil && len(keys) < n; elem = elem.Next() {
		keys = append(keys, elem.Value.(*lruEntry).key)
	}
	return keys
}
