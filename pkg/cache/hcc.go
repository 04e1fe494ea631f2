// This module implements a byte-weighted CLOCK cache.
// Eviction Policy (CLOCK Algorithm):
// The cache uses a circular list of entries and a "hand" that sweeps over them. When the cache doesn't have enough
// free weight for a new entry, the hand checks the entry it's pointing to:
//   - If the entry's reference bit is 'true', it sets it to 'false' and moves to the next entry.
//     This gives the entry a "second chance".
//   - If the entry's reference bit is 'false', it evicts that entry and frees its weight.
// Eviction repeats until enough weight is free for the incoming entry, rather than stopping after a single swap,
// since block sizes vary (a record block and an index block rarely weigh the same).
//
// Expiration Policy (TTL with Reaper):
// Entries are given a Time-To-Live (TTL). To manage expirations efficiently, entries are distributed to time-based
// 'buckets'. A background goroutine, the "reaper", periodically wakes up and clears one bucket of all its entries,
// effectively deleting items that have lived past their TTL. This avoids scanning the entire cache for expired items.
// A cache of disk blocks that never logically change (SSTables are immutable) has no real need for expiry; callers
// pass cache.NoExpiry to opt out and rely purely on weight-based eviction.

package cache

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hungtd9/heftydb/internal/invariant"
)

// NoExpiry disables TTL-based eviction for an entry; only the byte-weight budget governs its lifetime.
const NoExpiry time.Duration = 1<<63 - 1

// expirableClockCacheEntry represents a single entry in the cache. It contains the key-value pair, metadata for the
// clock algorithm, and expiration details.
type expirableClockCacheEntry[K comparable, V any] struct {
	key    K // The cache key for this entry.
	value  V // The data stored for this key.
	weight uint64
	// ref is the reference bit for the CLOCK algorithm. A value of 'true' indicates the entry has been recently
	// accessed and should be given a "second chance" before eviction. It's an atomic boolean to allow safe concurrent
	// access from Get and the eviction loop.
	ref       atomic.Bool
	expiresAt time.Time // The timestamp when this entry is considered expired.
}

// getTimeBucket rounds down the timestamp to the last timestamp that the reaper cleared given the tickInterval.
func getTimeBucket(timestamp time.Time, tickInterval time.Duration) time.Time {
	return time.Unix(0, (timestamp.UnixNano()/int64(tickInterval))*int64(tickInterval))
}

// HyperClock is a thread-safe, byte-weight-bounded, in-memory cache that combines the CLOCK (Second-Chance)
// eviction algorithm with a time-based expiration mechanism. Weight is supplied per entry by the caller (e.g. the
// encoded length of a record or index block), not assumed to be uniform.
type HyperClock[K comparable, V any] struct {
	capacityBytes uint64 // Maximum total weight the cache may hold.
	currentBytes  uint64 // Sum of weight currently resident.
	// hand is the "clock hand" that points to the next candidate for eviction in the circular list.
	hand  *LinkedListNode[*expirableClockCacheEntry[K, V]]
	index map[K]*LinkedListNode[*expirableClockCacheEntry[K, V]] // Provides lookup for an entry by its key.
	// circularBuffer allows the hand to sweep over keys for the CLOCK eviction.
	circularBuffer *LinkedList[*expirableClockCacheEntry[K, V]]
	// expiryBuckets indexes cache entries to allow expiring a batch of keys together.
	expiryBuckets map[time.Time]map[K]*LinkedListNode[*expirableClockCacheEntry[K, V]]
	tickInterval  time.Duration // Rate of reaper goroutine removing expired keys.
	reaperHand    time.Time     // Next bucket to be cleared by the reaper goroutine.
	// evictionCallback is an optional callback function that is executed when an entry is evicted. This function is run
	// on key eviction in Add or Purge functions, so it must not be calling any of the cache methods to avoid deadlocks.
	evictionCallback func(K, V)
	mux              sync.RWMutex // Provides thread-safety for concurrent operations on the cache.
}

// NewHyperClock is the constructor for HyperClock. It initializes the cache with the given byte-weight capacity,
// eviction callback, and tick interval. It also starts the background reaper goroutine for handling expirations.
// NOTE: eviction callback function must not call any of the cache methods or else we'll be having a deadlock.
func NewHyperClock[K comparable, V any](ctx context.Context, capacityBytes uint64, tickInterval time.Duration,
	evictionCallback func(K, V)) *HyperClock[K, V] {
	if capacityBytes == 0 {
		invariant.Raise("hcc", "zero_cache_capacity", "invalid byte capacity given to clock cache", "capacityBytes", capacityBytes)
		capacityBytes = 1
	}
	if tickInterval <= 0 {
		tickInterval = time.Minute
	}
	clockCache := &HyperClock[K, V]{
		capacityBytes:    capacityBytes,
		index:            make(map[K]*LinkedListNode[*expirableClockCacheEntry[K, V]]),
		circularBuffer:   new(LinkedList[*expirableClockCacheEntry[K, V]]),
		expiryBuckets:    make(map[time.Time]map[K]*LinkedListNode[*expirableClockCacheEntry[K, V]]),
		tickInterval:     tickInterval,
		reaperHand:       getTimeBucket(time.Now(), tickInterval),
		evictionCallback: evictionCallback,
	}
	go clockCache.reaper(ctx, tickInterval)
	return clockCache
}

// Get retrieves a value from the cache for a given key. If the key is found and the entry is not expired, it returns
// the value and true. Accessing an item with Get marks it as recently used by setting its reference bit to true.
func (c *HyperClock[K, V]) Get(key K) (V, bool /*found*/) {
	c.mux.RLock()
	defer c.mux.RUnlock()

	entry, keyExists := c.index[key]
	if !keyExists {
		return *new(V), false
	}
	if expiresAt := entry.Value.expiresAt; !expiresAt.IsZero() && time.Now().After(expiresAt) {
		return *new(V), false
	}
	entry.Value.ref.Store(true)
	return entry.Value.value, true
}

func (c *HyperClock[K, V]) addEntryToExpiryBucket(entry *LinkedListNode[*expirableClockCacheEntry[K, V]]) {
	if entry.Value.expiresAt.IsZero() {
		return
	}
	bucket := getTimeBucket(entry.Value.expiresAt, c.tickInterval)
	if _, bucketExists := c.expiryBuckets[bucket]; !bucketExists {
		c.expiryBuckets[bucket] = make(map[K]*LinkedListNode[*expirableClockCacheEntry[K, V]])
	}
	c.expiryBuckets[bucket][entry.Value.key] = entry
}

func expiresAtFor(ttl time.Duration) time.Time {
	if ttl == NoExpiry || ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// Add inserts or updates a key-value pair of the given weight in the cache. If the key already exists, its value,
// weight and expiration are updated. If there isn't enough free weight, it evicts entries using the CLOCK algorithm
// until there is. It returns true if at least one eviction occurred.
func (c *HyperClock[K, V]) Add(key K, value V, ttl time.Duration) /*evictionOccurred*/ bool {
	return c.AddWeighted(key, value, 1, ttl)
}

// AddWeighted is Add with an explicit weight (e.g. the encoded byte length of the cached block) instead of the
// implicit weight of 1 that Add uses. Block caches should call this directly; Add exists to satisfy the Layer
// interface for callers that don't have a meaningful weight.
func (c *HyperClock[K, V]) AddWeighted(key K, value V, weight uint64, ttl time.Duration) bool {
	c.mux.Lock()
	defer c.mux.Unlock()

	if entry, keyExists := c.index[key]; keyExists {
		entryValue := entry.Value
		delete(c.expiryBuckets[getTimeBucket(entryValue.expiresAt, c.tickInterval)], entryValue.key)
		c.currentBytes = c.currentBytes - entryValue.weight + weight
		entryValue.value = value
		entryValue.weight = weight
		entryValue.ref.Store(false)
		entryValue.expiresAt = expiresAtFor(ttl)
		c.addEntryToExpiryBucket(entry)
		return false
	}

	evicted := false
	for c.circularBuffer.Len() > 0 && c.currentBytes+weight > c.capacityBytes {
		if c.evictOne() {
			evicted = true
		} else {
			break // nothing evictable right now (shouldn't happen outside pathological ref-bit storms)
		}
	}

	entry := c.circularBuffer.PushBack(&expirableClockCacheEntry[K, V]{
		key: key, value: value, weight: weight, expiresAt: expiresAtFor(ttl),
	})
	c.addEntryToExpiryBucket(entry)
	c.index[key] = entry
	c.currentBytes += weight
	if c.hand == nil {
		c.hand = entry
	}
	return evicted
}

// evictOne runs the CLOCK sweep until it finds and removes a single victim. It returns false only if the circular
// buffer is empty (nothing to evict).
func (c *HyperClock[K, V]) evictOne() bool {
	if c.circularBuffer.Len() == 0 {
		return false
	}
	for {
		entry := c.hand
		entryValue := entry.Value
		expired := !entryValue.expiresAt.IsZero() && time.Now().After(entryValue.expiresAt)
		if !entryValue.ref.Load() || expired {
			delete(c.index, entryValue.key)
			delete(c.expiryBuckets[getTimeBucket(entryValue.expiresAt, c.tickInterval)], entryValue.key)
			c.currentBytes -= entryValue.weight
			next := entry.Next()
			c.circularBuffer.Remove(entry)
			if next == nil {
				next = c.circularBuffer.Front()
			}
			if c.hand == entry {
				c.hand = next
			}
			if c.evictionCallback != nil {
				c.evictionCallback(entryValue.key, entryValue.value)
			}
			return true
		}
		entryValue.ref.Store(false)
		next := entry.Next()
		if next == nil {
			next = c.circularBuffer.Front()
		}
		c.hand = next
	}
}

func (c *HyperClock[K, V]) Keys() []K {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return slices.Collect(maps.Keys(c.index))
}

func (c *HyperClock[K, V]) Purge() {
	c.mux.Lock()
	defer c.mux.Unlock()

	for entryNode := c.circularBuffer.Front(); entryNode != nil; {
		next := entryNode.Next()
		evictedKey := entryNode.Value.key
		evictedValue := entryNode.Value.value
		delete(c.index, evictedKey)
		c.circularBuffer.Remove(entryNode)
		if c.evictionCallback != nil {
			c.evictionCallback(evictedKey, evictedValue)
		}
		entryNode = next
	}
	clear(c.expiryBuckets)
	c.hand = nil
	c.currentBytes = 0
}

// reaper is a background goroutine that handles entry expiration. It wakes up at a regular interval and clears an
// entire bucket of entries that are presumed to have expired.
func (c *HyperClock[K, V]) reaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mux.Lock()
			for c.reaperHand.Before(time.Now()) {
				if bucket, bucketExists := c.expiryBuckets[c.reaperHand]; bucketExists {
					for _, entryNode := range bucket {
						if c.hand == entryNode {
							next := entryNode.Next()
							if next == nil {
								next = c.circularBuffer.Front()
							}
							c.hand = next
						}
						c.currentBytes -= entryNode.Value.weight
						delete(c.index, entryNode.Value.key)
						c.circularBuffer.Remove(entryNode)
					}
					delete(c.expiryBuckets, c.reaperHand)
				}
				c.reaperHand = c.reaperHand.Add(c.tickInterval)
			}
			c.mux.Unlock()
		}
	}
}
