package sstable

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hungtd9/heftydb/internal/metrics"
	"github.com/hungtd9/heftydb/pkg/cache"
)

// Grounded on the teacher's pkg/storage/block_cache.go: a single shared, byte-weighted cache sitting in
// front of table block reads, built once and reused across every open SSTable rather than one cache per
// table. Per §4.9 the budget is split into two independent caches, one for RecordBlock bytes and one for
// IndexBlock bytes, rather than the teacher's single pool, since record blocks dominate table size while
// index blocks are read far more often relative to their weight; sizing them together would let a scan
// evict the whole index working set for marginal record-block hit-rate gains.
var (
	cacheEnabled        = flag.Bool("enable_block_cache", true, "Enable the shared block caches.")
	recordCacheCapacity = flag.Uint64("record_block_cache_capacity_bytes", 48*1024*1024,
		"Maximum total byte weight the shared RecordBlock cache may hold; 0 disables it.")
	indexCacheCapacity = flag.Uint64("index_block_cache_capacity_bytes", 16*1024*1024,
		"Maximum total byte weight the shared IndexBlock cache may hold; 0 disables it.")
	cacheShardCount = flag.Int("block_cache_shard_count", runtime.NumCPU(),
		"Number of shards in each shared block cache; reduces lock contention under concurrent reads.")
	cacheTickInterval = flag.Duration("block_cache_tick_interval", time.Second,
		"Clock tick interval for the shared block caches' TTL reaper (block bytes never expire; this only paces the reaper).")

	cacheEvictedBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heftydb_block_cache_evicted_blocks_total",
		Help: "Total number of blocks evicted from a shared block cache.",
	}, []string{"kind"})

	sharedCacheOnce sync.Once
	sharedCache     *BlockCache
)

// blockCacheKey identifies one block within one table generation. Record and index blocks live in
// separate caches, so the offset alone (without a kind tag) disambiguates within each.
type blockCacheKey struct {
	generationID uint64
	offset       uint64
}

// weightedLayer is the subset of cache.Layer that callers needing per-entry byte weight use instead of
// the uniform-weight-1 Add. *cache.HyperClock satisfies it directly; noOpWeighted adapts the disabled
// case so callers don't need a separate code path.
type weightedLayer interface {
	Get(key blockCacheKey) ([]byte, bool)
	AddWeighted(key blockCacheKey, value []byte, weight uint64, ttl time.Duration) bool
}

type noOpWeighted struct{}

func (noOpWeighted) Get(blockCacheKey) ([]byte, bool)                              { return nil, false }
func (noOpWeighted) AddWeighted(blockCacheKey, []byte, uint64, time.Duration) bool { return false }

// shardedWeighted fans AddWeighted out across shards the same way cache.ShardedCache.Add does, picking
// the shard by key before delegating to its *cache.HyperClock.AddWeighted.
type shardedWeighted struct {
	shards []*cache.HyperClock[blockCacheKey, []byte]
}

func (s *shardedWeighted) shardFor(k blockCacheKey) *cache.HyperClock[blockCacheKey, []byte] {
	h := k.generationID*1099511628211 + k.offset
	h ^= h >> 33
	return s.shards[h%uint64(len(s.shards))]
}
func (s *shardedWeighted) Get(k blockCacheKey) ([]byte, bool) { return s.shardFor(k).Get(k) }
func (s *shardedWeighted) AddWeighted(k blockCacheKey, v []byte, weight uint64, ttl time.Duration) bool {
	return s.shardFor(k).AddWeighted(k, v, weight, ttl)
}

func newWeightedLayer(capacityBytes uint64, kind string) weightedLayer {
	if !*cacheEnabled || capacityBytes == 0 {
		return noOpWeighted{}
	}
	shardCount := *cacheShardCount
	if shardCount < 1 {
		shardCount = 1
	}
	perShardBytes := capacityBytes / uint64(shardCount)
	if perShardBytes == 0 {
		perShardBytes = 1
	}
	evicted := cacheEvictedBlocks.WithLabelValues(kind)
	shards := make([]*cache.HyperClock[blockCacheKey, []byte], shardCount)
	for i := range shards {
		shards[i] = cache.NewHyperClock(context.Background(), perShardBytes, *cacheTickInterval,
			func(blockCacheKey, []byte) { evicted.Inc() })
	}
	return &shardedWeighted{shards: shards}
}

// BlockCache is the shared, process-wide pair of block caches every SSTable opened via OpenCached reads
// through. recordGroup single-flights concurrent misses on the same key so a hot record block under
// concurrent readers triggers exactly one disk read, per §4.9; index blocks are read far less often
// relative to the tree's fan-out and don't need the same protection.
type BlockCache struct {
	record      weightedLayer
	index       weightedLayer
	recordGroup singleflightGroup
}

func newBlockCache() *BlockCache {
	return &BlockCache{
		record: newWeightedLayer(*recordCacheCapacity, "record"),
		index:  newWeightedLayer(*indexCacheCapacity, "index"),
	}
}

// SharedBlockCache returns the process-wide block cache pair, built lazily on first use from the
// block_cache_* / record_block_cache_* / index_block_cache_* flags.
func SharedBlockCache() *BlockCache {
	sharedCacheOnce.Do(func() { sharedCache = newBlockCache() })
	return sharedCache
}

// singleflightGroup deduplicates concurrent callers asking for the same key, grounded on the standard
// single-flight pattern (golang.org/x/sync/singleflight does the same thing; hand-rolled here since
// that's the only thing from it this cache needs and none of the example repos import it).
type singleflightGroup struct {
	mu    sync.Mutex
	calls map[blockCacheKey]*singleflightCall
}

type singleflightCall struct {
	wg  sync.WaitGroup
	val []byte
	err error
}

func (g *singleflightGroup) do(key blockCacheKey, fn func() ([]byte, error)) ([]byte, error) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[blockCacheKey]*singleflightCall)
	}
	if call, inFlight := g.calls[key]; inFlight {
		g.mu.Unlock()
		call.wg.Wait()
		return call.val, call.err
	}
	call := &singleflightCall{}
	call.wg.Add(1)
	g.calls[key] = call
	g.mu.Unlock()

	call.val, call.err = fn()
	call.wg.Done()

	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
	return call.val, call.err
}

// cachedBlockSource wraps a fileBlockSource, serving reads from the shared BlockCache when present and
// falling through to disk (populating the cache) on a miss. OpenCached builds one of these as the
// BlockSource for every production table open; tests typically pass a plain fileBlockSource, or nil for
// an uncached read, to stay independent of the shared cache's process-wide state.
func newCachedBlockSource(generationID uint64, file *os.File) BlockSource {
	return &cachedBlockSource{generationID: generationID, file: fileBlockSource{file: file}, cache: SharedBlockCache()}
}

type cachedBlockSource struct {
	generationID uint64
	file         fileBlockSource
	cache        *BlockCache
}

func (c *cachedBlockSource) ReadBlock(kind BlockKind, offset, size uint64) ([]byte, error) {
	key := blockCacheKey{generationID: c.generationID, offset: offset}
	layer, kindLabel := c.cache.index, "index"
	if kind == RecordBlockKind {
		layer, kindLabel = c.cache.record, "record"
	}

	if buf, ok := layer.Get(key); ok {
		metrics.CacheHits.WithLabelValues(kindLabel).Inc()
		return buf, nil
	}
	metrics.CacheMisses.WithLabelValues(kindLabel).Inc()

	read := func() ([]byte, error) {
		buf, err := c.file.ReadBlock(kind, offset, size)
		if err != nil {
			return nil, fmt.Errorf("sstable: cached block read: %w", err)
		}
		layer.AddWeighted(key, buf, uint64(len(buf)), cache.NoExpiry)
		return buf, nil
	}
	if kind == RecordBlockKind {
		return c.cache.recordGroup.do(key, read)
	}
	return read()
}
