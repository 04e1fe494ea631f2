// Package metrics holds the small set of Prometheus collectors the core exposes for the (out-of-scope)
// metrics/timer instrumentation collaborator to scrape. The core only increments/observes these; nothing
// in this module reads them back except tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TablesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heftydb_tables_flushed_total",
		Help: "Number of memtables flushed to an SSTable.",
	})

	BytesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heftydb_bytes_flushed_total",
		Help: "Total bytes written to SSTables by flushes.",
	})

	CompactionsRun = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heftydb_compactions_total",
		Help: "Number of compactions run, by strategy.",
	}, []string{"strategy"})

	CompactionInputTables = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "heftydb_compaction_input_tables",
		Help:    "Number of SSTables merged per compaction.",
		Buckets: prometheus.LinearBuckets(1, 1, 10),
	})

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heftydb_cache_hits_total",
		Help: "Cache hits, by cache name (record/index).",
	}, []string{"cache"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heftydb_cache_misses_total",
		Help: "Cache misses, by cache name (record/index).",
	}, []string{"cache"})

	LiveTables = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "heftydb_live_tables",
		Help: "Number of flushed SSTables in the tables registry.",
	})

	WALAppendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "heftydb_wal_append_failures_total",
		Help: "Number of failed write-ahead log appends.",
	})
)
