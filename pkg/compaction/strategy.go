// Package compaction implements §4.8's background merge policy: a pluggable Strategy proposes sets of
// SSTable generations to merge, and a Compactor drives the merge through pkg/table.Registry.Compact on
// a dedicated executor. Grounded on the pack's explicit compaction-strategy enumerations (e.g.
// SizeTieredCompaction/LeveledCompaction in the reference repos under _examples/other_examples), adapted
// to HeftyDB's flat generation-id model rather than an explicit multi-level tree.
package compaction

import (
	"flag"
	"sort"

	"github.com/hungtd9/heftydb/pkg/table"
)

// Strategy decides which flushed SSTable generations to merge next, given the registry's current table
// set. It returns nil when there is nothing worth compacting right now.
type Strategy interface {
	SelectInputs(tables []table.TableInfo) []uint64
	// Name labels the heftydb_compactions_total metric, so it must match one of ByName's case strings.
	Name() string
}

var strategyName = flag.String("compaction_strategy", "sizeTiered",
	"Compaction strategy: sizeTiered, fullOnSchedule, or none.")

// FromFlag builds the Strategy named by -compaction_strategy.
func FromFlag() Strategy {
	return ByName(*strategyName)
}

// ByName builds a named Strategy directly, for callers that don't want to go through the package flag
// (e.g. tests, or a façade that exposes its own compactionStrategy option per §6).
func ByName(name string) Strategy {
	switch name {
	case "fullOnSchedule":
		return FullOnSchedule{}
	case "none":
		return None{}
	default:
		return SizeTiered{}
	}
}

// None never proposes a compaction; manual compact() calls are the only way tables merge.
type None struct{}

func (None) SelectInputs([]table.TableInfo) []uint64 { return nil }
func (None) Name() string                            { return "none" }

// FullOnSchedule proposes merging every flushed generation whenever there is more than one, the
// simplest strategy that still keeps the table count bounded. It is the strategy a fixed-schedule
// caller (cron-style "compact nightly") pairs with.
type FullOnSchedule struct{}

func (FullOnSchedule) SelectInputs(tables []table.TableInfo) []uint64 {
	if len(tables) < 2 {
		return nil
	}
	ids := make([]uint64, len(tables))
	for i, t := range tables {
		ids[i] = t.GenerationID
	}
	return ids
}

func (FullOnSchedule) Name() string { return "fullOnSchedule" }

var (
	sizeTieredMinInputs = flag.Int("size_tiered_compaction_min_inputs", 4,
		"Minimum number of similarly-sized tables a size-tiered run needs before it merges them.")
	sizeTieredSizeRatio = flag.Float64("size_tiered_compaction_size_ratio", 2.0,
		"Maximum size ratio between the largest and smallest table in a candidate size-tiered bucket.")
)

// SizeTiered groups tables of similar size (per the Cassandra/LevelDB-style "size-tiered" family) and
// proposes merging the largest such bucket once it has at least sizeTieredMinInputs members, bounding
// both the number of tables a point lookup must probe and the write amplification of merging a huge
// table against many tiny ones.
type SizeTiered struct{}

func (SizeTiered) SelectInputs(tables []table.TableInfo) []uint64 {
	if len(tables) < *sizeTieredMinInputs {
		return nil
	}
	sorted := append([]table.TableInfo(nil), tables...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SizeBytes < sorted[j].SizeBytes })

	var bestBucket []table.TableInfo
	i := 0
	for i < len(sorted) {
		j := i
		for j < len(sorted) && float64(sorted[j].SizeBytes) <= float64(sorted[i].SizeBytes)*(*sizeTieredSizeRatio) {
			j++
		}
		bucket := sorted[i:j]
		if len(bucket) >= *sizeTieredMinInputs && len(bucket) > len(bestBucket) {
			bestBucket = bucket
		}
		i = j
	}
	if bestBucket == nil {
		return nil
	}
	ids := make([]uint64, len(bestBucket))
	for i, t := range bestBucket {
		ids[i] = t.GenerationID
	}
	return ids
}

func (SizeTiered) Name() string { return "sizeTiered" }
