package compaction

import (
	"context"
	"flag"
	"log/slog"
	"sync"
	"time"

	"github.com/hungtd9/heftydb/internal/executor"
	"github.com/hungtd9/heftydb/internal/metrics"
	"github.com/hungtd9/heftydb/pkg/snapshot"
	"github.com/hungtd9/heftydb/pkg/table"
)

var pollInterval = flag.Duration("compaction_poll_interval", 30*time.Second,
	"How often the compactor re-evaluates its strategy against the current table set.")

// Compactor drives background merges: a ticker loop, grounded on the teacher's HyperClock reaper
// (pkg/cache/hcc.go's ctx.Done/ticker.C select loop), periodically asks Strategy for a set of
// generations to merge and submits the merge to exec. Manual calls via CompactNow bypass the ticker for
// the façade's compact() operation.
type Compactor struct {
	registry  *table.Registry
	strategy  Strategy
	snapshots *snapshot.Set
	exec      *executor.Executor

	mu      sync.Mutex
	running bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Compactor. It does not start its background loop; call Start for that.
func New(registry *table.Registry, strategy Strategy, snapshots *snapshot.Set, exec *executor.Executor) *Compactor {
	return &Compactor{registry: registry, strategy: strategy, snapshots: snapshots, exec: exec}
}

// Start launches the ticker loop on a new goroutine. Calling Start twice is a no-op.
func (c *Compactor) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	go c.loop(ctx)
}

func (c *Compactor) loop(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(*pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runOnce()
		}
	}
}

// runOnce asks the strategy for candidate inputs and, if any, submits the merge on the executor rather
// than running it inline, so a slow compaction never blocks the ticker loop from reacting to shutdown.
func (c *Compactor) runOnce() {
	inputs := c.strategy.SelectInputs(c.registry.TableInfos())
	if len(inputs) == 0 {
		return
	}
	c.submit(inputs)
}

func (c *Compactor) submit(inputs []uint64) {
	fullCompaction := len(inputs) == len(c.registry.TableInfos())
	minRetained := c.snapshots.MinRetained()
	err := c.exec.Submit(func(_ context.Context) {
		if _, err := c.registry.Compact(inputs, minRetained, fullCompaction); err != nil {
			slog.Error("compaction failed", "inputs", inputs, "err", err)
			return
		}
		metrics.CompactionsRun.WithLabelValues(c.strategy.Name()).Inc()
		metrics.CompactionInputTables.Observe(float64(len(inputs)))
	})
	if err != nil {
		slog.Error("failed to schedule compaction, executor is shutting down", "inputs", inputs, "err", err)
	}
}

// CompactNow triggers an immediate, strategy-independent full compaction of every currently flushed
// generation, for the façade's compact() operation (§6). It blocks until the merge completes.
func (c *Compactor) CompactNow() error {
	infos := c.registry.TableInfos()
	if len(infos) < 2 {
		return nil
	}
	ids := make([]uint64, len(infos))
	for i, t := range infos {
		ids[i] = t.GenerationID
	}
	_, err := c.registry.Compact(ids, c.snapshots.MinRetained(), true)
	if err != nil {
		return err
	}
	metrics.CompactionsRun.WithLabelValues("manual").Inc()
	metrics.CompactionInputTables.Observe(float64(len(ids)))
	return nil
}

// Close stops the ticker loop and waits for any in-flight tick to finish before returning. It does not
// wait for compactions already submitted to the executor; the executor's own Close drains those.
func (c *Compactor) Close() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done
}
