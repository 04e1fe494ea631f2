// Package invariant gives the rest of HeftyDB a way to flag conditions that must never happen without
// crashing the process over them. Think of it as an assert that files a report instead of panicking:
// a log line at error level plus a Prometheus counter bump, so the violation shows up in dashboards
// and alerts rather than silently corrupting state.
//
// Do not use Raise for conditions caused by the environment (disk full, permission denied) — those are
// ordinary errors and should be returned as such. Raise is for "a piece of our own code produced a value
// another piece of our own code assumed could never occur": an index whose entries aren't sorted, a
// generation id missing from the tables registry, a footer that parsed but fails a structural check.
package invariant

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	promclient "github.com/prometheus/client_model/go"
)

// TestMode makes Raise panic instead of merely logging, so invariant violations fail tests loudly
// rather than being swallowed. No package in this module sets it, so by default Raise only logs and
// counts.
var TestMode bool

var violations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "heftydb_invariant_violations_total",
	Help: "Total number of invariant violations observed.",
}, []string{
	"module", // Package in which the violation occurred, e.g. "block", "table".
	"kind",   // A short, stable identifier for the specific invariant, e.g. "unsorted_entries".
})

// Raise records a violation of invariant `kind` in `module`, logging `msg` with the given structured
// fields. Callers are still responsible for handling the erroneous case afterward (usually an early
// return); Raise only ever reports, it does not alter control flow except under TestMode.
func Raise(module, kind, msg string, args ...any) {
	violations.WithLabelValues(module, kind).Inc()
	slog.With("invariant", kind, "module", module).Error(msg, args...)
	if TestMode {
		panic("invariant violated: " + module + "/" + kind)
	}
}

// Count returns the current violation count for `module`/`kind`, mainly for tests asserting that a
// particular bad path was (or wasn't) exercised.
func Count(module, kind string) int {
	metric := &promclient.Metric{}
	if err := violations.WithLabelValues(module, kind).Write(metric); err != nil {
		slog.Error("failed to read invariant counter", "error", err)
		return 0
	}
	return int(metric.Counter.GetValue())
}
