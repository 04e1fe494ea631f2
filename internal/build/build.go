// Package build exposes version/commit/build-time strings set by -ldflags at link time, plus the
// process start time. CAUTION: keep the variable names stable — the release tooling sets them by name.
package build

import "time"

var (
	Version   string
	Commit    string
	BuildTime string
)

var StartTime = time.Now()

func init() {
	if Version == "" {
		Version = "unknown"
	}
	if Commit == "" {
		Commit = "unknown"
	}
	if BuildTime == "" {
		BuildTime = "unknown"
	}
}
