// Package config centralizes the handful of cross-cutting operations the core's many package-level
// flags share: parsing, and optionally overriding them from a flat key=value file so deployments that
// prefer a config file over a long flag line still have one. Individual tunables (block size, bloom
// filter false-positive rate, memtable byte threshold, cache budgets, compaction strategy) are still
// registered as flag.* vars next to the code that reads them — see sstable, table, compaction and
// heftydb — the same way the teacher keeps each tunable beside its owner. Fsync is chosen per write
// call, not by a flag.
package config

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

var configFile = flag.String("config_file", "", "Optional path to a key=value config override file.")

// InitFlags parses the process flags and, if -config_file points at an existing file, applies its
// key=value overrides on top of the flag defaults before returning. It must be called once, after all
// flags are registered (i.e. after every package's init-time flag.* calls have run) and before any
// tunable is read.
func InitFlags() error {
	flag.Parse()
	if *configFile == "" {
		return nil
	}
	return LoadFile(*configFile)
}

// LoadFile applies key=value flag overrides from the file at path. Blank lines and lines starting with
// '#' are ignored. Unknown keys are an error: a typo in a config file should not be silently ignored.
func LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("config file %q line %d: expected key=value", path, lineNo)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if err := flag.Set(key, value); err != nil {
			return fmt.Errorf("config file %q line %d: unknown flag %q: %w", path, lineNo, key, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	slog.Info("loaded config overrides", "path", path)
	return nil
}
