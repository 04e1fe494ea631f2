// Spins up a HeftyDB server speaking the Redis wire protocol over the façade in pkg/heftydb.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/hungtd9/heftydb/internal/config"
	"github.com/hungtd9/heftydb/internal/logging"
	"github.com/hungtd9/heftydb/pkg/compaction"
	"github.com/hungtd9/heftydb/pkg/heftydb"
)

var dataDir = flag.String("data_dir", "./data", "Directory to store the database's data files.")

func main() {
	if err := config.InitFlags(); err != nil {
		slog.Error("failed to parse flags", "err", err)
		os.Exit(1)
	}
	logging.Init()

	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt)
	go func() {
		sig := <-signals
		slog.Info("received termination signal, cancelling server context", "signal", sig)
		cancel()
	}()

	db, err := heftydb.Open(*dataDir, compaction.FromFlag())
	if err != nil {
		slog.Error("failed to open database", "err", err, "data_dir", *dataDir)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := runServer(ctx, db); err != nil {
		slog.Error("heftydb server stopped", "err", err)
		os.Exit(1)
	}
}
