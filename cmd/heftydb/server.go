package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/redcon"

	"github.com/hungtd9/heftydb/pkg/heftydb"
	"github.com/hungtd9/heftydb/pkg/scan"
)

var address = flag.String("address", "0.0.0.0:6380", "The ip:port to listen on for the Redis protocol.")

// respOutput mirrors the teacher's RedisOutput (pkg/port/redis.go): a small result type the handler
// builds once and a single writer switches on, instead of writing directly from inside each case.
type respOutput struct {
	closeConnection bool
	writeNil        bool
	err             *string
	writeInt        *int
	writeBytes      []byte
	writeArray      [][]byte
}

func writeNilOutput() respOutput            { return respOutput{writeNil: true} }
func writeIntOutput(i int) respOutput       { return respOutput{writeInt: &i} }
func writeBytesOutput(b []byte) respOutput  { return respOutput{writeBytes: b} }
func writeStringOutput(s string) respOutput { return respOutput{writeBytes: []byte(s)} }
func writeArrayOutput(items [][]byte) respOutput {
	if items == nil {
		items = [][]byte{}
	}
	return respOutput{writeArray: items}
}
func writeErrorOutput(err error) respOutput {
	msg := "ERR " + err.Error()
	return respOutput{err: &msg}
}

// handler dispatches RESP commands onto a heftydb.Database, grounded on pkg/port/redis.go's
// RedisHandler but against HeftyDB's snapshot-aware vocabulary instead of kiwi's TTL-packed values.
type handler struct {
	db *heftydb.Database
}

func (h *handler) handle(cmdName string, args [][]byte) respOutput {
	switch cmdName {
	case "PING":
		return writeStringOutput("PONG")
	case "QUIT":
		return respOutput{writeBytes: []byte("OK"), closeConnection: true}
	case "SET":
		return h.handleSet(args)
	case "GET":
		return h.handleGet(args)
	case "DEL":
		return h.handleDel(args)
	case "COMPACT":
		return h.handleCompact()
	case "KEYS":
		return h.handleKeys(args)
	default:
		return writeErrorOutput(fmt.Errorf("unknown command '%s'", cmdName))
	}
}

func (h *handler) handleSet(args [][]byte) respOutput {
	fsync := false
	switch len(args) {
	case 2:
	case 3:
		if !strings.EqualFold(string(args[2]), "FSYNC") {
			return writeErrorOutput(fmt.Errorf("unknown SET option %q", args[2]))
		}
		fsync = true
	default:
		return writeErrorOutput(errors.New("wrong number of arguments for 'SET' command"))
	}
	if _, err := h.db.Put(args[0], args[1], fsync); err != nil {
		return writeErrorOutput(err)
	}
	return writeStringOutput("OK")
}

func (h *handler) handleGet(args [][]byte) respOutput {
	if len(args) != 1 {
		return writeErrorOutput(errors.New("wrong number of arguments for 'GET' command"))
	}
	rec, ok, err := h.db.Get(args[0], heftydb.CurrentSnapshot)
	if err != nil {
		return writeErrorOutput(err)
	}
	if !ok {
		return writeNilOutput()
	}
	return writeBytesOutput(rec.Value)
}

func (h *handler) handleDel(args [][]byte) respOutput {
	if len(args) < 1 {
		return writeErrorOutput(errors.New("wrong number of arguments for 'DEL' command"))
	}
	deleted := 0
	for _, k := range args {
		if _, ok, err := h.db.Get(k, heftydb.CurrentSnapshot); err != nil {
			return writeErrorOutput(err)
		} else if !ok {
			continue
		}
		if _, err := h.db.Delete(k, false); err != nil {
			return writeErrorOutput(err)
		}
		deleted++
	}
	return writeIntOutput(deleted)
}

func (h *handler) handleCompact() respOutput {
	if err := <-h.db.Compact(); err != nil {
		return writeErrorOutput(err)
	}
	return writeStringOutput("OK")
}

// handleKeys scans every live key as of the current snapshot and filters it through pattern, grounded
// on the teacher's own scan.MatchGlob (pkg/scan/glob.go) now adapted to key.Record.
func (h *handler) handleKeys(args [][]byte) respOutput {
	if len(args) != 1 {
		return writeErrorOutput(errors.New("wrong number of arguments for 'KEYS' command"))
	}
	seq, release, err := h.db.AscendingIterator(nil, false, heftydb.CurrentSnapshot)
	if err != nil {
		return writeErrorOutput(err)
	}
	defer release()

	var matched [][]byte
	for rec := range scan.MatchGlob(args[0], seq) {
		matched = append(matched, rec.Key)
	}
	return writeArrayOutput(matched)
}

// runServer starts a redcon RESP server over db and blocks until ctx is cancelled or the server itself
// fails, matching the shutdown shape of pkg/port/redis.go's RunRedisServer.
func runServer(ctx context.Context, db *heftydb.Database) error {
	if *address == "" {
		return errors.New("expected a non-empty --address flag")
	}
	h := &handler{db: db}

	server := redcon.NewServerNetwork("tcp", *address,
		func(conn redcon.Conn, cmd redcon.Command) {
			name := strings.ToUpper(string(cmd.Args[0]))
			slog.Debug("handling command", "cmd", name)
			out := h.handle(name, cmd.Args[1:])
			writeOutput(conn, out)
		},
		func(conn redcon.Conn) bool {
			slog.Info("accepted connection", "addr", conn.NetConn().RemoteAddr().String())
			return true
		},
		func(conn redcon.Conn, err error) {},
	)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting resp server", "address", *address)
		if err := server.ListenAndServe(); err != nil {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("server context cancelled", "err", ctx.Err())
		return errors.Join(server.Close(), db.Close())
	case err := <-serverErr:
		return fmt.Errorf("resp server stopped unexpectedly: %w", err)
	}
}

func writeOutput(conn redcon.Conn, out respOutput) {
	if out.closeConnection {
		conn.WriteBulk(out.writeBytes)
		if err := conn.Close(); err != nil {
			slog.Error("failed to close connection", "error", err)
		}
		return
	}
	if out.writeNil {
		conn.WriteNull()
		return
	}
	if out.err != nil {
		conn.WriteError(*out.err)
		return
	}
	if out.writeInt != nil {
		conn.WriteInt(*out.writeInt)
		return
	}
	if out.writeArray != nil {
		conn.WriteArray(len(out.writeArray))
		for _, item := range out.writeArray {
			conn.WriteBulk(item)
		}
		return
	}
	conn.WriteBulk(out.writeBytes)
}
