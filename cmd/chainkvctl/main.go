// chainkvctl is a command-line client and standalone server for chainkv.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nainya/chainkv/internal/logger"
	"github.com/nainya/chainkv/internal/metrics"
	"github.com/nainya/chainkv/internal/server"
	"github.com/nainya/chainkv/pkg/btree"
	"github.com/nainya/chainkv/pkg/mmapstore"
	"github.com/nainya/chainkv/pkg/store"
)

const usage = `chainkvctl <command> [arguments]

Commands:
  put <key> <value>      insert key (a uint64) with value (a string)
  get <key>               look up key and print its value
  checkpoint               force a checkpoint, reclaiming retired pages
  serve                    run the observability HTTP server (metrics/health/pprof)

Global flags (precede the command):
  -db <dir>                store directory (default "chainkv-data")
`

var (
	dbDir = flag.String("db", "chainkv-data", "store directory")
	port  = flag.Int("port", 9090, "observability server port (serve only)")
)

func main() {
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	log := logger.GetGlobalLogger()
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "put":
		runPut(log, rest)
	case "get":
		runGet(log, rest)
	case "checkpoint":
		runCheckpoint(log)
	case "serve":
		runServe(log)
	default:
		fmt.Fprintf(os.Stderr, "chainkvctl: unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}

// openOrCreate opens the store at *dbDir, creating it with a fresh
// Settings record on first use.
func openOrCreate() (*store.Store, error) {
	if _, err := os.Stat(*dbDir); os.IsNotExist(err) {
		return store.New(*dbDir, 4096, 8)
	}
	return store.Open(*dbDir)
}

func runPut(log *logger.Logger, args []string) {
	if len(args) != 2 {
		log.Fatal("put requires exactly 2 arguments: <key> <value>").Send()
	}
	key, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		log.Fatal("key must be a uint64").Err(err).Send()
	}

	s, err := openOrCreate()
	if err != nil {
		log.Fatal("open store").Err(err).Send()
	}
	defer s.Close()

	m := metrics.NewMetrics()
	s.Recorder = m

	if err := s.Insert(btree.Uint64Key(key), []byte(args[1])); err != nil {
		log.Fatal("insert").Err(err).Send()
	}
	fmt.Printf("ok\n")
}

func runGet(log *logger.Logger, args []string) {
	if len(args) != 1 {
		log.Fatal("get requires exactly 1 argument: <key>").Send()
	}
	key, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		log.Fatal("key must be a uint64").Err(err).Send()
	}

	s, err := store.Open(*dbDir)
	if err != nil {
		log.Fatal("open store").Err(err).Send()
	}
	defer s.Close()

	value, err := s.Get(btree.Uint64Key(key))
	if err != nil {
		if errors.Is(err, mmapstore.ErrKeyNotFound) {
			fmt.Fprintln(os.Stderr, "not found")
			os.Exit(1)
		}
		log.Fatal("get").Err(err).Send()
	}
	fmt.Printf("%s\n", value)
}

func runCheckpoint(log *logger.Logger) {
	s, err := store.Open(*dbDir)
	if err != nil {
		log.Fatal("open store").Err(err).Send()
	}
	defer s.Close()

	reclaimed, err := s.Checkpoint()
	if err != nil {
		log.Fatal("checkpoint").Err(err).Send()
	}
	fmt.Printf("reclaimed %d pages\n", reclaimed)
}

func runServe(log *logger.Logger) {
	log.LogServerStart(*port, *dbDir)

	obs := server.NewObservabilityServer(*port, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.LogServerShutdown()
		obs.Shutdown(context.Background())
	}()

	log.LogServerReady(*port)
	if err := obs.Start(); err != nil {
		log.Fatal("observability server").Err(err).Send()
	}
}
