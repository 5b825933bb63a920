package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendis/gofer/internal/logging"
	"github.com/rendis/gofer/pkg/schema"
	"github.com/rendis/gofer/pkg/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	args := os.Args[1:]
	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			return
		case "run":
			args = args[1:]
		case "help", "-h", "--help":
			usage()
			return
		default:
			if args[0][0] != '-' {
				fmt.Fprintf(os.Stderr, "Unknown command %q\n\n", args[0])
				usage()
				os.Exit(2)
			}
		}
	}
	if err := runWorker(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`gofer - action execution worker

Usage:
  gofer [run] [flags]    read dispatcher actions (JSON lines) and execute them
  gofer version          print the version

Flags:
  -actions path    actions file (default: stdin)
  -db path         journal database path (empty disables the journal)
  -log-level lvl   debug, info, warn, error

Configuration is layered: defaults, then ~/.gofer/settings.json, then
GOFER_* environment variables, then flags.`)
}

func runWorker(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	actionsFile := fs.String("actions", "", "actions file (default: stdin)")
	dbPath := fs.String("db", "", "journal database path")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := loadConfig()
	if *actionsFile != "" {
		cfg.ActionsFile = *actionsFile
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

	if cfg.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return fmt.Errorf("create journal directory: %w", err)
		}
	}

	wcfg := cfg.workerConfig()
	wcfg.Logger = logger
	w, err := worker.New(wcfg)
	if err != nil {
		return err
	}
	if err := registerDemoHandlers(w); err != nil {
		return err
	}

	input := os.Stdin
	if cfg.ActionsFile != "" {
		f, err := os.Open(cfg.ActionsFile)
		if err != nil {
			return fmt.Errorf("open actions file: %w", err)
		}
		defer f.Close()
		input = f
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := w.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// Event printer: exits when Stop closes the events channel.
	g.Go(func() error {
		enc := json.NewEncoder(os.Stdout)
		for ev := range w.Events() {
			if err := enc.Encode(ev); err != nil {
				logger.Warn("cannot encode event", slog.Any("error", err))
			}
		}
		return nil
	})

	// Action feeder: reads until EOF or signal, then drains and stops the
	// worker, which releases the printer.
	g.Go(func() error {
		feedErr := feedActions(gctx, w, input, logger)

		drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer drainCancel()
		if err := w.WaitForRuns(drainCtx); err != nil {
			logger.Warn("runs still in flight at shutdown", slog.Any("error", err))
		}
		stopErr := w.Stop(drainCtx)

		if feedErr != nil && !errors.Is(feedErr, context.Canceled) {
			return feedErr
		}
		return stopErr
	})

	return g.Wait()
}

// feedActions decodes one action per line and queues it on the worker.
// Blank lines and #-comments are skipped; malformed lines are logged and
// dropped so one bad action cannot halt the feed.
func feedActions(ctx context.Context, w *worker.Worker, r io.Reader, logger *slog.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		var action schema.Action
		if err := json.Unmarshal(line, &action); err != nil {
			logger.Warn("malformed action line, dropping", slog.Any("error", err))
			continue
		}
		if err := w.Send(&action); err != nil {
			return err
		}
	}
	return scanner.Err()
}
