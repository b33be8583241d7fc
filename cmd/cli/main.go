// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/adiadia/playbook-runtime/internal/engine"
	"github.com/adiadia/playbook-runtime/internal/events"
	"github.com/adiadia/playbook-runtime/internal/logging"
	"github.com/adiadia/playbook-runtime/internal/persistence/postgres"
	"github.com/adiadia/playbook-runtime/internal/playbook"
	"github.com/adiadia/playbook-runtime/internal/repository/memory"
	"github.com/adiadia/playbook-runtime/internal/steps"
	"github.com/adiadia/playbook-runtime/migrations"
	"github.com/google/uuid"
)

func main() {
	logger := logging.New(logging.Options{
		Env:    os.Getenv("ENV"),
		Level:  os.Getenv("LOG_LEVEL"),
		Writer: os.Stderr,
	})

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "validate":
		if err := runValidate(logger, os.Args[2:]); err != nil {
			logger.Error("validation failed", "error", err)
			os.Exit(1)
		}
		logger.Info("validation passed")
	case "migrations":
		if err := runMigrations(ctx, logger); err != nil {
			logger.Error("migrations check failed", "error", err)
			os.Exit(1)
		}
	case "lint":
		if err := runLint(logger, os.Args[2:]); err != nil {
			logger.Error("lint failed", "error", err)
			os.Exit(1)
		}
	case "run":
		if err := runPlaybook(ctx, logger, os.Args[2:]); err != nil {
			logger.Error("run failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage(os.Stderr)
		os.Exit(2)
	}
}

// runLint parses each playbook file and checks its graph and step types
// without executing anything.
func runLint(logger *slog.Logger, paths []string) error {
	if len(paths) == 0 {
		return errors.New("lint requires at least one playbook file")
	}
	registry := steps.NewDefaultRegistry(http.DefaultClient)
	known := func(t domain.StepType) bool {
		_, ok := registry.Get(t)
		return ok
	}

	var errs []error
	for _, path := range paths {
		pb, err := playbook.LoadFile(path)
		if err == nil {
			err = playbook.CheckTypes(pb, known)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		order, err := playbook.TopoOrder(pb.Steps)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		logger.Info("playbook ok",
			"file", path,
			"playbook_id", pb.ID,
			"name", pb.Name,
			"order", strings.Join(order, ","),
		)
	}
	return errors.Join(errs...)
}

// runPlaybook executes one playbook file in-process against the in-memory
// store and prints the final execution status as JSON on stdout.
func runPlaybook(ctx context.Context, logger *slog.Logger, args []string) error {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	input := flags.String("input", "", "run input as a JSON object")
	concurrency := flags.Int("concurrency", 4, "worker pool size")
	maxAttempts := flags.Int("max-attempts", 3, "attempts per step before it fails")
	timeout := flags.Duration("timeout", 5*time.Minute, "give up waiting for the run after this long")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("run requires exactly one playbook file")
	}

	pb, err := playbook.LoadFile(flags.Arg(0))
	if err != nil {
		return err
	}
	catalog := playbook.NewCatalog()
	if pb, err = catalog.Put(pb); err != nil {
		return err
	}

	store := memory.New()
	eng, err := engine.New(engine.Deps{
		Store:     store,
		Playbooks: catalog,
		Steps:     steps.NewDefaultRegistry(&http.Client{Timeout: 30 * time.Second}),
		Logger:    logger,
		Events: events.Fanout{
			events.NewStoreSink(store),
			events.NewLogSink(logger, slog.LevelInfo),
		},
		Concurrency: *concurrency,
		MaxAttempts: *maxAttempts,
	})
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.Stop(stopCtx); err != nil {
			logger.Warn("engine stop failed", "error", err)
		}
	}()

	var opts engine.ExecuteOptions
	if *input != "" {
		opts.Input = json.RawMessage(*input)
	}
	runID, err := eng.ExecutePlaybook(ctx, pb.ID, pb.OrgID, "cli", opts)
	if err != nil {
		return err
	}
	logger.Info("run started", "run_id", runID, "playbook", pb.Name)

	status, err := waitForRun(ctx, eng, runID, *timeout)
	if err != nil {
		if _, cancelErr := eng.CancelExecution(context.Background(), runID); cancelErr != nil {
			logger.Warn("cancel after wait failure", "run_id", runID, "error", cancelErr)
		}
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		return err
	}
	if status.Run.Status != domain.RunSucceeded {
		return fmt.Errorf("run %s finished %s", runID, status.Run.Status)
	}
	return nil
}

func waitForRun(ctx context.Context, eng *engine.Engine, runID uuid.UUID, timeout time.Duration) (engine.ExecutionStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		status, err := eng.GetExecutionStatus(ctx, runID)
		if err != nil {
			return engine.ExecutionStatus{}, err
		}
		if status.Run.Status.IsTerminal() {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return engine.ExecutionStatus{}, fmt.Errorf("waiting for run %s: %w", runID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// runValidate walks a playbook directory, lints every definition and
// rejects playbook ids used by more than one file.
func runValidate(logger *slog.Logger, args []string) error {
	root := os.Getenv("PLAYBOOK_DIR")
	if len(args) > 0 {
		root = args[0]
	}
	if root == "" {
		root = "."
	}

	files, err := listPlaybookFiles(root)
	if err != nil {
		return fmt.Errorf("list playbooks: %w", err)
	}
	if len(files) == 0 {
		logger.Info("no playbooks found", "dir", root)
		return nil
	}
	if err := runLint(logger, files); err != nil {
		return err
	}

	owners := make(map[uuid.UUID]string, len(files))
	var errs []error
	for _, path := range files {
		pb, err := playbook.LoadFile(path)
		if err != nil {
			return err
		}
		if prev, dup := owners[pb.ID]; dup {
			errs = append(errs, fmt.Errorf("%s: playbook id %s already defined in %s", path, pb.ID, prev))
			continue
		}
		owners[pb.ID] = path
	}
	return errors.Join(errs...)
}

func listPlaybookFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// runMigrations prints the embedded migrations. With DATABASE_URL set it
// also reports which are applied and which have drifted.
func runMigrations(ctx context.Context, logger *slog.Logger) error {
	var states []postgres.MigrationState
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		pool, err := postgres.NewPool(ctx, dsn, 1)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer pool.Close()
		if states, err = postgres.MigrationStatus(ctx, pool); err != nil {
			return err
		}
	} else {
		logger.Info("DATABASE_URL not set; listing embedded migrations only")
		files, err := migrations.Ordered()
		if err != nil {
			return err
		}
		for _, f := range files {
			states = append(states, postgres.MigrationState{Version: f.Version, Name: f.Name, Checksum: f.Checksum})
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(states); err != nil {
		return err
	}
	for _, st := range states {
		if st.Drifted {
			return fmt.Errorf("migration %s changed after it was applied", st.Name)
		}
	}
	return nil
}

func printUsage(w *os.File) {
	_, _ = fmt.Fprintln(w, "usage:")
	_, _ = fmt.Fprintln(w, "  cli validate [dir]")
	_, _ = fmt.Fprintln(w, "  cli migrations")
	_, _ = fmt.Fprintln(w, "  cli lint <playbook.yaml>...")
	_, _ = fmt.Fprintln(w, "  cli run [-input JSON] [-concurrency N] [-max-attempts N] [-timeout D] <playbook.yaml>")
}
