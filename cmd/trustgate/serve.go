package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/trustgate/internal/api"
	"github.com/aristath/trustgate/internal/backend"
	"github.com/aristath/trustgate/internal/config"
	"github.com/aristath/trustgate/internal/events"
	"github.com/aristath/trustgate/internal/executor"
	"github.com/aristath/trustgate/internal/orchestrator"
	"github.com/aristath/trustgate/internal/persistence"
	"github.com/aristath/trustgate/internal/planner"
	"github.com/aristath/trustgate/internal/trust"
	"github.com/aristath/trustgate/internal/tui"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its HTTP API",
		Long: `Run the orchestrator: the executor pool, the trust gate and the HTTP API.
With --console the operator console takes over the terminal and logs are
written to trustgate.log in the state directory instead.`,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("db", "", "SQLite database path (overrides store.path)")
	cmd.Flags().Bool("console", false, "run the operator console in this terminal")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	globalPath, projectPath, err := configPaths(cmd)
	if err != nil {
		return err
	}
	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.Store.Path = db
	}

	levelFlag, _ := cmd.Flags().GetString("log-level")
	level, err := parseLevel(levelFlag)
	if err != nil {
		return err
	}
	console, _ := cmd.Flags().GetBool("console")

	logOut := os.Stdout
	if console {
		// The console owns the screen
		dir := filepath.Dir(cfg.Store.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
		logPath := filepath.Join(dir, "trustgate.log")
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	logger := newLogger(logOut, level)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger, serveOptions{
		console:     console,
		globalPath:  globalPath,
		projectPath: projectPath,
	})
}

type serveOptions struct {
	console     bool
	globalPath  string
	projectPath string
}

// serve wires every component and blocks until ctx is cancelled, the HTTP
// server fails or the console exits.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts serveOptions) error {
	logger.Info("starting trustgate", "addr", cfg.Server.Addr, "db", cfg.Store.Path, "policy_version", cfg.Policy.Version)

	store, err := persistence.Open(ctx, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	bus := events.NewEventBus(cfg.Events.History)
	defer bus.Close()

	pm := backend.NewProcessManager()
	defer func() {
		if err := pm.KillAll(); err != nil {
			logger.Error("failed to kill subprocesses", "error", err)
		}
	}()

	executors, err := executor.NewExecutors(cfg.Executors, pm)
	if err != nil {
		return fmt.Errorf("failed to create executors: %w", err)
	}
	pool := executor.NewPool(executor.ConfigFrom(cfg), store, bus, logger.With("component", "pool"), executors...)

	plan, err := planner.New(cfg.Planner, pm, logger.With("component", "planner"))
	if err != nil {
		return err
	}
	if c, ok := plan.(interface{ Close() error }); ok {
		defer c.Close()
	}

	gate := trust.NewGate(store, bus, cfg.Policy.MaxDelays, logger.With("component", "trust"))
	orch := orchestrator.New(orchestrator.Options{
		Store:      store,
		Gate:       gate,
		Policy:     trust.NewPolicy(cfg.Policy),
		Pool:       pool,
		Planner:    plan,
		Bus:        bus,
		Logger:     logger.With("component", "orchestrator"),
		MaxRetries: cfg.Retry.MaxRetries,
	})
	defer orch.Close()

	if err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover state: %w", err)
	}

	srv := api.NewServer(orch, bus, logger.With("component", "api"), api.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		Heartbeat:        cfg.Server.Heartbeat.Duration,
		SubscriberBuffer: cfg.Events.SubscriberBuffer,
	})
	g, gCtx := errgroup.WithContext(ctx)

	// Requests inherit gCtx so open event streams end when shutdown starts.
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gCtx },
	}

	g.Go(func() error {
		return pool.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("api listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if opts.console {
		model := tui.New(orch, bus, cfg, opts.globalPath, opts.projectPath)
		p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(gCtx))
		g.Go(func() error {
			_, err := p.Run()
			if errors.Is(err, tea.ErrProgramKilled) && gCtx.Err() != nil {
				err = nil
			}
			if err != nil {
				return fmt.Errorf("console failed: %w", err)
			}
			// Leaving the console stops the service
			return errConsoleClosed
		})
	}

	err = g.Wait()
	if errors.Is(err, errConsoleClosed) {
		err = nil
	}
	logger.Info("shutdown complete")
	return err
}

var errConsoleClosed = errors.New("console closed")
