// Package app is the composition root: it builds every component from one
// Config, wires them together, runs the serve loops, and tears everything
// down in reverse order on shutdown.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"warden/internal/bus"
	"warden/internal/checkpoint"
	"warden/internal/clockwork"
	"warden/internal/config"
	"warden/internal/faults"
	"warden/internal/locator"
	"warden/internal/logging"
	"warden/internal/mcpfront"
	"warden/internal/observability"
	"warden/internal/ops"
	"warden/internal/registry"
	"warden/internal/session"
	"warden/internal/store"
	"warden/internal/stream"
)

// shutdownGrace bounds the in-flight session drain on shutdown.
const shutdownGrace = 30 * time.Second

// App owns every long-lived component of the server process.
type App struct {
	cfg     config.Config
	version string

	Logger      *logging.FileLogger
	Bus         *bus.Bus
	Registry    *registry.Registry
	Locator     *locator.Locator
	Store       *store.Store
	Checkpoints *checkpoint.Manager
	Sessions    *session.Supervisor
	Frontend    *mcpfront.Frontend
	Server      *mcpfront.Server
	Hub         *mcpfront.Hub
	Ops         *ops.Server

	tracing   *observability.Tracing
	promReg   *prometheus.Registry
	startedAt time.Time
}

// deferredSink lets the hub be constructed before the MCP server that will
// actually publish. A publish before bind only happens if a record exists
// before any peer call, which create_session ordering rules out.
type deferredSink struct {
	inner atomic.Pointer[mcpfront.Sink]
}

func (s *deferredSink) bind(sink mcpfront.Sink) {
	s.inner.Store(&sink)
}

func (s *deferredSink) Publish(ctx context.Context, rec stream.Record) error {
	if p := s.inner.Load(); p != nil {
		return (*p).Publish(ctx, rec)
	}
	return faults.Busy("peer_not_bound", "no peer transport bound yet")
}

// Build constructs and wires every component. On error, everything already
// opened is closed again; a successful Build must be paired with Close.
func Build(cfg config.Config, version string, console *os.File) (app *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.StateRoot, cfg.LogsDir(), cfg.RegistryDir(), cfg.WorktreesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory %s: %w", dir, err)
		}
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logOpts := logging.Options{Path: cfg.LogFile(), Level: level}
	if console != nil {
		logOpts.Console = console
		logOpts.Colorize = logging.IsTerminal(console)
	}
	logger, err := logging.New(logOpts)
	if err != nil {
		return nil, fmt.Errorf("open log sink: %w", err)
	}

	app = &App{cfg: cfg, version: version, Logger: logger, startedAt: time.Now()}
	defer func() {
		if err != nil {
			app.Close(context.Background())
		}
	}()

	app.tracing, err = observability.SetupTracing(cfg.Tracing, version)
	if err != nil {
		return nil, fmt.Errorf("set up tracing: %w", err)
	}
	app.promReg = observability.NewRegistry()
	app.Bus = bus.New(logger)

	prober, err := registry.NewProcfsProber()
	if err != nil {
		return nil, fmt.Errorf("initialize process prober: %w", err)
	}

	app.Registry, err = registry.Open(registry.Options{
		Path:       filepath.Join(cfg.RegistryDir(), "processes.db"),
		MaxRunning: cfg.Sessions.MaxConcurrent,
		Logger:     logger,
		Bus:        app.Bus,
		Prober:     prober,
	})
	if err != nil {
		return nil, err
	}

	app.Locator, err = locator.New(locator.Options{
		BinaryName:      cfg.Locator.BinaryName,
		Override:        cfg.Locator.Override,
		MinVersion:      cfg.Locator.MinVersion,
		ProbeTimeout:    cfg.Locator.ProbeTimeout,
		TTL:             cfg.Locator.TTL,
		ManagerGlobs:    cfg.Locator.ManagerGlobs,
		InstallPrefixes: cfg.Locator.InstallPrefixes,
		CachePath:       filepath.Join(cfg.RegistryDir(), "binaries.db"),
		Logger:          logger,
		Bus:             app.Bus,
	})
	if err != nil {
		return nil, err
	}

	app.Store, err = store.Open(cfg.ContentStoreDir(), store.Options{
		ZstdLevel:    cfg.Store.ZstdLevel,
		QuotaBytes:   cfg.Store.QuotaBytes,
		VerifyOnRead: cfg.Store.VerifyOnRead,
		TempGrace:    cfg.Store.TempGrace,
		Logger:       logger,
		Metrics:      store.NewMetrics(app.promReg),
	})
	if err != nil {
		return nil, err
	}

	app.Checkpoints, err = checkpoint.NewManager(checkpoint.Options{
		Dir:     cfg.CheckpointsDir(),
		Store:   app.Store,
		Ignore:  cfg.Checkpoint.Ignore,
		Clock:   clockwork.Real(),
		Logger:  logger,
		Bus:     app.Bus,
		Metrics: checkpoint.NewMetrics(app.promReg),
	})
	if err != nil {
		return nil, err
	}

	app.Sessions, err = session.New(session.Options{
		Config:       cfg.Sessions,
		WorktreesDir: cfg.WorktreesDir(),
		Locator:      app.Locator,
		Registry:     app.Registry,
		Checkpoints:  app.Checkpoints,
		Prober:       prober,
		Logger:       logger,
		Bus:          app.Bus,
		Metrics:      session.NewMetrics(app.promReg),
	})
	if err != nil {
		return nil, err
	}

	frontMetrics := mcpfront.NewMetrics(app.promReg)
	sink := &deferredSink{}
	app.Hub = mcpfront.NewHub(sink, logger, frontMetrics)
	app.Frontend, err = mcpfront.New(mcpfront.Options{
		Config:      cfg,
		Sessions:    app.Sessions,
		Locator:     app.Locator,
		Checkpoints: app.Checkpoints,
		Registry:    app.Registry,
		Hub:         app.Hub,
		Logger:      logger,
		Metrics:     frontMetrics,
	})
	if err != nil {
		return nil, err
	}
	app.Server = mcpfront.NewServer(app.Frontend, version, logger)
	sink.bind(app.Server.Sink())

	if cfg.Ops.ListenAddr != "" {
		app.Ops, err = ops.New(ops.Options{
			Config:      cfg.Ops,
			Sessions:    app.Sessions,
			Checkpoints: app.Checkpoints,
			Bus:         app.Bus,
			Gatherer:    app.promReg,
			Logger:      logger,
			Version:     version,
			StartedAt:   app.startedAt,
		})
		if err != nil {
			return nil, err
		}
	}
	return app, nil
}

// Run serves until ctx is cancelled. It reconciles the process registry,
// starts the optional ops server and GC ticker, and serves MCP over stdio.
func (a *App) Run(ctx context.Context) error {
	result, err := a.Registry.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconcile process registry: %w", err)
	}
	if result.Orphaned > 0 {
		a.Logger.Warn("reconciliation orphaned %d of %d registered processes",
			result.Orphaned, result.Checked)
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.Ops != nil {
		g.Go(func() error { return a.Ops.Run(ctx) })
	}
	if a.cfg.GCEnabled() {
		g.Go(func() error {
			a.gcLoop(ctx)
			return nil
		})
	}
	g.Go(func() error {
		err := a.Server.RunStdio(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	return g.Wait()
}

// gcLoop runs the periodic mark-and-sweep until ctx ends.
func (a *App) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Store.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := a.Checkpoints.GC(ctx, false)
			if err != nil {
				a.Logger.Error("periodic gc failed: %v", err)
				continue
			}
			if report.ManifestsRemoved > 0 || report.Store.BlobsRemoved > 0 {
				a.Logger.Info("periodic gc: %d checkpoints, %d blobs, %d bytes freed",
					report.ManifestsRemoved, report.Store.BlobsRemoved, report.Store.BytesFreed)
			}
		}
	}
}

// Close tears components down in reverse dependency order: drain sessions
// first so no goroutine still publishes into a closed collaborator.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.Sessions != nil {
		drainCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
		keep(a.Sessions.Close(drainCtx))
		cancel()
	}
	if a.Hub != nil {
		a.Hub.Close()
	}
	if a.Store != nil {
		keep(a.Store.Close())
	}
	if a.Locator != nil {
		keep(a.Locator.Close())
	}
	if a.Registry != nil {
		keep(a.Registry.Close())
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.tracing != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		keep(a.tracing.Shutdown(shutdownCtx))
		cancel()
	}
	if a.Logger != nil {
		keep(a.Logger.Close())
	}
	return firstErr
}
