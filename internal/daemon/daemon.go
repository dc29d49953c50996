package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiln-build/kiln/internal/build"
	"github.com/kiln-build/kiln/internal/core"
	"github.com/kiln-build/kiln/internal/db"
	"github.com/kiln-build/kiln/internal/graph"
	"github.com/kiln-build/kiln/internal/process"
	"github.com/kiln-build/kiln/internal/service"
)

const logHistorySize = 1000

// Daemon owns the long-lived state of one kiln daemon process: the warm
// build graph, the service runtime, the RPC server, and the invocation
// database.
type Daemon struct {
	cfg          *core.Configuration
	server       *Server
	runtime      *service.Runtime
	store        *graph.Store
	database     *db.DB
	logBroadcast *LogBroadcaster
	logFile      *os.File
	handle       *process.Handle
	cancel       context.CancelFunc
}

func New(cfg *core.Configuration) *Daemon {
	return &Daemon{
		cfg:          cfg,
		logBroadcast: NewLogBroadcaster(logHistorySize),
		handle:       process.NewHandle(cfg.MetadataDir()),
	}
}

// Run brings the daemon up and blocks until a shutdown signal, a client
// shutdown request, or the idle timeout. Metadata is published only after
// the server has bound its port, so a client that sees metadata can always
// connect.
func (d *Daemon) Run() error {
	logFile, err := setupLogging(d.cfg, d.logBroadcast)
	if err != nil {
		return fmt.Errorf("failed to open daemon log: %w", err)
	}
	d.logFile = logFile
	defer d.logFile.Close()

	version := core.FormatVersion(core.Version)
	slog.Info("Daemon starting", "version", version, "pid", os.Getpid())

	database, err := db.Open(d.cfg.DBPath())
	if err != nil {
		slog.Error("Failed to open database", "error", err, "path", d.cfg.DBPath())
	} else {
		d.database = database
		if err := database.LogDaemonEvent("start", fmt.Sprintf("daemon started - version: %s, PID: %d", version, os.Getpid())); err != nil {
			slog.Error("Failed to log daemon start", "error", err)
		}
	}

	d.store = graph.NewStore(func(paths []string) error {
		// Recomputing the product graph for the dirty paths happens in the
		// configured runner on the next invocation; the store only tracks
		// which snapshot an invocation saw.
		slog.Info("Graph invalidated", "dirty_paths", len(paths))
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	defer cancel()

	d.runtime = service.NewRuntime()
	if err := d.runtime.Register(NewWatcher(d.cfg, d.store)); err != nil {
		return err
	}

	executor := &build.RunnerExecutor{Runner: d.cfg.Build.Runner}
	d.server = NewServer(d.cfg, executor, d.store, d.runtime, d.database, d.logBroadcast)
	if err := d.runtime.Register(d.server); err != nil {
		return err
	}

	port, err := d.server.Listen()
	if err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	meta := &process.Metadata{
		Pid:         os.Getpid(),
		Port:        port,
		Fingerprint: d.cfg.Fingerprint(),
		Exe:         exe,
		StartedAt:   time.Now(),
	}
	if err := d.handle.WriteMetadata(meta); err != nil {
		return fmt.Errorf("failed to publish daemon metadata: %w", err)
	}
	slog.Info("Daemon metadata published",
		"port", port,
		"fingerprint", meta.Fingerprint,
		"dir", d.cfg.MetadataDir())

	d.runtime.Start(ctx)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)

	var reason string
	select {
	case sig := <-signals:
		reason = fmt.Sprintf("signal %s", sig)
	case <-d.server.ShutdownRequested():
		reason = "client request"
	case <-d.server.IdleFired():
		reason = fmt.Sprintf("idle for %s", d.cfg.IdleTimeout())
	}

	slog.Info("Daemon shutting down", "reason", reason)
	d.shutdown(reason)
	return nil
}

// shutdown drains in-flight invocations, stops services, and withdraws the
// daemon's metadata so clients stop routing to it.
func (d *Daemon) shutdown(reason string) {
	d.server.Shutdown(d.cfg.ShutdownGrace())

	d.runtime.TerminateAll()
	d.runtime.AwaitAll()
	d.cancel()

	// Only withdraw metadata that still belongs to this process. A newer
	// daemon may already have replaced it.
	if meta, err := d.handle.ReadMetadata(); err == nil && meta.Pid == os.Getpid() {
		if err := d.handle.PurgeMetadata(); err != nil {
			slog.Warn("Failed to remove daemon metadata", "error", err)
		}
	}

	if d.database != nil {
		d.database.LogDaemonEvent("stop", fmt.Sprintf("daemon stopped - %s", reason))
		if err := d.database.Close(); err != nil {
			slog.Warn("Failed to close database", "error", err)
		}
	}

	slog.Info("Daemon stopped")
}
