// Package daemon wires the store, ingestion, dispatch, and runner services
// together and enforces single-instance execution.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"conveyor/internal/api"
	"conveyor/internal/config"
	"conveyor/internal/dispatch"
	"conveyor/internal/ingest"
	"conveyor/internal/logging"
	"conveyor/internal/notify"
	"conveyor/internal/runner"
	"conveyor/internal/store"
)

// Daemon owns the background services and the HTTP API.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store

	hub      *notify.Hub
	ingest   *ingest.Manager
	dispatch *dispatch.Service
	registry *runner.Registry
	monitor  *runner.Monitor
	api      *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || st == nil {
		return nil, errors.New("daemon requires config and store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	hub := notify.NewHub()
	registry := runner.NewRegistry(runner.Options{
		Store:       st,
		Broadcaster: hub,
		Logger:      logger,
		LogDir:      cfg.RunnerLogDir(),
		AbortGrace:  time.Duration(cfg.Runners.AbortGraceSeconds) * time.Second,
		MemoSize:    cfg.Runners.CompletedMemoSize,
	})
	monitor := runner.NewMonitor(registry, logger,
		time.Duration(cfg.Runners.SweepInterval)*time.Second,
		time.Duration(cfg.Runners.HeartbeatTimeout)*time.Second)

	lockPath := filepath.Join(cfg.Paths.DataDir, "conveyord.lock")
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "daemon"),
		store:    st,
		hub:      hub,
		ingest:   ingest.NewManager(st, cfg, logger),
		dispatch: dispatch.NewService(st, logger, cfg.Dispatch.MinNodeVersion),
		registry: registry,
		monitor:  monitor,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the instance lock, reconciles leftover state, and launches
// every background service.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another conveyor daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	fail := func(err error) error {
		cancel()
		d.cancel = nil
		_ = d.lock.Unlock()
		return err
	}

	// Files left Processing by a previous crash can never be finished by a
	// runner we no longer know about.
	reset, err := d.store.ResetStuckProcessing(runCtx)
	if err != nil {
		return fail(fmt.Errorf("reset stuck files: %w", err))
	}
	if reset > 0 {
		d.logger.Info("requeued files stuck in processing", logging.Int64("count", reset))
	}

	if err := d.ensureInternalNode(runCtx); err != nil {
		return fail(err)
	}

	if err := d.ingest.Start(runCtx); err != nil {
		return fail(fmt.Errorf("start ingestion: %w", err))
	}
	d.monitor.Start(runCtx)

	if d.api != nil {
		if err := d.api.start(runCtx); err != nil {
			d.monitor.Stop()
			d.ingest.Stop()
			return fail(err)
		}
	}

	d.running.Store(true)
	d.logger.Info("daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop halts the services and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if d.api != nil {
		d.api.stop()
	}
	d.monitor.Stop()
	d.ingest.Stop()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close stops the daemon and closes the store.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// APIAddr returns the bound API address, or empty before Start.
func (d *Daemon) APIAddr() string {
	if d.api == nil {
		return ""
	}
	return d.api.addr()
}

// Status summarizes the daemon for the CLI.
func (d *Daemon) Status(ctx context.Context) api.StatusResponse {
	status := api.StatusResponse{
		Running:        d.running.Load(),
		PID:            os.Getpid(),
		Paused:         d.dispatch.Paused(),
		DatabasePath:   d.store.Path(),
		LockFilePath:   d.lockPath,
		LibraryWorkers: d.ingest.WorkerCount(),
	}
	if health, err := d.store.Health(ctx); err == nil {
		status.Queue = api.FromHealth(health)
	}
	for _, active := range d.registry.List() {
		status.Runners = append(status.Runners, api.FromRunner(active))
	}
	return status
}

// ensureInternalNode keeps the reserved in-process node identity present. It
// starts disabled; processing on the server itself is an explicit opt-in.
func (d *Daemon) ensureInternalNode(ctx context.Context) error {
	existing, err := d.store.NodeByName(ctx, store.InternalNodeName)
	if err != nil {
		return fmt.Errorf("lookup internal node: %w", err)
	}
	if existing != nil {
		return nil
	}
	_, err = d.store.UpsertNode(ctx, &store.Node{
		Name:           store.InternalNodeName,
		Enabled:        false,
		CapabilityMode: store.CapabilityAll,
		RunnerSlots:    1,
	})
	if err != nil {
		return fmt.Errorf("register internal node: %w", err)
	}
	return nil
}
