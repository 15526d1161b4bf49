package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"conveyor/internal/config"
	"conveyor/internal/fileident"
	"conveyor/internal/logging"
	"conveyor/internal/store"
)

// Manager runs one Worker per enabled library and keeps the worker set in
// sync with the stored library definitions.
type Manager struct {
	store  *store.Store
	cfg    *config.Config
	logger *slog.Logger

	refreshInterval time.Duration
	stability       *fileident.StabilityChecker

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	workersMu sync.Mutex
	workers   map[string]*Worker
	versions  map[string]time.Time
	baseCtx   context.Context
}

// NewManager builds an ingestion manager.
func NewManager(st *store.Store, cfg *config.Config, logger *slog.Logger) *Manager {
	refresh := time.Duration(cfg.Ingest.RefreshInterval) * time.Second
	if refresh <= 0 {
		refresh = time.Minute
	}
	stability := &fileident.StabilityChecker{
		RecentWriteWindow: time.Duration(cfg.Ingest.SettleWindow) * time.Second,
		RecheckDelay:      time.Duration(cfg.Ingest.SettleRecheckDelay) * time.Second,
	}
	return &Manager{
		store:           st,
		cfg:             cfg,
		logger:          logging.WithComponent(logger, "ingest-manager"),
		refreshInterval: refresh,
		stability:       stability,
		workers:         make(map[string]*Worker),
		versions:        make(map[string]time.Time),
	}
}

// Start launches workers for the current library set and begins the refresh
// loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.baseCtx = loopCtx

	if err := m.Refresh(loopCtx); err != nil {
		m.logger.Error("initial library refresh", logging.Error(err))
	}

	m.wg.Add(1)
	go m.refreshLoop(loopCtx)
	return nil
}

// Stop halts the refresh loop and every worker.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	m.workersMu.Lock()
	workers := m.workers
	m.workers = make(map[string]*Worker)
	m.versions = make(map[string]time.Time)
	m.workersMu.Unlock()
	for _, worker := range workers {
		worker.Stop()
	}
}

func (m *Manager) refreshLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				m.logger.Error("library refresh", logging.Error(err))
			}
		}
	}
}

// Refresh reconciles the worker set against the stored libraries: new or
// changed enabled libraries get a (re)started worker, disabled or deleted
// ones are stopped.
func (m *Manager) Refresh(ctx context.Context) error {
	libraries, err := m.store.ListLibraries(ctx)
	if err != nil {
		return err
	}

	wanted := make(map[string]*store.Library, len(libraries))
	for _, lib := range libraries {
		if lib.Enabled {
			wanted[lib.UID] = lib
		}
	}

	m.workersMu.Lock()
	defer m.workersMu.Unlock()

	baseCtx := m.baseCtx
	if baseCtx == nil {
		baseCtx = ctx
	}

	for uid, worker := range m.workers {
		lib, keep := wanted[uid]
		if keep && lib.UpdatedAt.Equal(m.versions[uid]) {
			continue
		}
		worker.Stop()
		delete(m.workers, uid)
		delete(m.versions, uid)
		if !keep {
			m.logger.Info("library worker stopped",
				logging.String(logging.FieldLibrary, worker.Library().Name))
		}
	}

	for uid, lib := range wanted {
		if _, exists := m.workers[uid]; exists {
			continue
		}
		worker := NewWorker(WorkerOptions{
			Store:               m.store,
			Library:             lib,
			Logger:              m.logger,
			Stability:           m.stability,
			DefaultScanInterval: time.Duration(m.cfg.Ingest.ScanInterval) * time.Second,
		})
		worker.Start(baseCtx)
		m.workers[uid] = worker
		m.versions[uid] = lib.UpdatedAt
		m.logger.Info("library worker started",
			logging.String(logging.FieldLibrary, lib.Name),
			logging.String("mode", string(lib.Mode)))
	}
	return nil
}

// WorkerCount reports the number of active library workers.
func (m *Manager) WorkerCount() int {
	m.workersMu.Lock()
	defer m.workersMu.Unlock()
	return len(m.workers)
}
