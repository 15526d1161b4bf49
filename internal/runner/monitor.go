package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"conveyor/internal/logging"
)

// Monitor periodically sweeps the registry and aborts runners whose
// heartbeats have gone stale.
type Monitor struct {
	registry *Registry
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewMonitor builds a sweep monitor over the registry.
func NewMonitor(registry *Registry, logger *slog.Logger, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Monitor{
		registry: registry,
		logger:   logging.WithComponent(logger, "heartbeat-monitor"),
		interval: interval,
		timeout:  timeout,
	}
}

// Start launches the sweep loop. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	go m.loop(loopCtx)
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Monitor) Stop() {
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
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep aborts every runner whose last update predates the staleness cutoff.
// A runner may finish between the scan and the abort; Abort tolerates that.
func (m *Monitor) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-m.timeout)
	stale := m.registry.StaleRunners(cutoff)
	for _, active := range stale {
		m.logger.Warn("heartbeat stale, aborting runner",
			logging.String(logging.FieldRunner, active.UID),
			logging.String(logging.FieldFile, active.FileUID),
			logging.Duration("silent_for", time.Since(active.LastUpdate)))
		m.registry.Abort(ctx, active.UID)
	}
}
