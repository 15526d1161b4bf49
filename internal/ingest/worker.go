package ingest

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"conveyor/internal/fileident"
	"conveyor/internal/logging"
	"conveyor/internal/store"
)

// Worker ingests one library: filesystem events in watch mode, plus periodic
// full reconciliation scans in both modes.
type Worker struct {
	store    *store.Store
	library  *store.Library
	pipeline *pipeline
	logger   *slog.Logger

	scanInterval time.Duration
	// debounce is how long an event-reported path sits in the pending queue
	// before processing, so bursts of events coalesce.
	debounce time.Duration
	// drainInterval is how often the pending queue is checked.
	drainInterval time.Duration

	pendingMu sync.Mutex
	pending   map[string]time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// WorkerOptions configures a library worker.
type WorkerOptions struct {
	Store     *store.Store
	Library   *store.Library
	Logger    *slog.Logger
	Stability *fileident.StabilityChecker
	// DefaultScanInterval applies when the library does not set its own.
	DefaultScanInterval time.Duration
}

// NewWorker builds a worker for one library.
func NewWorker(opts WorkerOptions) *Worker {
	stability := opts.Stability
	if stability == nil {
		stability = fileident.NewStabilityChecker()
	}
	scanInterval := time.Duration(opts.Library.ScanInterval) * time.Second
	if scanInterval <= 0 {
		scanInterval = opts.DefaultScanInterval
	}
	if scanInterval <= 0 {
		scanInterval = 5 * time.Minute
	}
	return &Worker{
		store:    opts.Store,
		library:  opts.Library,
		pipeline: newPipeline(opts.Store, opts.Library, stability, opts.Logger),
		logger: logging.WithComponent(opts.Logger, "ingest-worker").With(
			logging.String(logging.FieldLibrary, opts.Library.Name)),
		scanInterval:  scanInterval,
		debounce:      2 * time.Second,
		drainInterval: time.Second,
		pending:       make(map[string]time.Time),
	}
}

// Start launches the worker's background loops.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true

	if w.library.Mode == store.ModeWatch {
		w.wg.Add(1)
		go w.watchLoop(loopCtx)
	}
	w.wg.Add(2)
	go w.drainLoop(loopCtx)
	go w.scanLoop(loopCtx)
}

// Stop halts the worker and waits for its loops.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

// Library returns the library definition this worker serves.
func (w *Worker) Library() *store.Library {
	return w.library
}

func (w *Worker) scanLoop(ctx context.Context) {
	defer w.wg.Done()

	// Initial reconciliation before settling into the interval.
	w.Scan(ctx)

	ticker := time.NewTicker(w.scanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan walks the library root and funnels every unknown or changed path
// through the candidate pipeline. Enumeration errors are swallowed per entry
// so one bad folder cannot abort the pass.
func (w *Worker) Scan(ctx context.Context) {
	root := w.library.Path
	if _, err := os.Stat(root); err != nil {
		w.logger.Warn("library path unavailable", logging.Error(err))
		return
	}

	known, err := w.knownFiles(ctx)
	if err != nil {
		w.logger.Error("load known files", logging.Error(err))
		return
	}

	if w.library.Folders {
		entries, err := os.ReadDir(root)
		if err != nil {
			w.logger.Warn("read library root", logging.Error(err))
			return
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			path := filepath.Join(root, entry.Name())
			if w.skipKnown(known, path) {
				continue
			}
			w.handleCandidate(ctx, path, true)
		}
	} else {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				return nil
			}
			if w.skipKnown(known, path) {
				return nil
			}
			w.handleCandidate(ctx, path, false)
			return nil
		})
	}

	if err := w.store.TouchLibraryScanned(ctx, w.library.UID, time.Now()); err != nil {
		w.logger.Debug("record scan time", logging.Error(err))
	}
}

func (w *Worker) knownFiles(ctx context.Context) (map[string]*store.File, error) {
	files, err := w.store.FilesByLibrary(ctx, w.library.UID)
	if err != nil {
		return nil, err
	}
	known := make(map[string]*store.File, len(files))
	for _, file := range files {
		known[file.Path] = file
	}
	return known, nil
}

// skipKnown reports whether the path is already queued and its on-disk
// timestamps still agree with the record.
func (w *Worker) skipKnown(known map[string]*store.File, path string) bool {
	record, ok := known[path]
	if !ok {
		return false
	}
	created, modified, err := fileident.Times(path)
	if err != nil {
		return false
	}
	return !timestampsDrifted(record, created, modified)
}

func (w *Worker) handleCandidate(ctx context.Context, path string, isDir bool) {
	err := w.pipeline.process(ctx, path, isDir)
	switch {
	case err == nil:
	case errors.Is(err, errSettling):
		retryDelay := time.Duration(w.library.WaitTimeSeconds) * time.Second
		if retryDelay <= 0 {
			retryDelay = w.debounce
		}
		w.enqueuePending(path, retryDelay)
	default:
		// Dropped for this pass; the next scan or event reconsiders it.
		w.logger.Warn("candidate dropped",
			logging.String(logging.FieldFile, path), logging.Error(err))
	}
}

func (w *Worker) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Error("create watcher, falling back to scans", logging.Error(err))
		return
	}
	defer watcher.Close()

	w.addWatchTree(watcher, w.library.Path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(watcher, event)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", logging.Error(err))
		}
	}
}

func (w *Worker) addWatchTree(watcher *fsnotify.Watcher, root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = watcher.Add(path)
		}
		return nil
	})
}

func (w *Worker) handleEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}
	if info.IsDir() {
		if event.Op&fsnotify.Create != 0 {
			w.addWatchTree(watcher, event.Name)
		}
		if !w.library.Folders {
			return
		}
	}

	path := event.Name
	isFolderLibrary := w.library.Folders
	if isFolderLibrary {
		// Events inside a folder attribute to the top-level folder itself.
		top, ok := w.topLevelFolder(event.Name)
		if !ok {
			return
		}
		path = top
	}
	w.enqueuePending(path, w.debounce)
}

func (w *Worker) topLevelFolder(path string) (string, bool) {
	rel, err := filepath.Rel(w.library.Path, path)
	if err != nil || rel == "." || rel == ".." {
		return "", false
	}
	first := rel
	if idx := firstSeparator(rel); idx >= 0 {
		first = rel[:idx]
	}
	return filepath.Join(w.library.Path, first), true
}

func firstSeparator(path string) int {
	for i := 0; i < len(path); i++ {
		if os.IsPathSeparator(path[i]) {
			return i
		}
	}
	return -1
}

func (w *Worker) enqueuePending(path string, delay time.Duration) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	due := time.Now().Add(delay)
	if existing, ok := w.pending[path]; !ok || due.After(existing) {
		w.pending[path] = due
	}
}

func (w *Worker) drainLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainPending(ctx)
		}
	}
}

func (w *Worker) drainPending(ctx context.Context) {
	now := time.Now()
	w.pendingMu.Lock()
	var due []string
	for path, at := range w.pending {
		if !at.After(now) {
			due = append(due, path)
			delete(w.pending, path)
		}
	}
	w.pendingMu.Unlock()

	for _, path := range due {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		w.handleCandidate(ctx, path, info.IsDir())
	}
}
