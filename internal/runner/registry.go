// Package runner tracks in-flight pipeline executions reported by nodes and
// reconciles their terminal state with the queue.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"conveyor/internal/logging"
	"conveyor/internal/notify"
	"conveyor/internal/store"
)

// Snapshot is the runner state a node reports on start, update, and finish.
type Snapshot struct {
	RunnerUID   string
	NodeUID     string
	NodeName    string
	FileUID     string
	StepIndex   int
	StepName    string
	Percent     float64
	WorkingFile string
	StartedAt   time.Time

	// Finish-only fields.
	Success       bool
	FinalSize     int64
	OutputPath    string
	ExecutedSteps string
	ErrorMessage  string
	Log           string
}

// Runner is the live record of one dispatched execution.
type Runner struct {
	UID         string
	NodeUID     string
	NodeName    string
	FileUID     string
	StepIndex   int
	StepName    string
	Percent     float64
	WorkingFile string
	StartedAt   time.Time
	LastUpdate  time.Time
}

// Options configures a Registry.
type Options struct {
	Store       *store.Store
	Broadcaster notify.Broadcaster
	Logger      *slog.Logger
	// LogDir holds per-file execution logs. Empty disables log persistence.
	LogDir string
	// AbortGrace is how long an aborted runner stays registered so a
	// last-moment Finish can still land.
	AbortGrace time.Duration
	// MemoSize bounds the recently-completed runner memo.
	MemoSize int
}

// Registry holds every in-flight runner. All access is mutex guarded; the
// heartbeat sweep and the request handlers mutate it concurrently.
type Registry struct {
	store       *store.Store
	broadcaster notify.Broadcaster
	logger      *slog.Logger
	logDir      string
	abortGrace  time.Duration

	mu        sync.Mutex
	runners   map[string]*Runner
	completed *completedMemo

	now func() time.Time
}

// NewRegistry builds an empty registry.
func NewRegistry(opts Options) *Registry {
	broadcaster := opts.Broadcaster
	if broadcaster == nil {
		broadcaster = notify.Noop{}
	}
	memoSize := opts.MemoSize
	if memoSize <= 0 {
		memoSize = 50
	}
	grace := opts.AbortGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Registry{
		store:       opts.Store,
		broadcaster: broadcaster,
		logger:      logging.WithComponent(opts.Logger, "runner-registry"),
		logDir:      opts.LogDir,
		abortGrace:  grace,
		runners:     make(map[string]*Runner),
		completed:   newCompletedMemo(memoSize),
		now:         time.Now,
	}
}

// Start registers a freshly dispatched runner and clears any stale execution
// log for its file.
func (r *Registry) Start(ctx context.Context, snap Snapshot) error {
	if snap.RunnerUID == "" {
		return fmt.Errorf("runner uid is required")
	}
	if snap.FileUID == "" {
		return fmt.Errorf("file uid is required")
	}

	now := r.now()
	started := snap.StartedAt
	if started.IsZero() {
		started = now
	}

	r.mu.Lock()
	r.runners[snap.RunnerUID] = &Runner{
		UID:         snap.RunnerUID,
		NodeUID:     snap.NodeUID,
		NodeName:    snap.NodeName,
		FileUID:     snap.FileUID,
		StepIndex:   snap.StepIndex,
		StepName:    snap.StepName,
		Percent:     snap.Percent,
		WorkingFile: snap.WorkingFile,
		StartedAt:   started,
		LastUpdate:  now,
	}
	r.mu.Unlock()

	r.clearExecutionLog(snap.FileUID)
	r.touchNode(ctx, snap.NodeUID)

	r.logger.Info("runner started",
		logging.String(logging.FieldRunner, snap.RunnerUID),
		logging.String(logging.FieldFile, snap.FileUID),
		logging.String(logging.FieldNode, snap.NodeName))
	return nil
}

// Update applies a progress snapshot. Unknown runners are re-registered
// unless they finished recently; runners whose file already reached a
// terminal status are dropped.
func (r *Registry) Update(ctx context.Context, snap Snapshot) error {
	if snap.RunnerUID == "" {
		return fmt.Errorf("runner uid is required")
	}

	r.mu.Lock()
	if r.completed.contains(snap.RunnerUID) {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if r.store != nil && snap.FileUID != "" {
		file, err := r.store.GetFile(ctx, snap.FileUID)
		if err != nil {
			return fmt.Errorf("load file for update: %w", err)
		}
		if file != nil && file.Status.IsTerminal() {
			r.mu.Lock()
			delete(r.runners, snap.RunnerUID)
			r.completed.add(snap.RunnerUID)
			r.mu.Unlock()
			r.logger.Info("dropping runner for finalized file",
				logging.String(logging.FieldRunner, snap.RunnerUID),
				logging.String(logging.FieldFile, snap.FileUID),
				logging.String(logging.FieldStatus, string(file.Status)))
			return nil
		}
	}

	now := r.now()
	r.mu.Lock()
	// The file read above ran outside the lock; a Finish may have landed in
	// that window. Its memo entry is authoritative, so re-check before
	// touching the map.
	if r.completed.contains(snap.RunnerUID) {
		r.mu.Unlock()
		return nil
	}
	existing, known := r.runners[snap.RunnerUID]
	if !known {
		// Tolerate a lost Start: an update carries enough to re-register.
		existing = &Runner{
			UID:       snap.RunnerUID,
			NodeUID:   snap.NodeUID,
			NodeName:  snap.NodeName,
			FileUID:   snap.FileUID,
			StartedAt: now,
		}
		r.runners[snap.RunnerUID] = existing
	}
	existing.StepIndex = snap.StepIndex
	existing.StepName = snap.StepName
	existing.Percent = snap.Percent
	existing.WorkingFile = snap.WorkingFile
	existing.LastUpdate = now
	r.mu.Unlock()

	r.touchNode(ctx, snap.NodeUID)
	return nil
}

// Finish removes the runner and finalizes its file. A second Finish for the
// same runner UID is a no-op.
func (r *Registry) Finish(ctx context.Context, snap Snapshot) error {
	if snap.RunnerUID == "" {
		return fmt.Errorf("runner uid is required")
	}

	r.mu.Lock()
	if r.completed.contains(snap.RunnerUID) {
		r.mu.Unlock()
		return nil
	}
	active, known := r.runners[snap.RunnerUID]
	delete(r.runners, snap.RunnerUID)
	r.completed.add(snap.RunnerUID)
	r.mu.Unlock()

	fileUID := snap.FileUID
	if fileUID == "" && known {
		fileUID = active.FileUID
	}
	if fileUID == "" {
		r.logger.Warn("finish without a file reference",
			logging.String(logging.FieldRunner, snap.RunnerUID))
		return nil
	}

	if err := r.finalizeFile(ctx, fileUID, snap); err != nil {
		return err
	}
	if snap.Log != "" {
		r.writeExecutionLog(fileUID, snap.Log)
	}
	r.touchNode(ctx, snap.NodeUID)

	r.logger.Info("runner finished",
		logging.String(logging.FieldRunner, snap.RunnerUID),
		logging.String(logging.FieldFile, fileUID),
		logging.Bool("success", snap.Success))
	return nil
}

// Hello stamps the last-update time of an existing runner. Unknown runners
// are logged and ignored; a heartbeat alone never resurrects one.
func (r *Registry) Hello(ctx context.Context, runnerUID, nodeUID string) {
	r.mu.Lock()
	active, known := r.runners[runnerUID]
	if known {
		active.LastUpdate = r.now()
	}
	r.mu.Unlock()

	if !known {
		r.logger.Debug("heartbeat for unknown runner",
			logging.String(logging.FieldRunner, runnerUID))
		return
	}
	r.touchNode(ctx, nodeUID)
}

// Abort resolves a runner by runner UID, file UID, or node UID (first match),
// broadcasts a cancellation to all nodes, and fails the file if it is still
// processing. Best effort: it logs failures instead of returning them.
func (r *Registry) Abort(ctx context.Context, identifier string) {
	r.mu.Lock()
	target := r.runners[identifier]
	if target == nil {
		for _, candidate := range r.runners {
			if candidate.FileUID == identifier || candidate.NodeUID == identifier {
				target = candidate
				break
			}
		}
	}
	r.mu.Unlock()

	runnerUID := identifier
	fileUID := identifier
	if target != nil {
		runnerUID = target.UID
		fileUID = target.FileUID
	}

	r.broadcaster.SendToAll(notify.Event{
		Command: notify.CommandAbortFile,
		FileUID: fileUID,
		Reason:  "aborted by server (runner " + runnerUID + ")",
	})

	if err := r.failIfProcessing(ctx, fileUID); err != nil {
		r.logger.Error("abort could not finalize file",
			logging.String(logging.FieldFile, fileUID), logging.Error(err))
	}

	if target == nil {
		return
	}

	// Leave the runner registered through a grace window so a Finish racing
	// the abort can still land; only remove it if it stayed silent.
	abortedAt := r.now()
	time.AfterFunc(r.abortGrace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		current, still := r.runners[runnerUID]
		if still && !current.LastUpdate.After(abortedAt) {
			delete(r.runners, runnerUID)
			r.completed.add(runnerUID)
		}
	})

	r.logger.Warn("runner aborted",
		logging.String(logging.FieldRunner, runnerUID),
		logging.String(logging.FieldFile, fileUID))
}

// ClearNode drops every runner owned by the node and requeues the files they
// held. Used when a node restarts.
func (r *Registry) ClearNode(ctx context.Context, nodeUID string) (int, error) {
	r.mu.Lock()
	var dropped int
	for uid, active := range r.runners {
		if active.NodeUID == nodeUID {
			delete(r.runners, uid)
			r.completed.add(uid)
			dropped++
		}
	}
	r.mu.Unlock()

	if r.store != nil {
		requeued, err := r.store.RequeueForNode(ctx, nodeUID)
		if err != nil {
			return dropped, err
		}
		if requeued > 0 {
			r.logger.Info("requeued files after node clear",
				logging.String(logging.FieldNode, nodeUID),
				logging.Int64("count", requeued))
		}
	}
	return dropped, nil
}

// List returns a copy of the registered runners.
func (r *Registry) List() []Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Runner, 0, len(r.runners))
	for _, active := range r.runners {
		out = append(out, *active)
	}
	return out
}

// StaleRunners returns runners whose last update is older than the cutoff.
func (r *Registry) StaleRunners(cutoff time.Time) []Runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []Runner
	for _, active := range r.runners {
		if active.LastUpdate.Before(cutoff) {
			stale = append(stale, *active)
		}
	}
	return stale
}

func (r *Registry) finalizeFile(ctx context.Context, fileUID string, snap Snapshot) error {
	if r.store == nil {
		return nil
	}
	file, err := r.store.GetFile(ctx, fileUID)
	if err != nil {
		return fmt.Errorf("load file for finish: %w", err)
	}
	if file == nil {
		r.logger.Warn("finish for missing file", logging.String(logging.FieldFile, fileUID))
		return nil
	}
	if file.Status.IsTerminal() {
		return nil
	}

	now := r.now().UTC()
	file.ProcessingEnded = &now
	file.ExecutedSteps = snap.ExecutedSteps
	if snap.Success {
		file.Status = store.StatusProcessed
		file.FinalSize = snap.FinalSize
		file.OutputPath = snap.OutputPath
		file.ErrorMessage = ""
	} else {
		file.Status = store.StatusProcessingFailed
		file.ErrorMessage = snap.ErrorMessage
	}
	return r.store.UpdateFile(ctx, file)
}

func (r *Registry) failIfProcessing(ctx context.Context, fileUID string) error {
	if r.store == nil || fileUID == "" {
		return nil
	}
	file, err := r.store.GetFile(ctx, fileUID)
	if err != nil {
		return err
	}
	if file == nil || file.Status != store.StatusProcessing {
		return nil
	}
	now := r.now().UTC()
	file.Status = store.StatusProcessingFailed
	file.ErrorMessage = "aborted: runner stopped responding"
	file.ProcessingEnded = &now
	return r.store.UpdateFile(ctx, file)
}

func (r *Registry) touchNode(ctx context.Context, nodeUID string) {
	if r.store == nil || nodeUID == "" {
		return
	}
	node, err := r.store.GetNode(ctx, nodeUID)
	if err != nil || node == nil {
		return
	}
	if err := r.store.TouchNodeSeen(ctx, nodeUID, node.Version, r.now()); err != nil {
		r.logger.Debug("touch node seen failed",
			logging.String(logging.FieldNode, nodeUID), logging.Error(err))
	}
}

func (r *Registry) executionLogPath(fileUID string) string {
	if r.logDir == "" || fileUID == "" {
		return ""
	}
	return filepath.Join(r.logDir, fileUID+".log")
}

func (r *Registry) clearExecutionLog(fileUID string) {
	path := r.executionLogPath(fileUID)
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

func (r *Registry) writeExecutionLog(fileUID, contents string) {
	path := r.executionLogPath(fileUID)
	if path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		r.logger.Warn("create execution log dir", logging.Error(err))
		return
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		r.logger.Warn("write execution log",
			logging.String(logging.FieldFile, fileUID), logging.Error(err))
	}
}

// ExecutionLog reads the persisted execution log for a file, if any.
func (r *Registry) ExecutionLog(fileUID string) (string, bool) {
	path := r.executionLogPath(fileUID)
	if path == "" {
		return "", false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	return string(data), true
}
