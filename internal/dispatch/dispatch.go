// Package dispatch answers "what should this node work on next" and reserves
// the chosen file under an at-most-one guarantee.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"conveyor/internal/logging"
	"conveyor/internal/store"
)

// Service selects and reserves queue entries for requesting nodes.
type Service struct {
	store          *store.Store
	logger         *slog.Logger
	minNodeVersion string

	// mu serializes the scan-and-reserve critical section. Two concurrent
	// NextWork calls must never reserve the same file.
	mu sync.Mutex

	stateMu       sync.Mutex
	paused        bool
	updatePending bool

	now func() time.Time
}

// NewService builds a dispatch service.
func NewService(st *store.Store, logger *slog.Logger, minNodeVersion string) *Service {
	return &Service{
		store:          st,
		logger:         logging.WithComponent(logger, "dispatch"),
		minNodeVersion: minNodeVersion,
		now:            time.Now,
	}
}

// Pause stops handing out work until Resume is called.
func (s *Service) Pause() {
	s.stateMu.Lock()
	s.paused = true
	s.stateMu.Unlock()
	s.logger.Info("processing paused")
}

// Resume re-enables work distribution.
func (s *Service) Resume() {
	s.stateMu.Lock()
	s.paused = false
	s.stateMu.Unlock()
	s.logger.Info("processing resumed")
}

// Paused reports whether distribution is globally paused.
func (s *Service) Paused() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.paused
}

// SetUpdatePending blocks dispatch while a system update is waiting to apply.
func (s *Service) SetUpdatePending(pending bool) {
	s.stateMu.Lock()
	s.updatePending = pending
	s.stateMu.Unlock()
}

// NextWork resolves the node, applies the boundary gates, and reserves the
// most eligible file. A nil file with a nil error means "no work"; gate
// rejections deliberately look identical to an empty queue.
func (s *Service) NextWork(ctx context.Context, nodeUID, nodeVersion string) (*store.File, string, error) {
	s.stateMu.Lock()
	blocked := s.paused || s.updatePending
	s.stateMu.Unlock()
	if blocked {
		return nil, "", nil
	}
	if s.minNodeVersion != "" && versionLess(nodeVersion, s.minNodeVersion) {
		s.logger.Warn("node version below minimum",
			logging.String(logging.FieldNode, nodeUID),
			logging.String("version", nodeVersion),
			logging.String("minimum", s.minNodeVersion))
		return nil, "", nil
	}

	node, err := s.store.GetNode(ctx, nodeUID)
	if err != nil {
		return nil, "", fmt.Errorf("resolve node: %w", err)
	}
	if node == nil || !node.Enabled || !node.InSchedule(s.now()) {
		return nil, "", nil
	}
	if nodeVersion != "" {
		_ = s.store.TouchNodeSeen(ctx, node.UID, nodeVersion, s.now())
	}

	runnerUID := uuid.NewString()
	file, err := s.TryReserveNext(ctx, node, runnerUID)
	if err != nil || file == nil {
		return nil, "", err
	}
	return file, runnerUID, nil
}

// TryReserveNext scans the queue for the first candidate the node may process
// and atomically marks it Processing. The whole scan-and-reserve runs inside
// one critical section.
func (s *Service) TryReserveNext(ctx context.Context, node *store.Node, runnerUID string) (*store.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	libraries, err := s.libraryIndex(ctx)
	if err != nil {
		return nil, err
	}
	candidates, err := s.store.FilesByStatus(ctx, store.StatusUnprocessed)
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}

	now := s.now()
	eligible := candidates[:0]
	for _, file := range candidates {
		if s.isEligible(file, libraries[file.LibraryUID], node, now) {
			eligible = append(eligible, file)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	sortCandidates(eligible, libraries)

	chosen := eligible[0]
	started := now.UTC()
	chosen.Status = store.StatusProcessing
	chosen.ProcessingStarted = &started
	chosen.ProcessingEnded = nil
	chosen.NodeUID = node.UID
	chosen.RunnerUID = runnerUID
	if err := s.store.UpdateFile(ctx, chosen); err != nil {
		return nil, fmt.Errorf("reserve file: %w", err)
	}

	s.logger.Info("file dispatched",
		logging.String(logging.FieldFile, chosen.UID),
		logging.String(logging.FieldNode, node.Name),
		logging.String(logging.FieldRunner, runnerUID))
	return chosen, nil
}

func (s *Service) libraryIndex(ctx context.Context) (map[string]*store.Library, error) {
	libraries, err := s.store.ListLibraries(ctx)
	if err != nil {
		return nil, fmt.Errorf("load libraries: %w", err)
	}
	index := make(map[string]*store.Library, len(libraries))
	for _, lib := range libraries {
		index[lib.UID] = lib
	}
	return index, nil
}

func (s *Service) isEligible(file *store.File, lib *store.Library, node *store.Node, now time.Time) bool {
	if file.Status != store.StatusUnprocessed {
		return false
	}
	if lib == nil || !lib.Enabled || !lib.InSchedule(now) {
		return false
	}
	if file.Held(now) {
		return false
	}
	if !node.CanProcess(lib.UID) {
		return false
	}
	if node.MaxFileSizeMB > 0 && file.OriginalSize > node.MaxFileSizeMB*1024*1024 {
		return false
	}
	return true
}

// sortCandidates orders eligible files: explicit order first (ascending,
// unordered sorts as infinite), then library priority descending, then
// creation time ascending.
func sortCandidates(files []*store.File, libraries map[string]*store.Library) {
	orderKey := func(f *store.File) int64 {
		if f.Order > 0 {
			return f.Order
		}
		return math.MaxInt64
	}
	priority := func(f *store.File) int {
		if lib := libraries[f.LibraryUID]; lib != nil {
			return lib.Priority
		}
		return 0
	}
	sort.SliceStable(files, func(i, j int) bool {
		oi, oj := orderKey(files[i]), orderKey(files[j])
		if oi != oj {
			return oi < oj
		}
		pi, pj := priority(files[i]), priority(files[j])
		if pi != pj {
			return pi > pj
		}
		return files[i].CreatedAt.Before(files[j].CreatedAt)
	})
}

// MoveToTop assigns order values 1..N to the listed files and shifts any
// previously ordered but unlisted files after them, keeping their relative
// order.
func (s *Service) MoveToTop(ctx context.Context, uids []string) error {
	if len(uids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered, err := s.store.OrderedFiles(ctx)
	if err != nil {
		return err
	}

	orders := make(map[string]int64, len(uids))
	next := int64(1)
	for _, uid := range uids {
		if _, dup := orders[uid]; dup {
			continue
		}
		orders[uid] = next
		next++
	}
	for _, file := range ordered {
		if _, listed := orders[file.UID]; listed {
			continue
		}
		orders[file.UID] = next
		next++
	}
	return s.store.SetOrders(ctx, orders)
}
