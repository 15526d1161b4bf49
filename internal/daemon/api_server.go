package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"conveyor/internal/api"
	"conveyor/internal/config"
	"conveyor/internal/logging"
	"conveyor/internal/notify"
	"conveyor/internal/store"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil
	}
	srv := &apiServer{
		bind:   bind,
		logger: logging.WithComponent(logger, "api"),
		daemon: d,
	}
	srv.server = &http.Server{
		Handler:           srv.handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/queue", s.handleQueue)
	mux.HandleFunc("/api/queue/retry", s.handleRetry)
	mux.HandleFunc("/api/queue/requeue/", s.handleRequeue)
	mux.HandleFunc("/api/queue/move-to-top", s.handleMoveToTop)
	mux.HandleFunc("/api/queue/", s.handleQueueEntry)
	mux.HandleFunc("/api/work/next", s.handleNextWork)
	mux.HandleFunc("/api/runner/start", s.handleRunnerStart)
	mux.HandleFunc("/api/runner/update", s.handleRunnerUpdate)
	mux.HandleFunc("/api/runner/finish", s.handleRunnerFinish)
	mux.HandleFunc("/api/runner/hello", s.handleRunnerHello)
	mux.HandleFunc("/api/runner/abort", s.handleRunnerAbort)
	mux.HandleFunc("/api/nodes", s.handleNodes)
	mux.HandleFunc("/api/node/clear", s.handleNodeClear)
	mux.HandleFunc("/api/node/events", s.handleNodeEvents)
	mux.HandleFunc("/api/libraries", s.handleLibraries)
	mux.HandleFunc("/api/libraries/", s.handleLibraryEntry)
	mux.HandleFunc("/api/pause", s.handlePause)
	mux.HandleFunc("/api/update-pending", s.handleUpdatePending)
	mux.HandleFunc("/api/resume", s.handleResume)
	return mux
}

func (s *apiServer) start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	wanted := make(map[store.Status]struct{})
	for _, value := range r.URL.Query()["status"] {
		if status, ok := store.ParseStatus(value); ok {
			wanted[status] = struct{}{}
		}
	}

	files, libraries, err := s.loadQueue(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	now := time.Now()
	views := make([]api.FileView, 0, len(files))
	for _, file := range files {
		view := api.FromFile(file, libraries[file.LibraryUID], now)
		if len(wanted) > 0 {
			if _, ok := wanted[store.Status(view.Status)]; !ok {
				continue
			}
		}
		views = append(views, view)
	}
	s.writeJSON(w, http.StatusOK, api.QueueListResponse{Files: views})
}

func (s *apiServer) handleQueueEntry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	uid, sub, _ := strings.Cut(rest, "/")
	if uid == "" {
		s.writeError(w, http.StatusNotFound, "queue entry not found")
		return
	}

	file, err := s.daemon.store.GetFile(r.Context(), uid)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if file == nil {
		s.writeError(w, http.StatusNotFound, "queue entry not found")
		return
	}

	switch sub {
	case "":
		lib, err := s.daemon.store.GetLibrary(r.Context(), file.LibraryUID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, api.FromFile(file, lib, time.Now()))
	case "log":
		log, ok := s.daemon.registry.ExecutionLog(file.UID)
		if !ok {
			s.writeError(w, http.StatusNotFound, "no execution log")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(log))
	default:
		s.writeError(w, http.StatusNotFound, "queue entry not found")
	}
}

func (s *apiServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req api.RetryRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	retried, err := s.daemon.store.RetryFailed(r.Context(), req.UIDs...)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.RetryResponse{Retried: retried})
}

func (s *apiServer) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	uid := strings.TrimPrefix(r.URL.Path, "/api/queue/requeue/")
	if uid == "" || strings.Contains(uid, "/") {
		s.writeError(w, http.StatusNotFound, "queue entry not found")
		return
	}
	retried, err := s.daemon.store.RetryFailed(r.Context(), uid)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if retried == 0 {
		s.writeError(w, http.StatusConflict, "entry is not in a failed state")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleMoveToTop(w http.ResponseWriter, r *http.Request) {
	var req api.MoveToTopRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	if len(req.UIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "uids are required")
		return
	}
	if err := s.daemon.dispatch.MoveToTop(r.Context(), req.UIDs); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleNextWork(w http.ResponseWriter, r *http.Request) {
	var req api.NextWorkRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	if req.NodeUID == "" {
		s.writeError(w, http.StatusBadRequest, "node_uid is required")
		return
	}

	file, runnerUID, err := s.daemon.dispatch.NextWork(r.Context(), req.NodeUID, req.NodeVersion)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if file == nil {
		s.writeJSON(w, http.StatusOK, api.NextWorkResponse{})
		return
	}
	lib, err := s.daemon.store.GetLibrary(r.Context(), file.LibraryUID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	view := api.FromFile(file, lib, time.Now())
	s.writeJSON(w, http.StatusOK, api.NextWorkResponse{File: &view, RunnerUID: runnerUID})
}

func (s *apiServer) handleRunnerStart(w http.ResponseWriter, r *http.Request) {
	var snap api.RunnerSnapshot
	if !s.decodePost(w, r, &snap) {
		return
	}
	if err := s.daemon.registry.Start(r.Context(), api.ToRunnerSnapshot(snap)); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleRunnerUpdate(w http.ResponseWriter, r *http.Request) {
	var snap api.RunnerSnapshot
	if !s.decodePost(w, r, &snap) {
		return
	}
	if err := s.daemon.registry.Update(r.Context(), api.ToRunnerSnapshot(snap)); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleRunnerFinish(w http.ResponseWriter, r *http.Request) {
	var snap api.RunnerSnapshot
	if !s.decodePost(w, r, &snap) {
		return
	}
	if err := s.daemon.registry.Finish(r.Context(), api.ToRunnerSnapshot(snap)); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleRunnerHello(w http.ResponseWriter, r *http.Request) {
	var req api.HelloRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	s.daemon.registry.Hello(r.Context(), req.RunnerUID, req.NodeUID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleRunnerAbort(w http.ResponseWriter, r *http.Request) {
	var req api.AbortRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	if req.Identifier == "" {
		s.writeError(w, http.StatusBadRequest, "identifier is required")
		return
	}
	s.daemon.registry.Abort(r.Context(), req.Identifier)
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleNodes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		nodes, err := s.daemon.store.ListNodes(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views := make([]api.NodeView, 0, len(nodes))
		for _, node := range nodes {
			views = append(views, api.FromNode(node))
		}
		s.writeJSON(w, http.StatusOK, api.NodeListResponse{Nodes: views})
	case http.MethodPost:
		var view api.NodeView
		if err := json.NewDecoder(r.Body).Decode(&view); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		node, err := s.daemon.store.UpsertNode(r.Context(), api.ToNode(view))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.daemon.hub.Register(node.UID)
		s.writeJSON(w, http.StatusOK, api.FromNode(node))
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleNodeClear(w http.ResponseWriter, r *http.Request) {
	var req api.ClearNodeRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	if req.NodeUID == "" {
		s.writeError(w, http.StatusBadRequest, "node_uid is required")
		return
	}
	dropped, err := s.daemon.registry.ClearNode(r.Context(), req.NodeUID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.ClearNodeResponse{Dropped: dropped})
}

func (s *apiServer) handleNodeEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	nodeUID := strings.TrimSpace(r.URL.Query().Get("node"))
	if nodeUID == "" {
		s.writeError(w, http.StatusBadRequest, "node query parameter is required")
		return
	}
	events := s.daemon.hub.Drain(nodeUID)
	views := make([]api.NodeEvent, 0, len(events))
	for _, event := range events {
		views = append(views, api.FromEvent(event))
	}
	s.writeJSON(w, http.StatusOK, api.EventsResponse{Events: views})
}

func (s *apiServer) handleLibraries(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		libraries, err := s.daemon.store.ListLibraries(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		views := make([]api.LibraryView, 0, len(libraries))
		for _, lib := range libraries {
			views = append(views, api.FromLibrary(lib))
		}
		s.writeJSON(w, http.StatusOK, api.LibraryListResponse{Libraries: views})
	case http.MethodPost:
		var view api.LibraryView
		if err := json.NewDecoder(r.Body).Decode(&view); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		var existing *store.Library
		if view.UID != "" {
			var err error
			existing, err = s.daemon.store.GetLibrary(r.Context(), view.UID)
			if err != nil {
				s.writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		lib, err := s.daemon.store.UpsertLibrary(r.Context(), api.ToLibrary(view, existing))
		if err != nil {
			if errors.Is(err, store.ErrNameTaken) {
				s.writeError(w, http.StatusConflict, err.Error())
				return
			}
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Pick the new library up without waiting for the refresh tick.
		if err := s.daemon.ingest.Refresh(r.Context()); err != nil {
			s.logger.Warn("library refresh after upsert", logging.Error(err))
		}
		s.writeJSON(w, http.StatusOK, api.FromLibrary(lib))
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleLibraryEntry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	uid := strings.TrimPrefix(r.URL.Path, "/api/libraries/")
	if uid == "" || strings.Contains(uid, "/") {
		s.writeError(w, http.StatusNotFound, "library not found")
		return
	}
	deleted, err := s.daemon.store.DeleteLibrary(r.Context(), uid)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		s.writeError(w, http.StatusNotFound, "library not found")
		return
	}
	if err := s.daemon.ingest.Refresh(r.Context()); err != nil {
		s.logger.Warn("library refresh after delete", logging.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.daemon.dispatch.Pause()
	s.daemon.hub.SendToAll(notify.Event{Command: notify.CommandPause})
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleUpdatePending(w http.ResponseWriter, r *http.Request) {
	var req api.UpdatePendingRequest
	if !s.decodePost(w, r, &req) {
		return
	}
	s.daemon.dispatch.SetUpdatePending(req.Pending)
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.daemon.dispatch.Resume()
	s.daemon.hub.SendToAll(notify.Event{Command: notify.CommandResume})
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) loadQueue(ctx context.Context) ([]*store.File, map[string]*store.Library, error) {
	files, err := s.daemon.store.ListFiles(ctx)
	if err != nil {
		return nil, nil, err
	}
	libraries, err := s.daemon.store.ListLibraries(ctx)
	if err != nil {
		return nil, nil, err
	}
	index := make(map[string]*store.Library, len(libraries))
	for _, lib := range libraries {
		index[lib.UID] = lib
	}
	return files, index, nil
}

func (s *apiServer) decodePost(w http.ResponseWriter, r *http.Request, out any) bool {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Debug("encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: message})
}
