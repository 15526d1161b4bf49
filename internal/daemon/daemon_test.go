package daemon_test

import (
	"context"
	"path/filepath"
	"testing"

	"conveyor/internal/api"
	"conveyor/internal/daemon"
	"conveyor/internal/store"
	"conveyor/internal/testsupport"
)

func startDaemon(t *testing.T) (*store.Store, *api.Client) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	d, err := daemon.New(cfg, st, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	t.Cleanup(d.Stop)

	addr := d.APIAddr()
	if addr == "" {
		t.Fatal("api address not bound")
	}
	return st, api.NewClient(addr)
}

func TestDaemonStatusOverAPI(t *testing.T) {
	_, client := startDaemon(t)

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running {
		t.Fatalf("daemon not reported running: %+v", status)
	}
	if status.Paused {
		t.Fatalf("fresh daemon reported paused: %+v", status)
	}
}

func TestDaemonRegistersInternalNode(t *testing.T) {
	st, _ := startDaemon(t)

	node, err := st.NodeByName(context.Background(), store.InternalNodeName)
	if err != nil {
		t.Fatalf("NodeByName: %v", err)
	}
	if node == nil {
		t.Fatal("internal node not registered")
	}
	if node.Enabled {
		t.Fatal("internal node must start disabled")
	}
}

func TestDaemonSingleInstanceLock(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	first, err := daemon.New(cfg, st, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	t.Cleanup(first.Stop)

	second, err := daemon.New(cfg, st, nil)
	if err != nil {
		t.Fatalf("daemon.New second: %v", err)
	}
	if err := second.Start(context.Background()); err == nil {
		second.Stop()
		t.Fatal("second instance acquired the lock")
	}
}

func TestDaemonRequeuesStuckFilesOnStart(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, "movies", t.TempDir())
	stuck := testsupport.NewFile(t, st, lib, filepath.Join(lib.Path, "a.mkv"))
	stuck.Status = store.StatusProcessing
	stuck.NodeUID = "gone"
	stuck.RunnerUID = "gone"
	if err := st.UpdateFile(ctx, stuck); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}

	d, err := daemon.New(cfg, st, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	if err := d.Start(ctx); err != nil {
		t.Fatalf("daemon.Start: %v", err)
	}
	t.Cleanup(d.Stop)

	got, err := st.GetFile(ctx, stuck.UID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Status != store.StatusUnprocessed || got.NodeUID != "" || got.RunnerUID != "" {
		t.Fatalf("stuck file not requeued: %+v", got)
	}
}

func TestWorkDistributionRoundTrip(t *testing.T) {
	st, client := startDaemon(t)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, "movies", t.TempDir())
	queued := testsupport.NewFile(t, st, lib, filepath.Join(lib.Path, "a.mkv"))
	node := testsupport.NewNode(t, st, "edge-1")

	work, err := client.NextWork(ctx, node.UID, "1.0.0")
	if err != nil {
		t.Fatalf("NextWork: %v", err)
	}
	if work.File == nil || work.File.UID != queued.UID {
		t.Fatalf("expected dispatch of %s, got %+v", queued.UID, work)
	}

	snap := api.RunnerSnapshot{RunnerUID: work.RunnerUID, NodeUID: node.UID, FileUID: queued.UID}
	if err := client.RunnerStart(ctx, snap); err != nil {
		t.Fatalf("RunnerStart: %v", err)
	}
	snap.StepName = "encode"
	snap.Percent = 55
	if err := client.RunnerUpdate(ctx, snap); err != nil {
		t.Fatalf("RunnerUpdate: %v", err)
	}
	if err := client.RunnerHello(ctx, snap.RunnerUID, node.UID); err != nil {
		t.Fatalf("RunnerHello: %v", err)
	}
	snap.Success = true
	snap.FinalSize = 999
	if err := client.RunnerFinish(ctx, snap); err != nil {
		t.Fatalf("RunnerFinish: %v", err)
	}

	got, err := st.GetFile(ctx, queued.UID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Status != store.StatusProcessed || got.FinalSize != 999 {
		t.Fatalf("file not finalized over api: %+v", got)
	}
}

func TestPauseBlocksDispatchOverAPI(t *testing.T) {
	st, client := startDaemon(t)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, "movies", t.TempDir())
	testsupport.NewFile(t, st, lib, filepath.Join(lib.Path, "a.mkv"))
	node := testsupport.NewNode(t, st, "edge-1")

	if err := client.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	work, err := client.NextWork(ctx, node.UID, "1.0.0")
	if err != nil {
		t.Fatalf("NextWork: %v", err)
	}
	if work.File != nil {
		t.Fatalf("paused daemon handed out work: %+v", work)
	}

	if err := client.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	work, err = client.NextWork(ctx, node.UID, "1.0.0")
	if err != nil {
		t.Fatalf("NextWork after resume: %v", err)
	}
	if work.File == nil {
		t.Fatal("no work after resume")
	}
}

func TestQueueFilterAndRetryOverAPI(t *testing.T) {
	st, client := startDaemon(t)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, "movies", t.TempDir())
	failed := testsupport.NewFile(t, st, lib, filepath.Join(lib.Path, "a.mkv"))
	failed.Status = store.StatusProcessingFailed
	if err := st.UpdateFile(ctx, failed); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}
	testsupport.NewFile(t, st, lib, filepath.Join(lib.Path, "b.mkv"))

	files, err := client.Queue(ctx, string(store.StatusProcessingFailed))
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if len(files) != 1 || files[0].UID != failed.UID {
		t.Fatalf("status filter wrong: %+v", files)
	}

	retried, err := client.RetryFailed(ctx, nil)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if retried != 1 {
		t.Fatalf("expected 1 retried file, got %d", retried)
	}
}

func TestUpdatePendingGateAndRequeueOverAPI(t *testing.T) {
	st, client := startDaemon(t)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, "movies", t.TempDir())
	file := testsupport.NewFile(t, st, lib, filepath.Join(lib.Path, "a.mkv"))
	node := testsupport.NewNode(t, st, "edge-1")

	if err := client.SetUpdatePending(ctx, true); err != nil {
		t.Fatalf("SetUpdatePending: %v", err)
	}
	work, err := client.NextWork(ctx, node.UID, "1.0.0")
	if err != nil {
		t.Fatalf("NextWork: %v", err)
	}
	if work.File != nil {
		t.Fatalf("work handed out with update pending: %+v", work)
	}
	if err := client.SetUpdatePending(ctx, false); err != nil {
		t.Fatalf("SetUpdatePending off: %v", err)
	}

	// Requeue only applies to failed entries.
	if err := client.Requeue(ctx, file.UID); err == nil {
		t.Fatal("requeue accepted a non-failed entry")
	}
	file.Status = store.StatusProcessingFailed
	if err := st.UpdateFile(ctx, file); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}
	if err := client.Requeue(ctx, file.UID); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	got, err := st.GetFile(ctx, file.UID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Status != store.StatusUnprocessed {
		t.Fatalf("entry not requeued: %+v", got)
	}
}

func TestNodeRegistrationAndEventsOverAPI(t *testing.T) {
	st, client := startDaemon(t)
	ctx := context.Background()

	registered, err := client.RegisterNode(ctx, api.NodeView{Name: "edge-1", Enabled: true, Version: "1.2.0"})
	if err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	if registered.UID == "" {
		t.Fatalf("no uid assigned: %+v", registered)
	}

	lib := testsupport.NewLibrary(t, st, "movies", t.TempDir())
	file := testsupport.NewFile(t, st, lib, filepath.Join(lib.Path, "a.mkv"))
	file.Status = store.StatusProcessing
	if err := st.UpdateFile(ctx, file); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}
	if err := client.Abort(ctx, file.UID); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	events, err := client.NodeEvents(ctx, registered.UID)
	if err != nil {
		t.Fatalf("NodeEvents: %v", err)
	}
	found := false
	for _, event := range events {
		if event.Command == "abort_file" && event.FileUID == file.UID {
			found = true
		}
	}
	if !found {
		t.Fatalf("abort not broadcast to node: %+v", events)
	}

	// The drain is destructive; a second poll is empty.
	events, err = client.NodeEvents(ctx, registered.UID)
	if err != nil {
		t.Fatalf("NodeEvents second drain: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("mailbox not drained: %+v", events)
	}
}

func TestLibraryCRUDOverAPI(t *testing.T) {
	_, client := startDaemon(t)
	ctx := context.Background()

	created, err := client.UpsertLibrary(ctx, api.LibraryView{
		Name:           "movies",
		Path:           t.TempDir(),
		Enabled:        true,
		Mode:           string(store.ModeScan),
		FlowUID:        "flow-movies",
		Fingerprinting: true,
	})
	if err != nil {
		t.Fatalf("UpsertLibrary: %v", err)
	}
	if created.UID == "" {
		t.Fatalf("no uid assigned: %+v", created)
	}

	// Duplicate name conflicts.
	if _, err := client.UpsertLibrary(ctx, api.LibraryView{
		Name: "movies", Path: t.TempDir(), FlowUID: "flow-movies",
	}); err == nil {
		t.Fatal("duplicate library name accepted")
	}

	libs, err := client.Libraries(ctx)
	if err != nil {
		t.Fatalf("Libraries: %v", err)
	}
	if len(libs) != 1 || libs[0].Name != "movies" {
		t.Fatalf("unexpected library list: %+v", libs)
	}

	if err := client.DeleteLibrary(ctx, created.UID); err != nil {
		t.Fatalf("DeleteLibrary: %v", err)
	}
	libs, err = client.Libraries(ctx)
	if err != nil {
		t.Fatalf("Libraries after delete: %v", err)
	}
	if len(libs) != 0 {
		t.Fatalf("library not deleted: %+v", libs)
	}
}

func TestLibraryDetectionRangesOverAPI(t *testing.T) {
	_, client := startDaemon(t)
	ctx := context.Background()

	created, err := client.UpsertLibrary(ctx, api.LibraryView{
		Name:           "movies",
		Path:           t.TempDir(),
		Enabled:        true,
		FlowUID:        "flow-movies",
		DetectCreation: api.RangeView{Kind: "greater_than", Low: 60},
		DetectWrite:    api.RangeView{Kind: "between", Low: 10, High: 120},
		DetectSize:     api.RangeView{Kind: "less_than", Low: 1 << 30},
	})
	if err != nil {
		t.Fatalf("UpsertLibrary: %v", err)
	}
	if created.DetectCreation.Kind != "greater_than" || created.DetectCreation.Low != 60 {
		t.Fatalf("creation range not round-tripped: %+v", created.DetectCreation)
	}
	if created.DetectWrite.Kind != "between" || created.DetectWrite.High != 120 {
		t.Fatalf("write range not round-tripped: %+v", created.DetectWrite)
	}

	// Ranges come back on listing, not just on the upsert response.
	libs, err := client.Libraries(ctx)
	if err != nil {
		t.Fatalf("Libraries: %v", err)
	}
	if len(libs) != 1 || libs[0].DetectSize.Kind != "less_than" || libs[0].DetectSize.Low != 1<<30 {
		t.Fatalf("size range not persisted: %+v", libs)
	}

	// An unknown kind falls back to the open gate instead of failing.
	updated, err := client.UpsertLibrary(ctx, api.LibraryView{
		UID:        created.UID,
		Name:       created.Name,
		Path:       created.Path,
		Enabled:    true,
		FlowUID:    created.FlowUID,
		DetectSize: api.RangeView{Kind: "sometimes"},
	})
	if err != nil {
		t.Fatalf("UpsertLibrary update: %v", err)
	}
	if updated.DetectSize.Kind != "any" {
		t.Fatalf("unknown kind not collapsed to any: %+v", updated.DetectSize)
	}
}

func TestClearNodeOverAPI(t *testing.T) {
	st, client := startDaemon(t)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, "movies", t.TempDir())
	queued := testsupport.NewFile(t, st, lib, filepath.Join(lib.Path, "a.mkv"))
	node := testsupport.NewNode(t, st, "edge-1")

	work, err := client.NextWork(ctx, node.UID, "1.0.0")
	if err != nil {
		t.Fatalf("NextWork: %v", err)
	}
	if work.File == nil {
		t.Fatal("no work dispatched")
	}
	snap := api.RunnerSnapshot{RunnerUID: work.RunnerUID, NodeUID: node.UID, FileUID: queued.UID}
	if err := client.RunnerStart(ctx, snap); err != nil {
		t.Fatalf("RunnerStart: %v", err)
	}

	dropped, err := client.ClearNode(ctx, node.UID)
	if err != nil {
		t.Fatalf("ClearNode: %v", err)
	}
	if dropped != 1 {
		t.Fatalf("expected 1 dropped runner, got %d", dropped)
	}
	got, err := st.GetFile(ctx, queued.UID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Status != store.StatusUnprocessed {
		t.Fatalf("file not requeued after clear: %+v", got)
	}
}
