package runner

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"conveyor/internal/notify"
	"conveyor/internal/store"
	"conveyor/internal/testsupport"
)

func newTestRegistry(t *testing.T, grace time.Duration) (*Registry, *store.Store, *notify.Hub) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	hub := notify.NewHub()
	reg := NewRegistry(Options{
		Store:       st,
		Broadcaster: hub,
		LogDir:      filepath.Join(testsupport.BaseDir(cfg), "runner-logs"),
		AbortGrace:  grace,
		MemoSize:    10,
	})
	return reg, st, hub
}

func processingFile(t *testing.T, st *store.Store, runnerUID string) *store.File {
	t.Helper()
	ctx := context.Background()
	lib := testsupport.NewLibrary(t, st, "movies-"+runnerUID, t.TempDir())
	file := testsupport.NewFile(t, st, lib, filepath.Join(lib.Path, runnerUID+".mkv"))
	file.Status = store.StatusProcessing
	file.RunnerUID = runnerUID
	if err := st.UpdateFile(ctx, file); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}
	return file
}

func TestStartUpdateFinishLifecycle(t *testing.T) {
	reg, st, _ := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()
	file := processingFile(t, st, "r1")

	if err := reg.Start(ctx, Snapshot{RunnerUID: "r1", FileUID: file.UID, NodeName: "edge"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := reg.Update(ctx, Snapshot{RunnerUID: "r1", FileUID: file.UID, StepName: "encode", Percent: 40}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	runners := reg.List()
	if len(runners) != 1 || runners[0].StepName != "encode" || runners[0].Percent != 40 {
		t.Fatalf("unexpected registry state: %+v", runners)
	}

	err := reg.Finish(ctx, Snapshot{
		RunnerUID:     "r1",
		FileUID:       file.UID,
		Success:       true,
		FinalSize:     1234,
		OutputPath:    "/out/r1.mkv",
		ExecutedSteps: "probe,encode",
		Log:           "step log",
	})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if len(reg.List()) != 0 {
		t.Fatal("runner not removed after finish")
	}
	got, err := st.GetFile(ctx, file.UID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Status != store.StatusProcessed || got.FinalSize != 1234 || got.OutputPath != "/out/r1.mkv" {
		t.Fatalf("file not finalized: %+v", got)
	}
	if got.ProcessingEnded == nil {
		t.Fatal("processing end not stamped")
	}
	if log, ok := reg.ExecutionLog(file.UID); !ok || log != "step log" {
		t.Fatalf("execution log not persisted: %q %v", log, ok)
	}
}

func TestFinishIsIdempotent(t *testing.T) {
	reg, st, _ := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()
	file := processingFile(t, st, "r1")

	if err := reg.Start(ctx, Snapshot{RunnerUID: "r1", FileUID: file.UID}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := reg.Finish(ctx, Snapshot{RunnerUID: "r1", FileUID: file.UID, Success: true}); err != nil {
		t.Fatalf("first Finish: %v", err)
	}
	// Second report with contradictory outcome must be ignored.
	if err := reg.Finish(ctx, Snapshot{RunnerUID: "r1", FileUID: file.UID, Success: false, ErrorMessage: "late failure"}); err != nil {
		t.Fatalf("second Finish: %v", err)
	}

	got, err := st.GetFile(ctx, file.UID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Status != store.StatusProcessed || got.ErrorMessage != "" {
		t.Fatalf("second finish corrupted state: %+v", got)
	}
}

func TestUpdateReregistersUnknownRunner(t *testing.T) {
	reg, st, _ := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()
	file := processingFile(t, st, "r1")

	if err := reg.Update(ctx, Snapshot{RunnerUID: "r1", FileUID: file.UID, Percent: 10}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	runners := reg.List()
	if len(runners) != 1 || runners[0].FileUID != file.UID {
		t.Fatalf("runner not re-registered: %+v", runners)
	}
}

func TestUpdateRacingFinishNeverResurrectsRunner(t *testing.T) {
	reg, st, _ := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	// Whatever the interleaving, a runner must be gone once its Finish has
	// returned: either the update lands first and the finish removes it, or
	// the finish's memo entry makes the update a no-op.
	for i := 0; i < 25; i++ {
		runnerUID := fmt.Sprintf("race-%d", i)
		file := processingFile(t, st, runnerUID)
		if err := reg.Start(ctx, Snapshot{RunnerUID: runnerUID, FileUID: file.UID}); err != nil {
			t.Fatalf("Start: %v", err)
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = reg.Update(ctx, Snapshot{RunnerUID: runnerUID, FileUID: file.UID, Percent: 50})
		}()
		go func() {
			defer wg.Done()
			if err := reg.Finish(ctx, Snapshot{RunnerUID: runnerUID, FileUID: file.UID, Success: true}); err != nil {
				t.Errorf("Finish: %v", err)
			}
		}()
		wg.Wait()

		for _, active := range reg.List() {
			if active.UID == runnerUID {
				t.Fatalf("runner %s still registered after finish", runnerUID)
			}
		}
	}
}

func TestUpdateDropsRunnerForFinalizedFile(t *testing.T) {
	reg, st, _ := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()
	file := processingFile(t, st, "r1")

	if err := reg.Start(ctx, Snapshot{RunnerUID: "r1", FileUID: file.UID}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	file.Status = store.StatusProcessingFailed
	if err := st.UpdateFile(ctx, file); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}

	if err := reg.Update(ctx, Snapshot{RunnerUID: "r1", FileUID: file.UID, Percent: 50}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if len(reg.List()) != 0 {
		t.Fatal("runner for finalized file not dropped")
	}

	// Later out-of-order updates are absorbed by the memo.
	if err := reg.Update(ctx, Snapshot{RunnerUID: "r1", FileUID: file.UID, Percent: 60}); err != nil {
		t.Fatalf("late Update: %v", err)
	}
	if len(reg.List()) != 0 {
		t.Fatal("memo did not absorb late update")
	}
}

func TestHelloIgnoresUnknownRunner(t *testing.T) {
	reg, _, _ := newTestRegistry(t, 50*time.Millisecond)
	reg.Hello(context.Background(), "ghost", "")
	if len(reg.List()) != 0 {
		t.Fatal("heartbeat must not resurrect a runner")
	}
}

func TestAbortFailsProcessingFileAndBroadcasts(t *testing.T) {
	reg, st, hub := newTestRegistry(t, 20*time.Millisecond)
	hub.Register("node-a")
	ctx := context.Background()
	file := processingFile(t, st, "r1")

	if err := reg.Start(ctx, Snapshot{RunnerUID: "r1", FileUID: file.UID}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	reg.Abort(ctx, "r1")

	got, err := st.GetFile(ctx, file.UID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Status != store.StatusProcessingFailed {
		t.Fatalf("file not failed on abort: %+v", got)
	}

	events := hub.Drain("node-a")
	if len(events) != 1 || events[0].Command != notify.CommandAbortFile || events[0].FileUID != file.UID {
		t.Fatalf("unexpected broadcast: %+v", events)
	}

	// The runner lingers through the grace window, then disappears.
	if len(reg.List()) != 1 {
		t.Fatal("runner removed before grace expired")
	}
	deadline := time.Now().Add(time.Second)
	for len(reg.List()) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("runner not removed after grace")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAbortKeepsRunnerUpdatedDuringGrace(t *testing.T) {
	reg, st, _ := newTestRegistry(t, 200*time.Millisecond)
	ctx := context.Background()
	file := processingFile(t, st, "r1")

	if err := reg.Start(ctx, Snapshot{RunnerUID: "r1", FileUID: file.UID}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	reg.Abort(ctx, file.UID)

	// Requeue the file so the post-abort update is not treated as stale.
	refreshed, err := st.GetFile(ctx, file.UID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	refreshed.Status = store.StatusProcessing
	if err := st.UpdateFile(ctx, refreshed); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}

	if err := reg.Update(ctx, Snapshot{RunnerUID: "r1", FileUID: file.UID, Percent: 90}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	time.Sleep(400 * time.Millisecond)
	if len(reg.List()) != 1 {
		t.Fatal("runner with fresh update removed by abort grace timer")
	}
}

func TestClearNodeRequeuesFiles(t *testing.T) {
	reg, st, _ := newTestRegistry(t, 50*time.Millisecond)
	ctx := context.Background()
	node := testsupport.NewNode(t, st, "edge-1")

	file := processingFile(t, st, "r1")
	file.NodeUID = node.UID
	if err := st.UpdateFile(ctx, file); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}
	if err := reg.Start(ctx, Snapshot{RunnerUID: "r1", FileUID: file.UID, NodeUID: node.UID}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dropped, err := reg.ClearNode(ctx, node.UID)
	if err != nil {
		t.Fatalf("ClearNode: %v", err)
	}
	if dropped != 1 {
		t.Fatalf("expected 1 dropped runner, got %d", dropped)
	}

	got, err := st.GetFile(ctx, file.UID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Status != store.StatusUnprocessed || got.NodeUID != "" {
		t.Fatalf("file not requeued: %+v", got)
	}
}

func TestSweepAbortsSilentRunner(t *testing.T) {
	reg, st, _ := newTestRegistry(t, 10*time.Millisecond)
	ctx := context.Background()
	file := processingFile(t, st, "r1")

	base := time.Now()
	reg.now = func() time.Time { return base.Add(-2 * time.Minute) }
	if err := reg.Start(ctx, Snapshot{RunnerUID: "r1", FileUID: file.UID}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	reg.now = time.Now

	monitor := NewMonitor(reg, nil, time.Second, time.Minute)
	monitor.Sweep(ctx)

	got, err := st.GetFile(ctx, file.UID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Status != store.StatusProcessingFailed {
		t.Fatalf("silent runner's file not failed: %+v", got)
	}
}
