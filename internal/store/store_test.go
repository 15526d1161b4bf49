package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"conveyor/internal/store"
	"conveyor/internal/testsupport"
)

func TestOpenAppliesMigrations(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	if st.Path() != cfg.DatabasePath() {
		t.Fatalf("expected database at %s, got %s", cfg.DatabasePath(), st.Path())
	}
	stats, err := st.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if len(stats) != 0 {
		t.Fatalf("expected empty stats, got %v", stats)
	}
}

func TestUpsertLibraryRejectsDuplicateName(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	testsupport.NewLibrary(t, st, "movies", t.TempDir())

	_, err := st.UpsertLibrary(ctx, &store.Library{Name: "movies", Path: t.TempDir()})
	if !errors.Is(err, store.ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}
}

func TestUpsertLibraryRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, "shows", t.TempDir())
	lib.Priority = 7
	lib.HoldMinutes = 30
	lib.IncludeFilter = `\.mkv$`
	updated, err := st.UpsertLibrary(ctx, lib)
	if err != nil {
		t.Fatalf("UpsertLibrary update: %v", err)
	}
	if updated.Priority != 7 || updated.HoldMinutes != 30 {
		t.Fatalf("update lost fields: %+v", updated)
	}
	if updated.IncludeFilter != `\.mkv$` {
		t.Fatalf("include filter mismatch: %q", updated.IncludeFilter)
	}

	byName, err := st.LibraryByName(ctx, "shows")
	if err != nil {
		t.Fatalf("LibraryByName: %v", err)
	}
	if byName == nil || byName.UID != lib.UID {
		t.Fatalf("expected library %s, got %+v", lib.UID, byName)
	}
}

func TestDeleteLibraryCascadesFiles(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, "movies", t.TempDir())
	file := testsupport.NewFile(t, st, lib, filepath.Join(lib.Path, "a.mkv"))

	deleted, err := st.DeleteLibrary(ctx, lib.UID)
	if err != nil {
		t.Fatalf("DeleteLibrary: %v", err)
	}
	if !deleted {
		t.Fatal("expected library deletion")
	}

	got, err := st.GetFile(ctx, file.UID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got != nil {
		t.Fatalf("expected file removed with library, got %+v", got)
	}
}

func TestInsertFileRejectsDerivedStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	lib := testsupport.NewLibrary(t, st, "movies", t.TempDir())

	_, err := st.InsertFile(context.Background(), &store.File{
		LibraryUID: lib.UID,
		Path:       filepath.Join(lib.Path, "a.mkv"),
		Status:     store.StatusOnHold,
	})
	if err == nil {
		t.Fatal("expected derived status to be rejected")
	}
}

func TestFileByPathAndFingerprint(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, "movies", t.TempDir())
	first := testsupport.NewFile(t, st, lib, filepath.Join(lib.Path, "a.mkv"))
	first.Fingerprint = "abc123"
	if err := st.UpdateFile(ctx, first); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}

	byPath, err := st.FileByPath(ctx, first.Path)
	if err != nil {
		t.Fatalf("FileByPath: %v", err)
	}
	if byPath == nil || byPath.UID != first.UID {
		t.Fatalf("expected file %s, got %+v", first.UID, byPath)
	}

	match, err := st.FindByFingerprint(ctx, "abc123", filepath.Join(lib.Path, "b.mkv"))
	if err != nil {
		t.Fatalf("FindByFingerprint: %v", err)
	}
	if match == nil || match.UID != first.UID {
		t.Fatalf("expected fingerprint match %s, got %+v", first.UID, match)
	}

	selfMatch, err := st.FindByFingerprint(ctx, "abc123", first.Path)
	if err != nil {
		t.Fatalf("FindByFingerprint self: %v", err)
	}
	if selfMatch != nil {
		t.Fatalf("expected no match when excluding own path, got %+v", selfMatch)
	}
}

func TestEffectiveStatusDerivations(t *testing.T) {
	now := time.Now()
	lib := &store.Library{Enabled: true}
	file := &store.File{Status: store.StatusUnprocessed}

	if got := store.EffectiveStatus(file, nil, now); got != store.StatusMissingLibrary {
		t.Fatalf("nil library: got %s", got)
	}
	if got := store.EffectiveStatus(file, &store.Library{}, now); got != store.StatusDisabled {
		t.Fatalf("disabled library: got %s", got)
	}

	offSchedule := &store.Library{Enabled: true}
	offSchedule.Schedule = offScheduleBitstring(now)
	if got := store.EffectiveStatus(file, offSchedule, now); got != store.StatusOutOfSchedule {
		t.Fatalf("out-of-schedule library: got %s", got)
	}

	holdUntil := now.Add(time.Hour)
	held := &store.File{Status: store.StatusUnprocessed, HoldUntil: &holdUntil}
	if got := store.EffectiveStatus(held, lib, now); got != store.StatusOnHold {
		t.Fatalf("held file: got %s", got)
	}

	if got := store.EffectiveStatus(file, lib, now); got != store.StatusUnprocessed {
		t.Fatalf("eligible file: got %s", got)
	}

	failed := &store.File{Status: store.StatusProcessingFailed}
	if got := store.EffectiveStatus(failed, nil, now); got != store.StatusProcessingFailed {
		t.Fatalf("stored status must pass through, got %s", got)
	}
}

func TestResetStuckProcessing(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, "movies", t.TempDir())
	file := testsupport.NewFile(t, st, lib, filepath.Join(lib.Path, "a.mkv"))
	file.Status = store.StatusProcessing
	file.NodeUID = "node-1"
	file.RunnerUID = "runner-1"
	if err := st.UpdateFile(ctx, file); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}

	reset, err := st.ResetStuckProcessing(ctx)
	if err != nil {
		t.Fatalf("ResetStuckProcessing: %v", err)
	}
	if reset != 1 {
		t.Fatalf("expected 1 reset file, got %d", reset)
	}

	got, err := st.GetFile(ctx, file.UID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Status != store.StatusUnprocessed || got.NodeUID != "" || got.RunnerUID != "" {
		t.Fatalf("stale assignment not cleared: %+v", got)
	}
}

func TestRetryFailed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, "movies", t.TempDir())
	failed := testsupport.NewFile(t, st, lib, filepath.Join(lib.Path, "a.mkv"))
	failed.Status = store.StatusProcessingFailed
	failed.ErrorMessage = "flow crashed"
	if err := st.UpdateFile(ctx, failed); err != nil {
		t.Fatalf("UpdateFile: %v", err)
	}
	healthy := testsupport.NewFile(t, st, lib, filepath.Join(lib.Path, "b.mkv"))

	retried, err := st.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if retried != 1 {
		t.Fatalf("expected 1 retried file, got %d", retried)
	}

	got, err := st.GetFile(ctx, failed.UID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if got.Status != store.StatusUnprocessed || got.ErrorMessage != "" {
		t.Fatalf("retry did not reset file: %+v", got)
	}

	untouched, err := st.GetFile(ctx, healthy.UID)
	if err != nil {
		t.Fatalf("GetFile: %v", err)
	}
	if untouched.Status != store.StatusUnprocessed {
		t.Fatalf("unexpected status change: %+v", untouched)
	}
}

func TestSetOrdersAndOrderedFiles(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	lib := testsupport.NewLibrary(t, st, "movies", t.TempDir())
	a := testsupport.NewFile(t, st, lib, filepath.Join(lib.Path, "a.mkv"))
	b := testsupport.NewFile(t, st, lib, filepath.Join(lib.Path, "b.mkv"))

	if err := st.SetOrders(ctx, map[string]int64{a.UID: 2, b.UID: 1}); err != nil {
		t.Fatalf("SetOrders: %v", err)
	}

	ordered, err := st.OrderedFiles(ctx)
	if err != nil {
		t.Fatalf("OrderedFiles: %v", err)
	}
	if len(ordered) != 2 {
		t.Fatalf("expected 2 ordered files, got %d", len(ordered))
	}
	if ordered[0].UID != b.UID || ordered[1].UID != a.UID {
		t.Fatalf("unexpected order: %s, %s", ordered[0].UID, ordered[1].UID)
	}
}

func TestUpsertNodeCapabilities(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	node, err := st.UpsertNode(ctx, &store.Node{
		Name:                "edge-1",
		Enabled:             true,
		CapabilityMode:      store.CapabilityOnly,
		CapabilityLibraries: []string{"lib-a", "lib-b"},
		MaxFileSizeMB:       2048,
		RunnerSlots:         4,
	})
	if err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	if len(node.CapabilityLibraries) != 2 {
		t.Fatalf("capability libraries lost: %+v", node)
	}
	if !node.CanProcess("lib-a") || node.CanProcess("lib-c") {
		t.Fatalf("capability filter wrong: %+v", node)
	}

	// Re-registering by name without a uid adopts the existing row.
	again, err := st.UpsertNode(ctx, &store.Node{Name: "edge-1", Enabled: true, Version: "1.2.0"})
	if err != nil {
		t.Fatalf("UpsertNode again: %v", err)
	}
	if again.UID != node.UID {
		t.Fatalf("expected adopted uid %s, got %s", node.UID, again.UID)
	}
	if again.Version != "1.2.0" {
		t.Fatalf("version not updated: %+v", again)
	}
}

func TestTouchNodeSeen(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	node := testsupport.NewNode(t, st, "edge-1")
	seen := time.Now().UTC().Truncate(time.Second)
	if err := st.TouchNodeSeen(ctx, node.UID, "2.0.1", seen); err != nil {
		t.Fatalf("TouchNodeSeen: %v", err)
	}

	got, err := st.GetNode(ctx, node.UID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(seen) {
		t.Fatalf("last seen not recorded: %+v", got)
	}
	if got.Version != "2.0.1" {
		t.Fatalf("version not recorded: %+v", got)
	}
}

// offScheduleBitstring builds a schedule that blocks the slot containing now
// and allows everything else.
func offScheduleBitstring(now time.Time) string {
	bits := make([]byte, 672)
	for i := range bits {
		bits[i] = '1'
	}
	day := int(now.Weekday())
	slot := day*96 + now.Hour()*4 + now.Minute()/15
	bits[slot] = '0'
	return string(bits)
}
