package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"conveyor/internal/daemon"
	"conveyor/internal/detection"
	"conveyor/internal/store"
	"conveyor/internal/testsupport"
)

type cliTestEnv struct {
	store   *store.Store
	address string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
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

	return &cliTestEnv{store: st, address: d.APIAddr()}
}

func runCLI(t *testing.T, env *cliTestEnv, args ...string) (string, error) {
	t.Helper()

	if env != nil {
		args = append(args, "--address", env.address)
	}
	cmd := newRootCommand()
	cmd.SetArgs(args)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)

	err := cmd.Execute()
	return out.String(), err
}

func requireContains(t *testing.T, output, want string) {
	t.Helper()
	if !strings.Contains(output, want) {
		t.Fatalf("output missing %q:\n%s", want, output)
	}
}

func TestStatusCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "running")
	requireContains(t, out, "Queue")
}

func TestQueueListEmpty(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	requireContains(t, out, "Queue is empty")
}

func TestQueueListShowsEntries(t *testing.T) {
	env := setupCLITestEnv(t)
	lib := testsupport.NewLibrary(t, env.store, "movies", t.TempDir())
	testsupport.NewFile(t, env.store, lib, filepath.Join(lib.Path, "feature.mkv"))

	out, err := runCLI(t, env, "queue", "list")
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	requireContains(t, out, "feature.mkv")
	requireContains(t, out, "unprocessed")
}

func TestLibraryAddAndList(t *testing.T) {
	env := setupCLITestEnv(t)
	path := t.TempDir()

	out, err := runCLI(t, env, "libraries", "add", "shows", path, "--flow", "flow-shows", "--priority", "3")
	if err != nil {
		t.Fatalf("libraries add: %v", err)
	}
	requireContains(t, out, "Library shows saved")

	out, err = runCLI(t, env, "libraries", "list")
	if err != nil {
		t.Fatalf("libraries list: %v", err)
	}
	requireContains(t, out, "shows")
	requireContains(t, out, path)
}

func TestLibraryAddDetectionFlags(t *testing.T) {
	env := setupCLITestEnv(t)

	_, err := runCLI(t, env, "libraries", "add", "movies", t.TempDir(),
		"--flow", "flow-movies",
		"--detect-write", "between:10:120",
		"--detect-size", "greater_than:1048576")
	if err != nil {
		t.Fatalf("libraries add: %v", err)
	}

	lib, err := env.store.LibraryByName(context.Background(), "movies")
	if err != nil {
		t.Fatalf("LibraryByName: %v", err)
	}
	if lib == nil {
		t.Fatal("library not created")
	}
	if lib.DetectWrite.Kind != detection.Between || lib.DetectWrite.Low != 10 || lib.DetectWrite.High != 120 {
		t.Fatalf("write gate not applied: %+v", lib.DetectWrite)
	}
	if lib.DetectSize.Kind != detection.GreaterThan || lib.DetectSize.Low != 1048576 {
		t.Fatalf("size gate not applied: %+v", lib.DetectSize)
	}
	if lib.DetectCreation.Kind != detection.Any {
		t.Fatalf("unset creation gate should stay open: %+v", lib.DetectCreation)
	}

	if _, err := runCLI(t, env, "libraries", "add", "bad", t.TempDir(),
		"--detect-size", "greater_than:huge"); err == nil {
		t.Fatal("malformed range bound accepted")
	}
}

func TestPauseAndResumeCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := runCLI(t, env, "pause")
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	requireContains(t, out, "paused")

	out, err = runCLI(t, env, "resume")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	requireContains(t, out, "resumed")
}

func TestConfigInit(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	out, err := runCLI(t, nil, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Starter configuration written")

	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, err := runCLI(t, nil, "config", "init", "--path", target); err == nil {
		t.Fatal("existing file overwritten without --force")
	}
	if _, err := runCLI(t, nil, "config", "init", "--path", target, "--force"); err != nil {
		t.Fatalf("config init --force: %v", err)
	}
}
