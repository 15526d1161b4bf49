package testsupport

import (
	"context"
	"testing"

	"conveyor/internal/config"
	"conveyor/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewLibrary creates an enabled scan-mode library rooted at path.
func NewLibrary(t testing.TB, st *store.Store, name, path string) *store.Library {
	t.Helper()

	lib, err := st.UpsertLibrary(context.Background(), &store.Library{
		Name:           name,
		Path:           path,
		Enabled:        true,
		Mode:           store.ModeScan,
		Fingerprinting: true,
		FlowUID:        "flow-" + name,
	})
	if err != nil {
		t.Fatalf("store.UpsertLibrary: %v", err)
	}
	return lib
}

// NewFile enqueues an unprocessed file record under the given library.
func NewFile(t testing.TB, st *store.Store, lib *store.Library, path string) *store.File {
	t.Helper()

	file, err := st.InsertFile(context.Background(), &store.File{
		LibraryUID:   lib.UID,
		FlowUID:      lib.FlowUID,
		Path:         path,
		RelativePath: path,
		Status:       store.StatusUnprocessed,
	})
	if err != nil {
		t.Fatalf("store.InsertFile: %v", err)
	}
	return file
}

// NewNode registers an enabled node with the given name.
func NewNode(t testing.TB, st *store.Store, name string) *store.Node {
	t.Helper()

	node, err := st.UpsertNode(context.Background(), &store.Node{
		Name:           name,
		Enabled:        true,
		CapabilityMode: store.CapabilityAll,
		RunnerSlots:    2,
	})
	if err != nil {
		t.Fatalf("store.UpsertNode: %v", err)
	}
	return node
}
