package testsupport

import (
	"path/filepath"
	"testing"

	"conveyor/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*config.Config)

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Runners.SweepInterval = 1
	cfg.Runners.HeartbeatTimeout = 2
	cfg.Ingest.SettleWindow = 0

	for _, opt := range opts {
		opt(&cfg)
	}

	return &cfg
}

// WithHeartbeatTimeout overrides the runner heartbeat timeout (seconds).
func WithHeartbeatTimeout(seconds int) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Runners.HeartbeatTimeout = seconds
	}
}

// WithMinNodeVersion sets the dispatch version gate.
func WithMinNodeVersion(version string) ConfigOption {
	return func(cfg *config.Config) {
		cfg.Dispatch.MinNodeVersion = version
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
