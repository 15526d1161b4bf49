package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := ensurePositiveMap(map[string]int{
		"runners.sweep_interval":      c.Runners.SweepInterval,
		"runners.heartbeat_timeout":   c.Runners.HeartbeatTimeout,
		"runners.abort_grace_seconds": c.Runners.AbortGraceSeconds,
		"runners.completed_memo_size": c.Runners.CompletedMemoSize,
		"ingest.scan_interval":        c.Ingest.ScanInterval,
		"ingest.refresh_interval":     c.Ingest.RefreshInterval,
		"ingest.settle_window":        c.Ingest.SettleWindow,
		"ingest.settle_recheck_delay": c.Ingest.SettleRecheckDelay,
	}); err != nil {
		return err
	}
	if c.Runners.HeartbeatTimeout <= c.Runners.SweepInterval {
		return errors.New("runners.heartbeat_timeout must be greater than runners.sweep_interval")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
