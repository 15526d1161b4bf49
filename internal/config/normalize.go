package config

import "strings"

// normalize expands user paths and fills defaulted fields so downstream code
// never has to special-case empty values.
func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(valueOr(c.Paths.DataDir, defaultDataDir)); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(valueOr(c.Paths.LogDir, defaultLogDir)); err != nil {
		return err
	}
	c.Paths.APIBind = valueOr(c.Paths.APIBind, defaultAPIBind)
	c.Dispatch.MinNodeVersion = strings.TrimSpace(c.Dispatch.MinNodeVersion)

	if c.Runners.SweepInterval <= 0 {
		c.Runners.SweepInterval = defaultSweepInterval
	}
	if c.Runners.HeartbeatTimeout <= 0 {
		c.Runners.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if c.Runners.AbortGraceSeconds <= 0 {
		c.Runners.AbortGraceSeconds = defaultAbortGraceSeconds
	}
	if c.Runners.CompletedMemoSize <= 0 {
		c.Runners.CompletedMemoSize = defaultCompletedMemoSize
	}
	if c.Ingest.ScanInterval <= 0 {
		c.Ingest.ScanInterval = defaultScanInterval
	}
	if c.Ingest.RefreshInterval <= 0 {
		c.Ingest.RefreshInterval = defaultRefreshInterval
	}
	if c.Ingest.SettleWindow <= 0 {
		c.Ingest.SettleWindow = defaultSettleWindow
	}
	if c.Ingest.SettleRecheckDelay <= 0 {
		c.Ingest.SettleRecheckDelay = defaultSettleRecheckDelay
	}
	c.Logging.Format = valueOr(strings.ToLower(strings.TrimSpace(c.Logging.Format)), defaultLogFormat)
	c.Logging.Level = valueOr(strings.ToLower(strings.TrimSpace(c.Logging.Level)), defaultLogLevel)
	return nil
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
