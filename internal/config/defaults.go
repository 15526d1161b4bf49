package config

const (
	defaultDataDir            = "~/.local/share/conveyor"
	defaultLogDir             = "~/.local/share/conveyor/logs"
	defaultAPIBind            = "127.0.0.1:8387"
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultSweepInterval      = 10
	defaultHeartbeatTimeout   = 60
	defaultAbortGraceSeconds  = 5
	defaultCompletedMemoSize  = 50
	defaultScanInterval       = 300
	defaultRefreshInterval    = 60
	defaultSettleWindow       = 10
	defaultSettleRecheckDelay = 3
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Runners: Runners{
			SweepInterval:     defaultSweepInterval,
			HeartbeatTimeout:  defaultHeartbeatTimeout,
			AbortGraceSeconds: defaultAbortGraceSeconds,
			CompletedMemoSize: defaultCompletedMemoSize,
		},
		Ingest: Ingest{
			ScanInterval:       defaultScanInterval,
			RefreshInterval:    defaultRefreshInterval,
			SettleWindow:       defaultSettleWindow,
			SettleRecheckDelay: defaultSettleRecheckDelay,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
