// Package api defines the JSON payloads exchanged between the daemon, the
// CLI, and processing nodes, plus the HTTP client the CLI uses.
package api

import "time"

// FileView is the externally visible form of a queue entry. Status carries
// the derived value (on_hold, disabled, out_of_schedule, missing_library),
// not the raw stored one.
type FileView struct {
	UID               string     `json:"uid"`
	LibraryUID        string     `json:"library_uid"`
	LibraryName       string     `json:"library_name,omitempty"`
	FlowUID           string     `json:"flow_uid,omitempty"`
	Path              string     `json:"path"`
	RelativePath      string     `json:"relative_path"`
	Status            string     `json:"status"`
	IsDirectory       bool       `json:"is_directory,omitempty"`
	Fingerprint       string     `json:"fingerprint,omitempty"`
	OriginalSize      int64      `json:"original_size"`
	FinalSize         int64      `json:"final_size,omitempty"`
	OutputPath        string     `json:"output_path,omitempty"`
	DuplicateOf       string     `json:"duplicate_of,omitempty"`
	NodeUID           string     `json:"node_uid,omitempty"`
	RunnerUID         string     `json:"runner_uid,omitempty"`
	Order             int64      `json:"order,omitempty"`
	HoldUntil         *time.Time `json:"hold_until,omitempty"`
	ProcessingStarted *time.Time `json:"processing_started,omitempty"`
	ProcessingEnded   *time.Time `json:"processing_ended,omitempty"`
	ExecutedSteps     string     `json:"executed_steps,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// RangeView mirrors one detection range over the wire. Kind is one of any,
// greater_than, less_than, between, not_between; bounds are minutes for the
// age ranges and bytes for the size range.
type RangeView struct {
	Kind string `json:"kind,omitempty"`
	Low  int64  `json:"low,omitempty"`
	High int64  `json:"high,omitempty"`
}

// LibraryView mirrors a library definition over the wire.
type LibraryView struct {
	UID                string     `json:"uid,omitempty"`
	Name               string     `json:"name"`
	Path               string     `json:"path"`
	Enabled            bool       `json:"enabled"`
	Mode               string     `json:"mode,omitempty"`
	FlowUID            string     `json:"flow_uid,omitempty"`
	IncludeFilter      string     `json:"include_filter,omitempty"`
	ExcludeFilter      string     `json:"exclude_filter,omitempty"`
	ExcludeHidden      bool       `json:"exclude_hidden,omitempty"`
	Fingerprinting     bool       `json:"fingerprinting"`
	ReprocessRecreated bool       `json:"reprocess_recreated,omitempty"`
	UpdateMoved        bool       `json:"update_moved,omitempty"`
	Folders            bool       `json:"folders,omitempty"`
	SkipAccessCheck    bool       `json:"skip_access_check,omitempty"`
	WaitTimeSeconds    int        `json:"wait_time_seconds,omitempty"`
	HoldMinutes        int        `json:"hold_minutes,omitempty"`
	Priority           int        `json:"priority,omitempty"`
	Schedule           string     `json:"schedule,omitempty"`
	ScanInterval       int        `json:"scan_interval,omitempty"`
	DetectCreation     RangeView  `json:"detect_creation"`
	DetectWrite        RangeView  `json:"detect_write"`
	DetectSize         RangeView  `json:"detect_size"`
	LastScanned        *time.Time `json:"last_scanned,omitempty"`
}

// NodeView mirrors a node registration over the wire.
type NodeView struct {
	UID                 string     `json:"uid,omitempty"`
	Name                string     `json:"name"`
	Address             string     `json:"address,omitempty"`
	Enabled             bool       `json:"enabled"`
	Schedule            string     `json:"schedule,omitempty"`
	CapabilityMode      string     `json:"capability_mode,omitempty"`
	CapabilityLibraries []string   `json:"capability_libraries,omitempty"`
	MaxFileSizeMB       int64      `json:"max_file_size_mb,omitempty"`
	RunnerSlots         int        `json:"runner_slots,omitempty"`
	Version             string     `json:"version,omitempty"`
	LastSeen            *time.Time `json:"last_seen,omitempty"`
}

// RunnerView describes one in-flight execution.
type RunnerView struct {
	UID         string    `json:"uid"`
	NodeUID     string    `json:"node_uid,omitempty"`
	NodeName    string    `json:"node_name,omitempty"`
	FileUID     string    `json:"file_uid"`
	StepIndex   int       `json:"step_index,omitempty"`
	StepName    string    `json:"step_name,omitempty"`
	Percent     float64   `json:"percent,omitempty"`
	WorkingFile string    `json:"working_file,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	LastUpdate  time.Time `json:"last_update"`
}

// RunnerSnapshot is what nodes send on start/update/finish.
type RunnerSnapshot struct {
	RunnerUID   string  `json:"runner_uid"`
	NodeUID     string  `json:"node_uid,omitempty"`
	NodeName    string  `json:"node_name,omitempty"`
	FileUID     string  `json:"file_uid"`
	StepIndex   int     `json:"step_index,omitempty"`
	StepName    string  `json:"step_name,omitempty"`
	Percent     float64 `json:"percent,omitempty"`
	WorkingFile string  `json:"working_file,omitempty"`

	Success       bool   `json:"success,omitempty"`
	FinalSize     int64  `json:"final_size,omitempty"`
	OutputPath    string `json:"output_path,omitempty"`
	ExecutedSteps string `json:"executed_steps,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	Log           string `json:"log,omitempty"`
}

// NextWorkRequest asks the dispatch service for the node's next file.
type NextWorkRequest struct {
	NodeUID     string `json:"node_uid"`
	NodeVersion string `json:"node_version,omitempty"`
}

// NextWorkResponse carries the reserved file, or nothing when the queue has
// no eligible work for this node.
type NextWorkResponse struct {
	File      *FileView `json:"file,omitempty"`
	RunnerUID string    `json:"runner_uid,omitempty"`
}

// HelloRequest is a heartbeat without a payload change.
type HelloRequest struct {
	RunnerUID string `json:"runner_uid"`
	NodeUID   string `json:"node_uid,omitempty"`
}

// AbortRequest aborts by runner UID, file UID, or node UID (first match).
type AbortRequest struct {
	Identifier string `json:"identifier"`
}

// ClearNodeRequest drops all runners owned by a node and requeues their
// files.
type ClearNodeRequest struct {
	NodeUID string `json:"node_uid"`
}

// MoveToTopRequest pins the listed files to the front of the queue in the
// given sequence.
type MoveToTopRequest struct {
	UIDs []string `json:"uids"`
}

// UpdatePendingRequest toggles the pending-update dispatch gate. While set,
// no new work is handed out so the daemon can be restarted safely.
type UpdatePendingRequest struct {
	Pending bool `json:"pending"`
}

// RetryRequest requeues failed files. An empty list retries all of them.
type RetryRequest struct {
	UIDs []string `json:"uids,omitempty"`
}

// RetryResponse reports how many files were requeued.
type RetryResponse struct {
	Retried int64 `json:"retried"`
}

// ClearNodeResponse reports how many runners were dropped.
type ClearNodeResponse struct {
	Dropped int `json:"dropped"`
}

// QueueListResponse lists queue entries.
type QueueListResponse struct {
	Files []FileView `json:"files"`
}

// NodeListResponse lists node registrations.
type NodeListResponse struct {
	Nodes []NodeView `json:"nodes"`
}

// LibraryListResponse lists libraries.
type LibraryListResponse struct {
	Libraries []LibraryView `json:"libraries"`
}

// EventsResponse carries a node's drained command mailbox.
type EventsResponse struct {
	Events []NodeEvent `json:"events"`
}

// NodeEvent is one command addressed to a node.
type NodeEvent struct {
	Command string    `json:"command"`
	FileUID string    `json:"file_uid,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// QueueStats counts queue entries per status.
type QueueStats struct {
	Total       int `json:"total"`
	Unprocessed int `json:"unprocessed"`
	Processing  int `json:"processing"`
	Processed   int `json:"processed"`
	Failed      int `json:"failed"`
	Duplicates  int `json:"duplicates"`
}

// StatusResponse summarizes the daemon for the CLI status command.
type StatusResponse struct {
	Running        bool         `json:"running"`
	PID            int          `json:"pid"`
	Paused         bool         `json:"paused"`
	DatabasePath   string       `json:"database_path"`
	LockFilePath   string       `json:"lock_file_path"`
	LibraryWorkers int          `json:"library_workers"`
	Queue          QueueStats   `json:"queue"`
	Runners        []RunnerView `json:"runners"`
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}
