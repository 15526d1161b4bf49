package store

import (
	"strings"
	"time"

	"conveyor/internal/detection"
	"conveyor/internal/schedule"
)

// Status represents the lifecycle of a discovered file.
type Status string

const (
	StatusOnHold           Status = "on_hold"
	StatusDisabled         Status = "disabled"
	StatusOutOfSchedule    Status = "out_of_schedule"
	StatusUnprocessed      Status = "unprocessed"
	StatusProcessed        Status = "processed"
	StatusProcessing       Status = "processing"
	StatusFlowNotFound     Status = "flow_not_found"
	StatusProcessingFailed Status = "processing_failed"
	StatusDuplicate        Status = "duplicate"
	StatusMappingIssue     Status = "mapping_issue"
	StatusMissingLibrary   Status = "missing_library"
)

// storedStatuses are the statuses a file row may actually carry. OnHold,
// Disabled, OutOfSchedule, and MissingLibrary are derived views over
// unprocessed rows and never persisted.
var storedStatuses = map[Status]struct{}{
	StatusUnprocessed:      {},
	StatusProcessed:        {},
	StatusProcessing:       {},
	StatusFlowNotFound:     {},
	StatusProcessingFailed: {},
	StatusDuplicate:        {},
	StatusMappingIssue:     {},
}

var allStatuses = []Status{
	StatusOnHold,
	StatusDisabled,
	StatusOutOfSchedule,
	StatusUnprocessed,
	StatusProcessed,
	StatusProcessing,
	StatusFlowNotFound,
	StatusProcessingFailed,
	StatusDuplicate,
	StatusMappingIssue,
	StatusMissingLibrary,
}

// AllStatuses returns the ordered list of known statuses, derived views
// included.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	for _, status := range allStatuses {
		if status == normalized {
			return normalized, true
		}
	}
	return "", false
}

// IsStored reports whether a status may be persisted on a file row.
func (s Status) IsStored() bool {
	_, ok := storedStatuses[s]
	return ok
}

// IsTerminal reports whether a status ends a file's processing lifecycle.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusProcessed, StatusProcessingFailed, StatusDuplicate:
		return true
	default:
		return false
	}
}

// LibraryMode selects how a library discovers new files.
type LibraryMode string

const (
	ModeWatch LibraryMode = "watch"
	ModeScan  LibraryMode = "scan"
)

// CapabilityMode restricts which libraries a node may process.
type CapabilityMode string

const (
	CapabilityAll       CapabilityMode = "all"
	CapabilityOnly      CapabilityMode = "only"
	CapabilityAllExcept CapabilityMode = "all_except"
)

// InternalNodeName is the reserved identity for the in-process node. At most
// one node row may carry it.
const InternalNodeName = "internal"

// Library is a watched root directory plus its filters, schedule, and
// priority.
type Library struct {
	UID                string
	Name               string
	Path               string
	Enabled            bool
	Mode               LibraryMode
	FlowUID            string
	IncludeFilter      string
	ExcludeFilter      string
	ExcludeHidden      bool
	Fingerprinting     bool
	ReprocessRecreated bool
	UpdateMoved        bool
	Folders            bool
	SkipAccessCheck    bool
	WaitTimeSeconds    int
	HoldMinutes        int
	Priority           int
	Schedule           string
	ScanInterval       int
	LastScanned        *time.Time
	DetectCreation     detection.Range
	DetectWrite        detection.Range
	DetectSize         detection.Range
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// InSchedule reports whether the library is inside its processing window at t.
func (l *Library) InSchedule(t time.Time) bool {
	return schedule.InWindow(l.Schedule, t)
}

// File is one discovered file or folder queued for pipeline processing.
type File struct {
	UID               string
	LibraryUID        string
	FlowUID           string
	Path              string
	RelativePath      string
	Status            Status
	IsDirectory       bool
	Fingerprint       string
	OriginalSize      int64
	FinalSize         int64
	OutputPath        string
	DuplicateOf       string
	NodeUID           string
	RunnerUID         string
	Order             int64
	HoldUntil         *time.Time
	FileCreatedAt     *time.Time
	FileModifiedAt    *time.Time
	ProcessingStarted *time.Time
	ProcessingEnded   *time.Time
	ExecutedSteps     string
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Held reports whether the file's hold delay has not yet elapsed.
func (f *File) Held(now time.Time) bool {
	return f.HoldUntil != nil && f.HoldUntil.After(now)
}

// EffectiveStatus maps a stored status to the user-visible one, deriving
// OnHold, Disabled, OutOfSchedule, and MissingLibrary from the owning
// library's state. lib may be nil when the library no longer exists.
func EffectiveStatus(f *File, lib *Library, now time.Time) Status {
	if f.Status != StatusUnprocessed {
		return f.Status
	}
	if lib == nil {
		return StatusMissingLibrary
	}
	if !lib.Enabled {
		return StatusDisabled
	}
	if !lib.InSchedule(now) {
		return StatusOutOfSchedule
	}
	if f.Held(now) {
		return StatusOnHold
	}
	return StatusUnprocessed
}

// Node is a worker capable of executing flows against dispatched files.
type Node struct {
	UID                 string
	Name                string
	Address             string
	Enabled             bool
	Schedule            string
	CapabilityMode      CapabilityMode
	CapabilityLibraries []string
	MaxFileSizeMB       int64
	RunnerSlots         int
	Version             string
	LastSeen            *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// InSchedule reports whether the node is inside its processing window at t.
func (n *Node) InSchedule(t time.Time) bool {
	return schedule.InWindow(n.Schedule, t)
}

// CanProcess reports whether the node's capability filter permits the given
// library.
func (n *Node) CanProcess(libraryUID string) bool {
	switch n.CapabilityMode {
	case CapabilityOnly:
		return containsString(n.CapabilityLibraries, libraryUID)
	case CapabilityAllExcept:
		return !containsString(n.CapabilityLibraries, libraryUID)
	default:
		return true
	}
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

// HealthSummary describes aggregated queue counts per key lifecycle states.
type HealthSummary struct {
	Total       int
	Unprocessed int
	Processing  int
	Processed   int
	Failed      int
	Duplicates  int
}
