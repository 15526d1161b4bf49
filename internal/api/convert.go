package api

import (
	"time"

	"conveyor/internal/detection"
	"conveyor/internal/notify"
	"conveyor/internal/runner"
	"conveyor/internal/store"
)

// FromFile builds the wire view of a queue entry. The library may be nil;
// the derived status then reports missing_library for unprocessed entries.
func FromFile(file *store.File, lib *store.Library, now time.Time) FileView {
	view := FileView{
		UID:               file.UID,
		LibraryUID:        file.LibraryUID,
		FlowUID:           file.FlowUID,
		Path:              file.Path,
		RelativePath:      file.RelativePath,
		Status:            string(store.EffectiveStatus(file, lib, now)),
		IsDirectory:       file.IsDirectory,
		Fingerprint:       file.Fingerprint,
		OriginalSize:      file.OriginalSize,
		FinalSize:         file.FinalSize,
		OutputPath:        file.OutputPath,
		DuplicateOf:       file.DuplicateOf,
		NodeUID:           file.NodeUID,
		RunnerUID:         file.RunnerUID,
		Order:             file.Order,
		HoldUntil:         file.HoldUntil,
		ProcessingStarted: file.ProcessingStarted,
		ProcessingEnded:   file.ProcessingEnded,
		ExecutedSteps:     file.ExecutedSteps,
		ErrorMessage:      file.ErrorMessage,
		CreatedAt:         file.CreatedAt,
	}
	if lib != nil {
		view.LibraryName = lib.Name
	}
	return view
}

// FromLibrary builds the wire view of a library.
func FromLibrary(lib *store.Library) LibraryView {
	return LibraryView{
		UID:                lib.UID,
		Name:               lib.Name,
		Path:               lib.Path,
		Enabled:            lib.Enabled,
		Mode:               string(lib.Mode),
		FlowUID:            lib.FlowUID,
		IncludeFilter:      lib.IncludeFilter,
		ExcludeFilter:      lib.ExcludeFilter,
		ExcludeHidden:      lib.ExcludeHidden,
		Fingerprinting:     lib.Fingerprinting,
		ReprocessRecreated: lib.ReprocessRecreated,
		UpdateMoved:        lib.UpdateMoved,
		Folders:            lib.Folders,
		SkipAccessCheck:    lib.SkipAccessCheck,
		WaitTimeSeconds:    lib.WaitTimeSeconds,
		HoldMinutes:        lib.HoldMinutes,
		Priority:           lib.Priority,
		Schedule:           lib.Schedule,
		ScanInterval:       lib.ScanInterval,
		DetectCreation:     fromRange(lib.DetectCreation),
		DetectWrite:        fromRange(lib.DetectWrite),
		DetectSize:         fromRange(lib.DetectSize),
		LastScanned:        lib.LastScanned,
	}
}

func fromRange(r detection.Range) RangeView {
	return RangeView{Kind: string(r.Kind), Low: r.Low, High: r.High}
}

// ToRange maps a wire range onto the detection form. Empty or unknown kinds
// collapse to Any.
func ToRange(view RangeView) detection.Range {
	return detection.Range{
		Kind: detection.ParseKind(view.Kind),
		Low:  view.Low,
		High: view.High,
	}
}

// ToLibrary maps a wire library onto a store record, keeping an existing
// record's timestamps when merging.
func ToLibrary(view LibraryView, existing *store.Library) *store.Library {
	lib := &store.Library{}
	if existing != nil {
		*lib = *existing
	}
	lib.UID = view.UID
	lib.Name = view.Name
	lib.Path = view.Path
	lib.Enabled = view.Enabled
	lib.Mode = store.LibraryMode(view.Mode)
	lib.FlowUID = view.FlowUID
	lib.IncludeFilter = view.IncludeFilter
	lib.ExcludeFilter = view.ExcludeFilter
	lib.ExcludeHidden = view.ExcludeHidden
	lib.Fingerprinting = view.Fingerprinting
	lib.ReprocessRecreated = view.ReprocessRecreated
	lib.UpdateMoved = view.UpdateMoved
	lib.Folders = view.Folders
	lib.SkipAccessCheck = view.SkipAccessCheck
	lib.WaitTimeSeconds = view.WaitTimeSeconds
	lib.HoldMinutes = view.HoldMinutes
	lib.Priority = view.Priority
	lib.Schedule = view.Schedule
	lib.ScanInterval = view.ScanInterval
	lib.DetectCreation = ToRange(view.DetectCreation)
	lib.DetectWrite = ToRange(view.DetectWrite)
	lib.DetectSize = ToRange(view.DetectSize)
	return lib
}

// FromNode builds the wire view of a node.
func FromNode(node *store.Node) NodeView {
	return NodeView{
		UID:                 node.UID,
		Name:                node.Name,
		Address:             node.Address,
		Enabled:             node.Enabled,
		Schedule:            node.Schedule,
		CapabilityMode:      string(node.CapabilityMode),
		CapabilityLibraries: node.CapabilityLibraries,
		MaxFileSizeMB:       node.MaxFileSizeMB,
		RunnerSlots:         node.RunnerSlots,
		Version:             node.Version,
		LastSeen:            node.LastSeen,
	}
}

// ToNode maps a wire node onto a store record.
func ToNode(view NodeView) *store.Node {
	return &store.Node{
		UID:                 view.UID,
		Name:                view.Name,
		Address:             view.Address,
		Enabled:             view.Enabled,
		Schedule:            view.Schedule,
		CapabilityMode:      store.CapabilityMode(view.CapabilityMode),
		CapabilityLibraries: view.CapabilityLibraries,
		MaxFileSizeMB:       view.MaxFileSizeMB,
		RunnerSlots:         view.RunnerSlots,
		Version:             view.Version,
	}
}

// FromRunner builds the wire view of an in-flight execution.
func FromRunner(active runner.Runner) RunnerView {
	return RunnerView{
		UID:         active.UID,
		NodeUID:     active.NodeUID,
		NodeName:    active.NodeName,
		FileUID:     active.FileUID,
		StepIndex:   active.StepIndex,
		StepName:    active.StepName,
		Percent:     active.Percent,
		WorkingFile: active.WorkingFile,
		StartedAt:   active.StartedAt,
		LastUpdate:  active.LastUpdate,
	}
}

// ToRunnerSnapshot maps a wire snapshot onto the registry's form.
func ToRunnerSnapshot(snap RunnerSnapshot) runner.Snapshot {
	return runner.Snapshot{
		RunnerUID:     snap.RunnerUID,
		NodeUID:       snap.NodeUID,
		NodeName:      snap.NodeName,
		FileUID:       snap.FileUID,
		StepIndex:     snap.StepIndex,
		StepName:      snap.StepName,
		Percent:       snap.Percent,
		WorkingFile:   snap.WorkingFile,
		Success:       snap.Success,
		FinalSize:     snap.FinalSize,
		OutputPath:    snap.OutputPath,
		ExecutedSteps: snap.ExecutedSteps,
		ErrorMessage:  snap.ErrorMessage,
		Log:           snap.Log,
	}
}

// FromEvent builds the wire view of a node command.
func FromEvent(event notify.Event) NodeEvent {
	return NodeEvent{
		Command: event.Command,
		FileUID: event.FileUID,
		Reason:  event.Reason,
		At:      event.At,
	}
}

// FromHealth builds queue stats from the store summary.
func FromHealth(health store.HealthSummary) QueueStats {
	return QueueStats{
		Total:       health.Total,
		Unprocessed: health.Unprocessed,
		Processing:  health.Processing,
		Processed:   health.Processed,
		Failed:      health.Failed,
		Duplicates:  health.Duplicates,
	}
}
