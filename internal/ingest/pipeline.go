// Package ingest keeps the queue synchronized with library directories:
// watching and scanning for new files, rejecting unstable or filtered
// candidates, and deduplicating by fingerprint before enqueueing.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"conveyor/internal/fileident"
	"conveyor/internal/logging"
	"conveyor/internal/store"
)

// timestampDrift is how far a known record's creation/write timestamps may
// differ from the filesystem before the file counts as changed.
const timestampDrift = 5 * time.Second

// errSettling marks a folder whose contents are still being written; the
// caller re-queues it for a later attempt instead of dropping it.
var errSettling = errors.New("folder still settling")

// pipeline evaluates one candidate path against a library's rules.
type pipeline struct {
	store     *store.Store
	library   *store.Library
	stability *fileident.StabilityChecker
	logger    *slog.Logger

	include *regexp.Regexp
	exclude *regexp.Regexp

	now func() time.Time
}

func newPipeline(st *store.Store, lib *store.Library, stability *fileident.StabilityChecker, logger *slog.Logger) *pipeline {
	p := &pipeline{
		store:     st,
		library:   lib,
		stability: stability,
		logger: logging.WithComponent(logger, "ingest").With(
			logging.String(logging.FieldLibrary, lib.Name)),
		now: time.Now,
	}
	// Invalid patterns fail open: the library behaves as unfiltered.
	p.include = compileFilter(p.logger, "include", lib.IncludeFilter)
	p.exclude = compileFilter(p.logger, "exclude", lib.ExcludeFilter)
	return p
}

func compileFilter(logger *slog.Logger, name, pattern string) *regexp.Regexp {
	if strings.TrimSpace(pattern) == "" {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		logger.Warn("invalid filter pattern, ignoring",
			logging.String("filter", name), logging.Error(err))
		return nil
	}
	return re
}

// process runs the full candidate pipeline for one path. A nil error means
// the candidate was handled (enqueued, reconciled, or deliberately skipped);
// errSettling asks the caller to retry later; any other error drops the
// candidate for this pass.
func (p *pipeline) process(ctx context.Context, path string, isDir bool) error {
	lib := p.library

	if lib.ExcludeHidden && fileident.IsHidden(path, lib.Path) {
		return nil
	}
	if !p.passesFilters(path) {
		return nil
	}

	if isDir && lib.WaitTimeSeconds > 0 {
		newest := newestWriteWithin(path)
		if !newest.IsZero() && p.now().Sub(newest) < time.Duration(lib.WaitTimeSeconds)*time.Second {
			return errSettling
		}
	}

	if !isDir && !lib.SkipAccessCheck {
		if err := p.stability.Check(path); err != nil {
			return fmt.Errorf("stability: %w", err)
		}
	}

	created, modified, err := fileident.Times(path)
	if err != nil {
		return fmt.Errorf("stat times: %w", err)
	}
	size, err := candidateSize(path, isDir)
	if err != nil {
		return fmt.Errorf("size: %w", err)
	}

	existing, err := p.store.FileByPath(ctx, path)
	if err != nil {
		return err
	}
	if existing != nil {
		return p.reconcileKnown(ctx, existing, created, modified, size, isDir)
	}

	var fingerprint string
	status := store.StatusUnprocessed
	duplicateOf := ""
	if !isDir && lib.Fingerprinting {
		fingerprint, err = fileident.Fingerprint(path)
		if err != nil {
			return fmt.Errorf("fingerprint: %w", err)
		}
		match, err := p.store.FindByFingerprint(ctx, fingerprint, path)
		if err != nil {
			return err
		}
		if match != nil {
			if lib.UpdateMoved && !pathExists(match.Path) {
				return p.adoptMovedFile(ctx, match, path, modified, size)
			}
			status = store.StatusDuplicate
			duplicateOf = match.UID
		}
	}

	if !p.passesDetectionRanges(created, modified, size) {
		return nil
	}

	file := &store.File{
		LibraryUID:     lib.UID,
		FlowUID:        lib.FlowUID,
		Path:           path,
		RelativePath:   relativePath(lib.Path, path),
		Status:         status,
		IsDirectory:    isDir,
		Fingerprint:    fingerprint,
		OriginalSize:   size,
		DuplicateOf:    duplicateOf,
		FileCreatedAt:  &created,
		FileModifiedAt: &modified,
	}
	if lib.HoldMinutes > 0 {
		holdUntil := p.now().Add(time.Duration(lib.HoldMinutes) * time.Minute).UTC()
		file.HoldUntil = &holdUntil
	}
	if _, err := p.store.InsertFile(ctx, file); err != nil {
		return err
	}

	p.logger.Info("file enqueued",
		logging.String(logging.FieldFile, file.RelativePath),
		logging.String(logging.FieldStatus, string(status)))
	return nil
}

func (p *pipeline) passesFilters(path string) bool {
	// Trailing underscore marks partial downloads.
	if strings.HasSuffix(path, "_") {
		return false
	}
	if p.exclude != nil && p.exclude.MatchString(path) {
		return false
	}
	if p.include != nil && !p.include.MatchString(path) {
		return false
	}
	return true
}

// reconcileKnown handles a candidate whose exact path is already queued:
// either a silent metadata refresh or a full reprocess when the content
// demonstrably changed.
func (p *pipeline) reconcileKnown(ctx context.Context, existing *store.File, created, modified time.Time, size int64, isDir bool) error {
	lib := p.library

	drifted := timestampsDrifted(existing, created, modified)
	reprocess := false

	if drifted && !isDir && lib.Fingerprinting {
		fingerprint, err := fileident.Fingerprint(existing.Path)
		if err != nil {
			return fmt.Errorf("refingerprint: %w", err)
		}
		if fingerprint != existing.Fingerprint {
			existing.Fingerprint = fingerprint
			reprocess = true
		} else if lib.ReprocessRecreated {
			reprocess = true
		}
	} else if drifted && lib.ReprocessRecreated {
		reprocess = true
	}

	existing.OriginalSize = size
	existing.FileCreatedAt = &created
	existing.FileModifiedAt = &modified
	if reprocess {
		existing.Status = store.StatusUnprocessed
		existing.ProcessingStarted = nil
		existing.ProcessingEnded = nil
		existing.NodeUID = ""
		existing.RunnerUID = ""
		existing.ErrorMessage = ""
		p.logger.Info("known file changed, reprocessing",
			logging.String(logging.FieldFile, existing.RelativePath))
	}
	return p.store.UpdateFile(ctx, existing)
}

// adoptMovedFile updates an existing record whose original path vanished to
// point at the new location instead of enqueueing a duplicate.
func (p *pipeline) adoptMovedFile(ctx context.Context, match *store.File, newPath string, modified time.Time, size int64) error {
	p.logger.Info("file moved, updating path in place",
		logging.String("from", match.Path),
		logging.String("to", newPath))
	match.Path = newPath
	match.RelativePath = relativePath(p.library.Path, newPath)
	match.LibraryUID = p.library.UID
	match.OriginalSize = size
	match.FileModifiedAt = &modified
	return p.store.UpdateFile(ctx, match)
}

func (p *pipeline) passesDetectionRanges(created, modified time.Time, size int64) bool {
	now := p.now()
	creationMinutes := int64(now.Sub(created).Minutes())
	writeMinutes := int64(now.Sub(modified).Minutes())
	lib := p.library
	return lib.DetectCreation.Matches(creationMinutes) &&
		lib.DetectWrite.Matches(writeMinutes) &&
		lib.DetectSize.Matches(size)
}

func timestampsDrifted(existing *store.File, created, modified time.Time) bool {
	if existing.FileCreatedAt == nil || existing.FileModifiedAt == nil {
		return true
	}
	return absDuration(created.Sub(*existing.FileCreatedAt)) > timestampDrift ||
		absDuration(modified.Sub(*existing.FileModifiedAt)) > timestampDrift
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func relativePath(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return rel
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func candidateSize(path string, isDir bool) (int64, error) {
	if !isDir {
		info, err := os.Stat(path)
		if err != nil {
			return 0, err
		}
		return info.Size(), nil
	}
	var total int64
	// Enumeration errors inside the folder are swallowed per entry.
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, infoErr := d.Info(); infoErr == nil {
			total += info.Size()
		}
		return nil
	})
	return total, nil
}

// newestWriteWithin returns the most recent modification time of any file
// under dir, or zero when the folder is empty or unreadable.
func newestWriteWithin(dir string) time.Time {
	var newest time.Time
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, infoErr := d.Info(); infoErr == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest
}
