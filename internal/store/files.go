package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const fileColumns = `uid, library_uid, flow_uid, path, relative_path, status, is_directory,
    fingerprint, original_size, final_size, output_path, duplicate_of, node_uid, runner_uid,
    display_order, hold_until, file_created_at, file_modified_at, processing_started,
    processing_ended, executed_steps, error_message, created_at, updated_at`

// InsertFile enqueues a newly discovered file. A missing uid is generated and
// the creation timestamp stamped.
func (s *Store) InsertFile(ctx context.Context, file *File) (*File, error) {
	if file == nil {
		return nil, errors.New("file is nil")
	}
	if file.LibraryUID == "" {
		return nil, errors.New("file requires a library")
	}
	if file.Path == "" {
		return nil, errors.New("file path is required")
	}
	if !file.Status.IsStored() {
		return nil, fmt.Errorf("status %q cannot be stored", file.Status)
	}

	now := time.Now().UTC()
	if file.UID == "" {
		file.UID = uuid.NewString()
	}
	file.CreatedAt = now
	file.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (`+fileColumns+`) VALUES
        (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.UID, file.LibraryUID, nullableString(file.FlowUID), file.Path, file.RelativePath,
		string(file.Status), boolToInt(file.IsDirectory), nullableString(file.Fingerprint),
		file.OriginalSize, file.FinalSize, nullableString(file.OutputPath),
		nullableString(file.DuplicateOf), nullableString(file.NodeUID), nullableString(file.RunnerUID),
		file.Order, nullableTime(file.HoldUntil), nullableTime(file.FileCreatedAt),
		nullableTime(file.FileModifiedAt), nullableTime(file.ProcessingStarted),
		nullableTime(file.ProcessingEnded), nullableString(file.ExecutedSteps),
		nullableString(file.ErrorMessage),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert file: %w", err)
	}
	return s.GetFile(ctx, file.UID)
}

// UpdateFile persists changes to an existing file.
func (s *Store) UpdateFile(ctx context.Context, file *File) error {
	if file == nil {
		return errors.New("file is nil")
	}
	if !file.Status.IsStored() {
		return fmt.Errorf("status %q cannot be stored", file.Status)
	}
	file.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE files SET library_uid = ?, flow_uid = ?, path = ?, relative_path = ?, status = ?,
            is_directory = ?, fingerprint = ?, original_size = ?, final_size = ?, output_path = ?,
            duplicate_of = ?, node_uid = ?, runner_uid = ?, display_order = ?, hold_until = ?,
            file_created_at = ?, file_modified_at = ?, processing_started = ?, processing_ended = ?,
            executed_steps = ?, error_message = ?, updated_at = ?
         WHERE uid = ?`,
		file.LibraryUID, nullableString(file.FlowUID), file.Path, file.RelativePath, string(file.Status),
		boolToInt(file.IsDirectory), nullableString(file.Fingerprint), file.OriginalSize, file.FinalSize,
		nullableString(file.OutputPath), nullableString(file.DuplicateOf), nullableString(file.NodeUID),
		nullableString(file.RunnerUID), file.Order, nullableTime(file.HoldUntil),
		nullableTime(file.FileCreatedAt), nullableTime(file.FileModifiedAt),
		nullableTime(file.ProcessingStarted), nullableTime(file.ProcessingEnded),
		nullableString(file.ExecutedSteps), nullableString(file.ErrorMessage),
		file.UpdatedAt.Format(time.RFC3339Nano), file.UID,
	)
	if err != nil {
		return fmt.Errorf("update file: %w", err)
	}
	return nil
}

// GetFile fetches a file by uid.
func (s *Store) GetFile(ctx context.Context, uid string) (*File, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE uid = ?`, uid)
	file, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return file, nil
}

// FileByPath fetches the file record for an exact absolute path.
func (s *Store) FileByPath(ctx context.Context, path string) (*File, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE path = ?`, path)
	file, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file by path: %w", err)
	}
	return file, nil
}

// FindByFingerprint returns the oldest non-duplicate file matching a
// fingerprint, excluding the given path.
func (s *Store) FindByFingerprint(ctx context.Context, fingerprint, excludePath string) (*File, error) {
	if fingerprint == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files
         WHERE fingerprint = ? AND path != ? AND status != ?
         ORDER BY created_at LIMIT 1`,
		fingerprint, excludePath, string(StatusDuplicate),
	)
	file, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by fingerprint: %w", err)
	}
	return file, nil
}

// FilesByStatus returns files matching any of the provided stored statuses,
// ordered by creation time.
func (s *Store) FilesByStatus(ctx context.Context, statuses ...Status) ([]*File, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := makePlaceholders(len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = string(status)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE status IN (`+placeholders+`) ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("files by status: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows)
}

// FilesByLibrary returns every file belonging to a library, keyed for the
// ingestion known-path set.
func (s *Store) FilesByLibrary(ctx context.Context, libraryUID string) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE library_uid = ? ORDER BY created_at`, libraryUID)
	if err != nil {
		return nil, fmt.Errorf("files by library: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows)
}

// ListFiles returns all files ordered by creation time.
func (s *Store) ListFiles(ctx context.Context) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+fileColumns+` FROM files ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows)
}

// OrderedFiles returns files carrying an explicit order, ascending.
func (s *Store) OrderedFiles(ctx context.Context) ([]*File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE display_order > 0 ORDER BY display_order`)
	if err != nil {
		return nil, fmt.Errorf("ordered files: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows)
}

// SetOrders assigns explicit order values in one transaction.
func (s *Store) SetOrders(ctx context.Context, orders map[string]int64) error {
	if len(orders) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin order tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for uid, order := range orders {
		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET display_order = ?, updated_at = ? WHERE uid = ?`, order, now, uid); err != nil {
			return fmt.Errorf("set order for %s: %w", uid, err)
		}
	}
	return tx.Commit()
}

// ResetStuckProcessing returns files left processing (e.g. after a daemon
// crash) back to unprocessed for redispatch.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = ?, node_uid = NULL, runner_uid = NULL,
            processing_started = NULL, updated_at = ?
         WHERE status = ?`,
		string(StatusUnprocessed), time.Now().UTC().Format(time.RFC3339Nano), string(StatusProcessing),
	)
	if err != nil {
		return 0, fmt.Errorf("reset stuck files: %w", err)
	}
	return res.RowsAffected()
}

// RequeueForNode resets files a node was processing back to unprocessed.
// Used when a node restarts and cannot account for its previous runners.
func (s *Store) RequeueForNode(ctx context.Context, nodeUID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = ?, node_uid = NULL, runner_uid = NULL,
            processing_started = NULL, updated_at = ?
         WHERE status = ? AND node_uid = ?`,
		string(StatusUnprocessed), time.Now().UTC().Format(time.RFC3339Nano),
		string(StatusProcessing), nodeUID,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue files for node: %w", err)
	}
	return res.RowsAffected()
}

// RetryFailed moves failed files (optionally a subset) back to unprocessed.
func (s *Store) RetryFailed(ctx context.Context, uids ...string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if len(uids) == 0 {
		res, err := s.db.ExecContext(ctx,
			`UPDATE files SET status = ?, error_message = NULL, processing_started = NULL,
                processing_ended = NULL, node_uid = NULL, runner_uid = NULL, updated_at = ?
             WHERE status = ?`,
			string(StatusUnprocessed), now, string(StatusProcessingFailed),
		)
		if err != nil {
			return 0, fmt.Errorf("retry failed files: %w", err)
		}
		return res.RowsAffected()
	}

	placeholders := makePlaceholders(len(uids))
	args := make([]any, 0, len(uids)+3)
	args = append(args, string(StatusUnprocessed), now)
	for _, uid := range uids {
		args = append(args, uid)
	}
	args = append(args, string(StatusProcessingFailed))
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = ?, error_message = NULL, processing_started = NULL,
            processing_ended = NULL, node_uid = NULL, runner_uid = NULL, updated_at = ?
         WHERE uid IN (`+placeholders+`) AND status = ?`, args...)
	if err != nil {
		return 0, fmt.Errorf("retry selected files: %w", err)
	}
	return res.RowsAffected()
}

// DeleteFiles removes files by uid.
func (s *Store) DeleteFiles(ctx context.Context, uids ...string) (int64, error) {
	if len(uids) == 0 {
		return 0, nil
	}
	placeholders := makePlaceholders(len(uids))
	args := make([]any, len(uids))
	for i, uid := range uids {
		args[i] = uid
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE uid IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete files: %w", err)
	}
	return res.RowsAffected()
}

func collectFiles(rows *sql.Rows) ([]*File, error) {
	var files []*File
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

func scanFile(scanner interface{ Scan(dest ...any) error }) (*File, error) {
	var (
		uid, libraryUID, path, relPath, statusStr string
		flowUID                                   sql.NullString
		isDirectory                               int
		fingerprint                               sql.NullString
		originalSize, finalSize                   int64
		outputPath, duplicateOf                   sql.NullString
		nodeUID, runnerUID                        sql.NullString
		order                                     int64
		holdUntilRaw, fileCreatedRaw              sql.NullString
		fileModifiedRaw, startedRaw, endedRaw     sql.NullString
		executedSteps, errorMessage               sql.NullString
		createdRaw, updatedRaw                    sql.NullString
	)

	if err := scanner.Scan(
		&uid, &libraryUID, &flowUID, &path, &relPath, &statusStr, &isDirectory,
		&fingerprint, &originalSize, &finalSize, &outputPath, &duplicateOf, &nodeUID, &runnerUID,
		&order, &holdUntilRaw, &fileCreatedRaw, &fileModifiedRaw, &startedRaw, &endedRaw,
		&executedSteps, &errorMessage, &createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}

	file := &File{
		UID:               uid,
		LibraryUID:        libraryUID,
		FlowUID:           flowUID.String,
		Path:              path,
		RelativePath:      relPath,
		Status:            Status(statusStr),
		IsDirectory:       isDirectory != 0,
		Fingerprint:       fingerprint.String,
		OriginalSize:      originalSize,
		FinalSize:         finalSize,
		OutputPath:        outputPath.String,
		DuplicateOf:       duplicateOf.String,
		NodeUID:           nodeUID.String,
		RunnerUID:         runnerUID.String,
		Order:             order,
		HoldUntil:         timePtr(holdUntilRaw),
		FileCreatedAt:     timePtr(fileCreatedRaw),
		FileModifiedAt:    timePtr(fileModifiedRaw),
		ProcessingStarted: timePtr(startedRaw),
		ProcessingEnded:   timePtr(endedRaw),
		ExecutedSteps:     executedSteps.String,
		ErrorMessage:      errorMessage.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		file.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		file.UpdatedAt = updated
	}
	return file, nil
}
