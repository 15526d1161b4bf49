package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"conveyor/internal/detection"
)

// ErrNameTaken indicates another record already owns the requested name.
var ErrNameTaken = errors.New("name already in use")

const libraryColumns = `uid, name, path, enabled, mode, flow_uid, include_filter, exclude_filter,
    exclude_hidden, fingerprinting, reprocess_recreated, update_moved, folders, skip_access_check,
    wait_time_seconds, hold_minutes, priority, schedule, scan_interval, last_scanned,
    detect_creation_kind, detect_creation_low, detect_creation_high,
    detect_write_kind, detect_write_low, detect_write_high,
    detect_size_kind, detect_size_low, detect_size_high,
    created_at, updated_at`

// UpsertLibrary inserts or updates a library. A new library gets a generated
// uid. Names are unique across libraries.
func (s *Store) UpsertLibrary(ctx context.Context, lib *Library) (*Library, error) {
	if lib == nil {
		return nil, errors.New("library is nil")
	}
	if lib.Name == "" {
		return nil, errors.New("library name is required")
	}
	if lib.Path == "" {
		return nil, errors.New("library path is required")
	}

	existing, err := s.LibraryByName(ctx, lib.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.UID != lib.UID {
		return nil, fmt.Errorf("library %q: %w", lib.Name, ErrNameTaken)
	}

	now := time.Now().UTC()
	lib.UpdatedAt = now
	if lib.UID == "" {
		lib.UID = uuid.NewString()
		lib.CreatedAt = now
		if lib.Mode == "" {
			lib.Mode = ModeScan
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO libraries (`+libraryColumns+`) VALUES
            (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			lib.UID, lib.Name, lib.Path, boolToInt(lib.Enabled), string(lib.Mode),
			nullableString(lib.FlowUID), nullableString(lib.IncludeFilter), nullableString(lib.ExcludeFilter),
			boolToInt(lib.ExcludeHidden), boolToInt(lib.Fingerprinting), boolToInt(lib.ReprocessRecreated),
			boolToInt(lib.UpdateMoved), boolToInt(lib.Folders), boolToInt(lib.SkipAccessCheck),
			lib.WaitTimeSeconds, lib.HoldMinutes, lib.Priority, nullableString(lib.Schedule),
			lib.ScanInterval, nullableTime(lib.LastScanned),
			string(lib.DetectCreation.Kind), lib.DetectCreation.Low, lib.DetectCreation.High,
			string(lib.DetectWrite.Kind), lib.DetectWrite.Low, lib.DetectWrite.High,
			string(lib.DetectSize.Kind), lib.DetectSize.Low, lib.DetectSize.High,
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return nil, fmt.Errorf("insert library: %w", err)
		}
		return s.GetLibrary(ctx, lib.UID)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE libraries SET name = ?, path = ?, enabled = ?, mode = ?, flow_uid = ?,
            include_filter = ?, exclude_filter = ?, exclude_hidden = ?, fingerprinting = ?,
            reprocess_recreated = ?, update_moved = ?, folders = ?, skip_access_check = ?,
            wait_time_seconds = ?, hold_minutes = ?, priority = ?, schedule = ?, scan_interval = ?,
            last_scanned = ?,
            detect_creation_kind = ?, detect_creation_low = ?, detect_creation_high = ?,
            detect_write_kind = ?, detect_write_low = ?, detect_write_high = ?,
            detect_size_kind = ?, detect_size_low = ?, detect_size_high = ?,
            updated_at = ?
         WHERE uid = ?`,
		lib.Name, lib.Path, boolToInt(lib.Enabled), string(lib.Mode), nullableString(lib.FlowUID),
		nullableString(lib.IncludeFilter), nullableString(lib.ExcludeFilter), boolToInt(lib.ExcludeHidden),
		boolToInt(lib.Fingerprinting), boolToInt(lib.ReprocessRecreated), boolToInt(lib.UpdateMoved),
		boolToInt(lib.Folders), boolToInt(lib.SkipAccessCheck),
		lib.WaitTimeSeconds, lib.HoldMinutes, lib.Priority, nullableString(lib.Schedule), lib.ScanInterval,
		nullableTime(lib.LastScanned),
		string(lib.DetectCreation.Kind), lib.DetectCreation.Low, lib.DetectCreation.High,
		string(lib.DetectWrite.Kind), lib.DetectWrite.Low, lib.DetectWrite.High,
		string(lib.DetectSize.Kind), lib.DetectSize.Low, lib.DetectSize.High,
		now.Format(time.RFC3339Nano), lib.UID,
	)
	if err != nil {
		return nil, fmt.Errorf("update library: %w", err)
	}
	return s.GetLibrary(ctx, lib.UID)
}

// GetLibrary fetches a library by uid.
func (s *Store) GetLibrary(ctx context.Context, uid string) (*Library, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+libraryColumns+` FROM libraries WHERE uid = ?`, uid)
	lib, err := scanLibrary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get library: %w", err)
	}
	return lib, nil
}

// LibraryByName fetches a library by its unique name.
func (s *Store) LibraryByName(ctx context.Context, name string) (*Library, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+libraryColumns+` FROM libraries WHERE name = ?`, name)
	lib, err := scanLibrary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("library by name: %w", err)
	}
	return lib, nil
}

// ListLibraries returns all libraries ordered by name.
func (s *Store) ListLibraries(ctx context.Context) ([]*Library, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+libraryColumns+` FROM libraries ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list libraries: %w", err)
	}
	defer rows.Close()

	var libraries []*Library
	for rows.Next() {
		lib, err := scanLibrary(rows)
		if err != nil {
			return nil, err
		}
		libraries = append(libraries, lib)
	}
	return libraries, rows.Err()
}

// DeleteLibrary removes a library; its files cascade with it.
func (s *Store) DeleteLibrary(ctx context.Context, uid string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM libraries WHERE uid = ?`, uid)
	if err != nil {
		return false, fmt.Errorf("delete library: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// TouchLibraryScanned stamps the library's last full-scan time.
func (s *Store) TouchLibraryScanned(ctx context.Context, uid string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE libraries SET last_scanned = ?, updated_at = ? WHERE uid = ?`,
		at.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano), uid,
	)
	if err != nil {
		return fmt.Errorf("touch library scanned: %w", err)
	}
	return nil
}

func scanLibrary(scanner interface{ Scan(dest ...any) error }) (*Library, error) {
	var (
		uid, name, path                  string
		enabled                          int
		mode                             string
		flowUID, includeF, excludeF      sql.NullString
		excludeHidden, fingerprinting    int
		reprocessRecreated, updateMoved  int
		folders, skipAccessCheck         int
		waitTimeSeconds, holdMinutes     int
		priority, scanInterval           int
		scheduleRaw, lastScannedRaw      sql.NullString
		createKind, writeKind, sizeKind  sql.NullString
		createLow, createHigh            int64
		writeLow, writeHigh              int64
		sizeLow, sizeHigh                int64
		createdRaw, updatedRaw           sql.NullString
	)

	if err := scanner.Scan(
		&uid, &name, &path, &enabled, &mode, &flowUID, &includeF, &excludeF,
		&excludeHidden, &fingerprinting, &reprocessRecreated, &updateMoved, &folders, &skipAccessCheck,
		&waitTimeSeconds, &holdMinutes, &priority, &scheduleRaw, &scanInterval, &lastScannedRaw,
		&createKind, &createLow, &createHigh,
		&writeKind, &writeLow, &writeHigh,
		&sizeKind, &sizeLow, &sizeHigh,
		&createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}

	lib := &Library{
		UID:                uid,
		Name:               name,
		Path:               path,
		Enabled:            enabled != 0,
		Mode:               LibraryMode(mode),
		FlowUID:            flowUID.String,
		IncludeFilter:      includeF.String,
		ExcludeFilter:      excludeF.String,
		ExcludeHidden:      excludeHidden != 0,
		Fingerprinting:     fingerprinting != 0,
		ReprocessRecreated: reprocessRecreated != 0,
		UpdateMoved:        updateMoved != 0,
		Folders:            folders != 0,
		SkipAccessCheck:    skipAccessCheck != 0,
		WaitTimeSeconds:    waitTimeSeconds,
		HoldMinutes:        holdMinutes,
		Priority:           priority,
		Schedule:           scheduleRaw.String,
		ScanInterval:       scanInterval,
		LastScanned:        timePtr(lastScannedRaw),
		DetectCreation:     detection.Range{Kind: detection.ParseKind(createKind.String), Low: createLow, High: createHigh},
		DetectWrite:        detection.Range{Kind: detection.ParseKind(writeKind.String), Low: writeLow, High: writeHigh},
		DetectSize:         detection.Range{Kind: detection.ParseKind(sizeKind.String), Low: sizeLow, High: sizeHigh},
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		lib.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		lib.UpdatedAt = updated
	}
	return lib, nil
}
