package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const nodeColumns = `uid, name, address, enabled, schedule, capability_mode, capability_libraries,
    max_file_size_mb, runner_slots, version, last_seen, created_at, updated_at`

// UpsertNode inserts or updates a node. Node names are unique, and the
// reserved internal node name may only ever belong to one row.
func (s *Store) UpsertNode(ctx context.Context, node *Node) (*Node, error) {
	if node == nil {
		return nil, errors.New("node is nil")
	}
	if node.Name == "" {
		return nil, errors.New("node name is required")
	}

	existing, err := s.NodeByName(ctx, node.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.UID != node.UID {
		if node.UID == "" {
			// Adopt the existing row rather than violating name uniqueness.
			node.UID = existing.UID
			node.CreatedAt = existing.CreatedAt
		} else {
			return nil, fmt.Errorf("node %q: %w", node.Name, ErrNameTaken)
		}
	}

	capabilities, err := encodeCapabilities(node.CapabilityLibraries)
	if err != nil {
		return nil, err
	}
	if node.CapabilityMode == "" {
		node.CapabilityMode = CapabilityAll
	}
	if node.RunnerSlots <= 0 {
		node.RunnerSlots = 1
	}

	now := time.Now().UTC()
	node.UpdatedAt = now
	if node.UID == "" {
		node.UID = uuid.NewString()
		node.CreatedAt = now
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO nodes (`+nodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			node.UID, node.Name, nullableString(node.Address), boolToInt(node.Enabled),
			nullableString(node.Schedule), string(node.CapabilityMode), capabilities,
			node.MaxFileSizeMB, node.RunnerSlots, nullableString(node.Version),
			nullableTime(node.LastSeen),
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return nil, fmt.Errorf("insert node: %w", err)
		}
		return s.GetNode(ctx, node.UID)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE nodes SET name = ?, address = ?, enabled = ?, schedule = ?, capability_mode = ?,
            capability_libraries = ?, max_file_size_mb = ?, runner_slots = ?, version = ?,
            last_seen = ?, updated_at = ?
         WHERE uid = ?`,
		node.Name, nullableString(node.Address), boolToInt(node.Enabled),
		nullableString(node.Schedule), string(node.CapabilityMode), capabilities,
		node.MaxFileSizeMB, node.RunnerSlots, nullableString(node.Version),
		nullableTime(node.LastSeen), now.Format(time.RFC3339Nano), node.UID,
	)
	if err != nil {
		return nil, fmt.Errorf("update node: %w", err)
	}
	return s.GetNode(ctx, node.UID)
}

// GetNode fetches a node by uid.
func (s *Store) GetNode(ctx context.Context, uid string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE uid = ?`, uid)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return node, nil
}

// NodeByName fetches a node by its unique name.
func (s *Store) NodeByName(ctx context.Context, name string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE name = ?`, name)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("node by name: %w", err)
	}
	return node, nil
}

// ListNodes returns all nodes ordered by name.
func (s *Store) ListNodes(ctx context.Context) ([]*Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+nodeColumns+` FROM nodes ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// DeleteNode removes a node registration.
func (s *Store) DeleteNode(ctx context.Context, uid string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE uid = ?`, uid)
	if err != nil {
		return false, fmt.Errorf("delete node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// TouchNodeSeen stamps a node's last-seen time and reported version.
func (s *Store) TouchNodeSeen(ctx context.Context, uid, version string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET last_seen = ?, version = ?, updated_at = ? WHERE uid = ?`,
		at.UTC().Format(time.RFC3339Nano), nullableString(version),
		time.Now().UTC().Format(time.RFC3339Nano), uid,
	)
	if err != nil {
		return fmt.Errorf("touch node seen: %w", err)
	}
	return nil
}

func encodeCapabilities(libraries []string) (any, error) {
	if len(libraries) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(libraries)
	if err != nil {
		return nil, fmt.Errorf("encode capability libraries: %w", err)
	}
	return string(data), nil
}

func scanNode(scanner interface{ Scan(dest ...any) error }) (*Node, error) {
	var (
		uid, name                 string
		address                   sql.NullString
		enabled                   int
		scheduleRaw, capMode      sql.NullString
		capLibraries              sql.NullString
		maxFileSizeMB             int64
		runnerSlots               int
		version, lastSeenRaw      sql.NullString
		createdRaw, updatedRaw    sql.NullString
	)

	if err := scanner.Scan(
		&uid, &name, &address, &enabled, &scheduleRaw, &capMode, &capLibraries,
		&maxFileSizeMB, &runnerSlots, &version, &lastSeenRaw, &createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}

	node := &Node{
		UID:            uid,
		Name:           name,
		Address:        address.String,
		Enabled:        enabled != 0,
		Schedule:       scheduleRaw.String,
		CapabilityMode: CapabilityMode(capMode.String),
		MaxFileSizeMB:  maxFileSizeMB,
		RunnerSlots:    runnerSlots,
		Version:        version.String,
		LastSeen:       timePtr(lastSeenRaw),
	}
	if node.CapabilityMode == "" {
		node.CapabilityMode = CapabilityAll
	}
	if capLibraries.Valid && capLibraries.String != "" {
		if err := json.Unmarshal([]byte(capLibraries.String), &node.CapabilityLibraries); err != nil {
			return nil, fmt.Errorf("decode capability libraries: %w", err)
		}
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		node.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		node.UpdatedAt = updated
	}
	return node, nil
}
