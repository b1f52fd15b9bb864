package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/podex-dev/agentcore/internal/checkpoint"
)

const checkpointColumns = `id, task_id, session_id, seq, created_at, invalidated, restored_at, changes`

// CreateCheckpoint inserts a checkpoint.
func (r *Repository) CreateCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	changes, err := encodeChanges(cp.Changes)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO checkpoints (`+checkpointColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.TaskID, cp.SessionID, cp.Seq, unixNano(cp.CreatedAt), cp.Invalidated, nullTime(cp.RestoredAt), changes)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: checkpoints.") {
			return fmt.Errorf("checkpoint %s already exists", cp.ID)
		}
		return fmt.Errorf("could not insert checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint retrieves a checkpoint by id.
func (r *Repository) GetCheckpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if err != nil {
		return nil, notFound(err, checkpoint.ErrNotFound, id)
	}
	return cp, nil
}

// ListCheckpoints returns a session's checkpoints ordered by sequence.
func (r *Repository) ListCheckpoints(ctx context.Context, sessionID string) ([]*checkpoint.Checkpoint, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints
		WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("could not query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*checkpoint.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// UpdateCheckpoint replaces a stored checkpoint.
func (r *Repository) UpdateCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) error {
	changes, err := encodeChanges(cp.Changes)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE checkpoints
		SET invalidated = ?, restored_at = ?, changes = ?
		WHERE id = ?`, cp.Invalidated, nullTime(cp.RestoredAt), changes, cp.ID)
	if err != nil {
		return fmt.Errorf("could not update checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", checkpoint.ErrNotFound, cp.ID)
	}
	return nil
}

// DeleteCheckpoint removes a checkpoint. Missing ids are ignored.
func (r *Repository) DeleteCheckpoint(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, id); err != nil {
		return fmt.Errorf("could not delete checkpoint: %w", err)
	}
	return nil
}

func scanCheckpoint(s scanner) (*checkpoint.Checkpoint, error) {
	var (
		cp       checkpoint.Checkpoint
		created  int64
		restored sql.NullInt64
		changes  string
	)
	if err := s.Scan(&cp.ID, &cp.TaskID, &cp.SessionID, &cp.Seq, &created, &cp.Invalidated, &restored, &changes); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(changes), &cp.Changes); err != nil {
		return nil, fmt.Errorf("decode changes: %w", err)
	}
	cp.CreatedAt = fromUnixNano(created)
	cp.RestoredAt = timePtr(restored)
	return &cp, nil
}

func encodeChanges(changes []checkpoint.FileChange) (string, error) {
	if changes == nil {
		changes = []checkpoint.FileChange{}
	}
	data, err := json.Marshal(changes)
	if err != nil {
		return "", fmt.Errorf("encode changes: %w", err)
	}
	return string(data), nil
}
