package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/podex-dev/agentcore/internal/tasks"
)

const taskColumns = `
	id, session_id, user_id, workspace_id, goal, status,
	tool_allowlist, budget, worker_id, delivery_count,
	created_at, updated_at, started_at, completed_at,
	result, error_kind, error`

// Create inserts a new task.
func (r *Repository) Create(ctx context.Context, t *tasks.Task) error {
	allow, budget, err := encodeTaskJSON(t)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.UserID, t.WorkspaceID, t.Goal, t.Status,
		allow, budget, t.WorkerID, t.DeliveryCount,
		unixNano(t.CreatedAt), unixNano(t.UpdatedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt),
		t.Result, t.ErrorKind, t.Error,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: tasks.") {
			return fmt.Errorf("task %s already exists", t.ID)
		}
		return fmt.Errorf("could not insert task: %w", err)
	}
	r.logger.Debug("task created", "task_id", t.ID)
	return nil
}

// Get retrieves a task by id.
func (r *Repository) Get(ctx context.Context, id string) (*tasks.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFound(err, tasks.ErrTaskNotFound, id)
	}
	return t, nil
}

// List returns tasks matching filter, oldest first.
func (r *Repository) List(ctx context.Context, filter tasks.ListFilter) ([]*tasks.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.WorkerID != "" {
		where = append(where, "worker_id = ?")
		args = append(args, filter.WorkerID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query tasks: %w", err)
	}
	defer rows.Close()

	var out []*tasks.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Update replaces a stored task.
func (r *Repository) Update(ctx context.Context, t *tasks.Task) error {
	allow, budget, err := encodeTaskJSON(t)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE tasks SET
			session_id = ?, user_id = ?, workspace_id = ?, goal = ?, status = ?,
			tool_allowlist = ?, budget = ?, worker_id = ?, delivery_count = ?,
			updated_at = ?, started_at = ?, completed_at = ?,
			result = ?, error_kind = ?, error = ?
		WHERE id = ?`,
		t.SessionID, t.UserID, t.WorkspaceID, t.Goal, t.Status,
		allow, budget, t.WorkerID, t.DeliveryCount,
		unixNano(t.UpdatedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt),
		t.Result, t.ErrorKind, t.Error,
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("could not update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, t.ID)
	}
	return nil
}

// AppendProgress stores rec with the next sequence number of its task.
func (r *Repository) AppendProgress(ctx context.Context, rec tasks.ProgressRecord) (tasks.ProgressRecord, error) {
	if rec.Ts.IsZero() {
		rec.Ts = time.Now()
	}
	err := r.db.QueryRowContext(ctx, `INSERT INTO task_progress
			(task_id, seq, state, description, status, error_kind, ts)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM task_progress WHERE task_id = ?), ?, ?, ?, ?, ?)
		RETURNING seq`,
		rec.TaskID, rec.TaskID, rec.State, rec.Description, rec.Status, rec.ErrorKind, unixNano(rec.Ts),
	).Scan(&rec.Seq)
	if err != nil {
		return rec, fmt.Errorf("could not append progress: %w", err)
	}
	return rec, nil
}

// ListProgress returns a task's progress records in sequence order.
func (r *Repository) ListProgress(ctx context.Context, taskID string) ([]tasks.ProgressRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT task_id, seq, state, description, status, error_kind, ts
		FROM task_progress WHERE task_id = ? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not query progress: %w", err)
	}
	defer rows.Close()

	var out []tasks.ProgressRecord
	for rows.Next() {
		var (
			rec tasks.ProgressRecord
			ts  int64
		)
		if err := rows.Scan(&rec.TaskID, &rec.Seq, &rec.State, &rec.Description, &rec.Status, &rec.ErrorKind, &ts); err != nil {
			return nil, fmt.Errorf("could not scan progress: %w", err)
		}
		rec.Ts = fromUnixNano(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveTranscript replaces the conversation transcript of a task.
func (r *Repository) SaveTranscript(ctx context.Context, taskID string, messages []*schema.Message) error {
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("could not encode transcript: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO transcripts (task_id, messages, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET messages = excluded.messages, updated_at = excluded.updated_at`,
		taskID, string(data), unixNano(time.Now()))
	if err != nil {
		return fmt.Errorf("could not save transcript: %w", err)
	}
	return nil
}

// LoadTranscript returns the stored transcript, or nil when there is none.
func (r *Repository) LoadTranscript(ctx context.Context, taskID string) ([]*schema.Message, error) {
	var data string
	err := r.db.QueryRowContext(ctx, `SELECT messages FROM transcripts WHERE task_id = ?`, taskID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not load transcript: %w", err)
	}
	var msgs []*schema.Message
	if err := json.Unmarshal([]byte(data), &msgs); err != nil {
		return nil, fmt.Errorf("could not decode transcript: %w", err)
	}
	return msgs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*tasks.Task, error) {
	var (
		t                  tasks.Task
		allow, budget      string
		created, updated   int64
		started, completed sql.NullInt64
	)
	err := s.Scan(
		&t.ID, &t.SessionID, &t.UserID, &t.WorkspaceID, &t.Goal, &t.Status,
		&allow, &budget, &t.WorkerID, &t.DeliveryCount,
		&created, &updated, &started, &completed,
		&t.Result, &t.ErrorKind, &t.Error,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(allow), &t.ToolAllowlist); err != nil {
		return nil, fmt.Errorf("decode tool allowlist: %w", err)
	}
	if err := json.Unmarshal([]byte(budget), &t.Budget); err != nil {
		return nil, fmt.Errorf("decode budget: %w", err)
	}
	t.CreatedAt = fromUnixNano(created)
	t.UpdatedAt = fromUnixNano(updated)
	t.StartedAt = timePtr(started)
	t.CompletedAt = timePtr(completed)
	return &t, nil
}

func encodeTaskJSON(t *tasks.Task) (string, string, error) {
	allow := t.ToolAllowlist
	if allow == nil {
		allow = []string{}
	}
	a, err := json.Marshal(allow)
	if err != nil {
		return "", "", fmt.Errorf("encode tool allowlist: %w", err)
	}
	b, err := json.Marshal(t.Budget)
	if err != nil {
		return "", "", fmt.Errorf("encode budget: %w", err)
	}
	return string(a), string(b), nil
}
