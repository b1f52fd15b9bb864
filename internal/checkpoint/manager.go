package checkpoint

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/podex-dev/agentcore/internal/events"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store Store
	Blobs Blobs
	Bus   *events.Bus // optional
	Now   func() time.Time
}

func (c *ManagerConfig) defaults() error {
	if c.Store == nil {
		return errors.New("checkpoint: store is required")
	}
	if c.Blobs == nil {
		return errors.New("checkpoint: blob store is required")
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Manager creates, records and restores checkpoints.
type Manager struct {
	store Store
	blobs Blobs
	bus   *events.Bus
	now   func() time.Time
}

// NewManager returns a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	return &Manager{store: cfg.Store, blobs: cfg.Blobs, bus: cfg.Bus, now: cfg.Now}, nil
}

// Begin opens a new checkpoint on top of the session's stack.
func (m *Manager) Begin(ctx context.Context, taskID, sessionID string) (string, error) {
	existing, err := m.store.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("list checkpoints: %w", err)
	}
	seq := 1
	if n := len(existing); n > 0 {
		seq = existing[n-1].Seq + 1
	}

	now := m.now()
	cp := &Checkpoint{
		ID:        ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		TaskID:    taskID,
		SessionID: sessionID,
		Seq:       seq,
		CreatedAt: now,
		Changes:   []FileChange{},
	}
	if err := m.store.CreateCheckpoint(ctx, cp); err != nil {
		return "", fmt.Errorf("create checkpoint: %w", err)
	}

	slog.Debug("checkpoint begun", "checkpoint_id", cp.ID, "task_id", taskID, "seq", seq)
	m.publish(cp, events.CheckpointCreatedPayload{CheckpointID: cp.ID})
	return cp.ID, nil
}

// RecordChange appends a change whose refs are already known.
func (m *Manager) RecordChange(ctx context.Context, id string, change FileChange) error {
	cp, err := m.store.GetCheckpoint(ctx, id)
	if err != nil {
		return err
	}
	if cp.Invalidated {
		return fmt.Errorf("%w: %s", ErrInvalidated, id)
	}
	cp.Changes = append(cp.Changes, change)
	if err := m.store.UpdateCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("record change: %w", err)
	}
	return nil
}

// Capture reads the current state of the files a change will touch, stores
// it, and records the change. A modify on a missing file is recorded as a
// create. A rename also keeps whatever its destination held.
func (m *Manager) Capture(ctx context.Context, id string, fsys FileSystem, change FileChange) (FileChange, error) {
	data, exists, err := readOptional(ctx, fsys, change.Path)
	if err != nil {
		return change, fmt.Errorf("capture %s: %w", change.Path, err)
	}

	switch {
	case !exists && change.Op == OpModify:
		change.Op = OpCreate
	case !exists && (change.Op == OpDelete || change.Op == OpRename):
		// Nothing to protect; the tool itself will fail.
		return change, nil
	}

	if exists {
		if change.BeforeRef, err = m.blobs.Put(ctx, data); err != nil {
			return change, fmt.Errorf("store before-state: %w", err)
		}
	}

	if change.Op == OpRename && change.NewPath != "" && change.NewPath != change.Path {
		dest, exists, err := readOptional(ctx, fsys, change.NewPath)
		if err != nil {
			return change, fmt.Errorf("capture %s: %w", change.NewPath, err)
		}
		if exists {
			if change.DestRef, err = m.blobs.Put(ctx, dest); err != nil {
				return change, fmt.Errorf("store destination state: %w", err)
			}
		}
	}

	if err := m.RecordChange(ctx, id, change); err != nil {
		return change, err
	}
	return change, nil
}

// RecordReported records a change observed after a tool ran, with the
// before-state the tool reported. before is ignored for creates.
func (m *Manager) RecordReported(ctx context.Context, id string, change FileChange, before []byte) error {
	if change.Op != OpCreate {
		if before == nil {
			return fmt.Errorf("no before-state reported for %s", change.Path)
		}
		ref, err := m.blobs.Put(ctx, before)
		if err != nil {
			return fmt.Errorf("store before-state: %w", err)
		}
		change.BeforeRef = ref
	}
	return m.RecordChange(ctx, id, change)
}

// RecordAfter stores the after-state of every change that has none yet.
func (m *Manager) RecordAfter(ctx context.Context, id string, fsys FileSystem) error {
	cp, err := m.store.GetCheckpoint(ctx, id)
	if err != nil {
		return err
	}
	changed := false
	for i := range cp.Changes {
		c := &cp.Changes[i]
		if c.AfterRef != "" || c.Op == OpDelete {
			continue
		}
		target := c.Path
		if c.Op == OpRename {
			target = c.NewPath
		}
		data, exists, err := readOptional(ctx, fsys, target)
		if err != nil {
			return fmt.Errorf("read after-state %s: %w", target, err)
		}
		if !exists {
			continue
		}
		ref, err := m.blobs.Put(ctx, data)
		if err != nil {
			return fmt.Errorf("store after-state: %w", err)
		}
		c.AfterRef = ref
		changed = true
	}
	if !changed {
		return nil
	}
	return m.store.UpdateCheckpoint(ctx, cp)
}

// Restore reverts the workspace to the state before checkpoint id.
func (m *Manager) Restore(ctx context.Context, id string, fsys FileSystem) error {
	target, err := m.store.GetCheckpoint(ctx, id)
	if err != nil {
		return err
	}
	if target.Invalidated {
		return fmt.Errorf("%w: %s", ErrInvalidated, id)
	}

	stack, err := m.store.ListCheckpoints(ctx, target.SessionID)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}

	invalidated := 0
	for i := len(stack) - 1; i >= 0; i-- {
		cp := stack[i]
		if cp.Seq < target.Seq {
			break
		}
		if cp.Invalidated {
			continue
		}
		if err := m.revert(ctx, cp, fsys); err != nil {
			return fmt.Errorf("revert checkpoint %s: %w", cp.ID, err)
		}
		now := m.now()
		if cp.Seq > target.Seq {
			cp.Invalidated = true
			invalidated++
		}
		cp.RestoredAt = &now
		if err := m.store.UpdateCheckpoint(ctx, cp); err != nil {
			return fmt.Errorf("update checkpoint %s: %w", cp.ID, err)
		}
	}

	slog.Info("checkpoint restored",
		"checkpoint_id", id,
		"session_id", target.SessionID,
		"changes", len(target.Changes),
		"invalidated", invalidated,
	)
	m.publish(target, events.CheckpointRestoredPayload{
		CheckpointID: id,
		Changes:      len(target.Changes),
		Invalidated:  invalidated,
	})
	return nil
}

// revert sets every file of cp back to its before-state, newest change first.
func (m *Manager) revert(ctx context.Context, cp *Checkpoint, fsys FileSystem) error {
	for i := len(cp.Changes) - 1; i >= 0; i-- {
		c := cp.Changes[i]
		switch c.Op {
		case OpCreate:
			if err := fsys.Remove(ctx, c.Path); err != nil {
				return fmt.Errorf("remove %s: %w", c.Path, err)
			}
		case OpModify, OpDelete:
			if err := m.writeBefore(ctx, fsys, c.Path, c.BeforeRef); err != nil {
				return err
			}
		case OpRename:
			if err := m.writeBefore(ctx, fsys, c.Path, c.BeforeRef); err != nil {
				return err
			}
			if c.NewPath == "" || c.NewPath == c.Path {
				continue
			}
			if c.DestRef != "" {
				if err := m.writeBefore(ctx, fsys, c.NewPath, c.DestRef); err != nil {
					return err
				}
			} else if err := fsys.Remove(ctx, c.NewPath); err != nil {
				return fmt.Errorf("remove %s: %w", c.NewPath, err)
			}
		default:
			return fmt.Errorf("unknown change op %q", c.Op)
		}
	}
	return nil
}

func (m *Manager) writeBefore(ctx context.Context, fsys FileSystem, path, ref string) error {
	if ref == "" {
		return fmt.Errorf("no before-state recorded for %s", path)
	}
	data, err := m.blobs.Get(ctx, ref)
	if err != nil {
		return fmt.Errorf("load before-state of %s: %w", path, err)
	}
	if err := fsys.WriteFile(ctx, path, data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Get returns one checkpoint.
func (m *Manager) Get(ctx context.Context, id string) (*Checkpoint, error) {
	return m.store.GetCheckpoint(ctx, id)
}

// List returns the session's checkpoints, oldest first.
func (m *Manager) List(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	return m.store.ListCheckpoints(ctx, sessionID)
}

// Prune deletes all but the newest keep checkpoints of a session. Blobs are
// content-addressed and may be shared, so they are left in place.
func (m *Manager) Prune(ctx context.Context, sessionID string, keep int) (int, error) {
	stack, err := m.store.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	removed := 0
	for i := 0; i < len(stack)-keep; i++ {
		if err := m.store.DeleteCheckpoint(ctx, stack[i].ID); err != nil {
			return removed, fmt.Errorf("delete checkpoint %s: %w", stack[i].ID, err)
		}
		removed++
	}
	return removed, nil
}

func (m *Manager) publish(cp *Checkpoint, payload events.EventPayload) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.NewTaskEvent(events.SourceCheckpoint, payload, cp.TaskID, cp.SessionID))
}

func readOptional(ctx context.Context, fsys FileSystem, path string) ([]byte, bool, error) {
	data, err := fsys.ReadFile(ctx, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}
