// Package checkpoint snapshots file state before agent-initiated changes and
// restores it on rejection or rollback.
//
// Checkpoints form a stack per session. Restoring checkpoint N reverts every
// still-valid checkpoint from the latest down to N, then marks N+1..latest
// invalidated. Reverting sets files to their recorded before-state rather
// than applying inverse edits, so a second restore is a no-op.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("checkpoint not found")
	ErrInvalidated = errors.New("checkpoint invalidated by an earlier restore")
)

// Op is the kind of file change recorded in a checkpoint.
type Op string

const (
	OpCreate Op = "create"
	OpModify Op = "modify"
	OpDelete Op = "delete"
	// OpRename moves Path to NewPath.
	OpRename Op = "rename"
)

// FileChange is one file affected by a write-class tool call. For a rename,
// DestRef holds the content NewPath had before it was overwritten.
type FileChange struct {
	Path      string `json:"path"`
	NewPath   string `json:"new_path,omitempty"`
	Op        Op     `json:"op"`
	BeforeRef string `json:"before_ref,omitempty"`
	DestRef   string `json:"dest_ref,omitempty"`
	AfterRef  string `json:"after_ref,omitempty"`
	Tool      string `json:"tool,omitempty"`
}

// Checkpoint is a restorable snapshot taken before a write-class tool runs.
type Checkpoint struct {
	ID          string       `json:"id"`
	TaskID      string       `json:"task_id"`
	SessionID   string       `json:"session_id"`
	Seq         int          `json:"seq"`
	CreatedAt   time.Time    `json:"created_at"`
	Invalidated bool         `json:"invalidated"`
	RestoredAt  *time.Time   `json:"restored_at,omitempty"`
	Changes     []FileChange `json:"changes"`
}

// Store persists checkpoints. List returns a session's checkpoints ordered
// by Seq.
type Store interface {
	CreateCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error)
	UpdateCheckpoint(ctx context.Context, cp *Checkpoint) error
	DeleteCheckpoint(ctx context.Context, id string) error
}

// Blobs keeps file contents referenced by FileChange refs.
type Blobs interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// FileSystem is the workspace view checkpoints read from and restore into.
// ReadFile must return an error matching fs.ErrNotExist for missing files
// and Remove must succeed for missing files.
type FileSystem interface {
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	Remove(ctx context.Context, path string) error
}
