package tasks

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

// ListFilter defines criteria for filtering task lists.
type ListFilter struct {
	Status    Status `json:"status,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	WorkerID  string `json:"worker_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Store defines the persistence interface for tasks, their progress records
// and their conversation transcripts.
type Store interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, filter ListFilter) ([]*Task, error)
	Update(ctx context.Context, t *Task) error

	AppendProgress(ctx context.Context, rec ProgressRecord) (ProgressRecord, error)
	ListProgress(ctx context.Context, taskID string) ([]ProgressRecord, error)

	SaveTranscript(ctx context.Context, taskID string, messages []*schema.Message) error
	LoadTranscript(ctx context.Context, taskID string) ([]*schema.Message, error)
}
