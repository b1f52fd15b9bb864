// Package memory implements every store interface in process memory. It
// backs tests and single-process runs without a database.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/podex-dev/agentcore/internal/checkpoint"
	"github.com/podex-dev/agentcore/internal/planner"
	"github.com/podex-dev/agentcore/internal/tasks"
	"github.com/podex-dev/agentcore/internal/tools"
)

// Store keeps tasks, progress, transcripts, plans, checkpoints and tool
// invocations. Values are copied on the way in and out.
type Store struct {
	mu          sync.RWMutex
	tasks       map[string]*tasks.Task
	progress    map[string][]tasks.ProgressRecord
	transcripts map[string][]*schema.Message
	plans       map[string]*planner.ExecutionPlan
	checkpoints map[string]*checkpoint.Checkpoint
	invocations map[string]*tools.Invocation
}

// New creates an empty store.
func New() *Store {
	return &Store{
		tasks:       make(map[string]*tasks.Task),
		progress:    make(map[string][]tasks.ProgressRecord),
		transcripts: make(map[string][]*schema.Message),
		plans:       make(map[string]*planner.ExecutionPlan),
		checkpoints: make(map[string]*checkpoint.Checkpoint),
		invocations: make(map[string]*tools.Invocation),
	}
}

var (
	_ tasks.Store           = (*Store)(nil)
	_ checkpoint.Store      = (*Store)(nil)
	_ planner.Store         = (*Store)(nil)
	_ tools.InvocationStore = (*Store)(nil)
)

// --- tasks ---

func (s *Store) Create(_ context.Context, t *tasks.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("task %s already exists", t.ID)
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*tasks.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, id)
	}
	return cloneTask(t), nil
}

func (s *Store) List(_ context.Context, filter tasks.ListFilter) ([]*tasks.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*tasks.Task
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.SessionID != "" && t.SessionID != filter.SessionID {
			continue
		}
		if filter.WorkerID != "" && t.WorkerID != filter.WorkerID {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) Update(_ context.Context, t *tasks.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return fmt.Errorf("%w: %s", tasks.ErrTaskNotFound, t.ID)
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *Store) AppendProgress(_ context.Context, rec tasks.ProgressRecord) (tasks.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Seq = len(s.progress[rec.TaskID]) + 1
	if rec.Ts.IsZero() {
		rec.Ts = time.Now()
	}
	s.progress[rec.TaskID] = append(s.progress[rec.TaskID], rec)
	return rec, nil
}

func (s *Store) ListProgress(_ context.Context, taskID string) ([]tasks.ProgressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.progress[taskID]), nil
}

func (s *Store) SaveTranscript(_ context.Context, taskID string, messages []*schema.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts[taskID] = cloneMessages(messages)
	return nil
}

func (s *Store) LoadTranscript(_ context.Context, taskID string) ([]*schema.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.transcripts[taskID]), nil
}

// --- plans ---

func (s *Store) SavePlan(_ context.Context, plan *planner.ExecutionPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.TaskID] = plan.Clone()
	return nil
}

func (s *Store) LoadPlan(_ context.Context, taskID string) (*planner.ExecutionPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.plans[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", planner.ErrPlanNotFound, taskID)
	}
	return p.Clone(), nil
}

// --- checkpoints ---

func (s *Store) CreateCheckpoint(_ context.Context, cp *checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.checkpoints[cp.ID]; exists {
		return fmt.Errorf("checkpoint %s already exists", cp.ID)
	}
	s.checkpoints[cp.ID] = cloneCheckpoint(cp)
	return nil
}

func (s *Store) GetCheckpoint(_ context.Context, id string) (*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", checkpoint.ErrNotFound, id)
	}
	return cloneCheckpoint(cp), nil
}

func (s *Store) ListCheckpoints(_ context.Context, sessionID string) ([]*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*checkpoint.Checkpoint
	for _, cp := range s.checkpoints {
		if cp.SessionID == sessionID {
			out = append(out, cloneCheckpoint(cp))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) UpdateCheckpoint(_ context.Context, cp *checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[cp.ID]; !ok {
		return fmt.Errorf("%w: %s", checkpoint.ErrNotFound, cp.ID)
	}
	s.checkpoints[cp.ID] = cloneCheckpoint(cp)
	return nil
}

func (s *Store) DeleteCheckpoint(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, id)
	return nil
}

// --- tool invocations ---

func (s *Store) GetInvocation(_ context.Context, key string) (*tools.Invocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invocations[key]
	if !ok {
		return nil, tools.ErrInvocationNotFound
	}
	cp := *inv
	return &cp, nil
}

// SaveInvocation records inv under its key. A successful record is never
// replaced.
func (s *Store) SaveInvocation(_ context.Context, inv *tools.Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.invocations[inv.Key]; ok && prev.Success {
		return nil
	}
	cp := *inv
	s.invocations[inv.Key] = &cp
	return nil
}

func cloneTask(t *tasks.Task) *tasks.Task {
	cp := *t
	cp.ToolAllowlist = slices.Clone(t.ToolAllowlist)
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}

func cloneCheckpoint(c *checkpoint.Checkpoint) *checkpoint.Checkpoint {
	cp := *c
	cp.Changes = slices.Clone(c.Changes)
	if c.RestoredAt != nil {
		v := *c.RestoredAt
		cp.RestoredAt = &v
	}
	return &cp
}

func cloneMessages(msgs []*schema.Message) []*schema.Message {
	if msgs == nil {
		return nil
	}
	out := make([]*schema.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		cp.ToolCalls = slices.Clone(m.ToolCalls)
		out[i] = &cp
	}
	return out
}
