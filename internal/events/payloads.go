package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// TASK EVENTS
// =============================================================================

// TaskProgressPayload is emitted on every orchestrator state transition.
type TaskProgressPayload struct {
	State       string `json:"state"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Step        int    `json:"step,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
}

func (TaskProgressPayload) EventType() EventType { return EventTaskProgress }

// TaskTerminalPayload is emitted once when a task reaches its final state.
type TaskTerminalPayload struct {
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (TaskTerminalPayload) EventType() EventType { return EventTaskTerminal }

// =============================================================================
// TOOL EVENTS
// =============================================================================

type ToolStatus string

const (
	ToolStatusStarted   ToolStatus = "started"
	ToolStatusCompleted ToolStatus = "completed"
	ToolStatusFailed    ToolStatus = "failed"
	ToolStatusDeduped   ToolStatus = "deduped"
)

type ToolCallPayload struct {
	Status     ToolStatus `json:"status"`
	Name       string     `json:"name"`
	CallID     string     `json:"call_id,omitempty"`
	Target     string     `json:"target,omitempty"`
	Attempts   int        `json:"attempts,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func (ToolCallPayload) EventType() EventType { return EventToolCall }

// =============================================================================
// APPROVAL EVENTS
// =============================================================================

// ApprovalRequestPayload asks a human to approve a tool call or answer.
// The response travels back on the queue control channel.
type ApprovalRequestPayload struct {
	Token    string        `json:"token"`
	Subject  string        `json:"subject"`
	Reason   string        `json:"reason"`
	Details  string        `json:"details,omitempty"`
	Deadline time.Time     `json:"deadline"`
	Timeout  time.Duration `json:"timeout"`
}

func (ApprovalRequestPayload) EventType() EventType { return EventApprovalRequest }

// =============================================================================
// CHECKPOINT EVENTS
// =============================================================================

type CheckpointPayload struct {
	CheckpointID string `json:"checkpoint_id"`
	Changes      int    `json:"changes"`
	Invalidated  int    `json:"invalidated,omitempty"`
}

// CheckpointCreatedPayload and CheckpointRestoredPayload share a shape.
type CheckpointCreatedPayload CheckpointPayload

func (CheckpointCreatedPayload) EventType() EventType { return EventCheckpointCreated }

type CheckpointRestoredPayload CheckpointPayload

func (CheckpointRestoredPayload) EventType() EventType { return EventCheckpointRestored }

// =============================================================================
// PLAN EVENTS
// =============================================================================

type PlanPayload struct {
	Steps    []string `json:"steps"`
	Revision int      `json:"revision"`
	Reason   string   `json:"reason,omitempty"`
}

type PlanCreatedPayload PlanPayload

func (PlanCreatedPayload) EventType() EventType { return EventPlanCreated }

type PlanRevisedPayload PlanPayload

func (PlanRevisedPayload) EventType() EventType { return EventPlanRevised }

// =============================================================================
// INTERNAL EVENTS
// =============================================================================

type LLMCallPayload struct {
	Phase      string `json:"phase"`
	Provider   string `json:"provider,omitempty"`
	Messages   int    `json:"messages"`
	Tokens     int    `json:"tokens"`
	ToolCalls  int    `json:"tool_calls,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (LLMCallPayload) EventType() EventType { return EventLLMCall }

// =============================================================================
// HELPERS
// =============================================================================

// NewTaskEvent creates a typed event scoped to a task and its session.
func NewTaskEvent(source EventSource, payload EventPayload, taskID, sessionID string) Event {
	return Event{
		ID:        generateEventID(),
		TaskID:    taskID,
		SessionID: sessionID,
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// ExtractPayload decodes an event payload into its typed form.
func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	if e.Type != result.EventType() {
		return result, false
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
