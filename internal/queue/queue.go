// Package queue defines the durable task queue and the per-task control
// channel shared by the orchestrator and workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/podex-dev/agentcore/internal/tasks"
)

var (
	// ErrLeaseLost is returned when a worker no longer holds a task's lease.
	ErrLeaseLost = errors.New("lease lost")
	// ErrDuplicate is returned when enqueuing a task id that is still queued
	// or in flight.
	ErrDuplicate = errors.New("task already queued")
	// ErrClosed is returned after the queue is closed.
	ErrClosed = errors.New("queue closed")
)

// DefaultLease is the lease granted by Claim when none is configured.
const DefaultLease = 30 * time.Second

// SignalType is the kind of control message.
type SignalType string

const (
	SignalAbort            SignalType = "abort"
	SignalPause            SignalType = "pause"
	SignalResume           SignalType = "resume"
	SignalApprovalResponse SignalType = "approval_response"
)

// Signal is a control message addressed to one task.
type Signal struct {
	Type    SignalType      `json:"type"`
	TaskID  string          `json:"task_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ApprovalResponse is the payload of an approval_response signal.
type ApprovalResponse struct {
	Token    string `json:"token"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// NewApprovalSignal builds an approval_response signal.
func NewApprovalSignal(taskID string, resp ApprovalResponse) Signal {
	data, _ := json.Marshal(resp)
	return Signal{Type: SignalApprovalResponse, TaskID: taskID, Payload: data}
}

// Approval decodes the payload of an approval_response signal.
func (s Signal) Approval() (ApprovalResponse, error) {
	var resp ApprovalResponse
	if s.Type != SignalApprovalResponse {
		return resp, fmt.Errorf("signal %s carries no approval", s.Type)
	}
	if err := json.Unmarshal(s.Payload, &resp); err != nil {
		return resp, fmt.Errorf("decode approval: %w", err)
	}
	return resp, nil
}

// Delivery is a claimed task.
type Delivery struct {
	Payload       tasks.Payload
	WorkerID      string
	DeliveryCount int
	LeaseExpires  time.Time
}

// Queue delivers each task to at most one worker at a time. A task whose
// lease expires becomes claimable again with a higher delivery count.
type Queue interface {
	Enqueue(ctx context.Context, p tasks.Payload) (string, error)
	// Claim returns nil, nil when nothing is claimable.
	Claim(ctx context.Context, workerID string) (*Delivery, error)
	ExtendLease(ctx context.Context, taskID, workerID string) error
	Ack(ctx context.Context, taskID, workerID string) error
	// Release gives the task back. With requeue it becomes claimable again,
	// otherwise it is dropped.
	Release(ctx context.Context, taskID, workerID string, requeue bool) error

	PublishControl(ctx context.Context, sig Signal) error
	// SubscribeControl returns the signals for one task until cancel is
	// called or ctx ends.
	SubscribeControl(ctx context.Context, taskID string) (<-chan Signal, func(), error)
	// Aborted reports whether an abort was ever published for the task.
	Aborted(ctx context.Context, taskID string) (bool, error)

	Close() error
}

// Notifier is implemented by queues that can wake idle workers on enqueue.
type Notifier interface {
	Ready() <-chan struct{}
}

// Lease returns the configured lease or DefaultLease.
func Lease(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultLease
	}
	return d
}

// EncodePayload validates and serializes a payload for the wire.
func EncodePayload(p tasks.Payload) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}
