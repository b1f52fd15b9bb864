package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/podex-dev/agentcore/internal/events"
	"github.com/podex-dev/agentcore/internal/fault"
	"github.com/podex-dev/agentcore/internal/progress"
	"github.com/podex-dev/agentcore/internal/queue"
	"github.com/podex-dev/agentcore/internal/tasks"
)

// boundary handles the control signals received since the last boundary.
// It returns errAborted on abort and blocks while the task is paused. The
// persisted abort flag is checked too, since a full control channel drops
// signals.
func (r *run) boundary(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case sig, ok := <-r.signals:
			if !ok {
				r.signals = nil
				return nil
			}
			switch sig.Type {
			case queue.SignalAbort:
				return errAborted
			case queue.SignalPause:
				if err := r.pause(ctx); err != nil {
					return err
				}
			default:
				r.log.Debug("control signal ignored", "type", sig.Type, "state", r.state)
			}
		default:
			return r.checkAborted(ctx)
		}
	}
}

func (r *run) checkAborted(ctx context.Context) error {
	aborted, err := r.o.cfg.Queue.Aborted(ctx, r.task.ID)
	switch {
	case err != nil:
		r.log.Warn("read abort flag failed", "error", err)
		return nil
	case aborted:
		return errAborted
	}
	return nil
}

// pause parks the task until resume or abort.
func (r *run) pause(ctx context.Context) error {
	resumeTo := r.state
	if err := r.setStatus(ctx, tasks.StatusPaused); err != nil {
		return err
	}
	r.enter(ctx, StatePaused, "task paused")
	r.log.Info("task paused", "state", resumeTo)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-r.signals:
			if !ok {
				// Without a control channel nothing can resume the task.
				<-ctx.Done()
				return ctx.Err()
			}
			switch sig.Type {
			case queue.SignalAbort:
				return errAborted
			case queue.SignalResume:
				if err := r.setStatus(ctx, tasks.StatusRunning); err != nil {
					return err
				}
				r.enter(ctx, resumeTo, "task resumed")
				r.log.Info("task resumed", "state", resumeTo)
				return nil
			}
		}
	}
}

type approvalRequest struct {
	subject string
	reason  string
	details string
}

// awaitApproval publishes an approval request and waits for the matching
// response. Running out of time fails the task with approval_timeout.
func (r *run) awaitApproval(ctx context.Context, req approvalRequest) (queue.ApprovalResponse, error) {
	cfg := r.o.cfg
	token := uuid.New().String()
	timeout := cfg.ApprovalTimeout
	resumeTo := r.state

	r.enter(ctx, StateAwaitingApproval, fmt.Sprintf("waiting for approval of %s: %s", req.subject, req.reason))
	if cfg.Bus != nil {
		cfg.Bus.Publish(events.NewTaskEvent(events.SourceOrchestrator, events.ApprovalRequestPayload{
			Token:    token,
			Subject:  req.subject,
			Reason:   req.reason,
			Details:  req.details,
			Deadline: time.Now().Add(timeout),
			Timeout:  timeout,
		}, r.task.ID, r.task.SessionID))
	}
	r.log.Info("approval requested", "token", token, "subject", req.subject, "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return queue.ApprovalResponse{}, ctx.Err()
		case <-timer.C:
			description := fmt.Sprintf("no approval for %s within %s", req.subject, timeout)
			r.o.cfg.Progress.Record(ctx, r.task.ID, r.task.SessionID, progress.Update{
				State:       string(StateAwaitingApproval),
				Description: description,
				Status:      string(r.task.Status),
				Step:        r.nextStep(),
				ErrorKind:   string(fault.KindApprovalTimeout),
			})
			return queue.ApprovalResponse{}, fault.Newf(fault.KindApprovalTimeout, "orchestrator.approval", "%s", description)
		case sig, ok := <-r.signals:
			if !ok {
				r.signals = nil
				continue
			}
			switch sig.Type {
			case queue.SignalAbort:
				return queue.ApprovalResponse{}, errAborted
			case queue.SignalApprovalResponse:
				resp, err := sig.Approval()
				if err != nil {
					r.log.Warn("malformed approval response", "error", err)
					continue
				}
				if resp.Token != "" && resp.Token != token {
					r.log.Debug("approval response for another request", "token", resp.Token)
					continue
				}
				r.log.Info("approval received", "token", token, "approved", resp.Approved)
				r.enter(ctx, resumeTo, fmt.Sprintf("%s %s", req.subject, approvalWord(resp.Approved)))
				return resp, nil
			default:
				r.log.Debug("control signal ignored while awaiting approval", "type", sig.Type)
			}
		}
	}
}

func approvalWord(ok bool) string {
	if ok {
		return "approved"
	}
	return "rejected"
}
