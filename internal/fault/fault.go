// Package fault defines the error taxonomy shared by the orchestration core.
//
// Every failure that can end a task carries a Kind. Components return
// *Error values (or wrap them) and callers inspect the kind with errors.As
// instead of matching on messages.
package fault

import (
	"errors"
	"fmt"
)

// Kind tags an error with the policy that applies to it.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindTransient        Kind = "transient"
	KindRateLimit        Kind = "rate_limit"
	KindToolExecution    Kind = "tool_execution"
	KindApprovalTimeout  Kind = "approval_timeout"
	KindReplanExhausted  Kind = "replan_exhausted"
	KindModelUnavailable Kind = "model_unavailable"
	KindBudgetExhausted  Kind = "budget_exhausted"
	KindAborted          Kind = "aborted"
	KindUnknown          Kind = "unknown"
)

// Error is an error carrying a Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
	// Partial reports that a write-class operation may have been applied
	// in part before failing.
	Partial bool
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind so errors.Is(err, fault.Validation)
// style sentinels work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels usable with errors.Is.
var (
	Validation       = &Error{Kind: KindValidation}
	Transient        = &Error{Kind: KindTransient}
	RateLimit        = &Error{Kind: KindRateLimit}
	ToolExecution    = &Error{Kind: KindToolExecution}
	ApprovalTimeout  = &Error{Kind: KindApprovalTimeout}
	ReplanExhausted  = &Error{Kind: KindReplanExhausted}
	ModelUnavailable = &Error{Kind: KindModelUnavailable}
	BudgetExhausted  = &Error{Kind: KindBudgetExhausted}
	Aborted          = &Error{Kind: KindAborted}
)

// New builds an *Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an *Error from a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindUnknown. A nil error has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsPartial reports whether err says a write was partially applied.
func IsPartial(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Partial
	}
	return false
}

// Terminal reports whether a task failing with this kind must not be retried
// by re-delivery.
func (k Kind) Terminal() bool {
	switch k {
	case KindTransient, KindRateLimit:
		return false
	}
	return true
}
