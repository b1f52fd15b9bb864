// Package retry classifies failures, decides whether to try again and scores
// the confidence of model answers.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/podex-dev/agentcore/internal/fault"
)

// Kind is the retry-relevant class of an error.
type Kind string

const (
	KindTransientNetwork Kind = "transient_network"
	KindRateLimit        Kind = "rate_limit"
	KindInvalidInput     Kind = "invalid_input"
	KindToolInternal     Kind = "tool_internal"
	KindUnknown          Kind = "unknown"
)

// Classify maps an error to a Kind. Typed errors win over message heuristics.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}

	var fe *fault.Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case fault.KindValidation:
			return KindInvalidInput
		case fault.KindTransient:
			return KindTransientNetwork
		case fault.KindRateLimit:
			return KindRateLimit
		case fault.KindToolExecution:
			return KindToolInternal
		case fault.KindModelUnavailable:
			if fe.Err != nil {
				return classifyMessage(fe.Err)
			}
			return KindTransientNetwork
		}
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientNetwork
	}
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientNetwork
	}

	return classifyMessage(err)
}

func classifyMessage(err error) Kind {
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, "429", "rate limit", "quota", "too many requests"):
		return KindRateLimit
	case containsAny(msg, "401", "403", "unauthorized", "forbidden", "invalid api key",
		"context length", "too many tokens", "invalid argument", "bad request", "400"):
		return KindInvalidInput
	case containsAny(msg, "connection", "eof", "timeout", "dial", "refused", "reset by peer",
		"502", "503", "504", "unavailable", "overloaded"):
		return KindTransientNetwork
	}
	return KindUnknown
}

// FaultKind converts a classification back into the task-level taxonomy.
func (k Kind) FaultKind() fault.Kind {
	switch k {
	case KindTransientNetwork:
		return fault.KindTransient
	case KindRateLimit:
		return fault.KindRateLimit
	case KindInvalidInput:
		return fault.KindValidation
	case KindToolInternal:
		return fault.KindToolExecution
	}
	return fault.KindUnknown
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
