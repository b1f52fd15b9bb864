package models

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/podex-dev/agentcore/internal/fault"
)

// ErrModelUnavailable reports a provider that could not be reached or
// answered with something other than a model response.
type ErrModelUnavailable struct {
	Provider string
	Status   int
	Body     string
	Cause    error
}

func (e *ErrModelUnavailable) Error() string {
	switch {
	case e.Cause != nil:
		return fmt.Sprintf("model provider %s unavailable: %v", e.Provider, e.Cause)
	case e.Status != 0:
		return fmt.Sprintf("model provider %s answered %d: %s", e.Provider, e.Status, e.Body)
	case e.Body != "":
		return fmt.Sprintf("model provider %s unavailable: %s", e.Provider, e.Body)
	}
	return fmt.Sprintf("model provider %s unavailable", e.Provider)
}

func (e *ErrModelUnavailable) Unwrap() error { return e.Cause }

// HandleError tags SDK errors with a fault kind so the retry engine can
// decide on them.
func HandleError(err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}

	errStr := strings.ToLower(err.Error())

	var unavailable *ErrModelUnavailable
	if errors.As(err, &unavailable) {
		switch {
		case unavailable.Status == http.StatusTooManyRequests:
			return fault.New(fault.KindRateLimit, "model", err)
		case unavailable.Status >= http.StatusInternalServerError, unavailable.Cause != nil:
			return fault.New(fault.KindTransient, "model", err)
		}
		return fault.New(fault.KindModelUnavailable, "model", err)
	}

	if containsAny(errStr, "401", "403", "unauthorized", "invalid api key", "api key", "forbidden") {
		return fault.New(fault.KindModelUnavailable, "model", fmt.Errorf("authentication failed: %w", err))
	}

	if containsAny(errStr, "429", "rate limit", "quota", "too many requests") {
		return fault.New(fault.KindRateLimit, "model", fmt.Errorf("rate limited: %w", err))
	}

	if containsAny(errStr, "context length", "too many tokens", "max tokens", "token limit") {
		return fault.New(fault.KindValidation, "model", fmt.Errorf("context too long: %w", err))
	}

	if containsAny(errStr, "model not found", "404", "not found") {
		return fault.New(fault.KindModelUnavailable, "model", fmt.Errorf("model not found: %w", err))
	}

	if containsAny(errStr, "connection", "eof", "timeout", "dial", "refused", "502", "503", "504", "overloaded") {
		return fault.New(fault.KindTransient, "model", fmt.Errorf("connection error: %w", err))
	}

	return fault.New(fault.KindModelUnavailable, "model", err)
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
