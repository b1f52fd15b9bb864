package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", New(KindValidation, "write_file", errors.New("missing path")))

	if got := KindOf(err); got != KindValidation {
		t.Errorf("KindOf: got %q, want %q", got, KindValidation)
	}
	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("KindOf plain: got %q, want %q", got, KindUnknown)
	}
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf nil: got %q, want empty", got)
	}
}

func TestErrorsIsSentinel(t *testing.T) {
	err := fmt.Errorf("wrap: %w", Newf(KindApprovalTimeout, "approval", "no response after %s", "2m"))

	if !errors.Is(err, ApprovalTimeout) {
		t.Error("expected errors.Is(err, ApprovalTimeout)")
	}
	if errors.Is(err, Validation) {
		t.Error("approval timeout must not match Validation")
	}
}

func TestErrorMessage(t *testing.T) {
	err := New(KindToolExecution, "run_command", errors.New("exit status 2"))
	want := "run_command: tool_execution: exit status 2"
	if err.Error() != want {
		t.Errorf("Error: got %q, want %q", err.Error(), want)
	}
}

func TestIsPartial(t *testing.T) {
	err := &Error{Kind: KindTransient, Op: "write_file", Err: errors.New("reset"), Partial: true}
	if !IsPartial(fmt.Errorf("x: %w", err)) {
		t.Error("expected partial")
	}
	if IsPartial(errors.New("x")) {
		t.Error("plain error must not be partial")
	}
}

func TestKindTerminal(t *testing.T) {
	if KindTransient.Terminal() || KindRateLimit.Terminal() {
		t.Error("transient kinds must not be terminal")
	}
	if !KindValidation.Terminal() || !KindApprovalTimeout.Terminal() {
		t.Error("validation and approval timeout are terminal")
	}
}
