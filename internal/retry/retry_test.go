package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/podex-dev/agentcore/internal/fault"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", fault.New(fault.KindValidation, "write_file", errors.New("missing path")), KindInvalidInput},
		{"transient", fault.New(fault.KindTransient, "remote", errors.New("reset")), KindTransientNetwork},
		{"rate limit typed", fault.New(fault.KindRateLimit, "llm", nil), KindRateLimit},
		{"tool internal", fault.New(fault.KindToolExecution, "run_command", errors.New("exit 1")), KindToolInternal},
		{"model unavailable cause", fault.New(fault.KindModelUnavailable, "llm", errors.New("429 Too Many Requests")), KindRateLimit},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTransientNetwork},
		{"canceled", context.Canceled, KindUnknown},
		{"429 message", errors.New("status 429: slow down"), KindRateLimit},
		{"connection refused", errors.New("dial tcp 127.0.0.1:80: connect: connection refused"), KindTransientNetwork},
		{"bad request", errors.New("400 bad request"), KindInvalidInput},
		{"unknown", errors.New("something odd"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v): got %q, want %q", tt.err, got, tt.want)
			}
		})
	}
	if got := Classify(nil); got != "" {
		t.Errorf("Classify(nil): got %q", got)
	}
}

func TestShouldRetryNeverExceedsMaxAttempts(t *testing.T) {
	cfg := Config{MaxAttempts: 4, Policy: PolicyExponential, Base: time.Second}
	for _, kind := range []Kind{KindTransientNetwork, KindRateLimit, KindInvalidInput, KindToolInternal, KindUnknown} {
		attempts := 1
		for ShouldRetry(kind, attempts, cfg) {
			attempts++
			if attempts > cfg.MaxAttempts {
				t.Fatalf("%s: attempts %d exceed max %d", kind, attempts, cfg.MaxAttempts)
			}
		}
	}
	if ShouldRetry(KindInvalidInput, 1, cfg) {
		t.Error("invalid input must not be retried")
	}
}

func TestExponentialDelaysStrictlyIncrease(t *testing.T) {
	cfg := Config{MaxAttempts: 6, Policy: PolicyExponential, Base: time.Second, Cap: time.Hour}
	delays := Delays(cfg)
	if len(delays) != 5 {
		t.Fatalf("expected 5 delays, got %d", len(delays))
	}
	if delays[0] != time.Second {
		t.Errorf("first delay: got %s, want 1s", delays[0])
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Errorf("delay %d (%s) not greater than %d (%s)", i, delays[i], i-1, delays[i-1])
		}
	}
}

func TestExponentialDelaysCapped(t *testing.T) {
	cfg := Config{MaxAttempts: 6, Policy: PolicyExponential, Base: time.Second, Cap: 3 * time.Second}
	for _, d := range Delays(cfg) {
		if d > 3*time.Second {
			t.Errorf("delay %s exceeds cap", d)
		}
	}
}

func TestFixedDelays(t *testing.T) {
	for _, d := range Delays(Config{MaxAttempts: 3, Policy: PolicyFixed, Base: 500 * time.Millisecond}) {
		if d != 500*time.Millisecond {
			t.Errorf("fixed delay: got %s", d)
		}
	}
}

func TestDelayMatchesDelays(t *testing.T) {
	cfg := Config{MaxAttempts: 5, Policy: PolicyExponential, Base: time.Second, Cap: 4 * time.Second}
	for i, want := range Delays(cfg) {
		if got := Delay(i+1, cfg); got != want {
			t.Errorf("Delay(%d): got %s, want %s", i+1, got, want)
		}
	}
	if got := Delay(10, cfg); got != 4*time.Second {
		t.Errorf("Delay past cap: got %s", got)
	}
}

type recordingSleeper struct {
	waits []time.Duration
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

func TestDoTransientTwiceThenSuccess(t *testing.T) {
	sleeper := &recordingSleeper{}
	runner := Runner{
		Config: Config{MaxAttempts: 3, Policy: PolicyExponential, Base: time.Second},
		Sleep:  sleeper.Sleep,
	}

	calls := 0
	attempts, err := runner.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return fault.New(fault.KindTransient, "remote", errors.New("connection reset"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Errorf("attempts: got %d (calls %d), want 3", attempts, calls)
	}

	var total time.Duration
	for _, w := range sleeper.waits {
		total += w
	}
	if len(sleeper.waits) != 2 || sleeper.waits[0] != time.Second || sleeper.waits[1] != 2*time.Second {
		t.Errorf("waits: got %v, want [1s 2s]", sleeper.waits)
	}
	if total != 3*time.Second {
		t.Errorf("total delay: got %s, want 3s", total)
	}
}

func TestDoExhaustedSurfacesLastKind(t *testing.T) {
	sleeper := &recordingSleeper{}
	runner := Runner{Config: Config{MaxAttempts: 3, Base: time.Millisecond}, Sleep: sleeper.Sleep}

	calls := 0
	attempts, err := runner.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("429 rate limit")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %T", err)
	}
	if ex.Kind != KindRateLimit {
		t.Errorf("Kind: got %q, want rate_limit", ex.Kind)
	}
	if attempts != 3 || calls != 3 {
		t.Errorf("attempts: got %d, calls %d, want 3", attempts, calls)
	}
}

func TestDoNonRetryableStopsImmediately(t *testing.T) {
	sleeper := &recordingSleeper{}
	runner := Runner{Config: DefaultConfig(), Sleep: sleeper.Sleep}

	attempts, err := runner.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return fault.New(fault.KindValidation, "write_file", errors.New("bad"))
	})
	if attempts != 1 {
		t.Errorf("attempts: got %d, want 1", attempts)
	}
	if !errors.Is(err, fault.Validation) {
		t.Errorf("expected validation error to be preserved, got %v", err)
	}
	if len(sleeper.waits) != 0 {
		t.Errorf("no wait expected, got %v", sleeper.waits)
	}
}

func TestDoContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Runner{Config: Config{MaxAttempts: 5, Base: time.Hour}}.Do(ctx, func(ctx context.Context, attempt int) error {
		return errors.New("connection refused")
	})
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if ex.Attempts != 1 {
		t.Errorf("Attempts: got %d, want 1", ex.Attempts)
	}
}

func TestDoPermanentStops(t *testing.T) {
	sleeper := &recordingSleeper{}
	runner := Runner{Config: DefaultConfig(), Sleep: sleeper.Sleep}

	cause := fault.New(fault.KindTransient, "write_file", errors.New("reset after write"))
	attempts, err := runner.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return Permanent(cause)
	})
	if attempts != 1 {
		t.Errorf("attempts: got %d, want 1", attempts)
	}
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if ex.Err != cause {
		t.Errorf("Err: got %v, want the unwrapped cause", ex.Err)
	}
	if ex.Kind != KindTransientNetwork {
		t.Errorf("Kind: got %q", ex.Kind)
	}
}
