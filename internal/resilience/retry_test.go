package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"eventchat/internal/domain"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func fastPolicy() Policy {
	return Policy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

type statusErr int

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) StatusCode() int { return int(e) }

// --- Retry exhaustion ---

func TestRetry_AlwaysRetryable_AttemptsFourTimes(t *testing.T) {
	r := NewRetrier(fastPolicy(), testLogger())
	var calls int32
	want := &domain.TransientError{StatusCode: 503, Err: errors.New("unavailable")}

	_, err := Retry(context.Background(), r, "test", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, want
	})
	if err != want {
		t.Fatalf("expected last error unchanged, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 attempts (1 + 3 retries), got %d", calls)
	}
}

func TestRetry_NonRetryable_AttemptsOnce(t *testing.T) {
	r := NewRetrier(fastPolicy(), testLogger())
	var calls int32
	want := &domain.ValidationError{Field: "content", Reason: "empty"}

	_, err := Retry(context.Background(), r, "test", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, want
	})
	if err != want {
		t.Fatalf("expected validation error unchanged, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 attempt, got %d", calls)
	}
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	r := NewRetrier(fastPolicy(), testLogger())
	var calls int32

	v, err := Retry(context.Background(), r, "test", func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", statusErr(502)
		}
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("expected ok, got %q (%v)", v, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	r := NewRetrier(Policy{MaxRetries: 3, InitialDelay: time.Hour, MaxDelay: time.Hour}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	var calls int32

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := Retry(ctx, r, "test", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, statusErr(503)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 attempt before cancel, got %d", calls)
	}
}

func TestRetry_ZeroRetries(t *testing.T) {
	r := NewRetrier(Policy{}, testLogger())
	var calls int32
	Retry(context.Background(), r, "test", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, statusErr(500)
	})
	if calls != 1 {
		t.Fatalf("expected 1 attempt, got %d", calls)
	}
}

// --- Classification ---

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"408", statusErr(408), true},
		{"429", statusErr(429), true},
		{"500", statusErr(500), true},
		{"502", statusErr(502), true},
		{"503", statusErr(503), true},
		{"504", statusErr(504), true},
		{"400", statusErr(400), false},
		{"404", statusErr(404), false},
		{"501", statusErr(501), false},
		{"transient no status", &domain.TransientError{Err: errors.New("reset")}, true},
		{"transient 400", &domain.TransientError{StatusCode: 400, Err: errors.New("bad")}, false},
		{"wrapped transient", fmt.Errorf("insert: %w", &domain.TransientError{StatusCode: 429, Err: errors.New("slow down")}), true},
		{"rate limit", &domain.RateLimitError{ActorID: "u1"}, false},
		{"permission", domain.ErrPermissionDenied, false},
		{"unauthenticated", domain.ErrUnauthenticated, false},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Fatalf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

// --- Backoff ---

func TestBackoff_ExponentialWithoutJitter(t *testing.T) {
	p := Policy{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: 10 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for attempt, w := range want {
		if got := p.Backoff(attempt); got != w {
			t.Errorf("attempt %d: expected %v, got %v", attempt, w, got)
		}
	}
}

func TestBackoff_JitterBounded(t *testing.T) {
	p := DefaultPolicy()
	for i := 0; i < 100; i++ {
		d := p.Backoff(0)
		if d < time.Second || d >= 2*time.Second {
			t.Fatalf("backoff out of range: %v", d)
		}
	}
	for i := 0; i < 100; i++ {
		if d := p.Backoff(6); d != p.MaxDelay {
			t.Fatalf("expected cap %v, got %v", p.MaxDelay, d)
		}
	}
}
