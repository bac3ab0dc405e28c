// Package resilience provides retry-with-backoff and short-window request
// deduplication for every backend call made by the chat core.
package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"syscall"
	"time"

	"eventchat/internal/domain"
	"eventchat/internal/metrics"
)

// Policy configures exponential backoff with jitter.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       time.Duration // upper bound of the random delay added to each wait
}

// DefaultPolicy is 3 retries, 1s initial delay doubling up to 10s, up to 1s jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Jitter:       time.Second,
	}
}

// Backoff returns the wait before retry number attempt (0-based):
// min(MaxDelay, InitialDelay*2^attempt + random(0, Jitter)).
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(p.Jitter)))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

var retryableStatus = map[int]bool{
	408: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// statusCoder is implemented by errors that carry an HTTP-like status.
type statusCoder interface {
	StatusCode() int
}

// IsRetryable classifies err as transient (network-class, or status in
// {408,429,500,502,503,504}) or terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if domain.IsLocal(err) {
		return false
	}

	var te *domain.TransientError
	if errors.As(err, &te) {
		return te.StatusCode == 0 || retryableStatus[te.StatusCode]
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return retryableStatus[sc.StatusCode()]
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}

// Retrier runs operations under a Policy.
type Retrier struct {
	policy Policy
	logger *slog.Logger
}

// NewRetrier creates a Retrier. A zero MaxRetries disables retries.
func NewRetrier(policy Policy, logger *slog.Logger) *Retrier {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	return &Retrier{policy: policy, logger: logger}
}

// Policy returns the retrier's backoff policy.
func (r *Retrier) Policy() Policy { return r.policy }

// Retry executes fn, retrying retryable failures up to MaxRetries times.
// Terminal failures and exhausted budgets return the last error unchanged.
func Retry[T any](ctx context.Context, r *Retrier, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := r.policy.Backoff(attempt - 1)
			r.logger.Warn("retrying request", "op", op, "attempt", attempt+1, "backoff", backoff, "err", lastErr)
			metrics.RequestRetries.WithLabelValues(op).Inc()

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}

		start := time.Now()
		v, err := fn(ctx)
		metrics.RequestLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return zero, err
		}
	}

	r.logger.Error("request failed after retries", "op", op, "retries", r.policy.MaxRetries, "err", lastErr)
	return zero, lastErr
}
