package errpolicy

import (
	"context"
	"fmt"
	"time"

	catlog "github.com/xerilium/catalyst/pkg/catalyst/v1/log"
)

// Operation is one attempt of a retried unit of work.
type Operation func(ctx context.Context) error

// Backoff returns the delay before retry n, counting from 1.
type Backoff func(n int) time.Duration

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// MaxHTTPDelay caps CappedQuadraticBackoff.
const MaxHTTPDelay = 30 * time.Second

// QuadraticBackoff waits n² seconds before retry n: 1s, 4s, 9s and so on,
// without a cap.
func QuadraticBackoff(n int) time.Duration {
	if n < 1 {
		return 0
	}
	return time.Duration(n*n) * time.Second
}

// CappedQuadraticBackoff is QuadraticBackoff limited to MaxHTTPDelay.
func CappedQuadraticBackoff(n int) time.Duration {
	d := QuadraticBackoff(n)
	if d > MaxHTTPDelay {
		return MaxHTTPDelay
	}
	return d
}

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ErrorMasker hides secret values in errors before they are logged.
type ErrorMasker interface {
	MaskError(err error) error
}

// RetryHook observes each scheduled retry.
type RetryHook func(n int, delay time.Duration, lastErr error)

// Helper runs operations under the retry schedule.
type Helper struct {
	log     catlog.Logger
	backoff Backoff
	sleep   Sleeper
	masker  ErrorMasker
	onRetry RetryHook
}

// HelperOption configures a Helper.
type HelperOption func(*Helper)

func WithBackoff(b Backoff) HelperOption { return func(h *Helper) { h.backoff = b } }

// WithSleeper replaces the real clock, e.g. with a recorder in tests.
func WithSleeper(s Sleeper) HelperOption { return func(h *Helper) { h.sleep = s } }

func WithErrorMasker(m ErrorMasker) HelperOption { return func(h *Helper) { h.masker = m } }

func WithRetryHook(fn RetryHook) HelperOption { return func(h *Helper) { h.onRetry = fn } }

// NewHelper returns a helper using QuadraticBackoff and the real clock.
func NewHelper(log catlog.Logger, opts ...HelperOption) *Helper {
	if log == nil {
		panic("errpolicy.NewHelper requires a non-nil logger")
	}
	h := &Helper{log: log, backoff: QuadraticBackoff, sleep: SleepContext}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RetryWithBackoff calls op once and then up to maxRetries more times while
// it fails, waiting backoff(n) before retry n. It returns nil on the first
// success, otherwise the last error.
func (h *Helper) RetryWithBackoff(ctx context.Context, maxRetries int, op Operation) error {
	err := op(ctx)
	if err == nil {
		return nil
	}
	return h.Retry(ctx, maxRetries, err, op)
}

// Retry performs only the retries that follow a failed first attempt whose
// error was firstErr. With retries <= 0 it returns firstErr unchanged.
func (h *Helper) Retry(ctx context.Context, retries int, firstErr error, op Operation) error {
	lastErr := firstErr
	for n := 1; n <= retries; n++ {
		delay := h.backoff(n)
		h.log.Warnf("Attempt %d/%d failed (retrying in %v): %v", n, retries+1, delay, h.mask(lastErr))
		if h.onRetry != nil {
			h.onRetry(n, delay, lastErr)
		}
		if err := h.sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry %d/%d cancelled: %w (last error: %v)", n, retries, err, h.mask(lastErr))
		}

		err := op(ctx)
		if err == nil {
			h.log.Infof("Operation succeeded on retry %d/%d", n, retries)
			return nil
		}
		lastErr = err
	}
	if retries > 0 {
		h.log.Debugf("Operation failed definitively after %d attempts: %v", retries+1, h.mask(lastErr))
	}
	return lastErr
}

func (h *Helper) mask(err error) error {
	if h.masker == nil || err == nil {
		return err
	}
	return h.masker.MaskError(err)
}
