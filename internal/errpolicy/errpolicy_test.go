package errpolicy_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xerilium/catalyst/internal/config"
	"github.com/xerilium/catalyst/internal/errpolicy"
	"github.com/xerilium/catalyst/internal/logger"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

type recordingSleeper struct{ delays []time.Duration }

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func (r *recordingSleeper) total() time.Duration {
	var sum time.Duration
	for _, d := range r.delays {
		sum += d
	}
	return sum
}

func newHelper(s *recordingSleeper) *errpolicy.Helper {
	return errpolicy.NewHelper(logger.NewLogger("error", "text", io.Discard), errpolicy.WithSleeper(s.Sleep))
}

func TestDecide(t *testing.T) {
	mapPolicy := config.MapPolicy(
		config.PolicyRule{Action: config.ActionContinue, RetryCount: 2},
		map[string]config.PolicyRule{"Timeout": {Action: config.ActionSuspend, RetryCount: 1}},
	)

	tests := []struct {
		name   string
		code   string
		policy *config.ErrorPolicy
		want   errpolicy.Decision
	}{
		{"nil policy stops", "X", nil, errpolicy.Decision{Action: config.ActionStop}},
		{"token applies directly", "X", config.TokenPolicy(config.ActionIgnore), errpolicy.Decision{Action: config.ActionIgnore}},
		{"map exact code", "Timeout", mapPolicy, errpolicy.Decision{Action: config.ActionSuspend, RetryCount: 1}},
		{"map falls back to default", "Other", mapPolicy, errpolicy.Decision{Action: config.ActionContinue, RetryCount: 2}},
		{"map without default stops", "Other",
			&config.ErrorPolicy{Rules: map[string]config.PolicyRule{"X": {Action: config.ActionIgnore}}},
			errpolicy.Decision{Action: config.ActionStop}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errpolicy.Decide(tt.code, tt.policy))
		})
	}
}

func TestEvaluateUsesErrorCode(t *testing.T) {
	policy := config.MapPolicy(
		config.PolicyRule{Action: config.ActionStop},
		map[string]config.PolicyRule{"RateLimited": {Action: config.ActionContinue, RetryCount: 3}},
	)
	err := caterrors.NewActionFailure("RateLimited", "slow down", nil)
	assert.Equal(t, config.ActionContinue, errpolicy.Evaluate(err, policy))
	assert.Equal(t, 3, errpolicy.RetryCount(err, policy))

	plain := errors.New("boom")
	assert.Equal(t, config.ActionStop, errpolicy.Evaluate(plain, policy))
	assert.Equal(t, 0, errpolicy.RetryCount(plain, policy))
}

func TestEffective(t *testing.T) {
	step := config.TokenPolicy(config.ActionIgnore)
	book := config.TokenPolicy(config.ActionContinue)
	assert.Same(t, step, errpolicy.Effective(step, book))
	assert.Same(t, book, errpolicy.Effective(nil, book))
	assert.Equal(t, config.ActionStop, errpolicy.Effective(nil, nil).Action)
}

func TestRetryWithBackoff_FailsTwiceThenSucceeds(t *testing.T) {
	policy := config.MapPolicy(config.PolicyRule{Action: config.ActionContinue, RetryCount: 2}, nil)
	failure := caterrors.NewActionFailure("Flaky", "flaky", nil)
	s := &recordingSleeper{}
	h := newHelper(s)

	calls := 0
	err := h.RetryWithBackoff(context.Background(), errpolicy.RetryCount(failure, policy), func(context.Context) error {
		calls++
		if calls <= 2 {
			return failure
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 4 * time.Second}, s.delays)
	assert.Equal(t, 5*time.Second, s.total())
}

func TestRetryWithBackoff_ReturnsLastError(t *testing.T) {
	s := &recordingSleeper{}
	h := newHelper(s)

	calls := 0
	err := h.RetryWithBackoff(context.Background(), 3, func(context.Context) error {
		calls++
		return errors.New("attempt failed")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Second, 4 * time.Second, 9 * time.Second}, s.delays)
}

func TestRetry_ZeroRetriesReturnsFirstError(t *testing.T) {
	s := &recordingSleeper{}
	first := errors.New("first")
	err := newHelper(s).Retry(context.Background(), 0, first, func(context.Context) error {
		t.Fatal("op must not be called")
		return nil
	})
	assert.Same(t, first, err)
	assert.Empty(t, s.delays)
}

func TestRetry_CancelledContextStopsWaiting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := errpolicy.NewHelper(logger.NewLogger("error", "text", io.Discard))

	err := h.RetryWithBackoff(ctx, 2, func(context.Context) error { return errors.New("nope") })
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffSchedules(t *testing.T) {
	assert.Equal(t, 9*time.Second, errpolicy.QuadraticBackoff(3))
	assert.Equal(t, 100*time.Second, errpolicy.QuadraticBackoff(10))
	assert.Equal(t, 25*time.Second, errpolicy.CappedQuadraticBackoff(5))
	assert.Equal(t, errpolicy.MaxHTTPDelay, errpolicy.CappedQuadraticBackoff(6))
	assert.Equal(t, time.Duration(0), errpolicy.QuadraticBackoff(0))
}

func TestRetryHookObservesEachRetry(t *testing.T) {
	s := &recordingSleeper{}
	var seen []int
	h := errpolicy.NewHelper(logger.NewLogger("error", "text", io.Discard),
		errpolicy.WithSleeper(s.Sleep),
		errpolicy.WithBackoff(errpolicy.CappedQuadraticBackoff),
		errpolicy.WithRetryHook(func(n int, _ time.Duration, _ error) { seen = append(seen, n) }))

	_ = h.RetryWithBackoff(context.Background(), 2, func(context.Context) error { return errors.New("x") })
	assert.Equal(t, []int{1, 2}, seen)
}
