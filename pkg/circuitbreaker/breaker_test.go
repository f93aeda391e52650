package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(s Settings) (*CircuitBreaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker("analytics", s)
	cb.now = clk.now
	cb.mu.Lock()
	cb.toNewGeneration(clk.now())
	cb.mu.Unlock()
	return cb, clk
}

func fail(context.Context) error { return errUpstream }
func ok(context.Context) error   { return nil }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(Settings{FailureThreshold: 3, Timeout: time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errUpstream)
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)
	assert.ErrorIs(t, cb.LastError(), errUpstream)
}

func TestBreakerSuccessResetsConsecutiveFailures(t *testing.T) {
	cb, _ := newTestBreaker(Settings{FailureThreshold: 2})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	require.NoError(t, cb.Execute(ctx, ok))
	_ = cb.Execute(ctx, fail)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().ConsecutiveFail)
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	var transitions []string
	cb, clk := newTestBreaker(Settings{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		Timeout:          10 * time.Second,
		OnStateChange: func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())

	clk.advance(11 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(Settings{FailureThreshold: 1, Timeout: time.Second})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clk.advance(2 * time.Second)
	_ = cb.Execute(ctx, fail)

	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerHalfOpenLimitsTrialRequests(t *testing.T) {
	cb, clk := newTestBreaker(Settings{FailureThreshold: 1, Timeout: time.Second, MaxRequests: 1})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clk.advance(2 * time.Second)

	err := cb.Execute(ctx, func(ctx context.Context) error {
		return cb.Execute(ctx, ok)
	})
	assert.ErrorIs(t, err, ErrTooManyRequests)
}

func TestBreakerIgnoresCancellationByDefault(t *testing.T) {
	cb, _ := newTestBreaker(Settings{FailureThreshold: 1})
	err := cb.Execute(context.Background(), func(context.Context) error { return context.Canceled })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerClosedWindowExpiresCounts(t *testing.T) {
	cb, clk := newTestBreaker(Settings{FailureThreshold: 2, Interval: time.Minute})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	clk.advance(2 * time.Minute)
	_ = cb.Execute(ctx, fail)

	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Counts().Failures)
}

func TestBreakerReset(t *testing.T) {
	cb, _ := newTestBreaker(Settings{FailureThreshold: 1})
	_ = cb.Execute(context.Background(), fail)
	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
}
