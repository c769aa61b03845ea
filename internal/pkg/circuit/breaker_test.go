package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New("decider:alpha", threshold, cooldown)
	b.SetClock(func() time.Time { return now })
	b.OnChange(func(string, State, State) {})
	return b, &now
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	b, now := newTestBreaker(2, time.Minute)

	assert.True(t, b.Allow())
	assert.True(t, b.RetryAt().IsZero())
	b.Failure()
	assert.Equal(t, StateClosed, b.State())
	b.Failure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow())
	assert.Equal(t, now.Add(time.Minute), b.RetryAt())

	*now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	b.Success()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1, time.Second)

	b.Failure()
	*now = now.Add(2 * time.Second)
	assert.True(t, b.Allow())
	b.Failure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow(), "cooldown restarts from the failed probe")
	assert.Equal(t, now.Add(time.Second), b.RetryAt())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
