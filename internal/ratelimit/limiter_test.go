package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterAcquireDeniedAtCapacity(t *testing.T) {
	l := New(Config{InitialLimit: 1, MinLimit: 1, MaxLimit: 1})

	tok, ok := l.Acquire()
	require.True(t, ok)
	require.NotNil(t, tok)

	_, ok = l.Acquire()
	assert.False(t, ok, "second acquire should be denied at capacity 1")

	tok.Release(false)
	_, ok = l.Acquire()
	assert.True(t, ok, "slot should be available after release")
}

func TestLimiterVegasStaysWithinBoundsUnderSteadyLoad(t *testing.T) {
	l := New(Config{Kind: KindVegas, InitialLimit: 5, MinLimit: 1, MaxLimit: 100})

	for i := 0; i < 5; i++ {
		tok, ok := l.Acquire()
		require.True(t, ok)
		time.Sleep(time.Millisecond)
		tok.Release(false)
	}
	assert.GreaterOrEqual(t, l.Limit(), 1)
	assert.LessOrEqual(t, l.Limit(), 100)
}

func TestLimiterVegasBacksOffOnDrop(t *testing.T) {
	l := New(Config{Kind: KindVegas, InitialLimit: 20, MinLimit: 1, MaxLimit: 100})
	tok, ok := l.Acquire()
	require.True(t, ok)
	tok.Release(true)
	assert.Less(t, l.Limit(), 20)
}

func TestLimiterOnLimitChangeCallback(t *testing.T) {
	var calls int
	l := New(Config{
		Kind: KindVegas, InitialLimit: 4, MinLimit: 1, MaxLimit: 100,
		OnLimitChange: func(name string, oldLimit, newLimit int) { calls++ },
		Name:          "ep1",
	})
	tok, ok := l.Acquire()
	require.True(t, ok)
	tok.Release(true)
	assert.Positive(t, calls)
}

func TestBackoffRespectsMax(t *testing.T) {
	base := 10 * time.Millisecond
	max := 50 * time.Millisecond
	for attempt := 0; attempt < 10; attempt++ {
		d := Backoff(attempt, base, max)
		assert.LessOrEqual(t, d, max)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}
