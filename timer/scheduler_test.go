package timer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler() *Scheduler {
	s := NewScheduler()
	var mono int64
	s.monotonicNow = func() int64 { return mono }
	s.wallNow = func() int64 { return mono }
	return s
}

// setMono lets tests advance the fake monotonic clock.
func setMono(s *Scheduler, v int64) {
	s.monotonicNow = func() int64 { return v }
	s.wallNow = func() int64 { return v }
}

func TestRunExpired_FiresDueTimersOnly(t *testing.T) {
	s := newTestScheduler()
	var fired []string

	s.AddTask(func(int64, ID) float64 { fired = append(fired, "a"); return 0 }, 100)
	s.AddTask(func(int64, ID) float64 { fired = append(fired, "b"); return 0 }, 200)

	setMono(s, 150)
	s.RunExpired(0, 0)
	assert.Equal(t, []string{"a"}, fired)

	setMono(s, 250)
	s.RunExpired(0, 0)
	assert.Equal(t, []string{"a", "b"}, fired)
}

func TestRunExpired_RearmDeferredToNextTick(t *testing.T) {
	s := newTestScheduler()
	var count int

	var id ID
	id = s.AddTask(func(int64, ID) float64 {
		count++
		return 1e-12 // positive, but rounds to a rearm deadline of exactly "now" — still must not refire this tick
	}, 100)
	_ = id

	setMono(s, 100)
	s.RunExpired(0, 0)
	assert.Equal(t, 1, count, "timer should fire exactly once even though its rearm deadline is <= now")

	// still only one pending entry: the staged rearm, re-inserted after the drain
	assert.Equal(t, 1, s.Len())
}

func TestRunExpired_PositiveRearmReinsertsAfterDrain(t *testing.T) {
	s := newTestScheduler()
	var count int

	s.AddTask(func(int64, ID) float64 {
		count++
		if count < 3 {
			return 0.000001 // rearm almost immediately
		}
		return 0
	}, 100)

	setMono(s, 100)
	s.RunExpired(0, 0)
	assert.Equal(t, 1, count, "a rearming timer must not fire twice within the same RunExpired call")
	require.Equal(t, 1, s.Len())
}

func TestStopCancelsPendingTimer(t *testing.T) {
	s := newTestScheduler()
	fired := false
	id := s.AddTask(func(int64, ID) float64 { fired = true; return 0 }, 100)
	s.Stop(id)

	setMono(s, 200)
	s.RunExpired(0, 0)
	assert.False(t, fired)
}

func TestStopIsNoopOnUnknownID(t *testing.T) {
	s := newTestScheduler()
	assert.NotPanics(t, func() { s.Stop(ID(9999)) })
}

func TestRescheduleMovesDeadline(t *testing.T) {
	s := newTestScheduler()
	var fired bool
	id := s.AddTask(func(int64, ID) float64 { fired = true; return 0 }, 100)

	ok := s.Reschedule(id, 1000)
	require.True(t, ok)

	setMono(s, 500)
	s.RunExpired(0, 0)
	assert.False(t, fired, "timer rescheduled later must not fire at its old deadline")

	setMono(s, 1000)
	s.RunExpired(0, 0)
	assert.True(t, fired)
}

func TestRunExpiredReturnsWaitBudget(t *testing.T) {
	s := newTestScheduler()
	s.AddTask(func(int64, ID) float64 { return 0 }, 500)

	setMono(s, 100)
	wait := s.RunExpired(1000, 0)
	assert.Equal(t, int64(400), int64(wait))
}

func TestRunExpiredFallsBackToNextDelayWhenEmpty(t *testing.T) {
	s := newTestScheduler()
	wait := s.RunExpired(777, 0)
	assert.Equal(t, int64(777), int64(wait))
}
