package timer

import "time"

// Scheduler is the reactor's timer submodule: add_task, stop, reschedule,
// to_absolute_time, plus the run_expired drain described in spec.md §4.2.
//
// Not safe for concurrent use — like the rest of the reactor, it is
// driven from a single goroutine inside the event loop.
type Scheduler struct {
	heap *heapWrapper

	// monotonicNow/wallNow are overridable for deterministic tests;
	// production code leaves them at their zero value and Scheduler
	// falls back to time.Now()-derived values.
	monotonicNow func() int64
	wallNow      func() int64

	epoch time.Time // reference instant for the monotonic clock
}

// NewScheduler constructs an empty Scheduler using the real clock.
func NewScheduler() *Scheduler {
	s := &Scheduler{heap: newHeapWrapper(), epoch: time.Now()}
	s.monotonicNow = func() int64 { return int64(time.Since(s.epoch)) }
	s.wallNow = func() int64 { return time.Now().UnixNano() }
	return s
}

// ToAbsoluteTime converts a relative delay (seconds, possibly
// fractional) into an absolute monotonic deadline suitable for AddTask.
func (s *Scheduler) ToAbsoluteTime(delaySeconds float64) int64 {
	return s.monotonicNow() + int64(delaySeconds*float64(time.Second))
}

// AddTask schedules cb to run at deadlineMono (absolute monotonic
// nanoseconds, as returned by ToAbsoluteTime) and returns a stable id.
func (s *Scheduler) AddTask(cb Callback, deadlineMono int64) ID {
	return s.heap.insert(cb, deadlineMono)
}

// AddTaskIn is a convenience wrapper: schedule cb delaySeconds from now.
func (s *Scheduler) AddTaskIn(cb Callback, delaySeconds float64) ID {
	return s.AddTask(cb, s.ToAbsoluteTime(delaySeconds))
}

// Stop cancels a pending timer. No-op if it already fired or was
// already stopped.
func (s *Scheduler) Stop(id ID) {
	s.heap.remove(id)
}

// Reschedule moves an existing timer to a new absolute deadline,
// preserving its id. Returns false if id is unknown.
func (s *Scheduler) Reschedule(id ID, newDeadlineMono int64) bool {
	return s.heap.reprioritize(id, newDeadlineMono)
}

// Len reports how many timers are pending.
func (s *Scheduler) Len() int { return s.heap.len() }

// RunExpired drains every timer whose deadline has elapsed, invoking
// each callback once. A callback returning a positive number of
// seconds is staged for re-insertion *after* the drain completes, so a
// timer that re-arms itself to "now" never fires twice in the same
// tick (spec.md §4.2 step 3, §5 ordering guarantee).
//
// It returns the wait budget the caller should pass to poller.wait:
// max(minWait, nextDeadline-now) if any timer remains, else nextDelay.
func (s *Scheduler) RunExpired(nextDelay, minWait time.Duration) time.Duration {
	now := s.monotonicNow()
	wallNow := s.wallNow()

	type rearm struct {
		cb       Callback
		deadline int64
		id       ID
	}
	var staged []rearm

	for {
		e, ok := s.heap.peek()
		if !ok || e.deadline > now {
			break
		}
		s.heap.pop()
		if r := e.cb(wallNow, e.id); r > 0 {
			staged = append(staged, rearm{cb: e.cb, deadline: now + int64(r*float64(time.Second)), id: e.id})
		}
	}

	for _, r := range staged {
		s.heap.insert(r.cb, r.deadline)
	}

	if e, ok := s.heap.peek(); ok {
		wait := time.Duration(e.deadline - now)
		if wait < minWait {
			wait = minWait
		}
		return wait
	}
	return nextDelay
}
