package reactor

import "time"

// pollReason classifies a wait() return that isn't a ready fd.
type pollReason int

const (
	reasonReady pollReason = iota
	reasonTimeout
	reasonSignal
	reasonError
)

// pollResult is what poller.wait yields: either a ready (fd, r, w) tuple,
// or a reason with no fd.
type pollResult struct {
	fd       int
	readable bool
	writable bool
	reason   pollReason
	err      error
}

// poller is a thin abstraction over an OS readiness interface (epoll,
// kqueue, ...). Semantics, per spec.md §4.1:
//
//   - add(fd,r,w) fails with ErrAlreadyRegistered when fd is known; the
//     caller must transparently retry via modify.
//   - del(fd) is tolerant of "not registered": returns nil if fd is
//     already absent.
//   - wait(t) returns one ready tuple, or a timeout/signal/error reason.
//
// Only one fd is reported per wait() call: this keeps a single handler
// running to completion before the next dispatch, at the cost of
// requiring the loop to re-enter wait() hot with no artificial delay.
type poller interface {
	add(fd int, read, write bool) error
	modify(fd int, read, write bool) error
	del(fd int) error
	wait(timeout time.Duration) pollResult
	close() error
	backend() string
}

// addOrModify implements the transparent-retry contract of §4.1: add,
// and on ErrAlreadyRegistered fall back to modify.
func addOrModify(p poller, fd int, read, write bool) error {
	err := p.add(fd, read, write)
	if err == ErrAlreadyRegistered {
		return p.modify(fd, read, write)
	}
	return err
}
