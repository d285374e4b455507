package reactor

import (
	"sync/atomic"
)

// Loop runs the event-dispatch contract of spec.md §4.3 until quitting
// is set and the fd table is empty, returning "quitting". Poller wait
// errors are logged and the loop carries on. It must only ever run on
// one goroutine at a time; a concurrent call returns ErrLoopRunning
// immediately without touching any reactor state.
func (r *Reactor) Loop() (string, error) {
	if !atomic.CompareAndSwapInt32(&r.loopRunning, 0, 1) {
		return "", ErrLoopRunning
	}
	defer atomic.StoreInt32(&r.loopRunning, 0)

	for {
		select {
		case cfg := <-r.configUpdates:
			r.cfg = cfg
		default:
		}

		t := r.timers.RunExpired(r.cfg.MaxWait, r.cfg.MinWait)
		res := r.poll.wait(t)

		switch res.reason {
		case reasonReady:
			c, ok := r.fds.get(res.fd)
			if !ok {
				_ = r.poll.del(res.fd)
				break
			}
			if res.readable {
				c.onReadable()
			}
			if res.writable {
				if cc, stillThere := r.fds.get(res.fd); stillThere && cc == c {
					c.onWritable()
				}
			}
		case reasonTimeout, reasonSignal:
			// nothing to do: loop around to re-run expired timers.
		case reasonError:
			r.log.WithError(res.err).Warn("poller wait failed")
		}

		if r.quitting && r.fds.len() == 0 {
			return "quitting", nil
		}
	}
}
