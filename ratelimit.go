package reactor

import (
	"time"

	"golang.org/x/time/rate"
)

// readLimiter computes the read-pause duration described in spec.md
// §4.4 / §9: cost = limit * bytes, where limit is an inverse byte-rate
// (seconds per byte). It is built on golang.org/x/time/rate (the
// dependency nasa-jpl-golaborate pulls in for the same concern): a
// rate.Limiter whose burst is sized to the connection's max per-receive
// byte count (read_size), so ReserveN(now, n) is always a valid
// reservation for any single receive — x/time/rate rejects n > burst
// outright, returning an invalid reservation whose Delay() is
// effectively infinite. The bucket is drained to empty immediately
// after construction so the very first receive pays the full
// limit*bytes cost instead of spending a free initial burst.
type readLimiter struct {
	limiter *rate.Limiter
	set     bool
}

// setLimit installs an inverse byte-rate limit (seconds per byte) with
// burst sized to maxBurst (the connection's read_size). A zero or
// negative limit disables throttling.
func (r *readLimiter) setLimit(secondsPerByte float64, maxBurst int) {
	if secondsPerByte <= 0 {
		r.set = false
		r.limiter = nil
		return
	}
	if maxBurst < 1 {
		maxBurst = 1
	}
	lim := rate.NewLimiter(rate.Limit(1/secondsPerByte), maxBurst)
	lim.AllowN(time.Now(), maxBurst)
	r.limiter = lim
	r.set = true
}

// pauseFor returns how long to suspend read interest after receiving n
// bytes, or 0 if no limit is set or the cost doesn't exceed minWait.
func (r *readLimiter) pauseFor(n int, minWait time.Duration) time.Duration {
	if !r.set || n <= 0 {
		return 0
	}
	d := r.limiter.ReserveN(time.Now(), n).Delay()
	if d <= minWait {
		return 0
	}
	return d
}
