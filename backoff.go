package reactor

import (
	"time"

	"github.com/cenkalti/backoff"
)

// acceptBackoff self-throttles a listener against EMFILE/ENFILE accept
// storms (spec.md §4.5, §7, §8 scenario 4), grounded on
// github.com/cenkalti/backoff (a nasa-jpl-golaborate dependency).
// A lone transient accept error pauses for exactly one
// accept_retry_interval; repeated consecutive failures back off
// exponentially (×1.5) up to an 8x ceiling, and a single successful
// accept resets the sequence.
type acceptBackoff struct {
	b *backoff.ExponentialBackOff
}

func newAcceptBackoff(interval time.Duration) *acceptBackoff {
	if interval <= 0 {
		interval = time.Millisecond
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = interval
	b.MaxInterval = interval * 8
	b.RandomizationFactor = 0 // deterministic: first pause == accept_retry_interval exactly
	b.MaxElapsedTime = 0      // never gives up; the listener always retries
	b.Reset()                 // restart the sequence from the InitialInterval set above
	return &acceptBackoff{b: b}
}

// next returns how long to pause before retrying accept.
func (a *acceptBackoff) next() time.Duration {
	return a.b.NextBackOff()
}

// reset clears the backoff sequence after a successful accept.
func (a *acceptBackoff) reset() {
	a.b.Reset()
}
