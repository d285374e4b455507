package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestAcceptBackoff_GrowsThenResets exercises spec.md §8 scenario 4's
// backoff shape: consecutive failures back off upward to the configured
// ceiling, and a single reset (a successful accept) clears the sequence
// back to the initial interval.
func TestAcceptBackoff_GrowsThenResets(t *testing.T) {
	ab := newAcceptBackoff(80 * time.Millisecond)

	first := ab.next()
	second := ab.next()
	third := ab.next()

	assert.Equal(t, 80*time.Millisecond, first)
	assert.Greater(t, second, first)
	assert.LessOrEqual(t, third, 80*8*time.Millisecond)

	ab.reset()
	afterReset := ab.next()
	assert.Equal(t, first, afterReset)
}

// TestServer_PausesAcceptingOnErrorThenResumes exercises the listener
// side of scenario 4: it calls pauseAccepting directly (the call
// onAcceptable makes on a non-EAGAIN accept error), checks the listener
// is paused, and checks it is unpaused once the pause timer fires.
func TestServer_PausesAcceptingOnErrorThenResumes(t *testing.T) {
	r := newTestReactor(t)
	r.cfg.MinWait = 0

	srv, err := r.Listen("127.0.0.1", 0, Listeners{}, nil, false)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	srv.pauseAccepting()
	assert.True(t, srv.paused)

	stop := runLoop(t, r)
	defer stop()

	assert.Eventually(t, func() bool {
		return !srv.paused
	}, 2*time.Second, 5*time.Millisecond)
}
