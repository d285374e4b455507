package reactor

import (
	"syscall"

	"github.com/xmppd/reactor/timer"
)

// Server is the passive listening socket of spec.md §4.5. It shares
// most fields with Connection (design note 9.3) by holding a pointer to
// one of kind kindServerListener for its own fd bookkeeping, and adds the
// fields accepted connections inherit: read size, listener set, TLS
// context, direct-TLS flag, and the SNI host map.
type Server struct {
	conn *Connection
	r    *Reactor

	readSize  int
	listeners Listeners
	tlsCtx    *TLSConfig
	tlsDirect bool
	sniHosts  map[string]*TLSConfig

	backoff      *acceptBackoff
	paused       bool
	pauseTimerID timer.ID
}

// Close stops the listener: it stops accepting and destroys its
// underlying Connection. Already-accepted client connections are
// unaffected.
func (s *Server) Close() {
	s.conn.destroy()
}

// onAcceptable implements spec.md §4.5's on_acceptable.
func (s *Server) onAcceptable() {
	if s.paused || s.conn.destroyed {
		return
	}

	nfd, _, err := syscall.Accept(s.conn.fd)
	if err != nil {
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return
		}
		s.conn.log.WithError(err).Warn("accept failed, pausing listener")
		s.pauseAccepting()
		return
	}
	s.backoff.reset()

	if err := syscall.SetNonblock(nfd, true); err != nil {
		s.conn.log.WithError(err).Warn("setnonblock on accepted fd failed")
		syscall.Close(nfd)
		return
	}

	cc := newConnection(s.r, nfd, kindClient)
	cc.readSize = s.readSize
	cc.listeners = s.listeners
	cc.tlsCtx = s.tlsCtx
	cc.serverRef = s
	cc.connected = true
	cc.updatenames()

	s.r.fds.set(nfd, cc)
	cc.invoke("onattach", func() {
		if cc.listeners.OnAttach != nil {
			cc.listeners.OnAttach(cc)
		}
	})
	if cc.destroyed {
		return
	}

	if s.tlsDirect {
		cc.setInterest(true, true)
		cc.armReadTimer()
		cc.armWriteTimer()
		startTLSHandshake(cc, false)
		return
	}

	cc.setInterest(true, cc.wantWrite)
	cc.armReadTimer()
	cc.onReadable()
}

// pauseAccepting self-throttles the listener for accept_retry_interval
// (bounded exponential backoff via cenkalti/backoff), per spec.md §4.5
// and §8 scenario 4.
func (s *Server) pauseAccepting() {
	s.paused = true
	delay := s.backoff.next()
	s.pauseTimerID = s.r.timers.AddTaskIn(func(int64, timer.ID) float64 {
		s.paused = false
		return 0
	}, delay.Seconds())
}
