package reactor

import (
	"fmt"
	"net"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/xmppd/reactor/timer"
)

// connKind distinguishes the three roles a live fd can play, per
// spec.md §3. Server and fd-watch share the Connection struct with
// active-client connections — design note 9.3 ("model either as one
// record with a kind discriminator, or as two variants with shared
// trait operations"); this implementation takes the single-record
// option, dispatching behavior on kind and mode rather than through
// separate types.
type connKind int

const (
	kindClient connKind = iota
	kindServerListener
	kindFDWatch
)

// connMode is the explicit state-machine discriminator called for in
// design note 9.2, replacing the source system's trick of reassigning
// onreadable/onwritable method slots at runtime.
type connMode int

const (
	modeConnecting connMode = iota
	modeNormal
	modeTLSHandshake
	modeClosing
	modeDestroyed
)

// tlsState mirrors spec.md §3's tls_state field.
type tlsState int

const (
	tlsNone tlsState = iota
	tlsPendingHandshake
	tlsEstablished
)

var connCounter int64

func nextConnID() string {
	return fmt.Sprintf("c%d", atomic.AddInt64(&connCounter, 1))
}

// writeChunk is one queued, possibly partially-sent, buffer in a
// Connection's write_buffer (spec.md §3). Modeled as a slice of chunks
// rather than one flat buffer, matching the teacher's per-fd pending
// list in gaio's watcher.go (container/list of outstanding buffers),
// adapted here to a plain slice since the reactor is single-threaded
// and never needs container/list's O(1) arbitrary-position removal.
type writeChunk struct {
	data []byte
}

// Connection is the per-socket state machine of spec.md §3/§4.4: a
// nonblocking socket, optional TLS session, read/write buffers, idle
// and handshake timers, an optional rate limiter, and a Listeners set.
//
// All methods are safe to call only from the reactor's single dispatch
// goroutine (inside or synchronously from Loop), except where noted.
type Connection struct {
	r    *Reactor
	id   string
	log  *logrus.Entry

	fd   int
	kind connKind
	mode connMode

	// asServer is set when kind == kindServerListener: the Server this
	// listening Connection belongs to, so the event loop can route
	// readable events to Server.onAcceptable.
	asServer *Server

	// watchOnReadable/watchOnWritable are set when kind == kindFDWatch
	// (factory.go's WatchFD): user-supplied handlers for an arbitrary
	// fd the reactor does not otherwise manage.
	watchOnReadable func()
	watchOnWritable func()

	wantRead  bool
	wantWrite bool

	readSize    int
	writeBuffer []writeChunk
	writeLock   bool

	tlsState   tlsState
	tlsCtx     *TLSConfig
	tlsConn    *tlsHandshakeDriver
	serverRef  *Server
	servername string

	connected bool

	hasReadTimeout  bool
	readTimeoutID   timer.ID
	hasWriteTimeout bool
	writeTimeoutID  timer.ID
	hasPauseTimer   bool
	pauseTimerID    timer.ID

	limit readLimiter

	// startTLSOnConnect marks an outgoing (addclient) connection that
	// should begin a client-side TLS handshake as soon as the initial
	// connect succeeds, per spec.md §4.6 addclient.
	startTLSOnConnect bool

	peerAddr  string
	peerPort  int
	localAddr string
	localPort int

	listeners Listeners

	// onDrainAction, when set, fires once the write buffer fully
	// drains instead of the normal ondrain listener callback: either
	// starttls (deferred STARTTLS, §4.4) or close (graceful close,
	// §4.4 Close vs Destroy).
	onDrainAction func(c *Connection)

	opportunisticGuard bool

	destroyed bool
}

func (c *Connection) cfg() *Config { return c.r.cfgPtr() }

// ID returns the connection's opaque log identifier (spec.md §3 id).
func (c *Connection) ID() string { return c.id }

// FD returns the OS descriptor, or -1 once destroyed.
func (c *Connection) FD() int {
	if c.destroyed {
		return -1
	}
	return c.fd
}

// Connected reports whether updatenames has fired at least once.
func (c *Connection) Connected() bool { return c.connected }

// PeerAddr/PeerPort/LocalAddr/LocalPort expose the fields populated by
// updatenames (spec.md §3).
func (c *Connection) PeerAddr() string  { return c.peerAddr }
func (c *Connection) PeerPort() int     { return c.peerPort }
func (c *Connection) LocalAddrStr() string { return c.localAddr }
func (c *Connection) LocalPort() int    { return c.localPort }

// ClientPort / ServerPort resolve the Open Question in spec.md §9: the
// source system's accessors fall through to the parent server's
// local_port inconsistently. clientport is always this connection's
// own local_port; serverport prefers its own local_port, falling back
// to the parent listener's local_port, and — matching the observed
// fallthrough that can drop the return — yields 0 when neither is
// available.
func (c *Connection) ClientPort() int { return c.localPort }

func (c *Connection) ServerPort() int {
	if c.localPort != 0 {
		return c.localPort
	}
	if c.serverRef != nil {
		return c.serverRef.conn.localPort
	}
	return 0
}

// SetListeners swaps the connection's callback record. Per design note
// 9.1, this is the mechanism for dynamic listener dispatch — there is
// no inheritance, just a record of optional function references.
func (c *Connection) SetListeners(l Listeners) {
	c.listeners = l
}

// SetLimit installs an inverse byte-rate (seconds per byte) read
// throttle, per spec.md §3's `limit` field and §8 scenario 5.
func (c *Connection) SetLimit(secondsPerByte float64) {
	c.limit.setLimit(secondsPerByte, c.readSize)
}

// StartTLS initiates a STARTTLS upgrade on an already-established
// plaintext connection, per spec.md §4.4 STARTTLS: if the write buffer
// is nonempty the handshake is deferred until it drains; otherwise it
// begins immediately.
func (c *Connection) StartTLS() {
	if c.destroyed || c.mode == modeTLSHandshake {
		return
	}
	if len(c.writeBuffer) > 0 {
		c.onDrainAction = func(cc *Connection) { startTLSHandshake(cc, false) }
		return
	}
	startTLSHandshake(c, false)
}

// SetSend is an explicit no-op, preserved per spec.md §9's Open
// Question: the source retains it for a caller that later overrides
// Send directly. Kept here purely for API-compatibility symmetry with
// Send; it does nothing.
func (c *Connection) SetSend(func([]byte) (int, error)) {}

func newConnection(r *Reactor, fd int, kind connKind) *Connection {
	c := &Connection{
		r:        r,
		id:       nextConnID(),
		fd:       fd,
		kind:     kind,
		mode:     modeNormal,
		readSize: r.cfgPtr().ReadSize,
	}
	c.log = r.log.WithField("conn_id", c.id).WithField("fd", fd)
	return c
}

// --- write path -----------------------------------------------------

// Write appends data to write_buffer and, depending on config, either
// flushes opportunistically or arms write interest — spec.md §4.4
// "Writes submitted via write(data)". It always reports the full
// length accepted; the buffer is unbounded at this layer.
func (c *Connection) Write(data []byte) (int, error) {
	if c.mode == modeDestroyed {
		return 0, ErrDestroyed
	}
	if c.mode == modeClosing {
		return 0, ErrClosing
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	c.writeBuffer = append(c.writeBuffer, writeChunk{data: buf})

	if c.writeLock {
		return len(data), nil
	}

	if c.cfg().OpportunisticWrites && !c.opportunisticGuard {
		c.opportunisticGuard = true
		c.onWritable()
		c.opportunisticGuard = false
		return len(data), nil
	}

	c.armWriteTimer()
	c.setInterest(c.wantRead, true)
	return len(data), nil
}

// Send is a thin alias retained for API familiarity with systems where
// Send and Write differ; here they are identical. A caller may still
// reassign it to something else after calling SetSend (a no-op) on
// systems that build on this type via embedding.
func (c *Connection) Send(data []byte) (int, error) { return c.Write(data) }

func (c *Connection) armWriteTimer() {
	c.cancelWriteTimer()
	d := c.cfg().SendTimeout
	if !c.connected {
		d = c.cfg().ConnectTimeout
	}
	c.writeTimeoutID = c.r.timers.AddTaskIn(c.onWriteTimeout, d.Seconds())
	c.hasWriteTimeout = true
}

func (c *Connection) cancelWriteTimer() {
	if c.hasWriteTimeout {
		c.r.timers.Stop(c.writeTimeoutID)
		c.hasWriteTimeout = false
	}
}

func (c *Connection) armReadTimer() {
	c.cancelReadTimer()
	c.readTimeoutID = c.r.timers.AddTaskIn(c.onReadTimeout, c.cfg().ReadTimeout.Seconds())
	c.hasReadTimeout = true
}

func (c *Connection) cancelReadTimer() {
	if c.hasReadTimeout {
		c.r.timers.Stop(c.readTimeoutID)
		c.hasReadTimeout = false
	}
}

func (c *Connection) onReadTimeout(int64, timer.ID) float64 {
	if c.destroyed {
		return 0
	}
	c.hasReadTimeout = false
	keep := false
	c.invoke("onreadtimeout", func() {
		if c.listeners.OnReadTimeout != nil {
			keep = c.listeners.OnReadTimeout(c)
		}
	})
	if keep {
		c.armReadTimer()
		return 0
	}
	c.disconnect("read timeout")
	return 0
}

func (c *Connection) onWriteTimeout(int64, timer.ID) float64 {
	if c.destroyed {
		return 0
	}
	c.hasWriteTimeout = false
	reason := "write timeout"
	if !c.connected {
		reason = "connection timeout"
	}
	c.disconnect(reason)
	return 0
}

func (c *Connection) setInterest(read, write bool) {
	c.wantRead, c.wantWrite = read, write
	if err := addOrModify(c.r.poll, c.fd, read, write); err != nil {
		c.log.WithError(err).Warn("poller interest update failed")
	}
}

// --- read path --------------------------------------------------------

// onReadable implements spec.md §4.4's on_readable. rawRead performs
// the actual syscall; it is swapped conceptually for
// tlsHandshakeDriver.onReadable while a handshake is in flight (mode ==
// modeTLSHandshake).
func (c *Connection) onReadable() {
	if c.destroyed {
		return
	}
	switch c.kind {
	case kindServerListener:
		c.asServer.onAcceptable()
		return
	case kindFDWatch:
		if c.watchOnReadable != nil {
			c.watchOnReadable()
		}
		return
	}
	switch c.mode {
	case modeConnecting:
		// A readable event before the first writable event on an
		// outgoing connection is still just progress; treat it as a
		// timeout per §4.4 step 5 ("actual timeout before connect").
		return
	case modeTLSHandshake:
		c.tlsConn.onReadable(c)
		return
	}
	if c.tlsState == tlsEstablished {
		c.tlsConn.onEstablishedReadable(c)
		return
	}

	buf := make([]byte, c.readSize)
	n, err := readRetryEINTR(c.fd, buf)

	switch {
	case err == nil && n > 0:
		c.onReadSuccess(buf[:n])
	case err == nil && n == 0:
		c.onReadClosed()
	case err == syscall.EAGAIN, err == syscall.EWOULDBLOCK:
		// want-read: keep read interest and clear write interest
		// (§4.4 step 3), unless data is still queued, in which case
		// write interest stays set so onWritable can drain it.
		c.setInterest(true, c.wantWrite && len(c.writeBuffer) > 0)
	default:
		c.invoke("onincoming", func() {
			if c.listeners.OnIncoming != nil {
				c.listeners.OnIncoming(c, nil, err)
			}
		})
		c.disconnect(err.Error())
	}
}

func (c *Connection) onReadSuccess(data []byte) {
	firstConnect := !c.connected
	c.connected = true
	if firstConnect {
		c.updatenames()
	}

	c.invoke("onincoming", func() {
		if c.listeners.OnIncoming != nil {
			c.listeners.OnIncoming(c, data, nil)
		}
	})
	if c.destroyed {
		return
	}

	if pause := c.limit.pauseFor(len(data), c.cfg().MinWait); pause > 0 {
		c.cancelReadTimer()
		c.setInterest(false, c.wantWrite)
		c.pauseTimerID = c.r.timers.AddTaskIn(c.onPauseExpired, pause.Seconds())
		c.hasPauseTimer = true
		return
	}

	if c.socketDirty() {
		c.cancelReadTimer()
		c.r.timers.AddTaskIn(c.onRetryRead, c.cfg().ReadRetryDelay.Seconds())
		return
	}

	c.armReadTimer()
}

// socketDirty reports whether the kernel has more buffered bytes ready
// beyond the last read, per the GLOSSARY's "dirty socket" — probed via
// a zero-effect MSG_PEEK (no bytes consumed), matching the intent of
// "more data appears immediately readable" without performing a second
// real read outside the normal dispatch path.
func (c *Connection) socketDirty() bool {
	var one [1]byte
	n, _, err := syscall.Recvfrom(c.fd, one[:], syscall.MSG_PEEK|syscall.MSG_DONTWAIT)
	return err == nil && n > 0
}

func (c *Connection) onRetryRead(int64, timer.ID) float64 {
	if c.destroyed {
		return 0
	}
	c.onReadable()
	return 0
}

func (c *Connection) onPauseExpired(int64, timer.ID) float64 {
	if c.destroyed {
		return 0
	}
	c.hasPauseTimer = false
	c.setInterest(true, c.wantWrite)
	c.armReadTimer()
	// drain any data buffered while paused.
	c.onReadable()
	return 0
}

func (c *Connection) onReadClosed() {
	c.invoke("onincoming", func() {
		if c.listeners.OnIncoming != nil {
			c.listeners.OnIncoming(c, nil, ErrClosed)
		}
	})
	c.disconnect("closed")
}

// --- write dispatch ---------------------------------------------------

// onWritable implements spec.md §4.4's on_writable.
func (c *Connection) onWritable() {
	if c.destroyed {
		return
	}
	if c.kind == kindFDWatch {
		if c.watchOnWritable != nil {
			c.watchOnWritable()
		}
		return
	}
	if c.mode == modeTLSHandshake {
		c.tlsConn.onWritable(c)
		return
	}
	if c.mode == modeConnecting {
		c.mode = modeNormal
		c.connected = true
		c.updatenames()
		c.cancelWriteTimer()

		if c.startTLSOnConnect {
			c.startTLSOnConnect = false
			startTLSHandshake(c, true)
			return
		}

		c.invoke("onconnect", func() {
			if c.listeners.OnConnect != nil {
				c.listeners.OnConnect(c)
			}
		})
		if c.destroyed {
			return
		}
	}

	if c.tlsState == tlsEstablished {
		c.tlsConn.onEstablishedWritable(c)
		return
	}

	if len(c.writeBuffer) == 0 {
		c.setInterest(c.wantRead, false)
		return
	}

	data := c.concatWriteBuffer()
	n, err := writeRetryEINTR(c.fd, data)
	switch {
	case err == nil && n == len(data):
		c.writeBuffer = c.writeBuffer[:0]
		c.cancelWriteTimer()
		c.setInterest(c.wantRead, false)
		c.runDrainAction()
	case err == nil && n > 0:
		c.writeBuffer = []writeChunk{{data: data[n:]}}
		c.setInterest(c.wantRead, true)
		c.armWriteTimer()
	case err == syscall.EAGAIN, err == syscall.EWOULDBLOCK:
		c.setInterest(c.wantRead, true)
	default:
		c.disconnect(err.Error())
	}
}

func (c *Connection) concatWriteBuffer() []byte {
	if len(c.writeBuffer) == 1 {
		return c.writeBuffer[0].data
	}
	total := 0
	for _, ch := range c.writeBuffer {
		total += len(ch.data)
	}
	out := make([]byte, 0, total)
	for _, ch := range c.writeBuffer {
		out = append(out, ch.data...)
	}
	return out
}

func (c *Connection) runDrainAction() {
	action := c.onDrainAction
	c.onDrainAction = nil
	if action != nil {
		action(c)
		return
	}
	c.invoke("ondrain", func() {
		if c.listeners.OnDrain != nil {
			c.listeners.OnDrain(c)
		}
	})
}

// --- lifecycle ---------------------------------------------------------

// updatenames populates peer/local address fields post-connect or
// post-TLS-wrap, per spec.md §3.
func (c *Connection) updatenames() {
	sa, err := syscall.Getpeername(c.fd)
	if err == nil {
		if addr, port, ok := sockaddrToIPPort(sa); ok {
			c.peerAddr, c.peerPort = addr, port
		}
	}
	sa, err = syscall.Getsockname(c.fd)
	if err == nil {
		if addr, port, ok := sockaddrToIPPort(sa); ok {
			c.localAddr, c.localPort = addr, port
		}
	}
}

func sockaddrToIPPort(sa syscall.Sockaddr) (string, int, bool) {
	switch v := sa.(type) {
	case *syscall.SockaddrInet4:
		return net.IP(v.Addr[:]).String(), v.Port, true
	case *syscall.SockaddrInet6:
		return net.IP(v.Addr[:]).String(), v.Port, true
	}
	return "", 0, false
}

func (c *Connection) disconnect(reason string) {
	if c.destroyed {
		return
	}
	c.invoke("ondisconnect", func() {
		if c.listeners.OnDisconnect != nil {
			c.listeners.OnDisconnect(c, reason)
		}
	})
	c.destroy()
}

// Close implements spec.md §4.4 "Close vs Destroy": if the write
// buffer is nonempty, writes are disabled and ondisconnect+destroy are
// deferred until the buffer drains (via onDrainAction); otherwise it
// tears down immediately.
func (c *Connection) Close() {
	if c.destroyed || c.mode == modeClosing {
		return
	}
	if len(c.writeBuffer) > 0 {
		c.mode = modeClosing
		c.onDrainAction = func(cc *Connection) { cc.disconnect("closed") }
		return
	}
	c.disconnect("closed")
}

// destroy implements spec.md §4.4: idempotent teardown that removes
// the fd from the poller, cancels all timers, closes the socket, and
// neuters further mutation.
func (c *Connection) destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.mode = modeDestroyed

	c.invoke("ondetach", func() {
		if c.listeners.OnDetach != nil {
			c.listeners.OnDetach(c)
		}
	})

	c.cancelReadTimer()
	c.cancelWriteTimer()
	if c.hasPauseTimer {
		c.r.timers.Stop(c.pauseTimerID)
		c.hasPauseTimer = false
	}
	if c.tlsConn != nil {
		c.tlsConn.cancelHandshakeTimer(c)
	}

	_ = c.r.poll.del(c.fd)
	syscall.Close(c.fd)
	c.r.fds.delete(c.fd)

	c.writeBuffer = nil
	c.fd = -1
}

// Destroyed reports whether destroy has already run.
func (c *Connection) Destroyed() bool { return c.destroyed }
