package reactor

import (
	"errors"
	"net"
	"sync"
	"syscall"
	"time"
)

var (
	errFDConnPeerClosed = errors.New("reactor: fdconn: peer closed")
	errFDConnClosed     = errors.New("reactor: fdconn: closed locally")
)

// fdConn adapts a raw nonblocking socket fd to net.Conn so the standard
// library's crypto/tls can drive a handshake over it.
//
// crypto/tls.Conn.Handshake is a single blocking call with no
// incremental non-blocking steps — unlike the BIO-based want-read /
// want-write signals spec.md §4.4 describes from the original TLS
// provider. To reconcile the two, the handshake itself runs on a
// short-lived goroutine; fdConn.Read/Write block that goroutine on a
// condition variable which the reactor's single dispatch goroutine
// signals whenever the poller reports the fd ready. No Connection
// state is touched from the handshake goroutine — only this
// synchronization point is shared — so the reactor's single-threaded
// invariant (spec.md §5) is preserved everywhere except inside the
// standard library's own TLS handshake call.
type fdConn struct {
	fd int

	mu       sync.Mutex
	cond     *sync.Cond
	readable bool
	writable bool
	closed   bool
	lastWant string // "read" or "write": narrows epoll interest while blocked

	localAddr, remoteAddr net.Addr
}

func newFDConn(fd int, local, remote net.Addr) *fdConn {
	c := &fdConn{fd: fd, localAddr: local, remoteAddr: remote}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// signalReadable/signalWritable are called from the reactor's own
// goroutine when the poller reports fd ready; they wake a blocked
// handshake goroutine, if any is waiting.
func (c *fdConn) signalReadable() {
	c.mu.Lock()
	c.readable = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *fdConn) signalWritable() {
	c.mu.Lock()
	c.writable = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *fdConn) signalClosed() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// wantDirection reports which direction the handshake goroutine is
// currently blocked on ("read", "write", or "" if not blocked) — used
// by the TLS driver to narrow epoll interest, mirroring the
// wantread/wantwrite narrowing in spec.md §4.4.
func (c *fdConn) wantDirection() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastWant
}

func (c *fdConn) Read(b []byte) (int, error) {
	for {
		n, err := syscall.Read(c.fd, b)
		if err == nil {
			if n == 0 {
				return 0, errFDConnPeerClosed
			}
			return n, nil
		}
		if err != syscall.EAGAIN {
			return 0, err
		}
		if !c.waitFor("read") {
			return 0, errFDConnClosed
		}
	}
}

func (c *fdConn) Write(b []byte) (int, error) {
	total := 0
	for total < len(b) {
		n, err := syscall.Write(c.fd, b[total:])
		if err != nil {
			if err == syscall.EAGAIN {
				if !c.waitFor("write") {
					return total, errFDConnClosed
				}
				continue
			}
			return total, err
		}
		total += n
	}
	return total, nil
}

func (c *fdConn) waitFor(want string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastWant = want
	for {
		if c.closed {
			return false
		}
		if want == "read" && c.readable {
			c.readable = false
			c.lastWant = ""
			return true
		}
		if want == "write" && c.writable {
			c.writable = false
			c.lastWant = ""
			return true
		}
		c.cond.Wait()
	}
}

func (c *fdConn) Close() error { c.signalClosed(); return nil }

func (c *fdConn) LocalAddr() net.Addr                { return c.localAddr }
func (c *fdConn) RemoteAddr() net.Addr               { return c.remoteAddr }
func (c *fdConn) SetDeadline(t time.Time) error      { return nil }
func (c *fdConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fdConn) SetWriteDeadline(t time.Time) error { return nil }
