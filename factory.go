package reactor

import (
	"fmt"
	"net"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/xmppd/reactor/timer"
)

// Reactor is the single-threaded runtime described in spec.md §5: one
// poller, one fd table, one timer scheduler, one config record, all
// touched exclusively from whichever goroutine is inside Loop.
type Reactor struct {
	poll   poller
	fds    *fdTable
	timers *timer.Scheduler
	cfg    Config
	log    *logrus.Entry

	quitting bool

	// loopRunning guards against calling Loop from two goroutines at
	// once; it is the only field in Reactor touched with atomics,
	// since it must be checked before the single-threaded invariant
	// it protects has been established.
	loopRunning int32

	// configUpdates carries reloaded Configs (e.g. from
	// internal/watchconfig's fsnotify goroutine) into the Loop
	// goroutine, which is the sole owner of cfg. Buffered to 1 and
	// always drained-then-refilled by SetConfig so only the latest
	// reload survives; Loop installs it at the top of each iteration.
	configUpdates chan Config
}

// New constructs a Reactor backed by the platform poller (epoll on
// Linux; see poller_other.go for the unsupported-platform stub).
func New(cfg Config, log *logrus.Entry) (*Reactor, error) {
	p, err := newPoller()
	if err != nil {
		return nil, fmt.Errorf("reactor: %w", err)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reactor{
		poll:          p,
		fds:           newFDTable(),
		timers:        timer.NewScheduler(),
		cfg:           cfg,
		log:           log,
		configUpdates: make(chan Config, 1),
	}, nil
}

func (r *Reactor) cfgPtr() *Config { return &r.cfg }

// SetConfig queues cfg for installation by the Loop goroutine at the
// top of its next iteration, per spec.md §4.7 and §5's single-writer
// invariant on cfg; connections mid-flight keep their current timers
// until next re-arm. Safe to call from any goroutine, including a
// config watcher's own (internal/watchconfig). Only the most recently
// queued Config survives if SetConfig is called faster than Loop
// drains it.
func (r *Reactor) SetConfig(cfg Config) {
	for {
		select {
		case r.configUpdates <- cfg:
			return
		default:
		}
		select {
		case <-r.configUpdates:
		default:
		}
	}
}

// GetBackend reports the active poller backend.
func (r *Reactor) GetBackend() string { return r.poll.backend() }

// SetQuitting arms graceful shutdown (spec.md §8 scenario 6): every
// live connection, listener and watched fd is closed (clients
// drain-then-destroy); once the fd table
// empties, Loop returns "quitting".
func (r *Reactor) SetQuitting(quit bool) {
	r.quitting = quit
	if !quit {
		return
	}
	var targets []*Connection
	r.fds.each(func(_ int, c *Connection) {
		targets = append(targets, c)
	})
	for _, c := range targets {
		c.Close()
	}
}

// AddTask delegates to the reactor's timer scheduler (spec.md §6's
// "timer submodule exposing add_task, stop, reschedule,
// to_absolute_time").
func (r *Reactor) AddTask(cb timer.Callback, delaySeconds float64) timer.ID {
	return r.timers.AddTaskIn(cb, delaySeconds)
}

// resolveSockaddr parses addr/port into a syscall.Sockaddr and the
// matching socket domain, inferring IPv4 vs IPv6 from the address
// text per spec.md §4.6 addclient's "if type absent, infer by parsing
// addr".
func resolveSockaddr(addr string, port int) (syscall.Sockaddr, int, error) {
	ip := net.ParseIP(addr)
	if ip == nil {
		ips, err := net.LookupIP(addr)
		if err != nil || len(ips) == 0 {
			return nil, 0, ErrUnsupportedAddr
		}
		ip = ips[0]
	}
	if v4 := ip.To4(); v4 != nil {
		var sa syscall.SockaddrInet4
		copy(sa.Addr[:], v4)
		sa.Port = port
		return &sa, syscall.AF_INET, nil
	}
	if v6 := ip.To16(); v6 != nil {
		var sa syscall.SockaddrInet6
		copy(sa.Addr[:], v6)
		sa.Port = port
		return &sa, syscall.AF_INET6, nil
	}
	return nil, 0, ErrUnsupportedAddr
}

// Listen implements spec.md §4.6 listen: bind, set non-blocking, wrap
// as a Server/listener Connection, register for reads.
func (r *Reactor) Listen(addr string, port int, listeners Listeners, tlsCtx *TLSConfig, tlsDirect bool) (*Server, error) {
	sa, domain, err := resolveSockaddr(addr, port)
	if err != nil {
		return nil, err
	}

	fd, err := syscall.Socket(domain, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("reactor: socket: %w", err)
	}
	_ = syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)

	if err := syscall.Bind(fd, sa); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("reactor: bind: %w", err)
	}
	backlog := r.cfg.TCPBacklog
	if backlog <= 0 {
		backlog = 128
	}
	if err := syscall.Listen(fd, backlog); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("reactor: listen: %w", err)
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("reactor: setnonblock: %w", err)
	}

	conn := newConnection(r, fd, kindServerListener)
	conn.updatenames()

	s := &Server{
		conn:      conn,
		r:         r,
		readSize:  r.cfg.ReadSize,
		listeners: listeners,
		tlsCtx:    tlsCtx,
		tlsDirect: tlsDirect,
		sniHosts:  make(map[string]*TLSConfig),
		backoff:   newAcceptBackoff(r.cfg.AcceptRetryInterval),
	}
	conn.asServer = s

	r.fds.set(fd, conn)
	if err := addOrModify(r.poll, fd, true, false); err != nil {
		r.fds.delete(fd)
		syscall.Close(fd)
		return nil, fmt.Errorf("reactor: poller add: %w", err)
	}
	conn.wantRead = true
	return s, nil
}

// SetSNIHost installs a per-hostname TLS config override for
// connections accepted on s that present servername via SNI, per
// spec.md §3's sni_hosts.
func (s *Server) SetSNIHost(hostname string, cfgRef *TLSConfig) {
	s.sniHosts[hostname] = cfgRef
}

// AddClient implements spec.md §4.6 addclient: create a socket,
// kick off a non-blocking connect, wrap it as a Connection in
// modeConnecting, and arm STARTTLS-on-connect if tlsCtx is supplied.
func (r *Reactor) AddClient(addr string, port int, listeners Listeners, readSize int, tlsCtx *TLSConfig) (*Connection, error) {
	sa, domain, err := resolveSockaddr(addr, port)
	if err != nil {
		return nil, err
	}

	fd, err := syscall.Socket(domain, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("reactor: socket: %w", err)
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return nil, fmt.Errorf("reactor: setnonblock: %w", err)
	}

	err = syscall.Connect(fd, sa)
	if err != nil && err != syscall.EINPROGRESS {
		syscall.Close(fd)
		return nil, fmt.Errorf("reactor: connect: %w", err)
	}

	if readSize <= 0 {
		readSize = r.cfg.ReadSize
	}

	cc := newConnection(r, fd, kindClient)
	cc.mode = modeConnecting
	cc.readSize = readSize
	cc.listeners = listeners
	cc.tlsCtx = tlsCtx
	cc.peerAddr = addr
	cc.peerPort = port
	if tlsCtx != nil {
		cc.startTLSOnConnect = true
	}

	r.fds.set(fd, cc)
	if aerr := addOrModify(r.poll, fd, false, true); aerr != nil {
		r.fds.delete(fd)
		syscall.Close(fd)
		return nil, fmt.Errorf("reactor: poller add: %w", aerr)
	}
	cc.wantWrite = true
	cc.armWriteTimer()
	return cc, nil
}

// WatchFD implements spec.md §4.6 watchfd: register an arbitrary fd
// with user-supplied readable/writable handlers, outside the normal
// Connection read/write/TLS machinery.
func (r *Reactor) WatchFD(fd int, onReadable, onWritable func()) (*Connection, error) {
	cc := newConnection(r, fd, kindFDWatch)
	cc.watchOnReadable = onReadable
	cc.watchOnWritable = onWritable

	r.fds.set(fd, cc)
	if err := addOrModify(r.poll, fd, onReadable != nil, onWritable != nil); err != nil {
		r.fds.delete(fd)
		return nil, fmt.Errorf("reactor: poller add: %w", err)
	}
	cc.wantRead = onReadable != nil
	cc.wantWrite = onWritable != nil
	return cc, nil
}

// Link implements spec.md §4.6 link: rewire from.onincoming to
// pause-read + to.write, and to.ondrain to resume from. This builds a
// flow-controlled byte pump between two connections, throttled by
// whichever side is slower to drain.
func (r *Reactor) Link(from, to *Connection, readSize int) {
	if readSize > 0 {
		from.readSize = readSize
	}

	prevToDrain := to.listeners.OnDrain

	fromListeners := from.listeners
	fromListeners.OnIncoming = func(c *Connection, data []byte, err error) {
		if err != nil {
			return
		}
		c.setInterest(false, c.wantWrite)
		c.cancelReadTimer()
		if _, werr := to.Write(data); werr != nil && to.listeners.OnError != nil {
			to.listeners.OnError(to, werr)
		}
	}
	from.SetListeners(fromListeners)

	toListeners := to.listeners
	toListeners.OnDrain = func(c *Connection) {
		if !from.destroyed {
			from.setInterest(true, from.wantWrite)
			from.armReadTimer()
		}
		if prevToDrain != nil {
			prevToDrain(c)
		}
	}
	to.SetListeners(toListeners)
}

// CloseAll destroys every live connection and server immediately,
// bypassing graceful drain — used for hard shutdown paths distinct
// from SetQuitting's graceful one.
func (r *Reactor) CloseAll() {
	var targets []*Connection
	r.fds.each(func(_ int, c *Connection) { targets = append(targets, c) })
	for _, c := range targets {
		c.destroy()
	}
}

// parseNetworkPort splits a "host:port" string, used by the compat
// shims in compat.go which accept a single address argument rather
// than addr/port separately.
func parseNetworkPort(hostport string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}
