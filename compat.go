package reactor

import "syscall"

// EV_LEAVE is the legacy addevent sentinel (spec.md §6): a callback
// returning EV_LEAVE turns off both read and write interest for that
// fd. This is the one surface that still speaks in the pre-mode-enum
// vocabulary design note 9.2 replaced everywhere else.
const EV_LEAVE = -1

// AddEvent is the deprecated addevent(fd, mode, callback) compatibility
// shim (spec.md §6, §9 "Compatibility exports"). mode is "r", "w", or
// "rw". callback's return value selects the next interest set:
// EV_LEAVE turns both off, a positive return keeps the originally
// registered mode, zero leaves the current interest unchanged.
func (r *Reactor) AddEvent(fd int, mode string, callback func() int) (*Connection, error) {
	wantR := mode == "r" || mode == "rw"
	wantW := mode == "w" || mode == "rw"

	var cc *Connection
	handler := func() {
		switch callback() {
		case EV_LEAVE:
			cc.setInterest(false, false)
		case 0:
			// falsy: unchanged, leave current interest as-is.
		default:
			cc.setInterest(wantR, wantW)
		}
	}

	var onR, onW func()
	if wantR {
		onR = handler
	}
	if wantW {
		onW = handler
	}

	var err error
	cc, err = r.WatchFD(fd, onR, onW)
	return cc, err
}

// AddServer is the compat alias for Listen that takes a combined
// "host:port" address, matching legacy call sites.
func (r *Reactor) AddServer(hostport string, listeners Listeners, tlsCtx *TLSConfig, tlsDirect bool) (*Server, error) {
	host, port, err := parseNetworkPort(hostport)
	if err != nil {
		return nil, err
	}
	return r.Listen(host, port, listeners, tlsCtx, tlsDirect)
}

// WrapClient adapts an already-connected fd (e.g. inherited across a
// restart) into a Connection without going through AddClient's
// connect step: it is immediately marked connected and registered for
// reads.
func (r *Reactor) WrapClient(fd int, listeners Listeners, readSize int, tlsCtx *TLSConfig) (*Connection, error) {
	if err := syscall.SetNonblock(fd, true); err != nil {
		return nil, err
	}
	if readSize <= 0 {
		readSize = r.cfg.ReadSize
	}

	cc := newConnection(r, fd, kindClient)
	cc.readSize = readSize
	cc.listeners = listeners
	cc.tlsCtx = tlsCtx
	cc.connected = true
	cc.updatenames()

	r.fds.set(fd, cc)
	if err := addOrModify(r.poll, fd, true, false); err != nil {
		r.fds.delete(fd)
		return nil, err
	}
	cc.wantRead = true
	cc.armReadTimer()
	return cc, nil
}

// WrapServer adapts an already-bound-and-listening fd into a Server,
// the listener-side counterpart to WrapClient.
func (r *Reactor) WrapServer(fd int, listeners Listeners, readSize int, tlsCtx *TLSConfig, tlsDirect bool) (*Server, error) {
	if err := syscall.SetNonblock(fd, true); err != nil {
		return nil, err
	}

	conn := newConnection(r, fd, kindServerListener)
	conn.updatenames()

	s := &Server{
		conn:      conn,
		r:         r,
		readSize:  readSize,
		listeners: listeners,
		tlsCtx:    tlsCtx,
		tlsDirect: tlsDirect,
		sniHosts:  make(map[string]*TLSConfig),
		backoff:   newAcceptBackoff(r.cfg.AcceptRetryInterval),
	}
	if s.readSize <= 0 {
		s.readSize = r.cfg.ReadSize
	}
	conn.asServer = s

	r.fds.set(fd, conn)
	if err := addOrModify(r.poll, fd, true, false); err != nil {
		r.fds.delete(fd)
		return nil, err
	}
	conn.wantRead = true
	return s, nil
}
