package reactor

import "errors"

// Sentinel errors used as control-flow signals on the hot dispatch path.
// Equality-checked, never wrapped — matching the teacher's ErrDeadline /
// ErrWatcherClosed / ErrUnsupported convention in gaio's watcher.go.
var (
	// ErrClosed signals the peer closed its end of the connection.
	ErrClosed = errors.New("reactor: closed")
	// ErrAlreadyRegistered is returned by poller.add when fd is already
	// known to the poller; callers must transparently retry via modify.
	ErrAlreadyRegistered = errors.New("reactor: fd already registered")
	// ErrNotRegistered is returned by poller.modify for an unknown fd;
	// poller.del treats an unknown fd as success and returns nil.
	ErrNotRegistered = errors.New("reactor: fd not registered")
	// ErrClosing is returned by write/send on a connection mid-close,
	// draining its final write buffer before destruction.
	ErrClosing = errors.New("reactor: connection closing")
	// ErrDestroyed is returned by Write/Send on a destroyed Connection.
	ErrDestroyed = errors.New("reactor: destroyed")
	// ErrUnsupportedAddr is returned when addclient cannot classify an
	// address as IPv4 or IPv6.
	ErrUnsupportedAddr = errors.New("reactor: unsupported address")
	// ErrNoTLSConfig is passed to the onerror listener when a TLS
	// handshake is started on a connection that has no tls_ctx of its
	// own and none is inherited from a parent listener.
	ErrNoTLSConfig = errors.New("reactor: no tls config")
	// ErrLoopRunning is returned by Loop when another goroutine is
	// already inside Loop.
	ErrLoopRunning = errors.New("reactor: loop already running on another goroutine")
)
