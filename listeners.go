package reactor

import "fmt"

// Listeners is the optional callback set a Connection dispatches into,
// per spec.md §4.4. Any field may be nil; missing callbacks are skipped
// silently. config.Verbose does not change this: invoke's debug log is
// reached only for a nil fn, and every caller passes a non-nil closure
// that checks the listener field itself. Swapping a Connection's Listeners record at runtime
// (SetListeners) is how listener-driven state transitions are encoded —
// no inheritance, just a record of function references passed by value.
type Listeners struct {
	OnAttach    func(c *Connection)
	OnDetach    func(c *Connection)
	OnConnect   func(c *Connection)
	OnIncoming  func(c *Connection, data []byte, err error)
	OnDrain     func(c *Connection)
	OnDisconnect func(c *Connection, reason string)
	// OnReadTimeout returning true keeps the connection open and
	// re-arms the read-idle timer; false lets it disconnect.
	OnReadTimeout func(c *Connection) bool
	OnStartTLS    func(c *Connection)
	OnStatus      func(c *Connection, tag string)
	OnError       func(c *Connection, err error)
}

// invoke runs fn (if non-nil) under the protect_listeners error trap
// described in spec.md §4.4 and §7: a panic (the Go analogue of the
// listener-callback exceptions in the source system) is recovered,
// logged, and — when config.FatalErrors is set — turned into a
// connection-destroying error. With protect_listeners=false the panic
// is allowed to propagate, matching "unprotected mode re-raises
// (caller's problem)".
func (c *Connection) invoke(name string, fn func()) {
	if fn == nil {
		if c.cfg().Verbose {
			c.log.WithField("listener", name).Debug("listener callback not set, skipping")
		}
		return
	}

	if !c.cfg().ProtectListeners {
		fn()
		return
	}

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("listener %s panicked: %v", name, r)
			c.log.WithError(err).WithField("conn_id", c.id).Error("listener callback error")
			if c.cfg().FatalErrors {
				c.destroy()
			}
		}
	}()
	fn()
}
