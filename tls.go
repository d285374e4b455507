package reactor

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/xmppd/reactor/timer"
)

// TLSConfig bundles a *tls.Config with optional DANE/TLSA
// enforcement, matching spec.md §3's tls_ctx field and §4.4's
// "optionally install DANE TLSA records".
type TLSConfig struct {
	Config *tls.Config
	DANE   *DANEConfig
}

// DANEConfig enables DANE/TLSA certificate-constraint verification,
// grounded on github.com/miekg/dns, which appears vendored in the
// retrieval pack (caddyserver-caddy, AdGuardTeam-AdGuardDNS). This is
// the one deliberate, narrow exception to spec.md §1's "DNS resolution
// is a collaborator's concern": it resolves a single TLSA RRset for a
// name the caller already has, not general address resolution.
type DANEConfig struct {
	Resolver string // DNS server to query, e.g. "127.0.0.1:53"
}

func (d *DANEConfig) lookupTLSA(ctx context.Context, name string, port int) ([]*dns.TLSA, error) {
	qname := fmt.Sprintf("_%d._tcp.%s", port, dns.Fqdn(name))
	m := new(dns.Msg)
	m.SetQuestion(qname, dns.TypeTLSA)

	c := new(dns.Client)
	in, _, err := c.ExchangeContext(ctx, m, d.Resolver)
	if err != nil {
		return nil, err
	}
	var out []*dns.TLSA
	for _, rr := range in.Answer {
		if t, ok := rr.(*dns.TLSA); ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// tlsHandshakeDriver drives a crypto/tls handshake over a Connection's
// raw fd, reconciling the blocking crypto/tls.Conn.Handshake call with
// the reactor's readiness-driven dispatch. See fdconn.go's doc comment
// for the full rationale.
type tlsHandshakeDriver struct {
	fc       *fdConn
	tconn    *tls.Conn
	done     chan error
	asClient bool
	cfgRef   *TLSConfig

	hasHandshakeTimer bool
	handshakeTimerID  timer.ID
	hasPollTimer      bool
	pollTimerID       timer.ID

	// readBusy/writeBusy track a single in-flight Read/Write on tconn,
	// run on its own goroutine since *tls.Conn offers no non-blocking
	// API; readDone/writeDone deliver the result back to the reactor
	// goroutine. Each is buffered to 1 so the goroutine never blocks
	// handing off its result, even if the connection is torn down
	// before anyone collects it.
	readBusy  bool
	readDone  chan tlsIOResult
	writeBusy bool
	writeDone chan tlsIOResult
}

// tlsIOResult carries the outcome of one established-phase Read or
// Write performed on the handshake's *tls.Conn from its own goroutine.
type tlsIOResult struct {
	data []byte
	err  error
}

// startTLSHandshake begins the handshake driver for cc, per spec.md
// §4.4 STARTTLS: resolve the effective *tls.Config (explicit
// servername else parent listener's SNI host map), wrap the socket,
// set read+write interest, arm the handshake timer, and switch
// on_readable/on_writable to the handshake driver via mode. The read
// and write idle timers are cancelled, not armed, while the handshake
// runs; only the handshake timer bounds it, and finish re-arms the
// read idle timer.
func startTLSHandshake(cc *Connection, asClient bool) {
	cfgRef := cc.tlsCtx
	if cfgRef == nil && cc.serverRef != nil {
		cfgRef = cc.serverRef.tlsCtx
	}
	if cfgRef == nil {
		cc.invoke("onerror", func() {
			if cc.listeners.OnError != nil {
				cc.listeners.OnError(cc, ErrNoTLSConfig)
			}
		})
		return
	}

	tlsCfg := cfgRef.Config
	if !asClient && cc.servername != "" && cc.serverRef != nil {
		if hostCfg, ok := cc.serverRef.sniHosts[cc.servername]; ok && hostCfg != nil {
			tlsCfg = hostCfg.Config
		}
	}

	cc.invoke("onstarttls", func() {
		if cc.listeners.OnStartTLS != nil {
			cc.listeners.OnStartTLS(cc)
		}
	})
	if cc.destroyed {
		return
	}

	var local, remote net.Addr
	if cc.localAddr != "" {
		local = &net.TCPAddr{IP: net.ParseIP(cc.localAddr), Port: cc.localPort}
	}
	if cc.peerAddr != "" {
		remote = &net.TCPAddr{IP: net.ParseIP(cc.peerAddr), Port: cc.peerPort}
	}

	fc := newFDConn(cc.fd, local, remote)
	var tconn *tls.Conn
	if asClient {
		tconn = tls.Client(fc, tlsCfg)
	} else {
		tconn = tls.Server(fc, tlsCfg)
	}

	d := &tlsHandshakeDriver{
		fc:        fc,
		tconn:     tconn,
		done:      make(chan error, 1),
		asClient:  asClient,
		cfgRef:    cfgRef,
		readDone:  make(chan tlsIOResult, 1),
		writeDone: make(chan tlsIOResult, 1),
	}
	cc.tlsConn = d
	cc.tlsState = tlsPendingHandshake
	cc.mode = modeTLSHandshake

	cc.cancelReadTimer()
	cc.cancelWriteTimer()
	cc.setInterest(true, true)

	d.handshakeTimerID = cc.r.timers.AddTaskIn(func(int64, timer.ID) float64 {
		d.hasHandshakeTimer = false
		cc.disconnect("tls handshake timeout")
		return 0
	}, cc.cfg().SSLHandshakeTimeout.Seconds())
	d.hasHandshakeTimer = true

	go func() {
		d.done <- tconn.Handshake()
	}()

	d.armPoll(cc)
}

// armPoll schedules a lightweight recurring check of the done channel.
// It exists because the final handshake step sometimes completes
// without any further socket readiness event (e.g. the last flight is
// a write that doesn't block) — without this backstop the reactor
// could wait indefinitely for an epoll event that never comes, even
// though the handshake goroutine already finished.
func (d *tlsHandshakeDriver) armPoll(cc *Connection) {
	delay := cc.cfg().ReadRetryDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	d.pollTimerID = cc.r.timers.AddTaskIn(func(int64, timer.ID) float64 {
		if cc.destroyed {
			return 0
		}
		select {
		case err := <-d.done:
			d.finish(cc, err)
			return 0
		default:
			return delay.Seconds()
		}
	}, delay.Seconds())
	d.hasPollTimer = true
}

// onReadable/onWritable wake the blocked handshake goroutine and
// narrow epoll interest to whichever direction it reports being
// blocked on — the closest analogue, under crypto/tls's blocking API,
// to the source system's "wantread/wantwrite from the TLS library
// narrow interest appropriately" (spec.md §4.4).
func (d *tlsHandshakeDriver) onReadable(cc *Connection) {
	d.fc.signalReadable()
	d.narrowInterest(cc)
}

func (d *tlsHandshakeDriver) onWritable(cc *Connection) {
	d.fc.signalWritable()
	d.narrowInterest(cc)
}

func (d *tlsHandshakeDriver) narrowInterest(cc *Connection) {
	switch d.fc.wantDirection() {
	case "read":
		cc.setInterest(true, false)
	case "write":
		cc.setInterest(false, true)
	default:
		cc.setInterest(true, true)
	}
}

func (d *tlsHandshakeDriver) cancelHandshakeTimer(cc *Connection) {
	if d.hasHandshakeTimer {
		cc.r.timers.Stop(d.handshakeTimerID)
		d.hasHandshakeTimer = false
	}
	if d.hasPollTimer {
		cc.r.timers.Stop(d.pollTimerID)
		d.hasPollTimer = false
	}
	d.fc.signalClosed()
}

// finish completes the handshake: on error, emits onerror and
// disconnects; on success, optionally verifies DANE/TLSA (client
// side only), clears the handshake handlers, emits
// onstatus("ssl-handshake-complete"), emits onconnect if this is the
// connection's first, and re-enters the normal read path.
func (d *tlsHandshakeDriver) finish(cc *Connection, err error) {
	// Stop the handshake and poll timers but keep fc open: established
	// reads and writes go on through the same bridge.
	if d.hasHandshakeTimer {
		cc.r.timers.Stop(d.handshakeTimerID)
		d.hasHandshakeTimer = false
	}
	if d.hasPollTimer {
		cc.r.timers.Stop(d.pollTimerID)
		d.hasPollTimer = false
	}

	if err != nil {
		cc.invoke("onerror", func() {
			if cc.listeners.OnError != nil {
				cc.listeners.OnError(cc, err)
			}
		})
		cc.disconnect("tls handshake failed: " + err.Error())
		return
	}

	if d.asClient && d.cfgRef.DANE != nil {
		state := d.tconn.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			recs, derr := d.cfgRef.DANE.lookupTLSA(ctx, cc.servername, cc.peerPort)
			cancel()
			if derr == nil && len(recs) > 0 {
				matched := false
				for _, rec := range recs {
					if rec.Verify(state.PeerCertificates[0]) == nil {
						matched = true
						break
					}
				}
				if !matched {
					daneErr := errors.New("dane: peer certificate does not match any TLSA record")
					cc.invoke("onerror", func() {
						if cc.listeners.OnError != nil {
							cc.listeners.OnError(cc, daneErr)
						}
					})
					cc.disconnect("dane verification failed")
					return
				}
			}
		}
	}

	cc.tlsState = tlsEstablished
	cc.mode = modeNormal
	cc.setInterest(true, false)
	cc.armReadTimer()
	d.armEstablishedPoll(cc)

	firstConnect := !cc.connected
	cc.connected = true

	cc.invoke("onstatus", func() {
		if cc.listeners.OnStatus != nil {
			cc.listeners.OnStatus(cc, "ssl-handshake-complete")
		}
	})
	if cc.destroyed {
		return
	}
	if firstConnect {
		cc.invoke("onconnect", func() {
			if cc.listeners.OnConnect != nil {
				cc.listeners.OnConnect(cc)
			}
		})
		if cc.destroyed {
			return
		}
	}

	cc.onReadable()
}

// --- established-phase I/O ---------------------------------------------
//
// Once the handshake completes, application data still has to pass
// through tconn (the TLS record layer), not the raw fd directly:
// on_readable/on_writable keep driving the same fdConn bridge used
// during the handshake, just with Read/Write instead of Handshake.

// armEstablishedPoll extends the handshake's poll backstop (armPoll)
// for the life of an established TLS connection: a Read or Write
// goroutine can finish without a matching epoll event (e.g. a Write
// that never blocked), so this keeps checking readDone/writeDone on a
// timer until the connection leaves the established state.
func (d *tlsHandshakeDriver) armEstablishedPoll(cc *Connection) {
	delay := cc.cfg().ReadRetryDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	d.pollTimerID = cc.r.timers.AddTaskIn(func(int64, timer.ID) float64 {
		if cc.destroyed || cc.tlsState != tlsEstablished {
			return 0
		}
		d.collectRead(cc)
		d.collectWrite(cc)
		return delay.Seconds()
	}, delay.Seconds())
	d.hasPollTimer = true
}

// beginRead starts a single Read on tconn on its own goroutine, unless
// one is already in flight.
func (d *tlsHandshakeDriver) beginRead(cc *Connection) {
	if d.readBusy || cc.destroyed {
		return
	}
	d.readBusy = true
	buf := make([]byte, cc.readSize)
	go func() {
		n, err := d.tconn.Read(buf)
		d.readDone <- tlsIOResult{data: buf[:n], err: err}
	}()
}

// collectRead non-blockingly picks up a finished Read, if any, and
// dispatches its result through the normal onincoming path.
func (d *tlsHandshakeDriver) collectRead(cc *Connection) {
	select {
	case res := <-d.readDone:
		d.readBusy = false
		switch {
		case res.err == nil:
			if len(res.data) > 0 {
				cc.onReadSuccess(res.data)
			}
			d.beginRead(cc)
		case res.err == io.EOF:
			cc.onReadClosed()
		default:
			cc.invoke("onincoming", func() {
				if cc.listeners.OnIncoming != nil {
					cc.listeners.OnIncoming(cc, nil, res.err)
				}
			})
			cc.disconnect(res.err.Error())
		}
	default:
	}
}

// onEstablishedReadable wakes any Read blocked on the underlying fd and
// keeps a Read perpetually in flight, per spec.md §4.4's established
// on_readable.
func (d *tlsHandshakeDriver) onEstablishedReadable(cc *Connection) {
	d.fc.signalReadable()
	d.beginRead(cc)
	d.collectRead(cc)
}

// beginWrite starts a single Write of data on tconn on its own
// goroutine. tls.Conn.Write either sends all of data or fails; there is
// no partial-write case to track across calls the way the raw fd path
// tracks one.
func (d *tlsHandshakeDriver) beginWrite(cc *Connection, data []byte) {
	d.writeBusy = true
	go func() {
		_, err := d.tconn.Write(data)
		d.writeDone <- tlsIOResult{err: err}
	}()
}

// collectWrite non-blockingly picks up a finished Write, if any.
func (d *tlsHandshakeDriver) collectWrite(cc *Connection) {
	select {
	case res := <-d.writeDone:
		d.writeBusy = false
		if res.err != nil {
			cc.disconnect(res.err.Error())
			return
		}
		cc.cancelWriteTimer()
		cc.runDrainAction()
	default:
	}
}

// onEstablishedWritable wakes any Write blocked on the underlying fd,
// collects a finished Write if one just completed, and starts the next
// queued write if the connection isn't already mid-write.
func (d *tlsHandshakeDriver) onEstablishedWritable(cc *Connection) {
	d.fc.signalWritable()
	d.collectWrite(cc)

	if d.writeBusy {
		cc.setInterest(cc.wantRead, true)
		return
	}
	if len(cc.writeBuffer) == 0 {
		cc.setInterest(cc.wantRead, false)
		return
	}

	data := cc.concatWriteBuffer()
	cc.writeBuffer = cc.writeBuffer[:0]
	d.beginWrite(cc, data)
	cc.setInterest(cc.wantRead, true)
	cc.armWriteTimer()
}
