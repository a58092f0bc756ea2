// Package duplex implements DuplexBridge (spec.md §4.6): it adapts an
// external io.ReadWriteCloser into a net.Conn-shaped adapter so
// tlslayer can drive TLS over it exactly as over a real socket.
//
// Grounded on the net.Conn-shaped interface style of
// lthibault-pipewerks__net.go's Stream (Read/Write/Close/SetDeadline...)
// and sammck-go-wstunnel__bipipe.go's Bipipe, both of which wrap an
// arbitrary byte-stream pair to "look and act like a TCP socket."
//
// Author: momentics <momentics@gmail.com>
package duplex

import (
	"crypto/tls"
	"io"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/hioload-net/scriptsock/endpoint"
	"github.com/hioload-net/scriptsock/handlerset"
	"github.com/hioload-net/scriptsock/tlslayer"
)

// addr is a placeholder net.Addr for a stream with no real network
// endpoint.
type addr string

func (a addr) Network() string { return "duplex" }
func (a addr) String() string  { return string(a) }

type timeoutError struct{}

func (timeoutError) Error() string   { return "duplex: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// Conn adapts an io.ReadWriteCloser into a net.Conn. Deadlines are
// emulated by racing the blocking call against a timer, since a plain
// ReadWriteCloser has no native deadline support; this is what lets
// engine's SetWriteDeadline-based backpressure probe (see engine/io.go)
// work unmodified over a duplex bridge.
type Conn struct {
	rwc io.ReadWriteCloser

	mu            sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

// New wraps rwc as a net.Conn.
func New(rwc io.ReadWriteCloser) *Conn {
	return &Conn{rwc: rwc}
}

func (c *Conn) Read(b []byte) (int, error) {
	return withDeadline(c.deadline(&c.readDeadline), func() (int, error) { return c.rwc.Read(b) })
}

func (c *Conn) Write(b []byte) (int, error) {
	return withDeadline(c.deadline(&c.writeDeadline), func() (int, error) { return c.rwc.Write(b) })
}

func (c *Conn) Close() error { return c.rwc.Close() }

func (c *Conn) LocalAddr() net.Addr  { return addr("duplex-local") }
func (c *Conn) RemoteAddr() net.Addr { return addr("duplex-remote") }

func (c *Conn) deadline(field *time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return *field
}

func (c *Conn) SetDeadline(t time.Time) error {
	_ = c.SetReadDeadline(t)
	return c.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.writeDeadline = t
	c.mu.Unlock()
	return nil
}

// withDeadline runs fn to completion if deadline is zero; otherwise it
// races fn against the deadline, returning a net.Error with Timeout()
// true if the deadline elapses first. A timed-out fn's goroutine is
// abandoned (the underlying ReadWriteCloser offers no cancellation
// primitive); this mirrors the short-probe-window use engine/io.go
// makes of it, where a stale goroutine simply exits on its own next
// read/write.
func withDeadline(deadline time.Time, fn func() (int, error)) (int, error) {
	if deadline.IsZero() {
		return fn()
	}
	wait := time.Until(deadline)
	if wait <= 0 {
		return 0, timeoutError{}
	}

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := fn()
		done <- result{n, err}
	}()

	select {
	case r := <-done:
		return r.n, r.err
	case <-time.After(wait):
		return 0, timeoutError{}
	}
}

// Bridge wires a TLSLayer over a Conn adapter, deferring the handshake
// start to the next scheduler tick (spec.md §4.6: "schedule startTLS for
// the next tick") and tearing down via a dedicated goroutine so a
// close triggered from inside the user's own stream callback never
// reenters it synchronously.
type Bridge struct {
	tlsEngine *tlslayer.Engine

	closeOnce sync.Once
	closeReq  chan struct{}
}

// Upgrade builds a Bridge: rwc becomes the transport, and the TLS
// handshake (client or server) is scheduled on a fresh goroutine rather
// than run inline, so construction never blocks on network I/O.
func Upgrade(rwc io.ReadWriteCloser, handlers *handlerset.Set, conf *tls.Config, isServer, allowHalfOpen bool) *Bridge {
	conn := New(rwc)
	ep := endpoint.Endpoint{Kind: endpoint.KindFD, FD: -1}

	var tlsEngine *tlslayer.Engine
	if isServer {
		tlsEngine = tlslayer.NewServer(ep, handlers, conf, allowHalfOpen)
	} else {
		tlsEngine = tlslayer.NewClient(ep, handlers, conf, allowHalfOpen)
	}

	b := &Bridge{tlsEngine: tlsEngine, closeReq: make(chan struct{}, 1)}

	go func() {
		// "next tick": yield once so the caller's Upgrade() returns and
		// installs any handlers/references before I/O starts.
		runtime.Gosched()
		if isServer {
			tlsEngine.Accept(conn)
		} else {
			tlsEngine.ClientHandshake(conn)
		}
	}()

	go b.closeLoop()
	return b
}

// Engine exposes the underlying TLSLayer engine for Write/End/etc.
func (b *Bridge) Engine() *tlslayer.Engine { return b.tlsEngine }

// Close requests teardown via the dedicated close goroutine, never
// running the actual rwc.Close()/engine.Close() inline on the caller's
// goroutine (spec.md §4.6: "Close tears down in a deferred task to
// avoid reentrancy into the user stream").
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() { close(b.closeReq) })
	return nil
}

func (b *Bridge) closeLoop() {
	<-b.closeReq
	_ = b.tlsEngine.Close()
}
