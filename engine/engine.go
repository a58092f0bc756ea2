// Package engine implements ConnectionEngine (spec.md §3, §4.3): the
// per-socket state machine, covering connect/accept, open, data,
// writable, timeout, end, close, and the write-buffer/flush/end engine.
//
// Concurrency model: SPEC_FULL.md §4.3 reinterprets the spec's
// single-threaded cooperative loop as one reader goroutine and one
// writer goroutine per Engine, grounded on protocol/connection.go's
// WSConnection.Start() (recvLoop/sendLoop pair). Per-engine callback
// ordering (P2, P3) holds because exactly one goroutine issues reader
// callbacks and exactly one issues writer callbacks.
//
// Author: momentics <momentics@gmail.com>
package engine

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hioload-net/scriptsock/apierr"
	"github.com/hioload-net/scriptsock/endpoint"
	"github.com/hioload-net/scriptsock/handlerset"
	"github.com/hioload-net/scriptsock/internal/bufpool"
	"github.com/hioload-net/scriptsock/internal/xlog"
	"github.com/hioload-net/scriptsock/writebuf"
)

// State is one point in the ConnectionEngine state machine of spec.md
// §4.3: Detached → Connecting → Open → {HalfClosedRemote, Shutdown} →
// Closed.
type State int32

const (
	StateDetached State = iota
	StateConnecting
	StateOpen
	StateHalfClosedRemote
	StateShutdown
	StateClosed
)

// flag is the ConnectionEngine bit field of spec.md §3.
type flag uint32

const (
	flagActive flag = 1 << iota
	flagFinalizing
	flagAuthorized
	flagHandshakeComplete
	flagEmptyPacketPending
	flagEndAfterFlush
	flagPaused
	flagAllowHalfOpen
)

const defaultIdleTimeout = 120 * time.Second
const readBufSize = 64 * 1024

var scratchPool = bufpool.New(readBufSize)

// EmptyRecordWriter is the hook the engine calls for a pending
// zero-length protocol record (see spec.md §3 "Empty packet pending");
// tlslayer installs one. An engine without one treats an empty write as
// a no-op.
type EmptyRecordWriter interface {
	WriteEmptyRecord() error
}

// Engine is ConnectionEngine: transport handle, backlog, flags, and the
// handler set it dispatches callbacks through.
type Engine struct {
	Endpoint endpoint.Endpoint
	handlers *handlerset.Set
	release  func() // handlerset.Set.Enter()'s paired release

	mu        sync.Mutex
	state     State
	flags     flag
	transport net.Conn
	backlog   *writebuf.Backlog

	bytesWritten atomic.Uint64
	bytesRead    atomic.Uint64

	keepAliveRefs atomic.Int32 // host-event-loop keep-alive (§4.3 "Ref/unref")
	refCount      atomic.Int32 // intrusive memory refcount, independent of keepAliveRefs

	idleTimeout time.Duration
	idleTimer   *time.Timer

	writerWake chan struct{}
	done       chan struct{}
	closeOnce  sync.Once

	// stopLoops is closed exactly once, by whichever happens first: a
	// normal close/terminate, or a wrap/duplex layer taking the
	// transport over. It only stops the reader/writer goroutines; done
	// (and the `close` callback) fires solely from closeWithError.
	stopLoops chan struct{}
	stopOnce  sync.Once
	handoff   atomic.Bool // set by TakeOverTransport before the deadline trick

	emptyRecordWriter EmptyRecordWriter

	closeHook func() // wrap.RawView's sibling teardown (invariant I6)

	metrics *xlog.Metrics

	thisValue any // opaque handle surfaced to callbacks (spec.md §3 scriptThisValue)
}

// New constructs an Engine bound to ep, sharing handlers (a ListenContext
// accept path passes its own HandlerSet; an outbound connect constructs
// a fresh one). The caller must call Attach once the transport is ready.
func New(ep endpoint.Endpoint, handlers *handlerset.Set, allowHalfOpen bool) *Engine {
	e := &Engine{
		Endpoint:    ep,
		handlers:    handlers,
		backlog:     writebuf.NewBacklog(),
		idleTimeout: defaultIdleTimeout,
		writerWake:  make(chan struct{}, 1),
		done:        make(chan struct{}),
		stopLoops:   make(chan struct{}),
		metrics:     xlog.NewMetrics(),
	}
	if allowHalfOpen {
		e.flags |= flagAllowHalfOpen
	}
	e.release = handlers.Enter()
	return e
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) hasFlag(f flag) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags&f != 0
}

func (e *Engine) setFlag(f flag, on bool) {
	e.mu.Lock()
	if on {
		e.flags |= f
	} else {
		e.flags &^= f
	}
	e.mu.Unlock()
}

// Attach binds transport, transitions Connecting→Open (or Detached→Open
// for an accepted connection that skips Connecting), marks the engine
// Active, starts the idle timer, and launches the reader goroutine.
// Fires `open` immediately unless deferred controls it (see tlslayer,
// which calls AttachDeferOpen instead).
func (e *Engine) Attach(transport net.Conn) {
	e.attach(transport, true)
}

// AttachDeferOpen is Attach without firing `open`; used by tlslayer when
// no handshake callback is registered and `open` must wait for handshake
// completion (spec.md §4.4).
func (e *Engine) AttachDeferOpen(transport net.Conn) {
	e.attach(transport, false)
}

func (e *Engine) attach(transport net.Conn, fireOpen bool) {
	e.mu.Lock()
	e.transport = transport
	e.state = StateOpen
	e.flags |= flagActive
	e.mu.Unlock()

	e.keepAliveRefs.Add(1)
	e.refCount.Add(1)
	e.resetIdleTimer()

	if fireOpen {
		e.handlers.OnOpen(&handlerset.Event{ThisValue: e.thisValue})
	}
	go e.readLoop()
	go e.writeLoop()
}

// ThisValue returns the opaque handle callbacks receive, and SetThisValue
// lets a wrapping layer (tlslayer, wrap) install its own handle so
// callbacks see the outer object rather than the bare Engine.
func (e *Engine) ThisValue() any     { return e.thisValue }
func (e *Engine) SetThisValue(v any) { e.thisValue = v }

func (e *Engine) stopBackgroundLoops() {
	e.stopOnce.Do(func() { close(e.stopLoops) })
}

// TakeOverTransport detaches the engine's transport for a wrap/duplex
// layer to splice a new layer atop the same net.Conn (spec.md §4.5 step
// 1), without closing it and without firing `close`. It marks the
// engine inactive, forces the in-flight blocking Read off the
// connection with a past-due deadline so the caller can safely take
// over read ownership, then clears the deadline before returning the
// conn.
func (e *Engine) TakeOverTransport() (net.Conn, error) {
	e.mu.Lock()
	if e.state != StateOpen {
		e.mu.Unlock()
		return nil, apierr.InvalidState("TakeOverTransport: engine not open")
	}
	transport := e.transport
	e.flags &^= flagActive
	e.mu.Unlock()

	e.handoff.Store(true)
	_ = transport.SetReadDeadline(time.Now())
	e.stopBackgroundLoops()

	e.mu.Lock()
	e.transport = nil
	e.mu.Unlock()

	_ = transport.SetReadDeadline(time.Time{})
	return transport, nil
}

// ReleaseHandlers invokes the release function obtained from the
// HandlerSet at construction (idempotently). wrap/duplex call this
// right after TakeOverTransport so the live enter()/leave() reference
// transfers to the new view instead of double-counting (spec.md §4.5
// step 4: "the originating engine is detached: ... its handlers
// released").
func (e *Engine) ReleaseHandlers() {
	if e.release != nil {
		e.release()
	}
}

// Handlers exposes the HandlerSet the engine dispatches through, for
// wrapping layers (tlslayer, wrap, duplex) that need to fire callbacks
// directly instead of through the plain data/close path.
func (e *Engine) Handlers() *handlerset.Set { return e.handlers }

// Transport returns the underlying net.Conn, or nil if detached.
func (e *Engine) Transport() net.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transport
}

// BytesWritten is the monotonic accepted-byte counter of spec.md §3.
func (e *Engine) BytesWritten() uint64 { return e.bytesWritten.Load() }

// BytesRead returns total bytes delivered to `data` so far.
func (e *Engine) BytesRead() uint64 { return e.bytesRead.Load() }

// Stats is the supplemented metrics snapshot (SPEC_FULL.md §9, adapted
// from control/metrics.go's MetricsRegistry): bytesWritten/bytesRead/
// framesPending, recorded into the ambient xlog.Metrics side-channel for
// logging or test assertions rather than exposed as a monitoring RPC.
type Stats struct {
	BytesWritten  uint64
	BytesRead     uint64
	FramesPending int
}

// Stats returns and records a fresh snapshot.
func (e *Engine) Stats() Stats {
	s := Stats{
		BytesWritten:  e.bytesWritten.Load(),
		BytesRead:     e.bytesRead.Load(),
		FramesPending: e.backlog.Len(),
	}
	e.metrics.Set("bytesWritten", s.BytesWritten)
	e.metrics.Set("bytesRead", s.BytesRead)
	e.metrics.Set("framesPending", s.FramesPending)
	return s
}

// Ref/Unref implement the host-event-loop keep-alive counter; they are
// independent of refCount (spec.md §4.3 "they are independent: unref
// must not deallocate").
func (e *Engine) Ref()   { e.keepAliveRefs.Add(1) }
func (e *Engine) Unref() { e.keepAliveRefs.Add(-1) }

// KeepAliveCount exposes the ref baseline for the idempotence property
// in spec.md §8 ("ref(); unref() leaves keep-alive count at baseline").
func (e *Engine) KeepAliveCount() int32 { return e.keepAliveRefs.Load() }

// SetIdleTimeout overrides the default 120s idle timeout (spec.md §5).
func (e *Engine) SetIdleTimeout(d time.Duration) {
	e.mu.Lock()
	e.idleTimeout = d
	e.mu.Unlock()
	e.resetIdleTimer()
}

func (e *Engine) resetIdleTimer() {
	e.mu.Lock()
	d := e.idleTimeout
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	if d > 0 {
		e.idleTimer = time.AfterFunc(d, e.fireTimeout)
	}
	e.mu.Unlock()
}

func (e *Engine) fireTimeout() {
	if e.State() == StateClosed {
		return
	}
	// timeout fires but does not close the socket (spec.md §5); the user
	// decides what to do next.
	e.handlers.OnTimeout(&handlerset.Event{ThisValue: e.thisValue})
	e.resetIdleTimer()
}

// Pause/Resume toggle the paused flag the reader loop checks. They are
// not restricted for wrap pairs: the TLS view wrap.Upgrade returns
// exposes them through its embedded Engine (the raw view has neither).
func (e *Engine) Pause()  { e.setFlag(flagPaused, true) }
func (e *Engine) Resume() { e.setFlag(flagPaused, false) }
func (e *Engine) Paused() bool { return e.hasFlag(flagPaused) }

// Authorized reflects the most recent TLS verify result (invariant I3);
// plain TCP engines are always considered authorized.
func (e *Engine) Authorized() bool { return e.hasFlag(flagAuthorized) || !e.hasFlag(flagHandshakeComplete) }

// SetAuthorized is called by tlslayer once a handshake verify result is
// available.
func (e *Engine) SetAuthorized(ok bool) {
	e.setFlag(flagAuthorized, ok)
	e.setFlag(flagHandshakeComplete, true)
}

// SetEmptyRecordWriter installs the TLS-specific zero-length-record
// hook (spec.md §4.3 "Empty packet for TLS").
func (e *Engine) SetEmptyRecordWriter(w EmptyRecordWriter) { e.emptyRecordWriter = w }

// SetCloseHook installs fn to run once this engine closes, after its own
// `close` callback has fired. wrap.Upgrade uses this so that closing the
// TLS face directly still tears down its sibling RawView, honoring
// invariant I6 ("destroying the transport detaches both atomically")
// regardless of which face the caller closes.
func (e *Engine) SetCloseHook(fn func()) { e.closeHook = fn }

// Done returns a channel closed once the engine reaches Closed.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Wait blocks until the engine closes or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) logFields() map[string]any {
	return map[string]any{"endpoint": e.Endpoint.String()}
}

func (e *Engine) uncaught(err error) {
	xlog.Uncaught(nil, err)
}
