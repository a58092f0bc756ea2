// Package handlerset implements HandlerSet (spec.md §3, §4.1): the
// record of nine optional user callbacks plus shared per-socket config,
// lifetime-managed by an active-connection count.
//
// Grounded on protocol/connection.go's WSConnection (handler field under
// sync.RWMutex, done channel + atomic close flag) and api/handler.go's
// single-method Handler interface, generalized to nine named callbacks.
//
// Author: momentics <momentics@gmail.com>
package handlerset

import (
	"sync"
	"sync/atomic"

	"github.com/hioload-net/scriptsock/apierr"
	"github.com/hioload-net/scriptsock/internal/xlog"
)

// BinaryType selects how inbound bytes are materialised for Data.
type BinaryType int

const (
	BinaryArrayBuffer BinaryType = iota
	BinaryUint8Array
	BinaryBuffer
)

// Event is the argument passed to every callback; the fields populated
// depend on which callback is invoked (Data for data, Err for close and
// error, Authorized/VerifyError for handshake, ConnectErr for
// connectError).
type Event struct {
	Data        []byte
	Err         error
	Authorized  bool
	VerifyError error
	ConnectErr  *apierr.Error
	ThisValue   any // opaque handle back to the engine, host-binding concern
}

// Callback is the shape of every one of the nine user callbacks.
type Callback func(ev *Event)

// Callbacks is the plain record of optional callables spec.md §4.1
// describes; a nil field means "not registered".
type Callbacks struct {
	Data         Callback
	Drain        Callback
	Open         Callback
	Close        Callback
	Timeout      Callback
	ConnectError Callback
	End          Callback
	Error        Callback
	Handshake    Callback
}

// Set is HandlerSet: the callback record plus the config and lifetime
// counter spec.md §3 describes.
type Set struct {
	cb                Callbacks
	BinaryType        BinaryType
	IsServer          bool
	DefaultData       any
	activeConnections atomic.Int32

	mu      sync.Mutex
	closed  bool // not set anywhere: listener.Context.Stop does not touch the Set
}

// New validates cb and constructs a Set. Fails with MissingCallback when
// neither Data nor Drain is present, mirroring spec.md §4.1's
// construction invariant.
func New(cb Callbacks, binaryType BinaryType, isServer bool, defaultData any) (*Set, error) {
	if cb.Data == nil && cb.Drain == nil {
		return nil, apierr.MissingCallback("at least one of data or drain is required")
	}
	return &Set{cb: cb, BinaryType: binaryType, IsServer: isServer, DefaultData: defaultData}, nil
}

// ActiveConnections returns the current live-engine count (spec.md §3
// invariant I5).
func (s *Set) ActiveConnections() int32 { return s.activeConnections.Load() }

// Enter implements the enter() helper of spec.md §4.1: it increments
// ActiveConnections and returns a release function that decrements it
// exactly once, however the caller returns (including via panic), so the
// increment/decrement pair can never become unbalanced.
func (s *Set) Enter() (release func()) {
	s.activeConnections.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			s.activeConnections.Add(-1)
		})
	}
}

// fire invokes cb if non-nil, isolating a panic from the caller's
// goroutine the way epoll_reactor.Poll isolates a misbehaving callback.
func fire(cb Callback, ev *Event) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			xlog.Uncaught(nil, apierr.InvalidState("callback panicked: %v", r))
		}
	}()
	cb(ev)
}

func (s *Set) OnData(ev *Event)         { fire(s.cb.Data, ev) }
func (s *Set) OnDrain(ev *Event)        { fire(s.cb.Drain, ev) }
func (s *Set) OnOpen(ev *Event)         { fire(s.cb.Open, ev) }
func (s *Set) OnClose(ev *Event)        { fire(s.cb.Close, ev) }
func (s *Set) OnTimeout(ev *Event)      { fire(s.cb.Timeout, ev) }
func (s *Set) OnEnd(ev *Event)          { fire(s.cb.End, ev) }
func (s *Set) OnHandshake(ev *Event)    { fire(s.cb.Handshake, ev) }

func (s *Set) HasOpen() bool      { return s.cb.Open != nil }
func (s *Set) HasHandshake() bool { return s.cb.Handshake != nil }

// ClearOpen unregisters the open callback; spec.md §4.4: "After the
// first handshake on an outbound socket, the open callback is
// unregistered so that renegotiations do not re-fire it."
func (s *Set) ClearOpen() { s.cb.Open = nil }

// OnConnectError fires ConnectError if registered, returning whether it
// was (spec.md §7: ConnectError is delivered via connectError if
// registered, else rejects the connect promise).
func (s *Set) OnConnectError(ev *Event) bool {
	if s.cb.ConnectError == nil {
		return false
	}
	fire(s.cb.ConnectError, ev)
	return true
}

// CallErrorHandler invokes Error if registered; otherwise it surfaces
// err as an uncaught exception. Errors thrown by the handler itself are
// always reported uncaught, never recursed into CallErrorHandler again
// (spec.md §4.1).
func (s *Set) CallErrorHandler(ev *Event) {
	if s.cb.Error == nil {
		xlog.Uncaught(nil, ev.Err)
		return
	}
	func() {
		defer func() {
			if r := recover(); r != nil {
				xlog.Uncaught(nil, apierr.InvalidState("error handler panicked: %v", r))
			}
		}()
		s.cb.Error(ev)
	}()
}

// Reload atomically swaps the callback record; the previous callables
// are simply dropped here (Go has no scripting-value "protection" to
// release — see DESIGN.md's note on the reload() leak Open Question,
// resolved at the listener layer where ActiveConnections is tracked).
func (s *Set) Reload(cb Callbacks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
}
