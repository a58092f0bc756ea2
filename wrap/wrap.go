// Package wrap implements WrapAdapter (spec.md §4.5): an in-place
// TCP→TLS upgrade that splices a TLSLayer atop an already-open
// ConnectionEngine's transport, producing a raw-TCP view and a TLS view
// of the same connection.
//
// Grounded on engine.Engine.TakeOverTransport (itself grounded on the
// teacher's goroutine-per-connection Start()/Stop() shutdown pairing in
// protocol/connection.go) plus tlslayer.Engine for the TLS face.
//
// Author: momentics <momentics@gmail.com>
package wrap

import (
	"crypto/tls"
	"sync"

	"github.com/hioload-net/scriptsock/apierr"
	"github.com/hioload-net/scriptsock/endpoint"
	"github.com/hioload-net/scriptsock/engine"
	"github.com/hioload-net/scriptsock/handlerset"
	"github.com/hioload-net/scriptsock/tlslayer"
)

// RawView is the inert TCP face of a wrap pair: once the upgrade
// completes, crypto/tls owns every byte on the wire, so RawView never
// sees another `data` event (spec.md §4.5 scenario 5: "the raw view
// receives no further bytes"). It exists so close/teardown reaches both
// faces, and so its HandlerSet's activeConnections accounting survives
// the handoff from the original engine.
type RawView struct {
	handlers  *handlerset.Set
	release   func()
	thisValue any

	mu     sync.Mutex
	closed bool

	tls *tlslayer.Engine // sibling face; closing either detaches both (I6)
}

// Close tears down the pair: firing `close` on the raw face and closing
// the shared TLS engine, whose own teardown detaches the transport
// (invariant I6: "destroying the transport detaches both atomically").
func (v *RawView) Close() error {
	if !v.closeFace() {
		return nil
	}
	return v.tls.Close()
}

// closeFace fires `close` on the raw face and releases its handler slot,
// once; it reports whether this call did so. It never touches the TLS
// engine, so the TLS engine's close hook can call it safely.
func (v *RawView) closeFace() bool {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return false
	}
	v.closed = true
	v.mu.Unlock()

	v.handlers.OnClose(&handlerset.Event{ThisValue: v.thisValue})
	if v.release != nil {
		v.release()
	}
	return true
}

// Upgrade performs upgradeTLS(socket, {socket: handlers, tls: sslConfig})
// on an Open, non-pipe, non-already-wrapped ConnectionEngine, per the
// four steps of spec.md §4.5:
//
//  1. The engine's transport is taken over (TakeOverTransport), so the
//     original reader/writer goroutines stop touching it.
//  2. tlsHandlers drives the new TLS face; the raw face reuses e's own
//     HandlerSet ("cloning the originating engine's handlers").
//  3. A tls.Server/tls.Client is constructed atop the same net.Conn.
//  4. Both faces share the takeover; the originating engine's handlers
//     reference transfers to the raw view rather than double-counting.
func Upgrade(e *engine.Engine, tlsHandlers *handlerset.Set, conf *tls.Config, isServer, allowHalfOpen bool) (*RawView, *tlslayer.Engine, error) {
	if e.State() != engine.StateOpen {
		return nil, nil, apierr.InvalidState("upgradeTLS: engine is not open")
	}
	if e.Endpoint.Kind == endpoint.KindPipe {
		return nil, nil, apierr.InvalidState("upgradeTLS: named pipe engines cannot be wrapped")
	}

	raw, err := e.TakeOverTransport()
	if err != nil {
		return nil, nil, apierr.TLS("upgradeTLS: %v", err)
	}

	var tlsEngine *tlslayer.Engine
	if isServer {
		tlsEngine = tlslayer.NewServer(e.Endpoint, tlsHandlers, conf, allowHalfOpen)
		tlsEngine.Accept(raw)
	} else {
		tlsEngine = tlslayer.NewClient(e.Endpoint, tlsHandlers, conf, allowHalfOpen)
		tlsEngine.ClientHandshake(raw)
	}

	rawHandlers := e.Handlers()
	e.ReleaseHandlers()
	release := rawHandlers.Enter()

	view := &RawView{handlers: rawHandlers, release: release, tls: tlsEngine}
	view.thisValue = view

	// Closing the TLS face directly (the documented public way to close
	// the upgraded connection) must still tear down the raw face:
	// invariant I6 binds both directions, not just RawView.Close()'s. The
	// hook runs inside the TLS engine's own close, so it only closes the
	// raw face and does not call back into tlsEngine.Close.
	tlsEngine.SetCloseHook(func() { _ = view.closeFace() })

	return view, tlsEngine, nil
}
