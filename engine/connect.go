// File: engine/connect.go
//
// Connect is the Go-idiom stand-in for spec.md §6's connect promise:
// instead of resolve/reject callbacks, Connect returns a ConnectFuture
// whose Wait blocks (cancelable via context) until the dial finishes.

package engine

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/hioload-net/scriptsock/apierr"
	"github.com/hioload-net/scriptsock/endpoint"
	"github.com/hioload-net/scriptsock/handlerset"
	"github.com/hioload-net/scriptsock/pipe"
)

// ConnectFuture resolves once the outbound dial completes, successfully
// or not. It also fires handlers.OnConnectError on failure per spec.md
// §4.3, so callers that only care about the callback-style API can
// ignore the future entirely.
type ConnectFuture struct {
	done   chan struct{}
	once   sync.Once
	engine *Engine
	err    *apierr.Error
}

func newConnectFuture(e *Engine) *ConnectFuture {
	return &ConnectFuture{done: make(chan struct{}), engine: e}
}

func (f *ConnectFuture) resolve(err *apierr.Error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the dial resolves or ctx is done.
func (f *ConnectFuture) Wait(ctx context.Context) (*Engine, error) {
	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return f.engine, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Connect dials ep and returns an Engine plus a ConnectFuture; the
// Engine is usable immediately (writes queue in the backlog until the
// dial resolves, matching spec.md §6's "may begin issuing write calls
// before the connect promise settles").
func Connect(ctx context.Context, ep endpoint.Endpoint, handlers *handlerset.Set, allowHalfOpen bool) (*Engine, *ConnectFuture) {
	e := New(ep, handlers, allowHalfOpen)
	e.mu.Lock()
	e.state = StateConnecting
	e.mu.Unlock()

	future := newConnectFuture(e)

	go func() {
		transport, cerr := dial(ctx, ep)
		if cerr != nil {
			future.resolve(cerr)
			fired := handlers.OnConnectError(&handlerset.Event{ConnectErr: cerr, ThisValue: e.thisValue})
			if !fired {
				e.uncaught(cerr)
			}
			e.closeWithError(cerr)
			return
		}
		e.Attach(transport)
		future.resolve(nil)
	}()

	return e, future
}

func dial(ctx context.Context, ep endpoint.Endpoint) (net.Conn, *apierr.Error) {
	var network, address string
	switch ep.Kind {
	case endpoint.KindTCP:
		network = "tcp"
		address = net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	case endpoint.KindUnix:
		network = "unix"
		address = ep.Path
	case endpoint.KindPipe:
		conn, err := pipe.Dial(ctx, ep.Pipe)
		if err != nil {
			return nil, apierr.Connect("connect", dialErrorCode(ep, err), 0, ep.Pipe, 0, err)
		}
		return conn, nil
	default:
		return nil, apierr.InvalidArguments("connect: unsupported endpoint kind %v", ep.Kind)
	}

	dialer := &net.Dialer{Timeout: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, apierr.Connect("connect", dialErrorCode(ep, err), 0, address, ep.Port, err)
	}
	return conn, nil
}

// dialErrorCode picks ENOENT for a missing unix socket path and
// ECONNREFUSED otherwise, per spec.md §4.3 and the §8 scenario that
// requires connect({unix:"/nonexistent/path"}) to reject with ENOENT
// rather than the generic refused code.
func dialErrorCode(ep endpoint.Endpoint, err error) string {
	if ep.Kind == endpoint.KindUnix && errors.Is(err, fs.ErrNotExist) {
		return "ENOENT"
	}
	if ep.Kind == endpoint.KindUnix && errors.Is(err, syscall.ENOENT) {
		return "ENOENT"
	}
	return "ECONNREFUSED"
}
