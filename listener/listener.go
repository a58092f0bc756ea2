// Package listener implements ListenContext (spec.md §4.2): binds a
// TCP, UNIX, or Windows-pipe endpoint, runs the accept loop, and hands
// each accepted connection a fresh engine.Engine (or tlslayer.Engine
// when an SSL config is attached) sharing the listener's HandlerSet.
//
// Grounded on transport/tcp/listener.go's StartTCPListener accept loop
// (net.Listen → for { ln.Accept(); go handle(conn) }), stripped of its
// WebSocket handshake (a Non-goal here) and generalized to UNIX/pipe.
//
// Author: momentics <momentics@gmail.com>
package listener

import (
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hioload-net/scriptsock/apierr"
	"github.com/hioload-net/scriptsock/endpoint"
	"github.com/hioload-net/scriptsock/engine"
	"github.com/hioload-net/scriptsock/handlerset"
	"github.com/hioload-net/scriptsock/pipe"
	"github.com/hioload-net/scriptsock/tlslayer"
)

// Context is ListenContext: owns the bound net.Listener, the current
// HandlerSet (swappable via Reload), and, for TLS listeners, the
// per-SNI-hostname config map AddServerName maintains.
type Context struct {
	ep            endpoint.Endpoint
	ln            net.Listener
	allowHalfOpen bool

	mu       sync.Mutex
	handlers *handlerset.Set
	sniMap   map[string]*tls.Config
	baseTLS  *tls.Config // nil for a plain TCP/UNIX listener

	closed        atomic.Bool
	forceCloseAll atomic.Bool
	done          chan struct{}
	stopCh        chan struct{}

	// acceptGate, when non-nil, blocks until the listening fd is
	// readable via internal/reactor instead of inside Accept's syscall
	// (spec.md §5 "Reactor-driven accept path"). Nil on platforms/
	// listener kinds where that isn't wired up (see accept_gate_*.go).
	acceptGate func() error
}

// Listen binds ep and starts the accept loop. sslConfig is nil for a
// plain listener; non-nil installs the shared server-side TLS context
// of spec.md §4.2/§4.4.
func Listen(ep endpoint.Endpoint, handlers *handlerset.Set, sslConfig *tls.Config, allowHalfOpen bool) (*Context, error) {
	ln, err := bind(ep)
	if err != nil {
		return nil, err
	}

	c := &Context{
		ep:            ep,
		ln:            ln,
		allowHalfOpen: allowHalfOpen,
		handlers:      handlers,
		sniMap:        make(map[string]*tls.Config),
		baseTLS:       sslConfig,
		done:          make(chan struct{}),
		stopCh:        make(chan struct{}),
	}
	c.acceptGate, _ = newAcceptGate(ln, c.stopCh)
	go c.acceptLoop()
	return c, nil
}

func bind(ep endpoint.Endpoint) (net.Listener, error) {
	switch ep.Kind {
	case endpoint.KindTCP:
		addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, apierr.Listen("EADDRINUSE", 0, ep.Host, ep.Port, err)
		}
		return ln, nil
	case endpoint.KindUnix:
		ln, err := net.Listen("unix", ep.Path)
		if err != nil {
			return nil, apierr.Listen("EADDRINUSE", 0, ep.Path, 0, err)
		}
		return ln, nil
	case endpoint.KindPipe:
		ln, err := pipe.Listen(ep.Pipe)
		if err != nil {
			return nil, apierr.Listen("ENOTSUP", 0, ep.Pipe, 0, err)
		}
		return ln, nil
	default:
		return nil, apierr.InvalidArguments("listen: unsupported endpoint kind %v", ep.Kind)
	}
}

func (c *Context) acceptLoop() {
	defer close(c.done)
	for {
		if c.acceptGate != nil {
			if err := c.acceptGate(); err != nil {
				if c.closed.Load() {
					return
				}
				continue
			}
		}
		conn, err := c.ln.Accept()
		if err != nil {
			if c.closed.Load() {
				return
			}
			continue
		}
		if c.forceCloseAll.Load() {
			_ = conn.Close()
			continue
		}
		go c.handle(conn)
	}
}

// handle constructs a ConnectionEngine (or TLSEngine) for an accepted
// connection, inheriting the listener's current HandlerSet (spec.md
// §4.2: "Accepted connections construct a new ConnectionEngine with the
// listener's HandlerSet... begin in state connected (TCP) or connecting
// handshake (TLS)").
func (c *Context) handle(conn net.Conn) {
	c.mu.Lock()
	handlers := c.handlers
	sslConfig := c.baseTLS
	c.mu.Unlock()

	if sslConfig == nil {
		e := engine.New(c.ep, handlers, c.allowHalfOpen)
		e.SetThisValue(e)
		e.Attach(conn)
		return
	}

	conf := c.configFor(conn)
	e := tlslayer.NewServer(c.ep, handlers, conf, c.allowHalfOpen)
	e.Accept(conn)
}

// configFor selects a per-SNI tls.Config via GetConfigForClient-style
// dispatch, grounded on priya-79009-ssloff/ssl.go's ClientHelloInfo
// sniffing. The config and the SNI map it reads are copies, so
// AddServerName swaps never race a handshake already reading the old map.
func (c *Context) configFor(net.Conn) *tls.Config {
	c.mu.Lock()
	defer c.mu.Unlock()

	base := c.baseTLS.Clone()
	sni := make(map[string]*tls.Config, len(c.sniMap))
	for host, cfg := range c.sniMap {
		sni[host] = cfg
	}
	base.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		if cfg, ok := sni[hello.ServerName]; ok {
			return cfg, nil
		}
		return nil, nil
	}
	return base
}

// Reload atomically swaps the HandlerSet; only connections accepted
// after the swap observe it (spec.md §4.2).
func (c *Context) Reload(handlers *handlerset.Set) {
	c.mu.Lock()
	c.handlers = handlers
	c.mu.Unlock()
}

// AddServerName installs or replaces the TLS config served for host via
// SNI. Rejects an empty host.
func (c *Context) AddServerName(host string, sslConfig *tls.Config) error {
	if host == "" {
		return apierr.InvalidArguments("AddServerName: host must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseTLS == nil {
		return apierr.InvalidState("AddServerName: listener has no TLS context")
	}
	c.sniMap[host] = sslConfig
	return nil
}

// Stop transitions the listener to closed. With forceClose it is the
// caller's responsibility to also Close/Terminate the engines it cares
// about; Stop itself only stops accepting new connections and, when
// forceClose is set, drops connections still in the accept queue.
func (c *Context) Stop(forceClose bool) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if forceClose {
		c.forceCloseAll.Store(true)
	}
	close(c.stopCh)
	return c.ln.Close()
}

// Done returns a channel closed once the accept loop has exited.
func (c *Context) Done() <-chan struct{} { return c.done }

// Addr returns the bound listener's address.
func (c *Context) Addr() net.Addr { return c.ln.Addr() }

// ActiveConnections exposes the listener's current HandlerSet's live-
// engine count (spec.md §4.2's "strong self-reference... drops it when
// closed and activeConnections==0").
func (c *Context) ActiveConnections() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers.ActiveConnections()
}
