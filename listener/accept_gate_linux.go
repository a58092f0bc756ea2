//go:build linux

// File: listener/accept_gate_linux.go
//
// Wires internal/reactor's epoll backend into the accept path (spec.md
// §5 "Reactor-driven accept path"): instead of blocking inside
// ln.Accept()'s syscall, the accept loop blocks on epoll readiness for
// the listening fd, exactly the role epoll_reactor.go plays for data
// sockets in the teacher.

package listener

import (
	"errors"
	"net"
	"syscall"

	"github.com/hioload-net/scriptsock/internal/reactor"
)

var errGateStopped = errors.New("listener: accept gate stopped")

// newAcceptGate returns a function that blocks until ln's underlying fd
// is readable or stop is closed, or (nil, nil) if ln doesn't expose a
// raw fd or the platform reactor can't be constructed — callers fall
// back to blocking directly inside Accept.
func newAcceptGate(ln net.Listener, stop <-chan struct{}) (func() error, error) {
	sc, ok := ln.(syscall.Conn)
	if !ok {
		return nil, nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return nil, nil
	}

	r, err := reactor.New()
	if err != nil {
		return nil, nil
	}

	var fd uintptr
	if err := raw.Control(func(f uintptr) { fd = f }); err != nil {
		return nil, nil
	}

	ready := make(chan struct{}, 1)
	signal := func(uintptr, reactor.EventType) {
		select {
		case ready <- struct{}{}:
		default:
		}
	}
	if err := r.Register(fd, reactor.EventRead, signal); err != nil {
		return nil, nil
	}

	go func() {
		defer r.Close()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := r.Poll(200); err != nil {
				return
			}
		}
	}()

	return func() error {
		select {
		case <-ready:
			return nil
		case <-stop:
			return errGateStopped
		}
	}, nil
}
