//go:build !linux && !windows

// File: internal/reactor/reactor_stub.go
//
// Fallback for platforms without epoll/IOCP: New always reports that no
// poll-mode backend exists, and stubReactor's methods report
// unsupported. Engines on these platforms use blocking per-connection
// goroutines (see engine package); this file exists so the reactor
// package compiles everywhere.

package reactor

import "errors"

type stubReactor struct{}

// New returns a nil Reactor and an error on unrecognised platforms,
// matching reactor/reactor_stub.go's behavior in the teacher.
func New() (Reactor, error) {
	return nil, errors.New("reactor: no poll-mode backend for this platform")
}

var _ Reactor = (*stubReactor)(nil)

func (*stubReactor) Register(uintptr, EventType, Callback) error { return errUnsupported }
func (*stubReactor) Unregister(uintptr) error                    { return errUnsupported }
func (*stubReactor) Poll(int) error                               { return errUnsupported }
func (*stubReactor) Close() error                                 { return nil }

var errUnsupported = errors.New("reactor: unsupported platform")
