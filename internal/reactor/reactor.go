// Package reactor provides the platform-neutral readiness-multiplexer
// interface used to drive ListenContext accept loops without a
// dedicated OS thread per listener.
//
// Grounded on reactor/epoll_reactor.go and reactor/iocp_reactor.go's
// Register(fd, events, callback)/Unregister/Poll/Close shape — the one
// Reactor API in the corpus actually exercised end to end, by
// examples/reactor_echo/main.go.
//
// Author: momentics <momentics@gmail.com>
package reactor

// EventType is a bitmask of readiness conditions.
type EventType int

const (
	EventRead EventType = 1 << iota
	EventWrite
	EventError
)

// Callback is invoked by Poll when fd becomes ready for events. Poll
// isolates panics from callbacks so one bad handler cannot wedge the
// whole reactor loop.
type Callback func(fd uintptr, events EventType)

// Reactor multiplexes readiness across registered file descriptors.
type Reactor interface {
	// Register starts watching fd for the given events, invoking cb from
	// Poll whenever it becomes ready.
	Register(fd uintptr, events EventType, cb Callback) error

	// Unregister stops watching fd.
	Unregister(fd uintptr) error

	// Poll blocks up to timeoutMs (negative blocks indefinitely) and
	// dispatches ready callbacks, returning once at least one batch has
	// been processed or the timeout elapses.
	Poll(timeoutMs int) error

	// Close releases the reactor's OS-level poll handle.
	Close() error
}
