//go:build windows

// File: internal/reactor/reactor_windows.go
//
// Windows IOCP-based Reactor, grounded on reactor/iocp_reactor.go.

package reactor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/windows"
)

type entry struct {
	fd uintptr
	cb Callback
}

type iocpReactor struct {
	iocp       windows.Handle
	mu         sync.Mutex
	byKey      map[uint32]*entry
	keyCounter uint32
}

// New constructs the platform Reactor for Windows.
func New() (Reactor, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("iocp create: %w", err)
	}
	return &iocpReactor{iocp: port, byKey: make(map[uint32]*entry)}, nil
}

func (r *iocpReactor) Register(fd uintptr, events EventType, cb Callback) error {
	key := atomic.AddUint32(&r.keyCounter, 1)
	h := windows.Handle(fd)
	if _, err := windows.CreateIoCompletionPort(h, r.iocp, key, 0); err != nil {
		return fmt.Errorf("iocp associate: %w", err)
	}
	r.mu.Lock()
	r.byKey[key] = &entry{fd: fd, cb: cb}
	r.mu.Unlock()
	return nil
}

func (r *iocpReactor) Unregister(fd uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, e := range r.byKey {
		if e.fd == fd {
			delete(r.byKey, k)
			return nil
		}
	}
	return nil
}

func (r *iocpReactor) Poll(timeoutMs int) error {
	var bytes uint32
	var key uint32
	var overlapped *windows.Overlapped

	timeout := uint32(windows.INFINITE)
	if timeoutMs >= 0 {
		timeout = uint32(timeoutMs)
	}

	err := windows.GetQueuedCompletionStatus(r.iocp, &bytes, &key, &overlapped, timeout)
	if err != nil {
		if err == windows.WAIT_TIMEOUT {
			return nil
		}
		return fmt.Errorf("iocp poll: %w", err)
	}

	r.mu.Lock()
	e, ok := r.byKey[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	func() {
		defer func() { _ = recover() }()
		e.cb(e.fd, EventRead|EventWrite)
	}()
	return nil
}

func (r *iocpReactor) Close() error {
	return windows.CloseHandle(r.iocp)
}
