//go:build linux

// File: internal/reactor/reactor_linux.go
//
// Linux epoll(7)-based Reactor, grounded on reactor/epoll_reactor.go.

package reactor

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

type epollReactor struct {
	epfd      int
	mu        sync.Mutex
	callbacks map[uintptr]Callback
}

// New constructs the platform Reactor for Linux.
func New() (Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollReactor{epfd: epfd, callbacks: make(map[uintptr]Callback)}, nil
}

func (r *epollReactor) Register(fd uintptr, events EventType, cb Callback) error {
	var ev unix.EpollEvent
	if events&EventRead != 0 {
		ev.Events |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		ev.Events |= unix.EPOLLOUT
	}
	ev.Fd = int32(fd)

	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}

	r.mu.Lock()
	r.callbacks[fd] = cb
	r.mu.Unlock()
	return nil
}

func (r *epollReactor) Unregister(fd uintptr) error {
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
	r.mu.Lock()
	delete(r.callbacks, fd)
	r.mu.Unlock()
	return nil
}

func (r *epollReactor) Poll(timeoutMs int) error {
	const maxEvents = 128
	var events [maxEvents]unix.EpollEvent

	n, err := unix.EpollWait(r.epfd, events[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("epoll wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := events[i]
		fd := uintptr(ev.Fd)

		r.mu.Lock()
		cb, ok := r.callbacks[fd]
		r.mu.Unlock()
		if !ok {
			continue
		}

		var et EventType
		if ev.Events&unix.EPOLLIN != 0 {
			et |= EventRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			et |= EventWrite
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			et |= EventError
		}

		func() {
			defer func() { _ = recover() }()
			cb(fd, et)
		}()
	}

	return nil
}

func (r *epollReactor) Close() error {
	return unix.Close(r.epfd)
}
