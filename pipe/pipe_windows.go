//go:build windows

// Package pipe implements the Windows named-pipe transport variant of
// spec.md §4.7: the same ConnectionEngine/TLSLayer surface, with
// go-winio's PipeListener/DialPipe standing in for net.ListenTCP/DialTCP.
//
// Grounded on lima-vm-lima's real dependency on
// github.com/Microsoft/go-winio for guest-agent IPC.
//
// Author: momentics <momentics@gmail.com>
package pipe

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
)

// Listen opens a named pipe listener at path (e.g. `\\.\pipe\scriptsock`).
// The returned net.Listener is handed to the listener package exactly
// like a TCP or UNIX listener; every accepted net.Conn drives the same
// ConnectionEngine/TLSLayer code.
func Listen(path string) (net.Listener, error) {
	return winio.ListenPipe(path, nil)
}

// Dial connects to a named pipe for an outbound ConnectionEngine.
func Dial(ctx context.Context, path string) (net.Conn, error) {
	return winio.DialPipeContext(ctx, path)
}
