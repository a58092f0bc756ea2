//go:build !windows

// Package pipe implements the Windows named-pipe transport variant of
// spec.md §4.7. On non-Windows platforms pipe endpoints are simply
// unsupported, matching the spec's own "Pipe is valid only on Windows"
// invariant.
package pipe

import (
	"context"
	"errors"
	"net"
)

var errUnsupported = errors.New("pipe: named pipes are only supported on windows")

// Listen always fails on non-Windows platforms.
func Listen(path string) (net.Listener, error) { return nil, errUnsupported }

// Dial always fails on non-Windows platforms.
func Dial(ctx context.Context, path string) (net.Conn, error) { return nil, errUnsupported }
