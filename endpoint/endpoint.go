// Package endpoint implements the tagged Endpoint model of spec.md §3:
// TCP host:port, UNIX path, raw file descriptor, or Windows named pipe.
//
// Grounded on server/options.go's option-struct-to-config translation.
//
// Author: momentics <momentics@gmail.com>
package endpoint

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/hioload-net/scriptsock/apierr"
)

// Kind distinguishes the four tagged Endpoint variants.
type Kind int

const (
	KindTCP Kind = iota
	KindUnix
	KindFD
	KindPipe
)

// Endpoint is the tagged union of spec.md §3. Only the fields relevant
// to Kind are meaningful; string payloads are owned copies (the caller
// may free/reuse its originals once Parse returns).
type Endpoint struct {
	Kind Kind
	Host string
	Port int
	Path string // Unix socket path
	FD   int
	Pipe string // Windows pipe name
}

// Config is the subset of the configuration surface (spec.md §6) that
// identifies an endpoint: exactly one of FD, Host+Port, or Unix must be
// set (pipe names arrive via Unix using the \\.\pipe\ prefix).
type Config struct {
	Hostname string // may be a bare host or a full URL
	Port     int
	Unix     string
	FD       *int
}

const pipePrefix1 = `\\.\pipe\`
const pipePrefix2 = `\\?\pipe\`

// Parse builds an Endpoint from a Config, validating the mutual
// exclusivity and range rules of spec.md §3/§6/§8.
func Parse(cfg Config) (Endpoint, error) {
	set := 0
	if cfg.FD != nil {
		set++
	}
	if cfg.Hostname != "" {
		set++
	}
	if cfg.Unix != "" {
		set++
	}
	if set == 0 {
		return Endpoint{}, apierr.InvalidArguments("one of fd, hostname, or unix is required")
	}
	if set > 1 {
		return Endpoint{}, apierr.InvalidArguments("fd, hostname, and unix are mutually exclusive")
	}

	switch {
	case cfg.FD != nil:
		return Endpoint{Kind: KindFD, FD: *cfg.FD}, nil

	case cfg.Unix != "":
		return parseUnixOrPipe(cfg.Unix)

	default:
		return parseHost(cfg.Hostname, cfg.Port)
	}
}

func parseUnixOrPipe(raw string) (Endpoint, error) {
	if isPipeName(raw) {
		return Endpoint{Kind: KindPipe, Pipe: strings.Clone(raw)}, nil
	}
	path := raw
	for _, prefix := range []string{"file://", "unix://", "sock://"} {
		if strings.HasPrefix(path, prefix) {
			path = path[len(prefix):]
			break
		}
	}
	if path == "" {
		return Endpoint{}, apierr.InvalidArguments("unix path must not be empty")
	}
	return Endpoint{Kind: KindUnix, Path: strings.Clone(path)}, nil
}

// isPipeName reports whether raw matches `\\{.|?}\pipe\<non-separator>…`
// (spec.md §3). Pipe endpoints are only meaningful on Windows, but the
// shape is recognised on every platform so ListenContext can reject it
// with a clear error elsewhere.
func isPipeName(raw string) bool {
	var rest string
	switch {
	case strings.HasPrefix(raw, pipePrefix1):
		rest = raw[len(pipePrefix1):]
	case strings.HasPrefix(raw, pipePrefix2):
		rest = raw[len(pipePrefix2):]
	default:
		return false
	}
	return rest != "" && !strings.ContainsAny(rest, `\/`)
}

func parseHost(hostname string, port int) (Endpoint, error) {
	host := hostname
	effPort := port

	if u, err := url.Parse(hostname); err == nil && u.Host != "" {
		host = u.Hostname()
		if p := u.Port(); p != "" {
			if n, perr := strconv.Atoi(p); perr == nil {
				effPort = n
			}
		}
	}

	if host == "" {
		return Endpoint{}, apierr.InvalidArguments("empty hostname with unix unset")
	}
	if effPort < 0 || effPort > 65535 {
		return Endpoint{}, apierr.InvalidArguments("port %d out of range [0,65535]", effPort)
	}

	return Endpoint{Kind: KindTCP, Host: strings.Clone(host), Port: effPort}, nil
}

// String renders the endpoint for logs and error messages.
func (e Endpoint) String() string {
	switch e.Kind {
	case KindTCP:
		return fmt.Sprintf("tcp:%s:%d", e.Host, e.Port)
	case KindUnix:
		return "unix:" + e.Path
	case KindFD:
		return fmt.Sprintf("fd:%d", e.FD)
	case KindPipe:
		return "pipe:" + e.Pipe
	default:
		return "unknown"
	}
}
