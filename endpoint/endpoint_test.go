package endpoint

import "testing"

func TestParseTCPHostPort(t *testing.T) {
	e, err := Parse(Config{Hostname: "127.0.0.1", Port: 8080})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if e.Kind != KindTCP || e.Host != "127.0.0.1" || e.Port != 8080 {
		t.Fatalf("unexpected endpoint: %+v", e)
	}
}

func TestParseURLEmbeddedPort(t *testing.T) {
	e, err := Parse(Config{Hostname: "tcp://example.com:9000"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if e.Host != "example.com" || e.Port != 9000 {
		t.Fatalf("unexpected endpoint: %+v", e)
	}
}

func TestParseBoundaryPorts(t *testing.T) {
	if _, err := Parse(Config{Hostname: "h", Port: 0}); err != nil {
		t.Fatalf("port 0 should be accepted: %v", err)
	}
	if _, err := Parse(Config{Hostname: "h", Port: 65535}); err != nil {
		t.Fatalf("port 65535 should be accepted: %v", err)
	}
	if _, err := Parse(Config{Hostname: "h", Port: -1}); err == nil {
		t.Fatalf("port -1 should be rejected")
	}
	if _, err := Parse(Config{Hostname: "h", Port: 65536}); err == nil {
		t.Fatalf("port 65536 should be rejected")
	}
}

func TestParseEmptyHostnameRejected(t *testing.T) {
	if _, err := Parse(Config{Hostname: "", Port: 80}); err == nil {
		t.Fatalf("empty hostname with unix unset should be InvalidArguments")
	}
}

func TestParseMutualExclusion(t *testing.T) {
	fd := 3
	if _, err := Parse(Config{Hostname: "h", Unix: "/tmp/x"}); err == nil {
		t.Fatalf("hostname+unix should be rejected")
	}
	if _, err := Parse(Config{FD: &fd, Hostname: "h"}); err == nil {
		t.Fatalf("fd+hostname should be rejected")
	}
}

func TestParseUnixPrefixes(t *testing.T) {
	e, err := Parse(Config{Unix: "unix:///tmp/sock"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if e.Kind != KindUnix || e.Path != "/tmp/sock" {
		t.Fatalf("unexpected endpoint: %+v", e)
	}
}

func TestParsePipeName(t *testing.T) {
	e, err := Parse(Config{Unix: `\\.\pipe\mypipe`})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if e.Kind != KindPipe || e.Pipe != `\\.\pipe\mypipe` {
		t.Fatalf("unexpected endpoint: %+v", e)
	}
}

func TestParseFD(t *testing.T) {
	fd := 7
	e, err := Parse(Config{FD: &fd})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if e.Kind != KindFD || e.FD != 7 {
		t.Fatalf("unexpected endpoint: %+v", e)
	}
}
