package engine_test

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/hioload-net/scriptsock/apierr"
	"github.com/hioload-net/scriptsock/endpoint"
	"github.com/hioload-net/scriptsock/engine"
	"github.com/hioload-net/scriptsock/handlerset"
	"github.com/hioload-net/scriptsock/writebuf"
)

func mustSet(t *testing.T, cb handlerset.Callbacks) *handlerset.Set {
	t.Helper()
	s, err := handlerset.New(cb, handlerset.BinaryUint8Array, false, nil)
	if err != nil {
		t.Fatalf("handlerset.New: %v", err)
	}
	return s
}

func tcpEndpoint() endpoint.Endpoint {
	return endpoint.Endpoint{Kind: endpoint.KindTCP, Host: "127.0.0.1", Port: 0}
}

// TestEngineLoopbackEcho wires an Engine over one net.Pipe end as an
// echo server: every received chunk is written straight back.
func TestEngineLoopbackEcho(t *testing.T) {
	server, client := net.Pipe()

	closed := make(chan struct{})
	var e *engine.Engine
	set := mustSet(t, handlerset.Callbacks{
		Data: func(ev *handlerset.Event) {
			p, err := writebuf.NewPayload(ev.Data, 0, len(ev.Data), "")
			if err != nil {
				t.Errorf("NewPayload: %v", err)
				return
			}
			if _, err := e.Write(p); err != nil {
				t.Errorf("echo write: %v", err)
			}
		},
		Close: func(ev *handlerset.Event) { close(closed) },
	})

	e = engine.New(tcpEndpoint(), set, false)
	e.Attach(server)

	go func() {
		_, _ = client.Write([]byte("ping"))
	}()

	buf := make([]byte, 4)
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf) != "ping" {
		t.Fatalf("echo mismatch: got %q", buf)
	}

	_ = client.Close()
	e.Close()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close callback never fired")
	}
}

// TestEngineBackpressureBuffersUnconsumedWrite exercises the backlog
// path: a write larger than the peer is currently consuming must be
// staged rather than lost, and must drain in order once the peer reads.
func TestEngineBackpressureBuffersUnconsumedWrite(t *testing.T) {
	server, client := net.Pipe()

	set := mustSet(t, handlerset.Callbacks{
		Data:  func(ev *handlerset.Event) {},
		Drain: func(ev *handlerset.Event) {},
	})

	e := engine.New(tcpEndpoint(), set, false)
	e.Attach(server)

	payload, err := writebuf.NewPayload([]byte("hello backpressure"), 0, len("hello backpressure"), "")
	if err != nil {
		t.Fatalf("NewPayload: %v", err)
	}

	// No one is reading `client` yet, so rawWrite's probe window will
	// time out and the bytes land in the backlog.
	n, err := e.Write(payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n == payload.Length {
		t.Skip("write completed before the peer started reading; nothing to assert")
	}

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, len("hello backpressure"))
		_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := io.ReadFull(client, buf); err != nil {
			t.Errorf("client read: %v", err)
			readDone <- nil
			return
		}
		readDone <- buf
	}()

	select {
	case got := <-readDone:
		if string(got) != "hello backpressure" {
			t.Fatalf("backlog delivered out of order: got %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("backlog never drained")
	}

	_ = client.Close()
	e.Close()
}

// TestEngineCloseIsIdempotent verifies close fires exactly once even
// when invoked concurrently, per the ConnectionEngine "close fires at
// most once" property.
func TestEngineCloseIsIdempotent(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	var closeCount int
	var mu sync.Mutex
	set := mustSet(t, handlerset.Callbacks{
		Data: func(ev *handlerset.Event) {},
		Close: func(ev *handlerset.Event) {
			mu.Lock()
			closeCount++
			mu.Unlock()
		},
	})

	e := engine.New(tcpEndpoint(), set, false)
	e.Attach(server)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Close()
		}()
	}
	wg.Wait()

	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("engine never reached done")
	}

	mu.Lock()
	defer mu.Unlock()
	if closeCount != 1 {
		t.Fatalf("close fired %d times, want 1", closeCount)
	}
}

// TestEngineRefUnrefBaseline checks the keep-alive counter returns to
// its starting point after a balanced ref/unref pair.
func TestEngineRefUnrefBaseline(t *testing.T) {
	set := mustSet(t, handlerset.Callbacks{Data: func(ev *handlerset.Event) {}})
	e := engine.New(tcpEndpoint(), set, false)

	baseline := e.KeepAliveCount()
	e.Ref()
	e.Unref()
	if got := e.KeepAliveCount(); got != baseline {
		t.Fatalf("ref/unref left count at %d, want baseline %d", got, baseline)
	}
}

// TestEngineStatsReflectsTraffic checks the supplemented metrics
// snapshot tracks the bytes read from the peer.
func TestEngineStatsReflectsTraffic(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	set := mustSet(t, handlerset.Callbacks{Data: func(ev *handlerset.Event) {}})
	e := engine.New(tcpEndpoint(), set, false)
	e.Attach(server)
	defer e.Close()

	go func() { _, _ = client.Write([]byte("stats")) }()

	time.Sleep(50 * time.Millisecond)
	stats := e.Stats()
	if stats.BytesRead != uint64(len("stats")) {
		t.Fatalf("BytesRead = %d, want %d", stats.BytesRead, len("stats"))
	}
}

// TestConnectUnixMissingSocketRejectsWithENOENT exercises spec.md §8
// scenario 6: connecting to a unix socket path that doesn't exist must
// reject with code ENOENT, distinct from a generic ECONNREFUSED.
func TestConnectUnixMissingSocketRejectsWithENOENT(t *testing.T) {
	set := mustSet(t, handlerset.Callbacks{Data: func(ev *handlerset.Event) {}})

	ep := endpoint.Endpoint{Kind: endpoint.KindUnix, Path: "/nonexistent/path/to/socket"}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	e, future := engine.Connect(ctx, ep, set, false)
	_, err := future.Wait(ctx)
	if err == nil {
		t.Fatal("expected connect to fail against a missing unix socket")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok {
		t.Fatalf("expected *apierr.Error, got %T", err)
	}
	if apiErr.Message != "ENOENT" {
		t.Fatalf("Message = %q, want ENOENT", apiErr.Message)
	}

	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("engine never closed after connect failure")
	}
}

// TestConnectFailureRejectsFuture exercises the Connect path against a
// closed port so the future resolves with a ConnectError and the
// engine transitions to Closed without ever firing Open.
func TestConnectFailureRejectsFuture(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close() // nothing listening now

	openFired := false
	set := mustSet(t, handlerset.Callbacks{
		Data: func(ev *handlerset.Event) {},
		Open: func(ev *handlerset.Event) { openFired = true },
	})

	ep := endpoint.Endpoint{Kind: endpoint.KindTCP, Host: addr.IP.String(), Port: addr.Port}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	e, future := engine.Connect(ctx, ep, set, false)
	if _, err := future.Wait(ctx); err == nil {
		t.Fatal("expected connect to fail against a closed port")
	}
	if openFired {
		t.Fatal("open must not fire on connect failure")
	}

	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("engine never closed after connect failure")
	}
}
