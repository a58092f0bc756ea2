package listener_test

import (
	"net"
	"testing"
	"time"

	"github.com/hioload-net/scriptsock/endpoint"
	"github.com/hioload-net/scriptsock/handlerset"
	"github.com/hioload-net/scriptsock/listener"
)

func mustSet(t *testing.T, cb handlerset.Callbacks) *handlerset.Set {
	t.Helper()
	s, err := handlerset.New(cb, handlerset.BinaryUint8Array, true, nil)
	if err != nil {
		t.Fatalf("handlerset.New: %v", err)
	}
	return s
}

func TestListenerAcceptsAndEchoes(t *testing.T) {
	received := make(chan []byte, 1)
	set := mustSet(t, handlerset.Callbacks{
		Data: func(ev *handlerset.Event) { received <- ev.Data },
	})

	ctx, err := listener.Listen(endpoint.Endpoint{Kind: endpoint.KindTCP, Host: "127.0.0.1", Port: 0}, set, nil, false)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ctx.Stop(true)

	addr := ctx.Addr().String()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hi" {
			t.Fatalf("got %q, want %q", got, "hi")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener never delivered data")
	}
}

func TestListenerStopStopsAcceptLoop(t *testing.T) {
	set := mustSet(t, handlerset.Callbacks{Data: func(ev *handlerset.Event) {}})
	ctx, err := listener.Listen(endpoint.Endpoint{Kind: endpoint.KindTCP, Host: "127.0.0.1", Port: 0}, set, nil, false)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	if err := ctx.Stop(false); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Idempotent per spec.md's stop(false); stop(false) property.
	if err := ctx.Stop(false); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("accept loop never exited after Stop")
	}
}

func TestListenerReloadAffectsOnlyFutureConnections(t *testing.T) {
	firstGot := make(chan struct{}, 1)
	secondGot := make(chan struct{}, 1)

	set := mustSet(t, handlerset.Callbacks{
		Data: func(ev *handlerset.Event) {
			select {
			case firstGot <- struct{}{}:
			default:
			}
		},
	})

	ctx, err := listener.Listen(endpoint.Endpoint{Kind: endpoint.KindTCP, Host: "127.0.0.1", Port: 0}, set, nil, false)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ctx.Stop(true)

	addr := ctx.Addr().String()
	conn1, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_, _ = conn1.Write([]byte("x"))
	select {
	case <-firstGot:
	case <-time.After(2 * time.Second):
		t.Fatal("first connection never saw data")
	}
	conn1.Close()

	ctx.Reload(mustSet(t, handlerset.Callbacks{
		Data: func(ev *handlerset.Event) {
			select {
			case secondGot <- struct{}{}:
			default:
			}
		},
	}))

	conn2, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn2.Close()
	_, _ = conn2.Write([]byte("y"))

	select {
	case <-secondGot:
	case <-time.After(2 * time.Second):
		t.Fatal("second connection never saw the reloaded handler")
	}
}
