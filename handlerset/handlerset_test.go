package handlerset

import (
	"errors"
	"sync"
	"testing"
)

func TestNewRequiresDataOrDrain(t *testing.T) {
	if _, err := New(Callbacks{}, BinaryBuffer, false, nil); err == nil {
		t.Fatalf("expected MissingCallback error")
	}
	if _, err := New(Callbacks{Data: func(*Event) {}}, BinaryBuffer, false, nil); err != nil {
		t.Fatalf("Data alone should be sufficient: %v", err)
	}
	if _, err := New(Callbacks{Drain: func(*Event) {}}, BinaryBuffer, false, nil); err != nil {
		t.Fatalf("Drain alone should be sufficient: %v", err)
	}
}

func TestEnterLeaveBalancesActiveConnections(t *testing.T) {
	s, err := New(Callbacks{Data: func(*Event) {}}, BinaryBuffer, false, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	release := s.Enter()
	if s.ActiveConnections() != 1 {
		t.Fatalf("expected 1 active connection, got %d", s.ActiveConnections())
	}
	release()
	if s.ActiveConnections() != 0 {
		t.Fatalf("expected 0 active connections, got %d", s.ActiveConnections())
	}
	// Idempotent: calling release twice must not double-decrement.
	release()
	if s.ActiveConnections() != 0 {
		t.Fatalf("expected release() to be idempotent, got %d", s.ActiveConnections())
	}
}

func TestEnterSurvivesPanic(t *testing.T) {
	s, _ := New(Callbacks{Data: func(*Event) {}}, BinaryBuffer, false, nil)
	var wg sync.WaitGroup
	wg.Add(1)
	func() {
		release := s.Enter()
		defer release()
		defer wg.Done()
		defer func() { _ = recover() }()
		panic("boom")
	}()
	wg.Wait()
	if s.ActiveConnections() != 0 {
		t.Fatalf("expected balanced count after panic, got %d", s.ActiveConnections())
	}
}

func TestCallErrorHandlerFallsBackToUncaught(t *testing.T) {
	s, _ := New(Callbacks{Data: func(*Event) {}}, BinaryBuffer, false, nil)
	// No Error handler registered: should not panic.
	s.CallErrorHandler(&Event{Err: errors.New("boom")})
}

func TestCallErrorHandlerInvokesRegisteredHandler(t *testing.T) {
	var got error
	s, _ := New(Callbacks{
		Data:  func(*Event) {},
		Error: func(ev *Event) { got = ev.Err },
	}, BinaryBuffer, false, nil)
	want := errors.New("boom")
	s.CallErrorHandler(&Event{Err: want})
	if got != want {
		t.Fatalf("expected error handler to receive %v, got %v", want, got)
	}
}

func TestClearOpenUnregisters(t *testing.T) {
	var opened int
	s, _ := New(Callbacks{
		Data: func(*Event) {},
		Open: func(*Event) { opened++ },
	}, BinaryBuffer, false, nil)
	if !s.HasOpen() {
		t.Fatalf("expected HasOpen true")
	}
	s.OnOpen(&Event{})
	s.ClearOpen()
	s.OnOpen(&Event{})
	if opened != 1 {
		t.Fatalf("expected open fired exactly once, got %d", opened)
	}
	if s.HasOpen() {
		t.Fatalf("expected HasOpen false after ClearOpen")
	}
}
