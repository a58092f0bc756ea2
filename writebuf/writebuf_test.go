package writebuf

import "testing"

func TestNewPayloadRejectsEncodingWithWindow(t *testing.T) {
	_, err := NewPayload([]byte("hello"), 1, 2, "utf8")
	if err != ErrEncodingWithWindow {
		t.Fatalf("expected ErrEncodingWithWindow, got %v", err)
	}
}

func TestNewPayloadDefaultsWindowToFullBuffer(t *testing.T) {
	p, err := NewPayload([]byte("hello"), 0, 0, "")
	if err != nil {
		t.Fatalf("NewPayload: %v", err)
	}
	if string(p.Bytes()) != "hello" {
		t.Fatalf("expected full buffer, got %q", p.Bytes())
	}
}

func TestBacklogFlushFullWrite(t *testing.T) {
	b := NewBacklog()
	p, _ := NewPayload([]byte("hello"), 0, 0, "")
	b.Stage(p)
	if b.Len() != 5 {
		t.Fatalf("expected len 5, got %d", b.Len())
	}

	wrote, err := b.Flush(func(buf []byte) (int, error) { return len(buf), nil })
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if wrote != 5 {
		t.Fatalf("expected wrote=5, got %d", wrote)
	}
	if !b.Empty() {
		t.Fatalf("expected backlog empty after full flush")
	}
}

func TestBacklogFlushPartialWritePreservesOrder(t *testing.T) {
	b := NewBacklog()
	p1, _ := NewPayload([]byte("AAAAA"), 0, 0, "")
	p2, _ := NewPayload([]byte("BBBBB"), 0, 0, "")
	b.Stage(p1)
	b.Stage(p2)

	var sent []byte
	// First flush only accepts 2 bytes of the first payload.
	calls := 0
	wrote, err := b.Flush(func(buf []byte) (int, error) {
		calls++
		if calls == 1 {
			sent = append(sent, buf[:2]...)
			return 2, nil
		}
		return 0, nil
	})
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if wrote != 2 {
		t.Fatalf("expected wrote=2, got %d", wrote)
	}
	if b.Len() != 8 {
		t.Fatalf("expected 8 bytes remaining (3+5), got %d", b.Len())
	}

	// Second flush drains everything; verify byte order AAA then BBBBB.
	wrote2, err := b.Flush(func(buf []byte) (int, error) {
		sent = append(sent, buf...)
		return len(buf), nil
	})
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if wrote2 != 8 {
		t.Fatalf("expected wrote2=8, got %d", wrote2)
	}
	if string(sent) != "AAAAABBBBB" {
		t.Fatalf("expected in-order bytes AAAAABBBBB, got %q", sent)
	}
	if !b.Empty() {
		t.Fatalf("expected backlog empty")
	}
}
