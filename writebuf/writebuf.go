// Package writebuf implements the write-backlog engine shared by engine
// and wrap: a FIFO of pending WritePayload segments, flushed to a
// transport in order, with byte-accurate accounting (spec.md §3, §4.3).
//
// Grounded on pool/slab_pool.go's queue-backed free list; the FIFO is
// github.com/eapache/queue.Queue, a dependency the teacher declares but
// never imports — this package gives it a real, exercised home.
//
// Author: momentics <momentics@gmail.com>
package writebuf

import (
	"io"

	"github.com/eapache/queue"
)

// Payload is a byte slice plus an optional (offset, length) window, per
// spec.md §3's WritePayload. Encoding is left to the caller (the host
// scripting runtime's coercion layer, out of scope here); a non-empty
// Encoding alongside a non-zero window is rejected by NewPayload.
type Payload struct {
	Data     []byte
	Offset   int
	Length   int
	Encoding string
}

// ErrEncodingWithWindow is returned when both Encoding and an explicit
// (offset, length) window are set, which spec.md §3 forbids.
var ErrEncodingWithWindow = io.ErrShortWrite

// NewPayload validates and constructs a Payload.
func NewPayload(data []byte, offset, length int, encoding string) (Payload, error) {
	windowed := offset != 0 || length != 0
	if encoding != "" && windowed {
		return Payload{}, ErrEncodingWithWindow
	}
	if !windowed {
		length = len(data)
	}
	if offset < 0 || length < 0 || offset+length > len(data) {
		return Payload{}, io.ErrShortBuffer
	}
	return Payload{Data: data, Offset: offset, Length: length, Encoding: encoding}, nil
}

// Bytes returns the payload's effective byte window.
func (p Payload) Bytes() []byte { return p.Data[p.Offset : p.Offset+p.Length] }

// Backlog is a FIFO of not-yet-transmitted Payloads. It satisfies
// invariant I2 ("backlog.len > 0 implies the engine has written at least
// once since open") by only ever being populated from Stage.
//
// partial holds a payload that was already dequeued but only partially
// written to the transport; it logically sits in front of q so that a
// resumed Flush sends it before anything q still holds, preserving
// ordering across short writes.
type Backlog struct {
	q       *queue.Queue
	partial *Payload
	len     int
}

// NewBacklog constructs an empty Backlog.
func NewBacklog() *Backlog {
	return &Backlog{q: queue.New()}
}

// Stage appends p to the backlog.
func (b *Backlog) Stage(p Payload) {
	b.q.Add(p)
	b.len += p.Length
}

// Len returns the total staged byte count across all queued payloads.
func (b *Backlog) Len() int { return b.len }

// Empty reports whether the backlog holds no bytes.
func (b *Backlog) Empty() bool { return b.len == 0 }

// Flush drains the backlog against write, stopping at the first short
// write and holding the unsent remainder as the new front so ordering
// (spec.md §4.3 "backlog bytes are always sent before new bytes") is
// preserved across calls.
func (b *Backlog) Flush(write func([]byte) (int, error)) (wrote int, err error) {
	for {
		var p Payload
		switch {
		case b.partial != nil:
			p = *b.partial
		case b.q.Length() > 0:
			p = b.q.Remove().(Payload)
		default:
			return wrote, nil
		}

		chunk := p.Bytes()
		n, werr := write(chunk)
		if n > 0 {
			wrote += n
			b.len -= n
		}
		if n == len(chunk) {
			b.partial = nil
			if werr != nil {
				return wrote, werr
			}
			continue
		}

		remainder := Payload{Data: p.Data, Offset: p.Offset + n, Length: p.Length - n}
		b.partial = &remainder
		return wrote, werr
	}
}
