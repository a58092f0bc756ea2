// File: engine/io.go
//
// Reader and writer goroutines: readLoop delivers `data`/`end`/`close`;
// writeLoop flushes the backlog and fires `drain`.

package engine

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/hioload-net/scriptsock/apierr"
	"github.com/hioload-net/scriptsock/handlerset"
)

// writeProbeWindow bounds a single flush attempt so a short write under
// backpressure returns instead of blocking the writer goroutine
// indefinitely; this is the idiomatic Go stand-in for a non-blocking
// write attempt over a blocking net.Conn (spec.md §5 "Writes may return
// a partial count; the engine buffers the remainder").
const writeProbeWindow = 20 * time.Millisecond

func (e *Engine) readLoop() {
	buf := scratchPool.Get()
	defer scratchPool.Put(buf)

	for {
		transport := e.Transport()
		if transport == nil {
			return
		}

		if e.Paused() {
			// Busy-wait with backoff while paused; a real event-loop binding
			// would simply not re-arm the read-readiness registration.
			time.Sleep(5 * time.Millisecond)
			continue
		}

		n, err := transport.Read(buf)
		if n > 0 {
			e.bytesRead.Add(uint64(n))
			e.resetIdleTimer()
			payload := make([]byte, n)
			copy(payload, buf[:n])
			e.handlers.OnData(&handlerset.Event{Data: payload, ThisValue: e.thisValue})
		}
		if err != nil {
			e.handleReadError(err)
			return
		}
	}
}

func (e *Engine) handleReadError(err error) {
	if errors.Is(err, io.EOF) {
		e.onPeerFIN()
		return
	}
	var netErr net.Error
	if e.handoff.Load() && errors.As(err, &netErr) && netErr.Timeout() {
		// TakeOverTransport forced this Read off the connection so a
		// wrap/duplex layer could take read ownership; not a real error.
		return
	}
	e.closeWithError(apierr.Read(err))
}

// onPeerFIN implements Open→HalfClosedRemote on FIN (spec.md §4.3):
// fires `end`, then closes the engine unless allowHalfOpen is set.
// Whether an End callback is registered does not affect the close.
func (e *Engine) onPeerFIN() {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	e.state = StateHalfClosedRemote
	allowHalfOpen := e.flags&flagAllowHalfOpen != 0
	e.mu.Unlock()

	e.handlers.OnEnd(&handlerset.Event{ThisValue: e.thisValue})

	if !allowHalfOpen {
		e.closeWithError(nil)
	}
}

func (e *Engine) writeLoop() {
	for {
		select {
		case <-e.stopLoops:
			return
		case <-e.writerWake:
		}
		e.flushBacklog()
	}
}

func (e *Engine) wakeWriter() {
	select {
	case e.writerWake <- struct{}{}:
	default:
	}
}

// flushBacklog drains as much of the backlog as the transport will
// currently accept, firing `drain` once it reaches empty (spec.md §4.3
// "flushes the backlog then fires drain IF backlog is fully drained").
func (e *Engine) flushBacklog() {
	transport := e.Transport()
	if transport == nil {
		return
	}

	hadBacklog := e.backlog.Len() > 0
	wrote, err := e.backlog.Flush(func(chunk []byte) (int, error) {
		return e.rawWrite(transport, chunk)
	})
	if wrote > 0 {
		e.bytesWritten.Add(uint64(wrote))
	}
	if err != nil {
		e.closeWithError(apierr.Read(err))
		return
	}

	if hadBacklog && e.backlog.Empty() {
		e.handlers.OnDrain(&handlerset.Event{ThisValue: e.thisValue})
	}

	e.maybeFinishEmptyPacket()
	e.maybeFinishEnd()

	if e.backlog.Len() > 0 {
		// Still more to send; keep trying rather than waiting for an
		// external writable notification (no raw-fd readiness wiring in
		// this portable implementation).
		time.Sleep(time.Millisecond)
		e.wakeWriter()
	}
}

// rawWrite attempts to push chunk to transport, using a short write
// deadline as the non-blocking "try write" probe of spec.md §5. A
// deadline-exceeded error is treated as a partial accept, not a real
// I/O failure — the remainder simply stays in the backlog for the next
// flush.
func (e *Engine) rawWrite(transport net.Conn, chunk []byte) (int, error) {
	_ = transport.SetWriteDeadline(time.Now().Add(writeProbeWindow))
	n, err := transport.Write(chunk)
	_ = transport.SetWriteDeadline(time.Time{})

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return n, nil
	}
	return n, err
}

func (e *Engine) maybeFinishEmptyPacket() {
	if !e.hasFlag(flagEmptyPacketPending) {
		return
	}
	if !e.hasFlag(flagHandshakeComplete) || e.backlog.Len() > 0 {
		return
	}
	if e.emptyRecordWriter != nil {
		_ = e.emptyRecordWriter.WriteEmptyRecord()
	}
	e.setFlag(flagEmptyPacketPending, false)
}

func (e *Engine) maybeFinishEnd() {
	if !e.hasFlag(flagEndAfterFlush) {
		return
	}
	if e.backlog.Len() > 0 || e.hasFlag(flagEmptyPacketPending) {
		return
	}
	e.closeWithError(nil)
}
