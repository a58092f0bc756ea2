// File: engine/write.go
//
// Write contract: Write/WriteBuffered/End/Shutdown/Close/Terminate, and
// the empty-TLS-packet and end-after-flush rules of spec.md §4.3.

package engine

import (
	"github.com/hioload-net/scriptsock/apierr"
	"github.com/hioload-net/scriptsock/handlerset"
	"github.com/hioload-net/scriptsock/writebuf"
)

// Write attempts an immediate send of payload, buffering and returning
// any unaccepted remainder. Returns -1 with apierr.Shutdown if the
// engine is closed or shut down (spec.md §4.3 "returns bytes-accepted
// (negative if shutdown/closed)").
func (e *Engine) Write(payload writebuf.Payload) (int, error) {
	state := e.State()
	if state == StateClosed || state == StateShutdown {
		return -1, apierr.Shutdown
	}

	if payload.Length == 0 {
		e.handleEmptyWrite()
		return 0, nil
	}

	if e.backlog.Len() > 0 {
		// Ordering: backlog bytes are always sent before new bytes
		// (spec.md §4.3); this payload cannot jump the queue.
		e.backlog.Stage(payload)
		e.wakeWriter()
		return 0, nil
	}

	transport := e.Transport()
	if transport == nil {
		if state == StateConnecting {
			// Dial still in flight: queue until Attach starts the writer.
			e.backlog.Stage(payload)
			e.wakeWriter()
			return 0, nil
		}
		return -1, apierr.Shutdown
	}

	n, err := e.rawWrite(transport, payload.Bytes())
	if n > 0 {
		e.bytesWritten.Add(uint64(n))
	}
	if err != nil {
		e.closeWithError(apierr.Read(err))
		return n, err
	}
	if n < payload.Length {
		remainder := writebuf.Payload{Data: payload.Data, Offset: payload.Offset + n, Length: payload.Length - n}
		e.backlog.Stage(remainder)
		e.wakeWriter()
	}
	return n, nil
}

// handleEmptyWrite implements spec.md §4.3 "Empty packet for TLS":
// writing a zero-length buffer must never be reported as an error; on a
// TLS engine it defers a zero-length record until handshake completes
// and the backlog drains.
func (e *Engine) handleEmptyWrite() {
	if e.emptyRecordWriter == nil {
		return
	}
	e.setFlag(flagEmptyPacketPending, true)
	e.maybeFinishEmptyPacket()
}

// WriteBuffered additionally stages any unaccepted remainder (Write
// already does this) and reports whether the payload was fully accepted
// in one shot.
func (e *Engine) WriteBuffered(payload writebuf.Payload) (bool, error) {
	n, err := e.Write(payload)
	if err != nil {
		return false, err
	}
	return n >= payload.Length, nil
}

// End stages/writes an optional final payload and marks the engine to
// close once the backlog empties and no empty-TLS-packet is pending
// (invariant I4).
func (e *Engine) End(payload *writebuf.Payload) error {
	state := e.State()
	if state == StateClosed || state == StateShutdown {
		return apierr.Shutdown
	}
	if payload != nil {
		if _, err := e.Write(*payload); err != nil {
			return err
		}
	}
	e.setFlag(flagEndAfterFlush, true)
	e.wakeWriter()
	e.maybeFinishEnd()
	return nil
}

// Shutdown transitions toward Shutdown; safely idempotent (spec.md §8:
// "stop(false); stop(false) is idempotent" applies equally here).
func (e *Engine) Shutdown(readOnly bool) error {
	e.mu.Lock()
	if e.state == StateClosed || e.state == StateShutdown {
		e.mu.Unlock()
		return nil
	}
	e.state = StateShutdown
	transport := e.transport
	e.mu.Unlock()

	if transport == nil {
		return nil
	}
	if readOnly {
		if r, ok := transport.(interface{ CloseRead() error }); ok {
			_ = r.CloseRead()
		}
		return nil
	}
	if w, ok := transport.(interface{ CloseWrite() error }); ok {
		_ = w.CloseWrite()
	}
	return nil
}

// Close closes the engine without an error (local close, spec.md §4.3).
func (e *Engine) Close() error { return e.closeWithError(nil) }

// Terminate is a hard abort that drops the backlog (spec.md §5).
func (e *Engine) Terminate() error {
	e.mu.Lock()
	e.backlog = writebuf.NewBacklog()
	e.mu.Unlock()
	return e.closeWithError(nil)
}

// MarkFinalizing implements the finalization race of spec.md §5: when
// the host GC finalizes the script wrapper while the engine is still
// open, `close` must not re-enter the host runtime, but OS resources are
// still released via the normal teardown path.
func (e *Engine) MarkFinalizing() { e.setFlag(flagFinalizing, true) }

// closeWithError tears the engine down in this order: detach and close
// the transport, stop the idle timer and the reader/writer loops, close
// Done, fire `close` (skipped while finalizing), release the handler
// slot (decrementing activeConnections), clear the keep-alive count, and
// run the close hook. The backlog is left as it is. Idempotent: `close`
// fires at most once (spec.md §8 P2).
func (e *Engine) closeWithError(err error) error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.state = StateClosed
		finalizing := e.flags&flagFinalizing != 0
		e.flags &^= flagActive
		transport := e.transport
		e.transport = nil
		e.mu.Unlock()

		if transport != nil {
			_ = transport.Close()
		}
		if e.idleTimer != nil {
			e.idleTimer.Stop()
		}
		e.stopBackgroundLoops()
		close(e.done)

		if !finalizing {
			e.handlers.OnClose(&handlerset.Event{Err: err, ThisValue: e.thisValue})
		}
		if e.release != nil {
			e.release()
		}
		e.keepAliveRefs.Store(0)

		if e.closeHook != nil {
			e.closeHook()
		}
	})
	return nil
}
