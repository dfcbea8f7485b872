package capture

import "sync/atomic"

// bridge hands chunks produced on the capture goroutine to the session
// handler without ever blocking the producer. This is the only place
// the two concurrency domains touch; all other session state is mutated
// inside the single handler goroutine, so no locks guard BufferState.
type bridge struct {
	ch      chan AudioChunk
	done    <-chan struct{}
	dropped atomic.Uint64

	logger    Logger
	sessionID string
}

func newBridge(capacity int, done <-chan struct{}, logger Logger, sessionID string) *bridge {
	if capacity < 1 {
		capacity = 1
	}
	return &bridge{
		ch:        make(chan AudioChunk, capacity),
		done:      done,
		logger:    logger,
		sessionID: sessionID,
	}
}

// Deliver schedules a chunk for the handler fire-and-forget. When the
// session is shutting down or the handler is falling behind, the chunk
// is dropped and counted; the capture side never waits.
func (b *bridge) Deliver(chunk AudioChunk) bool {
	select {
	case <-b.done:
		// Session is presumed stopping.
		b.dropped.Add(1)
		b.logger.Debug("chunk dropped, session shutting down", "sessionID", b.sessionID)
		return false
	default:
	}

	select {
	case b.ch <- chunk:
		return true
	default:
		b.dropped.Add(1)
		b.logger.Warn("chunk dropped, handler queue full", "sessionID", b.sessionID)
		return false
	}
}

// Chunks is the handler-side receive end. It is closed by close() once
// the producer is known to be stopped.
func (b *bridge) Chunks() <-chan AudioChunk {
	return b.ch
}

// close must only be called after the engine has stopped, i.e. when no
// further Deliver calls can happen.
func (b *bridge) close() {
	close(b.ch)
}

// Dropped reports how many chunks never reached the handler.
func (b *bridge) Dropped() uint64 {
	return b.dropped.Load()
}
