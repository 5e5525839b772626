package eventstream

import (
	"context"
	"fmt"
	"sync"
)

// Stream is a bounded, single-writer channel of StreamEvents with a strict
// ordering guarantee: once a terminal ExecutionResult has been sent, Send
// refuses any further events.
type Stream struct {
	ch       chan StreamEvent
	mu       sync.Mutex
	closed   bool
	sentDone bool
}

// NewStream creates a Stream buffered to capacity events.
func NewStream(capacity int) *Stream {
	return &Stream{ch: make(chan StreamEvent, capacity)}
}

// Events returns the receive-only channel of events.
func (s *Stream) Events() <-chan StreamEvent {
	return s.ch
}

// Send delivers one event, blocking until there is buffer space or ctx is
// cancelled. It returns an error if called after a terminal event has
// already been sent, or after Close; a Close during a blocked Send does not
// unblock it.
func (s *Stream) Send(ctx context.Context, e StreamEvent) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("eventstream: send on closed stream")
	}
	if s.sentDone {
		s.mu.Unlock()
		return fmt.Errorf("eventstream: send after terminal event")
	}
	if e.IsTerminal() {
		s.sentDone = true
	}
	s.mu.Unlock()

	select {
	case s.ch <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the underlying channel. Safe to call more than once: calls
// after the first are no-ops.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
