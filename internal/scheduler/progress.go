package scheduler

import (
	"fmt"
	"sync"
)

// ProgressEvent is emitted as frames move through the registration state
// machine.
type ProgressEvent struct {
	Frame   int
	State   State
	Message string
}

// Reporter emits progress events through a buffered channel.
type Reporter struct {
	ch   chan ProgressEvent
	once sync.Once
}

// NewReporter creates a Reporter with a buffered channel of size 64.
func NewReporter() *Reporter {
	return &Reporter{ch: make(chan ProgressEvent, 64)}
}

// Emit sends a progress event in a non-blocking fashion. If the channel is
// full the event is dropped; the ledger, not the event stream, is the
// authoritative record.
func (r *Reporter) Emit(ev ProgressEvent) {
	if r == nil {
		return
	}
	select {
	case r.ch <- ev:
	default:
	}
}

// Subscribe returns a read-only channel of progress events.
func (r *Reporter) Subscribe() <-chan ProgressEvent {
	return r.ch
}

// Close closes the event channel. Safe to call more than once.
func (r *Reporter) Close() {
	r.once.Do(func() { close(r.ch) })
}

// FormatProgress renders an event as a human-readable status line.
func FormatProgress(ev ProgressEvent) string {
	switch ev.State {
	case StateRegistering:
		return fmt.Sprintf("  ● frame %d registering...", ev.Frame)
	case StateSucceeded:
		return fmt.Sprintf("  ✓ frame %d aligned", ev.Frame)
	case StateFailed:
		return fmt.Sprintf("  ✗ frame %d failed: %s", ev.Frame, ev.Message)
	case StateSkipped:
		return fmt.Sprintf("  ○ frame %d skipped (%s)", ev.Frame, ev.Message)
	default:
		return fmt.Sprintf("  ? frame %d (%s)", ev.Frame, ev.State)
	}
}
