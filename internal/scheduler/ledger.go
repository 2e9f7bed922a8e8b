package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/dusk-imaging/petmoco/internal/xform"
)

// State is a frame's position in the registration state machine.
type State string

const (
	StatePending     State = "pending"
	StateRegistering State = "registering"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
	StateSkipped     State = "skipped"
)

// Terminal reports whether the state is immutable.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateSkipped
}

// Skip reasons surfaced to callers; excluded frames are a policy decision,
// never a silent drop.
const (
	SkipReference = "reference frame"
	SkipExcluded  = "before start frame"
)

// Outcome is the per-frame result of a run.
type Outcome struct {
	Frame int
	State State

	// Transform is set for Succeeded frames and for Skipped frames that
	// carry an identity (the reference frame).
	Transform *xform.Transform

	// Reason explains a Skipped state.
	Reason string

	// Err holds the failure for Failed states.
	Err error

	// Duration is the wall time spent registering the frame; zero for
	// skipped and store-reused frames.
	Duration time.Duration
}

// Ledger is the authoritative mapping from frame index to outcome. It is
// safe for concurrent writers under the fixed strategy; each frame index is
// written by exactly one job.
type Ledger struct {
	mu       sync.Mutex
	outcomes []*Outcome
}

// NewLedger creates a ledger with every frame Pending.
func NewLedger(n int) *Ledger {
	l := &Ledger{outcomes: make([]*Outcome, n)}
	for i := range l.outcomes {
		l.outcomes[i] = &Outcome{Frame: i, State: StatePending}
	}
	return l
}

// Len returns the number of frames tracked.
func (l *Ledger) Len() int { return len(l.outcomes) }

// Outcome returns a copy of frame i's outcome.
func (l *Ledger) Outcome(i int) Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.outcomes[i]
}

// Outcomes returns copies of all outcomes in frame-index order.
func (l *Ledger) Outcomes() []Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Outcome, len(l.outcomes))
	for i, o := range l.outcomes {
		out[i] = *o
	}
	return out
}

// Counts tallies terminal states.
func (l *Ledger) Counts() (succeeded, failed, skipped int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range l.outcomes {
		switch o.State {
		case StateSucceeded:
			succeeded++
		case StateFailed:
			failed++
		case StateSkipped:
			skipped++
		}
	}
	return
}

// advance moves frame i to state, enforcing the machine's transitions:
// Pending → Registering → {Succeeded | Failed}, Pending → Skipped.
// Terminal states are immutable; violating that is a scheduler bug.
func (l *Ledger) advance(i int, state State, mut func(*Outcome)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o := l.outcomes[i]
	if o.State.Terminal() {
		return fmt.Errorf("scheduler: frame %d already terminal (%s), cannot move to %s", i, o.State, state)
	}
	switch state {
	case StateRegistering:
		if o.State != StatePending {
			return fmt.Errorf("scheduler: frame %d in %s, cannot start registering", i, o.State)
		}
	case StateSucceeded, StateFailed:
		if o.State != StateRegistering && o.State != StatePending {
			return fmt.Errorf("scheduler: frame %d in %s, cannot move to %s", i, o.State, state)
		}
	case StateSkipped:
		if o.State != StatePending {
			return fmt.Errorf("scheduler: frame %d in %s, cannot skip", i, o.State)
		}
	default:
		return fmt.Errorf("scheduler: invalid transition target %s for frame %d", state, i)
	}
	o.State = state
	if mut != nil {
		mut(o)
	}
	return nil
}
