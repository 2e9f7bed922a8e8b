// Package scheduler drives the per-frame registration loop. It owns the run
// ledger, dispatches registration-engine jobs (in parallel for the fixed
// strategy, strictly sequentially for rolling), and records a terminal
// outcome for every frame.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dusk-imaging/petmoco/internal/engine"
	"github.com/dusk-imaging/petmoco/internal/store"
	"github.com/dusk-imaging/petmoco/internal/volume"
	"github.com/dusk-imaging/petmoco/internal/xform"
)

// Strategy selects how moving frames are paired with a fixed frame.
type Strategy string

const (
	// StrategyFixed registers every moving frame to one reference frame.
	// Frame jobs are independent and run on a bounded worker pool.
	StrategyFixed Strategy = "fixed"

	// StrategyRolling registers each frame to its corrected neighbour and
	// composes transforms to reach the reference. Inherently sequential.
	StrategyRolling Strategy = "rolling"
)

// ParseStrategy validates a user-supplied reference strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyFixed, StrategyRolling:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("scheduler: unknown reference strategy %q (want fixed or rolling)", s)
	}
}

// Options fixes a run's registration parameters. Immutable for the run.
type Options struct {
	Mode     xform.Mode
	Schedule engine.Schedule
	Strategy Strategy

	// ReferenceIndex is the resolved frame index all moving frames are
	// mapped into.
	ReferenceIndex int

	// StartIndex is the first frame eligible for registration; frames
	// before it are Skipped and passed through unchanged.
	StartIndex int

	// Workers caps concurrent engine invocations under the fixed
	// strategy. The engine multi-threads internally, so this bounds total
	// oversubscription, not just job count.
	Workers int

	// Force recomputes transforms that are already in the store.
	Force bool
}

func (o Options) validate(n int) error {
	if o.ReferenceIndex < 0 || o.ReferenceIndex >= n {
		return fmt.Errorf("scheduler: reference index %d out of range [0,%d)", o.ReferenceIndex, n)
	}
	if o.StartIndex < 0 || o.StartIndex >= n {
		return fmt.Errorf("scheduler: start index %d out of range [0,%d)", o.StartIndex, n)
	}
	if o.Strategy == StrategyRolling && o.Mode.Deformable() {
		return fmt.Errorf("scheduler: rolling strategy cannot compose deformable transforms; use the fixed strategy")
	}
	if o.Strategy == StrategyRolling && o.ReferenceIndex < o.StartIndex {
		return fmt.Errorf("scheduler: rolling chain from reference %d cannot reach frames at start index %d through excluded frames", o.ReferenceIndex, o.StartIndex)
	}
	if o.Strategy == StrategyFixed && o.Workers < 1 {
		return fmt.Errorf("scheduler: fixed strategy needs at least 1 worker, got %d", o.Workers)
	}
	if len(o.Schedule) == 0 {
		return fmt.Errorf("scheduler: empty iteration schedule")
	}
	return nil
}

// Stats counts engine work for a run. Reused counts frames satisfied from
// the store without recomputation (the idempotent-resume probe).
type Stats struct {
	Recomputed int64
	Reused     int64
}

// Scheduler coordinates registration jobs against an engine and a store.
type Scheduler struct {
	eng engine.Engine
	st  *store.Store
	log *zap.Logger

	progress *Reporter

	recomputed atomic.Int64
	reused     atomic.Int64
}

// New creates a scheduler. progress may be nil.
func New(eng engine.Engine, st *store.Store, log *zap.Logger, progress *Reporter) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{eng: eng, st: st, log: log, progress: progress}
}

// Stats returns engine work counters for the run so far.
func (s *Scheduler) Stats() Stats {
	return Stats{Recomputed: s.recomputed.Load(), Reused: s.reused.Load()}
}

// Run executes the registration loop over the set and returns the completed
// ledger. Under the fixed strategy a per-frame engine failure is recorded
// and siblings continue; under rolling any failure is fatal. A cancelled
// context terminates in-flight engine processes, discards their partial
// outputs and returns the context error; the store stays consistent for a
// future resume.
func (s *Scheduler) Run(ctx context.Context, set *volume.Set, opts Options) (*Ledger, error) {
	if err := opts.validate(set.Len()); err != nil {
		return nil, err
	}

	ledger := NewLedger(set.Len())

	// The reference frame is never registered to itself.
	if err := s.skip(ledger, opts.ReferenceIndex, SkipReference,
		xform.Identity(opts.ReferenceIndex, opts.ReferenceIndex, opts.Mode)); err != nil {
		return nil, err
	}
	for i := 0; i < opts.StartIndex; i++ {
		if i == opts.ReferenceIndex {
			continue
		}
		if err := s.skip(ledger, i, SkipExcluded, nil); err != nil {
			return nil, err
		}
	}

	switch opts.Strategy {
	case StrategyRolling:
		return ledger, s.runRolling(ctx, set, opts, ledger)
	default:
		return ledger, s.runFixed(ctx, set, opts, ledger)
	}
}

func (s *Scheduler) skip(ledger *Ledger, i int, reason string, t *xform.Transform) error {
	err := ledger.advance(i, StateSkipped, func(o *Outcome) {
		o.Reason = reason
		o.Transform = t
	})
	if err != nil {
		return err
	}
	s.progress.Emit(ProgressEvent{Frame: i, State: StateSkipped, Message: reason})
	return nil
}

// runFixed dispatches independent frame jobs on a bounded pool. The group
// context is only poisoned by cancellation or ledger corruption, not by
// per-frame engine failures.
func (s *Scheduler) runFixed(ctx context.Context, set *volume.Set, opts Options, ledger *Ledger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)

	for i := opts.StartIndex; i < set.Len(); i++ {
		if i == opts.ReferenceIndex {
			continue
		}
		i := i
		g.Go(func() error {
			return s.registerFrame(gctx, set, opts, ledger, i, opts.ReferenceIndex)
		})
	}
	return g.Wait()
}

// registerFrame runs one frame's registration against the fixed reference,
// recording the outcome. Engine failures are terminal for the frame but
// return nil so sibling jobs proceed.
func (s *Scheduler) registerFrame(ctx context.Context, set *volume.Set, opts Options, ledger *Ledger, moving, fixed int) error {
	if !opts.Force && s.st.Has(moving, opts.Mode) {
		t, err := s.st.Get(moving, opts.Mode)
		if err != nil {
			return err
		}
		s.reused.Add(1)
		s.log.Debug("transform reused from store", zap.Int("frame", moving))
		return s.succeed(ledger, moving, t, 0)
	}

	if err := ledger.advance(moving, StateRegistering, nil); err != nil {
		return err
	}
	s.progress.Emit(ProgressEvent{Frame: moving, State: StateRegistering})

	started := time.Now()
	t, err := s.eng.Register(ctx, engine.RegisterRequest{
		MovingPath:  set.Frame(moving).Path,
		FixedPath:   set.Frame(fixed).Path,
		MovingIndex: moving,
		FixedIndex:  fixed,
		Mode:        opts.Mode,
		Schedule:    opts.Schedule,
	})
	if err != nil {
		// Cancellation is a run-level event, not a frame failure; the
		// partial output was already discarded by the adapter.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.fail(ledger, moving, err, time.Since(started))
	}
	defer releaseScratch(t)

	stored, err := s.st.Put(t, opts.Force)
	if err != nil {
		return s.fail(ledger, moving, err, time.Since(started))
	}
	s.recomputed.Add(1)
	return s.succeed(ledger, moving, stored, time.Since(started))
}

// releaseScratch drops the engine's per-job scratch directory. A successful
// Register hands ownership of the output artifacts to the scheduler; once
// the store holds its own copy the scratch files are dead weight.
func releaseScratch(t *xform.Transform) {
	if t.AffinePath != "" {
		os.RemoveAll(filepath.Dir(t.AffinePath))
	}
}

func (s *Scheduler) succeed(ledger *Ledger, i int, t *xform.Transform, dur time.Duration) error {
	err := ledger.advance(i, StateSucceeded, func(o *Outcome) {
		o.Transform = t
		o.Duration = dur
	})
	if err != nil {
		return err
	}
	s.progress.Emit(ProgressEvent{Frame: i, State: StateSucceeded})
	return nil
}

func (s *Scheduler) fail(ledger *Ledger, i int, cause error, dur time.Duration) error {
	s.log.Warn("frame registration failed", zap.Int("frame", i), zap.Error(cause))
	err := ledger.advance(i, StateFailed, func(o *Outcome) {
		o.Err = cause
		o.Duration = dur
	})
	if err != nil {
		return err
	}
	s.progress.Emit(ProgressEvent{Frame: i, State: StateFailed, Message: cause.Error()})
	return nil
}

// runRolling walks outward from the reference, registering each frame to
// its neighbour and composing the pairwise transform onto the neighbour's
// already-composed transform. The chain is an explicit index walk over the
// fixed frame range; any failure aborts, since downstream composition
// cannot proceed.
func (s *Scheduler) runRolling(ctx context.Context, set *volume.Set, opts Options, ledger *Ledger) error {
	ref := opts.ReferenceIndex

	// effective(ref) is the identity by definition.
	composed := map[int]*xform.Transform{
		ref: xform.Identity(ref, ref, opts.Mode),
	}

	// Frames above the reference step down (i registers to i-1), frames
	// below step up (i registers to i+1).
	chains := [][2]int{{ref + 1, +1}, {ref - 1, -1}}
	for _, chain := range chains {
		start, step := chain[0], chain[1]
		for i := start; i >= opts.StartIndex && i >= 0 && i < set.Len(); i += step {
			neighbour := i - step
			eff, err := s.rollFrame(ctx, set, opts, ledger, i, neighbour, composed[neighbour])
			if err != nil {
				return err
			}
			composed[i] = eff
		}
	}
	return nil
}

// rollFrame registers frame i against its neighbour and stores the
// composed i→reference transform as the canonical entry.
func (s *Scheduler) rollFrame(ctx context.Context, set *volume.Set, opts Options, ledger *Ledger, i, neighbour int, neighbourEff *xform.Transform) (*xform.Transform, error) {
	if !opts.Force && s.st.Has(i, opts.Mode) {
		t, err := s.st.Get(i, opts.Mode)
		if err != nil {
			return nil, err
		}
		s.reused.Add(1)
		if err := s.succeed(ledger, i, t, 0); err != nil {
			return nil, err
		}
		return t, nil
	}

	if err := ledger.advance(i, StateRegistering, nil); err != nil {
		return nil, err
	}
	s.progress.Emit(ProgressEvent{Frame: i, State: StateRegistering})

	started := time.Now()
	pairwise, err := s.eng.Register(ctx, engine.RegisterRequest{
		MovingPath:  set.Frame(i).Path,
		FixedPath:   set.Frame(neighbour).Path,
		MovingIndex: i,
		FixedIndex:  neighbour,
		Mode:        opts.Mode,
		Schedule:    opts.Schedule,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if ferr := s.fail(ledger, i, err, time.Since(started)); ferr != nil {
			return nil, ferr
		}
		return nil, fmt.Errorf("scheduler: rolling chain broken at frame %d: %w", i, err)
	}
	defer releaseScratch(pairwise)

	eff, err := xform.Compose(neighbourEff, pairwise)
	if err != nil {
		return nil, err
	}
	eff.Schedule = opts.Schedule.String()

	stored, err := s.st.Put(eff, opts.Force)
	if err != nil {
		return nil, err
	}
	s.recomputed.Add(1)
	if err := s.succeed(ledger, i, stored, time.Since(started)); err != nil {
		return nil, err
	}
	return stored, nil
}
