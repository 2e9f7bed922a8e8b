// Package pipeline wires the full motion-correction run: split the 4D
// acquisition, pick the start frame, schedule per-frame registrations,
// resample and reassemble, and persist run provenance.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dusk-imaging/petmoco/internal/compositor"
	"github.com/dusk-imaging/petmoco/internal/config"
	"github.com/dusk-imaging/petmoco/internal/engine"
	"github.com/dusk-imaging/petmoco/internal/ledgerdb"
	"github.com/dusk-imaging/petmoco/internal/report"
	"github.com/dusk-imaging/petmoco/internal/scheduler"
	"github.com/dusk-imaging/petmoco/internal/selector"
	"github.com/dusk-imaging/petmoco/internal/store"
	"github.com/dusk-imaging/petmoco/internal/volume"
)

// Result is everything a run produced.
type Result struct {
	RunID          string
	RunDir         string
	ReferenceIndex int
	StartIndex     int

	Summary *compositor.Summary
	Ledger  *scheduler.Ledger
	Stats   scheduler.Stats
}

// Pipeline executes motion-correction runs against a registration engine.
type Pipeline struct {
	cfg config.Run
	eng engine.Engine
	log *zap.Logger

	progress *scheduler.Reporter
}

// New creates a pipeline. The engine is injected so tests substitute an
// in-process fake for the external binary.
func New(cfg config.Run, eng engine.Engine, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, eng: eng, log: log, progress: scheduler.NewReporter()}
}

// Progress returns the channel progress events are delivered on.
func (p *Pipeline) Progress() <-chan scheduler.ProgressEvent {
	return p.progress.Subscribe()
}

// Close releases the progress channel. Call after Run returns.
func (p *Pipeline) Close() {
	p.progress.Close()
}

// Run executes one motion-correction run end to end.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	started := time.Now()

	layout, err := p.layout()
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	log := p.log.With(zap.String("run", runID))
	log.Info("run folder ready", zap.String("dir", layout.Root))

	set, err := p.loadInput(layout)
	if err != nil {
		return nil, err
	}
	log.Info("acquisition loaded",
		zap.Int("frames", set.Len()),
		zap.String("grid", set.Grid().String()))

	ref, err := set.ResolveReference(p.cfg.ReferenceIndex)
	if err != nil {
		return nil, err
	}
	start, err := p.startFrame(set, ref)
	if err != nil {
		return nil, err
	}
	log.Info("frames resolved",
		zap.Int("reference", ref),
		zap.Int("start", start),
		zap.String("strategy", string(p.cfg.Strategy)))

	st, err := store.Open(layout.TransformsDir)
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(p.eng, st, log, p.progress)
	ledger, err := sched.Run(ctx, set, scheduler.Options{
		Mode:           p.cfg.Mode,
		Schedule:       p.cfg.Schedule,
		Strategy:       p.cfg.Strategy,
		ReferenceIndex: ref,
		StartIndex:     start,
		Workers:        p.cfg.Workers,
		Force:          p.cfg.Force,
	})
	if err != nil {
		return nil, err
	}
	stats := sched.Stats()
	log.Info("registration complete",
		zap.Int64("recomputed", stats.Recomputed),
		zap.Int64("reused", stats.Reused))

	comp := compositor.New(p.eng, st, log)
	summary, err := comp.Compose(ctx, compositor.Request{
		Set:            set,
		Ledger:         ledger,
		Mode:           p.cfg.Mode,
		ReferenceIndex: ref,
		OutDir:         layout.CorrectedDir,
		Policy:         p.cfg.Policy,
	})
	if err != nil {
		return nil, err
	}

	if err := p.persist(layout, runID, started, set.Len(), ref, start, ledger); err != nil {
		return nil, err
	}

	rep := report.Build(report.Meta{
		RunID:          runID,
		Mode:           string(p.cfg.Mode),
		Strategy:       string(p.cfg.Strategy),
		Schedule:       p.cfg.Schedule.String(),
		ReferenceFrame: ref,
		StartFrame:     start,
	}, ledger, summary)
	if err := report.Write(filepath.Join(layout.Root, report.FileName), rep); err != nil {
		return nil, err
	}

	log.Info("run complete",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Ints("excluded", summary.Excluded),
		zap.Duration("elapsed", time.Since(started)))

	return &Result{
		RunID:          runID,
		RunDir:         layout.Root,
		ReferenceIndex: ref,
		StartIndex:     start,
		Summary:        summary,
		Ledger:         ledger,
		Stats:          stats,
	}, nil
}

func (p *Pipeline) layout() (*Layout, error) {
	if p.cfg.ResumeDir != "" {
		return OpenLayout(p.cfg.ResumeDir)
	}
	return NewLayout(p.cfg.WorkDir)
}

// loadInput splits a 4D acquisition file into per-frame volumes, or loads
// an already-split directory as-is.
func (p *Pipeline) loadInput(layout *Layout) (*volume.Set, error) {
	info, err := os.Stat(p.cfg.Input)
	if err != nil {
		return nil, fmt.Errorf("pipeline: input %s: %w", p.cfg.Input, err)
	}
	if info.IsDir() {
		return volume.LoadSplitDir(p.cfg.Input)
	}
	return volume.SplitSeries(p.cfg.Input, layout.SplitDir)
}

// startFrame resolves the first registerable frame: an explicit index from
// the operator wins; otherwise the similarity selector scans for the first
// stable frame.
func (p *Pipeline) startFrame(set *volume.Set, ref int) (int, error) {
	if p.cfg.StartFrame != config.StartInferred {
		if p.cfg.StartFrame >= set.Len() {
			return 0, fmt.Errorf("pipeline: start frame %d out of range [0,%d)", p.cfg.StartFrame, set.Len())
		}
		return p.cfg.StartFrame, nil
	}
	start, err := selector.StartFrame(set, selector.Options{
		Threshold: p.cfg.Threshold,
		Lookahead: p.cfg.Lookahead,
	})
	if err != nil {
		return 0, err
	}
	p.log.Info("start frame inferred", zap.Int("frame", start))
	return start, nil
}

// persist writes the run and its per-frame outcomes to the provenance
// database in the run folder.
func (p *Pipeline) persist(layout *Layout, runID string, started time.Time, frames, ref, start int, ledger *scheduler.Ledger) error {
	db, err := ledgerdb.Open(layout.LedgerPath)
	if err != nil {
		return err
	}
	defer db.Close()

	err = db.RecordRun(ledgerdb.RunRecord{
		RunID:          runID,
		StartedAt:      started,
		Mode:           string(p.cfg.Mode),
		Strategy:       string(p.cfg.Strategy),
		Schedule:       p.cfg.Schedule.String(),
		ReferenceIndex: ref,
		StartIndex:     start,
		Frames:         frames,
	})
	if err != nil {
		return err
	}

	records := make([]ledgerdb.FrameRecord, 0, frames)
	for _, o := range ledger.Outcomes() {
		rec := ledgerdb.FrameRecord{
			Index:    o.Frame,
			State:    string(o.State),
			Reason:   o.Reason,
			Duration: o.Duration,
		}
		if o.Err != nil {
			rec.Error = o.Err.Error()
		}
		records = append(records, rec)
	}
	return db.RecordOutcomes(runID, records)
}
