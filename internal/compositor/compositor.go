// Package compositor turns a completed run ledger into a motion-corrected
// volume set: per-frame corrected 3D files plus one reassembled 4D volume
// in acquisition index order.
package compositor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/dusk-imaging/petmoco/internal/engine"
	"github.com/dusk-imaging/petmoco/internal/scheduler"
	"github.com/dusk-imaging/petmoco/internal/store"
	"github.com/dusk-imaging/petmoco/internal/volume"
	"github.com/dusk-imaging/petmoco/internal/xform"
)

// CorrectedPrefix names per-frame corrected outputs, after the original
// tool's moco_ convention.
const CorrectedPrefix = "moco_"

// FourDFileName is the default name of the reassembled 4D volume.
const FourDFileName = "moco_4d.vol"

// FailurePolicy decides what a Failed frame does to the run.
type FailurePolicy string

const (
	// PolicyAbort fails the whole composition on the first Failed frame.
	PolicyAbort FailurePolicy = "abort"

	// PolicyExclude drops Failed frames from the 4D reassembly while
	// still emitting their (uncorrected) 3D outputs, and records the
	// exclusion in the summary. Nothing is silently substituted.
	PolicyExclude FailurePolicy = "exclude"
)

// ParsePolicy validates a user-supplied failure policy.
func ParsePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case PolicyAbort, PolicyExclude:
		return FailurePolicy(s), nil
	default:
		return "", fmt.Errorf("compositor: unknown failure policy %q (want abort or exclude)", s)
	}
}

// FrameOutput describes one per-frame output file.
type FrameOutput struct {
	Index     int
	Path      string
	Corrected bool // resampled through a stored transform
	InFourD   bool // included in the reassembled 4D volume
}

// Summary is the user-visible result of a run: which frames succeeded,
// failed or were skipped, which files were written, and which frames the
// 4D volume excludes. A 4D volume never silently mixes corrected and
// uncorrected frames; pass-throughs are recorded here.
type Summary struct {
	Succeeded int
	Failed    int
	Skipped   int
	Excluded  []int
	Frames    []FrameOutput
	FourDPath string
}

// Request describes one composition.
type Request struct {
	Set            *volume.Set
	Ledger         *scheduler.Ledger
	Mode           xform.Mode
	ReferenceIndex int

	// OutDir receives per-frame corrected volumes.
	OutDir string

	// FourDPath receives the reassembled 4D volume; defaults to
	// OutDir/moco_4d.vol.
	FourDPath string

	Policy FailurePolicy
}

// Compositor resamples frames into reference space via the engine and
// reassembles the corrected 4D series.
type Compositor struct {
	eng engine.Engine
	st  *store.Store
	log *zap.Logger
}

// New creates a compositor.
func New(eng engine.Engine, st *store.Store, log *zap.Logger) *Compositor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Compositor{eng: eng, st: st, log: log}
}

// Compose walks the ledger in acquisition index order (never processing
// order) and materialises the corrected volume set. A ledger entry that is
// not terminal, or a Succeeded frame whose transform is missing from the
// store, indicates ledger/store inconsistency and is always fatal.
func (c *Compositor) Compose(ctx context.Context, req Request) (*Summary, error) {
	if err := os.MkdirAll(req.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("compositor: mkdir %s: %w", req.OutDir, err)
	}
	if req.FourDPath == "" {
		req.FourDPath = filepath.Join(req.OutDir, FourDFileName)
	}

	summary := &Summary{FourDPath: req.FourDPath}
	refPath := req.Set.Frame(req.ReferenceIndex).Path

	var merge []string
	for i := 0; i < req.Set.Len(); i++ {
		outcome := req.Ledger.Outcome(i)
		fr := req.Set.Frame(i)
		outPath := filepath.Join(req.OutDir,
			CorrectedPrefix+fmt.Sprintf(volume.FramePattern, i))
		out := FrameOutput{Index: i, Path: outPath}

		switch outcome.State {
		case scheduler.StateSucceeded:
			t, err := c.transformFor(outcome, req.Mode)
			if err != nil {
				return nil, err
			}
			err = c.eng.Reslice(ctx, engine.ResliceRequest{
				FixedPath:  refPath,
				MovingPath: fr.Path,
				OutPath:    outPath,
				Transform:  t,
			})
			if err != nil {
				return nil, fmt.Errorf("compositor: reslice frame %d: %w", i, err)
			}
			summary.Succeeded++
			out.Corrected = true
			out.InFourD = true

		case scheduler.StateSkipped:
			// Reference frame or explicitly excluded early frame:
			// passed through unchanged, recorded as such.
			if err := copyFile(fr.Path, outPath); err != nil {
				return nil, fmt.Errorf("compositor: pass through frame %d: %w", i, err)
			}
			summary.Skipped++
			out.InFourD = true

		case scheduler.StateFailed:
			summary.Failed++
			if req.Policy == PolicyAbort {
				return nil, fmt.Errorf("compositor: frame %d failed and policy is abort: %w", i, outcome.Err)
			}
			c.log.Warn("excluding failed frame from 4D reassembly",
				zap.Int("frame", i), zap.Error(outcome.Err))
			if err := copyFile(fr.Path, outPath); err != nil {
				return nil, fmt.Errorf("compositor: emit failed frame %d: %w", i, err)
			}
			summary.Excluded = append(summary.Excluded, i)

		default:
			return nil, fmt.Errorf("compositor: frame %d never reached a terminal state (%s); ledger is inconsistent",
				i, outcome.State)
		}

		summary.Frames = append(summary.Frames, out)
		if out.InFourD {
			merge = append(merge, outPath)
		}
	}

	if err := volume.MergeFrames(merge, req.FourDPath); err != nil {
		return nil, fmt.Errorf("compositor: reassemble 4D volume: %w", err)
	}
	return summary, nil
}

// transformFor resolves a Succeeded frame's transform, falling back to the
// store. The forward (and, for deformable, inverse) artifacts stay persisted
// in the store for downstream reuse and auditing.
func (c *Compositor) transformFor(outcome scheduler.Outcome, mode xform.Mode) (*xform.Transform, error) {
	if outcome.Transform != nil {
		return outcome.Transform, nil
	}
	t, err := c.st.Get(outcome.Frame, mode)
	if err != nil {
		return nil, fmt.Errorf("compositor: frame %d succeeded but %w", outcome.Frame, store.ErrTransformNotFound)
	}
	return t, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
