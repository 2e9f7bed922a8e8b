package compositor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-imaging/petmoco/internal/engine"
	"github.com/dusk-imaging/petmoco/internal/scheduler"
	"github.com/dusk-imaging/petmoco/internal/store"
	"github.com/dusk-imaging/petmoco/internal/volume"
	"github.com/dusk-imaging/petmoco/internal/xform"
)

// resampleEngine registers frames to the identity transform and reslices
// in-core, so corrected volumes are byte-comparable to their sources.
type resampleEngine struct {
	failFrame map[int]error
}

var _ engine.Engine = (*resampleEngine)(nil)

func (m *resampleEngine) Register(_ context.Context, req engine.RegisterRequest) (*xform.Transform, error) {
	if err, ok := m.failFrame[req.MovingIndex]; ok {
		return nil, err
	}
	return &xform.Transform{
		MovingIndex: req.MovingIndex,
		FixedIndex:  req.FixedIndex,
		Mode:        req.Mode,
		Affine:      xform.IdentityMatrix(),
		Schedule:    req.Schedule.String(),
	}, nil
}

func (m *resampleEngine) Reslice(_ context.Context, req engine.ResliceRequest) error {
	fr, err := volume.ReadFrame(req.MovingPath)
	if err != nil {
		return err
	}
	out := xform.ResampleAffine(fr, req.Transform.Affine)
	return volume.WriteFrame(req.OutPath, out)
}

// diskSet writes n distinguishable frames to disk: frame i's first voxel
// holds i*100.
func diskSet(t *testing.T, n int) *volume.Set {
	t.Helper()
	dir := t.TempDir()
	g := volume.Grid{NX: 2, NY: 2, NZ: 2}
	frames := make([]*volume.Frame, n)
	for i := range frames {
		data := make([]float64, g.Voxels())
		for j := range data {
			data[j] = float64(i*100 + j)
		}
		fr := &volume.Frame{Index: i, Grid: g, Data: data,
			Path: filepath.Join(dir, fmt.Sprintf(volume.FramePattern, i))}
		require.NoError(t, volume.WriteFrame(fr.Path, fr))
		frames[i] = fr
	}
	set, err := volume.NewSet(frames)
	require.NoError(t, err)
	return set
}

// runScheduler produces a real ledger for the set with the given engine.
func runScheduler(t *testing.T, eng engine.Engine, st *store.Store, set *volume.Set, ref int) *scheduler.Ledger {
	t.Helper()
	s := scheduler.New(eng, st, nil, nil)
	ledger, err := s.Run(context.Background(), set, scheduler.Options{
		Mode:           xform.ModeAffine,
		Schedule:       engine.Schedule{100, 25, 10},
		Strategy:       scheduler.StrategyFixed,
		ReferenceIndex: ref,
		Workers:        2,
	})
	require.NoError(t, err)
	return ledger
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	return st
}

func TestCompose_AllSucceeded(t *testing.T) {
	set := diskSet(t, 4)
	st := openStore(t)
	eng := &resampleEngine{}
	ledger := runScheduler(t, eng, st, set, 3)

	outDir := t.TempDir()
	summary, err := New(eng, st, nil).Compose(context.Background(), Request{
		Set:            set,
		Ledger:         ledger,
		Mode:           xform.ModeAffine,
		ReferenceIndex: 3,
		OutDir:         outDir,
		Policy:         PolicyExclude,
	})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, summary.Excluded)
	require.Len(t, summary.Frames, 4)

	// The reference frame passes through uncorrected but joins the 4D
	// volume; every corrected frame does too.
	for i, out := range summary.Frames {
		assert.Equal(t, i, out.Index)
		assert.True(t, out.InFourD)
		assert.Equal(t, i != 3, out.Corrected)
		assert.FileExists(t, out.Path)
	}

	// Reassembly preserves acquisition order regardless of the parallel
	// registration order.
	merged, err := volume.SplitSeries(summary.FourDPath, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 4, merged.Len())
	for i := 0; i < 4; i++ {
		assert.InDelta(t, float64(i*100), merged.Frame(i).Data[0], 1e-12)
	}
}

func TestCompose_ExcludePolicy_DropsFailedFromFourD(t *testing.T) {
	set := diskSet(t, 4)
	st := openStore(t)
	cause := errors.New("metric diverged")
	eng := &resampleEngine{failFrame: map[int]error{1: cause}}
	ledger := runScheduler(t, eng, st, set, 3)

	outDir := t.TempDir()
	summary, err := New(eng, st, nil).Compose(context.Background(), Request{
		Set:            set,
		Ledger:         ledger,
		Mode:           xform.ModeAffine,
		ReferenceIndex: 3,
		OutDir:         outDir,
		Policy:         PolicyExclude,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []int{1}, summary.Excluded)

	// The failed frame is still emitted for inspection, just not merged.
	assert.FileExists(t, summary.Frames[1].Path)
	assert.False(t, summary.Frames[1].InFourD)

	merged, err := volume.SplitSeries(summary.FourDPath, t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 3, merged.Len())
	assert.InDelta(t, 0.0, merged.Frame(0).Data[0], 1e-12)
	assert.InDelta(t, 200.0, merged.Frame(1).Data[0], 1e-12)
	assert.InDelta(t, 300.0, merged.Frame(2).Data[0], 1e-12)
}

func TestCompose_AbortPolicy_FailsOnFirstFailedFrame(t *testing.T) {
	set := diskSet(t, 4)
	st := openStore(t)
	cause := errors.New("metric diverged")
	eng := &resampleEngine{failFrame: map[int]error{1: cause}}
	ledger := runScheduler(t, eng, st, set, 3)

	_, err := New(eng, st, nil).Compose(context.Background(), Request{
		Set:            set,
		Ledger:         ledger,
		Mode:           xform.ModeAffine,
		ReferenceIndex: 3,
		OutDir:         t.TempDir(),
		Policy:         PolicyAbort,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
}

func TestCompose_NonTerminalLedgerIsFatal(t *testing.T) {
	set := diskSet(t, 3)
	st := openStore(t)

	_, err := New(&resampleEngine{}, st, nil).Compose(context.Background(), Request{
		Set:            set,
		Ledger:         scheduler.NewLedger(3),
		Mode:           xform.ModeAffine,
		ReferenceIndex: 2,
		OutDir:         t.TempDir(),
		Policy:         PolicyExclude,
	})
	assert.ErrorContains(t, err, "ledger is inconsistent")
}

func TestParsePolicy(t *testing.T) {
	for _, s := range []string{"abort", "exclude"} {
		p, err := ParsePolicy(s)
		require.NoError(t, err)
		assert.Equal(t, FailurePolicy(s), p)
	}

	_, err := ParsePolicy("retry")
	assert.Error(t, err)
}
