// Package similarity scores frame pairs by normalized cross-correlation.
// Scores are produced fresh per run and never persisted.
package similarity

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/dusk-imaging/petmoco/internal/volume"
)

// NCC computes the normalized cross-correlation of two frames over the full
// voxel grid, in [-1,1]. It is pure and safe to call concurrently on
// disjoint frame pairs. Frames with mismatched grid shapes fail with
// volume.ErrGridMismatch.
//
// A frame with zero intensity variance (typical of pre-uptake noise frames)
// has no defined correlation; such pairs score 0 so they fall below any
// sensible threshold instead of poisoning the selection.
func NCC(a, b *volume.Frame) (float64, error) {
	if !a.Grid.SameShape(b.Grid) {
		return 0, fmt.Errorf("%w: frame %d is %s, frame %d is %s",
			volume.ErrGridMismatch, a.Index, a.Grid, b.Index, b.Grid)
	}
	r := stat.Correlation(a.Data, b.Data, nil)
	if math.IsNaN(r) {
		return 0, nil
	}
	return r, nil
}

// NCCMasked computes NCC restricted to the voxels where mask is true. The
// mask must cover the full grid of both frames.
func NCCMasked(a, b *volume.Frame, mask []bool) (float64, error) {
	if !a.Grid.SameShape(b.Grid) {
		return 0, fmt.Errorf("%w: frame %d is %s, frame %d is %s",
			volume.ErrGridMismatch, a.Index, a.Grid, b.Index, b.Grid)
	}
	if len(mask) != a.Grid.Voxels() {
		return 0, fmt.Errorf("similarity: mask has %d entries, grid %s expects %d",
			len(mask), a.Grid, a.Grid.Voxels())
	}
	va := make([]float64, 0, len(mask))
	vb := make([]float64, 0, len(mask))
	for i, in := range mask {
		if in {
			va = append(va, a.Data[i])
			vb = append(vb, b.Data[i])
		}
	}
	if len(va) < 2 {
		return 0, fmt.Errorf("similarity: mask selects %d voxels, need at least 2", len(va))
	}
	r := stat.Correlation(va, vb, nil)
	if math.IsNaN(r) {
		return 0, nil
	}
	return r, nil
}
