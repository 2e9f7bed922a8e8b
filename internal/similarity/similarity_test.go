package similarity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-imaging/petmoco/internal/volume"
)

func frameWith(data []float64) *volume.Frame {
	return &volume.Frame{
		Grid: volume.Grid{NX: len(data), NY: 1, NZ: 1},
		Data: data,
	}
}

func TestNCC_IdenticalFrames(t *testing.T) {
	a := frameWith([]float64{1, 2, 3, 4, 5})
	b := frameWith([]float64{1, 2, 3, 4, 5})

	s, err := NCC(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s, 1e-12)
}

func TestNCC_LinearlyScaled(t *testing.T) {
	a := frameWith([]float64{1, 2, 3, 4, 5})
	b := frameWith([]float64{10, 20, 30, 40, 50})

	s, err := NCC(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s, 1e-12)
}

func TestNCC_AntiCorrelated(t *testing.T) {
	a := frameWith([]float64{1, 2, 3, 4, 5})
	b := frameWith([]float64{5, 4, 3, 2, 1})

	s, err := NCC(a, b)
	require.NoError(t, err)
	assert.InDelta(t, -1.0, s, 1e-12)
}

func TestNCC_ZeroVarianceFrameScoresZero(t *testing.T) {
	flat := frameWith([]float64{3, 3, 3, 3, 3})
	varied := frameWith([]float64{1, 2, 3, 4, 5})

	s, err := NCC(flat, varied)
	require.NoError(t, err)
	assert.Zero(t, s)
}

func TestNCC_GridMismatch(t *testing.T) {
	a := frameWith([]float64{1, 2, 3})
	b := frameWith([]float64{1, 2, 3, 4})

	_, err := NCC(a, b)
	assert.ErrorIs(t, err, volume.ErrGridMismatch)
}

func TestNCCMasked_RestrictsToMask(t *testing.T) {
	// Full-grid correlation is broken by the last two voxels; the mask
	// hides them.
	a := frameWith([]float64{1, 2, 3, 9, 0})
	b := frameWith([]float64{2, 4, 6, 0, 9})
	mask := []bool{true, true, true, false, false}

	s, err := NCCMasked(a, b, mask)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s, 1e-12)
}

func TestNCCMasked_MaskLengthMismatch(t *testing.T) {
	a := frameWith([]float64{1, 2, 3})
	b := frameWith([]float64{1, 2, 3})

	_, err := NCCMasked(a, b, []bool{true})
	assert.Error(t, err)
}

func TestNCCMasked_TooFewVoxelsSelected(t *testing.T) {
	a := frameWith([]float64{1, 2, 3})
	b := frameWith([]float64{1, 2, 3})

	_, err := NCCMasked(a, b, []bool{false, true, false})
	assert.Error(t, err)
}
