package selector

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dusk-imaging/petmoco/internal/volume"
)

// noisyFrame returns a frame with deterministic pseudo-random intensities;
// distinct seeds produce near-uncorrelated frames.
func noisyFrame(idx int, seed int64) *volume.Frame {
	g := volume.Grid{NX: 8, NY: 8, NZ: 4}
	rng := rand.New(rand.NewSource(seed))
	data := make([]float64, g.Voxels())
	for i := range data {
		data[i] = rng.Float64()
	}
	return &volume.Frame{Index: idx, Grid: g, Data: data}
}

// stableFrame copies a fixed intensity pattern so consecutive stable frames
// correlate perfectly.
func stableFrame(idx int) *volume.Frame {
	f := noisyFrame(idx, 42)
	f.Index = idx
	return f
}

func buildSet(t *testing.T, frames ...*volume.Frame) *volume.Set {
	t.Helper()
	set, err := volume.NewSet(frames)
	require.NoError(t, err)
	return set
}

func TestStartFrame_SkipsNoisyLeadIn(t *testing.T) {
	// Frames 0 and 1 are uncorrelated noise; frames 2..4 repeat one
	// pattern, so pairs (2,3) and (3,4) score ~1.
	set := buildSet(t,
		noisyFrame(0, 1),
		noisyFrame(1, 2),
		stableFrame(2),
		stableFrame(3),
		stableFrame(4),
	)

	start, err := StartFrame(set, Options{Threshold: DefaultThreshold, Lookahead: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, start)
}

func TestStartFrame_LookaheadClipsAtEnd(t *testing.T) {
	// Only one stable pair exists, at the very end; a lookahead larger
	// than the remaining series must clip rather than reject it.
	set := buildSet(t,
		noisyFrame(0, 1),
		noisyFrame(1, 2),
		stableFrame(2),
		stableFrame(3),
	)

	start, err := StartFrame(set, Options{Threshold: DefaultThreshold, Lookahead: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, start)
}

func TestStartFrame_AllStable(t *testing.T) {
	set := buildSet(t, stableFrame(0), stableFrame(1), stableFrame(2))

	start, err := StartFrame(set, Options{Threshold: DefaultThreshold, Lookahead: DefaultLookahead})
	require.NoError(t, err)
	assert.Equal(t, 0, start)
}

func TestStartFrame_Exhaustion(t *testing.T) {
	set := buildSet(t, noisyFrame(0, 1), noisyFrame(1, 2), noisyFrame(2, 3))

	_, err := StartFrame(set, Options{Threshold: DefaultThreshold, Lookahead: 0})
	assert.ErrorIs(t, err, ErrNoStableStart)
}

func TestStartFrame_InvalidOptions(t *testing.T) {
	set := buildSet(t, stableFrame(0), stableFrame(1))

	_, err := StartFrame(set, Options{Threshold: 1.5, Lookahead: 0})
	assert.Error(t, err)

	_, err = StartFrame(set, Options{Threshold: 0.5, Lookahead: -1})
	assert.Error(t, err)
}

func TestStableFrom_LookaheadRejectsOutlier(t *testing.T) {
	// Pair 0 clears the threshold but its successor does not, so the
	// stable run only starts at index 2.
	scores := []float64{0.75, 0.3, 0.8, 0.9, 0.85}
	opts := Options{Threshold: 0.7, Lookahead: 2}

	assert.False(t, stableFrom(scores, 0, opts))
	assert.True(t, stableFrom(scores, 2, opts))
}

func TestStableFrom_RampIntoStability(t *testing.T) {
	scores := []float64{0.2, 0.3, 0.75, 0.9}
	opts := Options{Threshold: 0.7, Lookahead: 2}

	assert.False(t, stableFrom(scores, 0, opts))
	assert.False(t, stableFrom(scores, 1, opts))
	assert.True(t, stableFrom(scores, 2, opts))
}

func TestScores_Length(t *testing.T) {
	set := buildSet(t, stableFrame(0), stableFrame(1), stableFrame(2), stableFrame(3))

	scores, err := Scores(set)
	require.NoError(t, err)
	assert.Len(t, scores, 3)
}
