package xform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// translation returns a homogeneous matrix translating by (tx, ty, tz).
func translation(tx, ty, tz float64) *mat.Dense {
	m := IdentityMatrix()
	m.Set(0, 3, tx)
	m.Set(1, 3, ty)
	m.Set(2, 3, tz)
	return m
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"rigid", "affine", "deformable"} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, Mode(s), m)
	}

	_, err := ParseMode("elastic")
	assert.ErrorContains(t, err, "unknown registration mode")
}

func TestIdentity(t *testing.T) {
	id := Identity(3, 3, ModeAffine)
	assert.Equal(t, 3, id.MovingIndex)
	assert.Equal(t, 3, id.FixedIndex)
	assert.True(t, mat.EqualApprox(IdentityMatrix(), id.Affine, 0))
}

func TestCompose_TranslationsAdd(t *testing.T) {
	// inner maps frame 2 into frame 1's space, outer maps frame 1 into
	// frame 0's space; the composition maps frame 2 into frame 0's space.
	inner := &Transform{MovingIndex: 2, FixedIndex: 1, Mode: ModeRigid, Affine: translation(1, 2, 3)}
	outer := &Transform{MovingIndex: 1, FixedIndex: 0, Mode: ModeRigid, Affine: translation(10, 20, 30)}

	got, err := Compose(outer, inner)
	require.NoError(t, err)
	assert.Equal(t, 2, got.MovingIndex)
	assert.Equal(t, 0, got.FixedIndex)
	assert.True(t, mat.EqualApprox(translation(11, 22, 33), got.Affine, 1e-12))
}

func TestCompose_ChainMismatch(t *testing.T) {
	inner := &Transform{MovingIndex: 2, FixedIndex: 1, Mode: ModeRigid, Affine: IdentityMatrix()}
	outer := &Transform{MovingIndex: 5, FixedIndex: 0, Mode: ModeRigid, Affine: IdentityMatrix()}

	_, err := Compose(outer, inner)
	assert.ErrorContains(t, err, "composition chain broken")
}

func TestCompose_RejectsDeformable(t *testing.T) {
	inner := &Transform{MovingIndex: 2, FixedIndex: 1, Mode: ModeDeformable, Affine: IdentityMatrix()}
	outer := &Transform{MovingIndex: 1, FixedIndex: 0, Mode: ModeAffine, Affine: IdentityMatrix()}

	_, err := Compose(outer, inner)
	assert.ErrorContains(t, err, "cannot compose deformable")
}

func TestInverse_RoundTrip(t *testing.T) {
	orig := &Transform{MovingIndex: 4, FixedIndex: 9, Mode: ModeAffine, Affine: translation(1.5, -2, 0.25)}

	inv, err := orig.Inverse()
	require.NoError(t, err)
	assert.Equal(t, 9, inv.MovingIndex)
	assert.Equal(t, 4, inv.FixedIndex)

	back, err := inv.Inverse()
	require.NoError(t, err)
	assert.True(t, orig.EqualApprox(back, 1e-10))
}

func TestInverse_SwapsWarpFields(t *testing.T) {
	orig := &Transform{
		MovingIndex: 1, FixedIndex: 0, Mode: ModeDeformable,
		Affine:          IdentityMatrix(),
		WarpPath:        "fwd.vol",
		InverseWarpPath: "inv.vol",
	}

	inv, err := orig.Inverse()
	require.NoError(t, err)
	assert.Equal(t, "inv.vol", inv.WarpPath)
	assert.Equal(t, "fwd.vol", inv.InverseWarpPath)
}

func TestInverse_Singular(t *testing.T) {
	singular := &Transform{MovingIndex: 0, FixedIndex: 1, Mode: ModeAffine, Affine: mat.NewDense(4, 4, nil)}

	_, err := singular.Inverse()
	assert.ErrorContains(t, err, "singular")
}

func TestEqualApprox(t *testing.T) {
	a := &Transform{MovingIndex: 1, FixedIndex: 0, Affine: translation(1, 0, 0)}
	b := &Transform{MovingIndex: 1, FixedIndex: 0, Affine: translation(1, 0, 1e-14)}
	c := &Transform{MovingIndex: 2, FixedIndex: 0, Affine: translation(1, 0, 0)}

	assert.True(t, a.EqualApprox(b, 1e-10))
	assert.False(t, a.EqualApprox(c, 1e-10))
}
