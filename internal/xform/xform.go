// Package xform models spatial transforms produced by registration: 4x4
// homogeneous affine matrices for rigid/affine modes, plus file-backed
// dense displacement fields for deformable mode.
package xform

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Mode selects the registration paradigm. It is fixed for an entire run.
type Mode string

const (
	ModeRigid      Mode = "rigid"
	ModeAffine     Mode = "affine"
	ModeDeformable Mode = "deformable"
)

// ParseMode validates a user-supplied registration mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRigid, ModeAffine, ModeDeformable:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("xform: unknown registration mode %q (want rigid, affine or deformable)", s)
	}
}

// Deformable reports whether the mode produces warp fields.
func (m Mode) Deformable() bool { return m == ModeDeformable }

// Transform is the result of registering a moving frame to a fixed frame.
// Immutable once written to the store.
type Transform struct {
	// MovingIndex and FixedIndex identify the registered frame pair.
	MovingIndex int
	FixedIndex  int

	// Mode is the registration paradigm that produced this transform.
	Mode Mode

	// Affine is the 4x4 homogeneous forward matrix. For deformable mode
	// this is the affine pre-alignment that the warp refines.
	Affine *mat.Dense

	// AffinePath is the on-disk matrix file backing Affine, used when the
	// engine reslices with this transform.
	AffinePath string

	// WarpPath and InverseWarpPath reference dense displacement fields on
	// disk. Set only for deformable mode.
	WarpPath        string
	InverseWarpPath string

	// Schedule records the multi-resolution iteration schedule used, for
	// provenance (e.g. "100x50x25").
	Schedule string
}

// Identity returns the identity transform for a frame pair. Used for the
// reference frame, which is never registered to itself.
func Identity(moving, fixed int, mode Mode) *Transform {
	return &Transform{
		MovingIndex: moving,
		FixedIndex:  fixed,
		Mode:        mode,
		Affine:      IdentityMatrix(),
	}
}

// IdentityMatrix returns a fresh 4x4 identity.
func IdentityMatrix() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// Compose returns the functional composition outer ∘ inner as a transform
// mapping inner.MovingIndex into outer's fixed space. This is the rolling
// strategy's mechanism for reaching the global reference: the effective
// i→reference transform is Compose(effective(i-1), pairwise(i→i-1)).
// Deformable transforms do not compose in closed form and are rejected.
func Compose(outer, inner *Transform) (*Transform, error) {
	if outer.Mode.Deformable() || inner.Mode.Deformable() {
		return nil, fmt.Errorf("xform: cannot compose deformable transforms (%d->%d with %d->%d)",
			inner.MovingIndex, inner.FixedIndex, outer.MovingIndex, outer.FixedIndex)
	}
	if inner.FixedIndex != outer.MovingIndex {
		return nil, fmt.Errorf("xform: composition chain broken: inner targets frame %d, outer moves frame %d",
			inner.FixedIndex, outer.MovingIndex)
	}
	var prod mat.Dense
	prod.Mul(outer.Affine, inner.Affine)
	return &Transform{
		MovingIndex: inner.MovingIndex,
		FixedIndex:  outer.FixedIndex,
		Mode:        inner.Mode,
		Affine:      &prod,
		Schedule:    inner.Schedule,
	}, nil
}

// Inverse returns the inverse transform. Exact by construction for rigid
// and affine modes; deformable inversion swaps the stored warp fields.
func (t *Transform) Inverse() (*Transform, error) {
	var inv mat.Dense
	if err := inv.Inverse(t.Affine); err != nil {
		return nil, fmt.Errorf("xform: affine of %d->%d is singular: %w", t.MovingIndex, t.FixedIndex, err)
	}
	return &Transform{
		MovingIndex:     t.FixedIndex,
		FixedIndex:      t.MovingIndex,
		Mode:            t.Mode,
		Affine:          &inv,
		WarpPath:        t.InverseWarpPath,
		InverseWarpPath: t.WarpPath,
		Schedule:        t.Schedule,
	}, nil
}

// EqualApprox reports whether two transforms share the same frame pair and
// their affine parts agree within tol.
func (t *Transform) EqualApprox(o *Transform, tol float64) bool {
	return t.MovingIndex == o.MovingIndex &&
		t.FixedIndex == o.FixedIndex &&
		mat.EqualApprox(t.Affine, o.Affine, tol)
}
