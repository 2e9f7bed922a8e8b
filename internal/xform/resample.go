package xform

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/dusk-imaging/petmoco/internal/volume"
)

// In-core resampling with trilinear interpolation, in voxel coordinates.
// The production path delegates reslicing to the external engine; these
// functions back the mock engine and the warp round-trip checks.

// ResampleAffine produces a frame on the same grid whose voxel at output
// position p takes the intensity of fr at m·p. Out-of-grid samples are 0.
func ResampleAffine(fr *volume.Frame, m *mat.Dense) *volume.Frame {
	g := fr.Grid
	out := &volume.Frame{Index: fr.Index, Grid: g, Data: make([]float64, g.Voxels())}
	p := mat.NewVecDense(4, nil)
	q := mat.NewVecDense(4, nil)
	for z := 0; z < g.NZ; z++ {
		for y := 0; y < g.NY; y++ {
			for x := 0; x < g.NX; x++ {
				p.SetVec(0, float64(x))
				p.SetVec(1, float64(y))
				p.SetVec(2, float64(z))
				p.SetVec(3, 1)
				q.MulVec(m, p)
				out.Data[(z*g.NY+y)*g.NX+x] = sampleTrilinear(fr, q.AtVec(0), q.AtVec(1), q.AtVec(2))
			}
		}
	}
	return out
}

// ResampleWarp produces a frame whose voxel at p takes the intensity of fr
// at p + d(p), where d is the displacement field.
func ResampleWarp(fr *volume.Frame, w *Warp) *volume.Frame {
	g := fr.Grid
	out := &volume.Frame{Index: fr.Index, Grid: g, Data: make([]float64, g.Voxels())}
	for z := 0; z < g.NZ; z++ {
		for y := 0; y < g.NY; y++ {
			for x := 0; x < g.NX; x++ {
				i := (z*g.NY+y)*g.NX + x
				out.Data[i] = sampleTrilinear(fr,
					float64(x)+w.DX[i],
					float64(y)+w.DY[i],
					float64(z)+w.DZ[i])
			}
		}
	}
	return out
}

func sampleTrilinear(fr *volume.Frame, x, y, z float64) float64 {
	g := fr.Grid
	bx, by, bz := math.Floor(x), math.Floor(y), math.Floor(z)
	x0, y0, z0 := int(bx), int(by), int(bz)
	fx, fy, fz := x-bx, y-by, z-bz

	var acc float64
	for dz := 0; dz <= 1; dz++ {
		for dy := 0; dy <= 1; dy++ {
			for dx := 0; dx <= 1; dx++ {
				xi, yi, zi := x0+dx, y0+dy, z0+dz
				if xi < 0 || xi >= g.NX || yi < 0 || yi >= g.NY || zi < 0 || zi >= g.NZ {
					continue
				}
				wx := fx
				if dx == 0 {
					wx = 1 - fx
				}
				wy := fy
				if dy == 0 {
					wy = 1 - fy
				}
				wz := fz
				if dz == 0 {
					wz = 1 - fz
				}
				acc += wx * wy * wz * fr.Data[(zi*g.NY+yi)*g.NX+xi]
			}
		}
	}
	return acc
}
