// Package volume holds the in-memory model of a dynamic acquisition: a set
// of 3D frames ordered by acquisition time, and the raw on-disk codec used
// to move frames between the core and the external registration engine.
package volume

import (
	"errors"
	"fmt"
)

// ErrGridMismatch is returned when two frames (or a frame and its set) do
// not share the same voxel lattice shape.
var ErrGridMismatch = errors.New("volume: voxel grids do not match")

// Grid describes the voxel lattice of a 3D frame.
type Grid struct {
	// NX, NY, NZ are the voxel counts along each axis.
	NX, NY, NZ int

	// SX, SY, SZ are the voxel spacings in millimetres.
	SX, SY, SZ float64
}

// Voxels returns the total number of voxels in the grid.
func (g Grid) Voxels() int {
	return g.NX * g.NY * g.NZ
}

// SameShape reports whether two grids have identical voxel counts.
// Spacing is deliberately excluded: resampled frames keep their spacing
// metadata while similarity scoring only requires matching shapes.
func (g Grid) SameShape(o Grid) bool {
	return g.NX == o.NX && g.NY == o.NY && g.NZ == o.NZ
}

func (g Grid) String() string {
	return fmt.Sprintf("%dx%dx%d", g.NX, g.NY, g.NZ)
}

// Frame is one 3D volume extracted from a 4D series. Frames are immutable
// once built and owned exclusively by their Set.
type Frame struct {
	// Index is the 0-based acquisition time index.
	Index int

	// Grid is the voxel lattice of this frame.
	Grid Grid

	// Data holds voxel intensities in x-fastest order, length Grid.Voxels().
	Data []float64

	// Path is the source file this frame was read from (empty for frames
	// that only exist in memory, e.g. in tests).
	Path string
}

// Set is an ordered sequence of frames; insertion order is acquisition time
// order. Indices are contiguous 0..N-1 and all frames share one grid shape.
type Set struct {
	frames []*Frame
}

// NewSet validates and wraps a frame sequence. Registration is undefined
// for fewer than two frames, and inconsistent grids abort the run before
// any scheduling happens.
func NewSet(frames []*Frame) (*Set, error) {
	if len(frames) < 2 {
		return nil, fmt.Errorf("volume: need at least 2 frames, got %d", len(frames))
	}
	grid := frames[0].Grid
	for i, f := range frames {
		if f.Index != i {
			return nil, fmt.Errorf("volume: frame indices not contiguous: frame %d has index %d", i, f.Index)
		}
		if !f.Grid.SameShape(grid) {
			return nil, fmt.Errorf("%w: frame %d is %s, frame 0 is %s", ErrGridMismatch, i, f.Grid, grid)
		}
		if len(f.Data) != f.Grid.Voxels() {
			return nil, fmt.Errorf("volume: frame %d has %d voxels, grid %s expects %d",
				i, len(f.Data), f.Grid, f.Grid.Voxels())
		}
	}
	return &Set{frames: frames}, nil
}

// Len returns the number of frames.
func (s *Set) Len() int { return len(s.frames) }

// Frame returns the frame at acquisition index i.
func (s *Set) Frame(i int) *Frame { return s.frames[i] }

// Frames returns the frames in acquisition order. The returned slice is
// shared; callers must not mutate it.
func (s *Set) Frames() []*Frame { return s.frames }

// Grid returns the common grid shape of the set.
func (s *Set) Grid() Grid { return s.frames[0].Grid }

// ResolveReference maps a user-facing reference index to a concrete frame
// index: negative values select from the end (-1 is the last frame, the
// FALCON default).
func (s *Set) ResolveReference(idx int) (int, error) {
	n := s.Len()
	if idx < 0 {
		idx = n + idx
	}
	if idx < 0 || idx >= n {
		return 0, fmt.Errorf("volume: reference index %d out of range [0,%d)", idx, n)
	}
	return idx, nil
}
