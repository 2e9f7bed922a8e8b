package xform

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/dusk-imaging/petmoco/internal/volume"
)

// Affine matrices travel as plain-text files in the registration engine's
// convention: four whitespace-separated rows of four floats.

// ReadMatrix parses a 4x4 affine matrix file.
func ReadMatrix(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("xform: %w", err)
	}
	defer f.Close()

	vals := make([]float64, 0, 16)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		for _, field := range strings.Fields(sc.Text()) {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("xform: %s: bad matrix entry %q: %w", path, field, err)
			}
			vals = append(vals, v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("xform: read %s: %w", path, err)
	}
	if len(vals) != 16 {
		return nil, fmt.Errorf("xform: %s holds %d values, want 16", path, len(vals))
	}
	return mat.NewDense(4, 4, vals), nil
}

// WriteMatrix writes a 4x4 affine matrix in the engine's text format.
func WriteMatrix(path string, m *mat.Dense) error {
	r, c := m.Dims()
	if r != 4 || c != 4 {
		return fmt.Errorf("xform: write %s: matrix is %dx%d, want 4x4", path, r, c)
	}
	var b strings.Builder
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			if j > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%.17g", m.At(i, j))
		}
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("xform: %w", err)
	}
	return nil
}

// Warp is a dense displacement field: one 3-vector per voxel, in voxel
// units. Large enough that it lives on disk; loaded only when applied.
type Warp struct {
	Grid       volume.Grid
	DX, DY, DZ []float64
}

var warpMagic = [4]byte{'P', 'W', 'R', 'P'}

type warpHeader struct {
	Magic      [4]byte
	Version    uint32
	NX, NY, NZ uint32
	SX, SY, SZ float64
}

// ReadWarp loads a displacement field file.
func ReadWarp(path string) (*Warp, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("xform: %w", err)
	}
	defer f.Close()

	var h warpHeader
	if err := binary.Read(f, binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("xform: read warp header of %s: %w", path, err)
	}
	if h.Magic != warpMagic {
		return nil, fmt.Errorf("xform: %s is not a warp field file", path)
	}
	w := &Warp{Grid: volume.Grid{
		NX: int(h.NX), NY: int(h.NY), NZ: int(h.NZ),
		SX: h.SX, SY: h.SY, SZ: h.SZ,
	}}
	n := w.Grid.Voxels()
	for _, comp := range []*[]float64{&w.DX, &w.DY, &w.DZ} {
		*comp = make([]float64, n)
		if err := binary.Read(f, binary.LittleEndian, *comp); err != nil {
			return nil, fmt.Errorf("xform: read warp voxels of %s: %w", path, err)
		}
	}
	return w, nil
}

// WriteWarp writes a displacement field file.
func WriteWarp(path string, w *Warp) error {
	n := w.Grid.Voxels()
	if len(w.DX) != n || len(w.DY) != n || len(w.DZ) != n {
		return fmt.Errorf("xform: write %s: component lengths %d/%d/%d for grid %s",
			path, len(w.DX), len(w.DY), len(w.DZ), w.Grid)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("xform: %w", err)
	}
	h := warpHeader{
		Magic: warpMagic, Version: 1,
		NX: uint32(w.Grid.NX), NY: uint32(w.Grid.NY), NZ: uint32(w.Grid.NZ),
		SX: w.Grid.SX, SY: w.Grid.SY, SZ: w.Grid.SZ,
	}
	if err := binary.Write(f, binary.LittleEndian, h); err != nil {
		f.Close()
		return fmt.Errorf("xform: write warp header of %s: %w", path, err)
	}
	for _, comp := range [][]float64{w.DX, w.DY, w.DZ} {
		if err := binary.Write(f, binary.LittleEndian, comp); err != nil {
			f.Close()
			return fmt.Errorf("xform: write warp voxels of %s: %w", path, err)
		}
	}
	return f.Close()
}
