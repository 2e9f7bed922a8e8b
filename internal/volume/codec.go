package volume

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// The raw volume codec is the internal exchange format between the core and
// the registration engine collaborator: a fixed header followed by voxel
// intensities as little-endian float64. A file holds NT frames; split 3D
// frames have NT == 1.
//
// Header layout (little-endian):
//
//	magic   [4]byte "PVOL"
//	version uint32  (1)
//	nx, ny, nz, nt  uint32
//	sx, sy, sz      float64
//	data    nt * nx*ny*nz * float64

var magic = [4]byte{'P', 'V', 'O', 'L'}

const codecVersion = 1

// FramePattern is the filename layout of split 3D frames inside a run's
// split directory.
const FramePattern = "vol_%04d.vol"

type header struct {
	Magic      [4]byte
	Version    uint32
	NX, NY, NZ uint32
	NT         uint32
	SX, SY, SZ float64
}

func (h header) grid() Grid {
	return Grid{
		NX: int(h.NX), NY: int(h.NY), NZ: int(h.NZ),
		SX: h.SX, SY: h.SY, SZ: h.SZ,
	}
}

func readHeader(r io.Reader, path string) (header, error) {
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return h, fmt.Errorf("volume: read header of %s: %w", path, err)
	}
	if h.Magic != magic {
		return h, fmt.Errorf("volume: %s is not a raw volume file", path)
	}
	if h.Version != codecVersion {
		return h, fmt.Errorf("volume: %s has unsupported version %d", path, h.Version)
	}
	if h.NX == 0 || h.NY == 0 || h.NZ == 0 || h.NT == 0 {
		return h, fmt.Errorf("volume: %s has degenerate dimensions %dx%dx%dx%d",
			path, h.NX, h.NY, h.NZ, h.NT)
	}
	return h, nil
}

// ReadFrame reads a single-frame (3D) volume file. The caller assigns the
// acquisition index.
func ReadFrame(path string) (*Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("volume: %w", err)
	}
	defer f.Close()

	h, err := readHeader(f, path)
	if err != nil {
		return nil, err
	}
	if h.NT != 1 {
		return nil, fmt.Errorf("volume: %s holds %d frames, expected a 3D file", path, h.NT)
	}

	grid := h.grid()
	data := make([]float64, grid.Voxels())
	if err := binary.Read(f, binary.LittleEndian, data); err != nil {
		return nil, fmt.Errorf("volume: read voxels of %s: %w", path, err)
	}
	return &Frame{Grid: grid, Data: data, Path: path}, nil
}

// WriteFrame writes a single 3D frame to path.
func WriteFrame(path string, fr *Frame) error {
	return writeVolume(path, fr.Grid, 1, fr.Data)
}

func writeVolume(path string, g Grid, nt int, data []float64) error {
	if len(data) != nt*g.Voxels() {
		return fmt.Errorf("volume: write %s: %d voxels for %d frames of grid %s", path, len(data), nt, g)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("volume: %w", err)
	}
	h := header{
		Magic: magic, Version: codecVersion,
		NX: uint32(g.NX), NY: uint32(g.NY), NZ: uint32(g.NZ), NT: uint32(nt),
		SX: g.SX, SY: g.SY, SZ: g.SZ,
	}
	if err := binary.Write(f, binary.LittleEndian, h); err != nil {
		f.Close()
		return fmt.Errorf("volume: write header of %s: %w", path, err)
	}
	if err := binary.Write(f, binary.LittleEndian, data); err != nil {
		f.Close()
		return fmt.Errorf("volume: write voxels of %s: %w", path, err)
	}
	return f.Close()
}

// SplitSeries splits a 4D volume file into per-frame 3D files named
// vol_%04d.vol under outDir and returns the resulting set.
func SplitSeries(path, outDir string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("volume: %w", err)
	}
	defer f.Close()

	h, err := readHeader(f, path)
	if err != nil {
		return nil, err
	}
	grid := h.grid()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("volume: mkdir %s: %w", outDir, err)
	}

	frames := make([]*Frame, 0, h.NT)
	for t := 0; t < int(h.NT); t++ {
		data := make([]float64, grid.Voxels())
		if err := binary.Read(f, binary.LittleEndian, data); err != nil {
			return nil, fmt.Errorf("volume: read frame %d of %s: %w", t, path, err)
		}
		fr := &Frame{Index: t, Grid: grid, Data: data}
		fr.Path = filepath.Join(outDir, fmt.Sprintf(FramePattern, t))
		if err := WriteFrame(fr.Path, fr); err != nil {
			return nil, err
		}
		frames = append(frames, fr)
	}
	return NewSet(frames)
}

// LoadSplitDir builds a set from a directory of already-split 3D files,
// ordered by the numeric component of their filenames.
func LoadSplitDir(dir string) (*Set, error) {
	entries, err := filepath.Glob(filepath.Join(dir, "*.vol"))
	if err != nil {
		return nil, fmt.Errorf("volume: %w", err)
	}
	sort.Strings(entries)

	frames := make([]*Frame, 0, len(entries))
	for i, path := range entries {
		fr, err := ReadFrame(path)
		if err != nil {
			return nil, err
		}
		fr.Index = i
		frames = append(frames, fr)
	}
	return NewSet(frames)
}

// MergeFrames concatenates 3D frame files along the time axis into one 4D
// file, in the order given. All frames must share the grid of the first.
func MergeFrames(paths []string, outPath string) error {
	if len(paths) == 0 {
		return fmt.Errorf("volume: no frames to merge")
	}
	var grid Grid
	data := make([]float64, 0)
	for i, p := range paths {
		fr, err := ReadFrame(p)
		if err != nil {
			return err
		}
		if i == 0 {
			grid = fr.Grid
		} else if !fr.Grid.SameShape(grid) {
			return fmt.Errorf("%w: %s is %s, %s is %s", ErrGridMismatch, p, fr.Grid, paths[0], grid)
		}
		data = append(data, fr.Data...)
	}
	return writeVolume(outPath, grid, len(paths), data)
}
