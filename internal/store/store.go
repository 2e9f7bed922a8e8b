// Package store persists transform artifacts under a deterministic on-disk
// layout keyed by frame index and registration mode, so a re-run with the
// same inputs can detect and skip already-computed transforms.
//
// Layout, one directory per registered frame:
//
//	<root>/frame_0007/affine.mat
//	<root>/frame_0007/warp.vol          (deformable only)
//	<root>/frame_0007/inverse_warp.vol  (deformable only)
//	<root>/frame_0007/meta.yaml
//
// Entries become visible atomically: artifacts are staged in a temp
// directory and renamed into place, so concurrent readers never observe a
// partial write. Writers never share a key, one frame index is registered
// by exactly one job.
package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/dusk-imaging/petmoco/internal/xform"
)

var (
	// ErrTransformNotFound indicates a Get on a missing key. When the
	// compositor hits this the ledger and store disagree; always fatal.
	ErrTransformNotFound = errors.New("store: transform not found")

	// ErrAlreadyExists indicates a Put on an occupied key without force.
	ErrAlreadyExists = errors.New("store: transform already present")
)

const (
	affineFile  = "affine.mat"
	warpFile    = "warp.vol"
	invWarpFile = "inverse_warp.vol"
	metaFile    = "meta.yaml"
)

// meta is the provenance sidecar written next to each transform.
type meta struct {
	MovingIndex int    `yaml:"movingIndex"`
	FixedIndex  int    `yaml:"fixedIndex"`
	Mode        string `yaml:"mode"`
	Schedule    string `yaml:"schedule"`
	HasWarp     bool   `yaml:"hasWarp"`
}

// Store is a transform store rooted at one directory.
type Store struct {
	root string
}

// Open creates (if needed) and opens a store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir %s: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) frameDir(idx int) string {
	return filepath.Join(s.root, fmt.Sprintf("frame_%04d", idx))
}

// Has reports whether a transform for (idx, mode) is already stored.
func (s *Store) Has(idx int, mode xform.Mode) bool {
	m, err := s.readMeta(s.frameDir(idx))
	return err == nil && m.Mode == string(mode)
}

// Put persists a transform's artifacts under the store layout and returns
// the stored copy with paths rewritten into the store. An occupied key is
// never overwritten unless force is set.
func (s *Store) Put(t *xform.Transform, force bool) (*xform.Transform, error) {
	dst := s.frameDir(t.MovingIndex)
	if _, err := os.Stat(dst); err == nil {
		if !force {
			return nil, fmt.Errorf("%w: frame %d", ErrAlreadyExists, t.MovingIndex)
		}
	}

	staging, err := os.MkdirTemp(s.root, fmt.Sprintf(".stage-%04d-", t.MovingIndex))
	if err != nil {
		return nil, fmt.Errorf("store: staging dir: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			os.RemoveAll(staging)
		}
	}()

	stored := *t
	stored.AffinePath = filepath.Join(staging, affineFile)
	if err := xform.WriteMatrix(stored.AffinePath, t.Affine); err != nil {
		return nil, err
	}
	if t.Mode.Deformable() {
		stored.WarpPath = filepath.Join(staging, warpFile)
		stored.InverseWarpPath = filepath.Join(staging, invWarpFile)
		if err := copyFile(t.WarpPath, stored.WarpPath); err != nil {
			return nil, fmt.Errorf("store: stage warp for frame %d: %w", t.MovingIndex, err)
		}
		if err := copyFile(t.InverseWarpPath, stored.InverseWarpPath); err != nil {
			return nil, fmt.Errorf("store: stage inverse warp for frame %d: %w", t.MovingIndex, err)
		}
	}

	m := meta{
		MovingIndex: t.MovingIndex,
		FixedIndex:  t.FixedIndex,
		Mode:        string(t.Mode),
		Schedule:    t.Schedule,
		HasWarp:     t.Mode.Deformable(),
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("store: marshal meta for frame %d: %w", t.MovingIndex, err)
	}
	if err := os.WriteFile(filepath.Join(staging, metaFile), data, 0o644); err != nil {
		return nil, fmt.Errorf("store: write meta for frame %d: %w", t.MovingIndex, err)
	}

	if force {
		if err := os.RemoveAll(dst); err != nil {
			return nil, fmt.Errorf("store: evict frame %d: %w", t.MovingIndex, err)
		}
	}
	if err := os.Rename(staging, dst); err != nil {
		return nil, fmt.Errorf("store: commit frame %d: %w", t.MovingIndex, err)
	}
	ok = true

	stored.AffinePath = filepath.Join(dst, affineFile)
	if m.HasWarp {
		stored.WarpPath = filepath.Join(dst, warpFile)
		stored.InverseWarpPath = filepath.Join(dst, invWarpFile)
	}
	return &stored, nil
}

// Get retrieves the transform for (idx, mode). A missing entry, or an entry
// recorded under a different mode, fails with ErrTransformNotFound.
func (s *Store) Get(idx int, mode xform.Mode) (*xform.Transform, error) {
	dir := s.frameDir(idx)
	m, err := s.readMeta(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d", ErrTransformNotFound, idx)
	}
	if m.Mode != string(mode) {
		return nil, fmt.Errorf("%w: frame %d stored as %s, want %s", ErrTransformNotFound, idx, m.Mode, mode)
	}

	t := &xform.Transform{
		MovingIndex: m.MovingIndex,
		FixedIndex:  m.FixedIndex,
		Mode:        xform.Mode(m.Mode),
		Schedule:    m.Schedule,
		AffinePath:  filepath.Join(dir, affineFile),
	}
	t.Affine, err = xform.ReadMatrix(t.AffinePath)
	if err != nil {
		return nil, fmt.Errorf("store: frame %d: %w", idx, err)
	}
	if m.HasWarp {
		t.WarpPath = filepath.Join(dir, warpFile)
		t.InverseWarpPath = filepath.Join(dir, invWarpFile)
	}
	return t, nil
}

func (s *Store) readMeta(dir string) (meta, error) {
	var m meta
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return m, err
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("store: bad meta in %s: %w", dir, err)
	}
	return m, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
