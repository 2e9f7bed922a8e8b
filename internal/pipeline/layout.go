package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Layout is the on-disk shape of one run. Everything a run produces lives
// under a single timestamped folder so concurrent runs never collide and a
// run can be resumed by pointing at its folder.
type Layout struct {
	// Root is the run folder, petmoco-<timestamp>-<id>.
	Root string

	// SplitDir holds the per-frame 3D volumes split from the 4D input.
	SplitDir string

	// TransformsDir is the transform store root.
	TransformsDir string

	// CorrectedDir receives motion-corrected frames and the 4D volume.
	CorrectedDir string

	// LedgerPath is the sqlite provenance database.
	LedgerPath string
}

const (
	splitDirName      = "split"
	transformsDirName = "transforms"
	correctedDirName  = "moco"
	ledgerFileName    = "provenance.db"
)

// NewLayout creates a fresh run folder under parent and its fixed
// subdirectories.
func NewLayout(parent string) (*Layout, error) {
	id := uuid.NewString()[:8]
	name := fmt.Sprintf("petmoco-%s-%s", time.Now().Format("20060102-150405"), id)
	return openLayout(filepath.Join(parent, name))
}

// OpenLayout reuses an existing run folder (or creates it at an exact
// path), for resuming an interrupted run.
func OpenLayout(root string) (*Layout, error) {
	return openLayout(root)
}

func openLayout(root string) (*Layout, error) {
	l := &Layout{
		Root:          root,
		SplitDir:      filepath.Join(root, splitDirName),
		TransformsDir: filepath.Join(root, transformsDirName),
		CorrectedDir:  filepath.Join(root, correctedDirName),
		LedgerPath:    filepath.Join(root, ledgerFileName),
	}
	for _, dir := range []string{l.Root, l.SplitDir, l.TransformsDir, l.CorrectedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("pipeline: create run folder: %w", err)
		}
	}
	return l, nil
}
