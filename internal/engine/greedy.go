package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/dusk-imaging/petmoco/internal/xform"
)

// DefaultCostFunction is the similarity metric handed to the engine binary.
const DefaultCostFunction = "NCC 2x2x2"

// Compile-time interface check.
var _ Engine = (*Greedy)(nil)

// Greedy invokes the greedy registration binary out of process. Each
// Register call works in a fresh scratch directory under WorkDir; scratch
// state is released on every failure path, and ownership of the output
// artifacts passes to the caller on success.
type Greedy struct {
	// Bin is the path to the engine binary.
	Bin string

	// WorkDir hosts per-job scratch directories.
	WorkDir string

	// CostFunction overrides DefaultCostFunction when non-empty.
	CostFunction string

	// Log receives one entry per engine invocation. Nil disables logging.
	Log *zap.Logger
}

// NewGreedy returns an adapter for the binary at bin, working under workDir.
func NewGreedy(bin, workDir string, log *zap.Logger) *Greedy {
	if log == nil {
		log = zap.NewNop()
	}
	return &Greedy{Bin: bin, WorkDir: workDir, Log: log}
}

func (g *Greedy) cost() []string {
	c := g.CostFunction
	if c == "" {
		c = DefaultCostFunction
	}
	// The cost function is one flag value with an embedded radius,
	// e.g. "NCC 2x2x2" becomes two argv entries.
	return append([]string{"-m"}, strings.Fields(c)...)
}

// Register runs the engine for one frame pair. Rigid and affine modes run a
// single invocation; deformable chains an affine pre-alignment and a
// diffeomorphic pass seeded with it, as the original tool does.
func (g *Greedy) Register(ctx context.Context, req RegisterRequest) (*xform.Transform, error) {
	scratch, err := os.MkdirTemp(g.WorkDir, fmt.Sprintf("reg-%04d-", req.MovingIndex))
	if err != nil {
		return nil, fmt.Errorf("engine: scratch dir: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			os.RemoveAll(scratch)
		}
	}()

	t := &xform.Transform{
		MovingIndex: req.MovingIndex,
		FixedIndex:  req.FixedIndex,
		Mode:        req.Mode,
		Schedule:    req.Schedule.String(),
	}

	affinePath := filepath.Join(scratch, "affine.mat")
	if err := g.runAlign(ctx, req, affinePath); err != nil {
		return nil, err
	}

	if req.Mode.Deformable() {
		t.WarpPath = filepath.Join(scratch, "warp.vol")
		t.InverseWarpPath = filepath.Join(scratch, "inverse_warp.vol")
		if err := g.runDeform(ctx, req, affinePath, t.WarpPath, t.InverseWarpPath); err != nil {
			return nil, err
		}
		for _, p := range []string{t.WarpPath, t.InverseWarpPath} {
			if _, err := os.Stat(p); err != nil {
				return nil, fmt.Errorf("%w: missing warp field %s", ErrOutputCorrupt, filepath.Base(p))
			}
		}
	}

	t.Affine, err = xform.ReadMatrix(affinePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOutputCorrupt, err)
	}
	t.AffinePath = affinePath

	ok = true
	return t, nil
}

// runAlign performs the linear (rigid or affine) pass.
func (g *Greedy) runAlign(ctx context.Context, req RegisterRequest, outMat string) error {
	dof := "12"
	if req.Mode == xform.ModeRigid {
		dof = "6"
	}
	args := []string{
		"-d", "3", "-a",
		"-i", req.FixedPath, req.MovingPath,
		"-ia-image-centers",
		"-dof", dof,
		"-o", outMat,
		"-n", req.Schedule.String(),
	}
	args = append(args, g.cost()...)
	return g.run(ctx, args)
}

// runDeform performs the diffeomorphic pass seeded with the affine result.
func (g *Greedy) runDeform(ctx context.Context, req RegisterRequest, affine, warp, invWarp string) error {
	args := []string{"-d", "3"}
	args = append(args, g.cost()...)
	args = append(args,
		"-i", req.FixedPath, req.MovingPath,
		"-it", affine,
		"-o", warp,
		"-oinv", invWarp,
		"-sv",
		"-n", req.Schedule.String(),
	)
	return g.run(ctx, args)
}

// Reslice resamples the moving volume into fixed space. Deformable
// transforms apply the warp first, then the affine, matching the engine's
// right-to-left transform stack.
func (g *Greedy) Reslice(ctx context.Context, req ResliceRequest) error {
	if req.Transform.AffinePath == "" {
		return fmt.Errorf("engine: transform %d->%d has no on-disk affine to reslice with",
			req.Transform.MovingIndex, req.Transform.FixedIndex)
	}
	args := []string{
		"-d", "3",
		"-rf", req.FixedPath,
		"-ri", "LINEAR",
		"-rm", req.MovingPath, req.OutPath,
	}
	if req.Transform.Mode.Deformable() {
		args = append(args, "-r", req.Transform.WarpPath, req.Transform.AffinePath)
	} else {
		args = append(args, "-r", req.Transform.AffinePath)
	}
	if err := g.run(ctx, args); err != nil {
		return err
	}
	if _, err := os.Stat(req.OutPath); err != nil {
		return fmt.Errorf("%w: resliced volume %s not written", ErrOutputCorrupt, req.OutPath)
	}
	return nil
}

func (g *Greedy) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, g.Bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	g.Log.Debug("invoking registration engine",
		zap.String("bin", g.Bin),
		zap.Strings("args", args))

	if err := cmd.Run(); err != nil {
		// A cancelled context means the process was killed on purpose;
		// report the cancellation, not a spurious engine failure.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &EngineError{ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return fmt.Errorf("engine: exec %s: %w", g.Bin, err)
	}
	return nil
}
