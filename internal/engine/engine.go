// Package engine wraps the external diffeomorphic registration binary. The
// binary is a black box: given a fixed and a moving volume it produces an
// affine matrix file and, in deformable mode, forward/inverse dense warp
// fields. The adapter is stateless and safe to invoke concurrently for
// independent frame pairs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dusk-imaging/petmoco/internal/xform"
)

// ErrOutputCorrupt is returned when the engine exits cleanly but its output
// files are missing or unparseable.
var ErrOutputCorrupt = errors.New("engine: output corrupt")

// EngineError reports a non-zero engine exit. The adapter never retries
// silently; retry policy belongs to the caller.
type EngineError struct {
	ExitCode int
	Stderr   string
}

func (e *EngineError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("engine: exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("engine: exited with code %d: %s", e.ExitCode, msg)
}

// Schedule is a multi-resolution iteration schedule: one iteration count
// per resolution level, coarse to fine. The engine's wire format is
// x-delimited, e.g. "100x50x25".
type Schedule []int

// Iteration-schedule presets, from the original tool's operating modes.
const (
	ScheduleCruise = "100x25x10"
	ScheduleDash   = "100x25x10x0"
)

// ParseSchedule parses an x-delimited iteration schedule.
func ParseSchedule(s string) (Schedule, error) {
	parts := strings.Split(s, "x")
	sched := make(Schedule, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("engine: bad iteration schedule %q: level %q is not a non-negative integer", s, p)
		}
		sched = append(sched, n)
	}
	if len(sched) == 0 {
		return nil, fmt.Errorf("engine: empty iteration schedule")
	}
	return sched, nil
}

func (s Schedule) String() string {
	parts := make([]string, len(s))
	for i, n := range s {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, "x")
}

// RegisterRequest describes one (moving, fixed) registration job. Paths
// reference volume files already on disk.
type RegisterRequest struct {
	MovingPath  string
	FixedPath   string
	MovingIndex int
	FixedIndex  int
	Mode        xform.Mode
	Schedule    Schedule
}

// ResliceRequest resamples a moving volume into the fixed volume's space
// using a previously computed transform.
type ResliceRequest struct {
	FixedPath  string
	MovingPath string
	OutPath    string
	Transform  *xform.Transform
}

// Engine is the registration-engine boundary. The production implementation
// shells out to the external binary; tests substitute an in-core fake so
// the scheduler's state machine is exercised without process execution.
type Engine interface {
	// Register aligns moving to fixed and returns the resulting transform.
	// The transform's artifact files are owned by the caller.
	Register(ctx context.Context, req RegisterRequest) (*xform.Transform, error)

	// Reslice resamples moving into fixed space through req.Transform,
	// writing the corrected volume to req.OutPath.
	Reslice(ctx context.Context, req ResliceRequest) error
}
