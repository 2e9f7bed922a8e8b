// Package config builds the validated, immutable run configuration that is
// passed explicitly into every component. Settings come from an optional
// petmoco.yml merged with CLI flags; the core never reads ambient global
// state.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/dusk-imaging/petmoco/internal/compositor"
	"github.com/dusk-imaging/petmoco/internal/engine"
	"github.com/dusk-imaging/petmoco/internal/scheduler"
	"github.com/dusk-imaging/petmoco/internal/selector"
	"github.com/dusk-imaging/petmoco/internal/xform"
)

// File holds project-level settings loaded from petmoco.yml. All fields are
// optional; flags override.
type File struct {
	EngineBin      string   `yaml:"engineBin,omitempty"`
	Registration   string   `yaml:"registration,omitempty"`
	Strategy       string   `yaml:"strategy,omitempty"`
	Iterations     string   `yaml:"iterations,omitempty"`
	ReferenceFrame *int     `yaml:"referenceFrame,omitempty"`
	StartFrame     *int     `yaml:"startFrame,omitempty"`
	Threshold      *float64 `yaml:"threshold,omitempty"`
	Lookahead      *int     `yaml:"lookahead,omitempty"`
	Workers        *int     `yaml:"workers,omitempty"`
	OnFailure      string   `yaml:"onFailure,omitempty"`
	Verbose        bool     `yaml:"verbose,omitempty"`
}

// LoadFile attempts to read petmoco.yml or petmoco.yaml from the given
// directory. Returns a zero-value config (not an error) if no config file
// exists.
func LoadFile(dir string) (*File, error) {
	for _, name := range []string{"petmoco.yml", "petmoco.yaml"} {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var f File
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		return &f, nil
	}
	return &File{}, nil
}

// Apply overlays the file's settings onto a Run. Only fields the file
// actually sets are touched, so CLI flags applied afterwards win.
func (f *File) Apply(r *Run) error {
	if f == nil {
		return nil
	}
	if f.EngineBin != "" {
		r.EngineBin = f.EngineBin
	}
	if f.Registration != "" {
		mode, err := xform.ParseMode(f.Registration)
		if err != nil {
			return err
		}
		r.Mode = mode
	}
	if f.Strategy != "" {
		strat, err := scheduler.ParseStrategy(f.Strategy)
		if err != nil {
			return err
		}
		r.Strategy = strat
	}
	if f.Iterations != "" {
		sched, err := engine.ParseSchedule(f.Iterations)
		if err != nil {
			return err
		}
		r.Schedule = sched
	}
	if f.OnFailure != "" {
		policy, err := compositor.ParsePolicy(f.OnFailure)
		if err != nil {
			return err
		}
		r.Policy = policy
	}
	if f.ReferenceFrame != nil {
		r.ReferenceIndex = *f.ReferenceFrame
	}
	if f.StartFrame != nil {
		r.StartFrame = *f.StartFrame
	}
	if f.Threshold != nil {
		r.Threshold = *f.Threshold
	}
	if f.Lookahead != nil {
		r.Lookahead = *f.Lookahead
	}
	if f.Workers != nil {
		r.Workers = *f.Workers
	}
	if f.Verbose {
		r.Verbose = true
	}
	return nil
}

// StartInferred marks the start frame as "determine via similarity".
const StartInferred = -1

// Run is a validated run configuration.
type Run struct {
	// Input is the acquisition: either a single 4D volume file or a
	// directory of split 3D frame files.
	Input string

	// WorkDir is the parent under which the per-run folder is created.
	WorkDir string

	// ResumeDir, when set, names an existing run folder to resume instead
	// of creating a fresh one.
	ResumeDir string

	// EngineBin is the external registration binary.
	EngineBin string

	Mode     xform.Mode
	Schedule engine.Schedule
	Strategy scheduler.Strategy

	// ReferenceIndex may be negative to count from the end; -1 (the
	// default) selects the last frame.
	ReferenceIndex int

	// StartFrame is an explicit start index, or StartInferred to let the
	// candidate-frame selector decide. Explicit input always wins over
	// inference.
	StartFrame int

	// Threshold and Lookahead parameterise the candidate-frame selector.
	Threshold float64
	Lookahead int

	// Workers caps concurrent engine invocations (fixed strategy).
	Workers int

	// Force recomputes transforms already present in the store.
	Force bool

	Policy  compositor.FailurePolicy
	Verbose bool
}

// DefaultWorkers sizes the engine pool to a fraction of the machine: the
// engine multi-threads each job internally, so job-level parallelism stays
// deliberately modest.
func DefaultWorkers() int {
	w := runtime.NumCPU() / 8
	if w < 1 {
		w = 1
	}
	return w
}

// Defaults returns a Run populated with the tool's defaults; Input and
// EngineBin must still be supplied by the caller.
func Defaults() Run {
	sched, _ := engine.ParseSchedule(engine.ScheduleCruise)
	return Run{
		WorkDir:        ".",
		Mode:           xform.ModeAffine,
		Schedule:       sched,
		Strategy:       scheduler.StrategyFixed,
		ReferenceIndex: -1,
		StartFrame:     StartInferred,
		Threshold:      selector.DefaultThreshold,
		Lookahead:      selector.DefaultLookahead,
		Workers:        DefaultWorkers(),
		Policy:         compositor.PolicyExclude,
	}
}

// Validate checks the configuration's internal consistency. Range checks
// that need the frame count happen later, once the volume set is loaded.
func (r Run) Validate() error {
	if r.Input == "" {
		return fmt.Errorf("config: no input given")
	}
	if r.EngineBin == "" {
		return fmt.Errorf("config: no registration engine binary configured")
	}
	if _, err := xform.ParseMode(string(r.Mode)); err != nil {
		return err
	}
	if _, err := scheduler.ParseStrategy(string(r.Strategy)); err != nil {
		return err
	}
	if _, err := compositor.ParsePolicy(string(r.Policy)); err != nil {
		return err
	}
	if len(r.Schedule) == 0 {
		return fmt.Errorf("config: empty iteration schedule")
	}
	if r.Strategy == scheduler.StrategyRolling && r.Mode.Deformable() {
		return fmt.Errorf("config: rolling strategy does not support deformable mode")
	}
	if r.StartFrame != StartInferred && r.StartFrame < 0 {
		return fmt.Errorf("config: start frame %d invalid", r.StartFrame)
	}
	if r.Threshold <= -1 || r.Threshold >= 1 {
		return fmt.Errorf("config: similarity threshold %v outside (-1,1)", r.Threshold)
	}
	if r.Lookahead < 0 {
		return fmt.Errorf("config: negative lookahead %d", r.Lookahead)
	}
	if r.Workers < 1 {
		return fmt.Errorf("config: workers must be at least 1, got %d", r.Workers)
	}
	return nil
}
