package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/dusk-imaging/petmoco/internal/compositor"
	"github.com/dusk-imaging/petmoco/internal/config"
	"github.com/dusk-imaging/petmoco/internal/engine"
	"github.com/dusk-imaging/petmoco/internal/pipeline"
	"github.com/dusk-imaging/petmoco/internal/scheduler"
	"github.com/dusk-imaging/petmoco/internal/xform"
)

// CLI flags parsed from command line.
type cliFlags struct {
	Input          string
	WorkDir        string
	Resume         string
	EngineBin      string
	Registration   string
	Iterations     string
	Strategy       string
	ReferenceFrame int
	StartFrame     int
	Threshold      float64
	Lookahead      int
	Workers        int
	OnFailure      string
	Force          bool
	Verbose        bool
	Version        bool
}

// version is set by goreleaser at build time.
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var flags cliFlags

	fs := flag.NewFlagSet("petmoco", flag.ContinueOnError)
	fs.StringVar(&flags.Input, "input", "", "4D acquisition file or directory of split 3D frames")
	fs.StringVar(&flags.WorkDir, "work-dir", ".", "parent directory for the run folder")
	fs.StringVar(&flags.Resume, "resume", "", "existing run folder to resume")
	fs.StringVar(&flags.EngineBin, "engine", "greedy", "path to the greedy registration binary")
	fs.StringVar(&flags.Registration, "registration", "affine", "registration mode: rigid, affine or deformable")
	fs.StringVar(&flags.Iterations, "iterations", "cruise", "multi-resolution iteration schedule (e.g. 100x25x10), or a preset: cruise, dash")
	fs.StringVar(&flags.Strategy, "strategy", "fixed", "reference strategy: fixed or rolling")
	fs.IntVar(&flags.ReferenceFrame, "reference-frame", -1, "reference frame index; negative counts from the end")
	fs.IntVar(&flags.StartFrame, "start-frame", -1, "first frame to register; -1 infers it from tracer stability")
	fs.Float64Var(&flags.Threshold, "threshold", 0.7, "similarity threshold for start-frame inference")
	fs.IntVar(&flags.Lookahead, "lookahead", 2, "frames after a candidate that must also clear the threshold")
	fs.IntVar(&flags.Workers, "workers", 0, "concurrent registration jobs; 0 sizes from the CPU count")
	fs.StringVar(&flags.OnFailure, "on-failure", "exclude", "failed-frame policy for the 4D volume: exclude or abort")
	fs.BoolVar(&flags.Force, "force", false, "recompute transforms already in the store")
	fs.BoolVar(&flags.Verbose, "verbose", false, "enable verbose output")
	fs.BoolVar(&flags.Version, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if flags.Version {
		fmt.Println(version)
		return nil
	}

	cfg, err := buildConfig(fs, flags)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Verbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := engine.NewGreedy(cfg.EngineBin, "", log)
	p := pipeline.New(cfg, eng, log)
	defer p.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range p.Progress() {
			fmt.Println(scheduler.FormatProgress(ev))
		}
	}()

	result, err := p.Run(ctx)
	p.Close()
	<-done
	if err != nil {
		return err
	}

	printSummary(result)
	return nil
}

// buildConfig layers defaults, the optional petmoco.yml, and explicitly
// set flags, in that order.
func buildConfig(fs *flag.FlagSet, flags cliFlags) (config.Run, error) {
	cfg := config.Defaults()

	file, err := config.LoadFile(flags.WorkDir)
	if err != nil {
		return cfg, err
	}
	if err := file.Apply(&cfg); err != nil {
		return cfg, err
	}

	cfg.Input = flags.Input
	cfg.WorkDir = flags.WorkDir
	cfg.ResumeDir = flags.Resume

	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		if flagErr != nil {
			return
		}
		switch f.Name {
		case "engine":
			cfg.EngineBin = flags.EngineBin
		case "registration":
			cfg.Mode, flagErr = xform.ParseMode(flags.Registration)
		case "iterations":
			cfg.Schedule, flagErr = parseScheduleArg(flags.Iterations)
		case "strategy":
			cfg.Strategy, flagErr = scheduler.ParseStrategy(flags.Strategy)
		case "reference-frame":
			cfg.ReferenceIndex = flags.ReferenceFrame
		case "start-frame":
			cfg.StartFrame = flags.StartFrame
		case "threshold":
			cfg.Threshold = flags.Threshold
		case "lookahead":
			cfg.Lookahead = flags.Lookahead
		case "workers":
			cfg.Workers = flags.Workers
		case "on-failure":
			cfg.Policy, flagErr = compositor.ParsePolicy(flags.OnFailure)
		case "force":
			cfg.Force = flags.Force
		case "verbose":
			cfg.Verbose = flags.Verbose
		}
	})
	if flagErr != nil {
		return cfg, flagErr
	}
	if cfg.Workers == 0 {
		cfg.Workers = config.DefaultWorkers()
	}
	return cfg, cfg.Validate()
}

// parseScheduleArg resolves the named presets before falling back to an
// explicit NxNxN schedule.
func parseScheduleArg(s string) (engine.Schedule, error) {
	switch s {
	case "cruise":
		s = engine.ScheduleCruise
	case "dash":
		s = engine.ScheduleDash
	}
	return engine.ParseSchedule(s)
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func printSummary(r *pipeline.Result) {
	s := r.Summary
	fmt.Printf("\nrun %s\n", r.RunDir)
	fmt.Printf("  reference frame %d, start frame %d\n", r.ReferenceIndex, r.StartIndex)
	fmt.Printf("  %d succeeded, %d failed, %d skipped", s.Succeeded, s.Failed, s.Skipped)
	if r.Stats.Reused > 0 {
		fmt.Printf(" (%d reused from a previous run)", r.Stats.Reused)
	}
	fmt.Println()
	if len(s.Excluded) > 0 {
		fmt.Printf("  excluded from 4D volume: %v\n", s.Excluded)
	}
	fmt.Printf("  corrected 4D volume: %s\n", s.FourDPath)
}
