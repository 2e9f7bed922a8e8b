// Package report renders a run's outcome as a machine-readable JSON file
// alongside the corrected volumes, for downstream QC tooling that does not
// want to open the provenance database.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dusk-imaging/petmoco/internal/compositor"
	"github.com/dusk-imaging/petmoco/internal/scheduler"
)

// FileName is the report's name inside the run folder.
const FileName = "report.json"

// RunReport is the top-level JSON export structure.
type RunReport struct {
	RunID       string `json:"runId"`
	GeneratedAt string `json:"generatedAt"`

	Mode           string `json:"mode"`
	Strategy       string `json:"strategy"`
	Schedule       string `json:"schedule"`
	ReferenceFrame int    `json:"referenceFrame"`
	StartFrame     int    `json:"startFrame"`

	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	Excluded  []int  `json:"excluded,omitempty"`
	FourDPath string `json:"fourDPath"`

	Frames []FrameReport `json:"frames"`
}

// FrameReport describes a single frame's journey through the run.
type FrameReport struct {
	Index      int    `json:"index"`
	State      string `json:"state"`
	Corrected  bool   `json:"corrected"`
	InFourD    bool   `json:"inFourD"`
	Path       string `json:"path,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"durationMs,omitempty"`
}

// Meta carries the run parameters the report echoes back.
type Meta struct {
	RunID          string
	Mode           string
	Strategy       string
	Schedule       string
	ReferenceFrame int
	StartFrame     int
}

// Build assembles a report from the ledger and composition summary.
func Build(meta Meta, ledger *scheduler.Ledger, summary *compositor.Summary) *RunReport {
	r := &RunReport{
		RunID:          meta.RunID,
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Mode:           meta.Mode,
		Strategy:       meta.Strategy,
		Schedule:       meta.Schedule,
		ReferenceFrame: meta.ReferenceFrame,
		StartFrame:     meta.StartFrame,
		Succeeded:      summary.Succeeded,
		Failed:         summary.Failed,
		Skipped:        summary.Skipped,
		Excluded:       summary.Excluded,
		FourDPath:      summary.FourDPath,
	}

	outputs := make(map[int]compositor.FrameOutput, len(summary.Frames))
	for _, out := range summary.Frames {
		outputs[out.Index] = out
	}

	for _, o := range ledger.Outcomes() {
		fr := FrameReport{
			Index:      o.Frame,
			State:      string(o.State),
			Reason:     o.Reason,
			DurationMS: o.Duration.Milliseconds(),
		}
		if o.Err != nil {
			fr.Error = o.Err.Error()
		}
		if out, ok := outputs[o.Frame]; ok {
			fr.Corrected = out.Corrected
			fr.InFourD = out.InFourD
			fr.Path = out.Path
		}
		r.Frames = append(r.Frames, fr)
	}
	return r
}

// Write serialises the report to path as indented JSON.
func Write(path string, r *RunReport) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("report: marshal: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

// Read loads a previously written report.
func Read(path string) (*RunReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("report: %w", err)
	}
	var r RunReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("report: parse %s: %w", path, err)
	}
	return &r, nil
}
