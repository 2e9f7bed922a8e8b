// Package selector picks the earliest frame at which registration is
// numerically stable. Very early dynamic frames can hold near-zero tracer
// signal; registering them produces garbage transforms, so the run anchors
// at the first frame whose forward similarity clears a threshold.
package selector

import (
	"errors"
	"fmt"

	"github.com/dusk-imaging/petmoco/internal/similarity"
	"github.com/dusk-imaging/petmoco/internal/volume"
)

// ErrNoStableStart is returned when no frame satisfies the stability
// criterion. This is a hard stop: proceeding would silently corrupt every
// downstream transform. The caller may retry with an explicit start index.
var ErrNoStableStart = errors.New("selector: no stable start frame found")

// Defaults bias toward a later, reliable start over an early, noisy one.
const (
	DefaultThreshold = 0.7
	DefaultLookahead = 2
)

// Options configures the stability criterion.
type Options struct {
	// Threshold is the minimum NCC a consecutive frame pair must reach.
	Threshold float64

	// Lookahead is how many subsequent consecutive pairs must also clear
	// the threshold, rejecting single lucky outliers. The window clips at
	// the end of the series.
	Lookahead int
}

// Scores computes NCC for every consecutive pair (i, i+1), i = 0..N-2.
func Scores(set *volume.Set) ([]float64, error) {
	scores := make([]float64, set.Len()-1)
	for i := 0; i < set.Len()-1; i++ {
		s, err := similarity.NCC(set.Frame(i), set.Frame(i+1))
		if err != nil {
			return nil, err
		}
		scores[i] = s
	}
	return scores, nil
}

// StartFrame returns the smallest index i such that score(i, i+1) exceeds
// the threshold and the scores of the next Lookahead consecutive pairs do
// too. Exhaustion fails with ErrNoStableStart.
func StartFrame(set *volume.Set, opts Options) (int, error) {
	if opts.Threshold <= -1 || opts.Threshold >= 1 {
		return 0, fmt.Errorf("selector: threshold %v outside (-1,1)", opts.Threshold)
	}
	if opts.Lookahead < 0 {
		return 0, fmt.Errorf("selector: negative lookahead %d", opts.Lookahead)
	}

	scores, err := Scores(set)
	if err != nil {
		return 0, err
	}

	for i := range scores {
		if stableFrom(scores, i, opts) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: no consecutive pair run clears threshold %v (lookahead %d)",
		ErrNoStableStart, opts.Threshold, opts.Lookahead)
}

// stableFrom reports whether the pair at i and its lookahead window all
// clear the threshold.
func stableFrom(scores []float64, i int, opts Options) bool {
	end := i + opts.Lookahead
	if end > len(scores)-1 {
		end = len(scores) - 1
	}
	for j := i; j <= end; j++ {
		if scores[j] <= opts.Threshold {
			return false
		}
	}
	return true
}
