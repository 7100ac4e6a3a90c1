package template

import (
	"github.com/fc3r-data/brainmap/internal/ants"
)

// minGridSize is the smallest image extent, in voxels, the coarsest
// registration level is allowed to shrink to. Shrinking further leaves
// too little structure to drive the optimizer.
const minGridSize = 32

// baseIterations are the per-level iteration counts, coarsest first.
// Deeper schedules repeat the first entry for the extra coarse levels.
var baseIterations = []int{100, 70, 50, 20}

// ComputeSchedule derives the coarse-to-fine registration schedule for a
// pyramid level from its target spacing and the estimated field of view.
// Shrink factors are powers of two chosen so the coarsest grid keeps at
// least minGridSize voxels across the field of view; smoothing sigmas are
// half the shrink factor, with none on the full-resolution level.
func ComputeSchedule(spacing, fov float64) ants.Schedule {
	if spacing <= 0 || fov <= 0 {
		return ants.Schedule{Iterations: []int{20}, Shrink: []int{1}, Smoothing: []float64{0}}
	}

	voxels := fov / spacing
	maxShrink := 1
	for maxShrink*2 <= 8 && voxels/float64(maxShrink*2) >= minGridSize {
		maxShrink *= 2
	}

	var sched ants.Schedule
	for s := maxShrink; s >= 1; s /= 2 {
		sched.Shrink = append(sched.Shrink, s)
		if s == 1 {
			sched.Smoothing = append(sched.Smoothing, 0)
		} else {
			sched.Smoothing = append(sched.Smoothing, float64(s)/2)
		}
	}

	n := len(sched.Shrink)
	for i := 0; i < n; i++ {
		// Align the iteration tail to the finest levels.
		j := len(baseIterations) - n + i
		if j < 0 {
			j = 0
		}
		sched.Iterations = append(sched.Iterations, baseIterations[j])
	}
	return sched
}
