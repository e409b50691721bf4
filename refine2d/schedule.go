// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package refine2d

import (
	"math"

	"rescribe.xyz/cistem"
)

// autoPercentFloor is the least percentage of particles used in the
// middle iterations of a run when the percentage is chosen
// automatically
const autoPercentFloor = 30.0

// HighResLimit returns the high resolution limit for a run of total
// iterations once n iterations have been done. The limit moves
// linearly from r1 to r2, reaching r2 three quarters of the way
// through runs of 4 or more iterations, and at the end of shorter
// ones.
func HighResLimit(total int, r1, r2 float64, n int) float64 {
	if total <= 1 {
		return r2
	}
	plateau := total
	if total >= 4 {
		plateau = 3 * total / 4
	}
	if n >= plateau || plateau <= 1 {
		return r2
	}
	return r1 + float64(n)/float64(plateau-1)*(r2-r1)
}

// InitialPercentUsed returns the percentage of particles to use for
// a number of classes, enough for about 300 particles per class
func InitialPercentUsed(classes, particles int) float64 {
	if particles <= 0 {
		return 100
	}
	calc := float64(classes) * 300 / float64(particles) * 100
	return math.Max(0, math.Min(100, calc))
}

// PercentUsed returns the percentage of particles to use in a run of
// total iterations once done iterations have been done. Unless auto
// is set this is just floor. Otherwise the percentage is low in the
// early iterations of longer runs, at least 30 in the middle ones,
// and 100 in the final 5, matching the defaults cisTEM itself uses.
func PercentUsed(total, done, classes, particles int, floor float64, auto bool) float64 {
	if !auto {
		return math.Max(0, math.Min(100, floor))
	}
	if total < 10 || particles <= 0 {
		return 100
	}
	calc := InitialPercentUsed(classes, particles)

	var breakpoint int
	switch {
	case total < 20:
		breakpoint = 5
	case total < 30:
		breakpoint = 10
	default:
		breakpoint = 15
	}
	switch {
	case done < breakpoint:
		return calc
	case done < total-5:
		return math.Max(calc, autoPercentFloor)
	}
	return 100
}

// Plan holds what is needed to work out the schedule of a run
type Plan struct {
	Start, End    int
	Classes       int
	Particles     int
	HighResStart  float64
	HighResFinish float64
	PercentUsed   float64
	AutoPercent   bool
}

// Total is the iteration count the ramps are worked out from, one
// past the last iteration of the run
func (p Plan) Total() int {
	return p.End + 1
}

// Step returns the high resolution limit and percentage of particles
// used in iteration n. The first iteration makes the initial classes
// from the starting limit.
func (p Plan) Step(n int) cistem.ScheduleStep {
	if n == 1 {
		return cistem.ScheduleStep{
			Iteration:   1,
			HighRes:     p.HighResStart,
			PercentUsed: InitialPercentUsed(p.Classes, p.Particles),
		}
	}
	return cistem.ScheduleStep{
		Iteration:   n,
		HighRes:     HighResLimit(p.Total(), p.HighResStart, p.HighResFinish, n-1),
		PercentUsed: PercentUsed(p.Total(), n-1, p.Classes, p.Particles, p.PercentUsed, p.AutoPercent),
	}
}

// Schedule returns the steps of every iteration in the plan
func Schedule(p Plan) []cistem.ScheduleStep {
	var steps []cistem.ScheduleStep
	for n := p.Start; n <= p.End; n++ {
		steps = append(steps, p.Step(n))
	}
	return steps
}
