// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package unblur

import (
	"rescribe.xyz/cistem/internal/pipeline"
)

// unblurArgs are the answers to the prompts of unblur
type unblurArgs struct {
	Movie        string
	Micrograph   string
	SamplingRate float64
	Bin          float64
	DoseFilter   bool
	Voltage      float64
	Exposure     float64
	PreExposure  float64
	MinShift     float64
	MaxShift     float64
	BFactor      float64
	HWVert       int
	HWHori       int
	Termination  float64
	MaxIter      int
	RestoreNoise bool
	Gain         string
	FrameFirst   int
	FrameLast    int
}

// Script returns the unblur prompt answers, in order. The dose
// filter and gain prompts are only asked for when they apply.
func (a unblurArgs) Script() pipeline.Script {
	s := pipeline.Script{
		a.Movie,
		a.Micrograph,
		pipeline.Float(a.SamplingRate),
		pipeline.Float(a.Bin),
		pipeline.YesNo(a.DoseFilter),
	}
	if a.DoseFilter {
		s = append(s,
			pipeline.Float(a.Voltage),
			pipeline.Float(a.Exposure),
			pipeline.Float(a.PreExposure))
	}
	s = append(s,
		pipeline.YesNo(true), // expert options
		pipeline.Float(a.MinShift),
		pipeline.Float(a.MaxShift),
		pipeline.Float(a.BFactor),
		pipeline.Int(a.HWVert),
		pipeline.Int(a.HWHori),
		pipeline.Float(a.Termination),
		pipeline.Int(a.MaxIter))
	if a.DoseFilter {
		s = append(s, pipeline.YesNo(a.RestoreNoise))
	}
	// asks whether the movie is already gain corrected
	s = append(s, pipeline.YesNo(a.Gain == ""))
	if a.Gain != "" {
		s = append(s, a.Gain)
	}
	return append(s,
		pipeline.Int(a.FrameFirst),
		pipeline.Int(a.FrameLast),
		pipeline.YesNo(false))
}
