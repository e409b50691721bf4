// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package refine2d

import (
	"rescribe.xyz/cistem/internal/pipeline"
)

// devNull stands in for an input or output the program should skip
const devNull = "/dev/null"

// padding is the padding factor refine2d uses for its references
const padding = 2

// refineArgs are the answers to the prompts of refine2d
type refineArgs struct {
	InputStack   string
	InputParams  string
	InputClasses string
	OutputParams string
	OutputClass  string
	Classes      int
	First        int
	Last         int
	// PercentUsed is a fraction, from 0 to 1
	PercentUsed  float64
	PixelSize    float64
	Voltage      float64
	Cs           float64
	AmpContrast  float64
	MaskRadius   float64
	LowRes       float64
	HighRes      float64
	AngularStep  float64
	RangeX       float64
	RangeY       float64
	Smoothing    float64
	Black        bool
	ExcludeEdges bool
	Dump         bool
	DumpFile     string
}

// Script returns the refine2d prompt answers, in order
func (a refineArgs) Script() pipeline.Script {
	return pipeline.Script{
		a.InputStack,
		a.InputParams,
		a.InputClasses,
		a.OutputParams,
		a.OutputClass,
		pipeline.Int(a.Classes),
		pipeline.Int(a.First),
		pipeline.Int(a.Last),
		pipeline.Float(a.PercentUsed),
		pipeline.Float(a.PixelSize),
		pipeline.Float(a.Voltage),
		pipeline.Float(a.Cs),
		pipeline.Float(a.AmpContrast),
		pipeline.Float(a.MaskRadius),
		pipeline.Float(a.LowRes),
		pipeline.Float(a.HighRes),
		pipeline.Float(a.AngularStep),
		pipeline.Float(a.RangeX),
		pipeline.Float(a.RangeY),
		pipeline.Float(a.Smoothing),
		pipeline.Int(padding),
		pipeline.YesNo(true), // normalize
		pipeline.YesNo(!a.Black),
		pipeline.YesNo(a.ExcludeEdges),
		pipeline.YesNo(a.Dump),
		a.DumpFile,
	}
}

// mergeScript returns the merge2d prompt answers
func mergeScript(outputClasses, dumpSeed string, blocks int) pipeline.Script {
	return pipeline.Script{
		outputClasses,
		dumpSeed,
		pipeline.Int(blocks),
	}
}
