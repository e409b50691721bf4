// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package refine2d

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
	"rescribe.xyz/cistem/internal/pipeline"
)

// Run is the state of one classification run
type Run struct {
	// Start and End are the first and last iterations to run
	Start int
	End   int

	Classes   int
	Particles int
	Jobs      int

	current int
}

// NewRun returns a run about to start its first iteration
func NewRun(start, end, classes, particles, jobs int) *Run {
	return &Run{
		Start:     start,
		End:       end,
		Classes:   classes,
		Particles: particles,
		Jobs:      jobs,
		current:   start,
	}
}

// Current returns the iteration being run
func (r *Run) Current() int {
	return r.current
}

// Advance moves on to the next iteration, returning false once the
// last iteration is done
func (r *Run) Advance() bool {
	if r.current > r.End {
		return false
	}
	r.current++
	return r.current <= r.End
}

// Iterations returns every iteration of the run, in order
func (r *Run) Iterations() []int {
	var iters []int
	for n := r.Start; n <= r.End; n++ {
		iters = append(iters, n)
	}
	return iters
}

// Manifest records a run, for continuing from it and summarising it
type Manifest struct {
	Protocol string `yaml:"protocol"`
	Params   Params `yaml:"params"`

	// InputParticles is the absolute path of the particles STAR file
	InputParticles string  `yaml:"input_particles"`
	Particles      int     `yaml:"particles"`
	Classes        int     `yaml:"classes"`
	PixelSize      float64 `yaml:"pixel_size"`
	Voltage        float64 `yaml:"voltage"`
	Cs             float64 `yaml:"spherical_aberration"`
	AmpContrast    float64 `yaml:"amplitude_contrast"`

	StartIteration int `yaml:"start_iteration"`
	EndIteration   int `yaml:"end_iteration"`
	// ContinuedFrom is the iteration of the previous run this one
	// started from, if any
	ContinuedFrom int    `yaml:"continued_from,omitempty"`
	ContinuedRun  string `yaml:"continued_run,omitempty"`
	Finished      bool   `yaml:"finished"`
}

// ReadManifest reads the manifest of the run in dir
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	fn := filepath.Join(dir, ManifestName)
	b, err := os.ReadFile(fn)
	if err != nil {
		return m, fmt.Errorf("Error reading run manifest %s: %w", fn, err)
	}
	err = yaml.Unmarshal(b, &m)
	if err != nil {
		return m, fmt.Errorf("Error parsing run manifest %s: %w", fn, err)
	}
	if m.Protocol != pipeline.Refine2D {
		return m, fmt.Errorf("%s is not a %s run", dir, pipeline.Refine2D)
	}
	return m, nil
}

// WriteManifest writes the manifest of the run in dir
func WriteManifest(dir string, m Manifest) error {
	m.Protocol = pipeline.Refine2D
	b, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("Error encoding run manifest: %w", err)
	}
	fn := filepath.Join(dir, ManifestName)
	tmp := fn + ".tmp"
	err = os.WriteFile(tmp, b, 0644)
	if err != nil {
		return fmt.Errorf("Error writing run manifest %s: %w", fn, err)
	}
	err = os.Rename(tmp, fn)
	if err != nil {
		return fmt.Errorf("Error writing run manifest %s: %w", fn, err)
	}
	return nil
}

// plan returns the schedule plan of the run in a manifest
func (m Manifest) plan() Plan {
	return Plan{
		Start:         m.StartIteration,
		End:           m.EndIteration,
		Classes:       m.Classes,
		Particles:     m.Particles,
		HighResStart:  m.Params.HighResStart,
		HighResFinish: m.Params.HighResFinish,
		PercentUsed:   m.Params.PercentUsed,
		AutoPercent:   m.Params.AutoPercent,
	}
}
