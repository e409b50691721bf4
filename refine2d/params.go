// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package refine2d

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
	"rescribe.xyz/cistem/internal/pipeline"
)

// ContinueLast continues from the last finished iteration
const ContinueLast = "last"

// Params are the settings of a classification run. Paths are relative
// to the job directory.
type Params struct {
	Continue     bool   `yaml:"continue"`
	ContinueRun  string `yaml:"continue_run,omitempty"`
	ContinueIter string `yaml:"continue_iter,omitempty"`

	InputParticles     string `yaml:"input_particles,omitempty"`
	InputClassAverages string `yaml:"input_class_averages,omitempty"`
	ParticlesBlack     bool   `yaml:"particles_black"`
	Classes            int    `yaml:"number_of_classes"`
	Cycles             int    `yaml:"number_of_cycles"`

	LowRes        float64 `yaml:"low_res_limit"`
	HighResStart  float64 `yaml:"high_res_limit_start"`
	HighResFinish float64 `yaml:"high_res_limit_finish"`
	MaskRadius    float64 `yaml:"mask_radius"`
	AngularStep   float64 `yaml:"angular_step"`
	RangeX        float64 `yaml:"range_x"`
	RangeY        float64 `yaml:"range_y"`
	Smoothing     float64 `yaml:"smoothing"`
	ExcludeEdges  bool    `yaml:"exclude_edges"`
	AutoPercent   bool    `yaml:"auto_percent_used"`
	PercentUsed   float64 `yaml:"percent_used"`

	Threads int `yaml:"threads"`
	Mpi     int `yaml:"mpi"`

	// These override the values found with the particles, if set
	PixelSize           float64 `yaml:"pixel_size,omitempty"`
	Voltage             float64 `yaml:"voltage,omitempty"`
	SphericalAberration float64 `yaml:"spherical_aberration,omitempty"`
	AmplitudeContrast   float64 `yaml:"amplitude_contrast,omitempty"`
}

// DefaultParams returns the default settings
func DefaultParams() Params {
	return Params{
		ContinueIter:  ContinueLast,
		Classes:       5,
		Cycles:        20,
		LowRes:        300,
		HighResStart:  40,
		HighResFinish: 8,
		MaskRadius:    90,
		AngularStep:   15,
		RangeX:        60,
		RangeY:        60,
		Smoothing:     1,
		AutoPercent:   true,
		PercentUsed:   100,
		Threads:       4,
		Mpi:           1,
	}
}

// jobFile is the layout of a job file for this protocol
type jobFile struct {
	Protocol string `yaml:"protocol"`
	Params   `yaml:",inline"`
}

// LoadParams reads settings from a job file, with defaults for
// anything not set
func LoadParams(path string) (Params, error) {
	p := DefaultParams()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("Error reading job file %s: %w", path, err)
	}
	var j jobFile
	j.Params = p
	err = yaml.Unmarshal(data, &j)
	if err != nil {
		return p, fmt.Errorf("Error parsing job file %s: %w", path, err)
	}
	if j.Protocol != "" && j.Protocol != pipeline.Refine2D {
		return p, fmt.Errorf("Job file %s is for protocol %s, not %s", path, j.Protocol, pipeline.Refine2D)
	}
	return j.Params, nil
}

// SaveParams writes settings to a job file
func SaveParams(p Params, path string) error {
	data, err := yaml.Marshal(jobFile{Protocol: pipeline.Refine2D, Params: p})
	if err != nil {
		return fmt.Errorf("Error encoding job file: %w", err)
	}
	err = os.WriteFile(path, data, 0644)
	if err != nil {
		return fmt.Errorf("Error writing job file %s: %w", path, err)
	}
	return nil
}

// resolve returns path relative to dir, unless it is absolute
func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// continueIteration returns the iteration of the previous run to
// continue from
func (p Params) continueIteration(prevDir string) (int, error) {
	if p.ContinueIter == "" || p.ContinueIter == ContinueLast {
		last, ok, err := LastIteration(prevDir)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("No finished iterations found in %s", prevDir)
		}
		return last, nil
	}
	n, err := strconv.Atoi(p.ContinueIter)
	if err != nil {
		return 0, fmt.Errorf("Invalid iteration to continue from %q", p.ContinueIter)
	}
	return n, nil
}

// Validate checks the settings for a run in dir, returning a message
// for each problem found
func (p Params) Validate(dir string) []string {
	var msgs []string

	if p.Continue {
		prev := resolve(dir, p.ContinueRun)
		if prev == "" {
			msgs = append(msgs, "Select the previous run to continue from.")
			return msgs
		}
		if sameDir(prev, dir) {
			msgs = append(msgs,
				"You must create a new run",
				"and select the continue option rather than",
				"select continue from the same run.",
				"")
		}
		msgs = append(msgs, p.validateContinue(prev)...)
	} else {
		if p.InputParticles == "" {
			msgs = append(msgs, "Input particles are required.")
		} else if _, err := os.Stat(resolve(dir, p.InputParticles)); err != nil {
			msgs = append(msgs, fmt.Sprintf("Input particles %s can not be read.", p.InputParticles))
		}
		if p.InputClassAverages != "" {
			if _, err := os.Stat(resolve(dir, p.InputClassAverages)); err != nil {
				msgs = append(msgs, fmt.Sprintf("Input class averages %s can not be read.", p.InputClassAverages))
			}
		} else if p.Classes <= 0 {
			msgs = append(msgs, "Number of classes must be greater than zero.")
		}
	}

	if p.Cycles <= 0 {
		msgs = append(msgs, "Number of cycles must be greater than zero.")
	}
	if p.HighResStart <= 0 || p.HighResFinish <= 0 {
		msgs = append(msgs, "High resolution limits must be greater than zero.")
	}
	if p.LowRes <= p.HighResStart {
		msgs = append(msgs, "Low resolution limit must be greater than the high resolution limit.")
	}
	if !p.AutoPercent && (p.PercentUsed <= 0 || p.PercentUsed > 100) {
		msgs = append(msgs, "Percent used must be greater than zero and at most 100.")
	}

	return msgs
}

func (p Params) validateContinue(prev string) []string {
	last, ok, err := LastIteration(prev)
	if err != nil {
		return []string{err.Error()}
	}
	if !ok {
		return []string{fmt.Sprintf("No finished iterations found in %s", prev)}
	}
	n, err := p.continueIteration(prev)
	if err != nil {
		return []string{err.Error()}
	}
	if n > last {
		return []string{fmt.Sprintf("You can continue only from the iteration %d or less", last)}
	}
	if n < 1 {
		return []string{fmt.Sprintf("Invalid iteration to continue from %d", n)}
	}
	if _, err := os.Stat(filepath.Join(prev, ManifestName)); err != nil {
		return []string{fmt.Sprintf("No run found in %s", prev)}
	}
	return nil
}

// sameDir reports whether two paths name the same directory
func sameDir(a, b string) bool {
	ia, err := os.Stat(a)
	if err != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	ib, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ia, ib)
}
