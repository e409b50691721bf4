// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package unblur

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
	"rescribe.xyz/cistem/internal/pipeline"
	"rescribe.xyz/cistem/lib/mrc"
)

// Params are the settings of an alignment run. Paths are relative to
// the job directory.
type Params struct {
	Movies       []string `yaml:"input_movies"`
	SamplingRate float64  `yaml:"sampling_rate,omitempty"`
	Voltage      float64  `yaml:"voltage"`
	DosePerFrame float64  `yaml:"dose_per_frame"`
	InitialDose  float64  `yaml:"initial_dose"`
	Gain         string   `yaml:"gain_image,omitempty"`
	Frames       int      `yaml:"frames_per_movie,omitempty"`

	FrameFirst   int     `yaml:"align_frame0"`
	FrameLast    int     `yaml:"align_frameN"`
	Bin          float64 `yaml:"bin_factor"`
	MinShift     float64 `yaml:"min_shift"`
	MaxShift     float64 `yaml:"max_shift"`
	DoseFilter   bool    `yaml:"dose_filter"`
	RestoreNoise bool    `yaml:"restore_noise"`
	Termination  float64 `yaml:"termination_threshold"`
	MaxIter      int     `yaml:"max_iterations"`
	BFactor      float64 `yaml:"bfactor"`
	HWHori       int     `yaml:"horizontal_mask"`
	HWVert       int     `yaml:"vertical_mask"`

	Thumbnail    bool `yaml:"compute_thumbnail"`
	WorkerThread bool `yaml:"use_worker_thread"`
	Threads      int  `yaml:"threads"`
}

// DefaultParams returns the default settings
func DefaultParams() Params {
	return Params{
		FrameFirst:   1,
		FrameLast:    0,
		Bin:          1,
		MinShift:     2,
		MaxShift:     40,
		DoseFilter:   true,
		RestoreNoise: true,
		Termination:  1,
		MaxIter:      20,
		BFactor:      1500,
		HWHori:       1,
		HWVert:       1,
		Threads:      1,
	}
}

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
	j := jobFile{Params: p}
	err = yaml.Unmarshal(data, &j)
	if err != nil {
		return p, fmt.Errorf("Error parsing job file %s: %w", path, err)
	}
	if j.Protocol != "" && j.Protocol != pipeline.Unblur {
		return p, fmt.Errorf("Job file %s is for protocol %s, not %s", path, j.Protocol, pipeline.Unblur)
	}
	return j.Params, nil
}

// SaveParams writes settings to a job file
func SaveParams(p Params, path string) error {
	data, err := yaml.Marshal(jobFile{Protocol: pipeline.Unblur, Params: p})
	if err != nil {
		return fmt.Errorf("Error encoding job file: %w", err)
	}
	err = os.WriteFile(path, data, 0644)
	if err != nil {
		return fmt.Errorf("Error writing job file %s: %w", path, err)
	}
	return nil
}

func resolve(dir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// samplingRate returns the pixel size of the movies, from the
// settings or else the header of the first movie
func (p Params) samplingRate(dir string) (float64, error) {
	if p.SamplingRate > 0 {
		return p.SamplingRate, nil
	}
	if len(p.Movies) == 0 {
		return 0, fmt.Errorf("No movies")
	}
	h, err := mrc.ReadHeader(resolve(dir, p.Movies[0]))
	if err != nil {
		return 0, err
	}
	x, _, _ := h.Sampling()
	if x <= 0 {
		return 0, fmt.Errorf("No sampling rate in header of %s", p.Movies[0])
	}
	return x, nil
}

// preExposure returns the dose received before the first aligned
// frame
func (p Params) preExposure() float64 {
	pre := p.InitialDose
	if p.FrameFirst > 1 {
		pre += p.DosePerFrame * float64(p.FrameFirst-1)
	}
	return pre
}

// Validate checks the settings for a run in dir, returning a message
// for each problem found
func (p Params) Validate(dir string) []string {
	var msgs []string

	if len(p.Movies) == 0 {
		msgs = append(msgs, "Input movies are required.")
	}
	seen := make(map[string]bool)
	for _, m := range p.Movies {
		if _, err := os.Stat(resolve(dir, m)); err != nil {
			msgs = append(msgs, fmt.Sprintf("Input movie %s can not be read.", m))
		}
		root := movieRoot(m)
		if seen[root] {
			msgs = append(msgs, fmt.Sprintf("Input movie %s has the same name as another movie.", m))
		}
		seen[root] = true
	}
	if len(p.Movies) > 0 {
		if _, err := p.samplingRate(dir); err != nil {
			msgs = append(msgs, "Sampling rate of input movies is not set.")
		}
	}
	if p.Gain != "" {
		if _, err := os.Stat(resolve(dir, p.Gain)); err != nil {
			msgs = append(msgs, fmt.Sprintf("Gain image %s can not be read.", p.Gain))
		}
	}
	if p.DoseFilter {
		if p.DosePerFrame <= 0 {
			msgs = append(msgs, "Dose per frame for input movies is 0 or not set. You cannot apply dose filter.")
		}
		if p.Voltage <= 0 {
			msgs = append(msgs, "Voltage must be set to apply the dose filter.")
		}
	}
	if p.FrameFirst < 1 {
		msgs = append(msgs, "First frame to align must be at least 1.")
	}
	if p.FrameLast != 0 && p.FrameLast < p.FrameFirst {
		msgs = append(msgs, "Last frame to align must not be before the first.")
	}
	if p.Frames > 0 && p.FrameLast > p.Frames {
		msgs = append(msgs, fmt.Sprintf("Last frame to align must be at most %d.", p.Frames))
	}
	if p.Bin < 1 {
		msgs = append(msgs, "Bin factor must be at least 1.")
	}
	if p.MaxShift <= p.MinShift {
		msgs = append(msgs, "Maximum shift must be greater than the minimum shift.")
	}

	return msgs
}
