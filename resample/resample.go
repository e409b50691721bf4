// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// Package resample rescales tilt series to a new size in Fourier
// space with the cisTEM resample program.
package resample

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"rescribe.xyz/cistem/internal/pipeline"
	"rescribe.xyz/cistem/lib/mrc"
	"rescribe.xyz/cistem/lib/sets"
)

// Result files and directories, relative to the run directory
const (
	ExtraDir = "extra"
	SetName  = "tiltseries_resampled.sqlite"
)

// Set kinds and tables
const (
	TiltSeriesKind  = "SetOfTiltSeries"
	TiltSeriesTable = "TiltSeries"
)

// Params are the settings of a resampling run. Paths are relative to
// the job directory.
type Params struct {
	TiltSeries []string `yaml:"input_tilt_series"`
	NewX       int      `yaml:"new_x_size"`
	NewY       int      `yaml:"new_y_size"`
	Volume     bool     `yaml:"is_volume"`
}

// DefaultParams returns the default settings
func DefaultParams() Params {
	return Params{
		NewX: 512,
		NewY: 512,
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
	if j.Protocol != "" && j.Protocol != pipeline.Resample {
		return p, fmt.Errorf("Job file %s is for protocol %s, not %s", path, j.Protocol, pipeline.Resample)
	}
	return j.Params, nil
}

// SaveParams writes settings to a job file
func SaveParams(p Params, path string) error {
	data, err := yaml.Marshal(jobFile{Protocol: pipeline.Resample, Params: p})
	if err != nil {
		return fmt.Errorf("Error encoding job file: %w", err)
	}
	err = os.WriteFile(path, data, 0644)
	if err != nil {
		return fmt.Errorf("Error writing job file %s: %w", path, err)
	}
	return nil
}

// Validate checks the settings for a run in dir, returning a message
// for each problem found
func (p Params) Validate(dir string) []string {
	var msgs []string
	if len(p.TiltSeries) == 0 {
		msgs = append(msgs, "Input tilt series are required.")
	}
	for _, ts := range p.TiltSeries {
		fn := ts
		if !filepath.IsAbs(fn) {
			fn = filepath.Join(dir, fn)
		}
		if _, err := os.Stat(fn); err != nil {
			msgs = append(msgs, fmt.Sprintf("Input tilt series %s can not be read.", ts))
		}
	}
	if p.NewX <= 0 {
		msgs = append(msgs, "New X size must be greater than zero!")
	}
	if p.NewY <= 0 {
		msgs = append(msgs, "New Y size must be greater than zero!")
	}
	return msgs
}

// OutputFile is the resampled form of a tilt series
func OutputFile(ts string) string {
	base := filepath.Base(ts)
	ext := filepath.Ext(base)
	return filepath.Join(ExtraDir, strings.TrimSuffix(base, ext)+"_resampled"+ext)
}

// script returns the resample prompt answers
func (p Params) script(in, out string) pipeline.Script {
	return pipeline.Script{
		in,
		out,
		pipeline.YesNo(p.Volume),
		pipeline.Int(p.NewX),
		pipeline.Int(p.NewY),
	}
}

// Protocol resamples tilt series in a run directory
type Protocol struct {
	Dir      string
	Params   Params
	Programs pipeline.Programs
	Exec     pipeline.Executor
	Logger   *zap.Logger
}

// Runner returns a function which runs the protocol on the job in a
// directory, reading its parameters from the job file
func Runner(progs pipeline.Programs, e pipeline.Executor, logger *zap.Logger) pipeline.RunFunc {
	return func(ctx context.Context, dir string) error {
		params, err := LoadParams(filepath.Join(dir, pipeline.JobSpecName))
		if err != nil {
			return err
		}
		p := &Protocol{Dir: dir, Params: params, Programs: progs, Exec: e, Logger: logger}
		return p.Run(ctx)
	}
}

// Run resamples each tilt series in turn, stopping at the first
// failure, then registers the results
func (p *Protocol) Run(ctx context.Context) error {
	err := pipeline.Validation(p.Params.Validate(p.Dir))
	if err != nil {
		return err
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	logger := p.Logger.With(zap.String("protocol", pipeline.Resample))

	err = os.MkdirAll(filepath.Join(p.Dir, ExtraDir), 0755)
	if err != nil {
		return fmt.Errorf("Error creating directory %s: %w", ExtraDir, err)
	}

	var outs []string
	for i, ts := range p.Params.TiltSeries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		out := OutputFile(ts)
		job := p.Programs.Job(pipeline.Resample, p.Dir, p.Params.script(ts, out))
		err = pipeline.RunLogged(ctx, p.Exec, logger.With(zap.String("tiltseries", ts)), job, "")
		if err == nil {
			err = pipeline.CheckOutputs(pipeline.Resample, filepath.Join(p.Dir, out))
		}
		if err != nil {
			return &pipeline.ItemError{Index: i + 1, Path: ts, Err: err}
		}
		outs = append(outs, out)
	}
	return p.writeSet(outs)
}

var tsColumns = []sets.Column{
	{Name: "id", Type: sets.Integer},
	{Name: "fileName", Type: sets.Text},
	{Name: "source", Type: sets.Text},
	{Name: "nx", Type: sets.Integer},
	{Name: "ny", Type: sets.Integer},
	{Name: "nz", Type: sets.Integer},
}

// writeSet registers the resampled tilt series, with the sampling
// rate taken from the header of the first
func (p *Protocol) writeSet(outs []string) error {
	h, err := mrc.ReadHeader(filepath.Join(p.Dir, outs[0]))
	if err != nil {
		return err
	}
	x, _, _ := h.Sampling()
	props := map[string]string{
		"samplingRate": strconv.FormatFloat(x, 'f', -1, 64),
		"newX":         strconv.Itoa(p.Params.NewX),
		"newY":         strconv.Itoa(p.Params.NewY),
	}
	s, err := sets.Create(filepath.Join(p.Dir, SetName), TiltSeriesKind, props)
	if err != nil {
		return err
	}
	t, err := s.Table(TiltSeriesTable, tsColumns)
	if err != nil {
		s.Close()
		return err
	}
	for i, out := range outs {
		h, err := mrc.ReadHeader(filepath.Join(p.Dir, out))
		if err != nil {
			s.Close()
			return err
		}
		err = t.Append(i+1, out, p.Params.TiltSeries[i], int(h.Nx), int(h.Ny), int(h.Nz))
		if err != nil {
			s.Close()
			return err
		}
	}
	return s.Close()
}

// Summary describes the results of the run in dir
func Summary(dir string) ([]string, error) {
	fn := filepath.Join(dir, SetName)
	if _, err := os.Stat(fn); err != nil {
		return []string{"Output is not ready"}, nil
	}
	s, err := sets.Open(fn)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	n, err := s.Count(TiltSeriesTable)
	if err != nil {
		return nil, err
	}
	x, err := s.Property("newX")
	if err != nil {
		return nil, err
	}
	y, err := s.Property("newY")
	if err != nil {
		return nil, err
	}
	rate, err := s.Property("samplingRate")
	if err != nil {
		return nil, err
	}
	return []string{
		fmt.Sprintf("Resampled %d tilt series to %s x %s.", n, x, y),
		fmt.Sprintf("Output sampling rate %s Å/px.", rate),
	}, nil
}

// Citations returns the references for the methods used
func Citations() []string {
	return []string{"Grant2018"}
}
