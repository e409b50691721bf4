// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package star

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Labels used for particles
const (
	LabelImageName       = "_rlnImageName"
	LabelMicrographName  = "_rlnMicrographName"
	LabelDefocusU        = "_rlnDefocusU"
	LabelDefocusV        = "_rlnDefocusV"
	LabelDefocusAngle    = "_rlnDefocusAngle"
	LabelPhaseShift      = "_rlnPhaseShift"
	LabelAnglePsi        = "_rlnAnglePsi"
	LabelOriginXAngst    = "_rlnOriginXAngst"
	LabelOriginYAngst    = "_rlnOriginYAngst"
	LabelClassNumber     = "_rlnClassNumber"
	LabelLogLikelihood   = "_rlnLogLikeliContribution"
	LabelVoltage         = "_rlnVoltage"
	LabelSphericalAberr  = "_rlnSphericalAberration"
	LabelAmplitudeContr  = "_rlnAmplitudeContrast"
	LabelImagePixelSize  = "_rlnImagePixelSize"
	LabelDetectorPixSize = "_rlnDetectorPixelSize"
)

// Particle is one particle image and its CTF
type Particle struct {
	Id           int
	MicId        int
	Micrograph   string
	Stack        string
	StackIndex   int
	DefocusU     float64
	DefocusV     float64
	DefocusAngle float64
	PhaseShift   float64
	Psi          float64

	row int
}

// Optics holds the acquisition values shared by a set of particles.
// Any value not found in the file is left as zero.
type Optics struct {
	Voltage             float64
	SphericalAberration float64
	AmplitudeContrast   float64
	PixelSize           float64
}

// ParticleSet is the set of particles read from a STAR file
type ParticleSet struct {
	Particles    []Particle
	Optics       Optics
	HasAlignment bool

	file  *File
	table *Table
}

// Len returns the number of particles
func (s *ParticleSet) Len() int {
	return len(s.Particles)
}

func parseFloat(t *Table, row int, label string) (float64, error) {
	v, ok := t.Value(row, label)
	if !ok {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("Error parsing %s on row %d: %w", label, row+1, err)
	}
	return f, nil
}

// particleTable finds the block holding the particles, which is
// named "particles" in newer files and is the only block in older
// ones.
func particleTable(f *File) *Table {
	if t := f.Table("particles"); t != nil {
		return t
	}
	for _, t := range f.Tables {
		if t.Column(LabelImageName) != -1 {
			return t
		}
	}
	return nil
}

func readOptics(t *Table, row int) (Optics, error) {
	var o Optics
	var err error
	if o.Voltage, err = parseFloat(t, row, LabelVoltage); err != nil {
		return o, err
	}
	if o.SphericalAberration, err = parseFloat(t, row, LabelSphericalAberr); err != nil {
		return o, err
	}
	if o.AmplitudeContrast, err = parseFloat(t, row, LabelAmplitudeContr); err != nil {
		return o, err
	}
	if o.PixelSize, err = parseFloat(t, row, LabelImagePixelSize); err != nil {
		return o, err
	}
	if o.PixelSize == 0 {
		if o.PixelSize, err = parseFloat(t, row, LabelDetectorPixSize); err != nil {
			return o, err
		}
	}
	return o, nil
}

// splitImageName splits a name of the form 000012@stack.mrcs
func splitImageName(name string) (int, string, error) {
	p := strings.SplitN(name, "@", 2)
	if len(p) != 2 {
		return 1, name, nil
	}
	i, err := strconv.Atoi(p[0])
	if err != nil {
		return 0, "", fmt.Errorf("Invalid image name %s: %w", name, err)
	}
	return i, p[1], nil
}

// ReadParticles reads the particles from a STAR file. Relative stack
// paths are resolved against the directory containing the file.
func ReadParticles(path string) (*ParticleSet, error) {
	f, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	t := particleTable(f)
	if t == nil {
		return nil, fmt.Errorf("No particles found in %s", path)
	}

	s := &ParticleSet{file: f, table: t}
	s.HasAlignment = t.Column(LabelAnglePsi) != -1

	if o := f.Table("optics"); o != nil && len(o.Rows) > 0 {
		s.Optics, err = readOptics(o, 0)
	} else if len(t.Rows) > 0 {
		s.Optics, err = readOptics(t, 0)
	}
	if err != nil {
		return nil, err
	}

	mics := make(map[string]int)
	dir := filepath.Dir(path)
	for i := range t.Rows {
		var p Particle
		p.Id = i + 1
		p.row = i
		name, _ := t.Value(i, LabelImageName)
		p.StackIndex, p.Stack, err = splitImageName(name)
		if err != nil {
			return nil, err
		}
		if p.Stack != "" && !filepath.IsAbs(p.Stack) {
			p.Stack = filepath.Join(dir, p.Stack)
		}
		p.Micrograph, _ = t.Value(i, LabelMicrographName)
		id, ok := mics[p.Micrograph]
		if !ok {
			id = len(mics) + 1
			mics[p.Micrograph] = id
		}
		p.MicId = id
		if p.DefocusU, err = parseFloat(t, i, LabelDefocusU); err != nil {
			return nil, err
		}
		if p.DefocusV, err = parseFloat(t, i, LabelDefocusV); err != nil {
			return nil, err
		}
		if p.DefocusAngle, err = parseFloat(t, i, LabelDefocusAngle); err != nil {
			return nil, err
		}
		if p.PhaseShift, err = parseFloat(t, i, LabelPhaseShift); err != nil {
			return nil, err
		}
		if p.Psi, err = parseFloat(t, i, LabelAnglePsi); err != nil {
			return nil, err
		}
		s.Particles = append(s.Particles, p)
	}
	return s, nil
}

// SortByMicrograph orders the particles by micrograph, then by id,
// which is the order cisTEM requires for its particle stack.
func (s *ParticleSet) SortByMicrograph() {
	sort.SliceStable(s.Particles, func(i, j int) bool {
		a, b := s.Particles[i], s.Particles[j]
		if a.MicId != b.MicId {
			return a.MicId < b.MicId
		}
		return a.Id < b.Id
	})
}

// Classified holds the result of classifying one particle, in the
// same order as the set's particles.
type Classified struct {
	Class  int
	Psi    float64
	ShiftX float64
	ShiftY float64
	LogP   float64
}

// WriteClassified writes the particles, in their current order,
// with the classification results added.
func (s *ParticleSet) WriteClassified(path string, results []Classified) error {
	if len(results) != len(s.Particles) {
		return fmt.Errorf("Got %d results for %d particles", len(results), len(s.Particles))
	}
	t := &Table{Name: s.table.Name, Loop: true}
	t.Labels = append(t.Labels, s.table.Labels...)
	for _, p := range s.Particles {
		row := make([]string, len(s.table.Rows[p.row]))
		copy(row, s.table.Rows[p.row])
		t.Rows = append(t.Rows, row)
	}

	cols := []struct {
		label string
		value func(Classified) string
	}{
		{LabelClassNumber, func(c Classified) string { return strconv.Itoa(c.Class) }},
		{LabelAnglePsi, func(c Classified) string { return strconv.FormatFloat(c.Psi, 'f', 6, 64) }},
		{LabelOriginXAngst, func(c Classified) string { return strconv.FormatFloat(c.ShiftX, 'f', 6, 64) }},
		{LabelOriginYAngst, func(c Classified) string { return strconv.FormatFloat(c.ShiftY, 'f', 6, 64) }},
		{LabelLogLikelihood, func(c Classified) string { return strconv.FormatFloat(c.LogP, 'f', 6, 64) }},
	}
	for _, c := range cols {
		values := make([]string, len(results))
		for i, r := range results {
			values[i] = c.value(r)
		}
		err := t.SetColumn(c.label, values)
		if err != nil {
			return err
		}
	}

	out := &File{}
	for _, ft := range s.file.Tables {
		if ft == s.table {
			out.Tables = append(out.Tables, t)
			continue
		}
		out.Tables = append(out.Tables, ft)
	}
	return WriteFile(path, out)
}
