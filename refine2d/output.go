// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package refine2d

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"rescribe.xyz/cistem"
	"rescribe.xyz/cistem/lib/par"
	"rescribe.xyz/cistem/lib/sets"
	"rescribe.xyz/cistem/lib/star"
)

// Set kinds and tables
const (
	ClassesKind    = "SetOfClasses2D"
	ClassesTable   = "Classes"
	ParticlesTable = "Particles"
)

var classColumns = []sets.Column{
	{Name: "classId", Type: sets.Integer},
	{Name: "representativeIndex", Type: sets.Integer},
	{Name: "representativeFile", Type: sets.Text},
	{Name: "size", Type: sets.Integer},
}

var particleColumns = []sets.Column{
	{Name: "id", Type: sets.Integer},
	{Name: "micId", Type: sets.Integer},
	{Name: "classId", Type: sets.Integer},
	{Name: "psi", Type: sets.Real},
	{Name: "shiftX", Type: sets.Real},
	{Name: "shiftY", Type: sets.Real},
	{Name: "logP", Type: sets.Real},
	{Name: "sigma", Type: sets.Real},
	{Name: "occupancy", Type: sets.Real},
	{Name: "score", Type: sets.Real},
}

// createOutputStep registers the classes of the last iteration
func (p *Protocol) createOutputStep(ctx context.Context) error {
	last, ok, err := LastIteration(p.Dir)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("No finished iterations found in %s", p.Dir)
	}
	rows, err := par.ReadFile(p.path(ParFile(last)))
	if err != nil {
		return err
	}
	if len(rows) != p.parts.Len() {
		return fmt.Errorf("Parameter file for iteration %d has %d rows, but there are %d particles", last, len(rows), p.parts.Len())
	}

	sizes, err := p.writeClasses(last, rows)
	if err != nil {
		return err
	}
	err = p.writeClassified(rows)
	if err != nil {
		return err
	}

	logger := p.logger()
	err = writeGraph(p.path(ScheduleGraphName), func(w io.Writer) error {
		return cistem.ScheduleGraph(Schedule(p.manifest.plan()), "Classification schedule", w)
	})
	if err != nil {
		logger.Warn("Could not graph schedule", zap.Error(err))
	}
	err = writeGraph(p.path(ClassGraphName), func(w io.Writer) error {
		return cistem.ClassSizeGraph(sizes, fmt.Sprintf("Class sizes at iteration %d", last), w)
	})
	if err != nil {
		logger.Warn("Could not graph class sizes", zap.Error(err))
	}

	p.manifest.Finished = true
	err = WriteManifest(p.Dir, p.manifest)
	if err != nil {
		return err
	}

	err = WriteReport(p.Dir, p.path(ReportName))
	if err != nil {
		logger.Warn("Could not write report", zap.Error(err))
	}
	return nil
}

// writeClasses writes the set of classes, returning the number of
// particles in each
func (p *Protocol) writeClasses(iter int, rows []par.Row) ([]int, error) {
	props := map[string]string{
		"samplingRate": strconv.FormatFloat(p.manifest.PixelSize, 'f', -1, 64),
		"iteration":    strconv.Itoa(iter),
		"particles":    p.manifest.InputParticles,
	}
	s, err := sets.Create(p.path(ClassesSetName), ClassesKind, props)
	if err != nil {
		return nil, err
	}
	classes, err := s.Table(ClassesTable, classColumns)
	if err != nil {
		s.Close()
		return nil, err
	}
	particles, err := s.Table(ParticlesTable, particleColumns)
	if err != nil {
		s.Close()
		return nil, err
	}

	sizes := make([]int, p.manifest.Classes)
	for i, r := range rows {
		part := p.parts.Particles[i]
		if r.Film >= 1 && r.Film <= len(sizes) {
			sizes[r.Film-1]++
		}
		err = particles.Append(part.Id, part.MicId, r.Film, r.Psi,
			r.ShiftX/p.manifest.PixelSize, r.ShiftY/p.manifest.PixelSize,
			float64(r.LogP), r.Sigma, r.Occupancy, r.Score)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	clsFile := ClassesFile(iter)
	for i, n := range sizes {
		err = classes.Append(i+1, i+1, clsFile, n)
		if err != nil {
			s.Close()
			return nil, err
		}
	}
	return sizes, s.Close()
}

// writeClassified writes the particles with their classes as a STAR
// file
func (p *Protocol) writeClassified(rows []par.Row) error {
	results := make([]star.Classified, len(rows))
	for i, r := range rows {
		results[i] = star.Classified{
			Class:  r.Film,
			Psi:    r.Psi,
			ShiftX: r.ShiftX,
			ShiftY: r.ShiftY,
			LogP:   float64(r.LogP),
		}
	}
	return p.parts.WriteClassified(p.path(ClassifiedName), results)
}

// writeGraph writes a graph to a file, removing the file if the
// graph could not be drawn
func writeGraph(path string, draw func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	err = draw(f)
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
	}
	return err
}

// WriteReport writes a PDF summarising the run in dir
func WriteReport(dir, path string) error {
	m, err := ReadManifest(dir)
	if err != nil {
		return err
	}
	summary, err := Summary(dir)
	if err != nil {
		return err
	}

	var r cistem.Report
	err = r.Setup("2D classification")
	if err != nil {
		return err
	}
	for _, s := range []struct {
		heading string
		lines   []string
	}{
		{"Summary", summary},
		{"Methods", Methods(m)},
		{"Citations", Citations()},
	} {
		err = r.AddText(s.heading, s.lines)
		if err != nil {
			return err
		}
	}
	for _, g := range []struct {
		name, caption string
	}{
		{ScheduleGraphName, "High resolution limit and particles used per iteration"},
		{ClassGraphName, "Particles per class"},
	} {
		fn := filepath.Join(dir, g.name)
		if _, err := os.Stat(fn); err != nil {
			continue
		}
		err = r.AddImage(fn, g.caption)
		if err != nil {
			return err
		}
	}
	return r.Save(path)
}
