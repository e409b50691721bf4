// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// Package unblur aligns the frames of movies with the cisTEM unblur
// program, making one micrograph per movie.
//
// Each movie is aligned in its own folder, with several movies
// aligned at once. Once a movie is aligned, its shifts are graphed
// and a thumbnail of its micrograph made, and this work is waited for
// before the folder is removed. A movie which fails does not stop the
// others; the failures are all returned once every movie is done.
package unblur

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"rescribe.xyz/cistem"
	"rescribe.xyz/cistem/internal/pipeline"
	"rescribe.xyz/cistem/lib/mrc"
	"rescribe.xyz/cistem/lib/sets"
	"rescribe.xyz/cistem/lib/shifts"
)

// Protocol aligns movies in a run directory
type Protocol struct {
	Dir      string
	Params   Params
	Programs pipeline.Programs
	Exec     pipeline.Executor
	Logger   *zap.Logger
	// Stdout gets a copy of what unblur prints, as well as the
	// movie's log file
	Stdout io.Writer
	Stderr io.Writer

	samplingRate float64
}

// Result describes one aligned movie. Paths are relative to the run
// directory, and distances are in Angstroms.
type Result struct {
	Id         int
	Movie      string
	Root       string
	Micrograph string
	Shifts     string
	Plot       string
	Thumbnail  string
	Frames     int
	TotalDrift float64
	MaxShift   float64
	MeanStep   float64
}

// Runner returns a function which runs the protocol on the job in a
// directory, reading its parameters from the job file. The programs'
// output goes to stdout and stderr, which may be nil.
func Runner(progs pipeline.Programs, e pipeline.Executor, logger *zap.Logger, stdout, stderr io.Writer) pipeline.RunFunc {
	return func(ctx context.Context, dir string) error {
		params, err := LoadParams(filepath.Join(dir, pipeline.JobSpecName))
		if err != nil {
			return err
		}
		p := &Protocol{
			Dir:      dir,
			Params:   params,
			Programs: progs,
			Exec:     e,
			Logger:   logger,
			Stdout:   stdout,
			Stderr:   stderr,
		}
		return p.Run(ctx)
	}
}

func (p *Protocol) logger() *zap.Logger {
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return p.Logger.With(zap.String("protocol", pipeline.Unblur))
}

func (p *Protocol) path(rel string) string {
	return filepath.Join(p.Dir, rel)
}

// Run aligns every movie, then registers the micrographs of those
// which succeeded
func (p *Protocol) Run(ctx context.Context) error {
	err := pipeline.Validation(p.Params.Validate(p.Dir))
	if err != nil {
		return err
	}
	p.samplingRate, err = p.Params.samplingRate(p.Dir)
	if err != nil {
		return err
	}
	for _, d := range []string{ExtraDir, TmpDir} {
		err = os.MkdirAll(p.path(d), 0755)
		if err != nil {
			return fmt.Errorf("Error creating directory %s: %w", d, err)
		}
	}

	logger := p.logger()
	threads := p.Params.Threads
	if threads < 1 {
		threads = 1
	}
	logger.Info(fmt.Sprintf("Aligning %d movies", len(p.Params.Movies)), zap.Int("threads", threads))

	results := make([]*Result, len(p.Params.Movies))
	errs := make([]error, len(p.Params.Movies))
	workers := pool.New().WithMaxGoroutines(threads)
	for i, movie := range p.Params.Movies {
		i, movie := i, movie
		workers.Go(func() {
			results[i], errs[i] = p.alignMovie(ctx, i+1, movie)
		})
	}
	workers.Wait()

	var done []Result
	var failed []error
	for i, err := range errs {
		if err != nil {
			logger.Error("Movie failed", zap.String("movie", p.Params.Movies[i]), zap.Error(err))
			failed = append(failed, &pipeline.ItemError{Index: i + 1, Path: p.Params.Movies[i], Err: err})
			continue
		}
		done = append(done, *results[i])
	}
	_ = os.Remove(p.path(TmpDir))

	if len(done) > 0 {
		err = p.writeSet(done)
		if err != nil {
			return err
		}
		err = WriteReport(p.Dir, p.path(ReportName))
		if err != nil {
			logger.Warn("Could not write report", zap.Error(err))
		}
	}
	return errors.Join(failed...)
}

// alignMovie runs unblur on one movie in its own folder
func (p *Protocol) alignMovie(ctx context.Context, id int, movie string) (*Result, error) {
	root := movieRoot(movie)
	logger := p.logger().With(zap.String("movie", root))
	folder := p.path(movieDir(id))
	err := os.MkdirAll(folder, 0755)
	if err != nil {
		return nil, fmt.Errorf("Error creating movie folder: %w", err)
	}
	defer os.RemoveAll(folder)

	src, err := filepath.Abs(resolve(p.Dir, movie))
	if err != nil {
		return nil, err
	}
	name := linkName(movie)
	err = os.Symlink(src, filepath.Join(folder, name))
	if err != nil {
		return nil, fmt.Errorf("Error linking movie: %w", err)
	}

	res := &Result{Id: id, Movie: movie, Root: root, Micrograph: MicFile(root, p.Params.DoseFilter)}
	mic, err := filepath.Rel(folder, p.path(res.Micrograph))
	if err != nil {
		return nil, err
	}
	gain := ""
	if p.Params.Gain != "" {
		gain, err = filepath.Abs(resolve(p.Dir, p.Params.Gain))
		if err != nil {
			return nil, err
		}
	}
	dose, pre := 0.0, 0.0
	if p.Params.DoseFilter {
		dose, pre = p.Params.DosePerFrame, p.Params.preExposure()
	}
	a := unblurArgs{
		Movie:        name,
		Micrograph:   mic,
		SamplingRate: p.samplingRate,
		Bin:          p.Params.Bin,
		DoseFilter:   p.Params.DoseFilter,
		Voltage:      p.Params.Voltage,
		Exposure:     dose,
		PreExposure:  pre,
		MinShift:     p.Params.MinShift,
		MaxShift:     p.Params.MaxShift,
		BFactor:      p.Params.BFactor,
		HWVert:       p.Params.HWVert,
		HWHori:       p.Params.HWHori,
		Termination:  p.Params.Termination,
		MaxIter:      p.Params.MaxIter,
		RestoreNoise: p.Params.RestoreNoise,
		Gain:         gain,
		FrameFirst:   p.Params.FrameFirst,
		FrameLast:    p.Params.FrameLast,
	}

	err = p.runUnblur(ctx, logger, id, a, folder)
	if err != nil {
		return nil, err
	}

	res.Shifts = ShiftsFile(root)
	err = os.Rename(filepath.Join(folder, movieLog(id)), p.path(res.Shifts))
	if err != nil {
		return nil, fmt.Errorf("Error moving shifts log: %w", err)
	}
	err = pipeline.CheckOutputs(pipeline.Unblur, p.path(res.Micrograph))
	if err != nil {
		return nil, err
	}
	s, err := shifts.ParseFile(p.path(res.Shifts))
	if err != nil {
		return nil, err
	}
	res.Frames = s.Len()
	res.TotalDrift = s.TotalDrift()
	res.MaxShift = s.MaxShift()
	res.MeanStep = s.MeanStep()

	p.extraWork(logger, res, s)
	logger.Info("Aligned movie", zap.Float64("drift", res.TotalDrift))
	return res, nil
}

// runUnblur runs unblur in folder, with its output going to the
// movie's log
func (p *Protocol) runUnblur(ctx context.Context, logger *zap.Logger, id int, a unblurArgs, folder string) error {
	log, err := os.Create(filepath.Join(folder, movieLog(id)))
	if err != nil {
		return fmt.Errorf("Error creating shifts log: %w", err)
	}
	defer log.Close()

	script := a.Script()
	job := p.Programs.Job(pipeline.Unblur, folder, script)
	job.Stdout = log
	if p.Stdout != nil {
		job.Stdout = io.MultiWriter(log, p.Stdout)
	}
	job.Stderr = p.Stderr

	cmd := script.HereDoc(job.Program, movieLog(id))
	err = os.WriteFile(p.path(CommandFile(movieRoot(a.Movie))), []byte(cmd), 0644)
	if err != nil {
		logger.Warn("Could not save command", zap.Error(err))
	}
	err = pipeline.RunLogged(ctx, p.Exec, logger, job, movieLog(id))
	if err != nil {
		return err
	}
	return log.Close()
}

// extraWork graphs a movie's shifts and makes a thumbnail of its
// micrograph. The two run at once when a worker thread is asked for,
// and either way are finished before this returns. Failures are only
// logged, as the micrograph itself is fine.
func (p *Protocol) extraWork(logger *zap.Logger, res *Result, s shifts.Shifts) {
	plot := func() {
		px := s.Pixels(p.samplingRate)
		frames := make([]int, len(px.Frames))
		for i := range frames {
			frames[i] = p.Params.FrameFirst + i
		}
		title := fmt.Sprintf("Global shifts of %s (px)", res.Root)
		err := writeFile(p.path(PlotFile(res.Root)), func(w io.Writer) error {
			return cistem.ShiftGraph(px.X, px.Y, frames, title, w)
		})
		if err != nil {
			logger.Warn("Could not graph shifts", zap.Error(err))
			return
		}
		res.Plot = PlotFile(res.Root)
	}
	thumb := func() {
		if !p.Params.Thumbnail {
			return
		}
		err := writeFile(p.path(ThumbnailFile(res.Root)), func(w io.Writer) error {
			return mrc.Thumbnail(p.path(res.Micrograph), thumbnailScale, w)
		})
		if err != nil {
			logger.Warn("Could not make thumbnail", zap.Error(err))
			return
		}
		res.Thumbnail = ThumbnailFile(res.Root)
	}

	if !p.Params.WorkerThread {
		plot()
		thumb()
		return
	}
	var wg conc.WaitGroup
	wg.Go(plot)
	wg.Go(thumb)
	wg.Wait()
}

// writeFile writes a file with draw, removing it if draw fails
func writeFile(path string, draw func(io.Writer) error) error {
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

// Set kinds and tables
const (
	MicrographsKind  = "SetOfMicrographs"
	MicrographsTable = "Micrographs"
)

var micColumns = []sets.Column{
	{Name: "id", Type: sets.Integer},
	{Name: "micName", Type: sets.Text},
	{Name: "fileName", Type: sets.Text},
	{Name: "movie", Type: sets.Text},
	{Name: "shiftsFile", Type: sets.Text},
	{Name: "plotGlobal", Type: sets.Text},
	{Name: "thumbnail", Type: sets.Text},
	{Name: "frames", Type: sets.Integer},
	{Name: "totalDrift", Type: sets.Real},
	{Name: "maxShift", Type: sets.Real},
	{Name: "meanStep", Type: sets.Real},
}

// writeSet registers the aligned micrographs
func (p *Protocol) writeSet(results []Result) error {
	props := map[string]string{
		"samplingRate": strconv.FormatFloat(p.samplingRate*p.Params.Bin, 'f', -1, 64),
		"doseWeighted": strconv.FormatBool(p.Params.DoseFilter),
		"movies":       strconv.Itoa(len(p.Params.Movies)),
	}
	s, err := sets.Create(p.path(SetName), MicrographsKind, props)
	if err != nil {
		return err
	}
	t, err := s.Table(MicrographsTable, micColumns)
	if err != nil {
		s.Close()
		return err
	}
	for _, r := range results {
		err = t.Append(r.Id, r.Root, r.Micrograph, r.Movie, r.Shifts, r.Plot, r.Thumbnail,
			r.Frames, r.TotalDrift, r.MaxShift, r.MeanStep)
		if err != nil {
			s.Close()
			return err
		}
	}
	return s.Close()
}
