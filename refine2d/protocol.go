// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// Package refine2d runs 2D classification of particles with the
// cisTEM refine2d and merge2d programs.
//
// A run is a sequence of steps which are worked out before anything
// is run. The input particles are first written out as a stack
// ordered by micrograph, with a parameter table holding their CTF.
// Iteration 1 makes initial class averages from all of the
// particles. Each later iteration splits the particles into blocks,
// refines every block at once in its own refine2d process, and then
// merges the blocks' parameter tables and class dumps. Finally the
// last iteration's results are written out as a set of classes.
package refine2d

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"rescribe.xyz/cistem/internal/pipeline"
	"rescribe.xyz/cistem/lib/mrc"
	"rescribe.xyz/cistem/lib/par"
	"rescribe.xyz/cistem/lib/star"
)

// Protocol runs a classification in a run directory
type Protocol struct {
	// Dir is the run directory, which holds the job file and where
	// everything is written
	Dir      string
	Params   Params
	Programs pipeline.Programs
	Exec     pipeline.Executor
	Logger   *zap.Logger
	// Stdout and Stderr receive the output of the programs, apart
	// from all but the last block of a parallel refinement
	Stdout io.Writer
	Stderr io.Writer

	run      *Run
	manifest Manifest
	parts    *star.ParticleSet
	prevDir  string
}

// Step is one step of a run
type Step struct {
	Name      string
	Iteration int
	// finishes is set on the last step of an iteration
	finishes bool
	run      func(ctx context.Context) error
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
	return p.Logger.With(zap.String("protocol", pipeline.Refine2D))
}

func (p *Protocol) path(rel string) string {
	return filepath.Join(p.Dir, rel)
}

// Run validates the parameters, then runs every step in turn
func (p *Protocol) Run(ctx context.Context) error {
	steps, err := p.Steps()
	if err != nil {
		return err
	}
	logger := p.logger()
	for _, s := range steps {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		logger.Info("Starting step", zap.String("step", s.Name), zap.Int("iteration", s.Iteration))
		err = s.run(ctx)
		if err != nil {
			return fmt.Errorf("Error in step %s: %w", s.Name, err)
		}
		if s.finishes {
			p.run.Advance()
		}
	}
	return nil
}

// Steps validates the parameters, works out the shape of the run,
// and returns the steps to run it
func (p *Protocol) Steps() ([]Step, error) {
	err := pipeline.Validation(p.Params.Validate(p.Dir))
	if err != nil {
		return nil, err
	}
	err = p.prepare()
	if err != nil {
		return nil, err
	}

	var steps []Step
	if p.Params.Continue {
		steps = append(steps, Step{Name: "continue", run: p.continueStep})
	} else {
		steps = append(steps, Step{Name: "convert input", run: p.convertInputStep})
	}
	for _, n := range p.run.Iterations() {
		n := n
		if n == 1 {
			steps = append(steps,
				Step{Name: "initial parameters", Iteration: n, run: p.writeInitParStep},
				Step{Name: "initial classes", Iteration: n, finishes: true, run: p.initClassesStep})
			continue
		}
		steps = append(steps,
			Step{Name: "refine", Iteration: n, run: func(ctx context.Context) error { return p.refineParallelStep(ctx, n) }},
			Step{Name: "merge", Iteration: n, finishes: true, run: func(ctx context.Context) error { return p.mergeStep(ctx, n) }})
	}
	steps = append(steps, Step{Name: "output", run: p.createOutputStep})
	return steps, nil
}

// prepare reads the input particles, or the previous run's manifest
// when continuing, and sets up the run and its manifest
func (p *Protocol) prepare() error {
	m := Manifest{Params: p.Params}
	var start, end int

	if p.Params.Continue {
		p.prevDir = resolve(p.Dir, p.Params.ContinueRun)
		prev, err := ReadManifest(p.prevDir)
		if err != nil {
			return err
		}
		from, err := p.Params.continueIteration(p.prevDir)
		if err != nil {
			return err
		}
		m.InputParticles = prev.InputParticles
		m.Particles = prev.Particles
		m.Classes = prev.Classes
		m.PixelSize, m.Voltage, m.Cs, m.AmpContrast = prev.PixelSize, prev.Voltage, prev.Cs, prev.AmpContrast
		m.ContinuedFrom = from
		m.ContinuedRun = p.prevDir
		start, end = from+1, from+p.Params.Cycles
	} else {
		abs, err := filepath.Abs(resolve(p.Dir, p.Params.InputParticles))
		if err != nil {
			return fmt.Errorf("Error finding input particles: %w", err)
		}
		m.InputParticles = abs
		m.Classes = p.Params.Classes
		start, end = 1, p.Params.Cycles
	}

	parts, err := star.ReadParticles(m.InputParticles)
	if err != nil {
		return err
	}
	if parts.Len() == 0 {
		return fmt.Errorf("No particles found in %s", m.InputParticles)
	}
	parts.SortByMicrograph()
	p.parts = parts

	if !p.Params.Continue {
		m.Particles = parts.Len()
		m.PixelSize = parts.Optics.PixelSize
		m.Voltage = parts.Optics.Voltage
		m.Cs = parts.Optics.SphericalAberration
		m.AmpContrast = parts.Optics.AmplitudeContrast
		if p.Params.InputClassAverages != "" {
			h, err := mrc.ReadHeader(resolve(p.Dir, p.Params.InputClassAverages))
			if err != nil {
				return fmt.Errorf("Error reading input class averages: %w", err)
			}
			m.Classes = int(h.Nz)
		}
	} else if m.Particles != parts.Len() {
		return fmt.Errorf("Previous run had %d particles, but %s now has %d", m.Particles, m.InputParticles, parts.Len())
	}
	if p.Params.PixelSize > 0 {
		m.PixelSize = p.Params.PixelSize
	}
	if p.Params.Voltage > 0 {
		m.Voltage = p.Params.Voltage
	}
	if p.Params.SphericalAberration > 0 {
		m.Cs = p.Params.SphericalAberration
	}
	if p.Params.AmplitudeContrast > 0 {
		m.AmpContrast = p.Params.AmplitudeContrast
	}
	if m.PixelSize <= 0 {
		return fmt.Errorf("No pixel size found for particles in %s; set pixel_size", m.InputParticles)
	}

	m.StartIteration, m.EndIteration = start, end
	p.manifest = m
	p.run = NewRun(start, end, m.Classes, m.Particles, Jobs(p.Params.Threads, p.Params.Mpi))
	return nil
}

// Manifest returns the manifest of the run, once its steps are known
func (p *Protocol) Manifest() Manifest {
	return p.manifest
}

func (p *Protocol) createWorkingDirs() error {
	for _, d := range []string{StackDir, ClassesDir, ParamsDir, ScriptsDir} {
		err := os.MkdirAll(p.path(d), 0755)
		if err != nil {
			return fmt.Errorf("Error creating directory %s: %w", d, err)
		}
	}
	return WriteManifest(p.Dir, p.manifest)
}

// link replaces dst with a symbolic link to src
func link(src, dst string) error {
	abs, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	_, err = os.Stat(abs)
	if err != nil {
		return fmt.Errorf("Error linking %s: %w", src, err)
	}
	_ = os.Remove(dst)
	return os.Symlink(abs, dst)
}

// continueStep links the particle stack of the previous run, and the
// parameters and class averages of the iteration to continue from
func (p *Protocol) continueStep(ctx context.Context) error {
	err := p.createWorkingDirs()
	if err != nil {
		return err
	}
	from := p.manifest.ContinuedFrom
	for _, fn := range []string{StackFile(), ParFile(from), ClassesFile(from)} {
		err = link(filepath.Join(p.prevDir, fn), p.path(fn))
		if err != nil {
			return fmt.Errorf("Error linking previous run: %w", err)
		}
	}
	return nil
}

// convertInputStep writes the particle stack, ordered by micrograph,
// and the stack of input class averages if there is one
func (p *Protocol) convertInputStep(ctx context.Context) error {
	err := p.createWorkingDirs()
	if err != nil {
		return err
	}
	var sections []mrc.Section
	for _, part := range p.parts.Particles {
		sections = append(sections, mrc.Section{Path: part.Stack, Index: part.StackIndex})
	}
	p.logger().Info("Writing particle stack", zap.Int("particles", len(sections)))
	err = mrc.WriteStack(p.path(StackFile()), sections)
	if err != nil {
		return fmt.Errorf("Error writing particle stack: %w", err)
	}

	if p.Params.InputClassAverages == "" {
		return nil
	}
	refs := resolve(p.Dir, p.Params.InputClassAverages)
	sections = sections[:0]
	for i := 1; i <= p.manifest.Classes; i++ {
		sections = append(sections, mrc.Section{Path: refs, Index: i})
	}
	err = mrc.WriteStack(p.path(ReferencesFile()), sections)
	if err != nil {
		return fmt.Errorf("Error writing reference stack: %w", err)
	}
	return nil
}

// writeInitParStep writes the parameter table the first iteration
// starts from, from the particles' CTF and any existing alignment
func (p *Protocol) writeInitParStep(ctx context.Context) error {
	rows := make([]par.Row, 0, p.parts.Len())
	for i, part := range p.parts.Particles {
		psi := 0.0
		if p.parts.HasAlignment {
			psi = part.Psi
		}
		rows = append(rows, par.InitialRow(i+1, psi, part.DefocusU, part.DefocusV, part.DefocusAngle, part.PhaseShift))
	}
	return par.WriteFile(p.path(ParFile(1)), rows)
}

// iterArgs returns the refine2d answers common to all the processes
// of an iteration
func (p *Protocol) iterArgs(n int) refineArgs {
	m := p.manifest
	step := m.plan().Step(n)
	return refineArgs{
		InputStack:   StackFile(),
		InputParams:  ParFile(n - 1),
		InputClasses: ClassesFile(n - 1),
		OutputParams: ParFile(n),
		OutputClass:  ClassesFile(n),
		Classes:      m.Classes,
		First:        1,
		Last:         0,
		PercentUsed:  step.PercentUsed / 100,
		PixelSize:    m.PixelSize,
		Voltage:      m.Voltage,
		Cs:           m.Cs,
		AmpContrast:  m.AmpContrast,
		MaskRadius:   p.Params.MaskRadius,
		LowRes:       p.Params.LowRes,
		HighRes:      step.HighRes,
		AngularStep:  p.Params.AngularStep,
		RangeX:       p.Params.RangeX,
		RangeY:       p.Params.RangeY,
		Smoothing:    p.Params.Smoothing,
		Black:        p.Params.ParticlesBlack,
		ExcludeEdges: p.Params.ExcludeEdges,
		Dump:         false,
		DumpFile:     BlockDumpFile(n, 1),
	}
}

// exec runs a program in the run directory, saving the shell form of
// the command in the scripts directory first
func (p *Protocol) exec(ctx context.Context, logger *zap.Logger, name, program string, script pipeline.Script, stdout, stderr io.Writer) error {
	job := p.Programs.Job(program, p.Dir, script)
	job.Stdout = stdout
	job.Stderr = stderr
	err := os.WriteFile(p.path(filepath.Join(ScriptsDir, name+".sh")), []byte(script.HereDoc(job.Program, "")), 0644)
	if err != nil {
		logger.Warn("Could not save command", zap.Error(err))
	}
	return pipeline.RunLogged(ctx, p.Exec, logger, job, "")
}

// initClassesStep makes the first class averages, from the input
// class averages if there are any
func (p *Protocol) initClassesStep(ctx context.Context) error {
	a := p.iterArgs(1)
	a.InputParams = ParFile(1)
	a.InputClasses = devNull
	if p.Params.InputClassAverages != "" {
		a.InputClasses = ReferencesFile()
		a.Classes = 0
	}
	a.OutputParams = devNull
	a.DumpFile = devNull

	logger := p.logger().With(zap.Int("iteration", 1))
	err := p.exec(ctx, logger, "iter_0001", pipeline.Refine2D, a.Script(), p.Stdout, p.Stderr)
	if err != nil {
		return err
	}
	return pipeline.CheckOutputs(pipeline.Refine2D, p.path(a.OutputClass))
}

// blockArgs returns the refine2d answers for one block
func (p *Protocol) blockArgs(n int, b Block) refineArgs {
	a := p.iterArgs(n)
	a.OutputParams = BlockParFile(n, b.Index)
	a.Classes = 0 // taken from the class stack
	a.First = b.First
	a.Last = b.Last
	a.Dump = true
	a.DumpFile = BlockDumpFile(n, b.Index)
	return a
}

// refineParallelStep refines every block of particles at once, and
// waits for them all to finish. Only the last block's output is
// passed on. Every block's result is then checked, and all failures
// are returned together.
func (p *Protocol) refineParallelStep(ctx context.Context, n int) error {
	blocks := Partition(p.run.Particles, p.run.Jobs)
	logger := p.logger().With(zap.Int("iteration", n))
	logger.Info(fmt.Sprintf("Starting %d parallel %s processes", len(blocks), pipeline.Refine2D))
	if len(blocks) > 1 {
		logger.Info(fmt.Sprintf("Only logging block %d", len(blocks)))
	}

	results := make([]error, len(blocks))
	var g errgroup.Group
	for i, b := range blocks {
		i, b := i, b
		a := p.blockArgs(n, b)
		var stdout, stderr io.Writer
		if i == len(blocks)-1 {
			stdout, stderr = p.Stdout, p.Stderr
		}
		blogger := logger.With(zap.Int("block", b.Index))
		g.Go(func() error {
			name := fmt.Sprintf("iter_%04d_block_%02d", n, b.Index)
			err := p.exec(ctx, blogger, name, pipeline.Refine2D, a.Script(), stdout, stderr)
			if err == nil {
				err = pipeline.CheckOutputs(pipeline.Refine2D, p.path(a.OutputParams), p.path(a.DumpFile))
			}
			results[i] = err
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	for i, err := range results {
		if err == nil {
			continue
		}
		b := blocks[i]
		logger.Error("Block failed", zap.Int("block", b.Index), zap.Error(err))
		errs = append(errs, &pipeline.BlockError{Iteration: n, Block: b.Index, First: b.First, Last: b.Last, Err: err})
	}
	return errors.Join(errs...)
}

// mergeStep merges the blocks' parameter tables, then their class
// dumps into the iteration's class averages, and removes the dumps
func (p *Protocol) mergeStep(ctx context.Context, n int) error {
	blocks := Partition(p.run.Particles, p.run.Jobs)
	var fns []string
	for _, b := range blocks {
		fns = append(fns, p.path(BlockParFile(n, b.Index)))
	}
	err := par.MergeBlocks(p.path(ParFile(n)), fns)
	if err != nil {
		return err
	}

	logger := p.logger().With(zap.Int("iteration", n))
	script := mergeScript(ClassesFile(n), DumpSeed(n), len(blocks))
	err = p.exec(ctx, logger, fmt.Sprintf("iter_%04d_merge", n), pipeline.Merge2D, script, p.Stdout, p.Stderr)
	if err != nil {
		return err
	}
	err = pipeline.CheckOutputs(pipeline.Merge2D, p.path(ClassesFile(n)))
	if err != nil {
		return err
	}

	dumps, err := filepath.Glob(p.path(dumpPattern(n)))
	if err != nil {
		return fmt.Errorf("Error finding class dumps: %w", err)
	}
	for _, d := range dumps {
		err = os.Remove(d)
		if err != nil {
			return fmt.Errorf("Error removing class dump %s: %w", d, err)
		}
	}
	return nil
}
