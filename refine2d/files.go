// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package refine2d

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// Working directories, relative to the run directory
const (
	StackDir   = "Refine2D/ParticleStacks"
	ClassesDir = "Refine2D/ClassAverages"
	ParamsDir  = "Refine2D/Parameters"
	ScriptsDir = "Refine2D/Scripts"
)

// Result files, relative to the run directory
const (
	ManifestName      = "run.yaml"
	ClassesSetName    = "classes2D.sqlite"
	ClassifiedName    = "particles_classified.star"
	ScheduleGraphName = "schedule.png"
	ClassGraphName    = "class_sizes.png"
	ReportName        = "refine2d.pdf"
)

var parRegex = regexp.MustCompile(`classification_input_par_(\d+)\.par$`)

// StackFile is the particle stack, ordered by micrograph
func StackFile() string {
	return filepath.Join(StackDir, fmt.Sprintf("particle_stack_%02d.mrc", 0))
}

// ReferencesFile is the stack of input class averages
func ReferencesFile() string {
	return filepath.Join(ClassesDir, "reference_averages.mrc")
}

// ClassesFile is the class averages made by an iteration
func ClassesFile(iter int) string {
	return filepath.Join(ClassesDir, fmt.Sprintf("class_averages_%04d.mrc", iter))
}

// ParFile is the parameter table of an iteration
func ParFile(iter int) string {
	return filepath.Join(ParamsDir, fmt.Sprintf("classification_input_par_%d.par", iter))
}

// BlockParFile is the parameter table written by one block
func BlockParFile(iter, block int) string {
	return filepath.Join(ParamsDir, fmt.Sprintf("classification_input_par_%d_%d.par", iter, block))
}

// BlockDumpFile is the class dump written by one block
func BlockDumpFile(iter, block int) string {
	return filepath.Join(ClassesDir, fmt.Sprintf("class_dump_file_%d_%d.dump", iter, block))
}

// DumpSeed is the name merge2d builds the block dump names from
func DumpSeed(iter int) string {
	return filepath.Join(ClassesDir, fmt.Sprintf("class_dump_file_%d_.dump", iter))
}

// dumpPattern matches all the block dumps of an iteration
func dumpPattern(iter int) string {
	return filepath.Join(ClassesDir, fmt.Sprintf("class_dump_file_%d_*", iter))
}

// Iterations returns the iterations with a parameter table in a run
// directory, in order. Block tables are not counted.
func Iterations(dir string) ([]int, error) {
	files, err := filepath.Glob(filepath.Join(dir, ParamsDir, "classification_input_par_*.par"))
	if err != nil {
		return nil, fmt.Errorf("Error listing parameter files in %s: %w", dir, err)
	}
	var iters []int
	for _, f := range files {
		m := parRegex.FindStringSubmatch(filepath.Base(f))
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		iters = append(iters, n)
	}
	sort.Ints(iters)
	return iters, nil
}

// LastIteration returns the highest iteration with a parameter table
// in a run directory. The bool is false if there are none.
func LastIteration(dir string) (int, bool, error) {
	iters, err := Iterations(dir)
	if err != nil || len(iters) == 0 {
		return 0, false, err
	}
	return iters[len(iters)-1], true, nil
}
