// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package refine2d

import (
	"fmt"
	"os"
	"path/filepath"
)

// Summary describes the progress and results of the run in dir
func Summary(dir string) ([]string, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	last, ok, err := LastIteration(dir)
	if err != nil {
		return nil, err
	}

	var summary []string
	if ok {
		summary = append(summary, fmt.Sprintf("Iteration %d/%d", last, m.EndIteration))
	} else {
		summary = append(summary, "No iterations finished yet.")
	}
	if m.Params.Continue {
		summary = append(summary, fmt.Sprintf("Continue from iteration %d", m.ContinuedFrom))
	} else {
		summary = append(summary, fmt.Sprintf("Input Particles: %s", filepath.Base(m.InputParticles)))
	}
	summary = append(summary, fmt.Sprintf("Classified into *%d* classes.", m.Classes))
	if _, err := os.Stat(filepath.Join(dir, ClassesSetName)); err == nil {
		summary = append(summary, fmt.Sprintf("Output set: %s", ClassesSetName))
	}
	return summary, nil
}

// Methods describes what was done in a run
func Methods(m Manifest) []string {
	return []string{
		fmt.Sprintf("We classified input particles %s (%d items) into %d classes using refine2d",
			filepath.Base(m.InputParticles), m.Particles, m.Classes),
	}
}

// Citations returns the references for the methods used
func Citations() []string {
	return []string{"Sigworth1998", "Scheres2005", "Liang2015"}
}
