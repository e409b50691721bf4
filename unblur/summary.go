// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package unblur

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"rescribe.xyz/cistem"
	"rescribe.xyz/cistem/lib/sets"
)

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

	movies, err := s.Property("movies")
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(movies)
	if err != nil {
		return nil, fmt.Errorf("Invalid movie count %q in %s", movies, fn)
	}
	aligned, err := s.Count(MicrographsTable)
	if err != nil {
		return nil, err
	}
	summary := []string{fmt.Sprintf("Aligned %d movies using unblur.", n)}
	if aligned < n {
		summary = append(summary, fmt.Sprintf("%d movies failed.", n-aligned))
	}
	if aligned > 0 {
		drift, err := s.Sum(MicrographsTable, "totalDrift")
		if err != nil {
			return nil, err
		}
		summary = append(summary, fmt.Sprintf("Mean total drift %.2f Å.", drift/float64(aligned)))
	}
	return summary, nil
}

// Citations returns the references for the methods used
func Citations() []string {
	return []string{"Campbell2012", "Grant2015b"}
}

// WriteReport writes a PDF with the summary of the run in dir and the
// shift graph of each movie
func WriteReport(dir, path string) error {
	summary, err := Summary(dir)
	if err != nil {
		return err
	}
	plots, err := filepath.Glob(filepath.Join(dir, PlotFile("*")))
	if err != nil {
		return err
	}

	var r cistem.Report
	err = r.Setup("Movie alignment")
	if err != nil {
		return err
	}
	err = r.AddText("Summary", summary)
	if err != nil {
		return err
	}
	err = r.AddText("Citations", Citations())
	if err != nil {
		return err
	}
	for _, fn := range plots {
		root := strings.TrimSuffix(filepath.Base(fn), "_global_shifts.png")
		err = r.AddImage(fn, "Global shifts of "+root)
		if err != nil {
			return err
		}
	}
	return r.Save(path)
}
