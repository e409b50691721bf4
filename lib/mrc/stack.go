// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package mrc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
)

// Section identifies one image in a stack. Index counts from 1, as
// in STAR image names.
type Section struct {
	Path  string
	Index int
}

// WriteStack writes the given sections, in order, to a new stack at
// out. All sections must share the same dimensions and mode. The
// data is copied unchanged, so the new stack keeps the byte order of
// the first source.
func WriteStack(out string, sections []Section) error {
	if len(sections) == 0 {
		return fmt.Errorf("No sections to write to %s", out)
	}

	files := make(map[string]*File)
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	open := func(path string) (*File, error) {
		if f, ok := files[path]; ok {
			return f, nil
		}
		f, err := Open(path)
		if err != nil {
			return nil, err
		}
		files[path] = f
		return f, nil
	}

	first, err := open(sections[0].Path)
	if err != nil {
		return err
	}
	h := first.Header
	sx, _, _ := h.Sampling()
	h.Nz = int32(len(sections))
	h.Mz = h.Nz
	h.CellA[2] = float32(float64(h.Mz) * sx)
	h.NSymBt = 0
	h.NzStart = 0

	w, err := os.Create(out)
	if err != nil {
		return err
	}
	defer w.Close()
	bw := bufio.NewWriter(w)
	err = binary.Write(bw, first.order, &h)
	if err != nil {
		return fmt.Errorf("Error writing header of %s: %w", out, err)
	}

	for i, s := range sections {
		f, err := open(s.Path)
		if err != nil {
			return err
		}
		if f.Nx != h.Nx || f.Ny != h.Ny || f.Mode != h.Mode {
			return fmt.Errorf("Section %d@%s is %dx%d mode %d, expected %dx%d mode %d",
				s.Index, s.Path, f.Nx, f.Ny, f.Mode, h.Nx, h.Ny, h.Mode)
		}
		if f.order != first.order {
			return fmt.Errorf("Section %d@%s has a different byte order to the rest of the stack", s.Index, s.Path)
		}
		b, err := f.rawSlice(s.Index - 1)
		if err != nil {
			return fmt.Errorf("Error reading section %d for image %d: %w", s.Index, i+1, err)
		}
		_, err = bw.Write(b)
		if err != nil {
			return fmt.Errorf("Error writing %s: %w", out, err)
		}
	}
	err = bw.Flush()
	if err != nil {
		return fmt.Errorf("Error writing %s: %w", out, err)
	}
	return w.Close()
}
