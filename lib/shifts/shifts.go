// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// Package shifts parses the per frame shifts printed by unblur, and
// summarises them.
package shifts

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrNoShifts is returned when a log contains no frame shifts
var ErrNoShifts = errors.New("No frame shifts found")

var shiftLine = regexp.MustCompile(`image #\s*(\d+)\s*=\s*([-+0-9.eE]+)\s*,\s*([-+0-9.eE]+)`)

// Shifts are the global shifts of each frame of a movie
type Shifts struct {
	Frames []int
	X, Y   []float64
}

// Len returns the number of frames
func (s Shifts) Len() int {
	return len(s.X)
}

// Parse reads the shifts from an unblur log. Other lines are ignored.
// If a frame is listed more than once, which happens when unblur
// prints its progress, the last value is kept.
func Parse(r io.Reader) (Shifts, error) {
	var s Shifts
	seen := make(map[int]int)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		m := shiftLine.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		frame, err := strconv.Atoi(m[1])
		if err != nil {
			return s, fmt.Errorf("Invalid frame number %s: %w", m[1], err)
		}
		x, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return s, fmt.Errorf("Invalid x shift for frame %d: %w", frame, err)
		}
		y, err := strconv.ParseFloat(m[3], 64)
		if err != nil {
			return s, fmt.Errorf("Invalid y shift for frame %d: %w", frame, err)
		}
		if i, ok := seen[frame]; ok {
			s.X[i], s.Y[i] = x, y
			continue
		}
		seen[frame] = len(s.Frames)
		s.Frames = append(s.Frames, frame)
		s.X = append(s.X, x)
		s.Y = append(s.Y, y)
	}
	if err := sc.Err(); err != nil {
		return s, err
	}
	if len(s.X) == 0 {
		return s, ErrNoShifts
	}
	return s, nil
}

// ParseFile reads the shifts from the unblur log at path
func ParseFile(path string) (Shifts, error) {
	f, err := os.Open(path)
	if err != nil {
		return Shifts{}, err
	}
	defer f.Close()
	s, err := Parse(f)
	if err != nil {
		return s, fmt.Errorf("Error parsing shifts in %s: %w", path, err)
	}
	return s, nil
}

// Pixels returns the shifts divided by the pixel size, converting
// them from Angstroms to pixels.
func (s Shifts) Pixels(pixelSize float64) Shifts {
	p := Shifts{
		Frames: append([]int(nil), s.Frames...),
		X:      append([]float64(nil), s.X...),
		Y:      append([]float64(nil), s.Y...),
	}
	if pixelSize == 0 {
		return p
	}
	floats.Scale(1/pixelSize, p.X)
	floats.Scale(1/pixelSize, p.Y)
	return p
}

// steps returns the distance moved between each frame and the next
func (s Shifts) steps() []float64 {
	var d []float64
	for i := 1; i < len(s.X); i++ {
		d = append(d, math.Hypot(s.X[i]-s.X[i-1], s.Y[i]-s.Y[i-1]))
	}
	return d
}

// TotalDrift returns the length of the path travelled across all
// frames
func (s Shifts) TotalDrift() float64 {
	d := s.steps()
	if len(d) == 0 {
		return 0
	}
	return floats.Sum(d)
}

// MeanStep returns the mean distance moved between frames
func (s Shifts) MeanStep() float64 {
	d := s.steps()
	if len(d) == 0 {
		return 0
	}
	return stat.Mean(d, nil)
}

// MaxShift returns the largest distance of any frame from the origin
func (s Shifts) MaxShift() float64 {
	var m float64
	for i := range s.X {
		m = math.Max(m, math.Hypot(s.X[i], s.Y[i]))
	}
	return m
}
