// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// Package mrc reads and writes MRC/CCP4 image stacks, as used for
// particle stacks, class averages, micrographs and tilt series.
package mrc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// HeaderSize is the size of the main header, which is followed by
// NSymBt bytes of extended header before the data.
const HeaderSize = 1024

// Data modes
const (
	ModeInt8    = 0
	ModeInt16   = 1
	ModeFloat32 = 2
	ModeUint16  = 6
)

// Header is the fixed 1024 byte MRC header
type Header struct {
	Nx, Ny, Nz                int32
	Mode                      int32
	NxStart, NyStart, NzStart int32
	Mx, My, Mz                int32
	CellA                     [3]float32
	CellB                     [3]float32
	MapC, MapR, MapS          int32
	DMin, DMax, DMean         float32
	ISpg                      int32
	NSymBt                    int32
	Extra                     [25]int32
	Origin                    [3]float32
	Map                       [4]byte
	MachSt                    [4]byte
	Rms                       float32
	NLabl                     int32
	Labels                    [10][80]byte
}

// ErrUnsupportedMode is returned when reading data in a mode other
// than 0, 1, 2 or 6.
var ErrUnsupportedMode = errors.New("Unsupported MRC data mode")

// bytesPerPixel returns the size of one value for the header's mode
func (h Header) bytesPerPixel() (int, error) {
	switch h.Mode {
	case ModeInt8:
		return 1, nil
	case ModeInt16, ModeUint16:
		return 2, nil
	case ModeFloat32:
		return 4, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrUnsupportedMode, h.Mode)
}

// Sampling returns the pixel size in each dimension, in Angstroms
func (h Header) Sampling() (float64, float64, float64) {
	s := func(cell float32, m int32) float64 {
		if m == 0 {
			return 0
		}
		return float64(cell) / float64(m)
	}
	return s(h.CellA[0], h.Mx), s(h.CellA[1], h.My), s(h.CellA[2], h.Mz)
}

// NewHeader returns a header for a stack of nz images of nx by ny
// pixels, with the given pixel size.
func NewHeader(nx, ny, nz int, mode int32, pixelSize float64) Header {
	h := Header{
		Nx:     int32(nx),
		Ny:     int32(ny),
		Nz:     int32(nz),
		Mode:   mode,
		Mx:     int32(nx),
		My:     int32(ny),
		Mz:     int32(nz),
		CellB:  [3]float32{90, 90, 90},
		MapC:   1,
		MapR:   2,
		MapS:   3,
		Map:    [4]byte{'M', 'A', 'P', ' '},
		MachSt: [4]byte{0x44, 0x44, 0, 0},
	}
	h.CellA = [3]float32{
		float32(float64(nx) * pixelSize),
		float32(float64(ny) * pixelSize),
		float32(float64(nz) * pixelSize),
	}
	return h
}

// readHeader reads a header, detecting the byte order from the
// machine stamp.
func readHeader(r io.ReaderAt) (Header, binary.ByteOrder, error) {
	var h Header
	sr := io.NewSectionReader(r, 0, HeaderSize)
	err := binary.Read(sr, binary.LittleEndian, &h)
	if err != nil {
		return h, nil, fmt.Errorf("Error reading MRC header: %w", err)
	}
	if h.MachSt[0] != 0x11 {
		return h, binary.LittleEndian, nil
	}
	sr = io.NewSectionReader(r, 0, HeaderSize)
	err = binary.Read(sr, binary.BigEndian, &h)
	if err != nil {
		return h, nil, fmt.Errorf("Error reading MRC header: %w", err)
	}
	return h, binary.BigEndian, nil
}

// File is an open MRC file
type File struct {
	Header
	f     *os.File
	order binary.ByteOrder
}

// Open opens an MRC file and reads its header
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	h, order, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if h.Nx <= 0 || h.Ny <= 0 || h.Nz < 0 {
		f.Close()
		return nil, fmt.Errorf("%s: invalid dimensions %dx%dx%d", path, h.Nx, h.Ny, h.Nz)
	}
	return &File{Header: h, f: f, order: order}, nil
}

// ReadHeader reads just the header of the MRC file at path
func ReadHeader(path string) (Header, error) {
	f, err := Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return f.Header, nil
}

func (f *File) Close() error {
	return f.f.Close()
}

// sectionSize returns the size in bytes of one section
func (f *File) sectionSize() (int64, error) {
	bpp, err := f.bytesPerPixel()
	if err != nil {
		return 0, err
	}
	return int64(f.Nx) * int64(f.Ny) * int64(bpp), nil
}

// rawSlice returns the bytes of section i, counting from zero
func (f *File) rawSlice(i int) ([]byte, error) {
	if i < 0 || i >= int(f.Nz) {
		return nil, fmt.Errorf("Section %d out of range, file has %d", i, f.Nz)
	}
	size, err := f.sectionSize()
	if err != nil {
		return nil, err
	}
	b := make([]byte, size)
	off := int64(HeaderSize) + int64(f.NSymBt) + int64(i)*size
	_, err = f.f.ReadAt(b, off)
	if err != nil {
		return nil, fmt.Errorf("Error reading section %d: %w", i, err)
	}
	return b, nil
}

// ReadSlice returns the values of section i, counting from zero
func (f *File) ReadSlice(i int) ([]float32, error) {
	b, err := f.rawSlice(i)
	if err != nil {
		return nil, err
	}
	n := int(f.Nx) * int(f.Ny)
	v := make([]float32, n)
	switch f.Mode {
	case ModeInt8:
		for j := 0; j < n; j++ {
			v[j] = float32(int8(b[j]))
		}
	case ModeInt16:
		for j := 0; j < n; j++ {
			v[j] = float32(int16(f.order.Uint16(b[j*2:])))
		}
	case ModeUint16:
		for j := 0; j < n; j++ {
			v[j] = float32(f.order.Uint16(b[j*2:]))
		}
	case ModeFloat32:
		for j := 0; j < n; j++ {
			v[j] = math.Float32frombits(f.order.Uint32(b[j*4:]))
		}
	}
	return v, nil
}

// WriteFloat32 writes a new stack of float32 images to path. Every
// slice must hold nx*ny values.
func WriteFloat32(path string, nx, ny int, pixelSize float64, slices [][]float32) error {
	h := NewHeader(nx, ny, len(slices), ModeFloat32, pixelSize)
	var lo, hi, sum float64
	n := 0
	for i, s := range slices {
		if len(s) != nx*ny {
			return fmt.Errorf("Slice %d has %d values, expected %d", i, len(s), nx*ny)
		}
		for _, v := range s {
			fv := float64(v)
			if n == 0 || fv < lo {
				lo = fv
			}
			if n == 0 || fv > hi {
				hi = fv
			}
			sum += fv
			n++
		}
	}
	h.DMin, h.DMax = float32(lo), float32(hi)
	if n > 0 {
		h.DMean = float32(sum / float64(n))
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	err = binary.Write(w, binary.LittleEndian, &h)
	if err != nil {
		return fmt.Errorf("Error writing MRC header to %s: %w", path, err)
	}
	for _, s := range slices {
		err = binary.Write(w, binary.LittleEndian, s)
		if err != nil {
			return fmt.Errorf("Error writing MRC data to %s: %w", path, err)
		}
	}
	err = w.Flush()
	if err != nil {
		return fmt.Errorf("Error writing %s: %w", path, err)
	}
	return f.Close()
}
