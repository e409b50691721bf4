// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package mrc

import (
	"fmt"
	"image"
	"image/png"
	"io"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/floats"
)

// Gray returns section i as an 8 bit image, with the values scaled
// linearly between their minimum and maximum. The image is flipped
// vertically, as MRC rows start at the bottom.
func (f *File) Gray(i int) (*image.Gray, error) {
	v, err := f.ReadSlice(i)
	if err != nil {
		return nil, err
	}
	d := make([]float64, len(v))
	for j := range v {
		d[j] = float64(v[j])
	}
	lo, hi := floats.Min(d), floats.Max(d)
	scale := 0.0
	if hi > lo {
		scale = 255 / (hi - lo)
	}

	nx, ny := int(f.Nx), int(f.Ny)
	img := image.NewGray(image.Rect(0, 0, nx, ny))
	for y := 0; y < ny; y++ {
		row := (ny - 1 - y) * nx
		for x := 0; x < nx; x++ {
			img.Pix[y*img.Stride+x] = uint8((d[row+x] - lo) * scale)
		}
	}
	return img, nil
}

// Thumbnail writes a PNG of the first section of the MRC file at
// path, resized by scale.
func Thumbnail(path string, scale float64, w io.Writer) error {
	if scale <= 0 {
		return fmt.Errorf("Invalid thumbnail scale %f", scale)
	}
	f, err := Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	src, err := f.Gray(0)
	if err != nil {
		return fmt.Errorf("Error reading %s: %w", path, err)
	}
	b := src.Bounds()
	tw := int(float64(b.Dx()) * scale)
	th := int(float64(b.Dy()) * scale)
	if tw < 1 {
		tw = 1
	}
	if th < 1 {
		th = 1
	}
	dst := image.NewGray(image.Rect(0, 0, tw, th))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	err = png.Encode(w, dst)
	if err != nil {
		return fmt.Errorf("Error encoding thumbnail of %s: %w", path, err)
	}
	return nil
}
