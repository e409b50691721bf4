// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package mrc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ramp returns nz slices of nx*ny values, each value unique
func ramp(nx, ny, nz int) [][]float32 {
	var s [][]float32
	for z := 0; z < nz; z++ {
		v := make([]float32, nx*ny)
		for i := range v {
			v[i] = float32(z*1000 + i)
		}
		s = append(s, v)
	}
	return s
}

func TestHeaderSize(t *testing.T) {
	assert.Equal(t, HeaderSize, binary.Size(Header{}))
}

func TestWriteRead(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "stack.mrcs")
	slices := ramp(4, 3, 2)
	require.NoError(t, WriteFloat32(fn, 4, 3, 1.5, slices))

	f, err := Open(fn)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, int32(4), f.Nx)
	assert.Equal(t, int32(3), f.Ny)
	assert.Equal(t, int32(2), f.Nz)
	assert.Equal(t, int32(ModeFloat32), f.Mode)
	x, y, z := f.Sampling()
	assert.InDelta(t, 1.5, x, 1e-6)
	assert.InDelta(t, 1.5, y, 1e-6)
	assert.InDelta(t, 1.5, z, 1e-6)
	assert.Equal(t, float32(1011), f.DMax)

	for i, want := range slices {
		got, err := f.ReadSlice(i)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err = f.ReadSlice(2)
	assert.Error(t, err)
}

func writeRaw(t *testing.T, fn string, order binary.ByteOrder, mode int32, data interface{}) {
	t.Helper()
	h := NewHeader(2, 2, 1, mode, 1)
	if order == binary.BigEndian {
		h.MachSt = [4]byte{0x11, 0x11, 0, 0}
	}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, order, &h))
	require.NoError(t, binary.Write(&buf, order, data))
	require.NoError(t, os.WriteFile(fn, buf.Bytes(), 0644))
}

func TestReadModes(t *testing.T) {
	cases := []struct {
		name  string
		order binary.ByteOrder
		mode  int32
		data  interface{}
	}{
		{"int8", binary.LittleEndian, ModeInt8, []int8{-2, -1, 0, 1}},
		{"int16", binary.LittleEndian, ModeInt16, []int16{-2, -1, 0, 1}},
		{"int16 big endian", binary.BigEndian, ModeInt16, []int16{-2, -1, 0, 1}},
		{"uint16", binary.LittleEndian, ModeUint16, []uint16{0, 1, 2, 3}},
		{"float32 big endian", binary.BigEndian, ModeFloat32, []float32{-2, -1, 0, 1}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			fn := filepath.Join(t.TempDir(), "img.mrc")
			writeRaw(t, fn, c.order, c.mode, c.data)

			f, err := Open(fn)
			require.NoError(t, err)
			defer f.Close()
			got, err := f.ReadSlice(0)
			require.NoError(t, err)
			if c.mode == ModeUint16 {
				assert.Equal(t, []float32{0, 1, 2, 3}, got)
			} else {
				assert.Equal(t, []float32{-2, -1, 0, 1}, got)
			}
		})
	}
}

func TestUnsupportedMode(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "img.mrc")
	writeRaw(t, fn, binary.LittleEndian, 4, []float32{1, 2, 3, 4, 5, 6, 7, 8})
	f, err := Open(fn)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.ReadSlice(0)
	assert.True(t, errors.Is(err, ErrUnsupportedMode))
}

func TestWriteStack(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.mrcs")
	b := filepath.Join(dir, "b.mrcs")
	sa := ramp(2, 2, 3)
	sb := ramp(2, 2, 2)
	for i := range sb {
		for j := range sb[i] {
			sb[i][j] = -sb[i][j] - 1
		}
	}
	require.NoError(t, WriteFloat32(a, 2, 2, 2.0, sa))
	require.NoError(t, WriteFloat32(b, 2, 2, 2.0, sb))

	out := filepath.Join(dir, "particle_stack_00.mrc")
	err := WriteStack(out, []Section{{b, 2}, {a, 1}, {a, 3}, {b, 1}})
	require.NoError(t, err)

	f, err := Open(out)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int32(4), f.Nz)
	_, _, z := f.Sampling()
	assert.InDelta(t, 2.0, z, 1e-6)

	want := [][]float32{sb[1], sa[0], sa[2], sb[0]}
	for i, w := range want {
		got, err := f.ReadSlice(i)
		require.NoError(t, err)
		assert.Equal(t, w, got, "section %d", i)
	}
}

func TestWriteStackMismatch(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.mrcs")
	b := filepath.Join(dir, "b.mrcs")
	require.NoError(t, WriteFloat32(a, 2, 2, 1, ramp(2, 2, 1)))
	require.NoError(t, WriteFloat32(b, 3, 2, 1, ramp(3, 2, 1)))

	assert.Error(t, WriteStack(filepath.Join(dir, "out.mrc"), []Section{{a, 1}, {b, 1}}))
	assert.Error(t, WriteStack(filepath.Join(dir, "out.mrc"), []Section{{a, 2}}))
	assert.Error(t, WriteStack(filepath.Join(dir, "out.mrc"), nil))
}

func TestThumbnail(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "mic.mrc")
	require.NoError(t, WriteFloat32(fn, 40, 20, 1, ramp(40, 20, 1)))

	var buf bytes.Buffer
	require.NoError(t, Thumbnail(fn, 0.25, &buf))
	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 10, img.Bounds().Dx())
	assert.Equal(t, 5, img.Bounds().Dy())

	assert.Error(t, Thumbnail(fn, 0, &buf))
}
