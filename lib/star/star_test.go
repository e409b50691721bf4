// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package star

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const particlesStar = `
# version 30001

data_optics

loop_
_rlnOpticsGroupName #1
_rlnOpticsGroup #2
_rlnVoltage #3
_rlnSphericalAberration #4
_rlnAmplitudeContrast #5
_rlnImagePixelSize #6
opticsGroup1 1 300.000000 2.700000 0.100000 1.350000

data_particles

loop_
_rlnImageName #1
_rlnMicrographName #2
_rlnDefocusU #3
_rlnDefocusV #4
_rlnDefocusAngle #5
000001@Extract/mic_b.mrcs mic_b.mrc 12000.0 11800.0 30.0
000001@Extract/mic_a.mrcs mic_a.mrc 15000.0 14500.0 45.0
000002@Extract/mic_b.mrcs mic_b.mrc 12100.0 11900.0 31.0
000002@Extract/mic_a.mrcs mic_a.mrc 15100.0 14600.0 46.0
000001@Extract/mic_c.mrcs mic_c.mrc 9000.0 8800.0 10.0
`

func TestRead(t *testing.T) {
	f, err := Read(strings.NewReader(particlesStar))
	require.NoError(t, err)
	require.Len(t, f.Tables, 2)

	optics := f.Table("optics")
	require.NotNil(t, optics)
	assert.True(t, optics.Loop)
	v, ok := optics.Value(0, LabelVoltage)
	assert.True(t, ok)
	assert.Equal(t, "300.000000", v)

	parts := f.Table("particles")
	require.NotNil(t, parts)
	assert.Len(t, parts.Rows, 5)
	assert.Equal(t, 0, parts.Column(LabelImageName))
	assert.Equal(t, -1, parts.Column(LabelAnglePsi))
}

func TestReadKeyValue(t *testing.T) {
	in := "data_general\n\n_rlnImageSizeX 128\n_rlnImageSizeY 128\n"
	f, err := Read(strings.NewReader(in))
	require.NoError(t, err)
	g := f.Table("general")
	require.NotNil(t, g)
	assert.False(t, g.Loop)
	v, ok := g.Value(0, "_rlnImageSizeY")
	assert.True(t, ok)
	assert.Equal(t, "128", v)
}

func TestReadErrors(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"label outside block", "_rlnImageName a\n"},
		{"loop outside block", "loop_\n"},
		{"wrong field count", "data_x\nloop_\n_a #1\n_b #2\n1 2 3\n"},
		{"data outside loop", "data_x\n1 2\n"},
		{"missing value", "data_x\n_a\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(c.in))
			assert.Error(t, err)
		})
	}
}

func TestWriteRead(t *testing.T) {
	f, err := Read(strings.NewReader(particlesStar))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, f))
	assert.Contains(t, buf.String(), "_rlnDefocusAngle #5\n")

	again, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, f, again)
}

func writeStar(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	fn := filepath.Join(dir, "particles.star")
	require.NoError(t, os.WriteFile(fn, []byte(particlesStar), 0644))
	return fn
}

func TestReadParticles(t *testing.T) {
	fn := writeStar(t)
	s, err := ReadParticles(fn)
	require.NoError(t, err)
	require.Equal(t, 5, s.Len())

	assert.False(t, s.HasAlignment)
	assert.Equal(t, Optics{Voltage: 300, SphericalAberration: 2.7, AmplitudeContrast: 0.1, PixelSize: 1.35}, s.Optics)

	p := s.Particles[1]
	assert.Equal(t, 2, p.Id)
	assert.Equal(t, 2, p.MicId)
	assert.Equal(t, 1, p.StackIndex)
	assert.Equal(t, filepath.Join(filepath.Dir(fn), "Extract", "mic_a.mrcs"), p.Stack)
	assert.Equal(t, 15000.0, p.DefocusU)
	assert.Equal(t, 45.0, p.DefocusAngle)
}

func TestSortByMicrograph(t *testing.T) {
	s, err := ReadParticles(writeStar(t))
	require.NoError(t, err)
	s.SortByMicrograph()

	var ids, mics []int
	for _, p := range s.Particles {
		ids = append(ids, p.Id)
		mics = append(mics, p.MicId)
	}
	assert.Equal(t, []int{1, 3, 2, 4, 5}, ids)
	assert.Equal(t, []int{1, 1, 2, 2, 3}, mics)
}

func TestReadParticlesPerParticleOptics(t *testing.T) {
	in := "data_\nloop_\n_rlnImageName\n_rlnMicrographName\n_rlnDefocusU\n" +
		"_rlnDefocusV\n_rlnAnglePsi\n_rlnVoltage\n_rlnDetectorPixelSize\n" +
		"1@s.mrcs m.mrc 10000 10000 12.5 200 1.1\n"
	fn := filepath.Join(t.TempDir(), "old.star")
	require.NoError(t, os.WriteFile(fn, []byte(in), 0644))

	s, err := ReadParticles(fn)
	require.NoError(t, err)
	assert.True(t, s.HasAlignment)
	assert.Equal(t, 12.5, s.Particles[0].Psi)
	assert.Equal(t, 200.0, s.Optics.Voltage)
	assert.Equal(t, 1.1, s.Optics.PixelSize)
}

func TestWriteClassified(t *testing.T) {
	s, err := ReadParticles(writeStar(t))
	require.NoError(t, err)
	s.SortByMicrograph()

	results := make([]Classified, s.Len())
	for i := range results {
		results[i] = Classified{Class: i%2 + 1, Psi: float64(i), LogP: -100}
	}
	out := filepath.Join(t.TempDir(), "particles_classified.star")
	require.NoError(t, s.WriteClassified(out, results))

	f, err := ReadFile(out)
	require.NoError(t, err)
	parts := f.Table("particles")
	require.NotNil(t, parts)
	require.Len(t, parts.Rows, 5)
	name, _ := parts.Value(1, LabelImageName)
	assert.Equal(t, "000002@Extract/mic_b.mrcs", name)
	cls, _ := parts.Value(1, LabelClassNumber)
	assert.Equal(t, "2", cls)
	assert.NotNil(t, f.Table("optics"))

	assert.Error(t, s.WriteClassified(out, results[:2]))
}
