// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package resample

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rescribe.xyz/cistem/internal/pipeline"
	"rescribe.xyz/cistem/lib/mrc"
	"rescribe.xyz/cistem/lib/sets"
)

// fakeResample writes an output the size asked for, with the pixel
// size scaled to match
type fakeResample struct {
	scripts []pipeline.Script
	fail    string
}

func (f *fakeResample) Run(ctx context.Context, job pipeline.Job) error {
	f.scripts = append(f.scripts, job.Script)
	if job.Script[0] == f.fail {
		return &pipeline.ExitError{Program: job.Program, Code: 1}
	}
	return mrc.WriteFloat32(filepath.Join(job.Dir, job.Script[1]), 2, 2, 4.0, [][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}})
}

func setupJob(t *testing.T, p Params) string {
	t.Helper()
	dir := t.TempDir()
	for _, ts := range p.TiltSeries {
		require.NoError(t, mrc.WriteFloat32(filepath.Join(dir, ts), 4, 4, 2.0, [][]float32{make([]float32, 16), make([]float32, 16)}))
	}
	require.NoError(t, SaveParams(p, filepath.Join(dir, pipeline.JobSpecName)))
	return dir
}

func TestOutputFile(t *testing.T) {
	assert.Equal(t, filepath.Join("extra", "ts_01_resampled.mrcs"), OutputFile("/data/ts_01.mrcs"))
	assert.Equal(t, filepath.Join("extra", "ts_resampled.st"), OutputFile("ts.st"))
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		x, y int
		want []string
	}{
		{"valid", 512, 512, nil},
		{"no x", 0, 512, []string{"New X size must be greater than zero!"}},
		{"no sizes", -1, 0, []string{"New X size must be greater than zero!", "New Y size must be greater than zero!"}},
	}
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ts.mrc"), nil, 0644))
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := Params{TiltSeries: []string{"ts.mrc"}, NewX: c.x, NewY: c.y}
			assert.Equal(t, c.want, p.Validate(dir))
		})
	}
}

func TestRun(t *testing.T) {
	p := DefaultParams()
	p.TiltSeries = []string{"ts_a.mrc", "ts_b.st"}
	p.NewX, p.NewY = 2, 2
	dir := setupJob(t, p)

	fake := &fakeResample{}
	require.NoError(t, Runner(pipeline.Programs{}, fake, nil)(context.Background(), dir))

	require.Len(t, fake.scripts, 2)
	assert.Equal(t, pipeline.Script{"ts_a.mrc", filepath.Join("extra", "ts_a_resampled.mrc"), "NO", "2", "2"}, fake.scripts[0])

	s, err := sets.Open(filepath.Join(dir, SetName))
	require.NoError(t, err)
	defer s.Close()
	kind, err := s.Property(sets.KindKey)
	require.NoError(t, err)
	assert.Equal(t, TiltSeriesKind, kind)
	rate, err := s.Property("samplingRate")
	require.NoError(t, err)
	assert.Equal(t, "4", rate)
	n, err := s.Count(TiltSeriesTable)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	summary, err := Summary(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"Resampled 2 tilt series to 2 x 2.", "Output sampling rate 4 Å/px."}, summary)
}

func TestRunFailure(t *testing.T) {
	p := DefaultParams()
	p.TiltSeries = []string{"ts_a.mrc", "ts_b.mrc", "ts_c.mrc"}
	dir := setupJob(t, p)

	fake := &fakeResample{fail: "ts_b.mrc"}
	err := Runner(pipeline.Programs{}, fake, nil)(context.Background(), dir)
	var ie *pipeline.ItemError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 2, ie.Index)
	assert.Len(t, fake.scripts, 2)
	assert.NoFileExists(t, filepath.Join(dir, SetName))
}

func TestTiltSeriesTable(t *testing.T) {
	s, err := sets.Create(filepath.Join(t.TempDir(), SetName), TiltSeriesKind, nil)
	require.NoError(t, err)
	ts, err := s.Table(TiltSeriesTable, tsColumns)
	require.NoError(t, err)
	require.NoError(t, ts.Append(1, OutputFile("ts.mrc"), "ts.mrc", 512, 512, 41))

	n, err := s.Count(TiltSeriesTable)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, s.Close())
}
