// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"rescribe.xyz/cistem"
	"rescribe.xyz/cistem/internal/pipeline"
	"rescribe.xyz/cistem/lib/mrc"
	"rescribe.xyz/cistem/lib/par"
	"rescribe.xyz/cistem/refine2d"
	"rescribe.xyz/cistem/unblur"
)

// isolate keeps commands away from any real config, storage and
// queues
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("TMPDIR", t.TempDir())
	chdir(t, t.TempDir())
}

// executeCommand runs the cistem command with args and returns what
// it printed
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// rows splits tabulated output into fields, skipping the header
func rows(out string) [][]string {
	var r [][]string
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for _, l := range lines[1:] {
		r = append(r, strings.Fields(l))
	}
	return r
}

func TestSchedule(t *testing.T) {
	isolate(t)
	graph := filepath.Join(t.TempDir(), "schedule.png")
	out, err := executeCommand(t, "schedule", "--particles", "1000", "--iterations", "5", "--graph", graph)
	require.NoError(t, err)

	r := rows(out)
	require.Len(t, r, 5)
	assert.Equal(t, []string{"1", "40.00"}, r[0][:2])
	for i, row := range r {
		assert.Equal(t, strconv.Itoa(i+1), row[0])
	}
	info, err := os.Stat(graph)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())

	_, err = executeCommand(t, "schedule")
	assert.EqualError(t, err, "The number of particles must be set with --particles")
}

func TestBlocks(t *testing.T) {
	isolate(t)
	out, err := executeCommand(t, "blocks", "--particles", "1000", "--threads", "4")
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"1", "1", "251", "251"},
		{"2", "252", "502", "251"},
		{"3", "503", "753", "251"},
		{"4", "754", "1000", "247"},
	}, rows(out))
}

// writeRefineRun makes a refine2d job which has finished two of its
// five iterations
func writeRefineRun(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, pipeline.JobSpecName), []byte("protocol: refine2d\ninput_particles: particles.star\n"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, refine2d.ParamsDir), 0755))
	for i := 1; i <= 2; i++ {
		require.NoError(t, par.WriteFile(filepath.Join(dir, refine2d.ParFile(i)), []par.Row{par.InitialRow(1, 0, 1, 1, 0, 0)}))
	}
	m := refine2d.Manifest{
		Params:         refine2d.DefaultParams(),
		InputParticles: filepath.Join(dir, "particles.star"),
		Particles:      1,
		Classes:        5,
		StartIteration: 1,
		EndIteration:   5,
	}
	require.NoError(t, refine2d.WriteManifest(dir, m))
	return dir
}

func TestSummary(t *testing.T) {
	isolate(t)
	dir := writeRefineRun(t)
	out, err := executeCommand(t, "summary", dir)
	require.NoError(t, err)
	assert.Equal(t, "Iteration 2/5\nInput Particles: particles.star\nClassified into *5* classes.\n", out)

	report := filepath.Join(t.TempDir(), "report.pdf")
	_, err = executeCommand(t, "summary", dir, "--report", report)
	require.NoError(t, err)
	_, err = os.Stat(report)
	assert.NoError(t, err)
}

func TestProtocolMismatch(t *testing.T) {
	isolate(t)
	dir := writeRefineRun(t)
	_, err := executeCommand(t, "unblur", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is for refine2d, not unblur")
}

func TestSubmitAndGet(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, pipeline.JobSpecName), []byte("protocol: resample\ninput_tilt_series: [ts.mrc]\n"), 0644))
	require.NoError(t, mrc.WriteFloat32(filepath.Join(dir, "ts.mrc"), 2, 2, 2, [][]float32{{1, 2, 3, 4}}))

	out, err := executeCommand(t, "submit", dir, "--name", "tstest", "--conn", "local")
	require.NoError(t, err)
	assert.Equal(t, "Submitted job tstest\n", out)

	_, err = executeCommand(t, "submit", dir, "--name", "tstest")
	assert.EqualError(t, err, "There is already a job named tstest")

	out, err = executeCommand(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "resample: 1 available, 0 in progress")
	assert.Contains(t, out, "# Jobs not completed\ntstest\n")
	assert.NotContains(t, out, "# Instances")

	_, err = executeCommand(t, "get", "tstest", filepath.Join(t.TempDir(), "results"))
	assert.EqualError(t, err, "No results found for job tstest")

	dl := filepath.Join(t.TempDir(), "all")
	_, err = executeCommand(t, "get", "tstest", dl, "--all")
	require.NoError(t, err)
	_, err = mrc.ReadHeader(filepath.Join(dl, "ts.mrc"))
	assert.NoError(t, err)

	_, err = executeCommand(t, "workers")
	assert.EqualError(t, err, "Workers can only be managed with aws storage")
}

func TestSubmitBadJob(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, pipeline.JobSpecName), []byte("protocol: unblur\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "movie.mrc"), []byte("short"), 0644))
	_, err := executeCommand(t, "submit", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Reading MRC header of")
}

func TestJobName(t *testing.T) {
	assert.Equal(t, "given", jobName("/data/job", "given"))
	n := jobName("/data/job", "")
	assert.True(t, strings.HasPrefix(n, "job-"), n)
	assert.Len(t, n, len("job-")+8)
	assert.NotEqual(t, n, jobName("/data/job", ""))
}

func TestJobStatuses(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	objs := []cistem.ObjMeta{
		{Name: "b/job.yaml", Date: t0},
		{Name: "b/classes2D.sqlite", Date: t0.Add(3 * time.Hour)},
		{Name: "a/job.yaml", Date: t0.Add(time.Hour)},
		{Name: "a/extra/x.sqlite", Date: t0.Add(time.Hour)},
		{Name: "cistempipeline.log.1.host", Date: t0},
		{Name: "c/job.yaml", Date: t0.Add(time.Hour)},
	}
	assert.Equal(t, []jobStatus{
		{name: "a", date: t0.Add(time.Hour)},
		{name: "c", date: t0.Add(time.Hour)},
		{name: "b", date: t0.Add(3 * time.Hour), done: true},
	}, jobStatuses(objs))
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, pipeline.JobSpecName), []byte("protocol: unblur\n"), 0644))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	errc := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		errc <- watch(ctx, dir, pipeline.Unblur, &out, zaptest.NewLogger(t))
	}()

	<-started
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, unblur.ExtraDir), 0755))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, unblur.SetName), []byte("x"), 0644))

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("watch did not return once the job finished")
	}
	assert.True(t, strings.HasPrefix(out.String(), "Output is not ready\n"), out.String())
}

func TestWatchCancel(t *testing.T) {
	dir := writeRefineRun(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	err := watch(ctx, dir, pipeline.Refine2D, &out, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, out.String(), "Iteration 2/5")
}

func TestQueueAndRm(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, pipeline.JobSpecName), []byte("protocol: resample\ninput_tilt_series: [ts.mrc]\n"), 0644))
	require.NoError(t, mrc.WriteFloat32(filepath.Join(dir, "ts.mrc"), 2, 2, 2, [][]float32{{1, 2, 3, 4}}))
	for _, n := range []string{"keep-1", "drop-1", "drop-2"} {
		_, err := executeCommand(t, "submit", dir, "--name", n)
		require.NoError(t, err)
	}

	out, err := executeCommand(t, "queue", "log", "resample")
	require.NoError(t, err)
	assert.Equal(t, "keep-1\ndrop-1\ndrop-2\n", out)

	out, err = executeCommand(t, "queue", "trim", "resample", "drop")
	require.NoError(t, err)
	assert.Equal(t, "Removing drop-1 from queue\nRemoving drop-2 from queue\n", out)

	out, err = executeCommand(t, "queue", "add", "resample", "drop-2")
	require.NoError(t, err)
	assert.Equal(t, "Added message to the queue.\n", out)

	_, err = executeCommand(t, "queue", "add", "merge2d", "drop-2")
	assert.EqualError(t, err, "Unknown protocol merge2d")

	out, err = executeCommand(t, "queue", "purge", "resample")
	require.NoError(t, err)
	assert.Equal(t, "keep-1\ndrop-2\n", out)

	out, err = executeCommand(t, "queue", "log", "resample")
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = executeCommand(t, "rm", "drop-1/")
	require.NoError(t, err)
	assert.Equal(t, "Deleted 2 files of job drop-1\n", out)

	_, err = executeCommand(t, "rm", "drop-1")
	assert.EqualError(t, err, "No files found for job drop-1")

	out, err = executeCommand(t, "status")
	require.NoError(t, err)
	assert.NotContains(t, out, "drop-1")
	assert.Contains(t, out, "keep-1")
}

// chdir changes the working directory to dir for the duration of the
// test, like testing.T.Chdir (Go 1.24+)
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
