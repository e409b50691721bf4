// Copyright 2021 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rescribe.xyz/cistem"
	"rescribe.xyz/cistem/lib/mrc"
)

// writeFiles creates files with their contents under a new directory
func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, contents := range files {
		fn := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(fn), 0755))
		require.NoError(t, os.WriteFile(fn, []byte(contents), 0644))
	}
	return dir
}

func Test_CheckJob(t *testing.T) {
	cases := []struct {
		name  string
		files map[string]string
		mrc   []string
		err   string
	}{
		{"good", map[string]string{JobSpecName: "protocol: unblur\n", "notes.txt": "x"}, []string{"movies/a.mrc", "b.st"}, ""},
		{"badmrc", map[string]string{JobSpecName: "protocol: unblur\n", "movies/bad.mrc": "not an mrc"}, nil, "Reading MRC header of"},
		{"hiddenbad", map[string]string{JobSpecName: "protocol: resample\n", ".hidden/bad.mrc": "x"}, nil, ""},
		{"nojob", map[string]string{"a.txt": "x"}, nil, "Error reading job file"},
		{"noprotocol", map[string]string{JobSpecName: "name: test\n"}, nil, "No protocol set"},
		{"unknown", map[string]string{JobSpecName: "protocol: ctffind\n"}, nil, "Unknown protocol ctffind"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			dir := writeFiles(t, c.files)
			for _, m := range c.mrc {
				fn := filepath.Join(dir, filepath.FromSlash(m))
				require.NoError(t, os.MkdirAll(filepath.Dir(fn), 0755))
				require.NoError(t, mrc.WriteFloat32(fn, 2, 2, 1.5, [][]float32{{0, 1, 2, 3}}))
			}

			err := CheckJob(context.Background(), dir)
			if c.err == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.err)
		})
	}
}

func Test_CheckJobCancelled(t *testing.T) {
	dir := writeFiles(t, map[string]string{JobSpecName: "protocol: refine2d\n", "a.txt": "x"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, CheckJob(ctx, dir), context.Canceled)
}

func Test_QueueFor(t *testing.T) {
	conn := &cistem.LocalConn{}
	cases := []struct {
		protocol string
		queue    string
	}{
		{Refine2D, conn.Refine2DQueueId()},
		{Unblur, conn.UnblurQueueId()},
		{Resample, conn.ResampleQueueId()},
	}
	for _, c := range cases {
		t.Run(c.protocol, func(t *testing.T) {
			q, err := QueueFor(c.protocol, conn)
			require.NoError(t, err)
			assert.Equal(t, c.queue, q)

			dir := writeFiles(t, map[string]string{JobSpecName: "protocol: " + c.protocol + "\n"})
			q, err = DetectQueueType(dir, conn)
			require.NoError(t, err)
			assert.Equal(t, c.queue, q)
		})
	}

	_, err := QueueFor(Merge2D, conn)
	assert.EqualError(t, err, "Unknown protocol merge2d")
}

func Test_UploadJob(t *testing.T) {
	conn := &cistem.LocalConn{TempDir: t.TempDir(), Logger: log.New(NullWriter(true), "", 0)}
	require.NoError(t, conn.Init())

	dir := writeFiles(t, map[string]string{
		JobSpecName:          "protocol: unblur\n",
		"movies/a.mrc":       "a",
		"movies/.DS_Store":   "x",
		".git/config":        "x",
		"gain/reference.mrc": "g",
	})
	require.NoError(t, UploadJob(context.Background(), dir, "uploadtest", conn))

	objs, err := conn.ListObjects(conn.WIPStorageId(), "uploadtest/")
	require.NoError(t, err)
	sort.Strings(objs)
	assert.Equal(t, []string{"uploadtest/gain/reference.mrc", "uploadtest/job.yaml", "uploadtest/movies/a.mrc"}, objs)

	err = UploadJob(context.Background(), t.TempDir(), "emptytest", conn)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "No files found in"))
}

func Test_DownloadResults(t *testing.T) {
	conn := &cistem.LocalConn{TempDir: t.TempDir(), Logger: log.New(NullWriter(true), "", 0)}
	require.NoError(t, conn.Init())

	dir := writeFiles(t, map[string]string{
		JobSpecName:                 "protocol: refine2d\n",
		"particles.star":            "data_",
		"run.yaml":                  "protocol: refine2d\n",
		"classes2D.sqlite":          "s",
		"Refine2D/Parameters/a.par": "C",
		"extra/schedule.png":        "p",
		"extra/nested/deeper.txt":   "n",
	})
	require.NoError(t, UploadJob(context.Background(), dir, "resultstest", conn))

	out := t.TempDir()
	require.NoError(t, DownloadResults(out, "resultstest", conn))
	var got []string
	require.NoError(t, filepath.Walk(out, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(out, path)
		got = append(got, filepath.ToSlash(rel))
		return nil
	}))
	sort.Strings(got)
	assert.Equal(t, []string{"classes2D.sqlite", "extra/schedule.png", "particles.star", "run.yaml"}, got)

	all := t.TempDir()
	require.NoError(t, DownloadAll(all, "resultstest/", conn))
	_, err := os.Stat(filepath.Join(all, "Refine2D", "Parameters", "a.par"))
	assert.NoError(t, err)

	err = DownloadResults(t.TempDir(), "missing", conn)
	assert.EqualError(t, err, "No results found for job missing")
}
