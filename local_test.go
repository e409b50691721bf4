// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package cistem

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLocalConn(t *testing.T) (*LocalConn, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	conn := &LocalConn{TempDir: t.TempDir(), Logger: log.New(&buf, "", 0)}
	require.NoError(t, conn.Init())
	return conn, &buf
}

func TestLocalDeletePrefix(t *testing.T) {
	conn, _ := testLocalConn(t)
	src := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0644))
	for _, k := range []string{"job-1/job.yaml", "job-1/extra/a.mrc", "job-10/job.yaml", "other/job.yaml"} {
		require.NoError(t, conn.Upload(conn.WIPStorageId(), k, src))
	}

	require.NoError(t, conn.DeletePrefix(conn.WIPStorageId(), "job-1/"))
	left, err := conn.ListObjects(conn.WIPStorageId(), "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job-10/job.yaml", "other/job.yaml"}, left)

	require.NoError(t, conn.DeletePrefix(conn.WIPStorageId(), "missing/"))
}

func TestLocalQueueAdmin(t *testing.T) {
	conn, buf := testLocalConn(t)
	q := conn.UnblurQueueId()

	require.NoError(t, conn.LogQueue(q))
	assert.Empty(t, buf.String())

	for _, m := range []string{"a-1", "b-1", "a-2"} {
		require.NoError(t, conn.AddToQueue(q, m))
	}
	require.NoError(t, conn.RemovePrefixesFromQueue(q, "a-"))
	assert.Equal(t, "Removing a-1 from queue\nRemoving a-2 from queue\n", buf.String())

	buf.Reset()
	require.NoError(t, conn.LogAndPurgeQueue(q))
	assert.Equal(t, "b-1\n", buf.String())

	avail, _, err := conn.GetQueueDetails(q)
	require.NoError(t, err)
	assert.Equal(t, "0", avail)
}
