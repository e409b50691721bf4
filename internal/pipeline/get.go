// Copyright 2019 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package pipeline

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// ResultPatterns match the files of a job, relative to the job
// prefix, which hold the results of a protocol rather than its inputs
// or working files.
var ResultPatterns = []string{
	"*.sqlite",
	"*.star",
	"*.pdf",
	"*.png",
	"run.yaml",
	"extra/*",
}

func isResult(rel string) bool {
	for _, p := range ResultPatterns {
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// downloadMatching gets the objects under name whose path relative to name
// is accepted by keep, saving them under dir
func downloadMatching(dir string, name string, conn DownloadLister, keep func(string) bool) (int, error) {
	prefix := strings.TrimSuffix(name, "/") + "/"
	objs, err := conn.ListObjects(conn.WIPStorageId(), prefix)
	if err != nil {
		return 0, fmt.Errorf("Failed to get list of files for job %s: %v", name, err)
	}
	n := 0
	for _, i := range objs {
		rel := strings.TrimPrefix(i, prefix)
		if !keep(rel) {
			continue
		}
		fn := filepath.Join(dir, filepath.FromSlash(rel))
		err = os.MkdirAll(filepath.Dir(fn), 0755)
		if err != nil {
			return n, fmt.Errorf("Failed to create directory for %s: %v", fn, err)
		}
		conn.Log("Downloading", i)
		err = conn.Download(conn.WIPStorageId(), i, fn)
		if err != nil {
			return n, fmt.Errorf("Failed to download file %s: %v", i, err)
		}
		n++
	}
	return n, nil
}

// DownloadResults downloads the result files of a job into dir
func DownloadResults(dir string, name string, conn DownloadLister) error {
	n, err := downloadMatching(dir, name, conn, isResult)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("No results found for job %s", name)
	}
	return nil
}

// DownloadAll downloads every file of a job into dir
func DownloadAll(dir string, name string, conn DownloadLister) error {
	_, err := downloadMatching(dir, name, conn, func(string) bool { return true })
	return err
}
