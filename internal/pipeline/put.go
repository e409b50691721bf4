// Copyright 2021 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	"rescribe.xyz/cistem/lib/mrc"
)

// JobSpecName is the name of the file describing a job, at the top
// of the job directory
const JobSpecName = "job.yaml"

// JobSpec is the part of a job file common to all protocols. The
// rest of the file holds the protocol's own parameters.
type JobSpec struct {
	Protocol string `yaml:"protocol"`
	Name     string `yaml:"name,omitempty"`
}

// ReadJobSpec reads the job file in dir
func ReadJobSpec(dir string) (JobSpec, error) {
	var spec JobSpec
	fn := filepath.Join(dir, JobSpecName)
	b, err := os.ReadFile(fn)
	if err != nil {
		return spec, fmt.Errorf("Error reading job file %s: %w", fn, err)
	}
	err = yaml.Unmarshal(b, &spec)
	if err != nil {
		return spec, fmt.Errorf("Error parsing job file %s: %w", fn, err)
	}
	if spec.Protocol == "" {
		return spec, fmt.Errorf("No protocol set in job file %s", fn)
	}
	return spec, nil
}

// null writer to enable non-verbose logging to be discarded
type NullWriter bool

func (w NullWriter) Write(p []byte) (n int, err error) {
	return len(p), nil
}

type fileWalk chan string

// Walk sends the path of all files to the channel, with the exception of
// any file which starts with "."
func (f fileWalk) Walk(path string, info os.FileInfo, err error) error {
	if err != nil {
		return err
	}
	// skip files starting with . to prevent automatically generated
	// files like .DS_Store getting in the way
	if strings.HasPrefix(filepath.Base(path), ".") {
		if info.IsDir() && path != "." {
			return filepath.SkipDir
		}
		return nil
	}
	if !info.IsDir() {
		f <- path
	}
	return nil
}

// isMrc reports whether a file should hold MRC data
func isMrc(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mrc", ".mrcs", ".st", ".ali":
		return true
	}
	return false
}

// CheckJob checks that a directory holds a job with a known
// protocol, and that all files with an MRC suffix in it have
// readable headers (skipping dotfiles)
func CheckJob(ctx context.Context, dir string) error {
	spec, err := ReadJobSpec(dir)
	if err != nil {
		return err
	}
	if _, ok := queueIds[spec.Protocol]; !ok {
		return fmt.Errorf("Unknown protocol %s", spec.Protocol)
	}

	checker := make(fileWalk)
	go func() {
		_ = filepath.Walk(dir, checker.Walk)
		close(checker)
	}()

	for path := range checker {
		select {
		case <-ctx.Done():
			for range checker {
			}
			return ctx.Err()
		default:
		}
		if !isMrc(path) {
			continue
		}
		_, err := mrc.ReadHeader(path)
		if err != nil {
			for range checker {
			}
			return fmt.Errorf("Reading MRC header of %s failed: %v", path, err)
		}
	}

	return nil
}

var queueIds = map[string]func(Queuer) string{
	Refine2D: Queuer.Refine2DQueueId,
	Unblur:   Queuer.UnblurQueueId,
	Resample: Queuer.ResampleQueueId,
}

// QueueFor returns the queue which processes a protocol
func QueueFor(protocol string, conn Queuer) (string, error) {
	q, ok := queueIds[protocol]
	if !ok {
		return "", fmt.Errorf("Unknown protocol %s", protocol)
	}
	return q(conn), nil
}

// DetectQueueType detects which queue to use based on the protocol
// set in the job file of a directory
func DetectQueueType(dir string, conn Queuer) (string, error) {
	spec, err := ReadJobSpec(dir)
	if err != nil {
		return "", err
	}
	return QueueFor(spec.Protocol, conn)
}

// UploadJob uploads all files (except those which start with a ".")
// from a directory (recursively) into conn.WIPStorageId(), prefixed
// with the given jobname and a slash, keeping their path relative
// to the directory.
func UploadJob(ctx context.Context, dir string, jobname string, conn Uploader) error {
	walker := make(fileWalk)
	go func() {
		_ = filepath.Walk(dir, walker.Walk)
		close(walker)
	}()

	n := 0
	for path := range walker {
		select {
		case <-ctx.Done():
			for range walker {
			}
			return ctx.Err()
		default:
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			for range walker {
			}
			return fmt.Errorf("Failed to find path of %s in %s: %v", path, dir, err)
		}
		key := jobname + "/" + filepath.ToSlash(rel)
		err = conn.Upload(conn.WIPStorageId(), key, path)
		if err != nil {
			for range walker {
			}
			return fmt.Errorf("Failed to upload %s: %v", path, err)
		}
		n++
	}

	if n == 0 {
		return fmt.Errorf("No files found in %s", dir)
	}

	return nil
}
