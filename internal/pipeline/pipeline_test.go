// Copyright 2021 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
	"rescribe.xyz/cistem"
)

// StrLog is a simple logger that saves to a string,
// so it can be printed out only when needed.
type StrLog struct {
	log string
}

func (t *StrLog) Write(p []byte) (n int, err error) {
	t.log += string(p)
	return len(p), nil
}

type PipelineTester interface {
	Pipeliner
	DeleteObjects(bucket string, keys []string) error
}

type connection struct {
	name string
	c    PipelineTester
}

// testConns returns the connections to test against. AWS is only
// used if CISTEM_TEST_AWS is set, as it needs credentials and the
// buckets and queues to have been created.
func testConns(t *testing.T, vlog *log.Logger) []connection {
	conns := []connection{{name: "local", c: &cistem.LocalConn{TempDir: t.TempDir(), Logger: vlog}}}
	if os.Getenv("CISTEM_TEST_AWS") != "" && !testing.Short() {
		conns = append(conns, connection{name: "aws", c: &cistem.AwsConn{Logger: vlog}})
	}
	return conns
}

// Test_download tests the download() function inside the pipeline
func Test_download(t *testing.T) {
	var slog StrLog
	vlog := log.New(&slog, "", 0)

	cases := []struct {
		dl       string
		contents []byte
		process  string
		errs     []error
	}{
		{"notpresent", []byte(""), "", []error{errors.New("no such file or directory"), errors.New("NoSuchKey: The specified key does not exist")}},
		{"empty", []byte{}, "empty", []error{}},
		{"justastring", []byte("I am just a basic string"), "justastring", []error{}},
		{"Refine2D/Parameters/nested.par", []byte("C header\n"), "Refine2D/Parameters/nested.par", []error{}},
	}

	for _, conn := range testConns(t, vlog) {
		for _, c := range cases {
			t.Run(fmt.Sprintf("%s/%s", conn.name, c.dl), func(t *testing.T) {
				err := conn.c.Init()
				if err != nil {
					t.Fatalf("Could not initialise %s connection: %v\nLog: %s", conn.name, err, slog.log)
				}
				slog.log = ""
				tempDir := t.TempDir()
				key := "pipelinetest/" + c.dl

				// create and upload test file
				tempFile := filepath.Join(tempDir, "t")
				err = os.WriteFile(tempFile, c.contents, 0600)
				if err != nil {
					t.Fatalf("Could not create temporary file %s: %v\nLog: %s", tempFile, err, slog.log)
				}
				if c.dl != "notpresent" {
					err = conn.c.Upload(conn.c.WIPStorageId(), key, tempFile)
					if err != nil {
						t.Fatalf("Could not upload file %s: %v\nLog: %s", tempFile, err, slog.log)
					}
				}
				err = os.Remove(tempFile)
				if err != nil {
					t.Fatalf("Could not remove temporary upload file %s: %v\nLog: %s", tempFile, err, slog.log)
				}

				// download
				dlchan := make(chan string)
				processchan := make(chan string)
				errchan := make(chan error)

				go download(context.Background(), dlchan, processchan, conn.c, "pipelinetest", tempDir, errchan, vlog)

				dlchan <- key
				close(dlchan)

				// check all is as expected
				select {
				case err = <-errchan:
					if len(c.errs) == 0 {
						t.Fatalf("Received an error when one was not expected, error: %v\nLog: %s", err, slog.log)
					}
					expectedErrFound := 0
					for _, v := range c.errs {
						if strings.Contains(err.Error(), v.Error()) {
							expectedErrFound = 1
						}
					}
					if expectedErrFound == 0 {
						t.Fatalf("Received a different error than was expected, expected one of: %v, got %v\nLog: %s", c.errs, err, slog.log)
					}
				case process := <-processchan:
					expected := filepath.Join(tempDir, filepath.FromSlash(c.process))
					if expected != process {
						t.Fatalf("Received a different addition to the process channel than was expected, expected: %v, got %v\nLog: %s", expected, process, slog.log)
					}
				}

				if c.dl == "notpresent" {
					return
				}

				tempFile = filepath.Join(tempDir, filepath.FromSlash(c.dl))
				dled, err := os.ReadFile(tempFile)
				if err != nil {
					t.Fatalf("Could not read downloaded file %s: %v\nLog: %s", tempFile, err, slog.log)
				}

				if !bytes.Equal(dled, c.contents) {
					t.Fatalf("Downloaded file differs from expected, expected: '%s', got '%s'\nLog: %s", c.contents, dled, slog.log)
				}

				// cleanup
				err = conn.c.DeleteObjects(conn.c.WIPStorageId(), []string{key})
				if err != nil {
					t.Fatalf("Could not delete storage object used for test %s: %v\nLog: %s", key, err, slog.log)
				}
			})
		}
	}
}

// Test_up tests the up() function inside the pipeline
func Test_up(t *testing.T) {
	var slog StrLog
	vlog := log.New(&slog, "", 0)

	cases := []struct {
		ul       string
		contents []byte
		key      string
		errs     []error
	}{
		{"notpresent", []byte(""), "", []error{errors.New("no such file or directory")}},
		{"empty", []byte{}, "pipelinetest/empty", []error{}},
		{"justastring", []byte("I am just a basic string"), "pipelinetest/justastring", []error{}},
		{"extra/a_shifts.txt", []byte("image #1 = 0.0, 0.0"), "pipelinetest/extra/a_shifts.txt", []error{}},
	}

	for _, conn := range testConns(t, vlog) {
		for _, c := range cases {
			t.Run(fmt.Sprintf("%s/%s", conn.name, c.ul), func(t *testing.T) {
				err := conn.c.Init()
				if err != nil {
					t.Fatalf("Could not initialise %s connection: %v\nLog: %s", conn.name, err, slog.log)
				}
				slog.log = ""
				tempDir := t.TempDir()

				// create test file
				tempFile := filepath.Join(tempDir, filepath.FromSlash(c.ul))
				if c.ul != "notpresent" {
					err = os.MkdirAll(filepath.Dir(tempFile), 0700)
					if err == nil {
						err = os.WriteFile(tempFile, c.contents, 0600)
					}
					if err != nil {
						t.Fatalf("Could not create temporary file %s: %v\nLog: %s", tempFile, err, slog.log)
					}
				}

				// upload
				upchan := make(chan string)
				donechan := make(chan bool)
				errchan := make(chan error)

				go up(context.Background(), upchan, donechan, conn.c, "pipelinetest", tempDir, errchan, vlog)

				upchan <- tempFile
				close(upchan)

				// check all is as expected
				select {
				case err = <-errchan:
					if len(c.errs) == 0 {
						t.Fatalf("Received an error when one was not expected, error: %v\nLog: %s", err, slog.log)
					}
					expectedErrFound := 0
					for _, v := range c.errs {
						if strings.Contains(err.Error(), v.Error()) {
							expectedErrFound = 1
						}
					}
					if expectedErrFound == 0 {
						t.Fatalf("Received a different error than was expected, expected one of: %v, got %v\nLog: %s", c.errs, err, slog.log)
					}
				case <-donechan:
				}

				if c.ul == "notpresent" {
					return
				}

				// check the key is where it should be, and has the right contents
				dl := filepath.Join(t.TempDir(), "dl")
				err = conn.c.Download(conn.c.WIPStorageId(), c.key, dl)
				if err != nil {
					t.Fatalf("Could not download uploaded file %s: %v\nLog: %s", c.key, err, slog.log)
				}
				dled, err := os.ReadFile(dl)
				if err != nil {
					t.Fatalf("Could not read downloaded file %s: %v\nLog: %s", dl, err, slog.log)
				}
				if !bytes.Equal(dled, c.contents) {
					t.Fatalf("Uploaded file differs from expected, expected: '%s', got '%s'\nLog: %s", c.contents, dled, slog.log)
				}

				// cleanup
				err = conn.c.DeleteObjects(conn.c.WIPStorageId(), []string{c.key})
				if err != nil {
					t.Fatalf("Could not delete storage object used for test %s: %v\nLog: %s", c.key, err, slog.log)
				}
			})
		}
	}
}

// writeJob writes a job file and an input to a new directory
func writeJob(t *testing.T, protocol string) string {
	t.Helper()
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, JobSpecName), []byte("protocol: "+protocol+"\n"), 0644)
	if err == nil {
		err = os.WriteFile(filepath.Join(dir, "input.txt"), []byte("input"), 0644)
	}
	if err != nil {
		t.Fatalf("Could not write job: %v", err)
	}
	return dir
}

func Test_Protocol(t *testing.T) {
	var slog StrLog
	vlog := log.New(&slog, "", 0)
	dir := writeJob(t, Refine2D)

	var ran string
	process := Protocol(func(ctx context.Context, d string) error {
		ran = d
		err := os.MkdirAll(filepath.Join(d, "extra"), 0755)
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(d, "extra", "out.txt"), []byte("output"), 0644)
	})

	in := make(chan string, 2)
	upc := make(chan string)
	errc := make(chan error, 1)
	in <- filepath.Join(dir, "input.txt")
	in <- filepath.Join(dir, JobSpecName)
	close(in)

	go process(context.Background(), in, upc, errc, vlog)

	var got []string
	for {
		select {
		case err := <-errc:
			t.Fatalf("Unexpected error: %v\nLog: %s", err, slog.log)
		case path, ok := <-upc:
			if ok {
				got = append(got, path)
				continue
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("Timed out waiting for outputs\nLog: %s", slog.log)
		}
		break
	}

	if ran != dir {
		t.Fatalf("Protocol ran in %s, expected %s", ran, dir)
	}
	want := []string{filepath.Join(dir, "extra", "out.txt")}
	if len(got) != 1 || got[0] != want[0] {
		t.Fatalf("Expected outputs %v, got %v", want, got)
	}
}

func Test_ProtocolError(t *testing.T) {
	vlog := log.New(NullWriter(true), "", 0)
	dir := writeJob(t, Unblur)
	fail := errors.New("unblur exited with status 1")
	process := Protocol(func(ctx context.Context, d string) error { return fail })

	in := make(chan string, 1)
	in <- filepath.Join(dir, "input.txt")
	close(in)
	errc := make(chan error, 1)
	go process(context.Background(), in, make(chan string), errc, vlog)

	err := <-errc
	if !errors.Is(err, fail) {
		t.Fatalf("Expected error %v, got %v", fail, err)
	}
}

func Test_ProcessJob(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Setenv("HOME", t.TempDir()) // no mail settings

	cases := []struct {
		name    string
		fail    error
		outputs []string
	}{
		{"success", nil, []string{"extra/out.txt", "input.txt", "job.yaml"}},
		{"failure", errors.New("block failed"), []string{"input.txt", "job.yaml"}},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var slog StrLog
			vlog := log.New(&slog, "", 0)
			conn := &cistem.LocalConn{TempDir: t.TempDir(), Logger: vlog}
			err := conn.Init()
			if err != nil {
				t.Fatalf("Could not initialise connection: %v", err)
			}

			jobname := "processjobtest_" + c.name
			err = UploadJob(context.Background(), writeJob(t, Refine2D), jobname, conn)
			if err != nil {
				t.Fatalf("Could not upload job: %v", err)
			}
			err = conn.AddToQueue(conn.Refine2DQueueId(), jobname)
			if err != nil {
				t.Fatalf("Could not queue job: %v", err)
			}
			msg, err := conn.CheckQueue(conn.Refine2DQueueId(), HeartbeatSeconds*2)
			if err != nil || msg.Body != jobname {
				t.Fatalf("Could not get queued job, got %v, error: %v", msg, err)
			}

			process := Protocol(func(ctx context.Context, d string) error {
				if c.fail != nil {
					return c.fail
				}
				err := os.MkdirAll(filepath.Join(d, "extra"), 0755)
				if err != nil {
					return err
				}
				return os.WriteFile(filepath.Join(d, "extra", "out.txt"), []byte("output"), 0644)
			})

			err = ProcessJob(context.Background(), msg, conn, process, conn.Refine2DQueueId(), "")
			if c.fail == nil && err != nil {
				t.Fatalf("Unexpected error: %v\nLog: %s", err, slog.log)
			}
			if c.fail != nil && !errors.Is(err, c.fail) {
				t.Fatalf("Expected error %v, got %v\nLog: %s", c.fail, err, slog.log)
			}

			objs, err := conn.ListObjects(conn.WIPStorageId(), jobname+"/")
			if err != nil {
				t.Fatalf("Could not list objects: %v", err)
			}
			var got []string
			for _, o := range objs {
				got = append(got, strings.TrimPrefix(o, jobname+"/"))
			}
			sort.Strings(got)
			if strings.Join(got, ",") != strings.Join(c.outputs, ",") {
				t.Fatalf("Expected stored objects %v, got %v", c.outputs, got)
			}

			msg, err = conn.CheckQueue(conn.Refine2DQueueId(), HeartbeatSeconds*2)
			if err != nil || msg.Body != "" {
				t.Fatalf("Expected queue to be empty, got %v, error: %v", msg, err)
			}
			if _, err := os.Stat(filepath.Join(os.TempDir(), "cistem", jobname)); !os.IsNotExist(err) {
				t.Fatalf("Working directory for %s was not removed", jobname)
			}
		})
	}
}
