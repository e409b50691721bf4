// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// tailSize is how much of a program's output is kept for error
// reports
const tailSize = 8 * 1024

// scriptEnd ends the here document form of a script
const scriptEnd = "eof"

// Script is the list of answers given, one per line, to the prompts
// of an interactive cisTEM program.
type Script []string

// String returns the script as it is fed to the program
func (s Script) String() string {
	if len(s) == 0 {
		return ""
	}
	return strings.Join(s, "\n") + "\n"
}

// Stdin returns a reader feeding the script to a program
func (s Script) Stdin() io.Reader {
	return strings.NewReader(s.String())
}

// HereDoc returns the shell form of running program with the script,
// as saved alongside each step's outputs so that it can be rerun by
// hand. If redirect is set, standard output goes to that file.
func (s Script) HereDoc(program string, redirect string) string {
	var b strings.Builder
	b.WriteString(program)
	b.WriteString(" << " + scriptEnd)
	if redirect != "" {
		b.WriteString(" > " + redirect)
	}
	b.WriteString("\n")
	b.WriteString(s.String())
	b.WriteString(scriptEnd + "\n")
	return b.String()
}

// Float formats a value the way the prompts expect
func Float(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// Int formats an integer prompt value
func Int(v int) string {
	return strconv.Itoa(v)
}

// YesNo formats a boolean prompt value
func YesNo(v bool) string {
	if v {
		return "YES"
	}
	return "NO"
}

// Job is one run of an external program
type Job struct {
	Program string
	Args    []string
	Script  Script
	Dir     string
	Env     []string
	// Stdout and Stderr receive the program's output if set; it is
	// discarded otherwise, apart from the tail kept for errors.
	Stdout io.Writer
	Stderr io.Writer
}

// Executor runs jobs, returning a *LaunchError if the program could
// not be started and an *ExitError if it failed.
type Executor interface {
	Run(ctx context.Context, job Job) error
}

// ExecRunner runs jobs as child processes. Cancelling the context
// kills the process.
type ExecRunner struct {
	Logger *zap.Logger
}

func (r ExecRunner) Run(ctx context.Context, job Job) error {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cmd := exec.CommandContext(ctx, job.Program, job.Args...)
	HideCmd(cmd)
	cmd.Dir = job.Dir
	if len(job.Env) > 0 {
		cmd.Env = job.Env
	}
	cmd.Stdin = job.Script.Stdin()

	tail := newTailBuffer(tailSize)
	cmd.Stdout = tail
	if job.Stdout != nil {
		cmd.Stdout = io.MultiWriter(job.Stdout, tail)
	}
	cmd.Stderr = tail
	if job.Stderr != nil {
		cmd.Stderr = io.MultiWriter(job.Stderr, tail)
	}

	logger.Debug("Starting program", zap.String("program", job.Program), zap.String("dir", job.Dir))
	err := cmd.Start()
	if err != nil {
		return &LaunchError{Program: job.Program, Err: err}
	}
	err = cmd.Wait()
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		return &ExitError{Program: job.Program, Code: -1, Output: tail.String(), Err: ctx.Err()}
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() >= 0 {
		return &ExitError{Program: job.Program, Code: ee.ExitCode(), Output: tail.String(), Err: err}
	}
	return &ExitError{Program: job.Program, Code: -1, Output: tail.String(), Err: err}
}

// tailBuffer keeps the last n bytes written to it. It is safe for
// concurrent use, as stdout and stderr are copied separately.
type tailBuffer struct {
	mu  sync.Mutex
	n   int
	buf []byte
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.n; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// RunLogged runs a job, logging its here document form first
func RunLogged(ctx context.Context, e Executor, logger *zap.Logger, job Job, redirect string) error {
	logger.Info("Running "+job.Program, zap.String("dir", job.Dir))
	logger.Debug(job.Script.HereDoc(job.Program, redirect))
	err := e.Run(ctx, job)
	if err != nil {
		return fmt.Errorf("Error running %s: %w", job.Program, err)
	}
	return nil
}
