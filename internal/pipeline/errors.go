// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package pipeline

import (
	"fmt"
	"os"
	"strings"
)

// LaunchError is returned when a program could not be started at all
type LaunchError struct {
	Program string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("Failed to start %s: %v", e.Program, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ExitError is returned when a program exits with a non-zero status,
// or is killed. Output holds the end of what it printed.
type ExitError struct {
	Program string
	Code    int
	Output  string
	Err     error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Program, e.Code)
	if e.Code < 0 {
		msg = fmt.Sprintf("%s failed: %v", e.Program, e.Err)
	}
	if e.Output != "" {
		msg += "\nOutput: " + e.Output
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// MissingOutputError is returned when a program exits successfully
// but an output it should have written is not there.
type MissingOutputError struct {
	Program string
	Path    string
}

func (e *MissingOutputError) Error() string {
	return fmt.Sprintf("%s did not write expected output %s", e.Program, e.Path)
}

// BlockError identifies the block of particles whose processing
// failed during an iteration.
type BlockError struct {
	Iteration int
	Block     int
	First     int
	Last      int
	Err       error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("Iteration %d block %d (particles %d to %d) failed: %v",
		e.Iteration, e.Block, e.First, e.Last, e.Err)
}

func (e *BlockError) Unwrap() error {
	return e.Err
}

// ItemError identifies an input, such as a movie, whose processing
// failed. The other inputs of the run may still have succeeded.
type ItemError struct {
	Index int
	Path  string
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("Failed to process %s (%d): %v", e.Path, e.Index, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// ValidationError holds the problems found with a set of parameters
// before anything is run.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	return "Invalid parameters:\n" + strings.Join(e.Messages, "\n")
}

// Validation returns a ValidationError for msgs, or nil if there are
// none.
func Validation(msgs []string) error {
	if len(msgs) == 0 {
		return nil
	}
	return &ValidationError{Messages: msgs}
}

// CheckOutputs returns a MissingOutputError for the first of paths
// that does not exist.
func CheckOutputs(program string, paths ...string) error {
	for _, p := range paths {
		_, err := os.Stat(p)
		if os.IsNotExist(err) {
			return &MissingOutputError{Program: program, Path: p}
		}
		if err != nil {
			return fmt.Errorf("Error checking output %s of %s: %w", p, program, err)
		}
	}
	return nil
}
