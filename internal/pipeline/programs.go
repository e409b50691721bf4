// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package pipeline

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Program names
const (
	Refine2D = "refine2d"
	Merge2D  = "merge2d"
	Unblur   = "unblur"
	Resample = "resample"
)

// Programs finds the cisTEM binaries and the environment to run
// them in.
type Programs struct {
	// Home is the directory holding the binaries. If empty they are
	// looked up in $PATH.
	Home string
	// Env holds extra environment variables
	Env map[string]string
}

// Path returns the path of a program
func (p Programs) Path(name string) string {
	if p.Home == "" {
		return name
	}
	return filepath.Join(p.Home, name)
}

// Environ returns the environment for running programs: the current
// environment with Home added to the front of $PATH and Env applied.
func (p Programs) Environ() []string {
	vars := make(map[string]string)
	var order []string
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		if _, ok := vars[k]; !ok {
			order = append(order, k)
		}
		vars[k] = v
	}
	set := func(k, v string) {
		if _, ok := vars[k]; !ok {
			order = append(order, k)
		}
		vars[k] = v
	}

	if p.Home != "" {
		path := p.Home
		if old := vars["PATH"]; old != "" {
			path += string(os.PathListSeparator) + old
		}
		set("PATH", path)
	}
	var extra []string
	for k := range p.Env {
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		set(k, p.Env[k])
	}

	env := make([]string, 0, len(order))
	for _, k := range order {
		env = append(env, k+"="+vars[k])
	}
	return env
}

// Job returns a job running program in dir with the script
func (p Programs) Job(program string, dir string, script Script) Job {
	return Job{
		Program: p.Path(program),
		Script:  script,
		Dir:     dir,
		Env:     p.Environ(),
	}
}
