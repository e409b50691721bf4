// Copyright 2022 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

//go:build !windows

package pipeline

import (
	"os/exec"
	"syscall"
)

// HideCmd puts the program in its own process group, so that a
// terminal interrupt meant for the pipeline is not also delivered to
// a long running cisTEM program, which is instead stopped through its
// context.
func HideCmd(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
