// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// cistem runs cisTEM protocols, either directly on a job directory
// or by submitting jobs to the queues watched by cistempipeline.
package main

import (
	"os"
)

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
