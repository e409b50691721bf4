// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package refine2d

import "math"

// Block is a contiguous range of particles, numbered from 1,
// refined by one process
type Block struct {
	Index int
	First int
	Last  int
}

// Len returns the number of particles in the block
func (b Block) Len() int {
	return b.Last - b.First + 1
}

// Jobs returns how many processes to run at once
func Jobs(threads, mpi int) int {
	j := threads
	if mpi > j {
		j = mpi
	}
	if j < 1 {
		j = 1
	}
	return j
}

// particlesPerJob is the step between the first particles of
// consecutive blocks, less one
func particlesPerJob(particles, jobs int) int {
	if particles-jobs < jobs {
		return 1
	}
	return int(math.RoundToEven(float64(particles) / float64(jobs)))
}

// Partition splits particles 1 to particles into at most jobs
// blocks, which together cover every particle exactly once. Each
// block holds one more than the rounded share of particles, so the
// last block is clipped, and any block which would start past the
// end is left out.
func Partition(particles, jobs int) []Block {
	if particles <= 0 {
		return nil
	}
	if jobs < 1 {
		jobs = 1
	}
	ppj := particlesPerJob(particles, jobs)

	var blocks []Block
	first := 1
	for i := 1; i <= jobs && first <= particles; i++ {
		last := first + ppj
		if last > particles || i == jobs {
			last = particles
		}
		blocks = append(blocks, Block{Index: i, First: first, Last: last})
		first = last + 1
	}
	return blocks
}
