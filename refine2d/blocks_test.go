// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package refine2d

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
)

func TestPartition(t *testing.T) {
	cases := []struct {
		name      string
		particles int
		jobs      int
		want      []Block
	}{
		{"thousand in four", 1000, 4, []Block{
			{Index: 1, First: 1, Last: 251},
			{Index: 2, First: 252, Last: 502},
			{Index: 3, First: 503, Last: 753},
			{Index: 4, First: 754, Last: 1000},
		}},
		{"one job", 10, 1, []Block{
			{Index: 1, First: 1, Last: 10},
		}},
		{"tiny", 5, 4, []Block{
			{Index: 1, First: 1, Last: 2},
			{Index: 2, First: 3, Last: 4},
			{Index: 3, First: 5, Last: 5},
		}},
		{"single particle", 1, 8, []Block{
			{Index: 1, First: 1, Last: 1},
		}},
		{"no particles", 0, 4, nil},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Partition(c.particles, c.jobs)
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf("Partition(%d, %d) mismatch (-want +got):\n%s", c.particles, c.jobs, diff)
			}
		})
	}
}

func TestPartitionCovers(t *testing.T) {
	for particles := 1; particles <= 200; particles++ {
		for jobs := 1; jobs <= 24; jobs++ {
			blocks := Partition(particles, jobs)
			if len(blocks) == 0 || len(blocks) > jobs {
				t.Fatalf("Partition(%d, %d) gave %d blocks", particles, jobs, len(blocks))
			}
			next := 1
			for i, b := range blocks {
				if b.Index != i+1 || b.First != next || b.Len() < 1 {
					t.Fatalf("Partition(%d, %d) block %d is %+v, expected to start at %d", particles, jobs, i, b, next)
				}
				next = b.Last + 1
			}
			if next != particles+1 {
				t.Fatalf("Partition(%d, %d) ends at %d", particles, jobs, next-1)
			}
		}
	}
}

func TestJobs(t *testing.T) {
	assert.Equal(t, 4, Jobs(4, 1))
	assert.Equal(t, 8, Jobs(4, 8))
	assert.Equal(t, 1, Jobs(0, 0))
}
