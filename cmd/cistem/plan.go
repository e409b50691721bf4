// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"rescribe.xyz/cistem"
	"rescribe.xyz/cistem/internal/pipeline"
	"rescribe.xyz/cistem/refine2d"
	"rescribe.xyz/cistem/unblur"
)

func (a *app) scheduleCmd() *cobra.Command {
	d := refine2d.DefaultParams()
	plan := refine2d.Plan{
		Start:         1,
		End:           d.Cycles,
		Classes:       d.Classes,
		HighResStart:  d.HighResStart,
		HighResFinish: d.HighResFinish,
		PercentUsed:   d.PercentUsed,
		AutoPercent:   d.AutoPercent,
	}
	var graph string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show the resolution and particle schedule of a classification",
		Long: `Show the high resolution limit and the percentage of particles used
in each iteration of a 2D classification with the given settings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if plan.Particles < 1 {
				return fmt.Errorf("The number of particles must be set with --particles")
			}
			if plan.Start < 1 || plan.Start > plan.End {
				return fmt.Errorf("The first iteration must be between 1 and %d", plan.End)
			}
			steps := refine2d.Schedule(plan)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "Iteration\tHigh res (Å)\tParticles used (%)")
			for _, s := range steps {
				fmt.Fprintf(w, "%d\t%.2f\t%.2f\n", s.Iteration, s.HighRes, s.PercentUsed)
			}
			err := w.Flush()
			if err != nil || graph == "" {
				return err
			}

			f, err := os.Create(graph)
			if err != nil {
				return fmt.Errorf("Error creating file %s: %w", graph, err)
			}
			defer f.Close()
			err = cistem.ScheduleGraph(steps, "Classification schedule", f)
			if err != nil {
				return fmt.Errorf("Error rendering graph: %w", err)
			}
			return f.Close()
		},
	}

	f := cmd.Flags()
	f.IntVar(&plan.Particles, "particles", 0, "number of particles")
	f.IntVar(&plan.Classes, "classes", plan.Classes, "number of classes")
	f.IntVar(&plan.End, "iterations", plan.End, "number of iterations")
	f.IntVar(&plan.Start, "start", plan.Start, "first iteration to show")
	f.Float64Var(&plan.HighResStart, "high-res-start", plan.HighResStart, "high resolution limit of the first iteration (Å)")
	f.Float64Var(&plan.HighResFinish, "high-res-finish", plan.HighResFinish, "high resolution limit of the last iteration (Å)")
	f.Float64Var(&plan.PercentUsed, "percent-used", plan.PercentUsed, "percentage of particles used, if not automatic")
	f.BoolVar(&plan.AutoPercent, "auto-percent", plan.AutoPercent, "choose the percentage of particles used automatically")
	f.StringVar(&graph, "graph", "", "also save a graph of the schedule to this png file")
	return cmd
}

func (a *app) blocksCmd() *cobra.Command {
	var particles, threads, mpi int
	cmd := &cobra.Command{
		Use:   "blocks",
		Short: "Show how particles are split between parallel refine2d jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if particles < 1 {
				return fmt.Errorf("The number of particles must be set with --particles")
			}
			jobs := refine2d.Jobs(threads, mpi)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "Block\tFirst\tLast\tParticles")
			for _, b := range refine2d.Partition(particles, jobs) {
				fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", b.Index, b.First, b.Last, b.Len())
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&particles, "particles", 0, "number of particles")
	cmd.Flags().IntVar(&threads, "threads", 4, "number of threads")
	cmd.Flags().IntVar(&mpi, "mpi", 1, "number of MPI processes")
	return cmd
}

func (a *app) summaryCmd() *cobra.Command {
	var report string
	cmd := &cobra.Command{
		Use:   "summary [jobdir]",
		Short: "Summarise the progress and results of a job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			spec, err := pipeline.ReadJobSpec(dir)
			if err != nil {
				return err
			}
			summary, ok := summaries[spec.Protocol]
			if !ok {
				return fmt.Errorf("Unknown protocol %s", spec.Protocol)
			}
			err = printSummary(cmd, dir, summary)
			if err != nil || report == "" {
				return err
			}
			return writeReport(spec.Protocol, dir, report)
		},
	}
	cmd.Flags().StringVar(&report, "report", "", "also write a PDF report to this file")
	return cmd
}

// writeReport writes the PDF report of a job
func writeReport(protocol, dir, path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	switch protocol {
	case pipeline.Refine2D:
		return refine2d.WriteReport(dir, path)
	case pipeline.Unblur:
		return unblur.WriteReport(dir, path)
	}
	return fmt.Errorf("No report is made for %s jobs", protocol)
}
