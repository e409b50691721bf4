// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"rescribe.xyz/cistem/internal/pipeline"
	"rescribe.xyz/cistem/refine2d"
	"rescribe.xyz/cistem/resample"
	"rescribe.xyz/cistem/unblur"
)

// protocolCmd returns a command running a protocol on a job directory
func (a *app) protocolCmd(protocol, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   protocol + " [jobdir]",
		Short: short,
		Long: short + ` using the job file and inputs in jobdir (default the
current directory). Outputs are written to jobdir.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			dir, err := filepath.Abs(dir)
			if err != nil {
				return err
			}
			spec, err := pipeline.ReadJobSpec(dir)
			if err != nil {
				return err
			}
			if spec.Protocol != protocol {
				return fmt.Errorf("Job in %s is for %s, not %s", dir, spec.Protocol, protocol)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return a.runProtocol(ctx, cmd, protocol, dir)
		},
	}
	return cmd
}

// runProtocol runs a protocol in dir, with the parallelism set in
// the config overriding the job's
func (a *app) runProtocol(ctx context.Context, cmd *cobra.Command, protocol, dir string) error {
	logger := a.logger.With(zap.String("dir", dir))
	progs := a.cfg.Programs()
	exec := pipeline.ExecRunner{Logger: logger}
	jobFile := filepath.Join(dir, pipeline.JobSpecName)

	switch protocol {
	case pipeline.Refine2D:
		params, err := refine2d.LoadParams(jobFile)
		if err != nil {
			return err
		}
		if a.cfg.Threads > 0 {
			params.Threads = a.cfg.Threads
		}
		if a.cfg.Mpi > 0 {
			params.Mpi = a.cfg.Mpi
		}
		p := &refine2d.Protocol{Dir: dir, Params: params, Programs: progs, Exec: exec, Logger: logger}
		if a.cfg.Verbose {
			p.Stdout, p.Stderr = cmd.OutOrStdout(), cmd.ErrOrStderr()
		}
		err = p.Run(ctx)
		if err != nil {
			return err
		}
		return printSummary(cmd, dir, refine2d.Summary)
	case pipeline.Unblur:
		params, err := unblur.LoadParams(jobFile)
		if err != nil {
			return err
		}
		if a.cfg.Threads > 0 {
			params.Threads = a.cfg.Threads
		}
		p := &unblur.Protocol{Dir: dir, Params: params, Programs: progs, Exec: exec, Logger: logger}
		if a.cfg.Verbose {
			p.Stdout, p.Stderr = cmd.OutOrStdout(), cmd.ErrOrStderr()
		}
		err = p.Run(ctx)
		if err != nil {
			return err
		}
		return printSummary(cmd, dir, unblur.Summary)
	case pipeline.Resample:
		params, err := resample.LoadParams(jobFile)
		if err != nil {
			return err
		}
		p := &resample.Protocol{Dir: dir, Params: params, Programs: progs, Exec: exec, Logger: logger}
		err = p.Run(ctx)
		if err != nil {
			return err
		}
		return printSummary(cmd, dir, resample.Summary)
	}
	return fmt.Errorf("Unknown protocol %s", protocol)
}

// summaries finds the summary of each protocol's runs
var summaries = map[string]func(string) ([]string, error){
	pipeline.Refine2D: refine2d.Summary,
	pipeline.Unblur:   unblur.Summary,
	pipeline.Resample: resample.Summary,
}

func printSummary(cmd *cobra.Command, dir string, summary func(string) ([]string, error)) error {
	lines, err := summary(dir)
	if err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Fprintln(cmd.OutOrStdout(), l)
	}
	return nil
}
