// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"rescribe.xyz/cistem/internal/pipeline"
	"rescribe.xyz/cistem/refine2d"
	"rescribe.xyz/cistem/resample"
	"rescribe.xyz/cistem/unblur"
)

// debounce is how long to wait for writes to settle before showing
// a new summary
const debounce = 500 * time.Millisecond

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [jobdir]",
		Short: "Follow the progress of a running job",
		Long: `Follow the progress of a job being run in jobdir, showing a new
summary whenever it writes results, until it finishes.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			spec, err := pipeline.ReadJobSpec(dir)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			err = watch(ctx, dir, spec.Protocol, cmd.OutOrStdout(), a.logger)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// finished reports whether the job in dir has written its final
// results
func finished(protocol, dir string) bool {
	switch protocol {
	case pipeline.Refine2D:
		m, err := refine2d.ReadManifest(dir)
		return err == nil && m.Finished
	case pipeline.Unblur:
		_, err := os.Stat(filepath.Join(dir, unblur.SetName))
		return err == nil
	case pipeline.Resample:
		_, err := os.Stat(filepath.Join(dir, resample.SetName))
		return err == nil
	}
	return false
}

// watch prints the summary of the job in dir each time its files
// change, returning once the job has finished
func watch(ctx context.Context, dir, protocol string, out io.Writer, logger *zap.Logger) error {
	summary, ok := summaries[protocol]
	if !ok {
		return fmt.Errorf("Unknown protocol %s", protocol)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("Error creating watcher: %w", err)
	}
	defer watcher.Close()

	add := func(root string) {
		_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil
			}
			if info.IsDir() {
				if path != root && strings.HasPrefix(info.Name(), ".") {
					return filepath.SkipDir
				}
				_ = watcher.Add(path)
			}
			return nil
		})
	}
	add(dir)

	show := func() bool {
		lines, err := summary(dir)
		if err != nil {
			logger.Debug("No summary yet", zap.Error(err))
		}
		for _, l := range lines {
			fmt.Fprintln(out, l)
		}
		if len(lines) > 0 {
			fmt.Fprintln(out)
		}
		return finished(protocol, dir)
	}
	if show() {
		return nil
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					add(event.Name)
				}
			}
			timer.Reset(debounce)
		case <-timer.C:
			if show() {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Error watching job", zap.String("dir", dir), zap.Error(err))
		}
	}
}
