// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"rescribe.xyz/cistem"
	"rescribe.xyz/cistem/internal/pipeline"
)

// InstanceManager is a connection which can run worker machines
type InstanceManager interface {
	GetInstanceDetails() ([]cistem.InstanceDetails, error)
	StartInstances(n int) error
}

// jobName returns the name to store a job under: the name given, or
// the directory name with a unique suffix
func jobName(dir, name string) string {
	if name != "" {
		return name
	}
	abs, err := filepath.Abs(dir)
	if err == nil {
		dir = abs
	}
	return filepath.Base(dir) + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

func (a *app) submitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "submit jobdir",
		Short: "Upload a job and add it to the queue for its protocol",
		Long: `Upload the job in jobdir to storage and add it to the queue for its
protocol, ready to be processed by a cistempipeline worker.

The job is stored under the name given with --name, or otherwise the
name of jobdir followed by a unique id. Results can be fetched with
'cistem get' once the job is done.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			ctx := cmd.Context()

			err := pipeline.CheckJob(ctx, dir)
			if err != nil {
				return err
			}
			conn, err := a.connect()
			if err != nil {
				return err
			}
			qid, err := pipeline.DetectQueueType(dir, conn)
			if err != nil {
				return err
			}

			jobname := jobName(dir, name)
			list, err := conn.ListObjects(conn.WIPStorageId(), jobname+"/")
			if err != nil {
				return err
			}
			if len(list) > 0 {
				return fmt.Errorf("There is already a job named %s", jobname)
			}

			conn.Log("Uploading job", dir, "as", jobname)
			err = pipeline.UploadJob(ctx, dir, jobname, conn)
			if err != nil {
				return err
			}
			err = conn.AddToQueue(qid, jobname)
			if err != nil {
				return fmt.Errorf("Error adding job to queue: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Submitted job", jobname)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name to store the job under")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "get jobname [dir]",
		Short: "Download the results of a job",
		Long: `Download the results of a submitted job into dir (default a new
directory named after the job). With --all every file of the job is
downloaded, including working files.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobname := strings.TrimSuffix(args[0], "/")
			dir := jobname
			if len(args) > 1 {
				dir = args[1]
			}
			conn, err := a.connect()
			if err != nil {
				return err
			}
			if all {
				err = pipeline.DownloadAll(dir, jobname, conn)
			} else {
				err = pipeline.DownloadResults(dir, jobname, conn)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Downloaded", jobname, "to", dir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "download every file, not just the results")
	return cmd
}

// jobStatus is a stored job and when it last changed
type jobStatus struct {
	name string
	date time.Time
	done bool
}

// jobStatuses groups the objects in storage by job. A job is done
// once its output set has been stored.
func jobStatuses(objs []cistem.ObjMeta) []jobStatus {
	jobs := make(map[string]*jobStatus)
	for _, o := range objs {
		name, rel, ok := strings.Cut(o.Name, "/")
		if !ok {
			continue
		}
		j, ok := jobs[name]
		if !ok {
			j = &jobStatus{name: name}
			jobs[name] = j
		}
		if o.Date.After(j.date) {
			j.date = o.Date
		}
		if m, _ := path.Match("*.sqlite", rel); m {
			j.done = true
		}
	}
	var list []jobStatus
	for _, j := range jobs {
		list = append(list, *j)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].date.Equal(list[j].date) {
			return list[i].name < list[j].name
		}
		return list[i].date.Before(list[j].date)
	})
	return list
}

func (a *app) statusCmd() *cobra.Command {
	var nojobs bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List workers, queues and jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := a.connect()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if im, ok := conn.(InstanceManager); ok {
				fmt.Fprintln(out, "# Instances")
				details, err := im.GetInstanceDetails()
				if err != nil {
					return fmt.Errorf("Error getting instance details: %w", err)
				}
				printInstances(out, details)
				fmt.Fprintln(out)
			}

			fmt.Fprintln(out, "# Queues")
			queues := []struct{ name, id string }{
				{pipeline.Refine2D, conn.Refine2DQueueId()},
				{pipeline.Unblur, conn.UnblurQueueId()},
				{pipeline.Resample, conn.ResampleQueueId()},
			}
			for _, q := range queues {
				avail, inprog, err := conn.GetQueueDetails(q.id)
				if err != nil {
					return fmt.Errorf("Error getting details of queue %s: %w", q.name, err)
				}
				fmt.Fprintf(out, "%s: %s available, %s in progress\n", q.name, avail, inprog)
			}

			if nojobs {
				return nil
			}
			objs, err := conn.ListObjectsWithMeta(conn.WIPStorageId(), "")
			if err != nil {
				return fmt.Errorf("Error listing jobs: %w", err)
			}
			var inprogress, done []string
			for _, j := range jobStatuses(objs) {
				if j.done {
					done = append(done, j.name)
				} else {
					inprogress = append(inprogress, j.name)
				}
			}
			fmt.Fprintln(out, "\n# Jobs not completed")
			for _, j := range inprogress {
				fmt.Fprintln(out, j)
			}
			fmt.Fprintln(out, "\n# Jobs done")
			for _, j := range done {
				fmt.Fprintln(out, j)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&nojobs, "nojobs", false, "do not list jobs, which can take some time")
	return cmd
}

func printInstances(out io.Writer, details []cistem.InstanceDetails) {
	for _, i := range details {
		fmt.Fprintf(out, "ID: %s, Type: %s, LaunchTime: %s, State: %s", i.Id, i.Type, i.LaunchTime, i.State)
		if i.Name != "" {
			fmt.Fprintf(out, ", Name: %s", i.Name)
		}
		if i.Ip != "" {
			fmt.Fprintf(out, ", IP: %s", i.Ip)
		}
		if i.Spot != "" {
			fmt.Fprintf(out, ", SpotRequest: %s", i.Spot)
		}
		fmt.Fprintln(out)
	}
}

func (a *app) workersCmd() *cobra.Command {
	var start int
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "List or start cistempipeline worker machines",
		Long: `List the worker machines, or with --start request that many new spot
instances, which run cistempipeline when they boot.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := a.connect()
			if err != nil {
				return err
			}
			im, ok := conn.(InstanceManager)
			if !ok {
				return fmt.Errorf("Workers can only be managed with aws storage")
			}
			if start > 0 {
				err = im.StartInstances(start)
				if err != nil {
					return fmt.Errorf("Failed to start spot instances: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Spot instance request sent successfully")
				return nil
			}
			details, err := im.GetInstanceDetails()
			if err != nil {
				return fmt.Errorf("Error getting instance details: %w", err)
			}
			printInstances(cmd.OutOrStdout(), details)
			return nil
		},
	}
	cmd.Flags().IntVar(&start, "start", 0, "number of spot instances to start")
	return cmd
}
