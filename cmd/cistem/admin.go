// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/cobra"
	"rescribe.xyz/cistem/internal/pipeline"
)

// QueueAdmin is a connection whose queues can be inspected and
// cleared out
type QueueAdmin interface {
	LogQueue(url string) error
	LogAndPurgeQueue(url string) error
	RemovePrefixesFromQueue(url string, prefix string) error
}

// queueAdmin connects, with the connection logging to the command's
// output so that queue contents are printed
func (a *app) queueAdmin(cmd *cobra.Command) (Conn, QueueAdmin, error) {
	conn, err := a.connectWith(log.New(cmd.OutOrStdout(), "", 0))
	if err != nil {
		return nil, nil, err
	}
	qa, ok := conn.(QueueAdmin)
	if !ok {
		return nil, nil, fmt.Errorf("Queues of %s storage can not be managed", a.cfg.Storage)
	}
	return conn, qa, nil
}

func (a *app) queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the protocol queues",
		Long: `Manage the queues of jobs waiting for each protocol: refine2d, unblur
and resample.`,
	}

	add := &cobra.Command{
		Use:   "add protocol jobname",
		Short: "Add an already uploaded job to a queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := a.connect()
			if err != nil {
				return err
			}
			qid, err := pipeline.QueueFor(args[0], conn)
			if err != nil {
				return err
			}
			err = conn.AddToQueue(qid, args[1])
			if err != nil {
				return fmt.Errorf("Error adding message to %s queue: %w", args[0], err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Added message to the queue.")
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "log protocol",
		Short: "Print every job waiting in a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, qa, err := a.queueAdmin(cmd)
			if err != nil {
				return err
			}
			qid, err := pipeline.QueueFor(args[0], conn)
			if err != nil {
				return err
			}
			return qa.LogQueue(qid)
		},
	}

	purge := &cobra.Command{
		Use:   "purge protocol",
		Short: "Print and remove every job waiting in a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, qa, err := a.queueAdmin(cmd)
			if err != nil {
				return err
			}
			qid, err := pipeline.QueueFor(args[0], conn)
			if err != nil {
				return err
			}
			return qa.LogAndPurgeQueue(qid)
		},
	}

	trim := &cobra.Command{
		Use:   "trim protocol prefix",
		Short: "Remove the jobs in a queue whose names start with prefix",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, qa, err := a.queueAdmin(cmd)
			if err != nil {
				return err
			}
			qid, err := pipeline.QueueFor(args[0], conn)
			if err != nil {
				return err
			}
			return qa.RemovePrefixesFromQueue(qid, args[1])
		},
	}

	cmd.AddCommand(add, show, purge, trim)
	return cmd
}

func (a *app) rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm jobname",
		Short: "Delete every file of a job from storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobname := strings.TrimSuffix(args[0], "/")
			conn, err := a.connect()
			if err != nil {
				return err
			}
			objs, err := conn.ListObjects(conn.WIPStorageId(), jobname+"/")
			if err != nil {
				return fmt.Errorf("Error listing files of job %s: %w", jobname, err)
			}
			if len(objs) == 0 {
				return fmt.Errorf("No files found for job %s", jobname)
			}
			err = conn.DeletePrefix(conn.WIPStorageId(), jobname+"/")
			if err != nil {
				return fmt.Errorf("Error deleting files of job %s: %w", jobname, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d files of job %s\n", len(objs), jobname)
			return nil
		},
	}
}
