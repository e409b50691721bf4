// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"rescribe.xyz/cistem"
	"rescribe.xyz/cistem/internal/config"
	"rescribe.xyz/cistem/internal/pipeline"
)

// Conn is what the commands need of a storage and queue connection
type Conn interface {
	pipeline.Pipeliner
	GetQueueDetails(url string) (string, string, error)
	ListObjectsWithMeta(bucket string, prefix string) ([]cistem.ObjMeta, error)
	DeletePrefix(bucket string, prefix string) error
}

// app holds the state shared by the commands, set up before any of
// them run
type app struct {
	v       *viper.Viper
	cfg     *config.Config
	logger  *zap.Logger
	cfgFile string
	verbose bool
	conn    string
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "cistem",
		Short: "Run cisTEM protocols",
		Long: `cistem runs cisTEM protocols: 2D classification with refine2d,
movie alignment with unblur, and tilt series resampling.

A protocol runs on a job directory holding a job.yaml file, which
names the protocol and sets its parameters, plus the input files it
refers to. Jobs can be run directly, or submitted to the queues
watched by cistempipeline workers.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is "+config.File()+")")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose logging")
	root.PersistentFlags().StringVar(&a.conn, "conn", "", "storage and queues to use: local or aws (default from config)")
	_ = a.v.BindPFlag("verbose", root.PersistentFlags().Lookup("verbose"))
	_ = a.v.BindPFlag("storage", root.PersistentFlags().Lookup("conn"))

	root.AddCommand(
		a.protocolCmd(pipeline.Refine2D, "Classify particles in 2D"),
		a.protocolCmd(pipeline.Unblur, "Align movie frames"),
		a.protocolCmd(pipeline.Resample, "Resample tilt series"),
		a.scheduleCmd(),
		a.blocksCmd(),
		a.summaryCmd(),
		a.watchCmd(),
		a.submitCmd(),
		a.getCmd(),
		a.statusCmd(),
		a.workersCmd(),
		a.queueCmd(),
		a.rmCmd(),
	)
	return root
}

// setup reads the config and builds the logger
func (a *app) setup(cmd *cobra.Command) error {
	err := config.Init(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	a.cfg, err = config.Load(a.v)
	if err != nil {
		return err
	}
	a.logger, err = config.Logger(a.cfg.Verbose)
	if err != nil {
		return err
	}
	return nil
}

// connect sets up the configured storage and queues
func (a *app) connect() (Conn, error) {
	return a.connectWith(config.StdLog(a.logger, a.cfg.Verbose))
}

// connectWith sets up the configured storage and queues, logging to
// logger
func (a *app) connectWith(logger *log.Logger) (Conn, error) {
	var c Conn
	switch a.cfg.Storage {
	case config.StorageAWS:
		c = &cistem.AwsConn{Region: a.cfg.AWS.Region, Logger: logger}
	case config.StorageLocal:
		c = &cistem.LocalConn{Logger: logger}
	default:
		return nil, fmt.Errorf("Unknown storage %s", a.cfg.Storage)
	}
	err := c.Init()
	if err != nil {
		return nil, fmt.Errorf("Error setting up %s connection: %w", a.cfg.Storage, err)
	}
	return c, nil
}
