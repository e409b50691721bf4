// Copyright 2019 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// cistempipeline is the main program for running cisTEM jobs from
// the queues of a pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"rescribe.xyz/cistem"
	"rescribe.xyz/cistem/internal/config"
	"rescribe.xyz/cistem/internal/pipeline"
	"rescribe.xyz/cistem/refine2d"
	"rescribe.xyz/cistem/resample"
	"rescribe.xyz/cistem/unblur"
)

const usage = `Usage: cistempipeline [-v] [-c conn] [-config file] [-nr] [-nu] [-ns] [-autoshutdown] [-autostop]

Watches the refine2d, unblur and resample queues for jobs. When one
is found this general process is followed:

- The job name is hidden from the queue, and a 'heartbeat' is
  started which keeps it hidden (this will time out after 2 minutes
  if the program is terminated)
- The files of the job are downloaded from jobname/
- The protocol named in the job file is run
- The files it created or changed are uploaded to jobname/
- The heartbeat is stopped
- The job name is removed from the queue it was taken from

If the protocol fails the job is removed from the queue too, as it
will fail again, and an email is sent if mail settings are found in
~/.config/cistem/mailsettings.
`

const PauseBetweenChecks = 1 * time.Minute
const TimeBeforeShutdown = 5 * time.Minute
const TimeBetweenLogSaves = 10 * time.Minute

// queue is a protocol queue the pipeline takes jobs from
type queue struct {
	name    string
	id      string
	process func(context.Context, chan string, chan string, chan error, *log.Logger)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func main() {
	verbose := flag.Bool("v", false, "verbose")
	conntype := flag.String("c", "", "connection type ('aws' or 'local'), default from the config")
	cfgfile := flag.String("config", "", "config file (default is "+config.File()+")")
	norefine2d := flag.Bool("nr", false, "disable refine2d")
	nounblur := flag.Bool("nu", false, "disable unblur")
	noresample := flag.Bool("ns", false, "disable resample")
	autoshutdown := flag.Bool("autoshutdown", false, "automatically shut down if no work has been available for 5 minutes")
	autostop := flag.Bool("autostop", false, "automatically stop process if no work has been available for 5 minutes")

	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	v := viper.New()
	err := config.Init(v, *cfgfile)
	if err != nil {
		log.Fatalln(err)
	}
	if *verbose {
		v.Set("verbose", true)
	}
	if *conntype != "" {
		v.Set("storage", *conntype)
	}
	cfg, err := config.Load(v)
	if err != nil {
		log.Fatalln(err)
	}
	logger, err := config.Logger(cfg.Verbose)
	if err != nil {
		log.Fatalln(err)
	}
	defer logger.Sync()
	verboselog := config.StdLog(logger, cfg.Verbose)

	var conn pipeline.Pipeliner
	switch cfg.Storage {
	case config.StorageAWS:
		conn = &cistem.AwsConn{Region: cfg.AWS.Region, Logger: verboselog}
	case config.StorageLocal:
		conn = &cistem.LocalConn{Logger: verboselog}
	}

	verboselog.Println("Setting up", cfg.Storage, "connection")
	err = conn.Init()
	if err != nil {
		log.Fatalln("Error setting up cloud connection:", err)
	}
	verboselog.Println("Finished setting up", cfg.Storage, "connection")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progs := cfg.Programs()
	runner := pipeline.ExecRunner{Logger: logger}
	var stdout, stderr io.Writer
	if cfg.Verbose {
		stdout, stderr = os.Stdout, os.Stderr
	}
	refine2dq := queue{pipeline.Refine2D, conn.Refine2DQueueId(), pipeline.Protocol(refine2d.Runner(progs, runner, logger, stdout, stderr))}
	unblurq := queue{pipeline.Unblur, conn.UnblurQueueId(), pipeline.Protocol(unblur.Runner(progs, runner, logger, stdout, stderr))}
	resampleq := queue{pipeline.Resample, conn.ResampleQueueId(), pipeline.Protocol(resample.Runner(progs, runner, logger))}

	var checkRefine2DQueue <-chan time.Time
	var checkUnblurQueue <-chan time.Time
	var checkResampleQueue <-chan time.Time
	if !*norefine2d {
		checkRefine2DQueue = time.After(0)
	}
	if !*nounblur {
		checkUnblurQueue = time.After(0)
	}
	if !*noresample {
		checkResampleQueue = time.After(0)
	}

	var hostname string
	hostname, err = os.Hostname()
	if err != nil {
		log.Fatalf("Couldn't get hostname: %v", err)
	}
	starttime := time.Now().Unix()

	shutdownIfQuiet := time.NewTimer(TimeBeforeShutdown)
	// logs are kept by journald on the workers, so are only saved to
	// storage from there
	var savelognow <-chan time.Time
	if cfg.Storage == config.StorageAWS {
		t := time.NewTicker(TimeBetweenLogSaves)
		defer t.Stop()
		savelognow = t.C
	}

	for {
		select {
		case <-ctx.Done():
			log.Println("Stopping:", ctx.Err())
			return
		case <-checkRefine2DQueue:
			checkRefine2DQueue = processQueue(ctx, conn, refine2dq, verboselog, logger, shutdownIfQuiet)
		case <-checkUnblurQueue:
			checkUnblurQueue = processQueue(ctx, conn, unblurq, verboselog, logger, shutdownIfQuiet)
		case <-checkResampleQueue:
			checkResampleQueue = processQueue(ctx, conn, resampleq, verboselog, logger, shutdownIfQuiet)
		case <-savelognow:
			verboselog.Println("Saving logs")
			err = pipeline.SaveLogs(conn, starttime, hostname)
			if err != nil {
				log.Println("Error saving logs", err)
			}
		case <-shutdownIfQuiet.C:
			if !*autoshutdown && !*autostop {
				continue
			}
			if *autostop {
				log.Println("No work has been available for some time, so stopping")
				return
			}
			log.Println("Shutting down")
			if cfg.Storage == config.StorageAWS {
				_ = pipeline.SaveLogs(conn, starttime, hostname)
			}
			cmd := exec.Command("sudo", "systemctl", "poweroff")
			var stdout, stderr strings.Builder
			cmd.Stdout = &stdout
			cmd.Stderr = &stderr
			err := cmd.Run()
			if err != nil {
				log.Printf("Error shutting down, error: %v, stdout: %v, stderr: %v\n", err, stdout.String(), stderr.String())
			}
		}
	}
}

// processQueue checks a queue and processes the job found, if any,
// returning when the queue should next be checked
func processQueue(ctx context.Context, conn pipeline.Pipeliner, q queue, verboselog *log.Logger, logger *zap.Logger, shutdownIfQuiet *time.Timer) <-chan time.Time {
	msg, err := conn.CheckQueue(q.id, pipeline.HeartbeatSeconds*2)
	if err != nil {
		log.Println("Error checking", q.name, "queue", err)
		return time.After(PauseBetweenChecks)
	}
	if msg.Handle == "" {
		verboselog.Println("No message received on", q.name, "queue, sleeping")
		return time.After(PauseBetweenChecks)
	}
	stopTimer(shutdownIfQuiet)
	verboselog.Println("Message received on", q.name, "queue, processing", msg.Body)
	err = pipeline.ProcessJob(ctx, msg, conn, q.process, q.id, "")
	shutdownIfQuiet.Reset(TimeBeforeShutdown)
	if err != nil {
		logger.Error("Error processing job", zap.String("protocol", q.name), zap.String("job", msg.Body), zap.Error(err))
	}
	// check the same queue again straight away, as there may well be
	// more jobs waiting
	return time.After(0)
}
