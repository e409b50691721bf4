// Copyright 2020 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

/*
The cistem package contains tools and functions for running cisTEM
protocols on cryo-EM data: 2D classification of particles (refine2d),
movie frame alignment (unblur) and tilt-series resampling (resample).
The numerical work is done by the cisTEM programs themselves; this
package prepares their inputs, drives them through their interactive
prompts, runs them in parallel and registers their results.

# Introduction

Each cisTEM program asks a series of questions on the terminal, and is
driven by writing the answers to its standard input, one per line. A
protocol builds these answers from a job specification, writes the input
files the program expects (particle stacks, parameter tables), runs the
program, checks its outputs and turns them into result files: sqlite
sets, STAR files, graphs and a PDF report.

Jobs can be run directly on the local computer with the cistem command,
or queued to be run by cistempipeline workers, which can be short-lived
servers on Amazon's EC2 system, with job directories kept in S3 and a
queue in SQS for each protocol.

Presuming you have the go tools installed, you can install the commands
with:

	go install rescribe.xyz/cistem/cmd/...

All of the commands give information on what they do and how they work
with the '-h' flag.

# Job directories

A job is a directory containing a job.yaml file, which names the
protocol to run and its parameters, and the input files it refers to,
with paths relative to the job directory. For example:

	protocol: refine2d
	input_particles: particles.star
	number_of_classes: 20
	number_of_cycles: 25

A job can be run locally like this:

	cistem refine2d MyJob/

The cisTEM programs are found in the directory set by the cistem.home
configuration key, or in $PATH.

2D classification

The refine2d protocol classifies particles over a number of iterations.
The first iteration makes initial class averages from a fraction of the
particles. Each later iteration splits the particles into blocks which
are refined in parallel, one refine2d process per block, and then merges
the blocks' parameter tables and class dumps with merge2d. The high
resolution limit is lowered, and the fraction of particles used raised,
as the iterations go on; the schedule for a run can be seen with:

	cistem schedule --classes 20 --particles 10000 --iterations 25

A finished or stopped run can be continued from any completed iteration
by a new run with the continue option set.

# Queues

Queue names are defined in cloudsettings.go. A message on any queue
contains only a job name, which is the prefix of the job directory in
the storage bucket. A job is added to the queue for its protocol with:

	cistem submit MyJob/

When a job is taken from the queue by a process, it is hidden from the
queue for 4 minutes so that no other process can take it. Once per
minute when processing a job the process sends a message updating the
queue, to tell it to keep the job hidden. This is called the
"heartbeat", as if the process fails for any reason the heartbeat will
stop, and the job will reappear on the queue for another process to
have a go at. Once a job is completed it is deleted from the queue, and
the results are in the storage bucket alongside the inputs, where they
can be downloaded with:

	cistem get MyJob

The jobs waiting on a queue can be listed, cleared out, or removed by
name prefix, and a job's files deleted from storage:

	cistem queue log refine2d
	cistem queue trim refine2d MyJob
	cistem rm MyJob

# Managing servers

Spot instances with cistempipeline preinstalled can be started, and the
running ones listed, with the workers command:

	cistem workers --start 2
	cistem workers

The necessary buckets and queues can be created with the mkpipeline
command.

# Local operation

The queue worker can also be run without any cloud services, keeping
queues and storage in a local directory, by passing the '-c local' flag:

	cistem submit --conn local MyJob/
	cistempipeline -v -c local           # run until MyJob has finished
	cistem get --conn local MyJob
*/
package cistem
