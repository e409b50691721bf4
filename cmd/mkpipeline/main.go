// Copyright 2019 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// mkpipeline sets up the storage bucket and the protocol queues for
// the cistem pipeline.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"rescribe.xyz/cistem"
)

const usage = `Usage: mkpipeline [-r region]

Sets up the storage bucket for jobs and a queue for each protocol
(refine2d, unblur and resample) in AWS.
`

type MkPipeliner interface {
	MinimalInit() error
	MkPipeline() error
}

func main() {
	region := flag.String("r", "eu-west-2", "aws region")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 0 {
		flag.Usage()
		os.Exit(1)
	}

	var conn MkPipeliner
	conn = &cistem.AwsConn{Region: *region, Logger: log.New(os.Stdout, "", 0)}
	err := conn.MinimalInit()
	if err != nil {
		log.Fatalln("Failed to set up cloud connection:", err)
	}

	err = conn.MkPipeline()
	if err != nil {
		log.Fatalln("MkPipeline failed:", err)
	}
}
