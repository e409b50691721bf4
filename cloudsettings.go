// Copyright 2020 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package cistem

// This file contains various cloud account specific stuff; change this if
// you want to use the cloud functionality on your own site.

// Spot instance details. The image should have the cisTEM binaries
// installed and cistempipeline set to start on boot.
const (
	spotProfile = "arn:aws:iam::557852942063:instance-profile/pipeliner"
	spotImage   = "ami-0bc6ef6900f6da5d3"
	spotType    = "c5.4xlarge"
	spotSg      = "sg-0be8a3ab89e7136b9"
)

// Queue names
const (
	queueRefine2D = "cistemrefine2d"
	queueUnblur   = "cistemunblur"
	queueResample = "cistemresample"
)

// Storage bucket names
const (
	storageWip = "cisteminprogress"
)
