// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package unblur

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Working directories, relative to the run directory
const (
	ExtraDir = "extra"
	TmpDir   = "tmp"
)

// Result files, relative to the run directory
const (
	SetName    = "micrographs.sqlite"
	ReportName = "unblur.pdf"
)

// thumbnailScale is how much micrographs are shrunk for thumbnails
const thumbnailScale = 0.25

func movieRoot(movie string) string {
	base := filepath.Base(movie)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// linkName is the name a movie is linked as in its folder. unblur
// only recognises the .tif extension.
func linkName(movie string) string {
	base := filepath.Base(movie)
	if strings.EqualFold(filepath.Ext(base), ".tiff") {
		return strings.TrimSuffix(base, filepath.Ext(base)) + ".tif"
	}
	return base
}

func movieDir(id int) string {
	return filepath.Join(TmpDir, fmt.Sprintf("movie_%06d", id))
}

func movieLog(id int) string {
	return fmt.Sprintf("movie_%06d_shifts.txt", id)
}

// MicFile is the aligned micrograph of a movie
func MicFile(root string, doseFilter bool) string {
	if doseFilter {
		return filepath.Join(ExtraDir, root+"_aligned_mic_DW.mrc")
	}
	return filepath.Join(ExtraDir, root+"_aligned_mic.mrc")
}

// ShiftsFile is the unblur log of a movie, holding its shifts
func ShiftsFile(root string) string {
	return filepath.Join(ExtraDir, root+"_shifts.txt")
}

// PlotFile is the graph of a movie's global shifts
func PlotFile(root string) string {
	return filepath.Join(ExtraDir, root+"_global_shifts.png")
}

// ThumbnailFile is the thumbnail of a movie's aligned micrograph
func ThumbnailFile(root string) string {
	return filepath.Join(ExtraDir, root+"_thumbnail.png")
}

// CommandFile is the saved command which aligned a movie
func CommandFile(root string) string {
	return filepath.Join(ExtraDir, root+"_unblur.sh")
}
