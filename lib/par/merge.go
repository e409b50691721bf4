// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package par

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// MissingBlockError is returned by MergeBlocks when the output of
// a block is not present, which means the process responsible for
// it failed.
type MissingBlockError struct {
	Block int
	Path  string
}

func (e *MissingBlockError) Error() string {
	return fmt.Sprintf("Parameter file %s for block %d does not exist", e.Path, e.Block)
}

// MergeBlocks combines the per-block parameter tables into a single
// table at out, with the header appearing once at the top and the
// rows kept in block order. The block files are removed once the
// merged table is in place. With a single block the file is simply
// moved.
//
// All block files are checked before anything is written, so a
// missing block never results in a partially merged table.
func MergeBlocks(out string, blocks []string) error {
	if len(blocks) == 0 {
		return fmt.Errorf("No parameter blocks to merge into %s", out)
	}
	for i, b := range blocks {
		_, err := os.Stat(b)
		if os.IsNotExist(err) {
			return &MissingBlockError{Block: i + 1, Path: b}
		}
		if err != nil {
			return fmt.Errorf("Error checking block %d: %w", i+1, err)
		}
	}

	if len(blocks) == 1 {
		err := os.Rename(blocks[0], out)
		if err != nil {
			return fmt.Errorf("Failed to move %s to %s: %w", blocks[0], out, err)
		}
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(out), filepath.Base(out)+".*.tmp")
	if err != nil {
		return fmt.Errorf("Error creating merged parameter file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	w := bufio.NewWriter(tmp)
	_, err = w.WriteString(Header)
	if err != nil {
		return fmt.Errorf("Error writing merged parameter file: %w", err)
	}
	for i, b := range blocks {
		err = copyRows(w, b)
		if err != nil {
			return fmt.Errorf("Error merging block %d: %w", i+1, err)
		}
	}
	err = w.Flush()
	if err != nil {
		return fmt.Errorf("Error writing merged parameter file: %w", err)
	}
	err = tmp.Close()
	if err != nil {
		return fmt.Errorf("Error closing merged parameter file: %w", err)
	}
	err = os.Rename(tmp.Name(), out)
	if err != nil {
		return fmt.Errorf("Failed to move merged parameter file to %s: %w", out, err)
	}

	for _, b := range blocks {
		err = os.Remove(b)
		if err != nil {
			return fmt.Errorf("Failed to remove block file %s: %w", b, err)
		}
	}
	return nil
}

// copyRows copies every non-comment line of the table at path to w
func copyRows(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 && !isComment(line) {
			if line[len(line)-1] != '\n' {
				line += "\n"
			}
			_, werr := io.WriteString(w, line)
			if werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
