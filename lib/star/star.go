// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// Package star reads and writes the STAR metadata files used to
// describe particles, as written by RELION and most other cryo-EM
// packages. Only the subset needed to feed and collect cisTEM runs
// is supported: data blocks, loops and simple key value pairs.
package star

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Table is a single data block. Key value blocks are represented
// as a table with one row.
type Table struct {
	Name   string
	Labels []string
	Rows   [][]string
	Loop   bool
}

// File is a list of data blocks in the order they appear
type File struct {
	Tables []*Table
}

// Column returns the index of a label, or -1 if it is not present
func (t *Table) Column(label string) int {
	for i, l := range t.Labels {
		if l == label {
			return i
		}
	}
	return -1
}

// Value returns the value of a label in a row, and whether it was
// present
func (t *Table) Value(row int, label string) (string, bool) {
	c := t.Column(label)
	if c == -1 || row >= len(t.Rows) || c >= len(t.Rows[row]) {
		return "", false
	}
	return t.Rows[row][c], true
}

// SetColumn replaces the values of a label, adding the column if
// it does not exist yet.
func (t *Table) SetColumn(label string, values []string) error {
	if len(values) != len(t.Rows) {
		return fmt.Errorf("Column %s has %d values for %d rows", label, len(values), len(t.Rows))
	}
	c := t.Column(label)
	if c == -1 {
		t.Labels = append(t.Labels, label)
		for i := range t.Rows {
			t.Rows[i] = append(t.Rows[i], values[i])
		}
		return nil
	}
	for i := range t.Rows {
		t.Rows[i][c] = values[i]
	}
	return nil
}

// Table returns the data block with the given name (without the
// data_ prefix), or nil.
func (f *File) Table(name string) *Table {
	for _, t := range f.Tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// Read parses a STAR file
func Read(r io.Reader) (*File, error) {
	f := &File{}
	var cur *Table
	inLoop := false
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 16*1024*1024)
	n := 0
	for s.Scan() {
		n++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		switch {
		case strings.HasPrefix(line, "data_"):
			cur = &Table{Name: strings.TrimPrefix(line, "data_")}
			f.Tables = append(f.Tables, cur)
			inLoop = false
		case line == "loop_":
			if cur == nil {
				return nil, fmt.Errorf("Line %d: loop_ outside of a data block", n)
			}
			cur.Loop = true
			inLoop = true
		case strings.HasPrefix(line, "_"):
			if cur == nil {
				return nil, fmt.Errorf("Line %d: label outside of a data block", n)
			}
			fields := strings.Fields(line)
			label := fields[0]
			if inLoop && len(cur.Rows) == 0 {
				cur.Labels = append(cur.Labels, label)
				continue
			}
			// key value pair
			if len(fields) < 2 {
				return nil, fmt.Errorf("Line %d: no value for %s", n, label)
			}
			inLoop = false
			cur.Labels = append(cur.Labels, label)
			if len(cur.Rows) == 0 {
				cur.Rows = append(cur.Rows, []string{})
			}
			cur.Rows[0] = append(cur.Rows[0], fields[1])
		default:
			if cur == nil || !inLoop {
				return nil, fmt.Errorf("Line %d: unexpected data outside of a loop", n)
			}
			fields := strings.Fields(line)
			if len(fields) != len(cur.Labels) {
				return nil, fmt.Errorf("Line %d: expected %d values, got %d", n, len(cur.Labels), len(fields))
			}
			cur.Rows = append(cur.Rows, fields)
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

// ReadFile parses the STAR file at path
func ReadFile(path string) (*File, error) {
	r, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	f, err := Read(r)
	if err != nil {
		return nil, fmt.Errorf("Error parsing STAR file %s: %w", path, err)
	}
	return f, nil
}

// Write writes a STAR file
func Write(w io.Writer, f *File) error {
	bw := bufio.NewWriter(w)
	for _, t := range f.Tables {
		fmt.Fprintf(bw, "\ndata_%s\n\n", t.Name)
		if !t.Loop {
			for i, l := range t.Labels {
				v := ""
				if len(t.Rows) > 0 && i < len(t.Rows[0]) {
					v = t.Rows[0][i]
				}
				fmt.Fprintf(bw, "%s %s\n", l, v)
			}
			continue
		}
		fmt.Fprintf(bw, "loop_\n")
		for i, l := range t.Labels {
			fmt.Fprintf(bw, "%s #%d\n", l, i+1)
		}
		for _, r := range t.Rows {
			fmt.Fprintf(bw, "%s\n", strings.Join(r, " "))
		}
		fmt.Fprintf(bw, "\n")
	}
	return bw.Flush()
}

// WriteFile writes a STAR file to path
func WriteFile(path string, f *File) error {
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()
	err = Write(w, f)
	if err != nil {
		return fmt.Errorf("Error writing STAR file %s: %w", path, err)
	}
	return w.Close()
}
