// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// Package par reads, writes and merges the fixed width parameter
// tables (.par files) used by the cisTEM refine2d program.
package par

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Header is the first line of every parameter table. Any line
// starting with "C" is treated as a comment by cisTEM.
const Header = "C           PSI   THETA     PHI       SHX       SHY     MAG  " +
	"FILM      DF1      DF2  ANGAST  PSHIFT     OCC      LogP" +
	"      SIGMA   SCORE  CHANGE\n"

// rowFormat must match byte for byte what refine2d expects
const rowFormat = "%7d%8.2f%8.2f%8.2f%10.2f%10.2f%8d%6d%9.1f%9.1f" +
	"%8.2f%8.2f%8.2f%10d%11.4f%8.2f%8.2f\n"

// Columns lists the column names in table order
var Columns = []string{"C", "PSI", "THETA", "PHI", "SHX", "SHY", "MAG",
	"FILM", "DF1", "DF2", "ANGAST", "PSHIFT", "OCC", "LogP", "SIGMA",
	"SCORE", "CHANGE"}

// minFields is the number of columns needed to make a row; CHANGE
// is not always written by older versions of refine2d.
const minFields = 16

// Row is one particle record. Shifts are in Angstroms, angles in
// degrees. Film holds the class assignment once classification has
// run.
type Row struct {
	Position   int
	Psi        float64
	Theta      float64
	Phi        float64
	ShiftX     float64
	ShiftY     float64
	Mag        int
	Film       int
	DefocusU   float64
	DefocusV   float64
	Astig      float64
	PhaseShift float64
	Occupancy  float64
	LogP       int
	Sigma      float64
	Score      float64
	Change     float64
}

// String formats the row as a line of a parameter table
func (r Row) String() string {
	return fmt.Sprintf(rowFormat, r.Position, r.Psi, r.Theta, r.Phi,
		r.ShiftX, r.ShiftY, r.Mag, r.Film, r.DefocusU, r.DefocusV,
		r.Astig, r.PhaseShift, r.Occupancy, r.LogP, r.Sigma, r.Score,
		r.Change)
}

// InitialRow returns the row written for a particle before any
// classification has happened.
func InitialRow(position int, psi, defocusU, defocusV, astig, phaseShift float64) Row {
	return Row{
		Position:   position,
		Psi:        psi,
		DefocusU:   defocusU,
		DefocusV:   defocusV,
		Astig:      astig,
		PhaseShift: phaseShift,
		Occupancy:  100,
		Sigma:      10,
	}
}

// Writer writes a parameter table, adding the header before the
// first row.
type Writer struct {
	w             *bufio.Writer
	headerWritten bool
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) writeHeader() error {
	if w.headerWritten {
		return nil
	}
	w.headerWritten = true
	_, err := w.w.WriteString(Header)
	return err
}

// Write adds a row to the table
func (w *Writer) Write(r Row) error {
	err := w.writeHeader()
	if err != nil {
		return err
	}
	_, err = w.w.WriteString(r.String())
	return err
}

// Flush writes any buffered data, including the header if no rows
// were written.
func (w *Writer) Flush() error {
	err := w.writeHeader()
	if err != nil {
		return err
	}
	return w.w.Flush()
}

// WriteFile writes rows to a new table at path
func WriteFile(path string, rows []Row) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("Error creating parameter file %s: %w", path, err)
	}
	defer f.Close()

	w := NewWriter(f)
	for _, r := range rows {
		err = w.Write(r)
		if err != nil {
			return fmt.Errorf("Error writing parameter file %s: %w", path, err)
		}
	}
	err = w.Flush()
	if err != nil {
		return fmt.Errorf("Error writing parameter file %s: %w", path, err)
	}
	return f.Close()
}

// ParseRow parses a single data line of a parameter table
func ParseRow(line string) (Row, error) {
	fields := strings.Fields(line)
	if len(fields) < minFields {
		return Row{}, fmt.Errorf("Expected at least %d fields, got %d", minFields, len(fields))
	}
	v := make([]float64, len(Columns))
	for i := 0; i < len(fields) && i < len(Columns); i++ {
		f, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return Row{}, fmt.Errorf("Error parsing column %s: %w", Columns[i], err)
		}
		v[i] = f
	}
	return Row{
		Position:   int(v[0]),
		Psi:        v[1],
		Theta:      v[2],
		Phi:        v[3],
		ShiftX:     v[4],
		ShiftY:     v[5],
		Mag:        int(v[6]),
		Film:       int(v[7]),
		DefocusU:   v[8],
		DefocusV:   v[9],
		Astig:      v[10],
		PhaseShift: v[11],
		Occupancy:  v[12],
		LogP:       int(v[13]),
		Sigma:      v[14],
		Score:      v[15],
		Change:     v[16],
	}, nil
}

// isComment reports whether a line is a header or comment line
func isComment(line string) bool {
	return strings.HasPrefix(line, "C")
}

// Read parses all data rows in a parameter table, skipping comments
// and blank lines.
func Read(r io.Reader) ([]Row, error) {
	var rows []Row
	s := bufio.NewScanner(r)
	n := 0
	for s.Scan() {
		n++
		line := s.Text()
		if isComment(line) || strings.TrimSpace(line) == "" {
			continue
		}
		row, err := ParseRow(line)
		if err != nil {
			return rows, fmt.Errorf("Line %d: %w", n, err)
		}
		rows = append(rows, row)
	}
	return rows, s.Err()
}

// ReadFile parses all data rows in the parameter table at path
func ReadFile(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	rows, err := Read(f)
	if err != nil {
		return rows, fmt.Errorf("Error reading parameter file %s: %w", path, err)
	}
	return rows, nil
}
