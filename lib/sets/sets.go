// Copyright 2026 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// Package sets writes the sqlite databases that hold the outputs of
// a protocol run: classes, particles, micrographs and tilt series.
// Each database has a Properties table describing the set, and one
// table per kind of item.
package sets

import (
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

// Column types
const (
	Text    = "TEXT"
	Integer = "INTEGER"
	Real    = "REAL"
)

// KindKey is the property holding the kind of set
const KindKey = "self"

// IdColumn is the primary key of every item table
const IdColumn = "id"

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type queryer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Prepare(query string) (*sql.Stmt, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Set is an open set database. Sets being created are written in a
// single transaction, which is committed by Close.
type Set struct {
	Path  string
	db    *sql.DB
	tx    *sql.Tx
	q     queryer
	stmts []*sql.Stmt
}

// Column describes one column of an item table
type Column struct {
	Name string
	Type string
}

// Table is an item table that rows can be appended to
type Table struct {
	Name    string
	Columns []Column
	stmt    *sql.Stmt
}

func checkName(name string) error {
	if !identifier.MatchString(name) {
		return fmt.Errorf("Invalid name %q", name)
	}
	return nil
}

// Create makes a new set database at path, replacing any existing
// file, and records its kind and properties.
func Create(path string, kind string, props map[string]string) (*Set, error) {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("Error removing old set %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("Error opening set %s: %w", path, err)
	}
	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("Error starting transaction on %s: %w", path, err)
	}
	s := &Set{Path: path, db: db, tx: tx, q: tx}

	_, err = tx.Exec(`CREATE TABLE Properties (key TEXT PRIMARY KEY, value TEXT)`)
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("Error creating properties of %s: %w", path, err)
	}

	keys := []string{KindKey}
	values := map[string]string{KindKey: kind}
	for k, v := range props {
		if k == KindKey {
			continue
		}
		keys = append(keys, k)
		values[k] = v
	}
	sort.Strings(keys[1:])
	for _, k := range keys {
		_, err = tx.Exec(`INSERT INTO Properties (key, value) VALUES (?, ?)`, k, values[k])
		if err != nil {
			s.abort()
			return nil, fmt.Errorf("Error setting property %s of %s: %w", k, path, err)
		}
	}
	return s, nil
}

// Open opens an existing set database for reading
func Open(path string) (*Set, error) {
	_, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("Error opening set %s: %w", path, err)
	}
	return &Set{Path: path, db: db, q: db}, nil
}

func (s *Set) abort() {
	if s.tx != nil {
		_ = s.tx.Rollback()
	}
	_ = s.db.Close()
}

// Table creates an item table with the given columns. An integer
// column named id becomes the primary key, otherwise an automatic id
// column is added first.
func (s *Set) Table(name string, cols []Column) (*Table, error) {
	err := checkName(name)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("Table %s has no columns", name)
	}
	var defs, names, marks []string
	autoId := true
	for _, c := range cols {
		err = checkName(c.Name)
		if err != nil {
			return nil, err
		}
		switch c.Type {
		case Text, Integer, Real:
		default:
			return nil, fmt.Errorf("Invalid type %q for column %s", c.Type, c.Name)
		}
		def := c.Name + " " + c.Type
		if c.Name == IdColumn {
			if c.Type != Integer {
				return nil, fmt.Errorf("Column %s of %s must be %s", IdColumn, name, Integer)
			}
			def += " PRIMARY KEY"
			autoId = false
		}
		defs = append(defs, def)
		names = append(names, c.Name)
		marks = append(marks, "?")
	}

	if autoId {
		defs = append([]string{IdColumn + " INTEGER PRIMARY KEY AUTOINCREMENT"}, defs...)
	}
	_, err = s.q.Exec(fmt.Sprintf(`CREATE TABLE %s (%s)`, name, strings.Join(defs, ", ")))
	if err != nil {
		return nil, fmt.Errorf("Error creating table %s in %s: %w", name, s.Path, err)
	}
	stmt, err := s.q.Prepare(fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
		name, strings.Join(names, ", "), strings.Join(marks, ", ")))
	if err != nil {
		return nil, fmt.Errorf("Error preparing insert into %s: %w", name, err)
	}
	s.stmts = append(s.stmts, stmt)
	return &Table{Name: name, Columns: cols, stmt: stmt}, nil
}

// Append adds a row, with one value per column
func (t *Table) Append(values ...interface{}) error {
	if len(values) != len(t.Columns) {
		return fmt.Errorf("Got %d values for the %d columns of %s", len(values), len(t.Columns), t.Name)
	}
	_, err := t.stmt.Exec(values...)
	if err != nil {
		return fmt.Errorf("Error adding row to %s: %w", t.Name, err)
	}
	return nil
}

// Property returns the value of a property of the set
func (s *Set) Property(key string) (string, error) {
	var v string
	err := s.q.QueryRow(`SELECT value FROM Properties WHERE key = ?`, key).Scan(&v)
	if err != nil {
		return "", fmt.Errorf("Error reading property %s of %s: %w", key, s.Path, err)
	}
	return v, nil
}

// Count returns the number of rows in a table
func (s *Set) Count(table string) (int, error) {
	err := checkName(table)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.q.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("Error counting %s in %s: %w", table, s.Path, err)
	}
	return n, nil
}

// Sum returns the sum of a numeric column of a table
func (s *Set) Sum(table, column string) (float64, error) {
	for _, n := range []string{table, column} {
		if err := checkName(n); err != nil {
			return 0, err
		}
	}
	var v sql.NullFloat64
	err := s.q.QueryRow(fmt.Sprintf(`SELECT SUM(%s) FROM %s`, column, table)).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("Error summing %s.%s in %s: %w", table, column, s.Path, err)
	}
	return v.Float64, nil
}

// Close commits a set being created, and closes the database
func (s *Set) Close() error {
	for _, st := range s.stmts {
		_ = st.Close()
	}
	s.stmts = nil
	if s.tx != nil {
		err := s.tx.Commit()
		s.tx = nil
		if err != nil {
			_ = s.db.Close()
			return fmt.Errorf("Error committing set %s: %w", s.Path, err)
		}
	}
	return s.db.Close()
}
