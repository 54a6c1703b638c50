// Package ingest loads cohort source files into the relational store.
// Sources arrive as CSV or parquet, one file per table; a load is a
// full refresh of every table it touches.
package ingest

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// timeLayouts are the timestamp shapes cohort extracts show up with.
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02",
}

// source wraps one CSV file with its header already mapped. Column
// lookup is case-insensitive, and every parse failure names the table,
// row and column it came from.
type source struct {
	table  string
	file   *os.File
	reader *csv.Reader
	colIdx map[string]int
	row    int64 // 1-based data row, header excluded
}

func openCSV(path, table string) (*source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: table %q: %w", table, err)
	}

	buf := bufio.NewReaderSize(f, 256*1024)
	if bom, err := buf.Peek(3); err == nil && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		buf.Discard(3)
	}

	r := csv.NewReader(buf)
	r.LazyQuotes = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("ingest: table %q: read header: %w", table, err)
	}

	colIdx := make(map[string]int, len(header))
	for i, name := range header {
		colIdx[strings.ToLower(strings.TrimSpace(name))] = i
	}

	return &source{table: table, file: f, reader: r, colIdx: colIdx}, nil
}

func (s *source) Close() error { return s.file.Close() }

func (s *source) requireColumns(cols ...string) error {
	for _, col := range cols {
		if _, ok := s.colIdx[col]; !ok {
			return fmt.Errorf("ingest: table %q: missing column %q", s.table, col)
		}
	}
	return nil
}

// next returns the following non-blank data row, or io.EOF.
func (s *source) next() ([]string, error) {
	for {
		rec, err := s.reader.Read()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("ingest: table %q row %d: %w", s.table, s.row+1, err)
		}
		s.row++

		blank := true
		for _, cell := range rec {
			if strings.TrimSpace(cell) != "" {
				blank = false
				break
			}
		}
		if blank {
			continue
		}
		return rec, nil
	}
}

func (s *source) cell(rec []string, col string) string {
	i, ok := s.colIdx[col]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// optStr keeps the raw cell, empty meaning null.
func (s *source) optStr(rec []string, col string) *string {
	v := s.cell(rec, col)
	if v == "" {
		return nil
	}
	return &v
}

// optFloat is forgiving: a cell that does not parse as a number loads
// as null rather than failing the run.
func (s *source) optFloat(rec []string, col string) *float64 {
	v := s.cell(rec, col)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil
	}
	return &f
}

// reqInt parses an identifier column. Identifiers are load-bearing, so
// a missing or malformed one fails the load.
func (s *source) reqInt(rec []string, col string) (int64, error) {
	v := s.cell(rec, col)
	if v == "" {
		return 0, fmt.Errorf("ingest: table %q row %d: column %q: empty identifier", s.table, s.row, col)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ingest: table %q row %d: column %q: %q is not an integer", s.table, s.row, col, v)
	}
	return n, nil
}

func (s *source) reqInt16(rec []string, col string) (int16, error) {
	n, err := s.reqInt(rec, col)
	if err != nil {
		return 0, err
	}
	if n < math.MinInt16 || n > math.MaxInt16 {
		return 0, fmt.Errorf("ingest: table %q row %d: column %q: %d out of range", s.table, s.row, col, n)
	}
	return int16(n), nil
}

func (s *source) optInt(rec []string, col string) (*int64, error) {
	v := s.cell(rec, col)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("ingest: table %q row %d: column %q: %q is not an integer", s.table, s.row, col, v)
	}
	return &n, nil
}

func (s *source) reqStr(rec []string, col string) (string, error) {
	v := s.cell(rec, col)
	if v == "" {
		return "", fmt.Errorf("ingest: table %q row %d: column %q: empty value", s.table, s.row, col)
	}
	return v, nil
}

// optTime accepts an empty cell as null; a non-empty cell matching no
// known layout fails the load.
func (s *source) optTime(rec []string, col string) (*time.Time, error) {
	v := s.cell(rec, col)
	if v == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("ingest: table %q row %d: column %q: %q is not a timestamp", s.table, s.row, col, v)
}

func readPatientsCSV(path, table string) ([]PatientRow, error) {
	src, err := openCSV(path, table)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	if err := src.requireColumns("subject_id", "gender", "dob"); err != nil {
		return nil, err
	}

	var rows []PatientRow
	for {
		rec, err := src.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		var row PatientRow
		if row.SubjectID, err = src.reqInt(rec, "subject_id"); err != nil {
			return nil, err
		}
		row.Gender = src.optStr(rec, "gender")
		if row.DOB, err = src.optTime(rec, "dob"); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func readAdmissionsCSV(path string) ([]AdmissionRow, error) {
	src, err := openCSV(path, "admissions")
	if err != nil {
		return nil, err
	}
	defer src.Close()

	if err := src.requireColumns("subject_id", "hadm_id", "admittime", "dischtime"); err != nil {
		return nil, err
	}

	var rows []AdmissionRow
	for {
		rec, err := src.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		var row AdmissionRow
		if row.SubjectID, err = src.reqInt(rec, "subject_id"); err != nil {
			return nil, err
		}
		if row.HadmID, err = src.reqInt(rec, "hadm_id"); err != nil {
			return nil, err
		}
		if row.AdmitTime, err = src.optTime(rec, "admittime"); err != nil {
			return nil, err
		}
		if row.DischTime, err = src.optTime(rec, "dischtime"); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func readDiagnosesCSV(path string) ([]DiagnosisRow, error) {
	src, err := openCSV(path, "diagnoses")
	if err != nil {
		return nil, err
	}
	defer src.Close()

	if err := src.requireColumns("subject_id", "hadm_id", "icd_code", "icd_version"); err != nil {
		return nil, err
	}

	var rows []DiagnosisRow
	for {
		rec, err := src.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		var row DiagnosisRow
		if row.SubjectID, err = src.reqInt(rec, "subject_id"); err != nil {
			return nil, err
		}
		if row.HadmID, err = src.optInt(rec, "hadm_id"); err != nil {
			return nil, err
		}
		if row.ICDCode, err = src.reqStr(rec, "icd_code"); err != nil {
			return nil, err
		}
		if row.ICDVersion, err = src.reqInt16(rec, "icd_version"); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func readLabEventsCSV(path string) ([]LabEventRow, error) {
	src, err := openCSV(path, "labevents")
	if err != nil {
		return nil, err
	}
	defer src.Close()

	if err := src.requireColumns("subject_id", "itemid", "value", "valuenum"); err != nil {
		return nil, err
	}

	var rows []LabEventRow
	for {
		rec, err := src.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		var row LabEventRow
		if row.SubjectID, err = src.reqInt(rec, "subject_id"); err != nil {
			return nil, err
		}
		if row.ItemID, err = src.reqInt(rec, "itemid"); err != nil {
			return nil, err
		}
		row.Value = src.optStr(rec, "value")
		row.ValueNum = src.optFloat(rec, "valuenum")
		rows = append(rows, row)
	}
	return rows, nil
}

func readICDDimensionCSV(path string) ([]ICDDimensionRow, error) {
	src, err := openCSV(path, "d_icd_diagnoses")
	if err != nil {
		return nil, err
	}
	defer src.Close()

	if err := src.requireColumns("icd_code", "icd_version", "long_title"); err != nil {
		return nil, err
	}

	var rows []ICDDimensionRow
	for {
		rec, err := src.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		var row ICDDimensionRow
		if row.ICDCode, err = src.reqStr(rec, "icd_code"); err != nil {
			return nil, err
		}
		if row.ICDVersion, err = src.reqInt16(rec, "icd_version"); err != nil {
			return nil, err
		}
		row.LongTitle = src.optStr(rec, "long_title")
		rows = append(rows, row)
	}
	return rows, nil
}

func readLabItemsCSV(path string) ([]LabItemRow, error) {
	src, err := openCSV(path, "d_labitems")
	if err != nil {
		return nil, err
	}
	defer src.Close()

	if err := src.requireColumns("itemid", "label"); err != nil {
		return nil, err
	}

	var rows []LabItemRow
	for {
		rec, err := src.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		var row LabItemRow
		if row.ItemID, err = src.reqInt(rec, "itemid"); err != nil {
			return nil, err
		}
		row.Label = src.optStr(rec, "label")
		rows = append(rows, row)
	}
	return rows, nil
}
