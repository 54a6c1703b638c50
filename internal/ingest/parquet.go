package ingest

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
)

// Parquet mirrors of the row types. Columnar extracts carry timestamps
// as strings, so the mirrors stay flat and conversion runs after
// decode through the same layouts the CSV path accepts.

type patientParquet struct {
	SubjectID int64   `parquet:"subject_id"`
	Gender    *string `parquet:"gender,optional"`
	DOB       *string `parquet:"dob,optional"`
}

type admissionParquet struct {
	SubjectID int64   `parquet:"subject_id"`
	HadmID    int64   `parquet:"hadm_id"`
	AdmitTime *string `parquet:"admittime,optional"`
	DischTime *string `parquet:"dischtime,optional"`
}

type diagnosisParquet struct {
	SubjectID  int64  `parquet:"subject_id"`
	HadmID     *int64 `parquet:"hadm_id,optional"`
	ICDCode    string `parquet:"icd_code"`
	ICDVersion int32  `parquet:"icd_version"`
}

type labEventParquet struct {
	SubjectID int64    `parquet:"subject_id"`
	ItemID    int64    `parquet:"itemid"`
	Value     *string  `parquet:"value,optional"`
	ValueNum  *float64 `parquet:"valuenum,optional"`
}

type icdDimensionParquet struct {
	ICDCode    string  `parquet:"icd_code"`
	ICDVersion int32   `parquet:"icd_version"`
	LongTitle  *string `parquet:"long_title,optional"`
}

type labItemParquet struct {
	ItemID int64   `parquet:"itemid"`
	Label  *string `parquet:"label,optional"`
}

const parquetReadBatch = 4096

func readParquetRows[T any](path, table string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: table %q: %w", table, err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[T](f)
	defer reader.Close()

	rows := make([]T, 0, reader.NumRows())
	buf := make([]T, parquetReadBatch)
	for {
		n, readErr := reader.Read(buf)
		rows = append(rows, buf[:n]...)
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return nil, fmt.Errorf("ingest: table %q: read parquet: %w", table, readErr)
		}
	}
	return rows, nil
}

// parquetTime converts a string timestamp column the same way the CSV
// path does: nil stays null, anything unparseable fails the load.
func parquetTime(table, col string, row int, v *string) (*time.Time, error) {
	if v == nil || *v == "" {
		return nil, nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, *v); err == nil {
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("ingest: table %q row %d: column %q: %q is not a timestamp", table, row, col, *v)
}

func parquetVersion(table string, row int, v int32) (int16, error) {
	if v < -32768 || v > 32767 {
		return 0, fmt.Errorf("ingest: table %q row %d: column %q: %d out of range", table, row, "icd_version", v)
	}
	return int16(v), nil
}

func readPatientsParquet(path, table string) ([]PatientRow, error) {
	recs, err := readParquetRows[patientParquet](path, table)
	if err != nil {
		return nil, err
	}

	rows := make([]PatientRow, 0, len(recs))
	for i, rec := range recs {
		dob, err := parquetTime(table, "dob", i+1, rec.DOB)
		if err != nil {
			return nil, err
		}
		rows = append(rows, PatientRow{SubjectID: rec.SubjectID, Gender: rec.Gender, DOB: dob})
	}
	return rows, nil
}

func readAdmissionsParquet(path string) ([]AdmissionRow, error) {
	recs, err := readParquetRows[admissionParquet](path, "admissions")
	if err != nil {
		return nil, err
	}

	rows := make([]AdmissionRow, 0, len(recs))
	for i, rec := range recs {
		admit, err := parquetTime("admissions", "admittime", i+1, rec.AdmitTime)
		if err != nil {
			return nil, err
		}
		disch, err := parquetTime("admissions", "dischtime", i+1, rec.DischTime)
		if err != nil {
			return nil, err
		}
		rows = append(rows, AdmissionRow{
			SubjectID: rec.SubjectID,
			HadmID:    rec.HadmID,
			AdmitTime: admit,
			DischTime: disch,
		})
	}
	return rows, nil
}

func readDiagnosesParquet(path string) ([]DiagnosisRow, error) {
	recs, err := readParquetRows[diagnosisParquet](path, "diagnoses")
	if err != nil {
		return nil, err
	}

	rows := make([]DiagnosisRow, 0, len(recs))
	for i, rec := range recs {
		version, err := parquetVersion("diagnoses", i+1, rec.ICDVersion)
		if err != nil {
			return nil, err
		}
		if rec.ICDCode == "" {
			return nil, fmt.Errorf("ingest: table %q row %d: column %q: empty value", "diagnoses", i+1, "icd_code")
		}
		rows = append(rows, DiagnosisRow{
			SubjectID:  rec.SubjectID,
			HadmID:     rec.HadmID,
			ICDCode:    rec.ICDCode,
			ICDVersion: version,
		})
	}
	return rows, nil
}

func readLabEventsParquet(path string) ([]LabEventRow, error) {
	recs, err := readParquetRows[labEventParquet](path, "labevents")
	if err != nil {
		return nil, err
	}

	rows := make([]LabEventRow, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, LabEventRow{
			SubjectID: rec.SubjectID,
			ItemID:    rec.ItemID,
			Value:     rec.Value,
			ValueNum:  rec.ValueNum,
		})
	}
	return rows, nil
}

func readICDDimensionParquet(path string) ([]ICDDimensionRow, error) {
	recs, err := readParquetRows[icdDimensionParquet](path, "d_icd_diagnoses")
	if err != nil {
		return nil, err
	}

	rows := make([]ICDDimensionRow, 0, len(recs))
	for i, rec := range recs {
		version, err := parquetVersion("d_icd_diagnoses", i+1, rec.ICDVersion)
		if err != nil {
			return nil, err
		}
		if rec.ICDCode == "" {
			return nil, fmt.Errorf("ingest: table %q row %d: column %q: empty value", "d_icd_diagnoses", i+1, "icd_code")
		}
		rows = append(rows, ICDDimensionRow{ICDCode: rec.ICDCode, ICDVersion: version, LongTitle: rec.LongTitle})
	}
	return rows, nil
}

func readLabItemsParquet(path string) ([]LabItemRow, error) {
	recs, err := readParquetRows[labItemParquet](path, "d_labitems")
	if err != nil {
		return nil, err
	}

	rows := make([]LabItemRow, 0, len(recs))
	for _, rec := range recs {
		rows = append(rows, LabItemRow{ItemID: rec.ItemID, Label: rec.Label})
	}
	return rows, nil
}

// WriteLabEventsParquet writes lab events as a parquet file, the
// columnar form the loader accepts in place of labevents.csv.
func WriteLabEventsParquet(path string, rows []LabEventRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("ingest: create %s: %w", path, err)
	}

	recs := make([]labEventParquet, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, labEventParquet{
			SubjectID: row.SubjectID,
			ItemID:    row.ItemID,
			Value:     row.Value,
			ValueNum:  row.ValueNum,
		})
	}

	writer := parquet.NewGenericWriter[labEventParquet](f)
	if _, err := writer.Write(recs); err != nil {
		writer.Close()
		f.Close()
		return fmt.Errorf("ingest: write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		f.Close()
		return fmt.Errorf("ingest: close parquet writer: %w", err)
	}
	return f.Close()
}
