package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// partitionPattern matches the file stems that count as patient
// partitions. The stem doubles as the table name, so the alphabet is
// restricted to what can be spliced into DDL after sanitizing.
var partitionPattern = regexp.MustCompile(`^patients_part[a-z0-9_]*$`)

// Loader replaces the cohort tables with the contents of a data
// directory. A load is a full refresh; nothing is merged.
type Loader struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func NewLoader(pool *pgxpool.Pool, logger zerolog.Logger) *Loader {
	return &Loader{pool: pool, logger: logger}
}

// TableCount reports how many rows one table received.
type TableCount struct {
	Table string `json:"table"`
	Rows  int64  `json:"rows"`
}

// Result describes a completed load. Partitions lists the partition
// tables available for federated runs, in load order.
type Result struct {
	Tables     []TableCount `json:"tables"`
	Partitions []string     `json:"partitions"`
}

// Load ingests the six cohort tables plus any patients_part*
// partitions found next to them. With no partition sources present the
// whole cohort acts as the single partition.
func (l *Loader) Load(ctx context.Context, dataDir string) (*Result, error) {
	res := &Result{}

	for _, t := range []struct {
		name string
		load func(context.Context, string) (int64, error)
	}{
		{"patients", l.loadPatients},
		{"admissions", l.loadAdmissions},
		{"diagnoses", l.loadDiagnoses},
		{"labevents", l.loadLabEvents},
		{"d_icd_diagnoses", l.loadICDDimension},
		{"d_labitems", l.loadLabItems},
	} {
		start := time.Now()
		n, err := t.load(ctx, dataDir)
		if err != nil {
			return nil, err
		}
		l.logger.Info().
			Str("table", t.name).
			Int64("rows", n).
			Dur("elapsed", time.Since(start)).
			Msg("table loaded")
		res.Tables = append(res.Tables, TableCount{Table: t.name, Rows: n})
	}

	parts, err := l.loadPartitions(ctx, dataDir)
	if err != nil {
		return nil, err
	}
	res.Partitions = parts
	return res, nil
}

// sourcePath resolves the file for one table, preferring CSV when both
// formats are present.
func sourcePath(dataDir, table string) (string, error) {
	csvPath := filepath.Join(dataDir, table+".csv")
	if fileExists(csvPath) {
		return csvPath, nil
	}
	parquetPath := filepath.Join(dataDir, table+".parquet")
	if fileExists(parquetPath) {
		return parquetPath, nil
	}
	return "", fmt.Errorf("ingest: table %q: no source file %s or %s", table, csvPath, parquetPath)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func isParquet(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".parquet")
}

func (l *Loader) loadPatients(ctx context.Context, dataDir string) (int64, error) {
	path, err := sourcePath(dataDir, "patients")
	if err != nil {
		return 0, err
	}
	rows, err := readPatientsFile(path, "patients")
	if err != nil {
		return 0, err
	}
	return l.copyPatients(ctx, "patients", rows)
}

func readPatientsFile(path, table string) ([]PatientRow, error) {
	if isParquet(path) {
		return readPatientsParquet(path, table)
	}
	return readPatientsCSV(path, table)
}

func (l *Loader) copyPatients(ctx context.Context, table string, rows []PatientRow) (int64, error) {
	if err := l.truncate(ctx, table); err != nil {
		return 0, err
	}

	src := make([][]interface{}, len(rows))
	for i, r := range rows {
		src[i] = []interface{}{r.SubjectID, r.Gender, r.DOB}
	}
	return l.copyInto(ctx, table, []string{"subject_id", "gender", "dob"}, src)
}

func (l *Loader) loadAdmissions(ctx context.Context, dataDir string) (int64, error) {
	path, err := sourcePath(dataDir, "admissions")
	if err != nil {
		return 0, err
	}

	var rows []AdmissionRow
	if isParquet(path) {
		rows, err = readAdmissionsParquet(path)
	} else {
		rows, err = readAdmissionsCSV(path)
	}
	if err != nil {
		return 0, err
	}

	if err := l.truncate(ctx, "admissions"); err != nil {
		return 0, err
	}
	src := make([][]interface{}, len(rows))
	for i, r := range rows {
		src[i] = []interface{}{r.SubjectID, r.HadmID, r.AdmitTime, r.DischTime}
	}
	return l.copyInto(ctx, "admissions", []string{"subject_id", "hadm_id", "admittime", "dischtime"}, src)
}

func (l *Loader) loadDiagnoses(ctx context.Context, dataDir string) (int64, error) {
	path, err := sourcePath(dataDir, "diagnoses")
	if err != nil {
		return 0, err
	}

	var rows []DiagnosisRow
	if isParquet(path) {
		rows, err = readDiagnosesParquet(path)
	} else {
		rows, err = readDiagnosesCSV(path)
	}
	if err != nil {
		return 0, err
	}

	if err := l.truncate(ctx, "diagnoses"); err != nil {
		return 0, err
	}
	src := make([][]interface{}, len(rows))
	for i, r := range rows {
		src[i] = []interface{}{r.SubjectID, r.HadmID, r.ICDCode, r.ICDVersion}
	}
	return l.copyInto(ctx, "diagnoses", []string{"subject_id", "hadm_id", "icd_code", "icd_version"}, src)
}

func (l *Loader) loadLabEvents(ctx context.Context, dataDir string) (int64, error) {
	path, err := sourcePath(dataDir, "labevents")
	if err != nil {
		return 0, err
	}

	var rows []LabEventRow
	if isParquet(path) {
		rows, err = readLabEventsParquet(path)
	} else {
		rows, err = readLabEventsCSV(path)
	}
	if err != nil {
		return 0, err
	}

	if err := l.truncate(ctx, "labevents"); err != nil {
		return 0, err
	}
	src := make([][]interface{}, len(rows))
	for i, r := range rows {
		src[i] = []interface{}{r.SubjectID, r.ItemID, r.Value, r.ValueNum}
	}
	return l.copyInto(ctx, "labevents", []string{"subject_id", "itemid", "value", "valuenum"}, src)
}

func (l *Loader) loadICDDimension(ctx context.Context, dataDir string) (int64, error) {
	path, err := sourcePath(dataDir, "d_icd_diagnoses")
	if err != nil {
		return 0, err
	}

	var rows []ICDDimensionRow
	if isParquet(path) {
		rows, err = readICDDimensionParquet(path)
	} else {
		rows, err = readICDDimensionCSV(path)
	}
	if err != nil {
		return 0, err
	}

	if err := l.truncate(ctx, "d_icd_diagnoses"); err != nil {
		return 0, err
	}
	src := make([][]interface{}, len(rows))
	for i, r := range rows {
		src[i] = []interface{}{r.ICDCode, r.ICDVersion, r.LongTitle}
	}
	return l.copyInto(ctx, "d_icd_diagnoses", []string{"icd_code", "icd_version", "long_title"}, src)
}

func (l *Loader) loadLabItems(ctx context.Context, dataDir string) (int64, error) {
	path, err := sourcePath(dataDir, "d_labitems")
	if err != nil {
		return 0, err
	}

	var rows []LabItemRow
	if isParquet(path) {
		rows, err = readLabItemsParquet(path)
	} else {
		rows, err = readLabItemsCSV(path)
	}
	if err != nil {
		return 0, err
	}

	if err := l.truncate(ctx, "d_labitems"); err != nil {
		return 0, err
	}
	src := make([][]interface{}, len(rows))
	for i, r := range rows {
		src[i] = []interface{}{r.ItemID, r.Label}
	}
	return l.copyInto(ctx, "d_labitems", []string{"itemid", "label"}, src)
}

func (l *Loader) truncate(ctx context.Context, table string) error {
	if _, err := l.pool.Exec(ctx, "TRUNCATE "+pgx.Identifier{table}.Sanitize()); err != nil {
		return fmt.Errorf("ingest: truncate %s: %w", table, err)
	}
	return nil
}

func (l *Loader) copyInto(ctx context.Context, table string, columns []string, src [][]interface{}) (int64, error) {
	n, err := l.pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(src))
	if err != nil {
		return 0, fmt.Errorf("ingest: copy into %s: %w", table, err)
	}
	return n, nil
}

// loadPartitions discovers patients_part* sources, loads each into a
// table named after its file stem, and drops partition tables left
// over from earlier loads.
func (l *Loader) loadPartitions(ctx context.Context, dataDir string) ([]string, error) {
	stems, err := partitionSources(dataDir)
	if err != nil {
		return nil, err
	}

	var tables []string
	for _, stem := range stems {
		path, err := sourcePath(dataDir, stem)
		if err != nil {
			return nil, err
		}
		rows, err := readPatientsFile(path, stem)
		if err != nil {
			return nil, err
		}

		if err := l.ensurePartition(ctx, stem); err != nil {
			return nil, err
		}
		n, err := l.copyPatients(ctx, stem, rows)
		if err != nil {
			return nil, err
		}

		l.logger.Info().Str("table", stem).Int64("rows", n).Msg("partition loaded")
		tables = append(tables, stem)
	}

	if err := l.dropStalePartitions(ctx, tables); err != nil {
		return nil, err
	}

	if len(tables) == 0 {
		// The whole cohort acts as the single partition.
		tables = []string{"patients"}
	}
	return tables, nil
}

// partitionSources lists partition file stems in the data directory,
// sorted, one entry per stem even when both formats exist.
func partitionSources(dataDir string) ([]string, error) {
	seen := make(map[string]bool)
	for _, ext := range []string{".csv", ".parquet"} {
		matches, err := filepath.Glob(filepath.Join(dataDir, "patients_part*"+ext))
		if err != nil {
			return nil, fmt.Errorf("ingest: scan partitions: %w", err)
		}
		for _, path := range matches {
			stem := strings.ToLower(strings.TrimSuffix(filepath.Base(path), ext))
			if !partitionPattern.MatchString(stem) {
				return nil, fmt.Errorf("ingest: partition file %q: name does not sanitize to a table", filepath.Base(path))
			}
			seen[stem] = true
		}
	}

	stems := make([]string, 0, len(seen))
	for stem := range seen {
		stems = append(stems, stem)
	}
	sort.Strings(stems)
	return stems, nil
}

func (l *Loader) ensurePartition(ctx context.Context, table string) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		subject_id BIGINT NOT NULL,
		gender     TEXT,
		dob        TIMESTAMP
	)`, pgx.Identifier{table}.Sanitize())
	if _, err := l.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ingest: create partition %s: %w", table, err)
	}
	return nil
}

func (l *Loader) dropStalePartitions(ctx context.Context, keep []string) error {
	current := make(map[string]bool, len(keep))
	for _, t := range keep {
		current[t] = true
	}

	rows, err := l.pool.Query(ctx, `SELECT tablename FROM pg_tables WHERE schemaname = 'public' AND tablename LIKE 'patients\_part%'`)
	if err != nil {
		return fmt.Errorf("ingest: list partitions: %w", err)
	}

	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("ingest: scan partition name: %w", err)
		}
		if !current[name] {
			stale = append(stale, name)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ingest: list partitions: %w", err)
	}

	for _, name := range stale {
		if _, err := l.pool.Exec(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{name}.Sanitize()); err != nil {
			return fmt.Errorf("ingest: drop stale partition %s: %w", name, err)
		}
		l.logger.Info().Str("table", name).Msg("stale partition dropped")
	}
	return nil
}
