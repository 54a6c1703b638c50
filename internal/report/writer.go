package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Artifact file names under the output directory.
const (
	fileGenderDistribution = "gender_distribution.csv"
	fileAgeSummary         = "age_summary.csv"
	fileLOSHistogram       = "los_histogram.json"
	fileDiagnosisSummary   = "diagnosis_summary.csv"
	fileTopDiagnoses       = "top_diagnoses.csv"
	fileSubjectDiagnoses   = "subject_diagnoses.csv"
	fileLabStats           = "lab_stats.csv"
	fileFederatedMean      = "federated_mean.json"
	fileRunSummary         = "run_summary.json"
)

// Writer persists report artifacts under one output directory. Every
// file is rewritten from scratch on each run.
type Writer struct {
	dir string
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

func (w *Writer) ensureDir() error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	return nil
}

func (w *Writer) writeCSV(name string, header []string, rows [][]string) error {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	cw.Write(header)
	for _, row := range rows {
		cw.Write(row)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	if err := os.WriteFile(filepath.Join(w.dir, name), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func (w *Writer) writeJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(filepath.Join(w.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func formatInt(n int64) string { return strconv.FormatInt(n, 10) }

// formatFloat renders measurement values with four decimals; NaN stays
// the literal "NaN" in CSV cells.
func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }

func formatPercent(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }

func formatOptFloat(v *float64) string {
	if v == nil {
		return "NaN"
	}
	return formatFloat(*v)
}

func (w *Writer) WriteGenderDistribution(genders []GenderShare) error {
	rows := make([][]string, 0, len(genders))
	for _, g := range genders {
		rows = append(rows, []string{g.Gender, formatInt(g.Count), formatPercent(g.Percent)})
	}
	return w.writeCSV(fileGenderDistribution, []string{"gender", "count", "percent"}, rows)
}

func (w *Writer) WriteAgeSummary(age AgeSummary) error {
	rows := [][]string{
		{"mean_age_years", formatFloat(age.MeanYears)},
		{"median_age_years", formatFloat(age.MedianYears)},
	}
	return w.writeCSV(fileAgeSummary, []string{"metric", "value_years"}, rows)
}

func (w *Writer) WriteLOSChart(cfg *ChartConfig) error {
	return w.writeJSON(fileLOSHistogram, cfg)
}

func (w *Writer) WriteDiagnosisSummary(avgDistinctCodes float64) error {
	rows := [][]string{
		{"avg_distinct_icd_codes_per_subject", formatFloat(avgDistinctCodes)},
	}
	return w.writeCSV(fileDiagnosisSummary, []string{"metric", "value"}, rows)
}

func (w *Writer) WriteTopDiagnoses(top []TopDiagnosis) error {
	rows := make([][]string, 0, len(top))
	for i, td := range top {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			td.ICDCode,
			strconv.Itoa(int(td.ICDVersion)),
			formatInt(td.Subjects),
			formatPercent(td.Percent),
			td.LongTitle,
		})
	}
	return w.writeCSV(fileTopDiagnoses, []string{"rank", "icd_code", "icd_version", "subjects", "percent", "long_title"}, rows)
}

func (w *Writer) WriteSubjectDiagnoses(subjects []SubjectCodes) error {
	rows := make([][]string, 0, len(subjects))
	for _, sc := range subjects {
		rows = append(rows, []string{formatInt(sc.SubjectID), sc.Codes})
	}
	return w.writeCSV(fileSubjectDiagnoses, []string{"subject_id", "icd_codes"}, rows)
}

func (w *Writer) WriteLabStats(stats []LabStat) error {
	rows := make([][]string, 0, len(stats))
	for _, ls := range stats {
		rows = append(rows, []string{
			ls.Label,
			formatOptFloat(ls.Mean),
			formatPercent(ls.MissingPct),
			formatInt(ls.Rows),
		})
	}
	return w.writeCSV(fileLabStats, []string{"label", "mean_valuenum", "missing_pct", "rows"}, rows)
}

func (w *Writer) WriteFederatedMean(rep *FederatedReport) error {
	return w.writeJSON(fileFederatedMean, rep)
}

func (w *Writer) WriteRunSummary(summary *RunSummary) error {
	return w.writeJSON(fileRunSummary, summary)
}
