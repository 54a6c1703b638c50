package integration

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/google/uuid"

	"github.com/clinrep/clinrep/internal/demo"
	"github.com/clinrep/clinrep/internal/federate"
	"github.com/clinrep/clinrep/internal/ingest"
	"github.com/clinrep/clinrep/internal/report"
)

// runPipeline pushes one data directory through the whole engine:
// load, report sets, artifacts. It returns the run summary and the
// output directory holding the artifacts.
func runPipeline(t *testing.T, dataDir string) (*report.RunSummary, string) {
	t.Helper()
	ctx := context.Background()

	result, err := ingest.NewLoader(globalDB.Pool, globalDB.Logger).Load(ctx, dataDir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	sources := make([]report.SourceCount, 0, len(result.Tables))
	for _, tc := range result.Tables {
		sources = append(sources, report.SourceCount{Table: tc.Table, Rows: tc.Rows})
	}

	outDir := t.TempDir()
	svc := report.NewService(
		report.NewRepo(globalDB.Pool),
		federate.NewService(globalDB.Pool),
		report.NewWriter(outDir),
		globalDB.Logger,
	)
	summary, err := svc.Run(ctx, result.Partitions, sources)
	if err != nil {
		t.Fatalf("run reports: %v", err)
	}
	return summary, outDir
}

func generateCohort(t *testing.T, p demo.Profile) string {
	t.Helper()
	dir := t.TempDir()
	if err := demo.NewGenerator(p).Generate(dir); err != nil {
		t.Fatalf("generate cohort: %v", err)
	}
	return dir
}

func readArtifactCSV(t *testing.T, outDir, name string) [][]string {
	t.Helper()
	f, err := os.Open(filepath.Join(outDir, name))
	if err != nil {
		t.Fatalf("open artifact %s: %v", name, err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read artifact %s: %v", name, err)
	}
	return records
}

func decodeArtifactJSON(t *testing.T, outDir, name string, v interface{}) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(outDir, name))
	if err != nil {
		t.Fatalf("read artifact %s: %v", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode artifact %s: %v", name, err)
	}
}

func queryInt(t *testing.T, sql string) int64 {
	t.Helper()
	var n int64
	if err := globalDB.Pool.QueryRow(context.Background(), sql).Scan(&n); err != nil {
		t.Fatalf("query %s: %v", sql, err)
	}
	return n
}

func testCohortProfile() demo.Profile {
	p := demo.DefaultProfile()
	p.Patients = 60
	p.Partitions = 2
	p.Diagnoses = 150
	p.LabEvents = 300
	p.MaxAdmissions = 3
	return p
}

func TestEngine_GeneratedCohort(t *testing.T) {
	dataDir := generateCohort(t, testCohortProfile())
	summary, outDir := runPipeline(t, dataDir)

	t.Run("Artifacts", func(t *testing.T) {
		for _, name := range []string{
			"gender_distribution.csv", "age_summary.csv", "los_histogram.json",
			"diagnosis_summary.csv", "top_diagnoses.csv", "subject_diagnoses.csv",
			"lab_stats.csv", "federated_mean.json", "run_summary.json",
		} {
			if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
				t.Errorf("missing artifact %s: %v", name, err)
			}
		}
	})

	t.Run("RunSummary", func(t *testing.T) {
		if _, err := uuid.Parse(summary.RunID); err != nil {
			t.Errorf("run id %q is not a UUID: %v", summary.RunID, err)
		}

		want := []string{"demographics", "diagnosis_coding", "lab_statistics", "federated_mean"}
		if len(summary.Reports) != len(want) {
			t.Fatalf("got %d reports, want %d", len(summary.Reports), len(want))
		}
		for i, name := range want {
			if summary.Reports[i].Name != name {
				t.Errorf("report[%d] = %s, want %s", i, summary.Reports[i].Name, name)
			}
		}

		if len(summary.Partitions) != 2 {
			t.Errorf("partitions = %v, want two patients_part tables", summary.Partitions)
		}

		var onDisk report.RunSummary
		decodeArtifactJSON(t, outDir, "run_summary.json", &onDisk)
		if onDisk.RunID != summary.RunID {
			t.Errorf("run_summary.json run id = %s, want %s", onDisk.RunID, summary.RunID)
		}
		for _, src := range onDisk.Sources {
			if src.Table == "patients" && src.Rows != 60 {
				t.Errorf("patients source rows = %d, want 60", src.Rows)
			}
		}
	})

	t.Run("GenderCountsCoverCohort", func(t *testing.T) {
		records := readArtifactCSV(t, outDir, "gender_distribution.csv")
		var total int64
		for _, row := range records[1:] {
			n, err := strconv.ParseInt(row[1], 10, 64)
			if err != nil {
				t.Fatalf("count cell %q: %v", row[1], err)
			}
			total += n
		}
		if patients := queryInt(t, `SELECT COUNT(*) FROM patients`); total != patients {
			t.Errorf("gender counts sum to %d, cohort has %d", total, patients)
		}
	})

	t.Run("HistogramTotalMatchesStays", func(t *testing.T) {
		var chart report.ChartConfig
		decodeArtifactJSON(t, outDir, "los_histogram.json", &chart)

		if chart.ChartType != "bar" {
			t.Errorf("chart type = %s, want bar", chart.ChartType)
		}
		if len(chart.Series) != 1 || len(chart.Series[0].Data) != 16 {
			t.Fatalf("expected one series with 16 points, got %+v", chart.Series)
		}

		var total float64
		for _, pt := range chart.Series[0].Data {
			total += pt.Value
		}
		discharged := queryInt(t, `SELECT COUNT(*) FROM admissions WHERE dischtime IS NOT NULL`)
		if int64(total) != discharged {
			t.Errorf("histogram total = %.0f, discharged admissions = %d", total, discharged)
		}
	})

	t.Run("FederatedMatchesCentralized", func(t *testing.T) {
		var rep report.FederatedReport
		decodeArtifactJSON(t, outDir, "federated_mean.json", &rep)

		if len(rep.Partials) != 2 {
			t.Fatalf("expected 2 partials, got %+v", rep.Partials)
		}
		if rep.CombinedMean == nil {
			t.Fatal("expected a combined mean for a populated cohort")
		}

		var central float64
		err := globalDB.Pool.QueryRow(context.Background(), `
			SELECT AVG(age_years)
			FROM (
				SELECT (EXTRACT(EPOCH FROM (MIN(a.admittime) - p.dob)) / 86400.0 / 365.2425)::float8 AS age_years
				FROM patients p
				JOIN admissions a ON a.subject_id = p.subject_id
				WHERE p.dob IS NOT NULL AND a.admittime IS NOT NULL
				GROUP BY p.subject_id, p.dob
			) ages`).Scan(&central)
		if err != nil {
			t.Fatalf("centralized mean: %v", err)
		}

		if diff := *rep.CombinedMean - central; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("combined mean %.12f != centralized mean %.12f", *rep.CombinedMean, central)
		}
	})
}

func TestEngine_ReloadReplaces(t *testing.T) {
	dataDir := generateCohort(t, testCohortProfile())

	runPipeline(t, dataDir)
	first := queryInt(t, `SELECT COUNT(*) FROM patients`)

	runPipeline(t, dataDir)
	second := queryInt(t, `SELECT COUNT(*) FROM patients`)

	if first != second {
		t.Errorf("reload changed patient count: %d then %d", first, second)
	}
	if events := queryInt(t, `SELECT COUNT(*) FROM labevents`); events != 300 {
		t.Errorf("labevents = %d after reload, want 300", events)
	}
}

func TestEngine_ParquetLabEvents(t *testing.T) {
	p := testCohortProfile()
	p.LabEventsParquet = true
	dataDir := generateCohort(t, p)

	_, outDir := runPipeline(t, dataDir)

	records := readArtifactCSV(t, outDir, "lab_stats.csv")
	if len(records) < 2 {
		t.Fatalf("expected lab stats rows from parquet source, got %v", records)
	}
	if events := queryInt(t, `SELECT COUNT(*) FROM labevents`); events != 300 {
		t.Errorf("labevents = %d, want 300", events)
	}
}
