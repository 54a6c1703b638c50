package integration

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/clinrep/clinrep/internal/report"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

// stageFixture writes a four-subject cohort with hand-checked report
// values: one stay per histogram case, a twelve-pair code list that
// overflows the top-ten cut, and lab events covering the missing,
// textual and unlabeled cases.
func stageFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	writeFile(t, dir, "patients.csv",
		"subject_id,gender,dob\n"+
			"1,M,1980-01-01 00:00:00\n"+
			"2,F,1990-06-15 00:00:00\n"+
			"3,,1975-03-10 00:00:00\n"+
			"4,F,\n")

	writeFile(t, dir, "patients_parta.csv",
		"subject_id,gender,dob\n"+
			"1,M,1980-01-01 00:00:00\n"+
			"2,F,1990-06-15 00:00:00\n")
	writeFile(t, dir, "patients_partb.csv",
		"subject_id,gender,dob\n"+
			"3,,1975-03-10 00:00:00\n"+
			"4,F,\n")

	writeFile(t, dir, "admissions.csv",
		"subject_id,hadm_id,admittime,dischtime\n"+
			"1,101,2020-01-01 00:00:00,2020-01-03 00:00:00\n"+
			"1,102,2021-06-01 00:00:00,\n"+
			"2,201,2020-02-01 00:00:00,2020-02-11 12:00:00\n"+
			"3,301,2020-03-01 00:00:00,2020-03-21 00:00:00\n"+
			"4,401,2020-04-05 12:00:00,2020-04-05 06:00:00\n")

	writeFile(t, dir, "diagnoses.csv",
		"subject_id,hadm_id,icd_code,icd_version\n"+
			"1,101,I10,10\n"+
			"1,101,I10,10\n"+
			"1,101,E11.9,10\n"+
			"2,201,I10,10\n"+
			"3,301,C01,9\n"+
			"3,301,C02,9\n"+
			"3,301,C03,9\n"+
			"3,301,C04,9\n"+
			"3,301,C05,9\n"+
			"3,301,C06,9\n"+
			"3,301,C07,9\n"+
			"3,301,C08,9\n"+
			"4,,Z99,9\n"+
			"4,401,Z99,10\n")

	writeFile(t, dir, "labevents.csv",
		"subject_id,itemid,value,valuenum\n"+
			"1,50912,1.2,1.2\n"+
			"1,50912,,\n"+
			"2,50912,2.0,2.0\n"+
			"3,50912,HIGH,\n"+
			"2,99999,5.0,5.0\n")

	writeFile(t, dir, "d_icd_diagnoses.csv",
		"icd_code,icd_version,long_title\n"+
			"I10,10,Essential (primary) hypertension\n"+
			"E11.9,10,Type 2 diabetes mellitus without complications\n"+
			"Z99,9,Dependence on enabling machines and devices\n")

	writeFile(t, dir, "d_labitems.csv",
		"itemid,label\n"+
			"50912,Creatinine\n"+
			"50931,Glucose\n")

	return dir
}

// fixtureAges returns the ages the fixture's three dated subjects reach
// at their earliest admission, computed the way the store computes
// them.
func fixtureAges(t *testing.T) []float64 {
	t.Helper()

	age := func(dob, admit string) float64 {
		d, err := time.Parse("2006-01-02 15:04:05", dob)
		if err != nil {
			t.Fatal(err)
		}
		a, err := time.Parse("2006-01-02 15:04:05", admit)
		if err != nil {
			t.Fatal(err)
		}
		return a.Sub(d).Seconds() / 86400.0 / 365.2425
	}

	return []float64{
		age("1980-01-01 00:00:00", "2020-01-01 00:00:00"),
		age("1990-06-15 00:00:00", "2020-02-01 00:00:00"),
		age("1975-03-10 00:00:00", "2020-03-01 00:00:00"),
	}
}

func parseCell(t *testing.T, cell string) float64 {
	t.Helper()
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		t.Fatalf("cell %q: %v", cell, err)
	}
	return v
}

func TestReports_FixtureCohort(t *testing.T) {
	summary, outDir := runPipeline(t, stageFixture(t))

	t.Run("Partitions", func(t *testing.T) {
		want := []string{"patients_parta", "patients_partb"}
		if len(summary.Partitions) != len(want) {
			t.Fatalf("partitions = %v, want %v", summary.Partitions, want)
		}
		for i, name := range want {
			if summary.Partitions[i] != name {
				t.Errorf("partition[%d] = %s, want %s", i, summary.Partitions[i], name)
			}
		}
	})

	t.Run("GenderDistribution", func(t *testing.T) {
		records := readArtifactCSV(t, outDir, "gender_distribution.csv")
		want := [][]string{
			{"gender", "count", "percent"},
			{"F", "2", "50.00"},
			{"M", "1", "25.00"},
			{"unknown", "1", "25.00"},
		}
		if len(records) != len(want) {
			t.Fatalf("rows = %v, want %v", records, want)
		}
		for i, row := range want {
			for j, cell := range row {
				if records[i][j] != cell {
					t.Errorf("row %d col %d = %q, want %q", i, j, records[i][j], cell)
				}
			}
		}
	})

	t.Run("AgeSummary", func(t *testing.T) {
		ages := fixtureAges(t)
		mean := (ages[0] + ages[1] + ages[2]) / 3
		median := ages[0] // middle of the three fixture ages

		records := readArtifactCSV(t, outDir, "age_summary.csv")
		if len(records) != 3 {
			t.Fatalf("age summary rows = %v", records)
		}
		if got := parseCell(t, records[1][1]); got < mean-0.0001 || got > mean+0.0001 {
			t.Errorf("mean age = %v, want about %v", got, mean)
		}
		if got := parseCell(t, records[2][1]); got < median-0.0001 || got > median+0.0001 {
			t.Errorf("median age = %v, want about %v", got, median)
		}
	})

	t.Run("Histogram", func(t *testing.T) {
		var chart report.ChartConfig
		decodeArtifactJSON(t, outDir, "los_histogram.json", &chart)

		points := chart.Series[0].Data
		wantByLabel := map[string]float64{"0": 1, "2": 1, "10": 1, ">14": 1}
		var total float64
		for _, pt := range points {
			total += pt.Value
			if want, ok := wantByLabel[pt.Label]; ok {
				if pt.Value != want {
					t.Errorf("bucket %s = %v, want %v", pt.Label, pt.Value, want)
				}
			} else if pt.Value != 0 {
				t.Errorf("bucket %s = %v, want 0", pt.Label, pt.Value)
			}
		}
		if total != 4 {
			t.Errorf("histogram total = %v, want 4 discharged stays", total)
		}
	})

	t.Run("DiagnosisSummary", func(t *testing.T) {
		records := readArtifactCSV(t, outDir, "diagnosis_summary.csv")
		// Distinct pairs per subject: 2, 1, 8, 2 -> 13/4.
		if got := records[1][1]; got != "3.2500" {
			t.Errorf("avg distinct codes = %q, want 3.2500", got)
		}
	})

	t.Run("TopDiagnoses", func(t *testing.T) {
		records := readArtifactCSV(t, outDir, "top_diagnoses.csv")
		if got := len(records) - 1; got != 10 {
			t.Fatalf("top diagnoses rows = %d, want the full limit of 10", got)
		}

		first := records[1]
		if first[1] != "I10" || first[3] != "2" || first[4] != "50.00" {
			t.Errorf("rank 1 = %v, want I10 with 2 subjects at 50.00", first)
		}
		if first[5] != "Essential (primary) hypertension" {
			t.Errorf("rank 1 title = %q", first[5])
		}

		second := records[2]
		if second[1] != "C01" || second[5] != "" {
			t.Errorf("rank 2 = %v, want undimensioned C01 with empty title", second)
		}

		last := records[10]
		if last[1] != "E11.9" {
			t.Errorf("rank 10 = %v, want E11.9 as the final kept pair", last)
		}
		for _, row := range records[1:] {
			if row[1] == "Z99" {
				t.Errorf("Z99 made the cut despite ranking below the limit: %v", row)
			}
		}
	})

	t.Run("SubjectDiagnoses", func(t *testing.T) {
		records := readArtifactCSV(t, outDir, "subject_diagnoses.csv")
		want := map[string]string{
			"1": "E11.9,I10",
			"2": "I10",
			"3": "C01,C02,C03,C04,C05,C06,C07,C08",
			"4": "Z99",
		}
		if got := len(records) - 1; got != len(want) {
			t.Fatalf("subject rows = %d, want %d", got, len(want))
		}
		for _, row := range records[1:] {
			if row[1] != want[row[0]] {
				t.Errorf("subject %s codes = %q, want %q", row[0], row[1], want[row[0]])
			}
		}
	})

	t.Run("LabStats", func(t *testing.T) {
		records := readArtifactCSV(t, outDir, "lab_stats.csv")
		want := [][]string{
			{"label", "mean_valuenum", "missing_pct", "rows"},
			{"Creatinine", "1.6000", "25.00", "4"},
			{"unknown", "5.0000", "0.00", "1"},
		}
		if len(records) != len(want) {
			t.Fatalf("lab stats = %v, want %v", records, want)
		}
		for i, row := range want {
			for j, cell := range row {
				if records[i][j] != cell {
					t.Errorf("row %d col %d = %q, want %q", i, j, records[i][j], cell)
				}
			}
		}
	})

	t.Run("FederatedMean", func(t *testing.T) {
		var rep report.FederatedReport
		decodeArtifactJSON(t, outDir, "federated_mean.json", &rep)

		if len(rep.Partials) != 2 {
			t.Fatalf("partials = %+v", rep.Partials)
		}
		if rep.Partials[0].Partition != "patients_parta" || rep.Partials[0].Count != 2 {
			t.Errorf("partial a = %+v, want 2 dated subjects", rep.Partials[0])
		}
		// Subject 4 has no birth date and contributes nothing.
		if rep.Partials[1].Partition != "patients_partb" || rep.Partials[1].Count != 1 {
			t.Errorf("partial b = %+v, want 1 dated subject", rep.Partials[1])
		}

		ages := fixtureAges(t)
		mean := (ages[0] + ages[1] + ages[2]) / 3
		if rep.CombinedMean == nil {
			t.Fatal("expected a combined mean")
		}
		if got := *rep.CombinedMean; got < mean-1e-9 || got > mean+1e-9 {
			t.Errorf("combined mean = %.12f, want %.12f", got, mean)
		}
	})
}
