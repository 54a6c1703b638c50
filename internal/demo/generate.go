// Package demo generates synthetic cohort source files. Package tests
// and the integration suite run the engine against its output instead
// of shipping real extracts.
package demo

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/clinrep/clinrep/internal/ingest"
)

const timeLayout = "2006-01-02 15:04:05"

// unknownItemRate is the share of lab events pointing at an item the
// dimension does not know, so the unlabeled path stays exercised.
const unknownItemRate = 0.03

const unknownItemID = 99999

type icdEntry struct {
	code    string
	version int16
	title   string
}

// icdVocabulary mixes both code systems the way a multi-epoch extract
// does.
var icdVocabulary = []icdEntry{
	{"25000", 9, "Diabetes mellitus without mention of complication, type II or unspecified type, not stated as uncontrolled"},
	{"4019", 9, "Unspecified essential hypertension"},
	{"42731", 9, "Atrial fibrillation"},
	{"E11.9", 10, "Type 2 diabetes mellitus without complications"},
	{"F32.9", 10, "Major depressive disorder, single episode, unspecified"},
	{"I10", 10, "Essential (primary) hypertension"},
	{"I25.10", 10, "Atherosclerotic heart disease of native coronary artery without angina pectoris"},
	{"J45.909", 10, "Unspecified asthma, uncomplicated"},
	{"K21.9", 10, "Gastro-esophageal reflux disease without esophagitis"},
	{"N17.9", 10, "Acute kidney failure, unspecified"},
}

type labItem struct {
	itemID    int64
	label     string
	low, high float64
}

var labVocabulary = []labItem{
	{50912, "Creatinine", 0.4, 3.5},
	{50931, "Glucose", 60, 300},
	{50971, "Potassium", 3.0, 6.0},
	{50983, "Sodium", 125, 150},
	{51221, "Hematocrit", 20, 55},
	{51222, "Hemoglobin", 6, 18},
}

var labTextValues = []string{"NEG", "TRACE", "LOW", "HIGH"}

// Generator produces one cohort per profile. The same seed yields the
// same files byte for byte.
type Generator struct {
	profile Profile
	faker   *gofakeit.Faker
}

func NewGenerator(p Profile) *Generator {
	return &Generator{profile: p, faker: gofakeit.New(uint64(p.Seed))}
}

// Generate writes every source file the loader expects into dir:
// the six cohort tables plus patients_part* splits when the profile
// asks for two or more partitions.
func (g *Generator) Generate(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("demo: create data dir: %w", err)
	}

	patients := g.patients()
	if err := g.writePatients(filepath.Join(dir, "patients.csv"), patients); err != nil {
		return err
	}
	if err := g.writePartitions(dir, patients); err != nil {
		return err
	}

	admissions := g.admissions(patients)
	if err := g.writeAdmissions(dir, admissions); err != nil {
		return err
	}

	if err := g.writeDiagnoses(dir, g.diagnoses(patients, admissions)); err != nil {
		return err
	}

	events := g.labEvents(patients)
	if g.profile.LabEventsParquet {
		if err := ingest.WriteLabEventsParquet(filepath.Join(dir, "labevents.parquet"), events); err != nil {
			return err
		}
	} else if err := g.writeLabEvents(dir, events); err != nil {
		return err
	}

	if err := g.writeICDDimension(dir); err != nil {
		return err
	}
	return g.writeLabItems(dir)
}

// chance reports true at the given rate; 0 and 1 are exact.
func (g *Generator) chance(rate float64) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	return g.faker.Float64Range(0, 1) < rate
}

func (g *Generator) patients() []ingest.PatientRow {
	rows := make([]ingest.PatientRow, 0, g.profile.Patients)
	for i := 0; i < g.profile.Patients; i++ {
		row := ingest.PatientRow{SubjectID: int64(10000 + i)}
		if !g.chance(g.profile.GenderNullRate) {
			gender := g.faker.RandomString([]string{"M", "F"})
			row.Gender = &gender
		}
		if !g.chance(g.profile.DOBNullRate) {
			dob := g.faker.DateRange(
				time.Date(1930, 1, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2004, 12, 31, 0, 0, 0, 0, time.UTC),
			).Truncate(24 * time.Hour)
			row.DOB = &dob
		}
		rows = append(rows, row)
	}
	return rows
}

func (g *Generator) admissions(patients []ingest.PatientRow) []ingest.AdmissionRow {
	var rows []ingest.AdmissionRow
	hadm := int64(2000000)
	for _, p := range patients {
		for n := g.faker.Number(0, g.profile.MaxAdmissions); n > 0; n-- {
			hadm++
			admit := g.faker.DateRange(
				time.Date(2018, 1, 1, 0, 0, 0, 0, time.UTC),
				time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
			).Truncate(time.Minute)

			row := ingest.AdmissionRow{
				SubjectID: p.SubjectID,
				HadmID:    hadm,
				AdmitTime: &admit,
			}
			if !g.chance(g.profile.DischargeNullRate) {
				// Stays between six hours and 25 days cover every
				// histogram bucket plus the overflow.
				disch := admit.Add(time.Duration(g.faker.Number(6, 600)) * time.Hour)
				row.DischTime = &disch
			}
			rows = append(rows, row)
		}
	}
	return rows
}

// diagnoses codes random admissions; with no admissions in the cohort
// it codes subjects directly, leaving the stay reference null.
func (g *Generator) diagnoses(patients []ingest.PatientRow, admissions []ingest.AdmissionRow) []ingest.DiagnosisRow {
	if len(patients) == 0 {
		return nil
	}

	rows := make([]ingest.DiagnosisRow, 0, g.profile.Diagnoses)
	for i := 0; i < g.profile.Diagnoses; i++ {
		entry := icdVocabulary[g.faker.Number(0, len(icdVocabulary)-1)]
		row := ingest.DiagnosisRow{ICDCode: entry.code, ICDVersion: entry.version}

		if len(admissions) > 0 {
			adm := admissions[g.faker.Number(0, len(admissions)-1)]
			row.SubjectID = adm.SubjectID
			if !g.chance(0.1) {
				hadm := adm.HadmID
				row.HadmID = &hadm
			}
		} else {
			row.SubjectID = patients[g.faker.Number(0, len(patients)-1)].SubjectID
		}
		rows = append(rows, row)
	}
	return rows
}

func (g *Generator) labEvents(patients []ingest.PatientRow) []ingest.LabEventRow {
	if len(patients) == 0 {
		return nil
	}

	rows := make([]ingest.LabEventRow, 0, g.profile.LabEvents)
	for i := 0; i < g.profile.LabEvents; i++ {
		row := ingest.LabEventRow{
			SubjectID: patients[g.faker.Number(0, len(patients)-1)].SubjectID,
		}

		item := labVocabulary[g.faker.Number(0, len(labVocabulary)-1)]
		low, high := item.low, item.high
		row.ItemID = item.itemID
		if g.chance(unknownItemRate) {
			row.ItemID = unknownItemID
			low, high = 0, 100
		}

		switch {
		case g.chance(g.profile.LabMissingRate):
			// Raw value stays null; this is what the missing metric
			// counts.
		case g.chance(g.profile.LabTextRate):
			text := g.faker.RandomString(labTextValues)
			row.Value = &text
		default:
			num := float64(g.faker.Number(int(low*10), int(high*10))) / 10
			text := strconv.FormatFloat(num, 'f', 1, 64)
			row.Value = &text
			row.ValueNum = &num
		}
		rows = append(rows, row)
	}
	return rows
}

// ---- file writers ----

func writeCSVFile(path string, header []string, rows [][]string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("demo: create %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	w.Write(header)
	for _, row := range rows {
		w.Write(row)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("demo: write %s: %w", path, err)
	}
	return f.Close()
}

func optTimeCell(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(timeLayout)
}

func optStrCell(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optFloatCell(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func (g *Generator) writePatients(path string, rows []ingest.PatientRow) error {
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, []string{
			strconv.FormatInt(r.SubjectID, 10),
			optStrCell(r.Gender),
			optTimeCell(r.DOB),
		})
	}
	return writeCSVFile(path, []string{"subject_id", "gender", "dob"}, records)
}

// writePartitions splits the cohort round-robin into disjoint
// patients_part* files. A single-partition profile writes none; the
// loader then federates over the whole cohort.
func (g *Generator) writePartitions(dir string, patients []ingest.PatientRow) error {
	if g.profile.Partitions < 2 {
		return nil
	}

	parts := make([][]ingest.PatientRow, g.profile.Partitions)
	for i, p := range patients {
		parts[i%g.profile.Partitions] = append(parts[i%g.profile.Partitions], p)
	}
	for i, part := range parts {
		name := fmt.Sprintf("patients_part%d.csv", i+1)
		if err := g.writePatients(filepath.Join(dir, name), part); err != nil {
			return err
		}
	}
	return nil
}

func (g *Generator) writeAdmissions(dir string, rows []ingest.AdmissionRow) error {
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, []string{
			strconv.FormatInt(r.SubjectID, 10),
			strconv.FormatInt(r.HadmID, 10),
			optTimeCell(r.AdmitTime),
			optTimeCell(r.DischTime),
		})
	}
	return writeCSVFile(filepath.Join(dir, "admissions.csv"),
		[]string{"subject_id", "hadm_id", "admittime", "dischtime"}, records)
}

func (g *Generator) writeDiagnoses(dir string, rows []ingest.DiagnosisRow) error {
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		hadm := ""
		if r.HadmID != nil {
			hadm = strconv.FormatInt(*r.HadmID, 10)
		}
		records = append(records, []string{
			strconv.FormatInt(r.SubjectID, 10),
			hadm,
			r.ICDCode,
			strconv.Itoa(int(r.ICDVersion)),
		})
	}
	return writeCSVFile(filepath.Join(dir, "diagnoses.csv"),
		[]string{"subject_id", "hadm_id", "icd_code", "icd_version"}, records)
}

func (g *Generator) writeLabEvents(dir string, rows []ingest.LabEventRow) error {
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, []string{
			strconv.FormatInt(r.SubjectID, 10),
			strconv.FormatInt(r.ItemID, 10),
			optStrCell(r.Value),
			optFloatCell(r.ValueNum),
		})
	}
	return writeCSVFile(filepath.Join(dir, "labevents.csv"),
		[]string{"subject_id", "itemid", "value", "valuenum"}, records)
}

func (g *Generator) writeICDDimension(dir string) error {
	records := make([][]string, 0, len(icdVocabulary))
	for _, e := range icdVocabulary {
		records = append(records, []string{e.code, strconv.Itoa(int(e.version)), e.title})
	}
	return writeCSVFile(filepath.Join(dir, "d_icd_diagnoses.csv"),
		[]string{"icd_code", "icd_version", "long_title"}, records)
}

func (g *Generator) writeLabItems(dir string) error {
	records := make([][]string, 0, len(labVocabulary))
	for _, item := range labVocabulary {
		records = append(records, []string{strconv.FormatInt(item.itemID, 10), item.label})
	}
	return writeCSVFile(filepath.Join(dir, "d_labitems.csv"),
		[]string{"itemid", "label"}, records)
}
