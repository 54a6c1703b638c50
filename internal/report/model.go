package report

import (
	"time"

	"github.com/clinrep/clinrep/internal/federate"
)

const (
	// losBuckets is the number of whole-day histogram buckets; stays of
	// losBuckets days or longer land in the overflow bucket.
	losBuckets = 15

	// TopLimit caps the most-frequent-diagnoses table.
	TopLimit = 10
)

// Aggregate rows returned by the repository. Pointer fields are NULL
// when the underlying aggregate had no input rows.

type GenderCount struct {
	Gender string
	Count  int64
}

type AgeStats struct {
	MeanYears   *float64
	MedianYears *float64
	Subjects    int64
}

type LOSBucket struct {
	Bucket int
	Count  int64
}

type TopDiagnosis struct {
	ICDCode    string
	ICDVersion int16
	Subjects   int64
	LongTitle  string
	Percent    float64
}

type SubjectCodes struct {
	SubjectID int64
	Codes     string
}

type LabStat struct {
	Label      string
	Mean       *float64
	MissingPct float64
	Rows       int64
}

// Derived report shapes. Percentages and NaN handling happen here, not
// in SQL.

type GenderShare struct {
	Gender  string
	Count   int64
	Percent float64
}

type AgeSummary struct {
	MeanYears   float64
	MedianYears float64
	Subjects    int64
}

type LOSHistogram struct {
	Buckets  [losBuckets]int64
	Overflow int64
	Total    int64
}

type DemographicsReport struct {
	Genders   []GenderShare
	Age       AgeSummary
	Histogram LOSHistogram
}

type DiagnosisReport struct {
	AvgDistinctCodes float64
	Top              []TopDiagnosis
	Subjects         []SubjectCodes
}

// FederatedReport carries the per-partition summaries and their merge.
// CombinedMean is nil when no partition contributed a subject, which
// serializes as null rather than a NaN JSON cannot express.
type FederatedReport struct {
	Partials     []federate.Partial `json:"partials"`
	CombinedMean *float64           `json:"combined_mean"`
}

// SourceCount echoes the ingest row count for one source table.
type SourceCount struct {
	Table string `json:"table"`
	Rows  int64  `json:"rows"`
}

type ReportStats struct {
	Name      string `json:"name"`
	Rows      int64  `json:"rows"`
	ElapsedMS int64  `json:"elapsed_ms"`
}

type RunSummary struct {
	RunID       string        `json:"run_id"`
	GeneratedAt time.Time     `json:"generated_at"`
	Sources     []SourceCount `json:"sources"`
	Partitions  []string      `json:"partitions"`
	Reports     []ReportStats `json:"reports"`
	ElapsedMS   int64         `json:"elapsed_ms"`
}
