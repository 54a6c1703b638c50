package ingest

import "time"

// Row types mirror the source tables column for column. Pointer fields
// load as NULL; the readers leave them nil when the source cell is
// empty or, for measurements, unusable.

type PatientRow struct {
	SubjectID int64
	Gender    *string
	DOB       *time.Time
}

type AdmissionRow struct {
	SubjectID int64
	HadmID    int64
	AdmitTime *time.Time
	DischTime *time.Time
}

type DiagnosisRow struct {
	SubjectID  int64
	HadmID     *int64
	ICDCode    string
	ICDVersion int16
}

type LabEventRow struct {
	SubjectID int64
	ItemID    int64
	Value     *string
	ValueNum  *float64
}

type ICDDimensionRow struct {
	ICDCode    string
	ICDVersion int16
	LongTitle  *string
}

type LabItemRow struct {
	ItemID int64
	Label  *string
}
