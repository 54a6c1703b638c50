package report

import "context"

// Repository is the read side of the cohort store. Every method
// returns fully aggregated rows; callers never see row-level events.
type Repository interface {
	PatientCount(ctx context.Context) (int64, error)
	GenderCounts(ctx context.Context) ([]GenderCount, error)
	AgeStats(ctx context.Context) (AgeStats, error)
	LOSBuckets(ctx context.Context) ([]LOSBucket, error)

	AvgDistinctCodesPerSubject(ctx context.Context) (float64, error)
	TopDiagnoses(ctx context.Context, limit int) ([]TopDiagnosis, error)
	SubjectDiagnoses(ctx context.Context) ([]SubjectCodes, error)

	LabStats(ctx context.Context) ([]LabStat, error)
}
