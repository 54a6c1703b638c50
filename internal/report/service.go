// Package report computes the cohort report sets and writes their
// artifacts. Aggregation happens in SQL through the Repository; shares,
// clamps and NaN handling happen here.
package report

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinrep/clinrep/internal/federate"
)

// PartitionSummarizer produces the per-partition summaries for the
// federated mean. Only summaries cross this boundary.
type PartitionSummarizer interface {
	SummarizeAll(ctx context.Context, tables []string) ([]federate.Partial, error)
}

// Service runs the report sets in a fixed order. A failed report fails
// the run; artifacts already written stay on disk.
type Service struct {
	repo   Repository
	fed    PartitionSummarizer
	writer *Writer
	logger zerolog.Logger
}

func NewService(repo Repository, fed PartitionSummarizer, writer *Writer, logger zerolog.Logger) *Service {
	return &Service{repo: repo, fed: fed, writer: writer, logger: logger}
}

// Run executes every report set and writes the run summary last.
func (s *Service) Run(ctx context.Context, partitions []string, sources []SourceCount) (*RunSummary, error) {
	started := time.Now()
	summary := &RunSummary{
		RunID:       uuid.NewString(),
		GeneratedAt: started.UTC(),
		Sources:     sources,
		Partitions:  partitions,
	}

	if err := s.writer.ensureDir(); err != nil {
		return nil, err
	}

	for _, set := range []struct {
		name string
		run  func(context.Context) (int64, error)
	}{
		{"demographics", s.runDemographics},
		{"diagnosis_coding", s.runDiagnosisCoding},
		{"lab_statistics", s.runLabStatistics},
		{"federated_mean", func(ctx context.Context) (int64, error) {
			return s.runFederatedMean(ctx, partitions)
		}},
	} {
		start := time.Now()
		rows, err := set.run(ctx)
		if err != nil {
			return nil, fmt.Errorf("report %s: %w", set.name, err)
		}
		elapsed := time.Since(start)

		s.logger.Info().
			Str("report", set.name).
			Int64("rows", rows).
			Dur("elapsed", elapsed).
			Msg("report written")
		summary.Reports = append(summary.Reports, ReportStats{
			Name:      set.name,
			Rows:      rows,
			ElapsedMS: elapsed.Milliseconds(),
		})
	}

	summary.ElapsedMS = time.Since(started).Milliseconds()
	if err := s.writer.WriteRunSummary(summary); err != nil {
		return nil, err
	}
	return summary, nil
}

// ---- demographics ----

// Demographics builds the gender, age and length-of-stay report set.
func (s *Service) Demographics(ctx context.Context) (*DemographicsReport, error) {
	counts, err := s.repo.GenderCounts(ctx)
	if err != nil {
		return nil, err
	}

	var total int64
	for _, gc := range counts {
		total += gc.Count
	}

	rep := &DemographicsReport{}
	for _, gc := range counts {
		share := GenderShare{Gender: gc.Gender, Count: gc.Count}
		if total > 0 {
			share.Percent = float64(gc.Count) * 100 / float64(total)
		}
		rep.Genders = append(rep.Genders, share)
	}

	st, err := s.repo.AgeStats(ctx)
	if err != nil {
		return nil, err
	}
	rep.Age = AgeSummary{
		MeanYears:   orNaN(st.MeanYears),
		MedianYears: orNaN(st.MedianYears),
		Subjects:    st.Subjects,
	}

	buckets, err := s.repo.LOSBuckets(ctx)
	if err != nil {
		return nil, err
	}
	rep.Histogram = buildHistogram(buckets)
	return rep, nil
}

func orNaN(v *float64) float64 {
	if v == nil {
		return math.NaN()
	}
	return *v
}

// buildHistogram densifies sparse bucket counts into the fixed-width
// histogram. Out-of-range buckets clamp to the nearest edge so the
// total always matches the admission count behind it.
func buildHistogram(buckets []LOSBucket) LOSHistogram {
	var h LOSHistogram
	for _, b := range buckets {
		switch {
		case b.Bucket >= losBuckets:
			h.Overflow += b.Count
		case b.Bucket < 0:
			h.Buckets[0] += b.Count
		default:
			h.Buckets[b.Bucket] += b.Count
		}
	}
	for _, n := range h.Buckets {
		h.Total += n
	}
	h.Total += h.Overflow
	return h
}

func (s *Service) runDemographics(ctx context.Context) (int64, error) {
	rep, err := s.Demographics(ctx)
	if err != nil {
		return 0, err
	}

	if err := s.writer.WriteGenderDistribution(rep.Genders); err != nil {
		return 0, err
	}
	if err := s.writer.WriteAgeSummary(rep.Age); err != nil {
		return 0, err
	}
	if err := s.writer.WriteLOSChart(BuildLOSChart(rep.Histogram)); err != nil {
		return 0, err
	}
	return int64(len(rep.Genders)) + 2 + losBuckets + 1, nil
}

// ---- diagnosis coding ----

// DiagnosisCoding builds the coding intensity and frequency report
// set. Top-diagnosis percentages are shares of the whole cohort, not
// of diagnosed subjects.
func (s *Service) DiagnosisCoding(ctx context.Context) (*DiagnosisReport, error) {
	avg, err := s.repo.AvgDistinctCodesPerSubject(ctx)
	if err != nil {
		return nil, err
	}

	top, err := s.repo.TopDiagnoses(ctx, TopLimit)
	if err != nil {
		return nil, err
	}
	if len(top) > TopLimit {
		top = top[:TopLimit]
	}

	patients, err := s.repo.PatientCount(ctx)
	if err != nil {
		return nil, err
	}
	for i := range top {
		if patients > 0 {
			top[i].Percent = float64(top[i].Subjects) * 100 / float64(patients)
		}
	}

	subjects, err := s.repo.SubjectDiagnoses(ctx)
	if err != nil {
		return nil, err
	}

	return &DiagnosisReport{AvgDistinctCodes: avg, Top: top, Subjects: subjects}, nil
}

func (s *Service) runDiagnosisCoding(ctx context.Context) (int64, error) {
	rep, err := s.DiagnosisCoding(ctx)
	if err != nil {
		return 0, err
	}

	if err := s.writer.WriteDiagnosisSummary(rep.AvgDistinctCodes); err != nil {
		return 0, err
	}
	if err := s.writer.WriteTopDiagnoses(rep.Top); err != nil {
		return 0, err
	}
	if err := s.writer.WriteSubjectDiagnoses(rep.Subjects); err != nil {
		return 0, err
	}
	return 1 + int64(len(rep.Top)) + int64(len(rep.Subjects)), nil
}

// ---- lab statistics ----

func (s *Service) LabStatistics(ctx context.Context) ([]LabStat, error) {
	return s.repo.LabStats(ctx)
}

func (s *Service) runLabStatistics(ctx context.Context) (int64, error) {
	stats, err := s.LabStatistics(ctx)
	if err != nil {
		return 0, err
	}
	if err := s.writer.WriteLabStats(stats); err != nil {
		return 0, err
	}
	return int64(len(stats)), nil
}

// ---- federated mean ----

// FederatedMean summarizes each partition and merges the summaries.
// CombinedMean stays nil when no partition contributed a subject.
func (s *Service) FederatedMean(ctx context.Context, partitions []string) (*FederatedReport, error) {
	partials, err := s.fed.SummarizeAll(ctx, partitions)
	if err != nil {
		return nil, err
	}

	rep := &FederatedReport{Partials: partials}
	if mean := federate.Combine(partials); !math.IsNaN(mean) {
		rep.CombinedMean = &mean
	}
	return rep, nil
}

func (s *Service) runFederatedMean(ctx context.Context, partitions []string) (int64, error) {
	rep, err := s.FederatedMean(ctx, partitions)
	if err != nil {
		return 0, err
	}
	if err := s.writer.WriteFederatedMean(rep); err != nil {
		return 0, err
	}
	return int64(len(rep.Partials)), nil
}
