// Package federate computes cohort statistics across patient partitions
// without moving row-level data between them. Each partition reduces to
// a two-scalar summary on its own; only summaries are merged.
package federate

import (
	"context"
	"fmt"
	"math"
	"regexp"

	"github.com/jackc/pgx/v5"
)

// identPattern matches the table names the summarize phase will query.
// Partition tables are named after source file stems, so anything
// outside this alphabet is a bad file name, not a real table.
var identPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Querier is the single-row query surface the summarize phase needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Partial is the per-partition summary exchanged between the two
// phases. It carries a running sum and count and nothing else.
type Partial struct {
	Partition string  `json:"partition"`
	SumAges   float64 `json:"sum_ages"`
	Count     int64   `json:"count"`
}

// Summarize reduces one partition table to its Partial. Age is measured
// at the subject's earliest admission; subjects without a birth date or
// without any admission contribute nothing.
func Summarize(ctx context.Context, q Querier, table string) (Partial, error) {
	if !identPattern.MatchString(table) {
		return Partial{}, fmt.Errorf("federate: invalid partition table %q", table)
	}

	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(age_years), 0)::float8, COUNT(*)
		FROM (
			SELECT (EXTRACT(EPOCH FROM (MIN(a.admittime) - p.dob)) / 86400.0 / 365.2425)::float8 AS age_years
			FROM %s p
			JOIN admissions a ON a.subject_id = p.subject_id
			WHERE p.dob IS NOT NULL AND a.admittime IS NOT NULL
			GROUP BY p.subject_id, p.dob
		) ages`, pgx.Identifier{table}.Sanitize())

	part := Partial{Partition: table}
	if err := q.QueryRow(ctx, query).Scan(&part.SumAges, &part.Count); err != nil {
		return Partial{}, fmt.Errorf("federate: summarize %s: %w", table, err)
	}
	return part, nil
}

// Combine merges partition summaries into a single mean age. It takes
// no Querier: the merge phase works on summaries alone. A zero total
// count yields NaN, the same as a plain mean over no rows.
func Combine(partials []Partial) float64 {
	var sum float64
	var n int64
	for _, p := range partials {
		sum += p.SumAges
		n += p.Count
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// Service runs the summarize phase against a store where the partition
// tables live side by side.
type Service struct {
	q Querier
}

func NewService(q Querier) *Service {
	return &Service{q: q}
}

// SummarizeAll produces one Partial per partition table, in the order
// given.
func (s *Service) SummarizeAll(ctx context.Context, tables []string) ([]Partial, error) {
	partials := make([]Partial, 0, len(tables))
	for _, table := range tables {
		part, err := Summarize(ctx, s.q, table)
		if err != nil {
			return nil, err
		}
		partials = append(partials, part)
	}
	return partials, nil
}
