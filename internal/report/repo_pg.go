package report

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) PatientCount(ctx context.Context) (int64, error) {
	var n int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM patients`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count patients: %w", err)
	}
	return n, nil
}

// ---- demographics ----

func (r *repoPG) GenderCounts(ctx context.Context) ([]GenderCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT COALESCE(gender, 'unknown') AS gender, COUNT(*) AS total
		FROM patients
		GROUP BY COALESCE(gender, 'unknown')
		ORDER BY total DESC, gender ASC`)
	if err != nil {
		return nil, fmt.Errorf("query gender counts: %w", err)
	}
	defer rows.Close()

	var out []GenderCount
	for rows.Next() {
		var gc GenderCount
		if err := rows.Scan(&gc.Gender, &gc.Count); err != nil {
			return nil, fmt.Errorf("scan gender count: %w", err)
		}
		out = append(out, gc)
	}
	return out, rows.Err()
}

// AgeStats measures age at each subject's earliest admission. Subjects
// without a birth date or without any admission are excluded.
func (r *repoPG) AgeStats(ctx context.Context) (AgeStats, error) {
	var st AgeStats
	err := r.pool.QueryRow(ctx, `
		SELECT AVG(age_years),
		       PERCENTILE_CONT(0.5) WITHIN GROUP (ORDER BY age_years),
		       COUNT(*)
		FROM (
			SELECT (EXTRACT(EPOCH FROM (MIN(a.admittime) - p.dob)) / 86400.0 / 365.2425)::float8 AS age_years
			FROM patients p
			JOIN admissions a ON a.subject_id = p.subject_id
			WHERE p.dob IS NOT NULL AND a.admittime IS NOT NULL
			GROUP BY p.subject_id, p.dob
		) ages`).Scan(&st.MeanYears, &st.MedianYears, &st.Subjects)
	if err != nil {
		return AgeStats{}, fmt.Errorf("query age stats: %w", err)
	}
	return st, nil
}

// LOSBuckets counts admissions per whole-day length of stay. Stays are
// clamped into [0, 15]: anything negative lands in bucket 0, anything
// of 15 days or longer in bucket 15. Admissions without a discharge
// time are excluded.
func (r *repoPG) LOSBuckets(ctx context.Context) ([]LOSBucket, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT LEAST(GREATEST(COALESCE(FLOOR(EXTRACT(EPOCH FROM (dischtime - admittime)) / 86400.0), 0), 0), 15)::INT AS bucket,
		       COUNT(*) AS total
		FROM admissions
		WHERE dischtime IS NOT NULL
		GROUP BY bucket
		ORDER BY bucket`)
	if err != nil {
		return nil, fmt.Errorf("query los buckets: %w", err)
	}
	defer rows.Close()

	var out []LOSBucket
	for rows.Next() {
		var b LOSBucket
		if err := rows.Scan(&b.Bucket, &b.Count); err != nil {
			return nil, fmt.Errorf("scan los bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ---- diagnosis coding ----

// AvgDistinctCodesPerSubject averages per-subject distinct (code,
// version) pairs over subjects that have at least one coded diagnosis.
func (r *repoPG) AvgDistinctCodesPerSubject(ctx context.Context) (float64, error) {
	var avg float64
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(AVG(code_count), 0)::float8
		FROM (
			SELECT COUNT(DISTINCT (icd_code, icd_version)) AS code_count
			FROM diagnoses
			GROUP BY subject_id
		) per_subject`).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("query avg distinct codes: %w", err)
	}
	return avg, nil
}

// TopDiagnoses ranks (code, version) pairs by the number of distinct
// subjects carrying them, ties broken by code then version ascending.
func (r *repoPG) TopDiagnoses(ctx context.Context, limit int) ([]TopDiagnosis, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT d.icd_code, d.icd_version,
		       COUNT(DISTINCT d.subject_id) AS subjects,
		       COALESCE(MAX(dim.long_title), '') AS long_title
		FROM diagnoses d
		LEFT JOIN d_icd_diagnoses dim
		  ON dim.icd_code = d.icd_code AND dim.icd_version = d.icd_version
		GROUP BY d.icd_code, d.icd_version
		ORDER BY subjects DESC, d.icd_code ASC, d.icd_version ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query top diagnoses: %w", err)
	}
	defer rows.Close()

	var out []TopDiagnosis
	for rows.Next() {
		var td TopDiagnosis
		if err := rows.Scan(&td.ICDCode, &td.ICDVersion, &td.Subjects, &td.LongTitle); err != nil {
			return nil, fmt.Errorf("scan top diagnosis: %w", err)
		}
		out = append(out, td)
	}
	return out, rows.Err()
}

// SubjectDiagnoses lists each subject's distinct code values as one
// comma-delimited, code-sorted string.
func (r *repoPG) SubjectDiagnoses(ctx context.Context) ([]SubjectCodes, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT subject_id, STRING_AGG(DISTINCT icd_code, ',' ORDER BY icd_code) AS codes
		FROM diagnoses
		GROUP BY subject_id
		ORDER BY subject_id`)
	if err != nil {
		return nil, fmt.Errorf("query subject diagnoses: %w", err)
	}
	defer rows.Close()

	var out []SubjectCodes
	for rows.Next() {
		var sc SubjectCodes
		if err := rows.Scan(&sc.SubjectID, &sc.Codes); err != nil {
			return nil, fmt.Errorf("scan subject codes: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ---- lab statistics ----

// LabStats aggregates lab events per item label. The mean runs over
// non-null valuenum; the missing percentage measures the raw value
// column, so a textual result with no numeric parse is not missing.
func (r *repoPG) LabStats(ctx context.Context) ([]LabStat, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT COALESCE(dim.label, 'unknown') AS label,
		       AVG(l.valuenum) AS mean_valuenum,
		       ((COUNT(*) FILTER (WHERE l.value IS NULL)) * 100.0 / COUNT(*))::float8 AS missing_pct,
		       COUNT(*) AS total
		FROM labevents l
		LEFT JOIN d_labitems dim ON dim.itemid = l.itemid
		GROUP BY COALESCE(dim.label, 'unknown')
		ORDER BY label`)
	if err != nil {
		return nil, fmt.Errorf("query lab stats: %w", err)
	}
	defer rows.Close()

	var out []LabStat
	for rows.Next() {
		var ls LabStat
		if err := rows.Scan(&ls.Label, &ls.Mean, &ls.MissingPct, &ls.Rows); err != nil {
			return nil, fmt.Errorf("scan lab stat: %w", err)
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}
