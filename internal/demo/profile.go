package demo

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile controls the synthetic cohort generator.
type Profile struct {
	Seed       int64 `yaml:"seed"`
	Patients   int   `yaml:"patients"`
	Partitions int   `yaml:"partitions"`
	Diagnoses  int   `yaml:"diagnoses"`
	LabEvents  int   `yaml:"labEvents"`

	// MaxAdmissions caps admissions per patient; some patients get
	// none.
	MaxAdmissions int `yaml:"maxAdmissions"`

	GenderNullRate    float64 `yaml:"genderNullRate"`
	DOBNullRate       float64 `yaml:"dobNullRate"`
	DischargeNullRate float64 `yaml:"dischargeNullRate"`
	LabMissingRate    float64 `yaml:"labMissingRate"`
	LabTextRate       float64 `yaml:"labTextRate"`

	// LabEventsParquet emits labevents as parquet instead of CSV.
	LabEventsParquet bool `yaml:"labEventsParquet"`
}

// DefaultProfile is a small cohort that exercises every report path.
func DefaultProfile() Profile {
	return Profile{
		Seed:              11,
		Patients:          200,
		Partitions:        2,
		Diagnoses:         600,
		LabEvents:         1200,
		MaxAdmissions:     3,
		GenderNullRate:    0.05,
		DOBNullRate:       0.05,
		DischargeNullRate: 0.1,
		LabMissingRate:    0.1,
		LabTextRate:       0.05,
	}
}

// LoadProfile reads a YAML profile. Keys absent from the file keep
// their default values.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()

	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("demo: read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("demo: parse profile: %w", err)
	}
	return p, nil
}
