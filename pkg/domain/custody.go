// Package domain defines the custody events, compliance rules, ledger records
// and provenance documents shared by every herbtrace layer.
package domain

import "time"

// Coordinates is a WGS84 position in decimal degrees.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// VisualGrade is the categorical grade assigned by a collector on site.
type VisualGrade string

// Visual grades from best to worst. GradePoor is the lowest tier.
const (
	GradeExcellent VisualGrade = "excellent"
	GradeGood      VisualGrade = "good"
	GradeFair      VisualGrade = "fair"
	GradePoor      VisualGrade = "poor"
)

// Valid reports whether the grade is one of the recognised tiers.
func (g VisualGrade) Valid() bool {
	switch g {
	case GradeExcellent, GradeGood, GradeFair, GradePoor:
		return true
	}
	return false
}

// QualityMetrics captures the field measurements taken at harvest.
type QualityMetrics struct {
	MoisturePercent  float64     `json:"moisture_percent"`
	VisualGrade      VisualGrade `json:"visual_grade"`
	EstimatedYieldKg float64     `json:"estimated_yield_kg"`
}

// ValidationSummary is the acceptance record stored with an accepted collection event.
type ValidationSummary struct {
	SatisfiedRules []string `json:"satisfied_rules,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
}

// CollectionEvent records a wild or cultivated harvest. BatchID is assigned once
// and never changes; Accepted flips to true only after validation succeeds.
type CollectionEvent struct {
	BatchID         string             `json:"batch_id"`
	Location        Coordinates        `json:"location"`
	Timestamp       time.Time          `json:"timestamp"`
	CollectorID     string             `json:"collector_id"`
	Species         string             `json:"species"`
	Quality         QualityMetrics     `json:"quality"`
	Zone            string             `json:"zone"`
	PlantAgeMonths  *int               `json:"plant_age_months,omitempty"`
	HarvestFraction *float64           `json:"harvest_fraction,omitempty"`
	Photos          []string           `json:"photos,omitempty"`
	Accepted        bool               `json:"accepted"`
	Validation      *ValidationSummary `json:"validation,omitempty"`
	// QuotaZone is the zone whose conservation counters the harvest was
	// charged to. It is set on acceptance.
	QuotaZone string `json:"quota_zone,omitempty"`
}

// CounterZone returns the zone the event's yield counts against.
func (e CollectionEvent) CounterZone() string {
	if e.QuotaZone != "" {
		return e.QuotaZone
	}
	return e.Zone
}

// StepKind enumerates processing operations applied to a batch.
type StepKind string

// Supported processing step kinds.
const (
	StepDrying     StepKind = "drying"
	StepGrinding   StepKind = "grinding"
	StepExtraction StepKind = "extraction"
	StepPackaging  StepKind = "packaging"
	StepStorage    StepKind = "storage"
)

// Valid reports whether the step kind is supported.
func (k StepKind) Valid() bool {
	switch k {
	case StepDrying, StepGrinding, StepExtraction, StepPackaging, StepStorage:
		return true
	}
	return false
}

// ProcessingStep records a transformation applied to an accepted batch.
type ProcessingStep struct {
	BatchID         string             `json:"batch_id"`
	Kind            StepKind           `json:"kind"`
	TemperatureC    *float64           `json:"temperature_c,omitempty"`
	HumidityPercent *float64           `json:"humidity_percent,omitempty"`
	DurationMinutes *float64           `json:"duration_minutes,omitempty"`
	Parameters      map[string]float64 `json:"parameters,omitempty"`
	Location        *Coordinates       `json:"location,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
	ActorID         string             `json:"actor_id"`
	Notes           string             `json:"notes,omitempty"`
}

// TestKind enumerates laboratory test families.
type TestKind string

// Supported laboratory test kinds.
const (
	TestPesticide   TestKind = "pesticide"
	TestHeavyMetals TestKind = "heavy_metals"
	TestDNABarcode  TestKind = "dna_barcode"
	TestPotency     TestKind = "potency"
	TestMicrobial   TestKind = "microbial"
)

// Valid reports whether the test kind is supported.
func (k TestKind) Valid() bool {
	switch k {
	case TestPesticide, TestHeavyMetals, TestDNABarcode, TestPotency, TestMicrobial:
		return true
	}
	return false
}

// TestResult is the laboratory verdict.
type TestResult string

// Laboratory verdicts.
const (
	ResultPass    TestResult = "pass"
	ResultFail    TestResult = "fail"
	ResultPending TestResult = "pending"
)

// Valid reports whether the verdict is recognised.
func (r TestResult) Valid() bool {
	switch r {
	case ResultPass, ResultFail, ResultPending:
		return true
	}
	return false
}

// QualityTest records a laboratory analysis of a batch. CertificateFingerprint
// is unique across the ledger.
type QualityTest struct {
	BatchID                string             `json:"batch_id"`
	Kind                   TestKind           `json:"kind"`
	Result                 TestResult         `json:"result"`
	Measurements           map[string]float64 `json:"measurements,omitempty"`
	CertificateFingerprint string             `json:"certificate_fingerprint"`
	Location               *Coordinates       `json:"location,omitempty"`
	Timestamp              time.Time          `json:"timestamp"`
	ActorID                string             `json:"actor_id"`
	Compliance             bool               `json:"compliance"`
	Findings               []string           `json:"findings,omitempty"`
}
