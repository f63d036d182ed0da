package domain

import "strings"

// RuleKind tags the compliance rule variants.
type RuleKind string

// Supported rule kinds.
const (
	RuleGeoFence     RuleKind = "geo_fence"
	RuleSeasonal     RuleKind = "seasonal"
	RuleConservation RuleKind = "conservation"
	RuleQuality      RuleKind = "quality"
)

// RuleMeta is the identity and scope shared by every rule variant.
type RuleMeta struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Species string `json:"species"`
	Active  bool   `json:"active"`
}

// Meta returns the rule identity.
func (m RuleMeta) Meta() RuleMeta { return m }

// Rule is the closed set of compliance rule variants. Only the types declared
// in this package implement it.
type Rule interface {
	Meta() RuleMeta
	Kind() RuleKind
	sealed()
}

// Bounds is an axis-aligned latitude/longitude box.
type Bounds struct {
	Min Coordinates `json:"min"`
	Max Coordinates `json:"max"`
}

// Contains reports whether the point lies inside the box, edges included.
func (b Bounds) Contains(p Coordinates) bool {
	return p.Lat >= b.Min.Lat && p.Lat <= b.Max.Lat && p.Lng >= b.Min.Lng && p.Lng <= b.Max.Lng
}

// Zone is an approved harvesting area expressed either as a box or a polygon.
// A zone with a polygon of three or more vertices uses the polygon.
type Zone struct {
	Name    string        `json:"name,omitempty"`
	Bounds  *Bounds       `json:"bounds,omitempty"`
	Polygon []Coordinates `json:"polygon,omitempty"`
}

// GeoFenceRule restricts harvesting to approved zones.
type GeoFenceRule struct {
	RuleMeta
	Zones []Zone `json:"zones"`
}

// SeasonalRule restricts harvesting to permitted calendar months.
type SeasonalRule struct {
	RuleMeta
	PermittedMonths []int `json:"permitted_months"`
	ClosedMonths    []int `json:"closed_months,omitempty"`
	RecoveryMonths  []int `json:"recovery_months,omitempty"`
}

// ConservationRule caps harvest volumes per zone. Zero or negative limits mean
// no ceiling.
type ConservationRule struct {
	RuleMeta
	DailyLimitKg       float64 `json:"daily_limit_kg"`
	SeasonalLimitKg    float64 `json:"seasonal_limit_kg"`
	MinPlantAgeMonths  int     `json:"min_plant_age_months,omitempty"`
	MaxHarvestFraction float64 `json:"max_harvest_fraction,omitempty"`
	RegenerationMonths int     `json:"regeneration_months,omitempty"`
}

// QualityRule sets numeric thresholds for field metrics and lab measurements.
type QualityRule struct {
	RuleMeta
	MaxMoisturePercent float64            `json:"max_moisture_percent,omitempty"`
	MaxContaminants    map[string]float64 `json:"max_contaminants,omitempty"`
	MinCompounds       map[string]float64 `json:"min_compounds,omitempty"`
}

// Kind implements Rule.
func (GeoFenceRule) Kind() RuleKind { return RuleGeoFence }

// Kind implements Rule.
func (SeasonalRule) Kind() RuleKind { return RuleSeasonal }

// Kind implements Rule.
func (ConservationRule) Kind() RuleKind { return RuleConservation }

// Kind implements Rule.
func (QualityRule) Kind() RuleKind { return RuleQuality }

func (GeoFenceRule) sealed()     {}
func (SeasonalRule) sealed()     {}
func (ConservationRule) sealed() {}
func (QualityRule) sealed()      {}

// WithActive returns a copy of the rule with its active flag replaced.
func WithActive(rule Rule, active bool) Rule {
	switch r := rule.(type) {
	case GeoFenceRule:
		r.Active = active
		return r
	case SeasonalRule:
		r.Active = active
		return r
	case ConservationRule:
		r.Active = active
		return r
	case QualityRule:
		r.Active = active
		return r
	}
	return rule
}

// RuleLabel is the human-readable name reported in validation results.
func RuleLabel(rule Rule) string {
	meta := rule.Meta()
	if strings.TrimSpace(meta.Name) != "" {
		return meta.Name
	}
	return meta.ID
}

// ValidationResult is the outcome of evaluating an event against its rules.
// Accepted is true iff Errors is empty.
type ValidationResult struct {
	Accepted       bool     `json:"accepted"`
	Errors         []string `json:"errors"`
	Warnings       []string `json:"warnings"`
	SatisfiedRules []string `json:"satisfied_rules"`
}

// Merge appends the findings of another result and recomputes acceptance.
func (r *ValidationResult) Merge(other ValidationResult) {
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
	r.SatisfiedRules = append(r.SatisfiedRules, other.SatisfiedRules...)
	r.Accepted = len(r.Errors) == 0
}

// Reject records an error and clears acceptance.
func (r *ValidationResult) Reject(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Accepted = false
}

// Warn records a non-blocking advisory.
func (r *ValidationResult) Warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// Satisfy records a rule that passed.
func (r *ValidationResult) Satisfy(label string) {
	r.SatisfiedRules = append(r.SatisfiedRules, label)
}
