// Package validation evaluates custody events against compliance rules.
// Evaluation is exhaustive: every applicable rule runs and every failure is
// reported, and nothing here mutates shared state.
package validation

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"herbtrace/pkg/domain"
)

// UtilizationWarningRatio is the share of a conservation ceiling at which an
// advisory is emitted.
const UtilizationWarningRatio = 0.8

// UsageReader exposes committed (or staged) conservation totals.
type UsageReader interface {
	DailyUsage(species, zone string, at time.Time) float64
	SeasonUsage(species, zone string, at time.Time) float64
}

// Engine evaluates collection events. The zero value is ready to use.
type Engine struct{}

// NewEngine constructs an engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate checks event against rules and the supplied usage totals. The
// result depends only on its inputs.
func (e *Engine) Evaluate(event domain.CollectionEvent, rules []domain.Rule, usage UsageReader) domain.ValidationResult {
	res := domain.ValidationResult{Accepted: true, Errors: []string{}, Warnings: []string{}, SatisfiedRules: []string{}}
	checkCollectionFields(&res, event)

	if len(rules) == 0 {
		res.Warn(fmt.Sprintf("no active compliance rules for %s", event.Species))
	}
	quotaZone := QuotaZone(event, rules)
	for _, rule := range rules {
		if !rule.Meta().Active {
			continue
		}
		var part domain.ValidationResult
		switch r := rule.(type) {
		case domain.GeoFenceRule:
			part = geoFence(event, r)
		case domain.SeasonalRule:
			part = seasonal(event, r)
		case domain.ConservationRule:
			part = conservationLimits(event, quotaZone, r, usage)
		case domain.QualityRule:
			part = qualityThresholds(event, r)
		default:
			part.Reject(fmt.Sprintf("rule %s has unsupported kind %s", rule.Meta().ID, rule.Kind()))
		}
		res.Merge(part)
	}
	res.Accepted = len(res.Errors) == 0
	return res
}

func checkCollectionFields(res *domain.ValidationResult, event domain.CollectionEvent) {
	required := []struct{ name, value string }{
		{"batch id", event.BatchID},
		{"species", event.Species},
		{"collector id", event.CollectorID},
		{"zone", event.Zone},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			res.Reject(f.name + " is required")
		}
	}
	if event.Timestamp.IsZero() {
		res.Reject("timestamp is required")
	}
	checkCoordinates(res, event.Location)
	q := event.Quality
	switch {
	case !finite(q.MoisturePercent):
		res.Reject("moisture must be a finite number")
	case q.MoisturePercent < 0 || q.MoisturePercent > 100:
		res.Reject(fmt.Sprintf("moisture %.1f%% is outside 0-100", q.MoisturePercent))
	}
	if !q.VisualGrade.Valid() {
		res.Reject(fmt.Sprintf("visual grade %q is not recognised", q.VisualGrade))
	}
	switch {
	case !finite(q.EstimatedYieldKg):
		res.Reject("estimated yield must be a finite number")
	case q.EstimatedYieldKg < 0:
		res.Reject("estimated yield cannot be negative")
	}
	if event.PlantAgeMonths != nil && *event.PlantAgeMonths < 0 {
		res.Reject("plant age cannot be negative")
	}
	if f := event.HarvestFraction; f != nil && (!finite(*f) || *f < 0 || *f > 1) {
		res.Reject("harvest fraction must be within 0-1")
	}
}

func checkCoordinates(res *domain.ValidationResult, c domain.Coordinates) {
	if !finite(c.Lat) || c.Lat < -90 || c.Lat > 90 {
		res.Reject(fmt.Sprintf("latitude %.4f is out of range", c.Lat))
	}
	if !finite(c.Lng) || c.Lng < -180 || c.Lng > 180 {
		res.Reject(fmt.Sprintf("longitude %.4f is out of range", c.Lng))
	}
}

// finite reports whether v is neither NaN nor infinite. NaN compares false
// against every bound.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func checkFiniteValues(res *domain.ValidationResult, field string, values map[string]float64) {
	for _, name := range sortedKeys(values) {
		if !finite(values[name]) {
			res.Reject(fmt.Sprintf("%s %s must be a finite number", field, name))
		}
	}
}

func geoFence(event domain.CollectionEvent, rule domain.GeoFenceRule) domain.ValidationResult {
	var res domain.ValidationResult
	for _, zone := range rule.Zones {
		if ZoneContains(zone, event.Location) {
			label := domain.RuleLabel(rule)
			if zone.Name != "" {
				label += " (" + zone.Name + ")"
			}
			res.Satisfy(label)
			return res
		}
	}
	res.Reject(fmt.Sprintf("harvest location (%.4f, %.4f) is outside approved zones for %s",
		event.Location.Lat, event.Location.Lng, event.Species))
	return res
}

func seasonal(event domain.CollectionEvent, rule domain.SeasonalRule) domain.ValidationResult {
	var res domain.ValidationResult
	month := int(event.Timestamp.UTC().Month())
	switch {
	case slices.Contains(rule.ClosedMonths, month):
		res.Reject(fmt.Sprintf("harvesting prohibited in month %d: closed season (ecological protection)", month))
	case slices.Contains(rule.PermittedMonths, month):
	case slices.Contains(rule.RecoveryMonths, month):
		res.Reject(fmt.Sprintf("harvesting prohibited in month %d: recovery period (post-harvest regeneration)", month))
	default:
		res.Reject(fmt.Sprintf("harvesting not permitted in month %d for %s", month, event.Species))
	}
	if n := len(rule.PermittedMonths); n > 0 && rule.PermittedMonths[n-1] == month {
		res.Warn("end of harvesting season approaching: ensure sufficient recovery time")
	}
	if len(res.Errors) == 0 {
		res.Satisfy(domain.RuleLabel(rule))
	}
	return res
}

func conservationLimits(event domain.CollectionEvent, zone string, rule domain.ConservationRule, usage UsageReader) domain.ValidationResult {
	var res domain.ValidationResult
	yield := event.Quality.EstimatedYieldKg
	var daily, season float64
	if usage != nil {
		daily = usage.DailyUsage(event.Species, zone, event.Timestamp)
		season = usage.SeasonUsage(event.Species, zone, event.Timestamp)
	}
	checkCeiling(&res, "daily", daily+yield, rule.DailyLimitKg)
	checkCeiling(&res, "seasonal", season+yield, rule.SeasonalLimitKg)

	if rule.MinPlantAgeMonths > 0 && event.PlantAgeMonths != nil && *event.PlantAgeMonths < rule.MinPlantAgeMonths {
		res.Reject(fmt.Sprintf("plant age %d months is below the minimum of %d months", *event.PlantAgeMonths, rule.MinPlantAgeMonths))
	}
	if rule.MaxHarvestFraction > 0 && event.HarvestFraction != nil && *event.HarvestFraction > rule.MaxHarvestFraction {
		res.Reject(fmt.Sprintf("harvest fraction %.0f%% exceeds the maximum of %.0f%%", *event.HarvestFraction*100, rule.MaxHarvestFraction*100))
	}
	if len(res.Errors) == 0 {
		res.Satisfy(domain.RuleLabel(rule))
	}
	return res
}

func checkCeiling(res *domain.ValidationResult, period string, projected, limit float64) {
	if limit <= 0 {
		return
	}
	if projected > limit {
		res.Reject(fmt.Sprintf("%s harvest limit exceeded: %.1fkg > %.1fkg", period, projected, limit))
		return
	}
	if ratio := projected / limit; ratio >= UtilizationWarningRatio {
		res.Warn(fmt.Sprintf("%s harvest quota is %.1f%% utilized", period, ratio*100))
	}
}

func qualityThresholds(event domain.CollectionEvent, rule domain.QualityRule) domain.ValidationResult {
	var res domain.ValidationResult
	q := event.Quality
	if rule.MaxMoisturePercent > 0 && q.MoisturePercent > rule.MaxMoisturePercent {
		res.Reject(fmt.Sprintf("moisture content %.1f%% exceeds maximum %.1f%%", q.MoisturePercent, rule.MaxMoisturePercent))
	}
	if q.VisualGrade == domain.GradePoor {
		res.Reject("visual quality assessment failed: poor grade is not acceptable")
	}
	if len(res.Errors) == 0 {
		res.Satisfy(domain.RuleLabel(rule))
	}
	return res
}
