package validation

import (
	"fmt"
	"sort"
	"strings"

	"herbtrace/pkg/domain"
)

// CheckProcessingStep validates the fields of a processing step. Batch
// existence and ordering are checked by the caller against the ledger.
func CheckProcessingStep(step domain.ProcessingStep) domain.ValidationResult {
	res := domain.ValidationResult{Accepted: true}
	if strings.TrimSpace(step.BatchID) == "" {
		res.Reject("batch id is required")
	}
	if strings.TrimSpace(step.ActorID) == "" {
		res.Reject("actor id is required")
	}
	if !step.Kind.Valid() {
		res.Reject(fmt.Sprintf("processing step kind %q is not supported", step.Kind))
	}
	if step.Timestamp.IsZero() {
		res.Reject("timestamp is required")
	}
	if t := step.TemperatureC; t != nil && (!finite(*t) || *t < -50 || *t > 200) {
		res.Reject(fmt.Sprintf("temperature %.1fC is outside -50 to 200", *t))
	}
	if h := step.HumidityPercent; h != nil && (!finite(*h) || *h < 0 || *h > 100) {
		res.Reject(fmt.Sprintf("humidity %.1f%% is outside 0-100", *h))
	}
	if d := step.DurationMinutes; d != nil && (!finite(*d) || *d < 0) {
		res.Reject("duration must be a non-negative finite number")
	}
	checkFiniteValues(&res, "parameter", step.Parameters)
	if step.Location != nil {
		checkCoordinates(&res, *step.Location)
	}
	return res
}

// CheckQualityTest validates the fields of a laboratory test.
func CheckQualityTest(test domain.QualityTest) domain.ValidationResult {
	res := domain.ValidationResult{Accepted: true}
	if strings.TrimSpace(test.BatchID) == "" {
		res.Reject("batch id is required")
	}
	if strings.TrimSpace(test.ActorID) == "" {
		res.Reject("actor id is required")
	}
	if !test.Kind.Valid() {
		res.Reject(fmt.Sprintf("test kind %q is not supported", test.Kind))
	}
	if !test.Result.Valid() {
		res.Reject(fmt.Sprintf("test result %q is not recognised", test.Result))
	}
	if strings.TrimSpace(test.CertificateFingerprint) == "" {
		res.Reject("certificate fingerprint is required")
	}
	if test.Timestamp.IsZero() {
		res.Reject("timestamp is required")
	}
	if test.Location != nil {
		checkCoordinates(&res, *test.Location)
	}
	checkFiniteValues(&res, "measurement", test.Measurements)
	return res
}

// AssessQualityTest compares lab measurements with the active quality rules.
// Findings do not reject the test; they clear its compliance flag.
func AssessQualityTest(test domain.QualityTest, rules []domain.Rule) (findings []string, compliant bool) {
	for _, rule := range rules {
		q, ok := rule.(domain.QualityRule)
		if !ok || !q.Active {
			continue
		}
		for _, name := range sortedKeys(q.MaxContaminants) {
			limit := q.MaxContaminants[name]
			if v, ok := test.Measurements[name]; ok && v > limit {
				findings = append(findings, fmt.Sprintf("%s measured %g exceeds maximum %g", name, v, limit))
			}
		}
		for _, name := range sortedKeys(q.MinCompounds) {
			floor := q.MinCompounds[name]
			if v, ok := test.Measurements[name]; ok && v < floor {
				findings = append(findings, fmt.Sprintf("%s measured %g is below minimum %g", name, v, floor))
			}
		}
		if v, ok := test.Measurements["moisture"]; ok && q.MaxMoisturePercent > 0 && v > q.MaxMoisturePercent {
			findings = append(findings, fmt.Sprintf("moisture measured %g exceeds maximum %g", v, q.MaxMoisturePercent))
		}
	}
	return findings, test.Result == domain.ResultPass && len(findings) == 0
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
