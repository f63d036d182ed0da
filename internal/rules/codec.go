package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"herbtrace/pkg/domain"
)

// Document is the JSON representation of a rule used by rule files and the API.
type Document struct {
	ID         string          `json:"id"`
	Name       string          `json:"name,omitempty"`
	Type       domain.RuleKind `json:"type"`
	Species    string          `json:"species"`
	Active     *bool           `json:"active,omitempty"`
	Parameters json.RawMessage `json:"parameters"`
}

type point [2]float64

type zoneParams struct {
	Name    string  `json:"name,omitempty"`
	Bounds  []point `json:"bounds,omitempty"`
	Polygon []point `json:"polygon,omitempty"`
}

type geoFenceParams struct {
	AllowedZones []zoneParams `json:"allowed_zones"`
}

type seasonalParams struct {
	HarvestingMonths []int `json:"harvesting_months"`
	ClosedMonths     []int `json:"closed_months,omitempty"`
	RecoveryMonths   []int `json:"recovery_months,omitempty"`
}

type conservationParams struct {
	MaxDailyHarvestKg    float64 `json:"max_daily_harvest_kg"`
	MaxSeasonalHarvestKg float64 `json:"max_seasonal_harvest_kg"`
	MinPlantAgeMonths    int     `json:"min_plant_age_months,omitempty"`
	MaxHarvestFraction   float64 `json:"max_harvest_fraction,omitempty"`
	RegenerationMonths   int     `json:"regeneration_months,omitempty"`
}

type qualityParams struct {
	MaxMoisturePercent float64            `json:"max_moisture_percent,omitempty"`
	MaxContaminants    map[string]float64 `json:"max_contaminants,omitempty"`
	MinCompounds       map[string]float64 `json:"min_compounds,omitempty"`
}

// LoadFile reads a JSON array of rule documents from path.
func LoadFile(path string) ([]domain.Rule, error) {
	// #nosec G304 -- rule file path comes from operator configuration
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rules file: %w", err)
	}
	defer func() { _ = f.Close() }()
	rules, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return rules, nil
}

// Decode reads a JSON array of rule documents.
func Decode(r io.Reader) ([]domain.Rule, error) {
	var docs []Document
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&docs); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	out := make([]domain.Rule, 0, len(docs))
	for i, doc := range docs {
		rule, err := doc.Rule()
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		out = append(out, rule)
	}
	return out, nil
}

// Rule converts the document into its typed variant.
func (d Document) Rule() (domain.Rule, error) {
	meta := domain.RuleMeta{
		ID:      strings.TrimSpace(d.ID),
		Name:    strings.TrimSpace(d.Name),
		Species: strings.TrimSpace(d.Species),
		Active:  d.Active == nil || *d.Active,
	}
	if meta.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	if meta.Species == "" {
		return nil, fmt.Errorf("%s: species is required", meta.ID)
	}
	if len(d.Parameters) == 0 {
		return nil, fmt.Errorf("%s: parameters are required", meta.ID)
	}
	switch d.Type {
	case domain.RuleGeoFence:
		var p geoFenceParams
		if err := decodeParams(d.Parameters, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", meta.ID, err)
		}
		zones, err := toZones(p.AllowedZones)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", meta.ID, err)
		}
		return domain.GeoFenceRule{RuleMeta: meta, Zones: zones}, nil
	case domain.RuleSeasonal:
		var p seasonalParams
		if err := decodeParams(d.Parameters, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", meta.ID, err)
		}
		for _, months := range [][]int{p.HarvestingMonths, p.ClosedMonths, p.RecoveryMonths} {
			if err := checkMonths(months); err != nil {
				return nil, fmt.Errorf("%s: %w", meta.ID, err)
			}
		}
		if len(p.HarvestingMonths) == 0 {
			return nil, fmt.Errorf("%s: harvesting_months is required", meta.ID)
		}
		return domain.SeasonalRule{
			RuleMeta:        meta,
			PermittedMonths: p.HarvestingMonths,
			ClosedMonths:    p.ClosedMonths,
			RecoveryMonths:  p.RecoveryMonths,
		}, nil
	case domain.RuleConservation:
		var p conservationParams
		if err := decodeParams(d.Parameters, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", meta.ID, err)
		}
		if p.MaxHarvestFraction < 0 || p.MaxHarvestFraction > 1 {
			return nil, fmt.Errorf("%s: max_harvest_fraction must be within [0, 1]", meta.ID)
		}
		return domain.ConservationRule{
			RuleMeta:           meta,
			DailyLimitKg:       p.MaxDailyHarvestKg,
			SeasonalLimitKg:    p.MaxSeasonalHarvestKg,
			MinPlantAgeMonths:  p.MinPlantAgeMonths,
			MaxHarvestFraction: p.MaxHarvestFraction,
			RegenerationMonths: p.RegenerationMonths,
		}, nil
	case domain.RuleQuality:
		var p qualityParams
		if err := decodeParams(d.Parameters, &p); err != nil {
			return nil, fmt.Errorf("%s: %w", meta.ID, err)
		}
		return domain.QualityRule{
			RuleMeta:           meta,
			MaxMoisturePercent: p.MaxMoisturePercent,
			MaxContaminants:    p.MaxContaminants,
			MinCompounds:       p.MinCompounds,
		}, nil
	}
	return nil, fmt.Errorf("%s: unknown rule type %q", meta.ID, d.Type)
}

// ToDocument encodes a rule variant as a Document.
func ToDocument(rule domain.Rule) (Document, error) {
	meta := rule.Meta()
	active := meta.Active
	doc := Document{ID: meta.ID, Name: meta.Name, Type: rule.Kind(), Species: meta.Species, Active: &active}
	var params any
	switch r := rule.(type) {
	case domain.GeoFenceRule:
		p := geoFenceParams{AllowedZones: make([]zoneParams, 0, len(r.Zones))}
		for _, z := range r.Zones {
			zp := zoneParams{Name: z.Name}
			if z.Bounds != nil {
				zp.Bounds = []point{{z.Bounds.Min.Lat, z.Bounds.Min.Lng}, {z.Bounds.Max.Lat, z.Bounds.Max.Lng}}
			}
			for _, c := range z.Polygon {
				zp.Polygon = append(zp.Polygon, point{c.Lat, c.Lng})
			}
			p.AllowedZones = append(p.AllowedZones, zp)
		}
		params = p
	case domain.SeasonalRule:
		params = seasonalParams{HarvestingMonths: r.PermittedMonths, ClosedMonths: r.ClosedMonths, RecoveryMonths: r.RecoveryMonths}
	case domain.ConservationRule:
		params = conservationParams{
			MaxDailyHarvestKg:    r.DailyLimitKg,
			MaxSeasonalHarvestKg: r.SeasonalLimitKg,
			MinPlantAgeMonths:    r.MinPlantAgeMonths,
			MaxHarvestFraction:   r.MaxHarvestFraction,
			RegenerationMonths:   r.RegenerationMonths,
		}
	case domain.QualityRule:
		params = qualityParams{MaxMoisturePercent: r.MaxMoisturePercent, MaxContaminants: r.MaxContaminants, MinCompounds: r.MinCompounds}
	default:
		return Document{}, fmt.Errorf("unsupported rule %T", rule)
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return Document{}, fmt.Errorf("encode %s parameters: %w", meta.ID, err)
	}
	doc.Parameters = raw
	return doc, nil
}

func decodeParams(raw json.RawMessage, into any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("parameters: %w", err)
	}
	return nil
}

func toZones(params []zoneParams) ([]domain.Zone, error) {
	if len(params) == 0 {
		return nil, fmt.Errorf("allowed_zones is required")
	}
	zones := make([]domain.Zone, 0, len(params))
	for i, zp := range params {
		zone := domain.Zone{Name: zp.Name}
		switch {
		case len(zp.Polygon) > 0:
			if len(zp.Polygon) < 3 {
				return nil, fmt.Errorf("zone %d: polygon needs at least 3 vertices", i)
			}
			for _, p := range zp.Polygon {
				zone.Polygon = append(zone.Polygon, domain.Coordinates{Lat: p[0], Lng: p[1]})
			}
		case len(zp.Bounds) == 2:
			a, b := zp.Bounds[0], zp.Bounds[1]
			zone.Bounds = &domain.Bounds{
				Min: domain.Coordinates{Lat: min(a[0], b[0]), Lng: min(a[1], b[1])},
				Max: domain.Coordinates{Lat: max(a[0], b[0]), Lng: max(a[1], b[1])},
			}
		default:
			return nil, fmt.Errorf("zone %d: bounds need exactly 2 corners or a polygon", i)
		}
		zones = append(zones, zone)
	}
	return zones, nil
}

func checkMonths(months []int) error {
	for _, m := range months {
		if m < 1 || m > 12 {
			return fmt.Errorf("month %d out of range", m)
		}
	}
	return nil
}
