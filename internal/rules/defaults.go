package rules

import "herbtrace/pkg/domain"

// DefaultSpecies is the species covered by the built-in rule set.
const DefaultSpecies = "Withania somnifera"

// Defaults returns the built-in Ashwagandha rule set.
func Defaults() []domain.Rule {
	meta := func(id, name string) domain.RuleMeta {
		return domain.RuleMeta{ID: id, Name: name, Species: DefaultSpecies, Active: true}
	}
	return []domain.Rule{
		domain.GeoFenceRule{
			RuleMeta: meta("ashwagandha-geo-fence", "Approved harvesting zones"),
			Zones: []domain.Zone{
				{Name: "Rajasthan Zone A", Bounds: &domain.Bounds{Min: domain.Coordinates{Lat: 26, Lng: 74}, Max: domain.Coordinates{Lat: 27, Lng: 75}}},
				{Name: "Madhya Pradesh Zone B", Bounds: &domain.Bounds{Min: domain.Coordinates{Lat: 22, Lng: 77}, Max: domain.Coordinates{Lat: 23, Lng: 78}}},
			},
		},
		domain.SeasonalRule{
			RuleMeta:        meta("ashwagandha-seasonal", "Harvesting season"),
			PermittedMonths: []int{10, 11, 12, 1, 2},
			ClosedMonths:    []int{6, 7, 8, 9},
			RecoveryMonths:  []int{3, 4, 5},
		},
		domain.ConservationRule{
			RuleMeta:           meta("ashwagandha-conservation", "Conservation limits"),
			DailyLimitKg:       100,
			SeasonalLimitKg:    2000,
			MinPlantAgeMonths:  12,
			MaxHarvestFraction: 0.30,
			RegenerationMonths: 24,
		},
		domain.QualityRule{
			RuleMeta:           meta("ashwagandha-quality", "Quality thresholds"),
			MaxMoisturePercent: 12,
			MaxContaminants: map[string]float64{
				"lead":       10,
				"cadmium":    0.3,
				"mercury":    1,
				"arsenic":    3,
				"pesticides": 0.01,
			},
			MinCompounds: map[string]float64{
				"withanolides":  0.3,
				"withanolide_a": 0.1,
				"withanolide_d": 0.05,
			},
		},
	}
}
