package validation

import "herbtrace/pkg/domain"

// ZoneContains reports whether p lies in the zone. Zones with three or more
// polygon vertices use the polygon; otherwise the bounding box.
func ZoneContains(zone domain.Zone, p domain.Coordinates) bool {
	if len(zone.Polygon) >= 3 {
		return PointInPolygon(p, zone.Polygon)
	}
	if zone.Bounds != nil {
		return zone.Bounds.Contains(p)
	}
	return false
}

// PointInPolygon is the even-odd ray-casting test with longitude as x and
// latitude as y. Points exactly on an edge may fall either way.
func PointInPolygon(p domain.Coordinates, polygon []domain.Coordinates) bool {
	inside := false
	for i, j := 0, len(polygon)-1; i < len(polygon); j, i = i, i+1 {
		xi, yi := polygon[i].Lng, polygon[i].Lat
		xj, yj := polygon[j].Lng, polygon[j].Lat
		if (yi > p.Lat) != (yj > p.Lat) && p.Lng < (xj-xi)*(p.Lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}

// QuotaZone names the zone a harvest's conservation counters are kept
// under: the first named zone of an active geo-fence rule that contains the
// location, else the collector's zone label.
func QuotaZone(event domain.CollectionEvent, rules []domain.Rule) string {
	for _, rule := range rules {
		geo, ok := rule.(domain.GeoFenceRule)
		if !ok || !geo.Active {
			continue
		}
		for _, zone := range geo.Zones {
			if zone.Name != "" && ZoneContains(zone, event.Location) {
				return zone.Name
			}
		}
	}
	return event.Zone
}
