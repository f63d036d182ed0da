// Package conservation keeps the running harvest totals that conservation
// rules are checked against.
package conservation

import (
	"sort"
	"strings"
	"sync"
	"time"

	"herbtrace/pkg/domain"
)

// DayBucket returns the daily counter bucket for t (UTC calendar date).
func DayBucket(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// SeasonBucket returns the seasonal counter bucket for t (UTC calendar year).
func SeasonBucket(t time.Time) string {
	return t.UTC().Format("2006")
}

// Canonical folds a species or zone label to the form counters are keyed
// on: lower case with runs of whitespace collapsed to one space. Rule lookup
// is case-insensitive, so the counters must be too.
func Canonical(label string) string {
	return strings.ToLower(strings.Join(strings.Fields(label), " "))
}

// Keys returns the daily and seasonal counter keys touched by a harvest.
func Keys(species, zone string, at time.Time) (day, season domain.UsageKey) {
	species, zone = Canonical(species), Canonical(zone)
	day = domain.UsageKey{Species: species, Zone: zone, Period: domain.PeriodDay, Bucket: DayBucket(at)}
	season = domain.UsageKey{Species: species, Zone: zone, Period: domain.PeriodSeason, Bucket: SeasonBucket(at)}
	return day, season
}

// Tracker holds committed per-(species, zone) totals. It is safe for
// concurrent use.
type Tracker struct {
	mu     sync.RWMutex
	totals map[domain.UsageKey]float64
}

// NewTracker constructs an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{totals: make(map[domain.UsageKey]float64)}
}

// Usage returns the committed total for key.
func (t *Tracker) Usage(key domain.UsageKey) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totals[key]
}

// DailyUsage returns the committed total for the UTC day containing at.
func (t *Tracker) DailyUsage(species, zone string, at time.Time) float64 {
	day, _ := Keys(species, zone, at)
	return t.Usage(day)
}

// SeasonUsage returns the committed total for the season containing at.
func (t *Tracker) SeasonUsage(species, zone string, at time.Time) float64 {
	_, season := Keys(species, zone, at)
	return t.Usage(season)
}

// Commit adds amount to the daily and seasonal counters in one step and
// returns the new totals.
func (t *Tracker) Commit(species, zone string, amount float64, at time.Time) []domain.UsageRecord {
	day, season := Keys(species, zone, at)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.totals[day] += amount
	t.totals[season] += amount
	return []domain.UsageRecord{
		{UsageKey: day, AmountKg: t.totals[day]},
		{UsageKey: season, AmountKg: t.totals[season]},
	}
}

// Apply overwrites counters with absolute totals.
func (t *Tracker) Apply(records []domain.UsageRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range records {
		t.totals[rec.UsageKey] = rec.AmountKg
	}
}

// Records returns every counter sorted by key.
func (t *Tracker) Records() []domain.UsageRecord {
	t.mu.RLock()
	out := make([]domain.UsageRecord, 0, len(t.totals))
	for key, amount := range t.totals {
		out = append(out, domain.UsageRecord{UsageKey: key, AmountKg: amount})
	}
	t.mu.RUnlock()
	sortRecords(out)
	return out
}

// Stage returns an overlay that accumulates commits on top of the tracker
// without changing it.
func (t *Tracker) Stage() *Staged {
	return &Staged{base: t, delta: make(map[domain.UsageKey]float64)}
}

// Staged is an uncommitted set of increments over a Tracker. It is not safe
// for concurrent use.
type Staged struct {
	base  *Tracker
	delta map[domain.UsageKey]float64
}

// Usage returns the committed total plus staged increments for key.
func (s *Staged) Usage(key domain.UsageKey) float64 {
	return s.base.Usage(key) + s.delta[key]
}

// DailyUsage implements the same read contract as Tracker.DailyUsage.
func (s *Staged) DailyUsage(species, zone string, at time.Time) float64 {
	day, _ := Keys(species, zone, at)
	return s.Usage(day)
}

// SeasonUsage implements the same read contract as Tracker.SeasonUsage.
func (s *Staged) SeasonUsage(species, zone string, at time.Time) float64 {
	_, season := Keys(species, zone, at)
	return s.Usage(season)
}

// Commit stages an increment of the daily and seasonal counters.
func (s *Staged) Commit(species, zone string, amount float64, at time.Time) {
	day, season := Keys(species, zone, at)
	s.delta[day] += amount
	s.delta[season] += amount
}

// Records returns the absolute totals the staged increments produce.
func (s *Staged) Records() []domain.UsageRecord {
	out := make([]domain.UsageRecord, 0, len(s.delta))
	for key := range s.delta {
		out = append(out, domain.UsageRecord{UsageKey: key, AmountKg: s.Usage(key)})
	}
	sortRecords(out)
	return out
}

func sortRecords(records []domain.UsageRecord) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i].UsageKey, records[j].UsageKey
		if a.Species != b.Species {
			return a.Species < b.Species
		}
		if a.Zone != b.Zone {
			return a.Zone < b.Zone
		}
		if a.Period != b.Period {
			return a.Period < b.Period
		}
		return a.Bucket < b.Bucket
	})
}
