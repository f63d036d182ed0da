package core

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"herbtrace/internal/infra/persistence/memory"
	"herbtrace/pkg/domain"
)

func TestSubmitCollectionEventAcceptsAndCommits(t *testing.T) {
	svc := newTestService(t)
	ctx := orgCtx("coop-rj")

	recorded, res, err := svc.SubmitCollectionEvent(ctx, harvest("B-1", 40))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res.Accepted || !recorded.Accepted {
		t.Fatalf("expected accepted event, got %+v", res)
	}
	if recorded.Validation == nil || len(recorded.Validation.SatisfiedRules) != 4 {
		t.Fatalf("expected validation summary with four satisfied rules, got %+v", recorded.Validation)
	}

	history, err := svc.BatchHistory(ctx, "B-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].OrganizationID != "coop-rj" || history[0].Kind != domain.KindCollectionEvent {
		t.Fatalf("unexpected history %+v", history)
	}
	status, err := svc.ConservationStatus(ctx, recorded.Species, recorded.Zone, harvestAt)
	if err != nil {
		t.Fatalf("conservation status: %v", err)
	}
	if status.DailyUsedKg != 40 || status.SeasonalUsedKg != 40 || status.DailyLimitKg != 100 || status.DailyPercent != 40 {
		t.Fatalf("unexpected conservation status %+v", status)
	}
}

func TestSubmitCollectionEventRejectionLeavesStateUnchanged(t *testing.T) {
	svc := newTestService(t)
	ctx := orgCtx("coop-rj")

	bad := harvest("B-1", 40)
	bad.Location = domain.Coordinates{Lat: 20, Lng: 70}
	bad.Timestamp = time.Date(2024, 7, 10, 8, 0, 0, 0, time.UTC)
	bad.Quality.VisualGrade = domain.GradePoor

	recorded, res, err := svc.SubmitCollectionEvent(ctx, bad)
	var rejected domain.ValidationError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if recorded.Accepted || res.Accepted {
		t.Fatalf("rejected event must not be accepted")
	}
	if len(res.Errors) != 3 {
		t.Fatalf("expected location, closed season and grade errors, got %v", res.Errors)
	}
	if !strings.Contains(strings.Join(res.Errors, "|"), "closed season") {
		t.Fatalf("expected closed season reason, got %v", res.Errors)
	}
	if _, err := svc.BatchHistory(ctx, "B-1"); !domain.IsNotFound(err) {
		t.Fatalf("expected nothing written, got %v", err)
	}
	status, _ := svc.ConservationStatus(ctx, bad.Species, bad.Zone, bad.Timestamp)
	if status.DailyUsedKg != 0 || status.SeasonalUsedKg != 0 {
		t.Fatalf("rejected event changed usage: %+v", status)
	}
}

func TestSubmitCollectionEventConservationScenario(t *testing.T) {
	svc := newTestService(t)
	mustSubmit(t, svc, harvest("B-1", 80))

	_, res, err := svc.SubmitCollectionEvent(orgCtx("coop-rj"), harvest("B-2", 25))
	if err == nil || res.Accepted {
		t.Fatalf("expected 105kg projection to be rejected")
	}
	if !strings.Contains(res.Errors[0], "daily harvest limit exceeded") {
		t.Fatalf("unexpected errors %v", res.Errors)
	}

	recorded, res, err := svc.SubmitCollectionEvent(orgCtx("coop-rj"), harvest("B-3", 15))
	if err != nil {
		t.Fatalf("expected 95kg projection to pass: %v", err)
	}
	if len(res.Warnings) == 0 || !strings.Contains(res.Warnings[0], "95.0% utilized") {
		t.Fatalf("expected utilization warning, got %v", res.Warnings)
	}
	if len(recorded.Validation.Warnings) != len(res.Warnings) {
		t.Fatalf("expected warnings stored with the event")
	}
}

func TestSubmitCollectionEventRejectsDuplicateBatch(t *testing.T) {
	svc := newTestService(t)
	mustSubmit(t, svc, harvest("B-1", 10))

	_, res, err := svc.SubmitCollectionEvent(orgCtx("coop-rj"), harvest("B-1", 10))
	var rejected domain.ValidationError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(strings.Join(res.Errors, "|"), "already recorded") {
		t.Fatalf("expected duplicate batch error, got %v", res.Errors)
	}
}

func TestSubmitCollectionEventFallsBackToCollectorOrganization(t *testing.T) {
	svc := newTestService(t)
	if _, _, err := svc.SubmitCollectionEvent(context.Background(), harvest("B-1", 10)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	history, _ := svc.BatchHistory(context.Background(), "B-1")
	if history[0].OrganizationID != "collector-7" {
		t.Fatalf("expected collector attribution, got %q", history[0].OrganizationID)
	}
}

func TestConcurrentSubmissionsNeverExceedDailyLimit(t *testing.T) {
	svc := newTestService(t)
	var wg sync.WaitGroup
	for i := range 12 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = svc.SubmitCollectionEvent(orgCtx("coop-rj"), harvest("B-"+string(rune('a'+i)), 15))
		}()
	}
	wg.Wait()

	status, err := svc.ConservationStatus(context.Background(), harvest("x", 0).Species, "Rajasthan Zone A", harvestAt)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.DailyUsedKg > 100 {
		t.Fatalf("daily usage %v exceeds limit", status.DailyUsedKg)
	}
	if status.DailyUsedKg != 90 {
		t.Fatalf("expected six accepted events (90kg), got %v", status.DailyUsedKg)
	}
	page, _ := svc.LedgerRange(context.Background(), 0, 0)
	if len(page.Entries) != 6 {
		t.Fatalf("expected six ledger entries, got %d", len(page.Entries))
	}
	if _, err := svc.VerifyLedger(context.Background()); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

// staleViewStore serves reads from a separate store so the projected check
// never sees commits made to the real one.
type staleViewStore struct {
	domain.CustodyStore
	stale domain.CustodyStore
	txs   int
}

func (s *staleViewStore) View(ctx context.Context, fn func(domain.StoreView) error) error {
	return s.stale.View(ctx, fn)
}

func (s *staleViewStore) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	s.txs++
	return s.CustodyStore.RunInTransaction(ctx, fn)
}

func TestSubmitCollectionEventRetriesConflicts(t *testing.T) {
	keys := testKeys(t)
	live := memory.NewStore(keys)
	store := &staleViewStore{CustodyStore: live, stale: memory.NewStore(keys)}
	svc := newServiceOver(t, store, keys)

	if _, _, err := svc.SubmitCollectionEvent(orgCtx("coop-rj"), harvest("B-1", 90)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	store.txs = 0
	_, _, err := svc.SubmitCollectionEvent(orgCtx("coop-rj"), harvest("B-2", 20))
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict after retries, got %v", err)
	}
	if store.txs != DefaultConflictRetries {
		t.Fatalf("expected %d attempts, got %d", DefaultConflictRetries, store.txs)
	}
	err = live.View(context.Background(), func(v domain.StoreView) error {
		if v.Ledger().Height() != 1 {
			t.Fatalf("conflicting event must not be written")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestRecordProcessingStepRequiresAcceptedBatch(t *testing.T) {
	svc := newTestService(t)
	ctx := orgCtx("processor-co")

	_, err := svc.RecordProcessingStep(ctx, drying("missing", harvestAt.Add(time.Hour)))
	var rejected domain.ValidationError
	if !errors.As(err, &rejected) || !strings.Contains(rejected.Error(), "no accepted collection") {
		t.Fatalf("expected unknown batch rejection, got %v", err)
	}

	mustSubmit(t, svc, harvest("B-1", 10))
	if _, err := svc.RecordProcessingStep(ctx, drying("B-1", harvestAt.Add(-time.Hour))); !errors.As(err, &rejected) {
		t.Fatalf("expected step before collection to be rejected, got %v", err)
	}

	entry, err := svc.RecordProcessingStep(ctx, drying("B-1", harvestAt.Add(time.Hour)))
	if err != nil {
		t.Fatalf("record step: %v", err)
	}
	if entry.Height != 1 || entry.OrganizationID != "processor-co" || entry.Kind != domain.KindProcessingStep {
		t.Fatalf("unexpected entry %+v", entry)
	}

	hot := drying("B-1", harvestAt.Add(2*time.Hour))
	temp := 250.0
	hot.TemperatureC = &temp
	if _, err := svc.RecordProcessingStep(ctx, hot); !errors.As(err, &rejected) {
		t.Fatalf("expected out-of-range temperature rejection, got %v", err)
	}
}

func TestRecordQualityTestAssessesCompliance(t *testing.T) {
	svc := newTestService(t)
	ctx := orgCtx("lab-co")
	mustSubmit(t, svc, harvest("B-1", 10))

	clean, _, err := svc.RecordQualityTest(ctx, labTest("B-1", "cert-1", harvestAt.Add(48*time.Hour), map[string]float64{"lead": 2, "withanolides": 0.5}))
	if err != nil {
		t.Fatalf("record clean test: %v", err)
	}
	if !clean.Compliance || len(clean.Findings) != 0 {
		t.Fatalf("expected compliant test, got %+v", clean)
	}

	dirty, entry, err := svc.RecordQualityTest(ctx, labTest("B-1", "cert-2", harvestAt.Add(49*time.Hour), map[string]float64{"lead": 12}))
	if err != nil {
		t.Fatalf("a failing lab result is still recorded: %v", err)
	}
	if dirty.Compliance || len(dirty.Findings) != 1 || !strings.Contains(dirty.Findings[0], "lead") {
		t.Fatalf("expected lead finding, got %+v", dirty)
	}
	payload, err := entry.DecodePayload()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.(domain.QualityTest).Compliance {
		t.Fatalf("expected the stored payload to carry the compliance verdict")
	}

	_, _, err = svc.RecordQualityTest(ctx, labTest("B-1", "cert-1", harvestAt.Add(50*time.Hour), nil))
	var rejected domain.ValidationError
	if !errors.As(err, &rejected) || !strings.Contains(rejected.Error(), "certificate cert-1") {
		t.Fatalf("expected duplicate certificate rejection, got %v", err)
	}

	summary, err := svc.ComplianceSummary(ctx, "B-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.TotalTests != 2 || summary.Passed != 2 || summary.NonCompliant != 1 || summary.OverallPercent != 50 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}

func TestBuildProvenanceOrdersOutOfOrderAppends(t *testing.T) {
	svc := newTestService(t)
	mustSubmit(t, svc, harvest("B-1", 10))
	ctx := orgCtx("processor-co")
	if _, err := svc.RecordProcessingStep(ctx, drying("B-1", harvestAt.Add(5*time.Hour))); err != nil {
		t.Fatalf("step: %v", err)
	}
	if _, _, err := svc.RecordQualityTest(orgCtx("lab-co"), labTest("B-1", "cert-1", harvestAt.Add(3*time.Hour), nil)); err != nil {
		t.Fatalf("test: %v", err)
	}
	grind := drying("B-1", harvestAt.Add(time.Hour))
	grind.Kind = domain.StepGrinding
	if _, err := svc.RecordProcessingStep(ctx, grind); err != nil {
		t.Fatalf("step: %v", err)
	}

	doc, err := svc.BuildProvenance(context.Background(), "B-1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []string{"Harvested Withania somnifera", "Processing: grinding", "Quality test: heavy_metals (pass)", "Processing: drying"}
	if len(doc.ChainOfCustody) != len(want) {
		t.Fatalf("expected %d steps, got %+v", len(want), doc.ChainOfCustody)
	}
	for i, step := range doc.ChainOfCustody {
		if step.Action != want[i] {
			t.Fatalf("step %d: expected %q, got %q", i, want[i], step.Action)
		}
	}
	if doc.LedgerHeight != 3 {
		t.Fatalf("expected ledger height 3, got %d", doc.LedgerHeight)
	}
	cached, ok := svc.Catalog().Get("B-1")
	if !ok || cached.FinalProduct.ProductCode != doc.FinalProduct.ProductCode {
		t.Fatalf("expected document stored in catalog")
	}
}

func TestBuildProvenancesConcurrently(t *testing.T) {
	svc := newTestService(t)
	for _, id := range []string{"B-1", "B-2", "B-3"} {
		mustSubmit(t, svc, harvest(id, 10))
	}
	docs, err := svc.BuildProvenances(context.Background(), []string{"B-3", "B-1", "B-2"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if docs[0].BatchID != "B-3" || docs[1].BatchID != "B-1" || docs[2].BatchID != "B-2" {
		t.Fatalf("expected documents in request order")
	}
	if _, err := svc.BuildProvenances(context.Background(), []string{"B-1", "nope"}); !domain.IsNotFound(err) {
		t.Fatalf("expected not found for unknown batch, got %v", err)
	}
}

func TestFindByProductCode(t *testing.T) {
	svc := newTestService(t)
	mustSubmit(t, svc, harvest("B-1", 10))
	doc, err := svc.BuildProvenance(context.Background(), "B-1")
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	lookup, err := svc.FindByProductCode(context.Background(), doc.FinalProduct.ProductCode)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !lookup.Verified || lookup.Provenance.BatchID != "B-1" || lookup.Code.ManufacturerID != "manufacturer-1" {
		t.Fatalf("unexpected lookup %+v", lookup)
	}

	legacy, err := svc.FindByProductCode(context.Background(), "QR_B-1_1733120000000")
	if err != nil {
		t.Fatalf("legacy lookup: %v", err)
	}
	if legacy.Verified || !legacy.Code.Legacy {
		t.Fatalf("legacy codes must resolve unverified")
	}

	code := doc.FinalProduct.ProductCode
	tampered := code[:len(code)-2] + flip(code[len(code)-2]) + code[len(code)-1:]
	var integrity domain.IntegrityError
	if _, err := svc.FindByProductCode(context.Background(), tampered); !errors.As(err, &integrity) {
		t.Fatalf("expected integrity error for tampered code, got %v", err)
	}

	if _, err := svc.FindByProductCode(context.Background(), "QR_unknown_1"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestFindByProductCodeRebuildsStaleDocument(t *testing.T) {
	svc := newTestService(t)
	mustSubmit(t, svc, harvest("B-1", 10))
	doc, _ := svc.BuildProvenance(context.Background(), "B-1")
	if _, err := svc.RecordProcessingStep(orgCtx("processor-co"), drying("B-1", harvestAt.Add(time.Hour))); err != nil {
		t.Fatalf("step: %v", err)
	}
	lookup, err := svc.FindByProductCode(context.Background(), doc.FinalProduct.ProductCode)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(lookup.Provenance.ChainOfCustody) != 2 {
		t.Fatalf("expected rebuilt document with the new step, got %d steps", len(lookup.Provenance.ChainOfCustody))
	}
}

func flip(c byte) string {
	if c == 'A' {
		return "B"
	}
	return "A"
}

func TestVerifyLedgerAndRange(t *testing.T) {
	svc := newTestService(t)
	for _, id := range []string{"B-1", "B-2", "B-3"} {
		mustSubmit(t, svc, harvest(id, 5))
	}
	status, err := svc.VerifyLedger(context.Background())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if status.Height != 3 || len(status.LatestHash) != 64 {
		t.Fatalf("unexpected status %+v", status)
	}
	page, err := svc.LedgerRange(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].BatchID != "B-2" || page.Height != 3 {
		t.Fatalf("unexpected page %+v", page)
	}
	empty, _ := svc.LedgerRange(context.Background(), 10, 5)
	if empty.Entries == nil || len(empty.Entries) != 0 {
		t.Fatalf("expected empty, non-nil page")
	}
}

func TestRuleManagement(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	if got := len(svc.Rules("")); got != 4 {
		t.Fatalf("expected four default rules, got %d", got)
	}
	if _, err := svc.DeactivateRule(ctx, "ashwagandha-seasonal"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if got := len(svc.Rules(harvest("x", 0).Species)); got != 3 {
		t.Fatalf("expected three active rules, got %d", got)
	}

	july := harvest("B-1", 10)
	july.Timestamp = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	if _, _, err := svc.SubmitCollectionEvent(orgCtx("coop-rj"), july); err != nil {
		t.Fatalf("expected seasonal rule to be ignored once inactive: %v", err)
	}
	if _, err := svc.DeactivateRule(ctx, "missing"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := svc.PutRule(ctx, domain.ConservationRule{
		RuleMeta:     domain.RuleMeta{ID: "tulsi-conservation", Species: "Ocimum sanctum", Active: true},
		DailyLimitKg: 50,
	}); err != nil {
		t.Fatalf("put rule: %v", err)
	}
	status, err := svc.ConservationStatus(ctx, "Ocimum sanctum", "Zone B", time.Time{})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.RuleID != "tulsi-conservation" || status.DailyLimitKg != 50 || status.At.IsZero() {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestSpeciesSpellingSharesConservationQuota(t *testing.T) {
	svc := newTestService(t)
	mustSubmit(t, svc, harvest("B-1", 80))

	variant := harvest("B-2", 80)
	variant.Species = "withania SOMNIFERA"
	_, res, err := svc.SubmitCollectionEvent(orgCtx("coop-rj"), variant)
	var rejected domain.ValidationError
	if !errors.As(err, &rejected) || !strings.Contains(strings.Join(res.Errors, "|"), "daily harvest limit exceeded") {
		t.Fatalf("expected case variant to count against the same quota, got %v (%v)", err, res.Errors)
	}

	status, err := svc.ConservationStatus(context.Background(), "WITHANIA somnifera", "rajasthan zone a", harvestAt)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.DailyUsedKg != 80 || status.DailyLimitKg != 100 {
		t.Fatalf("expected one shared counter at 80kg, got %+v", status)
	}
}

func TestZoneLabelDoesNotOpenNewQuota(t *testing.T) {
	svc := newTestService(t)
	mustSubmit(t, svc, harvest("B-1", 80))

	relabelled := harvest("B-2", 80)
	relabelled.Zone = "Unlisted Ridge"
	if _, res, err := svc.SubmitCollectionEvent(orgCtx("coop-rj"), relabelled); err == nil || res.Accepted {
		t.Fatalf("expected the harvest to count against the geo-fence zone it falls in")
	}

	relabelled.Quality.EstimatedYieldKg = 10
	recorded := mustSubmit(t, svc, relabelled)
	if recorded.Zone != "Unlisted Ridge" || recorded.QuotaZone != "Rajasthan Zone A" {
		t.Fatalf("expected collector label kept and quota zone resolved, got %q/%q", recorded.Zone, recorded.QuotaZone)
	}
	status, _ := svc.ConservationStatus(context.Background(), recorded.Species, "Rajasthan Zone A", harvestAt)
	if status.DailyUsedKg != 90 {
		t.Fatalf("expected 90kg charged to the resolved zone, got %+v", status)
	}
	other, _ := svc.ConservationStatus(context.Background(), recorded.Species, "Unlisted Ridge", harvestAt)
	if other.DailyUsedKg != 0 {
		t.Fatalf("expected no counter under the free-form label, got %+v", other)
	}
}

func TestSubmittedQuotaZoneIsIgnored(t *testing.T) {
	svc := newTestService(t)
	event := harvest("B-1", 30)
	event.QuotaZone = "Madhya Pradesh Zone B"
	recorded := mustSubmit(t, svc, event)
	if recorded.QuotaZone != "Rajasthan Zone A" {
		t.Fatalf("expected quota zone derived from location, got %q", recorded.QuotaZone)
	}
}

func TestPaddedBatchIDsAreTrimmed(t *testing.T) {
	svc := newTestService(t)
	ctx := orgCtx("coop-rj")

	recorded := mustSubmit(t, svc, harvest("B-9 ", 10))
	if recorded.BatchID != "B-9" {
		t.Fatalf("expected trimmed batch id, got %q", recorded.BatchID)
	}
	_, res, err := svc.SubmitCollectionEvent(ctx, harvest(" B-9", 10))
	if err == nil || !strings.Contains(strings.Join(res.Errors, "|"), "already recorded") {
		t.Fatalf("expected padded duplicate to be rejected, got %v (%v)", err, res.Errors)
	}

	if _, err := svc.RecordProcessingStep(ctx, drying("\tB-9", harvestAt.Add(time.Hour))); err != nil {
		t.Fatalf("processing step for padded id: %v", err)
	}
	test := labTest("B-9  ", " cert-9 ", harvestAt.Add(2*time.Hour), map[string]float64{"lead": 1})
	if _, _, err := svc.RecordQualityTest(ctx, test); err != nil {
		t.Fatalf("quality test for padded id: %v", err)
	}
	if _, _, err := svc.RecordQualityTest(ctx, labTest("B-9", "cert-9", harvestAt.Add(3*time.Hour), nil)); err == nil {
		t.Fatalf("expected padded certificate to be recorded trimmed and reused fingerprint rejected")
	}

	history, err := svc.BatchHistory(ctx, "B-9")
	if err != nil || len(history) != 3 {
		t.Fatalf("expected three entries under the trimmed id, got %d (%v)", len(history), err)
	}
	doc, err := svc.BuildProvenance(ctx, "B-9")
	if err != nil || len(doc.ChainOfCustody) != 3 {
		t.Fatalf("expected provenance for trimmed id, got %+v (%v)", doc, err)
	}
}

func TestNonFiniteValuesAreValidationErrors(t *testing.T) {
	svc := newTestService(t)
	ctx := orgCtx("coop-rj")

	event := harvest("B-1", math.NaN())
	event.Quality.MoisturePercent = math.Inf(1)
	_, res, err := svc.SubmitCollectionEvent(ctx, event)
	var rejected domain.ValidationError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected validation error, got %v", err)
	}
	joined := strings.Join(res.Errors, "|")
	if !strings.Contains(joined, "estimated yield must be a finite number") || !strings.Contains(joined, "moisture must be a finite number") {
		t.Fatalf("expected finite-number errors, got %v", res.Errors)
	}

	mustSubmit(t, svc, harvest("B-2", 10))
	step := drying("B-2", harvestAt.Add(time.Hour))
	step.Parameters = map[string]float64{"airflow": math.Inf(-1)}
	if _, err := svc.RecordProcessingStep(ctx, step); !errors.As(err, &rejected) {
		t.Fatalf("expected validation error for infinite parameter, got %v", err)
	}
	test := labTest("B-2", "cert-nan", harvestAt.Add(2*time.Hour), map[string]float64{"lead": math.NaN()})
	if _, _, err := svc.RecordQualityTest(ctx, test); !errors.As(err, &rejected) {
		t.Fatalf("expected validation error for NaN measurement, got %v", err)
	}
	if status, _ := svc.VerifyLedger(ctx); status.Height != 1 {
		t.Fatalf("expected only the valid harvest on the ledger, got height %d", status.Height)
	}
}
