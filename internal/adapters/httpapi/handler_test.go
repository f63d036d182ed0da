package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"herbtrace/internal/adapters/export"
	"herbtrace/internal/adapters/httpapi"
	"herbtrace/internal/blob"
	"herbtrace/internal/core"
	"herbtrace/internal/infra/persistence/memory"
	"herbtrace/internal/integrity"
	"herbtrace/internal/provenance"
	"herbtrace/internal/rules"
	"herbtrace/pkg/domain"
)

var harvestAt = time.Date(2024, 12, 5, 7, 15, 0, 0, time.UTC)

func newService(t *testing.T, wrap func(domain.CustodyStore) domain.CustodyStore, opts ...core.Option) *core.Service {
	t.Helper()
	keys, err := integrity.NewKeyring(map[string][]byte{"v1": []byte("http-secret")}, "v1")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	registry, err := rules.NewRegistry(rules.Defaults()...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	var store domain.CustodyStore = memory.NewStore(keys)
	if wrap != nil {
		store = wrap(store)
	}
	return core.NewService(store, registry, provenance.NewBuilder(keys), opts...)
}

func setupHandler(t *testing.T) (*core.Service, *httpapi.Handler) {
	t.Helper()
	svc := newService(t, nil)
	return svc, httpapi.NewHandler(svc)
}

func do(t *testing.T, h http.Handler, method, path, org string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	if org != "" {
		req.Header.Set(httpapi.OrganizationHeader, org)
	}
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder, into any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func collection(batch string, yield float64) domain.CollectionEvent {
	return domain.CollectionEvent{
		BatchID:     batch,
		Location:    domain.Coordinates{Lat: 22.5, Lng: 77.5},
		Timestamp:   harvestAt,
		CollectorID: "collector-11",
		Species:     rules.DefaultSpecies,
		Zone:        "Madhya Pradesh Zone B",
		Quality:     domain.QualityMetrics{MoisturePercent: 10, VisualGrade: domain.GradeGood, EstimatedYieldKg: yield},
	}
}

func TestHandlerCustodyFlow(t *testing.T) {
	_, handler := setupHandler(t)

	resp := do(t, handler, http.MethodPost, "/api/v1/collections", "coop-mp", collection("MP-1", 12))
	if resp.Code != http.StatusCreated {
		t.Fatalf("unexpected status %d: %s", resp.Code, resp.Body)
	}
	var created struct {
		Event      domain.CollectionEvent  `json:"event"`
		Validation domain.ValidationResult `json:"validation"`
	}
	decodeBody(t, resp, &created)
	if !created.Event.Accepted || !created.Validation.Accepted {
		t.Fatalf("expected accepted event, got %+v", created)
	}

	temp := 50.0
	step := domain.ProcessingStep{BatchID: "MP-1", Kind: domain.StepDrying, TemperatureC: &temp, Timestamp: harvestAt.Add(2 * time.Hour), ActorID: "dryer-2"}
	if resp := do(t, handler, http.MethodPost, "/api/v1/processing-steps", "processor-mp", step); resp.Code != http.StatusCreated {
		t.Fatalf("step status %d: %s", resp.Code, resp.Body)
	}

	test := domain.QualityTest{
		BatchID:                "MP-1",
		Kind:                   domain.TestHeavyMetals,
		Result:                 domain.ResultPass,
		Measurements:           map[string]float64{"lead": 2},
		CertificateFingerprint: "cert-mp-1",
		Timestamp:              harvestAt.Add(48 * time.Hour),
		ActorID:                "lab-3",
	}
	resp = do(t, handler, http.MethodPost, "/api/v1/quality-tests", "lab-co", test)
	if resp.Code != http.StatusCreated {
		t.Fatalf("test status %d: %s", resp.Code, resp.Body)
	}
	var recorded struct {
		Test        domain.QualityTest        `json:"test"`
		Transaction domain.LedgerTransaction `json:"transaction"`
	}
	decodeBody(t, resp, &recorded)
	if !recorded.Test.Compliance || recorded.Transaction.Height != 2 || recorded.Transaction.OrganizationID != "lab-co" {
		t.Fatalf("unexpected quality test response %+v", recorded)
	}

	resp = do(t, handler, http.MethodGet, "/api/v1/batches/MP-1/history", "", nil)
	var history struct {
		Transactions []domain.LedgerTransaction `json:"transactions"`
	}
	decodeBody(t, resp, &history)
	if resp.Code != http.StatusOK || len(history.Transactions) != 3 {
		t.Fatalf("unexpected history %d %+v", resp.Code, history)
	}

	resp = do(t, handler, http.MethodGet, "/api/v1/batches/MP-1/compliance", "", nil)
	var compliance struct {
		Compliance domain.ComplianceSummary `json:"compliance"`
	}
	decodeBody(t, resp, &compliance)
	if compliance.Compliance.TotalTests != 1 || compliance.Compliance.Passed != 1 {
		t.Fatalf("unexpected compliance %+v", compliance)
	}

	resp = do(t, handler, http.MethodGet, "/api/v1/batches/MP-1/provenance", "", nil)
	var doc struct {
		Provenance domain.Provenance `json:"provenance"`
	}
	decodeBody(t, resp, &doc)
	if resp.Code != http.StatusOK || len(doc.Provenance.ChainOfCustody) != 3 {
		t.Fatalf("unexpected provenance %d %+v", resp.Code, doc)
	}

	resp = do(t, handler, http.MethodGet, "/api/v1/products/"+doc.Provenance.FinalProduct.ProductCode, "", nil)
	var lookup domain.ProductLookup
	decodeBody(t, resp, &lookup)
	if resp.Code != http.StatusOK || !lookup.Verified || lookup.Provenance.BatchID != "MP-1" {
		t.Fatalf("unexpected lookup %d %+v", resp.Code, lookup)
	}

	resp = do(t, handler, http.MethodGet, "/api/v1/products/QR_MP-1_1733382900000", "", nil)
	lookup = domain.ProductLookup{}
	decodeBody(t, resp, &lookup)
	if resp.Code != http.StatusOK || lookup.Verified {
		t.Fatalf("expected unverified legacy lookup, got %d %+v", resp.Code, lookup)
	}

	if resp := do(t, handler, http.MethodGet, "/api/v1/products/nonsense", "", nil); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected malformed code to be rejected, got %d", resp.Code)
	}
	if resp := do(t, handler, http.MethodGet, "/api/v1/batches/unknown/provenance", "", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", resp.Code)
	}
}

func TestHandlerRejectsInvalidEvents(t *testing.T) {
	_, handler := setupHandler(t)

	bad := collection("MP-2", 12)
	bad.Location = domain.Coordinates{Lat: 10, Lng: 10}
	bad.Timestamp = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	resp := do(t, handler, http.MethodPost, "/api/v1/collections", "coop-mp", bad)
	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.Code)
	}
	var body struct {
		Validation domain.ValidationResult `json:"validation"`
	}
	decodeBody(t, resp, &body)
	if body.Validation.Accepted || len(body.Validation.Errors) < 2 {
		t.Fatalf("expected every violation reported, got %+v", body.Validation)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/collections", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for malformed json, got %d", rec.Code)
	}

	if resp := do(t, handler, http.MethodGet, "/api/v1/collections", "", nil); resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected method not allowed, got %d", resp.Code)
	}
	if resp := do(t, handler, http.MethodGet, "/api/v1/unknown", "", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected not found, got %d", resp.Code)
	}
}

func TestHandlerLedgerAndConservation(t *testing.T) {
	_, handler := setupHandler(t)
	for _, batch := range []string{"MP-1", "MP-2", "MP-3"} {
		if resp := do(t, handler, http.MethodPost, "/api/v1/collections", "coop-mp", collection(batch, 20)); resp.Code != http.StatusCreated {
			t.Fatalf("submit %s: %d", batch, resp.Code)
		}
	}

	resp := do(t, handler, http.MethodGet, "/api/v1/ledger?from=1&limit=1", "", nil)
	var page core.LedgerPage
	decodeBody(t, resp, &page)
	if page.Height != 3 || len(page.Entries) != 1 || page.Entries[0].BatchID != "MP-2" {
		t.Fatalf("unexpected page %+v", page)
	}
	if resp := do(t, handler, http.MethodGet, "/api/v1/ledger?limit=-1", "", nil); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid limit rejected, got %d", resp.Code)
	}

	resp = do(t, handler, http.MethodGet, "/api/v1/ledger/verify", "", nil)
	var verified struct {
		Valid  bool   `json:"valid"`
		Height uint64 `json:"height"`
	}
	decodeBody(t, resp, &verified)
	if !verified.Valid || verified.Height != 3 {
		t.Fatalf("unexpected verify %+v", verified)
	}

	resp = do(t, handler, http.MethodGet, "/api/v1/conservation?species=Withania+somnifera&zone=Madhya+Pradesh+Zone+B&at=2024-12-05T12:00:00Z", "", nil)
	var status core.ConservationStatus
	decodeBody(t, resp, &status)
	if resp.Code != http.StatusOK || status.DailyUsedKg != 60 || status.DailyLimitKg != 100 || status.DailyPercent != 60 {
		t.Fatalf("unexpected conservation status %+v", status)
	}
	if resp := do(t, handler, http.MethodGet, "/api/v1/conservation?species=x", "", nil); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected missing zone rejected, got %d", resp.Code)
	}
}

func TestHandlerRules(t *testing.T) {
	svc, handler := setupHandler(t)

	resp := do(t, handler, http.MethodGet, "/api/v1/rules?species=Withania%20somnifera", "", nil)
	var listed struct {
		Rules []rules.Document `json:"rules"`
	}
	decodeBody(t, resp, &listed)
	if len(listed.Rules) != 4 {
		t.Fatalf("expected the default rules, got %d", len(listed.Rules))
	}

	doc := rules.Document{ID: "tulsi-season", Type: domain.RuleSeasonal, Species: "Ocimum sanctum", Parameters: json.RawMessage(`{"harvesting_months":[3,4,5]}`)}
	if resp := do(t, handler, http.MethodPut, "/api/v1/rules", "", doc); resp.Code != http.StatusOK {
		t.Fatalf("put rule status %d: %s", resp.Code, resp.Body)
	}
	if len(svc.Rules("Ocimum sanctum")) != 1 {
		t.Fatalf("expected rule registered")
	}

	if resp := do(t, handler, http.MethodDelete, "/api/v1/rules/tulsi-season", "", nil); resp.Code != http.StatusOK {
		t.Fatalf("deactivate status %d", resp.Code)
	}
	if len(svc.Rules("Ocimum sanctum")) != 0 {
		t.Fatalf("expected rule deactivated")
	}
	if resp := do(t, handler, http.MethodDelete, "/api/v1/rules/missing", "", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected unknown rule not found, got %d", resp.Code)
	}
	bad := rules.Document{ID: "x", Type: "lunar", Species: "Ocimum sanctum", Parameters: json.RawMessage(`{}`)}
	if resp := do(t, handler, http.MethodPut, "/api/v1/rules", "", bad); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected unknown rule type rejected, got %d", resp.Code)
	}
}

func TestHandlerExports(t *testing.T) {
	svc, handler := setupHandler(t)
	if resp := do(t, handler, http.MethodPost, "/api/v1/exports", "", map[string]any{}); resp.Code != http.StatusNotFound {
		t.Fatalf("expected exports disabled without a scheduler, got %d", resp.Code)
	}

	do(t, handler, http.MethodPost, "/api/v1/collections", "coop-mp", collection("MP-1", 5))
	worker := export.NewWorker(svc, blob.NewMemory())
	worker.Start()
	t.Cleanup(func() { _ = worker.Stop(context.Background()) })
	handler.Exports = worker

	resp := do(t, handler, http.MethodPost, "/api/v1/exports", "auditor-org", map[string]any{"reason": "annual review"})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("enqueue status %d: %s", resp.Code, resp.Body)
	}
	var queued struct {
		Export export.Record `json:"export"`
	}
	decodeBody(t, resp, &queued)
	if queued.Export.RequestedBy != "auditor-org" {
		t.Fatalf("expected requester from organization header, got %+v", queued.Export)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp = do(t, handler, http.MethodGet, "/api/v1/exports/"+queued.Export.ID, "", nil)
		var current struct {
			Export export.Record `json:"export"`
		}
		decodeBody(t, resp, &current)
		if current.Export.Status == export.StatusSucceeded {
			if len(current.Export.Artifacts) != 2 {
				t.Fatalf("expected two artifacts, got %+v", current.Export)
			}
			break
		}
		if current.Export.Status == export.StatusFailed || time.Now().After(deadline) {
			t.Fatalf("export did not succeed: %+v", current.Export)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if resp := do(t, handler, http.MethodGet, "/api/v1/exports/missing", "", nil); resp.Code != http.StatusNotFound {
		t.Fatalf("expected missing export not found, got %d", resp.Code)
	}
}

func TestHandlerMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	recorder, err := core.NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	svc := newService(t, nil, core.WithMetricsRecorder(recorder))
	handler := httpapi.NewHandler(svc)
	handler.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	do(t, handler, http.MethodPost, "/api/v1/collections", "coop-mp", collection("MP-1", 5))
	resp := do(t, handler, http.MethodGet, "/metrics", "", nil)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `herbtrace_service_operations_total{operation="submit_collection_event",status="success"} 1`) {
		t.Fatalf("unexpected metrics output %d: %s", resp.Code, resp.Body)
	}

	resp = do(t, handler, http.MethodGet, "/healthz", "", nil)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"driver":"memory"`) {
		t.Fatalf("unexpected health %d: %s", resp.Code, resp.Body)
	}
}

type faultyStore struct {
	domain.CustodyStore
}

func (faultyStore) RunInTransaction(context.Context, func(domain.Transaction) error) error {
	return domain.StorageFault{Op: "journal commit", Err: errors.New("disk full")}
}

func TestHandlerMapsStorageFaults(t *testing.T) {
	svc := newService(t, func(inner domain.CustodyStore) domain.CustodyStore { return faultyStore{inner} })
	handler := httpapi.NewHandler(svc)
	resp := do(t, handler, http.MethodPost, "/api/v1/collections", "coop-mp", collection("MP-1", 5))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", resp.Code, resp.Body)
	}
}
