package core

import (
	"context"
	"testing"
	"time"

	"herbtrace/internal/infra/persistence/memory"
	"herbtrace/internal/integrity"
	"herbtrace/internal/provenance"
	"herbtrace/internal/rules"
	"herbtrace/pkg/domain"
)

var (
	harvestAt   = time.Date(2024, 12, 2, 6, 30, 0, 0, time.UTC)
	generatedAt = time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
)

func testKeys(t *testing.T) *integrity.Keyring {
	t.Helper()
	ring, err := integrity.NewKeyring(map[string][]byte{"v1": []byte("core-test-secret")}, "v1")
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}
	return ring
}

func newTestService(t *testing.T, opts ...Option) *Service {
	t.Helper()
	keys := testKeys(t)
	store := memory.NewStore(keys, memory.WithClock(func() time.Time { return generatedAt }))
	return newServiceOver(t, store, keys, opts...)
}

func newServiceOver(t *testing.T, store domain.CustodyStore, keys *integrity.Keyring, opts ...Option) *Service {
	t.Helper()
	registry, err := rules.NewRegistry(rules.Defaults()...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	builder := provenance.NewBuilder(keys, provenance.WithBuilderClock(func() time.Time { return generatedAt }))
	return NewService(store, registry, builder, opts...)
}

func orgCtx(org string) context.Context {
	return WithOrganization(context.Background(), org)
}

func harvest(batch string, yield float64) domain.CollectionEvent {
	return domain.CollectionEvent{
		BatchID:     batch,
		Location:    domain.Coordinates{Lat: 26.5, Lng: 74.5},
		Timestamp:   harvestAt,
		CollectorID: "collector-7",
		Species:     rules.DefaultSpecies,
		Zone:        "Rajasthan Zone A",
		Quality: domain.QualityMetrics{
			MoisturePercent:  9,
			VisualGrade:      domain.GradeGood,
			EstimatedYieldKg: yield,
		},
	}
}

func drying(batch string, at time.Time) domain.ProcessingStep {
	temp := 45.0
	return domain.ProcessingStep{
		BatchID:      batch,
		Kind:         domain.StepDrying,
		TemperatureC: &temp,
		Timestamp:    at,
		ActorID:      "processor-1",
	}
}

func labTest(batch, cert string, at time.Time, measurements map[string]float64) domain.QualityTest {
	return domain.QualityTest{
		BatchID:                batch,
		Kind:                   domain.TestHeavyMetals,
		Result:                 domain.ResultPass,
		Measurements:           measurements,
		CertificateFingerprint: cert,
		Timestamp:              at,
		ActorID:                "lab-1",
	}
}

func mustSubmit(t *testing.T, svc *Service, event domain.CollectionEvent) domain.CollectionEvent {
	t.Helper()
	recorded, res, err := svc.SubmitCollectionEvent(orgCtx("coop-rj"), event)
	if err != nil {
		t.Fatalf("submit %s: %v (errors %v)", event.BatchID, err, res.Errors)
	}
	return recorded
}
