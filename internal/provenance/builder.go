// Package provenance rebuilds a batch's chain of custody from the ledger and
// issues the signed product code that lets consumers look it up.
package provenance

import (
	"fmt"
	"sort"
	"time"

	"herbtrace/internal/integrity"
	"herbtrace/pkg/domain"
)

// Fallback locations for entries that carry no coordinates and whose
// organization has no registered facility.
var (
	DefaultProcessingLocation = domain.Coordinates{Lat: 26.5, Lng: 74.5}
	DefaultLaboratoryLocation = domain.Coordinates{Lat: 28.6, Lng: 77.2}
)

// ProductConfig describes the packaged product a batch ends up in.
type ProductConfig struct {
	Name           string
	ManufacturerID string
	BatchSize      int
	ShelfLife      time.Duration
}

// DefaultProduct is the product configuration used when none is supplied.
func DefaultProduct() ProductConfig {
	return ProductConfig{
		Name:           "Premium Ashwagandha Root Powder",
		ManufacturerID: "manufacturer-1",
		BatchSize:      50,
		ShelfLife:      2 * 365 * 24 * time.Hour,
	}
}

// DefaultAttestations returns the certifications attached to every batch
// unless the builder is configured otherwise.
func DefaultAttestations() []domain.Attestation {
	return []domain.Attestation{
		{
			Type:          "organic",
			CertificateID: "ORG-2024-001",
			Issuer:        "India Organic Certification Agency",
			ValidFrom:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			ValidUntil:    time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
		},
		{
			Type:          "sustainable_harvest",
			CertificateID: "SH-2024-001",
			Issuer:        "Forest Conservation Council",
			ValidFrom:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			ValidUntil:    time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
		},
	}
}

// Builder assembles provenance documents. It only reads the ledger, so one
// builder may serve concurrent builds.
type Builder struct {
	codes        *CodeSigner
	product      ProductConfig
	attestations []domain.Attestation
	facilities   map[string]domain.Coordinates
	now          func() time.Time
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithProduct sets the final product description.
func WithProduct(p ProductConfig) BuilderOption {
	return func(b *Builder) { b.product = p }
}

// WithAttestations replaces the attestation list.
func WithAttestations(list []domain.Attestation) BuilderOption {
	return func(b *Builder) { b.attestations = append([]domain.Attestation(nil), list...) }
}

// WithFacility registers the site used for an organization's entries that
// carry no coordinates.
func WithFacility(organizationID string, at domain.Coordinates) BuilderOption {
	return func(b *Builder) { b.facilities[organizationID] = at }
}

// WithBuilderClock overrides the generation time source.
func WithBuilderClock(fn func() time.Time) BuilderOption {
	return func(b *Builder) {
		if fn != nil {
			b.now = fn
		}
	}
}

// NewBuilder constructs a Builder signing product codes with keys.
func NewBuilder(keys *integrity.Keyring, opts ...BuilderOption) *Builder {
	b := &Builder{
		codes:        NewCodeSigner(keys),
		product:      DefaultProduct(),
		attestations: DefaultAttestations(),
		facilities:   make(map[string]domain.Coordinates),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Codes exposes the product code signer.
func (b *Builder) Codes() *CodeSigner { return b.codes }

type decodedEntry struct {
	tx      domain.LedgerTransaction
	payload domain.Payload
}

// Build derives the provenance document for batchID from ledger. Steps are
// ordered by payload timestamp with ledger height breaking ties, so the
// order does not depend on the order events were appended.
func (b *Builder) Build(ledger domain.LedgerReader, batchID string) (domain.Provenance, error) {
	txs := ledger.TransactionsForBatch(batchID)
	if len(txs) == 0 {
		return domain.Provenance{}, domain.NotFoundError{Entity: "batch", ID: batchID}
	}
	entries := make([]decodedEntry, 0, len(txs))
	for _, tx := range txs {
		payload, err := tx.DecodePayload()
		if err != nil {
			return domain.Provenance{}, domain.IntegrityError{Height: tx.Height, Reason: err.Error()}
		}
		entries = append(entries, decodedEntry{tx: tx, payload: payload})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := entries[i].payload.OccurredAt(), entries[j].payload.OccurredAt()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return entries[i].tx.Height < entries[j].tx.Height
	})

	doc := domain.Provenance{
		BatchID:        batchID,
		ChainOfCustody: make([]domain.CustodyStep, 0, len(entries)),
		Attestations:   append([]domain.Attestation(nil), b.attestations...),
		GeneratedAt:    b.now().UTC(),
	}
	var tests []domain.QualityTest
	for _, e := range entries {
		if e.tx.Height > doc.LedgerHeight {
			doc.LedgerHeight = e.tx.Height
		}
		step := domain.CustodyStep{
			Height:    e.tx.Height,
			Kind:      e.tx.Kind,
			Actor:     e.tx.OrganizationID,
			Timestamp: e.payload.OccurredAt().UTC(),
			TxHash:    e.tx.Hash,
		}
		switch p := e.payload.(type) {
		case domain.CollectionEvent:
			if doc.Species == "" {
				doc.Species = p.Species
			}
			step.Action = "Harvested " + p.Species
			step.Location = p.Location
		case domain.ProcessingStep:
			step.Action = "Processing: " + string(p.Kind)
			step.Location = b.locate(p.Location, e.tx.OrganizationID, DefaultProcessingLocation)
		case domain.QualityTest:
			step.Action = fmt.Sprintf("Quality test: %s (%s)", p.Kind, p.Result)
			step.Location = b.locate(p.Location, e.tx.OrganizationID, DefaultLaboratoryLocation)
			tests = append(tests, p)
		}
		doc.ChainOfCustody = append(doc.ChainOfCustody, step)
	}
	doc.Compliance = Summarize(tests)

	code, err := b.codes.Issue(batchID, b.product.ManufacturerID, doc.GeneratedAt)
	if err != nil {
		return domain.Provenance{}, fmt.Errorf("issue product code: %w", err)
	}
	doc.FinalProduct = domain.FinalProduct{
		ProductCode:    code,
		ProductName:    b.product.Name,
		ManufacturerID: b.product.ManufacturerID,
		BatchSize:      b.product.BatchSize,
		ExpiryDate:     doc.GeneratedAt.Add(b.product.ShelfLife),
	}
	return doc, nil
}

func (b *Builder) locate(own *domain.Coordinates, organizationID string, fallback domain.Coordinates) domain.Coordinates {
	if own != nil {
		return *own
	}
	if at, ok := b.facilities[organizationID]; ok {
		return at
	}
	return fallback
}

// Summarize totals laboratory verdicts. OverallPercent is the share of tests
// marked compliant.
func Summarize(tests []domain.QualityTest) domain.ComplianceSummary {
	var s domain.ComplianceSummary
	compliant := 0
	for _, t := range tests {
		s.TotalTests++
		switch t.Result {
		case domain.ResultPass:
			s.Passed++
		case domain.ResultFail:
			s.Failed++
		case domain.ResultPending:
			s.Pending++
		}
		if t.Compliance {
			compliant++
		} else {
			s.NonCompliant++
		}
	}
	if s.TotalTests > 0 {
		s.OverallPercent = float64(compliant) / float64(s.TotalTests) * 100
	}
	return s
}
