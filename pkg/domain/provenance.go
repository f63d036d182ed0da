package domain

import "time"

// CustodyStep is one entry of a chain of custody.
type CustodyStep struct {
	Height    uint64          `json:"height"`
	Kind      TransactionKind `json:"kind"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Location  Coordinates     `json:"location"`
	Timestamp time.Time       `json:"timestamp"`
	TxHash    string          `json:"tx_hash"`
}

// Attestation is a sustainability or organic certification attached to a batch.
type Attestation struct {
	Type          string    `json:"type"`
	CertificateID string    `json:"certificate_id"`
	Issuer        string    `json:"issuer"`
	ValidFrom     time.Time `json:"valid_from"`
	ValidUntil    time.Time `json:"valid_until"`
}

// FinalProduct binds a batch to its packaged product.
type FinalProduct struct {
	ProductCode    string    `json:"product_code"`
	ProductName    string    `json:"product_name"`
	ManufacturerID string    `json:"manufacturer_id"`
	BatchSize      int       `json:"batch_size"`
	ExpiryDate     time.Time `json:"expiry_date"`
}

// ComplianceSummary aggregates the laboratory verdicts recorded for a batch.
type ComplianceSummary struct {
	TotalTests     int     `json:"total_tests"`
	Passed         int     `json:"passed"`
	Failed         int     `json:"failed"`
	Pending        int     `json:"pending"`
	NonCompliant   int     `json:"non_compliant"`
	OverallPercent float64 `json:"overall_percent"`
}

// Provenance is the derived custody document for a batch. It is rebuilt from
// the ledger and replaced, never merged, on regeneration.
type Provenance struct {
	BatchID        string            `json:"batch_id"`
	Species        string            `json:"species"`
	ChainOfCustody []CustodyStep     `json:"chain_of_custody"`
	Attestations   []Attestation     `json:"attestations"`
	FinalProduct   FinalProduct      `json:"final_product"`
	Compliance     ComplianceSummary `json:"compliance"`
	LedgerHeight   uint64            `json:"ledger_height"`
	GeneratedAt    time.Time         `json:"generated_at"`
}

// ProductCode is a decoded product identifier.
type ProductCode struct {
	Raw            string    `json:"raw"`
	BatchID        string    `json:"batch_id"`
	ManufacturerID string    `json:"manufacturer_id,omitempty"`
	IssuedAt       time.Time `json:"issued_at"`
	KeyID          string    `json:"key_id,omitempty"`
	Legacy         bool      `json:"legacy"`
}

// ProductLookup is the result of resolving a product code.
type ProductLookup struct {
	Provenance Provenance  `json:"provenance"`
	Code       ProductCode `json:"code"`
	Verified   bool        `json:"verified"`
}
