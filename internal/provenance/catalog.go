package provenance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"

	"herbtrace/internal/blob"
	"herbtrace/pkg/domain"
)

// DefaultCatalogSize bounds the number of cached documents.
const DefaultCatalogSize = 256

// Archive receives a JSON copy of every document the catalog stores.
type Archive interface {
	Put(ctx context.Context, key string, r io.Reader, opts blob.PutOptions) (blob.Info, error)
}

// Catalog keeps the most recent document per batch. Storing a document for
// a batch replaces the previous one.
type Catalog struct {
	docs    *lru.Cache[string, domain.Provenance]
	archive Archive
}

// NewCatalog constructs a catalog holding up to size documents. archive may
// be nil.
func NewCatalog(size int, archive Archive) (*Catalog, error) {
	if size <= 0 {
		size = DefaultCatalogSize
	}
	docs, err := lru.New[string, domain.Provenance](size)
	if err != nil {
		return nil, fmt.Errorf("provenance catalog: %w", err)
	}
	return &Catalog{docs: docs, archive: archive}, nil
}

// ArchiveKey returns the blob key a document is archived under.
func ArchiveKey(doc domain.Provenance) string {
	return fmt.Sprintf("provenance/%s/%d.json", doc.BatchID, doc.GeneratedAt.UnixNano())
}

// Store caches doc and archives it when an archive is configured.
func (c *Catalog) Store(ctx context.Context, doc domain.Provenance) error {
	c.docs.Add(doc.BatchID, doc)
	if c.archive == nil {
		return nil
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode provenance %s: %w", doc.BatchID, err)
	}
	_, err = c.archive.Put(ctx, ArchiveKey(doc), bytes.NewReader(body), blob.PutOptions{
		ContentType: "application/json",
		Metadata:    map[string]string{"batch-id": doc.BatchID},
	})
	if err != nil {
		return fmt.Errorf("archive provenance %s: %w", doc.BatchID, err)
	}
	return nil
}

// Get returns the cached document for batchID.
func (c *Catalog) Get(batchID string) (domain.Provenance, bool) {
	return c.docs.Get(batchID)
}

// Fresh returns the cached document only if it was built from a ledger whose
// newest entry for the batch is at ledgerHeight.
func (c *Catalog) Fresh(batchID string, ledgerHeight uint64) (domain.Provenance, bool) {
	doc, ok := c.docs.Get(batchID)
	if !ok || doc.LedgerHeight != ledgerHeight {
		return domain.Provenance{}, false
	}
	return doc, true
}

// Len reports the number of cached documents.
func (c *Catalog) Len() int { return c.docs.Len() }
