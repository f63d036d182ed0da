package core

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"herbtrace/pkg/domain"
)

// maxParallelBuilds caps concurrent builds in BuildProvenances.
const maxParallelBuilds = 8

// BuildProvenance derives the provenance document for batchID from the
// ledger and stores it in the catalog, replacing any earlier document.
func (s *Service) BuildProvenance(ctx context.Context, batchID string) (doc domain.Provenance, err error) {
	ctx, op := s.begin(ctx, OpBuildProvenance, false)
	op.batchID = batchID
	defer func() { err = op.finish(ctx, err) }()

	doc, err = s.build(ctx, batchID)
	if err == nil {
		op.recordHeight(doc.LedgerHeight)
	}
	return doc, err
}

// BuildProvenances builds documents for several batches concurrently. The
// result is in the order of batchIDs; the first failure cancels the rest.
func (s *Service) BuildProvenances(ctx context.Context, batchIDs []string) (docs []domain.Provenance, err error) {
	ctx, op := s.begin(ctx, OpBuildProvenances, false)
	defer func() { err = op.finish(ctx, err) }()

	docs = make([]domain.Provenance, len(batchIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelBuilds)
	for i, id := range batchIDs {
		g.Go(func() error {
			doc, err := s.build(gctx, id)
			if err != nil {
				return fmt.Errorf("build provenance for %s: %w", id, err)
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *Service) build(ctx context.Context, batchID string) (domain.Provenance, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return domain.Provenance{}, domain.NotFoundError{Entity: "batch", ID: batchID}
	}
	var doc domain.Provenance
	err := s.store.View(ctx, func(v domain.StoreView) error {
		var err error
		doc, err = s.builder.Build(v.Ledger(), batchID)
		return err
	})
	if err != nil {
		return domain.Provenance{}, err
	}
	if err := s.catalog.Store(ctx, doc); err != nil {
		return domain.Provenance{}, err
	}
	return doc, nil
}

// FindByProductCode resolves a scanned product code to the provenance of its
// batch. Signed codes are verified first and a bad signature is reported as
// an IntegrityError; legacy codes resolve with Verified false. The cached
// document is reused while no newer entry exists for the batch.
func (s *Service) FindByProductCode(ctx context.Context, raw string) (lookup domain.ProductLookup, err error) {
	ctx, op := s.begin(ctx, OpFindByProductCode, false)
	defer func() { err = op.finish(ctx, err) }()

	code, verified, err := s.builder.Codes().Verify(raw)
	if err != nil {
		return domain.ProductLookup{}, err
	}
	op.batchID = code.BatchID

	var (
		latest uint64
		known  bool
	)
	if err := s.store.View(ctx, func(v domain.StoreView) error {
		txs := v.Ledger().TransactionsForBatch(code.BatchID)
		if len(txs) > 0 {
			known = true
			latest = txs[len(txs)-1].Height
		}
		return nil
	}); err != nil {
		return domain.ProductLookup{}, err
	}
	if !known {
		return domain.ProductLookup{}, domain.NotFoundError{Entity: "product code", ID: code.Raw}
	}

	doc, ok := s.catalog.Fresh(code.BatchID, latest)
	if !ok {
		if doc, err = s.build(ctx, code.BatchID); err != nil {
			return domain.ProductLookup{}, err
		}
	}
	return domain.ProductLookup{Provenance: doc, Code: code, Verified: verified}, nil
}
