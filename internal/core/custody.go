package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"herbtrace/internal/validation"
	"herbtrace/pkg/domain"
)

// SubmitCollectionEvent validates event against the active rules for its
// species and, when accepted, appends it to the ledger and commits its yield
// to the conservation counters in one step. A rejected event changes nothing
// and is returned with a ValidationError carrying the full result.
//
// Validation first runs against a read view so concurrent submissions do not
// block each other, then again inside the commit. If the two disagree the
// counters moved in between and the whole sequence is retried.
func (s *Service) SubmitCollectionEvent(ctx context.Context, event domain.CollectionEvent) (recorded domain.CollectionEvent, res domain.ValidationResult, err error) {
	event.BatchID = strings.TrimSpace(event.BatchID)
	ctx, op := s.begin(ctx, OpSubmitCollection, true)
	op.batchID = event.BatchID
	op.org = organizationFor(ctx, event.CollectorID)
	defer func() { err = op.finish(ctx, err) }()

	event.Accepted = false
	event.Validation = nil
	event.QuotaZone = ""
	for attempt := 1; ; attempt++ {
		recorded, res, err = s.submitCollection(ctx, event, op)
		if !errors.Is(err, domain.ErrConflict) || attempt >= s.conflictRetries {
			return recorded, res, err
		}
		s.logger.Debug("conservation counters changed before commit, revalidating",
			zap.String("batch_id", event.BatchID), zap.Int("attempt", attempt))
	}
}

func (s *Service) submitCollection(ctx context.Context, event domain.CollectionEvent, op *operation) (domain.CollectionEvent, domain.ValidationResult, error) {
	ruleSet := s.registry.RulesFor(event.Species)

	var projected domain.ValidationResult
	if err := s.store.View(ctx, func(v domain.StoreView) error {
		projected = s.evaluateCollection(event, ruleSet, v)
		return nil
	}); err != nil {
		return event, projected, err
	}
	if !projected.Accepted {
		return event, projected, domain.ValidationError{Result: projected}
	}

	var (
		final    domain.ValidationResult
		accepted domain.CollectionEvent
	)
	err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		final = s.evaluateCollection(event, ruleSet, tx)
		if final.Accepted != projected.Accepted || !slices.Equal(final.Errors, projected.Errors) {
			return domain.ErrConflict
		}
		accepted = event
		accepted.Accepted = true
		accepted.QuotaZone = validation.QuotaZone(event, ruleSet)
		accepted.Validation = &domain.ValidationSummary{
			SatisfiedRules: final.SatisfiedRules,
			Warnings:       final.Warnings,
		}
		entry, err := tx.Append(accepted, op.org)
		if err != nil {
			return err
		}
		tx.CommitUsage(accepted.Species, accepted.QuotaZone, accepted.Quality.EstimatedYieldKg, accepted.Timestamp)
		op.recordHeight(entry.Height)
		return nil
	})
	if err != nil {
		return event, final, err
	}
	return accepted, final, nil
}

// evaluateCollection runs the validation engine and adds the ledger-level
// check that a batch id is only ever opened once.
func (s *Service) evaluateCollection(event domain.CollectionEvent, ruleSet []domain.Rule, v domain.StoreView) domain.ValidationResult {
	res := s.engine.Evaluate(event, ruleSet, v.Usage())
	if event.BatchID != "" && len(v.Ledger().TransactionsForBatch(event.BatchID)) > 0 {
		res.Reject(fmt.Sprintf("batch %s is already recorded", event.BatchID))
	}
	return res
}

// RecordProcessingStep appends a processing step for an accepted batch.
func (s *Service) RecordProcessingStep(ctx context.Context, step domain.ProcessingStep) (entry domain.LedgerTransaction, err error) {
	step.BatchID = strings.TrimSpace(step.BatchID)
	ctx, op := s.begin(ctx, OpRecordProcessing, true)
	op.batchID = step.BatchID
	op.org = organizationFor(ctx, step.ActorID)
	defer func() { err = op.finish(ctx, err) }()

	res := validation.CheckProcessingStep(step)
	err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		checkBatchOrder(&res, tx.Ledger(), step.BatchID, step.Timestamp)
		if !res.Accepted {
			return domain.ValidationError{Result: res}
		}
		var err error
		entry, err = tx.Append(step, op.org)
		if err != nil {
			return err
		}
		op.recordHeight(entry.Height)
		return nil
	})
	return entry, err
}

// RecordQualityTest appends a laboratory result for an accepted batch. The
// test's measurements are compared with the species' quality rules;
// exceedances are recorded as findings and clear its compliance flag rather
// than rejecting it.
func (s *Service) RecordQualityTest(ctx context.Context, test domain.QualityTest) (recorded domain.QualityTest, entry domain.LedgerTransaction, err error) {
	test.BatchID = strings.TrimSpace(test.BatchID)
	test.CertificateFingerprint = strings.TrimSpace(test.CertificateFingerprint)
	ctx, op := s.begin(ctx, OpRecordQualityTest, true)
	op.batchID = test.BatchID
	op.org = organizationFor(ctx, test.ActorID)
	defer func() { err = op.finish(ctx, err) }()

	res := validation.CheckQualityTest(test)
	err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		ledger := tx.Ledger()
		checkBatchOrder(&res, ledger, test.BatchID, test.Timestamp)
		if fp := test.CertificateFingerprint; fp != "" && ledger.HasCertificate(fp) {
			res.Reject(fmt.Sprintf("certificate %s is already recorded", fp))
		}
		if !res.Accepted {
			return domain.ValidationError{Result: res}
		}
		recorded = test
		if collection, ok := ledger.Collection(test.BatchID); ok {
			recorded.Findings, recorded.Compliance = validation.AssessQualityTest(test, s.registry.RulesFor(collection.Species))
		}
		var err error
		entry, err = tx.Append(recorded, op.org)
		if err != nil {
			return err
		}
		op.recordHeight(entry.Height)
		return nil
	})
	if err != nil {
		return domain.QualityTest{}, domain.LedgerTransaction{}, err
	}
	return recorded, entry, nil
}

// checkBatchOrder requires an accepted collection for batchID and rejects
// records timestamped before it.
func checkBatchOrder(res *domain.ValidationResult, ledger domain.LedgerReader, batchID string, at time.Time) {
	if batchID == "" {
		return
	}
	collection, ok := ledger.Collection(batchID)
	if !ok {
		res.Reject(fmt.Sprintf("batch %s has no accepted collection event", batchID))
		return
	}
	if !at.IsZero() && at.Before(collection.Timestamp) {
		res.Reject(fmt.Sprintf("timestamp %s precedes collection of batch %s at %s",
			at.UTC().Format(time.RFC3339), batchID, collection.Timestamp.UTC().Format(time.RFC3339)))
	}
}
