package core

import (
	"context"
	"strings"
	"time"

	"herbtrace/internal/provenance"
	"herbtrace/pkg/domain"
)

// DefaultPageSize is the ledger page size used when a caller asks for none.
const DefaultPageSize = 100

// LedgerStatus reports a verified ledger head.
type LedgerStatus struct {
	Height     uint64 `json:"height"`
	LatestHash string `json:"latest_hash"`
}

// LedgerPage is one slice of the ledger in append order.
type LedgerPage struct {
	From    uint64                     `json:"from"`
	Height  uint64                     `json:"height"`
	Entries []domain.LedgerTransaction `json:"entries"`
}

// ConservationStatus compares recorded harvest with the active ceilings for a
// species and zone. Limits of zero mean no ceiling applies.
type ConservationStatus struct {
	Species         string    `json:"species"`
	Zone            string    `json:"zone"`
	At              time.Time `json:"at"`
	RuleID          string    `json:"rule_id,omitempty"`
	DailyUsedKg     float64   `json:"daily_used_kg"`
	DailyLimitKg    float64   `json:"daily_limit_kg"`
	DailyPercent    float64   `json:"daily_percent"`
	SeasonalUsedKg  float64   `json:"seasonal_used_kg"`
	SeasonalLimitKg float64   `json:"seasonal_limit_kg"`
	SeasonalPercent float64   `json:"seasonal_percent"`
}

// VerifyLedger recomputes every hash and signature from genesis.
func (s *Service) VerifyLedger(ctx context.Context) (status LedgerStatus, err error) {
	ctx, op := s.begin(ctx, OpVerifyLedger, true)
	defer func() { err = op.finish(ctx, err) }()

	err = s.store.View(ctx, func(v domain.StoreView) error {
		ledger := v.Ledger()
		status = LedgerStatus{Height: ledger.Height(), LatestHash: ledger.LatestHash()}
		return ledger.Verify()
	})
	if err != nil {
		return LedgerStatus{}, err
	}
	op.recordHeight(status.Height)
	return status, nil
}

// LedgerRange pages through the ledger starting at height from.
func (s *Service) LedgerRange(ctx context.Context, from uint64, limit int) (page LedgerPage, err error) {
	ctx, op := s.begin(ctx, OpLedgerRange, false)
	defer func() { err = op.finish(ctx, err) }()

	if limit <= 0 {
		limit = DefaultPageSize
	}
	err = s.store.View(ctx, func(v domain.StoreView) error {
		page = LedgerPage{
			From:    from,
			Height:  v.Ledger().Height(),
			Entries: v.Ledger().Range(from, limit),
		}
		return nil
	})
	if page.Entries == nil {
		page.Entries = []domain.LedgerTransaction{}
	}
	return page, err
}

// BatchHistory returns every ledger entry recorded for batchID in append order.
func (s *Service) BatchHistory(ctx context.Context, batchID string) (txs []domain.LedgerTransaction, err error) {
	ctx, op := s.begin(ctx, OpBatchHistory, false)
	op.batchID = batchID
	defer func() { err = op.finish(ctx, err) }()

	txs, err = s.batchEntries(ctx, batchID)
	return txs, err
}

func (s *Service) batchEntries(ctx context.Context, batchID string) ([]domain.LedgerTransaction, error) {
	var txs []domain.LedgerTransaction
	err := s.store.View(ctx, func(v domain.StoreView) error {
		txs = v.Ledger().TransactionsForBatch(strings.TrimSpace(batchID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, domain.NotFoundError{Entity: "batch", ID: batchID}
	}
	return txs, nil
}

// ConservationStatus reports usage against the first active conservation
// rule for species. Day and season are taken from at in UTC.
func (s *Service) ConservationStatus(ctx context.Context, species, zone string, at time.Time) (status ConservationStatus, err error) {
	ctx, op := s.begin(ctx, OpConservationStatus, false)
	defer func() { err = op.finish(ctx, err) }()

	if at.IsZero() {
		at = s.now()
	}
	status = ConservationStatus{Species: species, Zone: zone, At: at.UTC()}
	for _, rule := range s.registry.RulesFor(species) {
		if c, ok := rule.(domain.ConservationRule); ok {
			status.RuleID = c.ID
			status.DailyLimitKg = max(c.DailyLimitKg, 0)
			status.SeasonalLimitKg = max(c.SeasonalLimitKg, 0)
			break
		}
	}
	err = s.store.View(ctx, func(v domain.StoreView) error {
		status.DailyUsedKg = v.Usage().DailyUsage(species, zone, at)
		status.SeasonalUsedKg = v.Usage().SeasonUsage(species, zone, at)
		return nil
	})
	if err != nil {
		return ConservationStatus{}, err
	}
	if status.DailyLimitKg > 0 {
		status.DailyPercent = status.DailyUsedKg / status.DailyLimitKg * 100
	}
	if status.SeasonalLimitKg > 0 {
		status.SeasonalPercent = status.SeasonalUsedKg / status.SeasonalLimitKg * 100
	}
	return status, nil
}

// ComplianceSummary totals the laboratory verdicts recorded for batchID.
func (s *Service) ComplianceSummary(ctx context.Context, batchID string) (summary domain.ComplianceSummary, err error) {
	ctx, op := s.begin(ctx, OpComplianceSummary, false)
	op.batchID = batchID
	defer func() { err = op.finish(ctx, err) }()

	txs, err := s.batchEntries(ctx, batchID)
	if err != nil {
		return domain.ComplianceSummary{}, err
	}
	var tests []domain.QualityTest
	for _, tx := range txs {
		if tx.Kind != domain.KindQualityTest {
			continue
		}
		payload, err := tx.DecodePayload()
		if err != nil {
			return domain.ComplianceSummary{}, domain.IntegrityError{Height: tx.Height, Reason: err.Error()}
		}
		tests = append(tests, payload.(domain.QualityTest))
	}
	return provenance.Summarize(tests), nil
}

// Rules lists the active rules for species, or every registered rule when
// species is empty.
func (s *Service) Rules(species string) []domain.Rule {
	if strings.TrimSpace(species) == "" {
		return s.registry.Rules()
	}
	return s.registry.RulesFor(species)
}

// PutRule registers or replaces a rule. Later submissions are evaluated
// against it; recorded events are not revisited.
func (s *Service) PutRule(ctx context.Context, rule domain.Rule) (err error) {
	ctx, op := s.begin(ctx, OpPutRule, true)
	defer func() { err = op.finish(ctx, err) }()
	return s.registry.Put(rule)
}

// DeactivateRule disables the rule registered under id.
func (s *Service) DeactivateRule(ctx context.Context, id string) (rule domain.Rule, err error) {
	ctx, op := s.begin(ctx, OpDeactivateRule, true)
	defer func() { err = op.finish(ctx, err) }()
	return s.registry.Deactivate(id)
}
