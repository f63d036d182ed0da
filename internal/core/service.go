// Package core is the herbtrace service façade. It validates custody events
// against the rule registry, commits them to the ledger together with the
// conservation counters, and derives provenance documents from the ledger.
package core

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"herbtrace/internal/provenance"
	"herbtrace/internal/rules"
	"herbtrace/internal/validation"
	"herbtrace/pkg/domain"
)

// DefaultConflictRetries bounds how often a collection event is revalidated
// when the conservation counters move between validation and commit.
const DefaultConflictRetries = 3

// Operation names reported to loggers, metrics, tracers and audit recorders.
const (
	OpSubmitCollection   = "submit_collection_event"
	OpRecordProcessing   = "record_processing_step"
	OpRecordQualityTest  = "record_quality_test"
	OpBuildProvenance    = "build_provenance"
	OpBuildProvenances   = "build_provenances"
	OpFindByProductCode  = "find_by_product_code"
	OpVerifyLedger       = "verify_ledger"
	OpLedgerRange        = "ledger_range"
	OpBatchHistory       = "batch_history"
	OpConservationStatus = "conservation_status"
	OpComplianceSummary  = "compliance_summary"
	OpPutRule            = "put_rule"
	OpDeactivateRule     = "deactivate_rule"
)

// Service coordinates the rule registry, validation engine, custody store and
// provenance builder. It is safe for concurrent use.
type Service struct {
	store    domain.CustodyStore
	registry *rules.Registry
	engine   *validation.Engine
	builder  *provenance.Builder
	catalog  *provenance.Catalog

	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	audit   AuditRecorder
	now     func() time.Time

	conflictRetries int
}

// Option configures a Service.
type Option func(*Service)

// WithLogger installs a structured logger.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRecorder installs a metrics recorder.
func WithMetricsRecorder(rec MetricsRecorder) Option {
	return func(s *Service) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// WithTracer installs a tracer.
func WithTracer(tracer Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithAuditRecorder installs an audit recorder.
func WithAuditRecorder(rec AuditRecorder) Option {
	return func(s *Service) {
		if rec != nil {
			s.audit = rec
		}
	}
}

// WithClock overrides the time source used for audit entries.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithCatalog replaces the default provenance catalog.
func WithCatalog(catalog *provenance.Catalog) Option {
	return func(s *Service) {
		if catalog != nil {
			s.catalog = catalog
		}
	}
}

// WithConflictRetries sets how many validate-then-commit attempts a
// collection event gets.
func WithConflictRetries(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.conflictRetries = n
		}
	}
}

// NewService constructs a service over its collaborators.
func NewService(store domain.CustodyStore, registry *rules.Registry, builder *provenance.Builder, opts ...Option) *Service {
	s := &Service{
		store:           store,
		registry:        registry,
		engine:          validation.NewEngine(),
		builder:         builder,
		logger:          zap.NewNop(),
		metrics:         noopMetricsRecorder{},
		tracer:          noopTracer{},
		audit:           noopAuditRecorder{},
		now:             func() time.Time { return time.Now().UTC() },
		conflictRetries: DefaultConflictRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.catalog == nil {
		// A positive size cannot fail.
		s.catalog, _ = provenance.NewCatalog(provenance.DefaultCatalogSize, nil)
	}
	return s
}

// Store returns the custody store.
func (s *Service) Store() domain.CustodyStore { return s.store }

// Registry returns the rule registry.
func (s *Service) Registry() *rules.Registry { return s.registry }

// Catalog returns the provenance catalog.
func (s *Service) Catalog() *provenance.Catalog { return s.catalog }

// Close releases the custody store.
func (s *Service) Close() error { return s.store.Close() }

// operation carries the observability state of one service call.
type operation struct {
	svc     *Service
	name    string
	audited bool
	started time.Time
	span    TraceSpan

	batchID string
	org     string
	height  *uint64
}

func (s *Service) begin(ctx context.Context, name string, audited bool) (context.Context, *operation) {
	ctx, span := s.tracer.Start(ctx, name)
	return ctx, &operation{svc: s, name: name, audited: audited, started: time.Now(), span: span}
}

func (o *operation) recordHeight(h uint64) { o.height = &h }

// finish reports err to every observer and returns it unchanged.
func (o *operation) finish(ctx context.Context, err error) error {
	s := o.svc
	elapsed := time.Since(o.started)
	s.metrics.Observe(ctx, o.name, err == nil, elapsed)
	o.span.End(err)

	fields := []zap.Field{zap.String("operation", o.name), zap.Duration("duration", elapsed)}
	if o.batchID != "" {
		fields = append(fields, zap.String("batch_id", o.batchID))
	}
	if o.org != "" {
		fields = append(fields, zap.String("organization_id", o.org))
	}
	if o.height != nil {
		fields = append(fields, zap.Uint64("height", *o.height))
	}
	logOutcome(s.logger, err, fields)

	if o.audited {
		entry := AuditEntry{
			Operation:      o.name,
			BatchID:        o.batchID,
			OrganizationID: o.org,
			Height:         o.height,
			Status:         AuditStatusSuccess,
			Duration:       elapsed,
			OccurredAt:     s.now(),
		}
		if err != nil {
			entry.Status = AuditStatusError
			entry.Error = err.Error()
		}
		s.audit.Record(ctx, entry)
	}
	return err
}

func logOutcome(logger Logger, err error, fields []zap.Field) {
	var (
		rejected  domain.ValidationError
		integrity domain.IntegrityError
		fault     domain.StorageFault
	)
	switch {
	case err == nil:
		logger.Debug("operation succeeded", fields...)
	case errors.As(err, &rejected):
		logger.Warn("event rejected", append(fields, zap.Strings("errors", rejected.Result.Errors))...)
	case domain.IsNotFound(err):
		logger.Debug("not found", append(fields, zap.Error(err))...)
	case errors.As(err, &integrity):
		logger.Error("integrity violation", append(fields, zap.Error(err))...)
	case errors.As(err, &fault):
		logger.Error("storage fault", append(fields, zap.Error(err))...)
	default:
		logger.Warn("operation failed", append(fields, zap.Error(err))...)
	}
}

func auditFields(entry AuditEntry) []zap.Field {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", string(entry.Status)),
		zap.Duration("duration", entry.Duration),
		zap.Time("occurred_at", entry.OccurredAt),
	}
	if entry.BatchID != "" {
		fields = append(fields, zap.String("batch_id", entry.BatchID))
	}
	if entry.OrganizationID != "" {
		fields = append(fields, zap.String("organization_id", entry.OrganizationID))
	}
	if entry.Height != nil {
		fields = append(fields, zap.Uint64("height", *entry.Height))
	}
	if entry.Error != "" {
		fields = append(fields, zap.String("error", entry.Error))
	}
	return fields
}
