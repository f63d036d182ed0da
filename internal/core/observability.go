package core

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Logger is the structured logging seam used by the service. *zap.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// MetricsRecorder observes the outcome and latency of service operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts a span around a service operation.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation's error, if any.
type TraceSpan interface {
	End(err error)
}

// AuditStatus is the outcome recorded for an audited operation.
type AuditStatus string

// Audit outcomes.
const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry describes one write or verification performed by the service.
type AuditEntry struct {
	Operation      string        `json:"operation"`
	BatchID        string        `json:"batch_id,omitempty"`
	OrganizationID string        `json:"organization_id,omitempty"`
	Height         *uint64       `json:"height,omitempty"`
	Status         AuditStatus   `json:"status"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
	OccurredAt     time.Time     `json:"occurred_at"`
}

// AuditRecorder receives audit entries for state-changing operations.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}
