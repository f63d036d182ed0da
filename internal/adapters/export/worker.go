// Package export runs asynchronous ledger audit exports and stores the
// rendered artifacts in the blob store.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"herbtrace/internal/blob"
	"herbtrace/internal/core"
	"herbtrace/internal/ledger"
)

// Status describes the lifecycle stage of an export request.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Format is an artifact encoding.
type Format string

const (
	FormatJSONL Format = "jsonl"
	FormatCSV   Format = "csv"
)

// OpExportLedger is the audit operation name for exports.
const OpExportLedger = "export_ledger"

// DefaultQueueSize bounds pending exports.
const DefaultQueueSize = 32

// Artifact is one stored export file.
type Artifact struct {
	Key         string    `json:"key"`
	Format      Format    `json:"format"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	Rows        int       `json:"rows"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Record tracks an export request and its artifacts.
type Record struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	Error       string     `json:"error,omitempty"`
	From        uint64     `json:"from"`
	Height      uint64     `json:"height"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
	RequestedBy string     `json:"requested_by"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Input is an enqueue request.
type Input struct {
	RequestedBy string
	Reason      string
	From        uint64
}

// Scheduler queues exports and exposes their status.
type Scheduler interface {
	EnqueueExport(ctx context.Context, input Input) (Record, error)
	GetExport(id string) (Record, bool)
}

// LedgerSource pages through the ledger.
type LedgerSource interface {
	LedgerRange(ctx context.Context, from uint64, limit int) (core.LedgerPage, error)
}

// ErrQueueFull is returned when the pending queue is at capacity.
var ErrQueueFull = errors.New("export queue full")

// Worker executes exports on a background goroutine.
type Worker struct {
	source LedgerSource
	store  blob.Store
	audit  core.AuditRecorder
	logger *zap.Logger
	now    func() time.Time

	queue chan string
	mu    sync.RWMutex
	jobs  map[string]*Record

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithAuditRecorder records the terminal outcome of every export.
func WithAuditRecorder(rec core.AuditRecorder) Option {
	return func(w *Worker) {
		if rec != nil {
			w.audit = rec
		}
	}
}

// WithLogger installs a logger for status transitions.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(w *Worker) {
		if fn != nil {
			w.now = fn
		}
	}
}

// WithQueueSize bounds the number of pending exports.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan string, n)
		}
	}
}

// NewWorker constructs an export worker. Call Start to begin processing.
func NewWorker(source LedgerSource, store blob.Store, opts ...Option) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		source: source,
		store:  store,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
		queue:  make(chan string, DefaultQueueSize),
		jobs:   make(map[string]*Record),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins processing export requests.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop signals the worker to halt and waits for completion.
func (w *Worker) Stop(ctx context.Context) error {
	w.cancel()
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case id := <-w.queue:
			w.execute(w.ctx, id)
		}
	}
}

// EnqueueExport schedules an export and returns the queued record.
func (w *Worker) EnqueueExport(_ context.Context, input Input) (Record, error) {
	record, err := w.register(input)
	if err != nil {
		return Record{}, err
	}
	select {
	case w.queue <- record.ID:
	default:
		w.mu.Lock()
		delete(w.jobs, record.ID)
		w.mu.Unlock()
		return Record{}, ErrQueueFull
	}
	w.logger.Info("export queued", zap.String("export_id", record.ID), zap.String("requested_by", input.RequestedBy))
	return record, nil
}

// GetExport returns a snapshot of the export record.
func (w *Worker) GetExport(id string) (Record, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	record, ok := w.jobs[id]
	if !ok {
		return Record{}, false
	}
	return record.copy(), true
}

// Run executes an export synchronously and returns the finished record.
func (w *Worker) Run(ctx context.Context, input Input) (Record, error) {
	queued, err := w.register(input)
	if err != nil {
		return Record{}, err
	}
	w.execute(ctx, queued.ID)
	record, _ := w.GetExport(queued.ID)
	if record.Status == StatusFailed {
		return record, errors.New(record.Error)
	}
	return record, nil
}

func (w *Worker) register(input Input) (Record, error) {
	if w.source == nil || w.store == nil {
		return Record{}, fmt.Errorf("export worker not configured")
	}
	now := w.now()
	record := &Record{
		ID:          uuid.NewString(),
		Status:      StatusQueued,
		From:        input.From,
		RequestedBy: input.RequestedBy,
		Reason:      input.Reason,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	w.mu.Lock()
	w.jobs[record.ID] = record
	snapshot := record.copy()
	w.mu.Unlock()
	return snapshot, nil
}

func (w *Worker) execute(ctx context.Context, id string) {
	record, ok := w.GetExport(id)
	if !ok {
		return
	}
	w.updateStatus(id, StatusRunning)

	entries, height, err := w.collect(ctx, record.From)
	if err != nil {
		w.fail(ctx, id, fmt.Sprintf("read ledger: %v", err))
		return
	}

	var jsonl, table bytes.Buffer
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error { return renderJSONL(&jsonl, entries) })
	g.Go(func() error { return renderCSV(&table, entries) })
	if err := g.Wait(); err != nil {
		w.fail(ctx, id, err.Error())
		return
	}

	artifacts := make([]Artifact, 0, 2)
	for _, rendered := range []struct {
		format      Format
		contentType string
		body        *bytes.Buffer
	}{
		{FormatJSONL, "application/x-ndjson", &jsonl},
		{FormatCSV, "text/csv", &table},
	} {
		key := ArtifactKey(id, rendered.format)
		info, err := w.store.Put(ctx, key, bytes.NewReader(rendered.body.Bytes()), blob.PutOptions{
			ContentType: rendered.contentType,
			Metadata:    map[string]string{"export-id": id, "rows": fmt.Sprint(len(entries))},
		})
		if err != nil {
			w.fail(ctx, id, fmt.Sprintf("store artifact %s: %v", key, err))
			return
		}
		artifact := Artifact{
			Key:         info.Key,
			Format:      rendered.format,
			ContentType: rendered.contentType,
			SizeBytes:   info.Size,
			Rows:        len(entries),
			CreatedAt:   w.now(),
		}
		if url, err := w.store.PresignURL(ctx, key, blob.SignedURLOptions{Method: "GET"}); err == nil {
			artifact.URL = url
		}
		artifacts = append(artifacts, artifact)
	}
	w.complete(ctx, id, height, artifacts)
}

// collect reads entries from from up to the height observed on the first
// page, so appends made during the export are not included.
func (w *Worker) collect(ctx context.Context, from uint64) ([]ledger.AuditRecord, uint64, error) {
	page, err := w.source.LedgerRange(ctx, from, core.DefaultPageSize)
	if err != nil {
		return nil, 0, err
	}
	height := page.Height
	var out []ledger.AuditRecord
	for {
		for _, tx := range page.Entries {
			if tx.Height >= height {
				return out, height, nil
			}
			out = append(out, ledger.AuditRecordOf(tx))
		}
		next := from + uint64(len(out))
		if len(page.Entries) == 0 || next >= height {
			return out, height, nil
		}
		if page, err = w.source.LedgerRange(ctx, next, core.DefaultPageSize); err != nil {
			return nil, 0, err
		}
	}
}

// ArtifactKey returns the blob key of an export artifact.
func ArtifactKey(id string, format Format) string {
	return fmt.Sprintf("exports/%s/ledger.%s", id, format)
}

func renderJSONL(buf *bytes.Buffer, records []ledger.AuditRecord) error {
	enc := json.NewEncoder(buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode jsonl: %w", err)
		}
	}
	return nil
}

func renderCSV(buf *bytes.Buffer, records []ledger.AuditRecord) error {
	writer := csv.NewWriter(buf)
	if err := writer.Write(ledger.AuditColumns); err != nil {
		return err
	}
	for _, rec := range records {
		if err := writer.Write(rec.Row()); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("encode csv: %w", err)
	}
	return nil
}

func (w *Worker) updateStatus(id string, status Status) {
	w.mu.Lock()
	if record, ok := w.jobs[id]; ok {
		record.Status = status
		record.UpdatedAt = w.now()
	}
	w.mu.Unlock()
	w.logger.Debug("export status", zap.String("export_id", id), zap.String("status", string(status)))
}

func (w *Worker) complete(ctx context.Context, id string, height uint64, artifacts []Artifact) {
	now := w.now()
	w.mu.Lock()
	record, ok := w.jobs[id]
	var actor string
	var started time.Time
	if ok {
		record.Status = StatusSucceeded
		record.Error = ""
		record.Height = height
		record.Artifacts = artifacts
		record.UpdatedAt = now
		record.CompletedAt = &now
		actor, started = record.RequestedBy, record.CreatedAt
	}
	w.mu.Unlock()
	w.logger.Info("export succeeded", zap.String("export_id", id), zap.Uint64("height", height))
	if ok && w.audit != nil {
		w.audit.Record(ctx, core.AuditEntry{
			Operation:      OpExportLedger,
			OrganizationID: actor,
			Height:         &height,
			Status:         core.AuditStatusSuccess,
			Duration:       now.Sub(started),
			OccurredAt:     now,
		})
	}
}

func (w *Worker) fail(ctx context.Context, id, reason string) {
	now := w.now()
	w.mu.Lock()
	record, ok := w.jobs[id]
	var actor string
	var started time.Time
	if ok {
		record.Status = StatusFailed
		record.Error = reason
		record.UpdatedAt = now
		record.CompletedAt = &now
		actor, started = record.RequestedBy, record.CreatedAt
	}
	w.mu.Unlock()
	w.logger.Warn("export failed", zap.String("export_id", id), zap.String("error", reason))
	if ok && w.audit != nil {
		w.audit.Record(ctx, core.AuditEntry{
			Operation:      OpExportLedger,
			OrganizationID: actor,
			Status:         core.AuditStatusError,
			Error:          reason,
			Duration:       now.Sub(started),
			OccurredAt:     now,
		})
	}
}

func (r Record) copy() Record {
	dup := r
	if len(r.Artifacts) > 0 {
		dup.Artifacts = append([]Artifact(nil), r.Artifacts...)
	}
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		dup.CompletedAt = &at
	}
	return dup
}
