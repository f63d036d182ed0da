// Package httpapi exposes the custody service over HTTP JSON for capture
// forms, dashboards and the consumer portal.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"herbtrace/internal/adapters/export"
	"herbtrace/internal/core"
	"herbtrace/internal/provenance"
	"herbtrace/internal/rules"
	"herbtrace/pkg/domain"
)

// OrganizationHeader identifies the organization submitting an event.
const OrganizationHeader = "X-Organization-ID"

const maxBodyBytes = 1 << 20

// Handler routes /api/v1 requests to the custody service.
type Handler struct {
	Service *core.Service
	Exports export.Scheduler
	Metrics http.Handler
	Logger  *zap.Logger
}

// NewHandler constructs a handler over svc.
func NewHandler(svc *core.Service) *Handler {
	return &Handler{Service: svc, Logger: zap.NewNop()}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		writeError(w, http.StatusInternalServerError, "custody service not configured")
		return
	}
	if org := strings.TrimSpace(r.Header.Get(OrganizationHeader)); org != "" {
		r = r.WithContext(core.WithOrganization(r.Context(), org))
	}

	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/healthz":
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "driver": h.Service.Store().Driver()})
	case path == "/metrics":
		if h.Metrics == nil {
			http.NotFound(w, r)
			return
		}
		h.Metrics.ServeHTTP(w, r)
	case path == "/api/v1/collections":
		h.post(w, r, h.handleCollection)
	case path == "/api/v1/processing-steps":
		h.post(w, r, h.handleProcessingStep)
	case path == "/api/v1/quality-tests":
		h.post(w, r, h.handleQualityTest)
	case strings.HasPrefix(path, "/api/v1/batches/"):
		h.handleBatch(w, r, strings.TrimPrefix(path, "/api/v1/batches/"))
	case strings.HasPrefix(path, "/api/v1/products/"):
		h.get(w, r, func(w http.ResponseWriter, r *http.Request) {
			h.handleProduct(w, r, strings.TrimPrefix(path, "/api/v1/products/"))
		})
	case path == "/api/v1/ledger":
		h.get(w, r, h.handleLedgerRange)
	case path == "/api/v1/ledger/verify":
		h.get(w, r, h.handleVerify)
	case path == "/api/v1/conservation":
		h.get(w, r, h.handleConservation)
	case path == "/api/v1/rules" || strings.HasPrefix(path, "/api/v1/rules/"):
		h.handleRules(w, r, strings.TrimPrefix(strings.TrimPrefix(path, "/api/v1/rules"), "/"))
	case strings.HasPrefix(path, "/api/v1/exports"):
		if h.Exports == nil {
			http.NotFound(w, r)
			return
		}
		h.handleExports(w, r, path)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	next(w, r)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	next(w, r)
}

func (h *Handler) handleCollection(w http.ResponseWriter, r *http.Request) {
	var event domain.CollectionEvent
	if !decode(w, r, &event, "invalid collection event payload") {
		return
	}
	recorded, res, err := h.Service.SubmitCollectionEvent(r.Context(), event)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"event": recorded, "validation": res})
}

func (h *Handler) handleProcessingStep(w http.ResponseWriter, r *http.Request) {
	var step domain.ProcessingStep
	if !decode(w, r, &step, "invalid processing step payload") {
		return
	}
	entry, err := h.Service.RecordProcessingStep(r.Context(), step)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"transaction": entry})
}

func (h *Handler) handleQualityTest(w http.ResponseWriter, r *http.Request) {
	var test domain.QualityTest
	if !decode(w, r, &test, "invalid quality test payload") {
		return
	}
	recorded, entry, err := h.Service.RecordQualityTest(r.Context(), test)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"test": recorded, "transaction": entry})
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request, remainder string) {
	segments := strings.Split(remainder, "/")
	if len(segments) != 2 || segments[0] == "" {
		writeError(w, http.StatusNotFound, "batch endpoint not found")
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	batchID := segments[0]
	ctx := r.Context()
	switch segments[1] {
	case "provenance":
		doc, err := h.Service.BuildProvenance(ctx, batchID)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"provenance": doc})
	case "history":
		txs, err := h.Service.BatchHistory(ctx, batchID)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "transactions": txs})
	case "compliance":
		summary, err := h.Service.ComplianceSummary(ctx, batchID)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"batch_id": batchID, "compliance": summary})
	default:
		writeError(w, http.StatusNotFound, "batch endpoint not found")
	}
}

func (h *Handler) handleProduct(w http.ResponseWriter, r *http.Request, code string) {
	if code == "" || strings.Contains(code, "/") {
		writeError(w, http.StatusBadRequest, "invalid product code")
		return
	}
	lookup, err := h.Service.FindByProductCode(r.Context(), code)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lookup)
}

func (h *Handler) handleLedgerRange(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var from uint64
	if v := query.Get("from"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be a non-negative integer")
			return
		}
		from = parsed
	}
	limit := core.DefaultPageSize
	if v := query.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	page, err := h.Service.LedgerRange(r.Context(), from, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	status, err := h.Service.VerifyLedger(r.Context())
	var integrity domain.IntegrityError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"valid": true, "height": status.Height, "latest_hash": status.LatestHash})
	case errors.As(err, &integrity):
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "height": integrity.Height, "reason": integrity.Reason})
	default:
		h.fail(w, err)
	}
}

func (h *Handler) handleConservation(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	species := strings.TrimSpace(query.Get("species"))
	zone := strings.TrimSpace(query.Get("zone"))
	if species == "" || zone == "" {
		writeError(w, http.StatusBadRequest, "species and zone are required")
		return
	}
	var at time.Time
	if v := query.Get("at"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be an RFC 3339 timestamp")
			return
		}
		at = parsed
	}
	status, err := h.Service.ConservationStatus(r.Context(), species, zone, at)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) handleRules(w http.ResponseWriter, r *http.Request, id string) {
	switch {
	case id == "" && r.Method == http.MethodGet:
		docs, err := ruleDocuments(h.Service.Rules(r.URL.Query().Get("species")))
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": docs})
	case id == "" && r.Method == http.MethodPut:
		var doc rules.Document
		if !decode(w, r, &doc, "invalid rule payload") {
			return
		}
		rule, err := doc.Rule()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := h.Service.PutRule(r.Context(), rule); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rule": doc})
	case id != "" && r.Method == http.MethodDelete:
		rule, err := h.Service.DeactivateRule(r.Context(), id)
		if err != nil {
			h.fail(w, err)
			return
		}
		docs, err := ruleDocuments([]domain.Rule{rule})
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rule": docs[0]})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func ruleDocuments(ruleSet []domain.Rule) ([]rules.Document, error) {
	docs := make([]rules.Document, 0, len(ruleSet))
	for _, rule := range ruleSet {
		doc, err := rules.ToDocument(rule)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

type exportRequest struct {
	RequestedBy string `json:"requested_by"`
	Reason      string `json:"reason"`
	From        uint64 `json:"from"`
}

func (h *Handler) handleExports(w http.ResponseWriter, r *http.Request, path string) {
	if path == "/api/v1/exports" {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req exportRequest
		if !decode(w, r, &req, "invalid export request payload") {
			return
		}
		record, err := h.Exports.EnqueueExport(r.Context(), export.Input{
			RequestedBy: firstNonEmpty(req.RequestedBy, core.OrganizationFromContext(r.Context())),
			Reason:      req.Reason,
			From:        req.From,
		})
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, export.ErrQueueFull) {
				status = http.StatusServiceUnavailable
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"export": record})
		return
	}

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(path, "/api/v1/exports/")
	if id == "" || id == path {
		http.NotFound(w, r)
		return
	}
	record, ok := h.Exports.GetExport(id)
	if !ok {
		writeError(w, http.StatusNotFound, "export not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"export": record})
}

// fail maps service errors onto status codes.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var (
		validation domain.ValidationError
		integrity  domain.IntegrityError
		fault      domain.StorageFault
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": err.Error(), "validation": validation.Result})
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, provenance.ErrMalformedCode):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &integrity):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &fault):
		h.logger().Error("storage fault", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		h.logger().Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

func decode(w http.ResponseWriter, r *http.Request, into any, message string) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, message)
		return false
	}
	return true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
