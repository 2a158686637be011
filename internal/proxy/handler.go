package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/enhance-gateway/internal/auth"
	"github.com/vnmchuo/enhance-gateway/internal/billing"
	"github.com/vnmchuo/enhance-gateway/internal/provider/dzine"
	"github.com/vnmchuo/enhance-gateway/pkg/ratelimit"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	orch        *Orchestrator
	billing     billing.Store      // nil disables the usage ledger
	limiter     *ratelimit.Limiter // nil disables rate limiting
	tracer      trace.Tracer
	logger      zerolog.Logger
	mode        Mode
	materialize bool
}

// HandlerConfig holds request defaults a caller may override per request.
type HandlerConfig struct {
	Mode        Mode
	Materialize bool
}

func NewHandler(orch *Orchestrator, billing billing.Store, limiter *ratelimit.Limiter, tracer trace.Tracer, logger zerolog.Logger, cfg HandlerConfig) *Handler {
	return &Handler{
		orch:        orch,
		billing:     billing,
		limiter:     limiter,
		tracer:      tracer,
		logger:      logger,
		mode:        ParseMode(string(cfg.Mode), ModeDeferred),
		materialize: cfg.Materialize,
	}
}

// submitBody accepts both current and legacy field names.
type submitBody struct {
	ImageReference string          `json:"imageReference"`
	ImageURL       string          `json:"image_url"`
	Options        json.RawMessage `json:"options"`
}

// decodeOptions never fails: bad values fall back to defaults.
func decodeOptions(raw json.RawMessage) dzine.Options {
	var m map[string]any
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil {
		return dzine.Options{Scale: dzine.DefaultScale}
	}

	opts := dzine.Options{Scale: dzine.ScaleFromAny(m["scale"])}
	if opts.Scale == 0 {
		opts.Scale = dzine.ScaleFromAny(m["upscale"])
	}
	opts.Scale = dzine.NormalizeScale(opts.Scale)
	if s, ok := m["style"].(string); ok {
		opts.Style = dzine.NormalizeStyle(s)
	}
	switch v := m["enhanceFaces"].(type) {
	case bool:
		opts.EnhanceFaces = v
	case string:
		opts.EnhanceFaces, _ = strconv.ParseBool(v)
	}
	if p, ok := m["prompt"].(string); ok {
		opts.Prompt = strings.TrimSpace(p)
	}
	return opts
}

func (h *Handler) decodeRequest(r *http.Request) (Request, error) {
	var body submitBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return Request{}, fmt.Errorf("%w: invalid request body", ErrInvalidRequest)
	}
	ref := body.ImageReference
	if strings.TrimSpace(ref) == "" {
		ref = body.ImageURL
	}
	return Request{ImageReference: ref, Options: decodeOptions(body.Options)}, nil
}

// HandleSubmit creates a job for op and, in sync mode, waits for it.
func (h *Handler) HandleSubmit(op dzine.Operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := h.tracer.Start(r.Context(), "proxy.handle_submit")
		defer span.End()

		req, err := h.decodeRequest(r)
		if err != nil {
			h.writeFailure(w, err)
			return
		}
		req.Operation = op
		req.Mode = ParseMode(r.URL.Query().Get("mode"), h.mode)
		span.SetAttributes(
			attribute.String("tenant_id", auth.GetTenantID(ctx)),
			attribute.String("operation", string(op)),
			attribute.String("mode", string(req.Mode)),
		)

		if _, err := validateImageURL(req.ImageReference); err != nil {
			h.writeFailure(w, err)
			return
		}
		if !h.allow(ctx, r) {
			writeJSONRateLimited(w)
			return
		}

		res, err := h.orch.Process(ctx, req)
		h.record(ctx, "dzine", string(op), req.Mode, res, err, start)
		if err != nil {
			h.writeFailure(w, err)
			return
		}

		status := http.StatusOK
		if res.Status == "queued" {
			status = http.StatusAccepted
		}
		writeJSON(w, status, res)
	}
}

// HandleStatus runs one status check. The task id comes from the {taskId}
// path parameter or the taskId / task_id query parameter.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "proxy.handle_status")
	defer span.End()

	taskID := taskIDFrom(r)
	res, err := h.orch.Status(ctx, taskID)
	h.record(ctx, "dzine", "status", "", withTask(res, taskID), err, start)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleCDN rewrites or materializes a CDN delivery URL.
func (h *Handler) HandleCDN(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.tracer.Start(r.Context(), "proxy.handle_cdn")
	defer span.End()

	req, err := h.decodeRequest(r)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	req.Operation = OperationCDN
	req.Materialize = h.materialize
	if v := r.URL.Query().Get("materialize"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			req.Materialize = b
		}
	}

	res, err := h.orch.Process(ctx, req)
	h.record(ctx, "cloudinary", "cdn", "", res, err, start)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleSubmitOrStatus serves GET on an operation path: a status check when a
// task id is given.
func (h *Handler) HandleSubmitOrStatus(w http.ResponseWriter, r *http.Request) {
	if taskIDFrom(r) == "" {
		h.writeFailure(w, fmt.Errorf("%w: missing taskId query parameter", ErrInvalidRequest))
		return
	}
	h.HandleStatus(w, r)
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	if h.billing == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "usage ledger is not configured"})
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
		to = t
	}

	logs, err := h.billing.GetUsageByTenant(ctx, tenantID, from, to)
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("usage query failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	summary, err := h.billing.SummarizeByTenant(ctx, tenantID, from, to)
	if err != nil {
		h.logger.Error().Err(err).Str("tenant_id", tenantID).Msg("usage summary failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenantId": tenantID,
		"summary":  summary,
		"logs":     logs,
		"from":     from,
		"to":       to,
	})
}

// allow applies the per-minute submission budget of the tenant, or of the
// client address when auth is disabled. Limiter errors deny.
func (h *Handler) allow(ctx context.Context, r *http.Request) bool {
	if h.limiter == nil {
		return true
	}
	caller := auth.GetTenantID(ctx)
	if caller == "" {
		caller = "ip:" + clientIP(r)
	}
	ok, err := h.limiter.Allow(ctx, caller, auth.GetRateLimit(ctx), 1)
	if err != nil {
		h.logger.Warn().Err(err).Str("caller", caller).Msg("rate limiter unavailable")
		return false
	}
	return ok
}

// record appends a ledger row asynchronously; the response never waits on it.
func (h *Handler) record(ctx context.Context, providerName, op string, mode Mode, res *Result, err error, start time.Time) {
	if h.billing == nil {
		return
	}
	entry := &billing.UsageLog{
		TenantID:  auth.GetTenantID(ctx),
		RequestID: auth.GetRequestID(ctx),
		Provider:  providerName,
		Operation: op,
		Mode:      string(mode),
		Status:    outcomeLabel(res, err),
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if res != nil {
		entry.TaskID = res.TaskID
	}
	var te *TimeoutError
	var pe *ProviderError
	switch {
	case errors.As(err, &te):
		entry.TaskID = te.TaskID
	case errors.As(err, &pe):
		entry.TaskID = pe.TaskID
	}
	if entry.TenantID == "" {
		entry.TenantID = "anonymous"
	}

	go func() {
		if err := h.billing.LogUsage(context.Background(), entry); err != nil {
			h.logger.Warn().Err(err).Str("request_id", entry.RequestID).Msg("usage log failed")
		}
	}()
}

func outcomeLabel(res *Result, err error) string {
	switch {
	case err == nil && res != nil && res.Status != "":
		return res.Status
	case err == nil:
		return "succeeded"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, ErrTimeout):
		return "timed_out"
	case errors.Is(err, ErrProvider):
		return "provider_error"
	}
	return "error"
}

// writeFailure maps an orchestrator error onto the caller-facing status.
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	var (
		te *TimeoutError
		pe *ProviderError
	)
	switch {
	case errors.As(err, &te):
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{
			"error":  err.Error(),
			"status": "timed_out",
			"taskId": te.TaskID,
		})
	case errors.As(err, &pe):
		body := map[string]any{"error": err.Error(), "details": pe.Body}
		if pe.Status > 0 {
			body["upstreamStatus"] = pe.Status
		}
		if pe.TaskID != "" {
			body["taskId"] = pe.TaskID
		}
		writeJSON(w, http.StatusBadGateway, body)
	case errors.Is(err, ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrMethodNotAllowed):
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrNotConfigured):
		h.logger.Error().Err(err).Msg("request rejected: server not configured")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	default:
		h.logger.Error().Err(err).Msg("unhandled request error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONRateLimited(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "60")
	writeJSON(w, http.StatusTooManyRequests, map[string]string{
		"error":       "rate limit exceeded",
		"retry_after": "60s",
	})
}

func taskIDFrom(r *http.Request) string {
	if id := chi.URLParam(r, "taskId"); id != "" {
		return id
	}
	q := r.URL.Query()
	if id := q.Get("taskId"); id != "" {
		return id
	}
	return q.Get("task_id")
}

func withTask(res *Result, taskID string) *Result {
	if res == nil {
		return &Result{TaskID: taskID}
	}
	return res
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
