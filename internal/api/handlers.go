/**
 * @description
 * HTTP handlers for the commission-service.
 *
 * @notes
 * - Service sentinels map onto status codes in one place, statusFor.
 * - Request bodies are decoded with a size cap and validated with
 *   go-playground/validator before reaching the services.
 */
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/localmart/commission-service/internal/app"
	"github.com/localmart/commission-service/internal/domain"
	"github.com/localmart/commission-service/internal/store"
)

const (
	maxBodyBytes        = 1 << 20
	promoValidateScope  = "promo_validate"
	defaultListLimit    = 50
	maxListLimit        = 500
	defaultTopPerformer = 10
)

// RateLimiter admits or rejects one request for subject within scope.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string, limit int, window time.Duration) (bool, int, error)
}

// Services are the application services the handlers call.
type Services struct {
	Affiliates *app.AffiliateService
	Resolver   *app.AttributionResolver
	Ingestor   *app.Ingestor
	Ledger     *app.Ledger
	Payouts    *app.PayoutService
	Promos     *app.PromoService
	Reports    *app.ReportService
	Exports    *app.ExportService
}

// HandlerOptions tune request handling.
type HandlerOptions struct {
	// PromoValidateLimit is the per-client validations allowed per minute. Zero disables limiting.
	PromoValidateLimit  int
	StripeWebhookSecret string
	ReconcileStaleAfter time.Duration
}

// Handler holds the application services that handlers will interact with.
type Handler struct {
	svc      Services
	limiter  RateLimiter
	opts     HandlerOptions
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a new Handler. limiter may be nil.
func NewHandler(svc Services, limiter RateLimiter, opts HandlerOptions, logger *slog.Logger) *Handler {
	return &Handler{
		svc:      svc,
		limiter:  limiter,
		opts:     opts,
		validate: validator.New(),
		logger:   logger,
	}
}

// --- public ---

func (h *Handler) handleValidatePromo(w http.ResponseWriter, r *http.Request) {
	if h.limiter != nil && h.opts.PromoValidateLimit > 0 {
		allowed, retryAfter, err := h.limiter.Allow(r.Context(), promoValidateScope, clientIP(r), h.opts.PromoValidateLimit, time.Minute)
		if err != nil {
			h.logger.Warn("promo rate limiter unavailable; allowing request", "error", err)
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			http.Error(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
	}

	code := chi.URLParam(r, "code")
	validation, err := h.svc.Promos.Validate(r.Context(), code)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, validation)
	case errors.Is(err, store.ErrCodeNotFound):
		respondWithJSON(w, http.StatusOK, app.PromoValidation{Valid: false, Error: "code not found"})
	case errors.Is(err, app.ErrCodeInactive):
		respondWithJSON(w, http.StatusOK, app.PromoValidation{Valid: false, Error: "code is not active"})
	default:
		h.respondWithError(w, r, err)
	}
}

func (h *Handler) handleQuoteCheckout(w http.ResponseWriter, r *http.Request) {
	var req app.CheckoutQuoteRequest
	if !h.decode(w, r, &req) {
		return
	}

	quote, err := h.svc.Promos.QuoteCheckout(r.Context(), req)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, quote)
}

// --- internal ---

func (h *Handler) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var inbound domain.InboundEvent
	if !h.decodeBody(w, r, &inbound) {
		return
	}

	event, err := domain.ParseInboundEvent(inbound)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.svc.Ingestor.Ingest(r.Context(), event)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

type attributeRequest struct {
	AccountID string `json:"account_id" validate:"required,max=255"`
	Code      string `json:"code" validate:"required,max=64"`
}

func (h *Handler) handleAttribute(w http.ResponseWriter, r *http.Request) {
	var req attributeRequest
	if !h.decode(w, r, &req) {
		return
	}

	attribution, err := h.svc.Resolver.Attribute(r.Context(), strings.TrimSpace(req.AccountID), req.Code)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, attribution)
}

// --- admin: affiliates and codes ---

func (h *Handler) handleCreateAffiliate(w http.ResponseWriter, r *http.Request) {
	var req app.CreateAffiliateRequest
	if !h.decode(w, r, &req) {
		return
	}

	affiliate, err := h.svc.Affiliates.CreateAffiliate(r.Context(), req)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, affiliate)
}

func (h *Handler) handleGetAffiliate(w http.ResponseWriter, r *http.Request) {
	id, ok := affiliateIDParam(w, r)
	if !ok {
		return
	}

	affiliate, err := h.svc.Affiliates.GetAffiliate(r.Context(), id)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, affiliate)
}

type assignParentRequest struct {
	ParentAffiliateID *uuid.UUID `json:"parent_affiliate_id"`
}

func (h *Handler) handleAssignParent(w http.ResponseWriter, r *http.Request) {
	id, ok := affiliateIDParam(w, r)
	if !ok {
		return
	}
	var req assignParentRequest
	if !h.decode(w, r, &req) {
		return
	}

	affiliate, err := h.svc.Affiliates.AssignParent(r.Context(), id, req.ParentAffiliateID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, affiliate)
}

func (h *Handler) handleSetPayoutAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := affiliateIDParam(w, r)
	if !ok {
		return
	}
	var req app.PayoutAccountRequest
	if !h.decode(w, r, &req) {
		return
	}

	affiliate, err := h.svc.Affiliates.SetPayoutAccount(r.Context(), id, req)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, affiliate)
}

func (h *Handler) handleSuspendAffiliate(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.svc.Affiliates.Suspend)
}

func (h *Handler) handleReinstateAffiliate(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, h.svc.Affiliates.Reinstate)
}

func (h *Handler) changeStatus(w http.ResponseWriter, r *http.Request, apply func(context.Context, uuid.UUID) (*domain.Affiliate, error)) {
	id, ok := affiliateIDParam(w, r)
	if !ok {
		return
	}

	affiliate, err := apply(r.Context(), id)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	adminID, _ := AdminFromContext(r.Context())
	h.logger.Info("affiliate status changed", "affiliate_id", id, "status", affiliate.Status, "admin_id", adminID)
	respondWithJSON(w, http.StatusOK, affiliate)
}

func (h *Handler) handleListCodes(w http.ResponseWriter, r *http.Request) {
	id, ok := affiliateIDParam(w, r)
	if !ok {
		return
	}

	codes, err := h.svc.Affiliates.ListCodes(r.Context(), id)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	if codes == nil {
		codes = []domain.ReferralCode{}
	}

	respondWithJSON(w, http.StatusOK, codes)
}

func (h *Handler) handleCreateCode(w http.ResponseWriter, r *http.Request) {
	id, ok := affiliateIDParam(w, r)
	if !ok {
		return
	}
	var req app.CreateCodeRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	req.Kind = domain.CodeKind(strings.ToUpper(strings.TrimSpace(string(req.Kind))))
	if !h.check(w, &req) {
		return
	}

	code, err := h.svc.Affiliates.CreateCode(r.Context(), id, req)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, code)
}

func (h *Handler) handleRotateCode(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if code == "" {
		http.Error(w, "Code is required", http.StatusBadRequest)
		return
	}

	replacement, err := h.svc.Affiliates.RotateCode(r.Context(), code)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, replacement)
}

// --- admin: reporting ---

func (h *Handler) handleAffiliateSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := affiliateIDParam(w, r)
	if !ok {
		return
	}

	summary, err := h.svc.Reports.AffiliateSummary(r.Context(), id)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleTopPerformers(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultTopPerformer)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	performers, err := h.svc.Reports.TopPerformers(r.Context(), limit)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, performers)
}

func (h *Handler) handleExportLedger(w http.ResponseWriter, r *http.Request) {
	filter, err := ledgerFilterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	format := strings.ToLower(r.URL.Query().Get("format"))
	var (
		buf         bytes.Buffer
		contentType string
		extension   string
	)
	switch format {
	case "", "csv":
		err = h.svc.Exports.WriteLedgerCSV(r.Context(), &buf, filter)
		contentType, extension = "text/csv", "csv"
	case "xlsx":
		err = h.svc.Exports.WriteLedgerXLSX(r.Context(), &buf, filter)
		contentType, extension = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", "xlsx"
	default:
		http.Error(w, fmt.Sprintf("unsupported export format %q", format), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="commission-ledger.%s"`, extension))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// --- admin: ledger and payouts ---

type voidRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) handleVoidCredit(w http.ResponseWriter, r *http.Request) {
	sourceEventID := chi.URLParam(r, "sourceEventID")
	if sourceEventID == "" {
		http.Error(w, "Source event ID is required", http.StatusBadRequest)
		return
	}
	var req voidRequest
	if !h.decode(w, r, &req) {
		return
	}

	adminID, _ := AdminFromContext(r.Context())
	result, err := h.svc.Ledger.Void(r.Context(), sourceEventID, fmt.Sprintf("%s (by %s)", req.Reason, adminID))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListPayouts(w http.ResponseWriter, r *http.Request) {
	var affiliateID *uuid.UUID
	if raw := r.URL.Query().Get("affiliate_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			http.Error(w, "Invalid affiliate_id", http.StatusBadRequest)
			return
		}
		affiliateID = &id
	}
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	payouts, err := h.svc.Payouts.ListPayouts(r.Context(), affiliateID, limit, offset)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	if payouts == nil {
		payouts = []domain.AffiliatePayout{}
	}

	respondWithJSON(w, http.StatusOK, payouts)
}

type runPayoutsRequest struct {
	AffiliateID *uuid.UUID `json:"affiliate_id,omitempty"`
}

func (h *Handler) handleRunPayouts(w http.ResponseWriter, r *http.Request) {
	var req runPayoutsRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	adminID, _ := AdminFromContext(r.Context())
	h.logger.Info("manual payout cycle requested", "admin_id", adminID, "affiliate_id", req.AffiliateID)

	result, err := h.svc.Payouts.RunPayoutCycle(r.Context(), req.AffiliateID)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleReconcilePayouts(w http.ResponseWriter, r *http.Request) {
	result, err := h.svc.Payouts.Reconcile(r.Context(), h.opts.ReconcileStaleAfter)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

// --- helpers ---

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	return h.decodeBody(w, r, dst) && h.check(w, dst)
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) check(w http.ResponseWriter, dst interface{}) bool {
	if err := h.validate.Struct(dst); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "Internal Server Error", status)
		return
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.As(err, &validationErrs),
		errors.Is(err, app.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrAffiliateNotFound),
		errors.Is(err, store.ErrCodeNotFound),
		errors.Is(err, store.ErrPayoutNotFound),
		errors.Is(err, store.ErrEventNotFound),
		errors.Is(err, app.ErrOriginalNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAffiliateExists),
		errors.Is(err, store.ErrCodeExists),
		errors.Is(err, store.ErrStaleTransition),
		errors.Is(err, app.ErrAffiliateCycle),
		errors.Is(err, app.ErrCodeInactive):
		return http.StatusConflict
	case errors.Is(err, app.ErrSelfReferral),
		errors.Is(err, app.ErrInvalidPromoCode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func affiliateIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid affiliate ID", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return value, nil
}

// ledgerFilterFromQuery reads affiliate_id, from and to. Dates are RFC 3339 or
// YYYY-MM-DD; a bare "to" date includes that whole day.
func ledgerFilterFromQuery(r *http.Request) (store.LedgerFilter, error) {
	var filter store.LedgerFilter
	query := r.URL.Query()
	if raw := query.Get("affiliate_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return filter, fmt.Errorf("invalid affiliate_id %q", raw)
		}
		filter.AffiliateID = &id
	}
	if raw := query.Get("from"); raw != "" {
		from, _, err := parseDate(raw)
		if err != nil {
			return filter, err
		}
		filter.From = &from
	}
	if raw := query.Get("to"); raw != "" {
		to, dateOnly, err := parseDate(raw)
		if err != nil {
			return filter, err
		}
		if dateOnly {
			to = to.AddDate(0, 0, 1)
		}
		filter.To = &to
	}
	return filter, nil
}

func parseDate(raw string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid date %q", raw)
	}
	return t, true, nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
