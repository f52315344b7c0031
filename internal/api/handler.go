package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/symbol-ai/loyalty/internal/cycle"
	"github.com/symbol-ai/loyalty/internal/discount"
	"github.com/symbol-ai/loyalty/internal/domain"
	"github.com/symbol-ai/loyalty/internal/eligibility"
	"github.com/symbol-ai/loyalty/internal/repository"
	"github.com/symbol-ai/loyalty/internal/risk"
)

// cycleStateTTL bounds how long a memoized cycle state lives. The key
// embeds the newest visit ID, so the TTL only limits memory, not
// correctness.
const cycleStateTTL = 10 * time.Minute

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	risk    *risk.Service
	version string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, riskSvc *risk.Service, version string) *Handler {
	return &Handler{
		repo:    repo,
		cache:   cache,
		bus:     bus,
		risk:    riskSvc,
		version: version,
	}
}

// VisitEvent is the payload published on visit topics.
type VisitEvent struct {
	VisitID    string             `json:"visitId"`
	TenantID   string             `json:"tenantId"`
	CustomerID string             `json:"customerId"`
	EmployeeID string             `json:"employeeId"`
	Status     domain.VisitStatus `json:"status"`
	VisitDate  time.Time          `json:"visitDate"`
	TraceID    string             `json:"traceId,omitempty"`
}

// RecordVisit handles POST /visits. Visits are created pending; the
// one-visit-per-day invariant is enforced by the ledger and surfaces
// here as 409.
func (h *Handler) RecordVisit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req domain.VisitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.CustomerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "customerId is required",
		})
		return
	}
	if req.BranchID == "" || req.EmployeeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "branchId and employeeId are required",
		})
		return
	}

	visit := req.ToVisit()
	visit.ID = uuid.New().String()
	visit.TenantID = tenantID

	if err := h.repo.SaveVisit(ctx, tenantID, visit); err != nil {
		h.writeError(w, err, "visit")
		return
	}

	h.publishVisit(ctx, tenantID, domain.TopicVisitRecorded, visit, traceID)

	state, elig, err := h.customerState(ctx, tenantID, visit.CustomerID)
	if err != nil {
		slog.Error("failed to derive cycle after visit", "visit_id", visit.ID, "error", err)
		writeJSON(w, http.StatusCreated, map[string]any{"visit": visit})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"visit":       visit,
		"cycle":       state,
		"eligibility": elig,
	})
}

// StatusRequest is the request body for POST /visits/{id}/status.
type StatusRequest struct {
	Status domain.VisitStatus `json:"status"`
}

// UpdateVisitStatus handles POST /visits/{id}/status. Approval is the
// transition that moves a visit into the eligibility count, so it also
// triggers the async milestone pipeline.
func (h *Handler) UpdateVisitStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)
	visitID := chi.URLParam(r, "id")

	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if !req.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "status must be one of pending, approved, rejected, cancelled",
		})
		return
	}

	visit, err := h.repo.UpdateVisitStatus(ctx, tenantID, visitID, req.Status)
	if err != nil {
		h.writeError(w, err, "visit")
		return
	}

	if req.Status == domain.VisitApproved {
		h.publishVisit(ctx, tenantID, domain.TopicVisitApproved, visit, traceID)
	}

	writeJSON(w, http.StatusOK, map[string]any{"visit": visit})
}

// GetVisit handles GET /visits/{id}.
func (h *Handler) GetVisit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	visitID := chi.URLParam(r, "id")

	visit, err := h.repo.GetVisit(ctx, tenantID, visitID)
	if err != nil {
		h.writeError(w, err, "visit")
		return
	}

	writeJSON(w, http.StatusOK, visit)
}

// ListCustomerVisits handles GET /customers/{id}/visits.
func (h *Handler) ListCustomerVisits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	customerID := chi.URLParam(r, "id")

	visits, err := h.repo.ListVisitsByCustomer(ctx, tenantID, customerID)
	if err != nil {
		h.writeError(w, err, "visits")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"visits": visits,
		"count":  len(visits),
	})
}

// GetCustomerCycle handles GET /customers/{id}/cycle.
func (h *Handler) GetCustomerCycle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	customerID := chi.URLParam(r, "id")

	visits, err := h.repo.ListVisitsByCustomer(ctx, tenantID, customerID)
	if err != nil {
		h.writeError(w, err, "visits")
		return
	}

	state := h.cycleState(ctx, tenantID, customerID, visits, time.Now().UTC())
	writeJSON(w, http.StatusOK, state)
}

// GetCustomerEligibility handles GET /customers/{id}/eligibility.
func (h *Handler) GetCustomerEligibility(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	customerID := chi.URLParam(r, "id")

	state, elig, err := h.customerState(ctx, tenantID, customerID)
	if err != nil {
		h.writeError(w, err, "eligibility")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cycle":       state,
		"eligibility": elig,
	})
}

// ListCustomerDiscounts handles GET /customers/{id}/discounts.
func (h *Handler) ListCustomerDiscounts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	customerID := chi.URLParam(r, "id")

	records, err := h.repo.ListDiscountsByCustomer(ctx, tenantID, customerID, time.Time{})
	if err != nil {
		h.writeError(w, err, "discounts")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"discounts": records,
		"count":     len(records),
	})
}

// PreviewResponse is the response for POST /discounts/preview.
type PreviewResponse struct {
	Eligibility *domain.EligibilityResult `json:"eligibility"`
	Breakdown   *discount.Breakdown       `json:"breakdown,omitempty"`
	Risk        *domain.RiskResult        `json:"risk,omitempty"`
}

// PreviewDiscount handles POST /discounts/preview. Same pipeline as a
// grant, without touching the ledger.
func (h *Handler) PreviewDiscount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	req, ok := h.decodeGrant(w, r)
	if !ok {
		return
	}

	_, elig, err := h.customerState(ctx, tenantID, req.CustomerID)
	if err != nil {
		h.writeError(w, err, "eligibility")
		return
	}

	resp := PreviewResponse{Eligibility: elig}

	breakdown, err := discount.Calculate(req.OriginalAmount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "originalAmount must be positive",
		})
		return
	}
	resp.Breakdown = breakdown

	result, err := h.risk.Assess(ctx, tenantID, risk.AssessInput{
		CustomerID: req.CustomerID,
		EmployeeID: req.EmployeeID,
		Amount:     req.OriginalAmount,
		VisitTime:  time.Now().UTC(),
	})
	if err != nil {
		slog.Error("risk assessment failed", "customer_id", req.CustomerID, "error", err)
	} else {
		resp.Risk = result
	}

	writeJSON(w, http.StatusOK, resp)
}

// GrantDiscount handles POST /discounts. The flow is eligibility check,
// price breakdown, advisory risk score, then one atomic ledger insert.
// Risk never blocks the grant; high and critical scores fan out to the
// review topic instead.
func (h *Handler) GrantDiscount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	req, ok := h.decodeGrant(w, r)
	if !ok {
		return
	}
	if req.EmployeeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "employeeId is required",
		})
		return
	}

	state, elig, err := h.customerState(ctx, tenantID, req.CustomerID)
	if err != nil {
		h.writeError(w, err, "eligibility")
		return
	}

	if !elig.IsEligibleForDiscount {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":       "customer is not eligible for a discount",
			"eligibility": elig,
		})
		return
	}

	breakdown, err := discount.Calculate(req.OriginalAmount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "originalAmount must be positive",
		})
		return
	}

	now := time.Now().UTC()

	result, err := h.risk.Assess(ctx, tenantID, risk.AssessInput{
		CustomerID: req.CustomerID,
		EmployeeID: req.EmployeeID,
		Amount:     req.OriginalAmount,
		VisitTime:  now,
	})
	if err != nil {
		slog.Error("risk assessment failed", "customer_id", req.CustomerID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "risk assessment failed",
		})
		return
	}

	record := &domain.DiscountRecord{
		ID:                 uuid.New().String(),
		TenantID:           tenantID,
		CustomerID:         req.CustomerID,
		EmployeeID:         req.EmployeeID,
		BranchID:           req.BranchID,
		CycleStart:         state.CycleStart,
		OriginalAmount:     breakdown.OriginalAmount,
		DiscountPercentage: breakdown.DiscountPercentage,
		DiscountAmount:     breakdown.DiscountAmount,
		FinalAmount:        breakdown.FinalAmount,
		RiskScore:          result.Score,
		RiskLevel:          result.Level,
		CreatedAt:          now,
	}

	if err := h.repo.InsertDiscountRecord(ctx, tenantID, record); err != nil {
		h.writeError(w, err, "discount")
		return
	}

	h.risk.RecordGrant(ctx, tenantID, req.EmployeeID, now)

	payload, _ := json.Marshal(map[string]any{
		"record":  record,
		"risk":    result,
		"traceId": traceID,
	})
	if h.bus != nil {
		if err := h.bus.Publish(ctx, tenantID, domain.TopicDiscountGranted, payload); err != nil {
			slog.Error("failed to publish discount granted", "record_id", record.RecordID, "error", err)
		}
		if result.NeedsReview() {
			if err := h.bus.Publish(ctx, tenantID, domain.TopicDiscountReview, payload); err != nil {
				slog.Error("failed to publish review request", "record_id", record.RecordID, "error", err)
			}
		}
	}

	slog.Info("discount granted",
		"record_id", record.RecordID,
		"tenant_id", tenantID,
		"customer_id", record.CustomerID,
		"risk_score", result.Score,
		"risk_level", result.Level,
	)

	writeJSON(w, http.StatusCreated, map[string]any{
		"record": record,
		"risk":   result,
	})
}

// GetDiscount handles GET /discounts/{id}. Accepts the DR record ID or
// the internal UUID.
func (h *Handler) GetDiscount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	recordID := chi.URLParam(r, "id")

	record, err := h.repo.GetDiscountRecord(ctx, tenantID, recordID)
	if err != nil {
		h.writeError(w, err, "discount")
		return
	}

	writeJSON(w, http.StatusOK, record)
}

// GetTimePolicy handles GET /timepolicy. Tenants without a stored
// policy see the default expression.
func (h *Handler) GetTimePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	policy, err := h.repo.GetTimePolicy(ctx, tenantID)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]string{
			"tenantId":   tenantID,
			"expression": domain.DefaultTimeExpression,
			"source":     "default",
		})
		return
	}
	if err != nil {
		h.writeError(w, err, "time policy")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"tenantId":   policy.TenantID,
		"expression": policy.Expression,
		"source":     "tenant",
	})
}

// TimePolicyRequest is the request body for PUT /timepolicy.
type TimePolicyRequest struct {
	Expression string `json:"expression"`
}

// PutTimePolicy handles PUT /timepolicy. The expression is compiled
// before anything is stored; the running scorer hot-swaps on success.
func (h *Handler) PutTimePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	var req TimePolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "expression is required",
		})
		return
	}

	if err := h.risk.SetTenantExpression(tenantID, req.Expression); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid CEL expression: " + err.Error(),
		})
		return
	}

	policy := &domain.TimePolicy{TenantID: tenantID, Expression: req.Expression}
	if err := h.repo.SaveTimePolicy(ctx, tenantID, policy); err != nil {
		h.writeError(w, err, "time policy")
		return
	}

	slog.Info("time policy updated", "tenant_id", tenantID, "expression", req.Expression)
	writeJSON(w, http.StatusOK, policy)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// customerState loads the ledger and derives the cycle and eligibility
// views. Only discounts created inside the current window can mark it
// used, so the lookup starts at the cycle start.
func (h *Handler) customerState(ctx context.Context, tenantID, customerID string) (*domain.CycleState, *domain.EligibilityResult, error) {
	visits, err := h.repo.ListVisitsByCustomer(ctx, tenantID, customerID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	state := h.cycleState(ctx, tenantID, customerID, visits, now)

	var discounts []*domain.DiscountRecord
	if state.HasCycle {
		discounts, err = h.repo.ListDiscountsByCustomer(ctx, tenantID, customerID, state.CycleStart)
		if err != nil {
			return nil, nil, err
		}
	}

	elig := eligibility.Evaluate(state, visits, discounts)
	if elig.CustomerID == "" {
		elig.CustomerID = customerID
	}

	return state, elig, nil
}

// cycleState derives the customer's window, consulting the memoized
// copy first. A cache hit only needs its clock-dependent fields
// refreshed.
func (h *Handler) cycleState(ctx context.Context, tenantID, customerID string, visits []*domain.Visit, now time.Time) *domain.CycleState {
	lastID := newestRegisteredID(visits)

	if h.cache != nil && lastID != "" {
		if cached, err := h.cache.GetCycleState(ctx, tenantID, customerID, lastID); err == nil && cached != nil {
			return cycle.Refresh(cached, now)
		}
	}

	state := cycle.Compute(visits, now)
	if state.CustomerID == "" {
		state.CustomerID = customerID
	}

	if h.cache != nil && state.HasCycle {
		if err := h.cache.SetCycleState(ctx, tenantID, state, cycleStateTTL); err != nil {
			slog.Debug("failed to memoize cycle state", "customer_id", customerID, "error", err)
		}
	}

	return state
}

// newestRegisteredID returns the ID of the latest visit that counts for
// cycle derivation, or "" when there is none.
func newestRegisteredID(visits []*domain.Visit) string {
	var id string
	var latest time.Time
	for _, v := range visits {
		if v == nil || !v.Status.Registered() {
			continue
		}
		if id == "" || v.VisitDate.After(latest) {
			id = v.ID
			latest = v.VisitDate
		}
	}
	return id
}

func (h *Handler) decodeGrant(w http.ResponseWriter, r *http.Request) (*domain.GrantRequest, bool) {
	var req domain.GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return nil, false
	}
	if req.CustomerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "customerId is required",
		})
		return nil, false
	}
	return &req, true
}

func (h *Handler) publishVisit(ctx context.Context, tenantID, topic string, visit *domain.Visit, traceID string) {
	if h.bus == nil {
		return
	}

	payload, _ := json.Marshal(VisitEvent{
		VisitID:    visit.ID,
		TenantID:   tenantID,
		CustomerID: visit.CustomerID,
		EmployeeID: visit.EmployeeID,
		Status:     visit.Status,
		VisitDate:  visit.VisitDate,
		TraceID:    traceID,
	})

	if err := h.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		slog.Error("failed to publish visit event",
			"topic", topic,
			"visit_id", visit.ID,
			"error", err,
		)
	}
}

// writeError maps ledger errors to HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, err error, resource string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": resource + " not found",
		})
	case errors.Is(err, repository.ErrDuplicateVisit):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "a visit is already recorded for this customer today",
		})
	case errors.Is(err, repository.ErrDiscountAlreadyUsed):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "a discount was already granted for this cycle",
		})
	case errors.Is(err, repository.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": err.Error(),
		})
	case errors.Is(err, repository.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	default:
		slog.Error("request failed", "resource", resource, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
