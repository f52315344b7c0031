package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/symbol-ai/loyalty/internal/bus"
	"github.com/symbol-ai/loyalty/internal/cache"
	"github.com/symbol-ai/loyalty/internal/domain"
	"github.com/symbol-ai/loyalty/internal/repository"
	"github.com/symbol-ai/loyalty/internal/risk"
)

// newTestServer wires a full stack on temp SQLite, in-memory cache and
// channel bus.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "loyalty-api-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	c := cache.NewLRUCache(1000)
	b := bus.NewChannelBus(100)
	t.Cleanup(func() { b.Close() })

	policy, err := risk.NewTimePolicy(domain.DefaultTimeExpression)
	if err != nil {
		t.Fatalf("failed to compile default time policy: %v", err)
	}
	riskSvc := risk.NewService(repo, c, policy)

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	return NewServer(cfg, repo, c, b, riskSvc, "test-v1")
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "tenant-001")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func recordVisit(t *testing.T, server *Server, customerID string, date time.Time) string {
	t.Helper()

	rr := doJSON(t, server, http.MethodPost, "/visits", domain.VisitRequest{
		CustomerID: customerID,
		BranchID:   "branch-001",
		EmployeeID: "emp-001",
		VisitDate:  &date,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 recording visit, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Visit domain.Visit `json:"visit"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse visit response: %v", err)
	}
	return resp.Visit.ID
}

func approveVisit(t *testing.T, server *Server, visitID string) {
	t.Helper()

	rr := doJSON(t, server, http.MethodPost, "/visits/"+visitID+"/status", StatusRequest{
		Status: domain.VisitApproved,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 approving visit, got %d: %s", rr.Code, rr.Body.String())
	}
}

func getEligibility(t *testing.T, server *Server, customerID string) *domain.EligibilityResult {
	t.Helper()

	rr := doJSON(t, server, http.MethodGet, "/customers/"+customerID+"/eligibility", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for eligibility, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Eligibility domain.EligibilityResult `json:"eligibility"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse eligibility response: %v", err)
	}
	return &resp.Eligibility
}

func TestVisitEndpoints(t *testing.T) {
	server := newTestServer(t)
	now := time.Now().UTC()

	t.Run("RecordVisit", func(t *testing.T) {
		date := now.Add(-72 * time.Hour)
		rr := doJSON(t, server, http.MethodPost, "/visits", domain.VisitRequest{
			CustomerID: "cust-001",
			BranchID:   "branch-001",
			EmployeeID: "emp-001",
			VisitDate:  &date,
		})

		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Visit       domain.Visit             `json:"visit"`
			Cycle       domain.CycleState        `json:"cycle"`
			Eligibility domain.EligibilityResult `json:"eligibility"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if resp.Visit.Status != domain.VisitPending {
			t.Errorf("expected pending visit, got %s", resp.Visit.Status)
		}
		if !resp.Cycle.HasCycle {
			t.Error("expected an open cycle after first visit")
		}
		if resp.Eligibility.VisitsInCycle != 0 {
			t.Errorf("pending visit must not count, got %d", resp.Eligibility.VisitsInCycle)
		}
	})

	t.Run("DuplicateSameDayIsConflict", func(t *testing.T) {
		date := now.Add(-72 * time.Hour)
		rr := doJSON(t, server, http.MethodPost, "/visits", domain.VisitRequest{
			CustomerID: "cust-001",
			BranchID:   "branch-001",
			EmployeeID: "emp-002",
			VisitDate:  &date,
		})

		if rr.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("MissingFields", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/visits", domain.VisitRequest{
			CustomerID: "cust-002",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for missing branch/employee, got %d", rr.Code)
		}

		rr = doJSON(t, server, http.MethodPost, "/visits", domain.VisitRequest{
			BranchID:   "branch-001",
			EmployeeID: "emp-001",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for missing customerId, got %d", rr.Code)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/visits", strings.NewReader("not-json"))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Tenant-ID", "tenant-001")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("MissingTenantID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/visits", strings.NewReader("{}"))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 without tenant header, got %d", rr.Code)
		}
	})

	t.Run("StatusTransitions", func(t *testing.T) {
		visitID := recordVisit(t, server, "cust-003", now.Add(-48*time.Hour))

		approveVisit(t, server, visitID)

		// Approved visits cannot be rejected.
		rr := doJSON(t, server, http.MethodPost, "/visits/"+visitID+"/status", StatusRequest{
			Status: domain.VisitRejected,
		})
		if rr.Code != http.StatusConflict {
			t.Errorf("expected 409 for approved -> rejected, got %d", rr.Code)
		}

		rr = doJSON(t, server, http.MethodPost, "/visits/"+visitID+"/status", StatusRequest{
			Status: "unknown",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for unknown status, got %d", rr.Code)
		}
	})

	t.Run("VisitNotFound", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/visits/nonexistent", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})
}

func TestLoyaltyFlow(t *testing.T) {
	server := newTestServer(t)
	now := time.Now().UTC()
	customerID := "cust-100"

	// First two approved visits bank toward the discount.
	for i, offset := range []time.Duration{-10 * 24 * time.Hour, -6 * 24 * time.Hour} {
		visitID := recordVisit(t, server, customerID, now.Add(offset))
		approveVisit(t, server, visitID)

		elig := getEligibility(t, server, customerID)
		if elig.VisitsInCycle != i+1 {
			t.Fatalf("expected %d visits in cycle, got %d", i+1, elig.VisitsInCycle)
		}
		if elig.IsEligibleForDiscount {
			t.Fatalf("must not be eligible with %d visits", i+1)
		}
	}

	elig := getEligibility(t, server, customerID)
	if elig.Milestone != domain.MilestoneSecondVisit {
		t.Errorf("expected second_visit milestone, got %q", elig.Milestone)
	}
	if elig.VisitsUntilDiscount != 1 {
		t.Errorf("expected 1 visit until discount, got %d", elig.VisitsUntilDiscount)
	}

	// Granting before the third visit is rejected.
	rr := doJSON(t, server, http.MethodPost, "/discounts", domain.GrantRequest{
		CustomerID:     customerID,
		EmployeeID:     "emp-001",
		OriginalAmount: 250,
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 before third visit, got %d: %s", rr.Code, rr.Body.String())
	}

	// Third approved visit makes the discount due.
	visitID := recordVisit(t, server, customerID, now.Add(-2*24*time.Hour))
	approveVisit(t, server, visitID)

	elig = getEligibility(t, server, customerID)
	if !elig.IsEligibleForDiscount {
		t.Fatal("expected eligibility after third approved visit")
	}
	if elig.Milestone != domain.MilestoneDiscountDue {
		t.Errorf("expected discount_due milestone, got %q", elig.Milestone)
	}

	// Preview does not consume anything.
	rr = doJSON(t, server, http.MethodPost, "/discounts/preview", domain.GrantRequest{
		CustomerID:     customerID,
		EmployeeID:     "emp-001",
		OriginalAmount: 250,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for preview, got %d: %s", rr.Code, rr.Body.String())
	}
	var preview PreviewResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &preview); err != nil {
		t.Fatalf("failed to parse preview: %v", err)
	}
	if preview.Breakdown == nil || preview.Breakdown.DiscountAmount != 150 {
		t.Errorf("expected 150 discount in preview, got %+v", preview.Breakdown)
	}
	if !preview.Eligibility.IsEligibleForDiscount {
		t.Error("preview should report eligibility")
	}

	// The grant itself.
	rr = doJSON(t, server, http.MethodPost, "/discounts", domain.GrantRequest{
		CustomerID:     customerID,
		EmployeeID:     "emp-001",
		BranchID:       "branch-001",
		OriginalAmount: 250,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 for grant, got %d: %s", rr.Code, rr.Body.String())
	}

	var grant struct {
		Record domain.DiscountRecord `json:"record"`
		Risk   domain.RiskResult     `json:"risk"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &grant); err != nil {
		t.Fatalf("failed to parse grant response: %v", err)
	}

	year := time.Now().UTC().Year()
	if want := fmt.Sprintf("DR-%d-0001", year); grant.Record.RecordID != want {
		t.Errorf("expected record ID %s, got %s", want, grant.Record.RecordID)
	}
	if grant.Record.DiscountAmount != 150 || grant.Record.FinalAmount != 100 {
		t.Errorf("expected 150/100 split, got %.2f/%.2f",
			grant.Record.DiscountAmount, grant.Record.FinalAmount)
	}
	if grant.Record.DiscountPercentage != 60 {
		t.Errorf("expected 60%% discount, got %.0f%%", grant.Record.DiscountPercentage)
	}

	// The cycle's discount is consumed: eligibility drops.
	elig = getEligibility(t, server, customerID)
	if !elig.DiscountUsed {
		t.Error("expected discountUsed after grant")
	}
	if elig.IsEligibleForDiscount {
		t.Error("expected ineligibility after grant")
	}
	if elig.Milestone != domain.MilestoneNone {
		t.Errorf("expected no milestone after grant, got %q", elig.Milestone)
	}

	// A second grant in the same cycle is rejected.
	rr = doJSON(t, server, http.MethodPost, "/discounts", domain.GrantRequest{
		CustomerID:     customerID,
		EmployeeID:     "emp-001",
		OriginalAmount: 100,
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for second grant, got %d: %s", rr.Code, rr.Body.String())
	}

	// Record retrieval by DR identifier.
	rr = doJSON(t, server, http.MethodGet, "/discounts/"+grant.Record.RecordID, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200 fetching record, got %d", rr.Code)
	}

	// Customer discount history.
	rr = doJSON(t, server, http.MethodGet, "/customers/"+customerID+"/discounts", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 listing discounts, got %d", rr.Code)
	}
	var history struct {
		Count int `json:"count"`
	}
	json.Unmarshal(rr.Body.Bytes(), &history)
	if history.Count != 1 {
		t.Errorf("expected 1 discount in history, got %d", history.Count)
	}
}

func TestGrantValidation(t *testing.T) {
	server := newTestServer(t)

	t.Run("NegativeAmount", func(t *testing.T) {
		// Eligibility is checked before the amount, so build an
		// eligible customer first.
		now := time.Now().UTC()
		for _, offset := range []time.Duration{-8 * 24 * time.Hour, -5 * 24 * time.Hour, -24 * time.Hour} {
			visitID := recordVisit(t, server, "cust-200", now.Add(offset))
			approveVisit(t, server, visitID)
		}

		rr := doJSON(t, server, http.MethodPost, "/discounts", domain.GrantRequest{
			CustomerID:     "cust-200",
			EmployeeID:     "emp-001",
			OriginalAmount: -50,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for negative amount, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("MissingEmployee", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPost, "/discounts", domain.GrantRequest{
			CustomerID:     "cust-200",
			OriginalAmount: 100,
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for missing employeeId, got %d", rr.Code)
		}
	})

	t.Run("DiscountNotFound", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/discounts/DR-2099-0001", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})
}

func TestCycleEndpoint(t *testing.T) {
	server := newTestServer(t)
	now := time.Now().UTC()

	t.Run("NoVisits", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/customers/cust-empty/cycle", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}

		var state domain.CycleState
		json.Unmarshal(rr.Body.Bytes(), &state)
		if state.HasCycle {
			t.Error("expected no cycle for unknown customer")
		}
		if state.DaysRemaining != 30 {
			t.Errorf("expected display default of 30 days, got %d", state.DaysRemaining)
		}
	})

	t.Run("ActiveCycle", func(t *testing.T) {
		visitID := recordVisit(t, server, "cust-300", now.Add(-5*24*time.Hour))
		approveVisit(t, server, visitID)

		rr := doJSON(t, server, http.MethodGet, "/customers/cust-300/cycle", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}

		var state domain.CycleState
		json.Unmarshal(rr.Body.Bytes(), &state)
		if !state.HasCycle {
			t.Fatal("expected an open cycle")
		}
		if state.DaysRemaining != 25 {
			t.Errorf("expected 25 days remaining, got %d", state.DaysRemaining)
		}
		if state.Expired {
			t.Error("cycle should not be expired")
		}

		// Second read exercises the memoized path.
		rr = doJSON(t, server, http.MethodGet, "/customers/cust-300/cycle", nil)
		var again domain.CycleState
		json.Unmarshal(rr.Body.Bytes(), &again)
		if !again.CycleStart.Equal(state.CycleStart) {
			t.Errorf("memoized cycle start differs: %v vs %v", again.CycleStart, state.CycleStart)
		}
	})
}

func TestTimePolicyEndpoints(t *testing.T) {
	server := newTestServer(t)

	t.Run("DefaultWhenUnset", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodGet, "/timepolicy", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["expression"] != domain.DefaultTimeExpression {
			t.Errorf("expected default expression, got %q", resp["expression"])
		}
		if resp["source"] != "default" {
			t.Errorf("expected source 'default', got %q", resp["source"])
		}
	})

	t.Run("PutAndGet", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPut, "/timepolicy", TimePolicyRequest{
			Expression: "hour < 8 || hour >= 22 || weekday == 0",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doJSON(t, server, http.MethodGet, "/timepolicy", nil)
		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)
		if resp["source"] != "tenant" {
			t.Errorf("expected source 'tenant', got %q", resp["source"])
		}
		if resp["expression"] != "hour < 8 || hour >= 22 || weekday == 0" {
			t.Errorf("unexpected expression %q", resp["expression"])
		}
	})

	t.Run("RejectsInvalidExpression", func(t *testing.T) {
		rr := doJSON(t, server, http.MethodPut, "/timepolicy", TimePolicyRequest{
			Expression: "hour + 1",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for non-boolean expression, got %d", rr.Code)
		}

		rr = doJSON(t, server, http.MethodPut, "/timepolicy", TimePolicyRequest{})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for empty expression, got %d", rr.Code)
		}
	})
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t)

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "my-tenant-123")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "my-tenant-123" {
			t.Errorf("expected tenant ID 'my-tenant-123', got '%s'", capturedTenantID)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if v, ok := r.Context().Value(RequestIDKey).(string); ok {
				capturedRequestID = v
			}
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID == "" {
			t.Error("expected request ID to be set")
		}

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		// Should not panic
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})
}
