// Package worker provides async processing of visit approvals.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/symbol-ai/loyalty/internal/cycle"
	"github.com/symbol-ai/loyalty/internal/domain"
	"github.com/symbol-ai/loyalty/internal/eligibility"
)

// cycleStateTTL bounds memoized cycle state lifetime. Entries keyed by
// the newest visit go stale only when a newer visit lands, so the TTL
// exists to cap memory, not to enforce freshness.
const cycleStateTTL = 10 * time.Minute

// Worker consumes visit approval events, rewarms the customer's derived
// cycle state and publishes milestone advisories.
type Worker struct {
	bus   domain.EventBus
	repo  domain.Repository
	cache domain.Cache

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process (empty = all via wildcard if supported)
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, repo domain.Repository, cache domain.Cache) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		cache:  cache,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins processing approvals for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if len(cfg.TenantIDs) == 0 {
		return w.startGlobalWorker()
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
	)

	return nil
}

// startGlobalWorker starts a worker that processes all tenants (for testing/dev).
func (w *Worker) startGlobalWorker() error {
	// Subscribe using a special "global" tenant ID
	// In production, you'd want to subscribe with wildcards or JetStream
	sub, err := w.bus.Subscribe(w.ctx, "_global", domain.TopicVisitApproved, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("global worker started")
	return nil
}

// startTenantWorker starts workers for a specific tenant.
func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicVisitApproved, func(ctx context.Context, msg *domain.Message) error {
		return w.processApproval(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicVisitApproved,
	)

	return nil
}

// handleMessage handles messages from the global subscription.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	return w.processApproval(ctx, msg.TenantID, msg)
}

// VisitMessage is the payload carried on visit lifecycle topics.
type VisitMessage struct {
	VisitID    string `json:"visitId"`
	TenantID   string `json:"tenantId"`
	CustomerID string `json:"customerId"`
	EmployeeID string `json:"employeeId,omitempty"`
	Status     string `json:"status,omitempty"`
	TraceID    string `json:"traceId,omitempty"`
}

// MilestoneMessage is published on the milestone topic so notification
// consumers can tell operators "one visit to go" or "discount due".
type MilestoneMessage struct {
	TenantID            string               `json:"tenantId"`
	CustomerID          string               `json:"customerId"`
	Milestone           domain.MilestoneKind `json:"milestone"`
	VisitsInCycle       int                  `json:"visitsInCycle"`
	VisitsUntilDiscount int                  `json:"visitsUntilDiscount"`
	CycleEnd            time.Time            `json:"cycleEnd"`
	TraceID             string               `json:"traceId,omitempty"`
}

// processApproval recomputes the customer's cycle after an approval and
// publishes any milestone the new state crossed.
func (w *Worker) processApproval(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var visitMsg VisitMessage
	if err := json.Unmarshal(msg.Payload, &visitMsg); err != nil {
		slog.Error("failed to parse visit message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	// Use message tenant if provided
	if visitMsg.TenantID != "" {
		tenantID = visitMsg.TenantID
	}

	traceID := visitMsg.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing visit approval",
		"visit_id", visitMsg.VisitID,
		"tenant_id", tenantID,
		"customer_id", visitMsg.CustomerID,
		"trace_id", traceID,
	)

	visits, err := w.repo.ListVisitsByCustomer(ctx, tenantID, visitMsg.CustomerID)
	if err != nil {
		slog.Error("failed to load visit history",
			"visit_id", visitMsg.VisitID,
			"error", err,
		)
		return err
	}

	state := cycle.Compute(visits, time.Now().UTC())
	state.CustomerID = visitMsg.CustomerID

	// Rewarm the memoized state so the next read is a cache hit.
	if w.cache != nil && state.HasCycle {
		if err := w.cache.SetCycleState(ctx, tenantID, state, cycleStateTTL); err != nil {
			slog.Warn("failed to warm cycle state cache",
				"customer_id", visitMsg.CustomerID,
				"error", err,
			)
		}
	}

	var discounts []*domain.DiscountRecord
	if state.HasCycle {
		discounts, err = w.repo.ListDiscountsByCustomer(ctx, tenantID, visitMsg.CustomerID, state.CycleStart)
		if err != nil {
			slog.Error("failed to load discount history",
				"customer_id", visitMsg.CustomerID,
				"error", err,
			)
			return err
		}
	}

	elig := eligibility.Evaluate(state, visits, discounts)

	if elig.Milestone != domain.MilestoneNone {
		payload, _ := json.Marshal(MilestoneMessage{
			TenantID:            tenantID,
			CustomerID:          visitMsg.CustomerID,
			Milestone:           elig.Milestone,
			VisitsInCycle:       elig.VisitsInCycle,
			VisitsUntilDiscount: elig.VisitsUntilDiscount,
			CycleEnd:            state.CycleEnd,
			TraceID:             traceID,
		})
		if err := w.bus.Publish(ctx, tenantID, domain.TopicCustomerMilestone, payload); err != nil {
			slog.Error("failed to publish milestone",
				"customer_id", visitMsg.CustomerID,
				"error", err,
			)
		}
	}

	slog.Info("visit approval processed",
		"visit_id", visitMsg.VisitID,
		"tenant_id", tenantID,
		"customer_id", visitMsg.CustomerID,
		"visits_in_cycle", elig.VisitsInCycle,
		"milestone", string(elig.Milestone),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
