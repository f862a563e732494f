package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// DefaultStaleAfter is how long an order may stay InProgress before it is
// reported as stale.
const DefaultStaleAfter = 6 * time.Hour

// DefaultRepairAfter is how long a running workflow's phase may stay without
// progress before the sweeper repairs it.
const DefaultRepairAfter = time.Minute

// Sweeper reports InProgress orders whose callback is overdue. It never
// finalizes an order: a stale order may still receive its callback. With
// workflows attached it also repairs workflows whose phase order was never
// launched.
type Sweeper struct {
	store      Store
	tel        *telemetry.Telemetry
	logger     *telemetry.Logger
	timeline   *timeline
	staleAfter time.Duration
	now        func() time.Time

	workflows   *Workflows
	repairAfter time.Duration
}

// NewSweeper creates a sweeper. A zero staleAfter selects DefaultStaleAfter.
func NewSweeper(store Store, staleAfter time.Duration, tel *telemetry.Telemetry) *Sweeper {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	logger := tel.Logger.NewComponentLogger("sweeper")
	return &Sweeper{
		store:      store,
		tel:        tel,
		logger:     logger,
		timeline:   &timeline{store: store, tel: tel, logger: logger, now: time.Now},
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// WithWorkflows makes every sweep repair workflows idle for at least
// repairAfter. A zero repairAfter selects DefaultRepairAfter.
func (s *Sweeper) WithWorkflows(w *Workflows, repairAfter time.Duration) *Sweeper {
	if repairAfter <= 0 {
		repairAfter = DefaultRepairAfter
	}
	s.workflows = w
	s.repairAfter = repairAfter
	return s
}

// Sweep returns the stale orders. Each order gets one stale event the first
// time it is seen.
func (s *Sweeper) Sweep(ctx context.Context) ([]*Order, error) {
	if s.workflows != nil {
		n, err := s.workflows.Repair(ctx, s.repairAfter)
		if err != nil {
			s.logger.WithError(err).Warn("workflow repair failed")
		} else if n > 0 {
			s.logger.WithField("workflows", n).Warn("repaired stalled workflows")
		}
	}

	orders, err := s.store.ListOrdersByStatus(ctx, OrderStatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-progress orders: %w", err)
	}

	now := s.now()
	stale := make([]*Order, 0)
	for _, order := range orders {
		age := now.Sub(order.UpdatedAt)
		if age < s.staleAfter {
			continue
		}
		stale = append(stale, order)

		seen, err := s.store.ListEvents(ctx, EventFilter{OrderID: order.ID, Type: EventTypeOrderStale, Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("failed to list events: %w", err)
		}
		if len(seen) > 0 {
			continue
		}
		s.logger.WithOrder(order.ID).WithToken(order.CorrelationToken).
			WithField("age", age.Round(time.Second).String()).Warn("order callback overdue")
		s.timeline.emit(ctx, Event{
			OrderID:    order.ID,
			WorkflowID: order.WorkflowID,
			ServiceID:  order.ServiceID,
			Type:       EventTypeOrderStale,
			Message:    fmt.Sprintf("no callback after %s", age.Round(time.Second)),
			Details: map[string]interface{}{
				"token":    order.CorrelationToken,
				"deployer": order.Deployer,
			},
		})
	}
	s.tel.Metrics.SetStaleOrders(len(stale))
	return stale, nil
}

// Run sweeps on every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.WithError(err).Warn("sweep failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
