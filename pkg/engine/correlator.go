package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// Correlator maps deployer callbacks to orders and finalizes each order at
// most once. Callbacks for unknown tokens, unknown orders or orders that are
// already final are logged and discarded.
type Correlator struct {
	o      *Orchestrator
	logger *telemetry.Logger
}

// HandleCallback resolves a correlation token and applies the outcome.
func (c *Correlator) HandleCallback(ctx context.Context, token string, outcome Outcome) error {
	entry, err := c.o.gateway.Resolve(ctx, token)
	if err != nil {
		if IsNotFound(err) {
			c.discard(ctx, nil, token, "unknown correlation token")
			return c.o.classified(NewCorrelationError("unknown correlation token", err).
				WithCode(ErrCodeUnknownToken).WithResource(token))
		}
		return fmt.Errorf("failed to resolve token: %w", err)
	}
	_, err = c.ApplyResult(ctx, entry.OrderID, outcome)
	return err
}

// ApplyResult finalizes an order with a deployer outcome. It returns true if
// this call finalized the order and false if the outcome was discarded.
// Exactly one concurrent caller observes true. Once started, finalization and
// the workflow advance it triggers are not cut short by ctx cancellation.
func (c *Correlator) ApplyResult(ctx context.Context, orderID string, outcome Outcome) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := c.o.tel.Tracer.StartCallbackSpan(ctx, orderID)
	defer span.End()

	order, err := c.o.store.GetOrder(ctx, orderID)
	if err != nil {
		if IsNotFound(err) {
			c.discard(ctx, &Order{ID: orderID}, "", "unknown order")
			return false, c.o.classified(NewCorrelationError("unknown order", err).WithResource(orderID))
		}
		return false, fmt.Errorf("failed to load order: %w", err)
	}

	status := OrderStatusFailed
	if outcome.Success {
		status = OrderStatusSuccessful
	}
	final, err := c.o.store.FinalizeOrder(ctx, orderID, OrderResult{
		Status:          status,
		DeployerVersion: outcome.DeployerVersion,
		Message:         resultMessage(outcome),
		Artifacts:       outcome.Artifacts,
		Token:           order.CorrelationToken,
		CompletedAt:     c.o.now(),
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyFinal) {
			c.o.tel.Metrics.RecordCallback(false)
			c.discard(ctx, order, order.CorrelationToken, "order already final")
			return false, nil
		}
		telemetry.RecordError(span, err)
		return false, fmt.Errorf("failed to finalize order: %w", err)
	}

	c.o.tel.Metrics.RecordCallback(true)
	c.o.tel.Metrics.RecordOrderFinalized(string(final.Type), string(final.Status), c.o.now().Sub(final.CreatedAt))
	log := c.logger.WithOrder(final.ID).WithService(final.ServiceID).WithToken(final.CorrelationToken)
	if outcome.Success {
		log.Info("order successful")
	} else {
		c.o.tel.Metrics.RecordError(string(ErrorClassExecution))
		log.WithField("error", final.ResultMessage).Warn("order failed")
	}

	if err := c.applyEffects(ctx, final, outcome); err != nil {
		log.WithError(err).Error("failed to apply order result to service")
	}

	c.o.timeline.emit(ctx, Event{
		OrderID:    final.ID,
		WorkflowID: final.WorkflowID,
		ServiceID:  final.ServiceID,
		Type:       EventTypeOrderFinalized,
		Message:    fmt.Sprintf("order %s", final.Status),
		Details: map[string]interface{}{
			"status":           final.Status,
			"deployer_version": final.DeployerVersion,
			"message":          final.ResultMessage,
		},
	})

	if final.IsWorkflowChild() {
		if err := c.o.workflows.Advance(ctx, final.WorkflowID, final); err != nil {
			log.WithWorkflow(final.WorkflowID).WithError(err).Error("failed to advance workflow")
		}
	}
	return true, nil
}

func (c *Correlator) discard(ctx context.Context, order *Order, token, reason string) {
	log := c.logger.WithToken(token).WithField("reason", reason)
	event := Event{Type: EventTypeCallbackDiscarded, Message: reason}
	if token != "" {
		event.Details = map[string]interface{}{"token": token}
	}
	if order != nil {
		log = log.WithOrder(order.ID)
		event.OrderID = order.ID
		event.WorkflowID = order.WorkflowID
		event.ServiceID = order.ServiceID
	}
	log.Warn("callback discarded")
	c.o.timeline.emit(ctx, event)
}

func resultMessage(outcome Outcome) string {
	if outcome.Success {
		return "completed"
	}
	if outcome.Error == "" {
		return "deployer reported failure"
	}
	return outcome.Error
}

// applyEffects records what a finalized order did to its service.
func (c *Correlator) applyEffects(ctx context.Context, order *Order, outcome Outcome) error {
	now := c.o.now()
	switch order.Operation {
	case OperationDeploy, OperationModify:
		if !outcome.Success {
			if order.Operation != OperationDeploy {
				return nil
			}
			_, err := updateService(ctx, c.o.store, order.ServiceID, now, func(svc *Service) {
				if svc.DeployState == DeployStateDeploying {
					svc.DeployState = DeployStateDeployFailed
				}
			})
			return err
		}
		return c.applyDeployed(ctx, order, outcome.Artifacts)

	case OperationDestroy:
		if !outcome.Success {
			return nil
		}
		purged, err := c.isPurge(ctx, order)
		if err != nil {
			return err
		}
		if err := c.o.store.ReplaceResources(ctx, order.ServiceID, nil); err != nil {
			return fmt.Errorf("failed to clear resources: %w", err)
		}
		_, err = updateService(ctx, c.o.store, order.ServiceID, now, func(svc *Service) {
			svc.DeployState = DeployStateDestroyed
			if purged {
				svc.DeployState = DeployStatePurged
			}
			svc.RunState = RunStateUnknown
			svc.StateSnapshot = outcome.Artifacts[ArtifactState]
		})
		return err
	}
	return nil
}

func (c *Correlator) applyDeployed(ctx context.Context, order *Order, artifacts map[string]string) error {
	log := c.logger.WithOrder(order.ID).WithService(order.ServiceID)

	plugin, err := c.o.registry.Resolve(order.Provider)
	if err != nil {
		log.WithError(err).Warn("provider no longer registered, resource inventory not updated")
	} else {
		resources, err := plugin.TranslateResources(order.ServiceID, artifacts)
		if err != nil {
			log.WithError(err).Warn("failed to translate deployer artifacts, resource inventory not updated")
		} else if err := c.o.store.ReplaceResources(ctx, order.ServiceID, resources); err != nil {
			return fmt.Errorf("failed to store resources: %w", err)
		}
	}

	spec, err := specFromPayload(order.Payload)
	if err != nil {
		return fmt.Errorf("failed to decode order payload: %w", err)
	}
	_, err = updateService(ctx, c.o.store, order.ServiceID, c.o.now(), func(svc *Service) {
		svc.DeployState = DeployStateDeployed
		svc.Spec = spec
		if state, ok := artifacts[ArtifactState]; ok {
			svc.StateSnapshot = state
		}
		if svc.RunState == RunStateUnknown {
			svc.RunState = RunStateRunning
		}
	})
	return err
}

func (c *Correlator) isPurge(ctx context.Context, order *Order) (bool, error) {
	switch order.Type {
	case OrderTypePurge:
		return true, nil
	case OrderTypeRetry:
		parent, err := c.o.store.GetOrder(ctx, order.ParentOrderID)
		if err != nil {
			return false, fmt.Errorf("failed to load retried order: %w", err)
		}
		return parent.Type == OrderTypePurge, nil
	}
	return false, nil
}
