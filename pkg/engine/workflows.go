package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stratus-cp/stratus/pkg/telemetry"
	"github.com/stratus-cp/stratus/pkg/workflow"
)

// workflowUpdateAttempts bounds the optimistic retry loop of Advance.
const workflowUpdateAttempts = 5

// errPhaseLaunch marks a decision that was stored but whose child order could
// not be created or dispatched. Repair picks such workflows up again.
var errPhaseLaunch = errors.New("phase order could not be launched")

// Workflows drives compound workflows. Each phase runs as a child order; when
// the child is finalized the correlator calls Advance, which asks the pure
// phase graph for the next step.
type Workflows struct {
	o      *Orchestrator
	logger *telemetry.Logger
}

// Start admits a compound workflow and dispatches its first child order. The
// returned Admission carries the request id, the first child order id and the
// id of the service the workflow produces.
func (w *Workflows) Start(ctx context.Context, spec WorkflowSpec) (*Admission, error) {
	o := w.o
	ctx, span := o.tel.Tracer.StartWorkflowSpan(ctx, "", string(spec.Kind), "")
	defer span.End()

	if err := o.validate.Struct(spec); err != nil {
		return nil, o.classified(NewAdmissionError("invalid workflow request", err).WithCode(ErrCodeValidation))
	}
	if spec.CarryData && spec.Kind != workflow.KindMigrate {
		return nil, o.classified(NewAdmissionError("carrying data is supported by migrate only", nil).
			WithCode(ErrCodeValidation).WithOperation(string(spec.Kind)))
	}

	src, err := o.store.GetService(ctx, spec.ServiceID)
	if err != nil {
		if IsNotFound(err) {
			return nil, o.classified(NewAdmissionError("unknown service", err).
				WithCode(ErrCodeServiceNotFound).WithResource(spec.ServiceID))
		}
		return nil, fmt.Errorf("failed to load service: %w", err)
	}
	if src.LockDestroy {
		return nil, o.classified(NewAdmissionError("service is locked", nil).
			WithCode(ErrCodeServiceLocked).WithResource(src.ID).WithOperation(string(spec.Kind)))
	}
	if src.DeployState != DeployStateDeployed {
		return nil, o.classified(NewAdmissionError(fmt.Sprintf("service is %s", src.DeployState), nil).
			WithCode(ErrCodeInvalidState).WithResource(src.ID).WithOperation(string(spec.Kind)))
	}

	target := spec.Target
	if spec.Kind == workflow.KindRecreate {
		// Recreate redeploys in place.
		target.Provider, target.Region, target.Deployer = src.Provider, src.Region, src.Deployer
	}
	if target.Provider == "" {
		target.Provider = src.Provider
	}
	if target.Region == "" {
		target.Region = src.Region
	}
	if target.Deployer == "" {
		target.Deployer = src.Deployer
	}
	if spec.Kind == workflow.KindPort && target.Deployer == src.Deployer {
		return nil, o.classified(NewAdmissionError(fmt.Sprintf("port needs a deployer other than %q", src.Deployer), nil).
			WithCode(ErrCodeValidation).WithResource(src.ID).WithOperation(string(spec.Kind)))
	}
	if len(target.Payload) == 0 {
		target.Payload = src.Spec
	} else if o.schemas != nil {
		if err := o.schemas.ValidatePayload(OrderTypeDeploy, target.Payload); err != nil {
			return nil, o.classified(NewAdmissionError("invalid target payload", err).
				WithCode(ErrCodeValidation).WithOperation(string(spec.Kind)))
		}
	}
	if _, err := o.resolve(target.Provider); err != nil {
		return nil, err
	}
	if _, err := o.resolve(src.Provider); err != nil {
		return nil, err
	}

	state, first, err := workflow.Start(spec.Kind, spec.CarryData, o.maxRetries)
	if err != nil {
		return nil, o.classified(NewAdmissionError("invalid workflow request", err).WithCode(ErrCodeValidation))
	}

	now := o.now().UTC()
	wf := &WorkflowRequest{
		ID:              uuid.New().String(),
		Kind:            spec.Kind,
		ServiceID:       src.ID,
		TargetServiceID: src.ID,
		CarryData:       spec.CarryData,
		CurrentPhase:    state.Phase,
		Retries:         map[workflow.Phase]int{},
		MaxRetries:      state.MaxRetries,
		Status:          WorkflowStatusStarted,
		RequesterID:     spec.RequesterID,
		Target:          target,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	var newService *Service
	if spec.Kind != workflow.KindRecreate {
		targetSpec, err := specFromPayload(target.Payload)
		if err != nil {
			return nil, o.classified(NewAdmissionError("invalid target payload", err).WithCode(ErrCodeValidation))
		}
		newService = &Service{
			ID:          uuid.New().String(),
			Provider:    target.Provider,
			Region:      target.Region,
			Deployer:    target.Deployer,
			Spec:        targetSpec,
			DeployState: DeployStateDeploying,
			RunState:    RunStateUnknown,
			RequesterID: wf.RequesterID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		wf.TargetServiceID = newService.ID
	}

	// The first child id is reserved with the request so a crash before the
	// child is stored can be repaired by Resume.
	childID := uuid.New().String()
	wf.ChildOrderIDs = []string{childID}
	wf.LastOrderID = childID

	if err := o.store.CreateWorkflow(ctx, wf, newService); err != nil {
		return nil, o.admissionStoreError(err, src.ID)
	}

	o.tel.Metrics.RecordWorkflowStarted(string(wf.Kind))
	w.logger.WithWorkflow(wf.ID).WithService(wf.ServiceID).
		WithField("kind", wf.Kind).WithField("target_service_id", wf.TargetServiceID).Info("workflow started")
	o.timeline.emit(ctx, Event{
		WorkflowID: wf.ID,
		ServiceID:  wf.ServiceID,
		Type:       EventTypeWorkflowStarted,
		Message:    fmt.Sprintf("%s started", wf.Kind),
		Details: map[string]interface{}{
			"target_service_id": wf.TargetServiceID,
			"carry_data":        wf.CarryData,
			"max_retries":       wf.MaxRetries,
		},
	})

	adm := &Admission{OrderID: childID, RequestID: wf.ID, ServiceID: wf.TargetServiceID}
	if err := w.launch(ctx, wf, first, childID); err != nil {
		return adm, err
	}
	return adm, nil
}

// Advance moves a workflow forward after one of its child orders reached a
// terminal status. Orders that are not the workflow's latest child, and
// workflows that already finished, are ignored.
func (w *Workflows) Advance(ctx context.Context, requestID string, order *Order) error {
	o := w.o
	log := w.logger.WithWorkflow(requestID).WithOrder(order.ID)
	if !order.Status.IsTerminal() {
		return fmt.Errorf("order %s is %s, not terminal", order.ID, order.Status)
	}

	for attempt := 0; attempt < workflowUpdateAttempts; attempt++ {
		wf, err := o.store.GetWorkflow(ctx, requestID)
		if err != nil {
			return fmt.Errorf("failed to load workflow: %w", err)
		}
		if wf.Status.IsTerminal() {
			log.Debug("workflow already finished, ignoring order")
			return nil
		}
		if wf.LastOrderID != order.ID {
			log.WithField("last_order_id", wf.LastOrderID).Debug("order is not the current phase attempt, ignoring")
			return nil
		}

		spanCtx, span := o.tel.Tracer.StartWorkflowSpan(ctx, wf.ID, string(wf.Kind), string(wf.CurrentPhase))
		decision, err := workflow.Next(wf.State(), workflow.Outcome{
			Success: order.Status == OrderStatusSuccessful,
			Error:   order.ResultMessage,
		})
		if err != nil {
			telemetry.RecordError(span, err)
			span.End()
			return NewWorkflowError("failed to decide next phase", err).WithResource(wf.ID)
		}

		err = w.apply(spanCtx, wf, decision)
		span.End()
		if errors.Is(err, ErrConflict) && !errors.Is(err, errPhaseLaunch) {
			log.Debug("workflow changed concurrently, reloading")
			continue
		}
		return err
	}
	return NewWorkflowError("too many concurrent updates", ErrConflict).WithResource(requestID)
}

// apply persists a decision and, for retries and advances, launches the next
// child order.
func (w *Workflows) apply(ctx context.Context, wf *WorkflowRequest, d workflow.Decision) error {
	o := w.o
	log := w.logger.WithWorkflow(wf.ID).WithField("phase", d.Phase)
	now := o.now().UTC()
	completed := wf.CurrentPhase

	switch d.Action {
	case workflow.ActionRetry, workflow.ActionAdvance:
		childID := uuid.New().String()
		wf.CurrentPhase = d.Phase
		wf.Retries[d.Phase] = d.RetryCount
		wf.ChildOrderIDs = append(wf.ChildOrderIDs, childID)
		wf.LastOrderID = childID
		wf.Message = d.Message
		wf.UpdatedAt = now
		if err := o.store.UpdateWorkflow(ctx, wf); err != nil {
			return err
		}

		event := Event{WorkflowID: wf.ID, ServiceID: wf.ServiceID, Message: d.Message,
			Details: map[string]interface{}{"phase": d.Phase, "retry": d.RetryCount, "next_order_id": childID}}
		if d.Action == workflow.ActionRetry {
			o.tel.Metrics.RecordPhaseRetry(string(wf.Kind), string(d.Phase))
			log.WithField("retry", d.RetryCount).Warn(d.Message)
			event.Type = EventTypePhaseRetried
		} else {
			log.WithField("completed_phase", completed).Info(d.Message)
			event.Type = EventTypePhaseAdvanced
		}
		o.timeline.emit(ctx, event)
		if err := w.launch(ctx, wf, d.Step, childID); err != nil {
			if IsDispatch(err) {
				// The refused child was finalized Failed and already advanced the workflow.
				log.WithError(err).Warn("phase order could not be dispatched")
				return nil
			}
			log.WithOrder(childID).WithError(err).Error("phase order could not be launched")
			o.timeline.emit(ctx, Event{
				OrderID:    childID,
				WorkflowID: wf.ID,
				ServiceID:  wf.ServiceID,
				Type:       EventTypePhaseLaunchFailed,
				Message:    err.Error(),
				Details:    map[string]interface{}{"phase": d.Phase},
			})
			return NewWorkflowError("phase order not launched", fmt.Errorf("%w: %w", errPhaseLaunch, err)).
				WithResource(wf.ID).WithOperation(string(d.Phase))
		}
		return nil

	case workflow.ActionComplete, workflow.ActionFail:
		wf.Status = WorkflowStatusCompleted
		if d.Action == workflow.ActionFail {
			wf.Status = WorkflowStatusFailed
		}
		wf.Resolution = d.Resolution
		wf.Message = d.Message
		wf.UpdatedAt = now
		wf.CompletedAt = &now
		if err := o.store.UpdateWorkflow(ctx, wf); err != nil {
			return err
		}

		o.tel.Metrics.RecordWorkflowFinalized(string(wf.Kind), string(wf.Status), string(wf.Resolution))
		log = log.WithField("resolution", wf.Resolution)
		if wf.Status == WorkflowStatusFailed {
			o.tel.Metrics.RecordError(string(ErrorClassWorkflow))
			log.WithField("attempts", d.Attempts).Warn(d.Message)
		} else {
			log.Info("workflow completed")
		}
		o.timeline.emit(ctx, Event{
			WorkflowID: wf.ID,
			ServiceID:  wf.ServiceID,
			Type:       EventTypeWorkflowFinalized,
			Message:    fmt.Sprintf("%s %s", wf.Kind, wf.Status),
			Details: map[string]interface{}{
				"status":     wf.Status,
				"resolution": wf.Resolution,
				"phase":      d.Phase,
				"message":    d.Message,
			},
		})
		return nil
	}
	return fmt.Errorf("unknown workflow action %q", d.Action)
}

// Resume repairs workflows interrupted by a restart: a reserved child that was
// never stored is created, an undispatched child is dispatched, and a
// finalized child that was never applied advances the workflow.
func (w *Workflows) Resume(ctx context.Context) error {
	_, err := w.Repair(ctx, 0)
	return err
}

// Repair applies the Resume repairs to running workflows whose current phase
// order has made no progress for at least idle. It returns the number of
// workflows it acted on. The sweeper calls it so a failed phase launch does
// not wait for the next restart.
func (w *Workflows) Repair(ctx context.Context, idle time.Duration) (int, error) {
	o := w.o
	active, err := o.store.ListActiveWorkflows(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active workflows: %w", err)
	}

	now := o.now()
	repaired := 0
	for _, wf := range active {
		if now.Sub(wf.UpdatedAt) < idle {
			continue
		}
		log := w.logger.WithWorkflow(wf.ID).WithOrder(wf.LastOrderID)
		order, err := o.store.GetOrder(ctx, wf.LastOrderID)
		var action string
		switch {
		case IsNotFound(err):
			step, err := workflow.StepFor(wf.Kind, wf.CarryData, wf.CurrentPhase)
			if err != nil {
				log.WithError(err).Error("workflow phase is unknown")
				continue
			}
			action = "recreated missing phase order"
			err = w.launch(ctx, wf, step, wf.LastOrderID)
			if err != nil && !IsDispatch(err) {
				log.WithError(err).Warn("failed to repair workflow")
				continue
			}
		case err != nil:
			log.WithError(err).Warn("failed to load phase order")
			continue
		case order.Status.IsTerminal():
			action = "applied finalized phase order"
			if err := w.Advance(ctx, wf.ID, order); err != nil {
				log.WithError(err).Warn("failed to repair workflow")
				continue
			}
		case order.Status == OrderStatusCreated || order.Status == OrderStatusSubmitted:
			if now.Sub(order.UpdatedAt) < idle {
				continue
			}
			action = "dispatched phase order"
			if err := o.redispatch(ctx, order); err != nil && !IsDispatch(err) {
				log.WithError(err).Warn("failed to repair workflow")
				continue
			}
		default:
			continue
		}

		repaired++
		log.WithField("phase", wf.CurrentPhase).Info(action)
		o.timeline.emit(ctx, Event{
			OrderID:    wf.LastOrderID,
			WorkflowID: wf.ID,
			ServiceID:  wf.ServiceID,
			Type:       EventTypeWorkflowRepaired,
			Message:    action,
			Details:    map[string]interface{}{"phase": wf.CurrentPhase},
		})
	}
	return repaired, nil
}

// Get returns a workflow request.
func (w *Workflows) Get(ctx context.Context, id string) (*WorkflowRequest, error) {
	return w.o.store.GetWorkflow(ctx, id)
}

// launch builds, stores and dispatches the child order of a step.
func (w *Workflows) launch(ctx context.Context, wf *WorkflowRequest, step workflow.Step, childID string) error {
	o := w.o
	child, err := w.buildChild(ctx, wf, step, childID)
	if err != nil {
		return err
	}
	if err := o.store.CreateOrder(ctx, child); err != nil && !errors.Is(err, ErrAlreadyExists) {
		return fmt.Errorf("failed to create phase order: %w", err)
	}
	plugin, err := o.registry.Resolve(child.Provider)
	if err != nil {
		if _, terr := o.store.TransitionOrder(ctx, child.ID, OrderStatusCreated, OrderStatusSubmitted, ""); terr != nil {
			return terr
		}
		return o.failDispatch(ctx, child, err)
	}
	_, err = o.admitted(ctx, child, plugin)
	return err
}

// buildChild creates the child order of a step.
func (w *Workflows) buildChild(ctx context.Context, wf *WorkflowRequest, step workflow.Step, id string) (*Order, error) {
	o := w.o
	serviceID := wf.ServiceID
	if step.Target == workflow.TargetDestination {
		serviceID = wf.TargetServiceID
	}
	svc, err := o.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s service: %w", step.Target, err)
	}

	var (
		orderType OrderType
		payload   json.RawMessage
	)
	switch step.Kind {
	case workflow.StepDeploy:
		orderType = OrderTypeDeploy
		payload = wf.Target.Payload
		if len(payload) == 0 {
			payload = svc.Spec
		}
	case workflow.StepDestroy:
		orderType = OrderTypeDestroy
		payload, err = enrichPayload(svc, orderType, nil)
	case workflow.StepDataExport:
		orderType = OrderTypeServiceAction
		payload, err = actionPayload(svc, &OrderPayload{Action: ActionDataExport})
	case workflow.StepDataImport:
		orderType = OrderTypeServiceAction
		var inputs map[string]string
		inputs, err = w.exportArtifacts(ctx, wf)
		if err == nil {
			payload, err = actionPayload(svc, &OrderPayload{Action: ActionDataImport, Inputs: inputs})
		}
	default:
		return nil, fmt.Errorf("unknown step kind %q", step.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build %s payload: %w", step.Phase, err)
	}

	child := o.newOrder(svc, orderType, wf.RequesterID, payload)
	child.ID = id
	child.WorkflowID = wf.ID
	child.WorkflowKind = wf.Kind
	child.Phase = step.Phase
	child.Attempt = wf.Retries[step.Phase] + 1
	return child, nil
}

func actionPayload(svc *Service, p *OrderPayload) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return enrichPayload(svc, OrderTypeServiceAction, raw)
}

// exportArtifacts returns the artifacts of the workflow's successful data export.
func (w *Workflows) exportArtifacts(ctx context.Context, wf *WorkflowRequest) (map[string]string, error) {
	for i := len(wf.ChildOrderIDs) - 1; i >= 0; i-- {
		order, err := w.o.store.GetOrder(ctx, wf.ChildOrderIDs[i])
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if order.Phase == workflow.PhaseDataExport && order.Status == OrderStatusSuccessful {
			return order.Artifacts, nil
		}
	}
	return nil, errors.New("no successful data export")
}
