package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/stratus-cp/stratus/pkg/telemetry"
	"github.com/stratus-cp/stratus/pkg/workflow"
)

// DefaultDeployer is the executor used when a Deploy names none.
const DefaultDeployer = "local"

// Options configures an Orchestrator.
type Options struct {
	// MaxRetries is the number of retries each workflow phase gets after its
	// first attempt. Zero selects workflow.DefaultMaxRetries.
	MaxRetries int

	// DefaultDeployer names the executor of a Deploy that names none.
	DefaultDeployer string

	// Schemas validates order payloads per order type. Optional.
	Schemas PayloadValidator

	// Telemetry receives logs, metrics, spans and events. Nil discards them.
	Telemetry *telemetry.Telemetry

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Orchestrator admits orders and compound workflows, hands them to the
// deployer gateway and owns the callback correlator and workflow drivers.
type Orchestrator struct {
	store           Store
	registry        PluginRegistry
	gateway         Gateway
	schemas         PayloadValidator
	validate        *validator.Validate
	tel             *telemetry.Telemetry
	logger          *telemetry.Logger
	timeline        *timeline
	maxRetries      int
	defaultDeployer string
	now             func() time.Time

	correlator *Correlator
	workflows  *Workflows
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(store Store, registry PluginRegistry, gateway Gateway, opts Options) (*Orchestrator, error) {
	if store == nil || registry == nil || gateway == nil {
		return nil, errors.New("store, registry and gateway are required")
	}
	if opts.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative, got %d", opts.MaxRetries)
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = workflow.DefaultMaxRetries
	}
	if opts.DefaultDeployer == "" {
		opts.DefaultDeployer = DefaultDeployer
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	logger := opts.Telemetry.Logger.NewComponentLogger("orchestrator")
	o := &Orchestrator{
		store:           store,
		registry:        registry,
		gateway:         gateway,
		schemas:         opts.Schemas,
		validate:        validator.New(),
		tel:             opts.Telemetry,
		logger:          logger,
		maxRetries:      opts.MaxRetries,
		defaultDeployer: opts.DefaultDeployer,
		now:             opts.Clock,
		timeline: &timeline{
			store:  store,
			tel:    opts.Telemetry,
			logger: logger,
			now:    opts.Clock,
		},
	}
	o.correlator = &Correlator{o: o, logger: opts.Telemetry.Logger.NewComponentLogger("correlator")}
	o.workflows = &Workflows{o: o, logger: opts.Telemetry.Logger.NewComponentLogger("workflows")}
	return o, nil
}

// Correlator returns the callback correlator.
func (o *Orchestrator) Correlator() *Correlator { return o.correlator }

// Workflows returns the compound workflow drivers.
func (o *Orchestrator) Workflows() *Workflows { return o.workflows }

// SubmitOrder admits a single order and dispatches it. Recreate and Port are
// admitted as compound workflows. When dispatch fails the order exists and is
// Failed; the returned Admission is valid together with the dispatch error.
func (o *Orchestrator) SubmitOrder(ctx context.Context, req OrderRequest) (*Admission, error) {
	ctx, span := o.tel.Tracer.StartOrderSpan(ctx, "order.submit", "", string(req.Type))
	defer span.End()

	if err := o.validate.Struct(req); err != nil {
		return nil, o.classified(NewAdmissionError("invalid order request", err).WithCode(ErrCodeValidation))
	}
	if err := req.Type.Validate(); err != nil {
		return nil, o.classified(NewAdmissionError("invalid order request", err).WithCode(ErrCodeValidation))
	}

	switch {
	case req.Type == OrderTypeRetry:
		return nil, o.classified(NewAdmissionError("retry orders are created from a failed order", nil).
			WithCode(ErrCodeValidation))
	case req.Type.IsCompound():
		return o.workflows.Start(ctx, WorkflowSpec{
			Kind:        workflow.Kind(req.Type),
			ServiceID:   req.ServiceID,
			RequesterID: req.RequesterID,
			CarryData:   req.CarryData,
			Target: TargetSpec{
				Provider: req.Provider,
				Region:   req.Region,
				Deployer: req.Deployer,
				Payload:  req.Payload,
			},
		})
	}

	if o.schemas != nil {
		if err := o.schemas.ValidatePayload(req.Type, req.Payload); err != nil {
			return nil, o.classified(NewAdmissionError("invalid payload", err).
				WithCode(ErrCodeValidation).WithOperation(string(req.Type)))
		}
	}

	if req.Type == OrderTypeDeploy {
		return o.admitDeploy(ctx, req)
	}

	if req.ServiceID == "" {
		return nil, o.classified(NewAdmissionError("service id is required", nil).WithCode(ErrCodeValidation))
	}
	svc, err := o.store.GetService(ctx, req.ServiceID)
	if err != nil {
		if IsNotFound(err) {
			return nil, o.classified(NewAdmissionError("unknown service", err).
				WithCode(ErrCodeServiceNotFound).WithResource(req.ServiceID))
		}
		return nil, fmt.Errorf("failed to load service: %w", err)
	}
	if err := checkAdmissible(svc, req.Type); err != nil {
		return nil, o.classified(err)
	}
	plugin, err := o.resolve(svc.Provider)
	if err != nil {
		return nil, err
	}

	payload, err := enrichPayload(svc, req.Type, req.Payload)
	if err != nil {
		return nil, o.classified(NewAdmissionError("invalid payload", err).WithCode(ErrCodeValidation))
	}
	order := o.newOrder(svc, req.Type, req.RequesterID, payload)

	if req.Type.IsLifecycle() {
		err = o.store.CreateLifecycleOrder(ctx, order, nil)
	} else {
		err = o.store.CreateOrder(ctx, order)
	}
	if err != nil {
		return nil, o.admissionStoreError(err, svc.ID)
	}

	return o.admitted(ctx, order, plugin)
}

func (o *Orchestrator) admitDeploy(ctx context.Context, req OrderRequest) (*Admission, error) {
	if req.Provider == "" {
		return nil, o.classified(NewAdmissionError("provider is required for deploy", nil).WithCode(ErrCodeValidation))
	}
	plugin, err := o.resolve(req.Provider)
	if err != nil {
		return nil, err
	}

	serviceID := req.ServiceID
	if serviceID == "" {
		serviceID = uuid.New().String()
	}

	now := o.now().UTC()
	deployer := req.Deployer
	if deployer == "" {
		deployer = o.defaultDeployer
	}

	var newService *Service
	svc, err := o.store.GetService(ctx, serviceID)
	switch {
	case err == nil:
		if svc.DeployState == DeployStateDeployed || svc.DeployState == DeployStateDestroying {
			return nil, o.classified(NewAdmissionError("service is already deployed", nil).
				WithCode(ErrCodeInvalidState).WithResource(serviceID).WithDetail("deploy_state", svc.DeployState))
		}
		if svc.Provider != req.Provider {
			return nil, o.classified(NewAdmissionError("service belongs to another provider", nil).
				WithCode(ErrCodeValidation).WithResource(serviceID))
		}
	case IsNotFound(err):
		spec, err := specFromPayload(req.Payload)
		if err != nil {
			return nil, o.classified(NewAdmissionError("invalid payload", err).WithCode(ErrCodeValidation))
		}
		newService = &Service{
			ID:          serviceID,
			Provider:    req.Provider,
			Region:      req.Region,
			Deployer:    deployer,
			Spec:        spec,
			DeployState: DeployStateDeploying,
			RunState:    RunStateUnknown,
			RequesterID: req.RequesterID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		svc = newService
	default:
		return nil, fmt.Errorf("failed to load service: %w", err)
	}

	order := o.newOrder(svc, OrderTypeDeploy, req.RequesterID, req.Payload)
	if err := o.store.CreateLifecycleOrder(ctx, order, newService); err != nil {
		return nil, o.admissionStoreError(err, serviceID)
	}
	return o.admitted(ctx, order, plugin)
}

// RetryOrder admits a Retry of a failed standalone order. The retry runs the
// failed order's operation with the same payload.
func (o *Orchestrator) RetryOrder(ctx context.Context, orderID, requesterID string) (*Admission, error) {
	ctx, span := o.tel.Tracer.StartOrderSpan(ctx, "order.retry", orderID, string(OrderTypeRetry))
	defer span.End()

	parent, err := o.store.GetOrder(ctx, orderID)
	if err != nil {
		if IsNotFound(err) {
			return nil, o.classified(NewAdmissionError("unknown order", err).WithResource(orderID))
		}
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	switch {
	case parent.Status != OrderStatusFailed:
		return nil, o.classified(NewAdmissionError("only failed orders can be retried", nil).
			WithCode(ErrCodeInvalidState).WithResource(orderID).WithDetail("status", parent.Status))
	case parent.IsWorkflowChild():
		return nil, o.classified(NewAdmissionError("workflow phases are retried by their workflow", nil).
			WithCode(ErrCodeInvalidState).WithResource(orderID))
	case parent.Operation.IsInternal():
		return nil, o.classified(NewAdmissionError("lock and state orders are resubmitted, not retried", nil).
			WithCode(ErrCodeInvalidState).WithResource(orderID))
	}
	if requesterID == "" {
		requesterID = parent.RequesterID
	}

	svc, err := o.store.GetService(ctx, parent.ServiceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load service: %w", err)
	}
	if (parent.Operation == OperationDestroy && svc.LockDestroy) || (parent.Operation == OperationModify && svc.LockModify) {
		return nil, o.classified(NewAdmissionError("service is locked", nil).
			WithCode(ErrCodeServiceLocked).WithResource(svc.ID))
	}
	plugin, err := o.resolve(svc.Provider)
	if err != nil {
		return nil, err
	}

	order := o.newOrder(svc, OrderTypeRetry, requesterID, parent.Payload)
	order.Operation = parent.Operation
	order.ParentOrderID = parent.ID
	if err := o.store.CreateLifecycleOrder(ctx, order, nil); err != nil {
		return nil, o.admissionStoreError(err, svc.ID)
	}
	return o.admitted(ctx, order, plugin)
}

// StartWorkflow admits a compound workflow.
func (o *Orchestrator) StartWorkflow(ctx context.Context, spec WorkflowSpec) (*Admission, error) {
	return o.workflows.Start(ctx, spec)
}

// CancelOrder marks an active order for cancellation and asks its executor to
// stop. The order is still finalized by the executor's callback.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID string) (*Order, error) {
	order, err := o.store.RequestCancel(ctx, orderID)
	if err != nil {
		switch {
		case IsNotFound(err):
			return nil, o.classified(NewAdmissionError("unknown order", err).WithResource(orderID))
		case errors.Is(err, ErrAlreadyFinal):
			return nil, o.classified(NewAdmissionError("order is already final", err).
				WithCode(ErrCodeInvalidState).WithResource(orderID))
		}
		return nil, fmt.Errorf("failed to request cancellation: %w", err)
	}

	log := o.logger.WithOrder(order.ID).WithToken(order.CorrelationToken)
	if order.CorrelationToken != "" {
		if err := o.gateway.Cancel(ctx, order.CorrelationToken); err != nil {
			log.WithError(err).Warn("executor did not accept cancellation")
		}
	}
	log.Info("cancellation requested")
	o.timeline.emit(ctx, Event{
		OrderID:    order.ID,
		WorkflowID: order.WorkflowID,
		ServiceID:  order.ServiceID,
		Type:       EventTypeCancelRequested,
		Message:    "cancellation requested",
	})
	return order, nil
}

// Resume re-dispatches orders and workflows interrupted by a restart. Orders
// left in Created or Submitted are handed to the gateway again, which returns
// the existing token for orders it already accepted.
func (o *Orchestrator) Resume(ctx context.Context) error {
	for _, status := range []OrderStatus{OrderStatusCreated, OrderStatusSubmitted} {
		orders, err := o.store.ListOrdersByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("failed to list %s orders: %w", status, err)
		}
		for _, order := range orders {
			if order.IsWorkflowChild() {
				continue
			}
			if err := o.redispatch(ctx, order); err != nil {
				o.logger.WithOrder(order.ID).WithError(err).Warn("failed to resume order")
			}
		}
	}
	return o.workflows.Resume(ctx)
}

// GetOrder returns an order.
func (o *Orchestrator) GetOrder(ctx context.Context, id string) (*Order, error) {
	return o.store.GetOrder(ctx, id)
}

// ListOrders lists orders by service or by status.
func (o *Orchestrator) ListOrders(ctx context.Context, f OrderFilter) ([]*Order, error) {
	return QueryOrders(ctx, o.store, f)
}

// QueryOrders applies an OrderFilter to an OrderStore. At least one of the
// service and status filters is required.
func QueryOrders(ctx context.Context, store OrderStore, f OrderFilter) ([]*Order, error) {
	var (
		orders []*Order
		err    error
	)
	switch {
	case f.ServiceID != "":
		orders, err = store.ListOrdersByService(ctx, f.ServiceID)
	case f.Status != "":
		orders, err = store.ListOrdersByStatus(ctx, f.Status)
	default:
		return nil, NewAdmissionError("a service id or status filter is required", nil).WithCode(ErrCodeValidation)
	}
	if err != nil {
		return nil, err
	}
	if f.ServiceID != "" && f.Status != "" {
		filtered := orders[:0]
		for _, order := range orders {
			if order.Status == f.Status {
				filtered = append(filtered, order)
			}
		}
		orders = filtered
	}
	if f.Limit > 0 && len(orders) > f.Limit {
		orders = orders[:f.Limit]
	}
	return orders, nil
}

// GetService returns a service and its resource inventory.
func (o *Orchestrator) GetService(ctx context.Context, id string) (*ServiceResources, error) {
	svc, err := o.store.GetService(ctx, id)
	if err != nil {
		return nil, err
	}
	resources, err := o.store.ListResources(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ServiceResources{Service: svc, Resources: resources}, nil
}

// Timeline lists events matching the filter.
func (o *Orchestrator) Timeline(ctx context.Context, f EventFilter) ([]*Event, error) {
	return o.store.ListEvents(ctx, f)
}

// checkAdmissible applies the per-type state and lock rules.
func checkAdmissible(svc *Service, t OrderType) *EngineError {
	locked := func() *EngineError {
		return NewAdmissionError("service is locked", nil).
			WithCode(ErrCodeServiceLocked).WithResource(svc.ID).WithOperation(string(t))
	}
	invalid := func() *EngineError {
		return NewAdmissionError(fmt.Sprintf("service is %s", svc.DeployState), nil).
			WithCode(ErrCodeInvalidState).WithResource(svc.ID).WithOperation(string(t))
	}

	switch t {
	case OrderTypeModify:
		if svc.LockModify {
			return locked()
		}
		if svc.DeployState != DeployStateDeployed {
			return invalid()
		}
	case OrderTypeDestroy, OrderTypeRollback:
		if svc.LockDestroy {
			return locked()
		}
		if !svc.DeployState.HasResources() {
			return invalid()
		}
	case OrderTypePurge:
		if svc.LockDestroy {
			return locked()
		}
		if svc.DeployState == DeployStatePurged {
			return invalid()
		}
	case OrderTypeLockChange:
	default:
		if svc.DeployState != DeployStateDeployed {
			return invalid()
		}
	}
	return nil
}

func (o *Orchestrator) newOrder(svc *Service, t OrderType, requesterID string, payload []byte) *Order {
	now := o.now().UTC()
	return &Order{
		ID:          uuid.New().String(),
		ServiceID:   svc.ID,
		Type:        t,
		Status:      OrderStatusCreated,
		RequesterID: requesterID,
		Provider:    svc.Provider,
		Region:      svc.Region,
		Deployer:    svc.Deployer,
		Operation:   t.Operation(),
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (o *Orchestrator) resolve(provider string) (Plugin, error) {
	plugin, err := o.registry.Resolve(provider)
	if err != nil {
		return nil, o.classified(NewAdmissionError("unknown provider", err).
			WithCode(ErrCodeUnknownProvider).WithResource(provider))
	}
	return plugin, nil
}

func (o *Orchestrator) admissionStoreError(err error, serviceID string) error {
	switch {
	case errors.Is(err, ErrServiceBusy):
		return o.classified(NewAdmissionError("a lifecycle operation is already in flight", err).
			WithCode(ErrCodeServiceBusy).WithResource(serviceID))
	case errors.Is(err, ErrAlreadyExists):
		return o.classified(NewAdmissionError("duplicate request", err).
			WithCode(ErrCodeValidation).WithResource(serviceID))
	}
	return fmt.Errorf("failed to create order: %w", err)
}

// classified records an engine error's class and returns it.
func (o *Orchestrator) classified(err *EngineError) error {
	o.tel.Metrics.RecordError(string(err.Class))
	o.logger.WithField("class", err.Class).WithField("code", err.Code).Info(err.Error())
	return err
}

// admitted records a persisted order and dispatches it.
func (o *Orchestrator) admitted(ctx context.Context, order *Order, plugin Plugin) (*Admission, error) {
	o.tel.Metrics.RecordOrderAdmitted(string(order.Type))
	o.logger.WithOrder(order.ID).WithService(order.ServiceID).
		WithField("type", order.Type).Info("order admitted")
	o.timeline.emit(ctx, Event{
		OrderID:    order.ID,
		WorkflowID: order.WorkflowID,
		ServiceID:  order.ServiceID,
		Type:       EventTypeOrderAdmitted,
		Message:    fmt.Sprintf("%s order admitted", order.Type),
		Details:    map[string]interface{}{"requester_id": order.RequesterID},
	})

	adm := &Admission{OrderID: order.ID, RequestID: order.WorkflowID, ServiceID: order.ServiceID}
	if err := o.dispatch(ctx, order, plugin); err != nil {
		return adm, err
	}
	return adm, nil
}

// dispatch moves a Created order to Submitted and hands it to the gateway.
func (o *Orchestrator) dispatch(ctx context.Context, order *Order, plugin Plugin) error {
	if _, err := o.store.TransitionOrder(ctx, order.ID, OrderStatusCreated, OrderStatusSubmitted, ""); err != nil {
		if errors.Is(err, ErrConflict) {
			o.logger.WithOrder(order.ID).Debug("order already dispatched")
			return nil
		}
		return fmt.Errorf("failed to mark order submitted: %w", err)
	}
	return o.submit(ctx, order, plugin)
}

// submit hands a Submitted order to the gateway and records its token.
func (o *Orchestrator) submit(ctx context.Context, order *Order, plugin Plugin) error {
	token, err := o.gateway.Submit(ctx, order, plugin)
	log := o.logger.WithOrder(order.ID).WithToken(token)
	switch {
	case err == nil:
	case token != "" && errors.Is(err, ErrDispatchUnconfirmed):
		// The deployer may be running the order; its callback or the sweeper decides.
		o.tel.Metrics.RecordDispatchFailure(order.Deployer)
		log.WithError(err).WithField("deployer", order.Deployer).Warn("dispatch unconfirmed, waiting for callback")
		o.timeline.emit(ctx, Event{
			OrderID:    order.ID,
			WorkflowID: order.WorkflowID,
			ServiceID:  order.ServiceID,
			Type:       EventTypeDispatchUnconfirmed,
			Message:    err.Error(),
			Details:    map[string]interface{}{"token": token},
		})
	default:
		return o.failDispatch(ctx, order, err)
	}

	if _, err := o.store.TransitionOrder(ctx, order.ID, OrderStatusSubmitted, OrderStatusInProgress, token); err != nil {
		if errors.Is(err, ErrConflict) {
			// The executor reported before the transition; the callback already finalized the order.
			log.Debug("order finalized before it was marked in progress")
			return nil
		}
		return fmt.Errorf("failed to mark order in progress: %w", err)
	}
	log.WithField("deployer", order.Deployer).Info("order submitted")
	o.timeline.emit(ctx, Event{
		OrderID:    order.ID,
		WorkflowID: order.WorkflowID,
		ServiceID:  order.ServiceID,
		Type:       EventTypeOrderSubmitted,
		Message:    fmt.Sprintf("submitted to %s", order.Deployer),
		Details:    map[string]interface{}{"token": token},
	})
	return nil
}

// failDispatch finalizes an order the gateway refused. No callback will follow,
// so the failure is applied through the correlator like any other outcome.
func (o *Orchestrator) failDispatch(ctx context.Context, order *Order, cause error) error {
	o.tel.Metrics.RecordDispatchFailure(order.Deployer)
	o.logger.WithOrder(order.ID).WithError(cause).WithField("deployer", order.Deployer).Warn("dispatch failed")
	o.timeline.emit(ctx, Event{
		OrderID:    order.ID,
		WorkflowID: order.WorkflowID,
		ServiceID:  order.ServiceID,
		Type:       EventTypeDispatchFailed,
		Message:    cause.Error(),
	})

	dispatchErr := NewDispatchError("failed to submit order", cause).
		WithCode(ErrCodeGatewayFailed).WithResource(order.ID).WithOperation(string(order.Operation))
	if _, err := o.correlator.ApplyResult(ctx, order.ID, Outcome{Success: false, Error: dispatchErr.Error()}); err != nil {
		o.logger.WithOrder(order.ID).WithError(err).Error("failed to finalize undispatched order")
	}
	return o.classified(dispatchErr)
}

// redispatch continues an order interrupted before it reached InProgress.
func (o *Orchestrator) redispatch(ctx context.Context, order *Order) error {
	plugin, err := o.registry.Resolve(order.Provider)
	if err != nil {
		if order.Status == OrderStatusCreated {
			if _, err := o.store.TransitionOrder(ctx, order.ID, OrderStatusCreated, OrderStatusSubmitted, ""); err != nil {
				return err
			}
		}
		return o.failDispatch(ctx, order, err)
	}
	switch order.Status {
	case OrderStatusCreated:
		return o.dispatch(ctx, order, plugin)
	case OrderStatusSubmitted:
		return o.submit(ctx, order, plugin)
	}
	return nil
}
