package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// StateManager starts, stops and restarts the resources of deployed services
// through their provider plugin. Tasks run synchronously and are not retried.
type StateManager struct {
	store    Store
	registry PluginRegistry
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	timeline *timeline
	now      func() time.Time
}

// NewStateManager creates a service state manager. A nil telemetry discards
// logs and metrics.
func NewStateManager(store Store, registry PluginRegistry, tel *telemetry.Telemetry) *StateManager {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	logger := tel.Logger.NewComponentLogger("state-manager")
	return &StateManager{
		store:    store,
		registry: registry,
		tel:      tel,
		logger:   logger,
		timeline: &timeline{store: store, tel: tel, logger: logger, now: time.Now},
		now:      time.Now,
	}
}

// Start powers on a service's resources.
func (m *StateManager) Start(ctx context.Context, serviceID, requesterID string) (*ServiceStateTask, error) {
	return m.runNew(ctx, serviceID, requesterID, TaskTypeStart, "")
}

// Stop powers off a service's resources.
func (m *StateManager) Stop(ctx context.Context, serviceID, requesterID string) (*ServiceStateTask, error) {
	return m.runNew(ctx, serviceID, requesterID, TaskTypeStop, "")
}

// Restart reboots a service's resources.
func (m *StateManager) Restart(ctx context.Context, serviceID, requesterID string) (*ServiceStateTask, error) {
	return m.runNew(ctx, serviceID, requesterID, TaskTypeRestart, "")
}

// RunOrderTask runs the state task of a ServiceStart, ServiceStop or
// ServiceRestart order.
func (m *StateManager) RunOrderTask(ctx context.Context, order *Order) error {
	taskType, ok := TaskTypeFor(order.Type)
	if !ok {
		return fmt.Errorf("order type %s has no state task", order.Type)
	}
	_, err := m.runNew(ctx, order.ServiceID, order.RequesterID, taskType, order.ID)
	return err
}

// ApplyLockChange applies the lock state requested by a LockChange order.
func (m *StateManager) ApplyLockChange(ctx context.Context, order *Order) error {
	p, err := DecodePayload(order.Payload)
	if err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	if p.Lock == nil || (p.Lock.Modify == nil && p.Lock.Destroy == nil) {
		return fmt.Errorf("lock change order %s requests no change", order.ID)
	}
	svc, err := updateService(ctx, m.store, order.ServiceID, m.now(), func(svc *Service) {
		if p.Lock.Modify != nil {
			svc.LockModify = *p.Lock.Modify
		}
		if p.Lock.Destroy != nil {
			svc.LockDestroy = *p.Lock.Destroy
		}
	})
	if err != nil {
		return fmt.Errorf("failed to update locks: %w", err)
	}
	m.logger.WithService(svc.ID).WithOrder(order.ID).
		WithFields(map[string]interface{}{"lock_modify": svc.LockModify, "lock_destroy": svc.LockDestroy}).
		Info("service locks changed")
	return nil
}

// CollectMetrics returns the provider's current metric samples for a service.
func (m *StateManager) CollectMetrics(ctx context.Context, serviceID string) ([]MetricSample, error) {
	sr, plugin, err := m.load(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	var samples []MetricSample
	err = m.tel.RecordPluginOperation(ctx, plugin.Provider(), "collect_metrics", func(ctx context.Context) error {
		var err error
		samples, err = plugin.CollectMetrics(ctx, *sr)
		return err
	})
	return samples, err
}

// GetTask returns a state task.
func (m *StateManager) GetTask(ctx context.Context, id string) (*ServiceStateTask, error) {
	return m.store.GetStateTask(ctx, id)
}

func (m *StateManager) runNew(ctx context.Context, serviceID, requesterID string, t TaskType, orderID string) (*ServiceStateTask, error) {
	task := &ServiceStateTask{
		ID:          uuid.New().String(),
		ServiceID:   serviceID,
		Type:        t,
		RequesterID: requesterID,
		OrderID:     orderID,
	}
	err := m.Run(ctx, task)
	return task, err
}

// Run executes a state task. The task is stored, moved to InProgress and
// finished as Successful or Failed; a failure returns an execution error.
func (m *StateManager) Run(ctx context.Context, task *ServiceStateTask) error {
	if err := task.Type.Validate(); err != nil {
		return NewAdmissionError("invalid state task", err).WithCode(ErrCodeValidation)
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Status = TaskStatusCreated
	task.CreatedAt = m.now().UTC()
	if err := m.store.CreateStateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to create state task: %w", err)
	}

	sr, plugin, err := m.load(ctx, task.ServiceID)
	if err != nil {
		return m.fail(ctx, task, err.Error())
	}
	if sr.Service.DeployState != DeployStateDeployed {
		return m.fail(ctx, task, fmt.Sprintf("service is %s, not deployed", sr.Service.DeployState))
	}

	started := m.now().UTC()
	task.Provider = plugin.Provider()
	task.Status = TaskStatusInProgress
	task.StartedAt = &started
	if err := m.store.UpdateStateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to update state task: %w", err)
	}

	err = m.tel.RecordPluginOperation(ctx, plugin.Provider(), string(task.Type), func(ctx context.Context) error {
		switch task.Type {
		case TaskTypeStart:
			return plugin.StartResources(ctx, *sr)
		case TaskTypeStop:
			return plugin.StopResources(ctx, *sr)
		default:
			return plugin.RestartResources(ctx, *sr)
		}
	})
	if err != nil {
		return m.fail(ctx, task, err.Error())
	}

	runState := RunStateRunning
	if task.Type == TaskTypeStop {
		runState = RunStateStopped
	}
	if _, err := updateService(ctx, m.store, task.ServiceID, m.now(), func(svc *Service) {
		svc.RunState = runState
	}); err != nil {
		m.logger.WithService(task.ServiceID).WithError(err).Warn("failed to record run state")
	}

	completed := m.now().UTC()
	task.Status = TaskStatusSuccessful
	task.CompletedAt = &completed
	if err := m.store.UpdateStateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to update state task: %w", err)
	}
	m.tel.Metrics.RecordStateTask(string(task.Type), string(task.Status))
	m.logger.WithService(task.ServiceID).WithField("task_id", task.ID).
		WithField("type", task.Type).Info("state task successful")
	return nil
}

func (m *StateManager) load(ctx context.Context, serviceID string) (*ServiceResources, Plugin, error) {
	svc, err := m.store.GetService(ctx, serviceID)
	if err != nil {
		return nil, nil, err
	}
	plugin, err := m.registry.Resolve(svc.Provider)
	if err != nil {
		return nil, nil, err
	}
	resources, err := m.store.ListResources(ctx, serviceID)
	if err != nil {
		return nil, nil, err
	}
	return &ServiceResources{Service: svc, Resources: resources}, plugin, nil
}

func (m *StateManager) fail(ctx context.Context, task *ServiceStateTask, msg string) error {
	completed := m.now().UTC()
	task.Status = TaskStatusFailed
	task.ErrorMessage = msg
	task.CompletedAt = &completed
	if err := m.store.UpdateStateTask(ctx, task); err != nil {
		m.logger.WithField("task_id", task.ID).WithError(err).Error("failed to record task failure")
	}
	m.tel.Metrics.RecordStateTask(string(task.Type), string(task.Status))
	m.tel.Metrics.RecordError(string(ErrorClassExecution))
	m.logger.WithService(task.ServiceID).WithField("task_id", task.ID).
		WithField("type", task.Type).Warn(msg)
	return NewExecutionError(fmt.Sprintf("%s task failed", task.Type), fmt.Errorf("%s", msg)).
		WithResource(task.ID).WithOperation(string(task.Type))
}
