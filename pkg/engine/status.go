package engine

import (
	"encoding/json"
	"fmt"
)

// OrderStatus represents the lifecycle stage of an order.
type OrderStatus string

const (
	// OrderStatusCreated indicates the order is persisted but not yet handed to a deployer.
	OrderStatusCreated OrderStatus = "created"

	// OrderStatusSubmitted indicates the order is being handed to the gateway.
	OrderStatusSubmitted OrderStatus = "submitted"

	// OrderStatusInProgress indicates the gateway accepted the order and a callback is pending.
	OrderStatusInProgress OrderStatus = "in_progress"

	// OrderStatusSuccessful indicates the deployer reported success.
	OrderStatusSuccessful OrderStatus = "successful"

	// OrderStatusFailed indicates the order failed at dispatch or execution.
	OrderStatusFailed OrderStatus = "failed"
)

// IsTerminal returns true if the order status represents a final state.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusSuccessful || s == OrderStatusFailed
}

// IsActive returns true if the order has not reached a final state.
func (s OrderStatus) IsActive() bool {
	return s == OrderStatusCreated || s == OrderStatusSubmitted || s == OrderStatusInProgress
}

// Validate checks if the order status is valid.
func (s OrderStatus) Validate() error {
	switch s {
	case OrderStatusCreated, OrderStatusSubmitted, OrderStatusInProgress,
		OrderStatusSuccessful, OrderStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid order status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s OrderStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *OrderStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = OrderStatus(str)
	return s.Validate()
}

// OrderType identifies what an order does. The set is closed.
type OrderType string

const (
	OrderTypeDeploy         OrderType = "deploy"
	OrderTypeDestroy        OrderType = "destroy"
	OrderTypeModify         OrderType = "modify"
	OrderTypeRetry          OrderType = "retry"
	OrderTypeRollback       OrderType = "rollback"
	OrderTypeRecreate       OrderType = "recreate"
	OrderTypePort           OrderType = "port"
	OrderTypeLockChange     OrderType = "lock_change"
	OrderTypeConfigChange   OrderType = "config_change"
	OrderTypeServiceAction  OrderType = "service_action"
	OrderTypePurge          OrderType = "purge"
	OrderTypeServiceStart   OrderType = "service_start"
	OrderTypeServiceStop    OrderType = "service_stop"
	OrderTypeServiceRestart OrderType = "service_restart"
	OrderTypeObjectCreate   OrderType = "object_create"
	OrderTypeObjectModify   OrderType = "object_modify"
	OrderTypeObjectDelete   OrderType = "object_delete"
)

// AllOrderTypes lists every order type in declaration order.
var AllOrderTypes = []OrderType{
	OrderTypeDeploy, OrderTypeDestroy, OrderTypeModify, OrderTypeRetry, OrderTypeRollback,
	OrderTypeRecreate, OrderTypePort, OrderTypeLockChange, OrderTypeConfigChange,
	OrderTypeServiceAction, OrderTypePurge, OrderTypeServiceStart, OrderTypeServiceStop,
	OrderTypeServiceRestart, OrderTypeObjectCreate, OrderTypeObjectModify, OrderTypeObjectDelete,
}

// Validate checks if the order type is valid.
func (t OrderType) Validate() error {
	for _, known := range AllOrderTypes {
		if t == known {
			return nil
		}
	}
	return fmt.Errorf("invalid order type: %s", t)
}

// IsLifecycle returns true for order types that create, change or remove the
// service's infrastructure. At most one of them may be in flight per service.
func (t OrderType) IsLifecycle() bool {
	switch t {
	case OrderTypeDeploy, OrderTypeDestroy, OrderTypeModify, OrderTypeRetry,
		OrderTypeRollback, OrderTypeRecreate, OrderTypePort, OrderTypePurge:
		return true
	default:
		return false
	}
}

// IsCompound returns true for order types that are admitted as compound workflows.
func (t OrderType) IsCompound() bool {
	return t == OrderTypeRecreate || t == OrderTypePort
}

// Operation returns the gateway operation an order of this type performs.
// Retry orders take the operation of the order they retry and return "".
func (t OrderType) Operation() Operation {
	switch t {
	case OrderTypeDeploy:
		return OperationDeploy
	case OrderTypeModify:
		return OperationModify
	case OrderTypeDestroy, OrderTypeRollback, OrderTypePurge:
		return OperationDestroy
	case OrderTypeConfigChange, OrderTypeServiceAction,
		OrderTypeObjectCreate, OrderTypeObjectModify, OrderTypeObjectDelete:
		return OperationAction
	case OrderTypeLockChange:
		return OperationLock
	case OrderTypeServiceStart, OrderTypeServiceStop, OrderTypeServiceRestart:
		return OperationState
	default:
		return ""
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (t OrderType) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(t))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (t *OrderType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*t = OrderType(str)
	return t.Validate()
}

// Operation is what the gateway asks an executor to do.
type Operation string

const (
	// OperationDeploy provisions a service from its template.
	OperationDeploy Operation = "deploy"

	// OperationModify re-applies a deployed service with new variables.
	OperationModify Operation = "modify"

	// OperationDestroy tears down all resources of a service.
	OperationDestroy Operation = "destroy"

	// OperationAction runs a named action against a deployed service.
	OperationAction Operation = "action"

	// OperationLock changes the service's modify/destroy locks.
	OperationLock Operation = "lock"

	// OperationState starts, stops or restarts the service's resources.
	OperationState Operation = "state"
)

// IsInternal returns true if the operation is handled in-process rather than by
// an infrastructure-as-code deployer.
func (o Operation) IsInternal() bool {
	return o == OperationLock || o == OperationState
}

// Validate checks if the operation is valid.
func (o Operation) Validate() error {
	switch o {
	case OperationDeploy, OperationModify, OperationDestroy,
		OperationAction, OperationLock, OperationState:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// WorkflowStatus is the final status of a compound workflow request.
type WorkflowStatus string

const (
	WorkflowStatusStarted   WorkflowStatus = "started"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

// IsTerminal returns true if the workflow status represents a final state.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// Validate checks if the workflow status is valid.
func (s WorkflowStatus) Validate() error {
	switch s {
	case WorkflowStatusStarted, WorkflowStatusCompleted, WorkflowStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid workflow status: %s", s)
	}
}

// TaskType is the kind of service state change.
type TaskType string

const (
	TaskTypeStart   TaskType = "start"
	TaskTypeStop    TaskType = "stop"
	TaskTypeRestart TaskType = "restart"
)

// Validate checks if the task type is valid.
func (t TaskType) Validate() error {
	switch t {
	case TaskTypeStart, TaskTypeStop, TaskTypeRestart:
		return nil
	default:
		return fmt.Errorf("invalid task type: %s", t)
	}
}

// TaskTypeFor maps a service state order type to its task type.
func TaskTypeFor(t OrderType) (TaskType, bool) {
	switch t {
	case OrderTypeServiceStart:
		return TaskTypeStart, true
	case OrderTypeServiceStop:
		return TaskTypeStop, true
	case OrderTypeServiceRestart:
		return TaskTypeRestart, true
	default:
		return "", false
	}
}

// TaskStatus is the status of a ServiceStateTask.
type TaskStatus string

const (
	TaskStatusCreated    TaskStatus = "created"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusSuccessful TaskStatus = "successful"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal returns true if the task status represents a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusSuccessful || s == TaskStatusFailed
}

// DeployState tracks what infrastructure a service currently has.
type DeployState string

const (
	DeployStateDeploying    DeployState = "deploying"
	DeployStateDeployed     DeployState = "deployed"
	DeployStateDeployFailed DeployState = "deploy_failed"
	DeployStateDestroying   DeployState = "destroying"
	DeployStateDestroyed    DeployState = "destroyed"
	DeployStatePurged       DeployState = "purged"
)

// HasResources returns true if the service may still own cloud resources.
func (s DeployState) HasResources() bool {
	return s == DeployStateDeployed || s == DeployStateDeployFailed || s == DeployStateDestroying
}

// RunState is the last known power state of a service's resources.
type RunState string

const (
	RunStateUnknown RunState = "unknown"
	RunStateRunning RunState = "running"
	RunStateStopped RunState = "stopped"
)

// EventType represents the type of event in an order or workflow timeline.
type EventType string

const (
	EventTypeOrderAdmitted       EventType = "order_admitted"
	EventTypeOrderSubmitted      EventType = "order_submitted"
	EventTypeOrderFinalized      EventType = "order_finalized"
	EventTypeDispatchFailed      EventType = "dispatch_failed"
	EventTypeDispatchUnconfirmed EventType = "dispatch_unconfirmed"
	EventTypeCallbackDiscarded   EventType = "callback_discarded"
	EventTypeCancelRequested     EventType = "cancel_requested"
	EventTypeWorkflowStarted     EventType = "workflow_started"
	EventTypePhaseAdvanced       EventType = "phase_advanced"
	EventTypePhaseRetried        EventType = "phase_retried"
	EventTypeWorkflowFinalized   EventType = "workflow_finalized"
	EventTypePhaseLaunchFailed   EventType = "phase_launch_failed"
	EventTypeWorkflowRepaired    EventType = "workflow_repaired"
	EventTypeOrderStale          EventType = "order_stale"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeDispatchFailed, EventTypePhaseLaunchFailed:
		return "error"
	case EventTypeCallbackDiscarded, EventTypeOrderStale, EventTypePhaseRetried, EventTypeDispatchUnconfirmed:
		return "warning"
	default:
		return "info"
	}
}
