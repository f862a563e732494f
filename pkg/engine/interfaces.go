package engine

import (
	"context"
	"encoding/json"
	"time"
)

// Plugin is the capability set a cloud provider implements. A provider that
// cannot supply every capability is rejected at registration.
type Plugin interface {
	// Provider returns the provider identifier the plugin is registered under.
	Provider() string

	// CredentialTypes enumerates the credential kinds the provider accepts.
	CredentialTypes() []CredentialType

	// StartResources powers on the service's resources.
	StartResources(ctx context.Context, sr ServiceResources) error

	// StopResources powers off the service's resources.
	StopResources(ctx context.Context, sr ServiceResources) error

	// RestartResources reboots the service's resources.
	RestartResources(ctx context.Context, sr ServiceResources) error

	// CollectMetrics returns the current metric samples for the service's resources.
	CollectMetrics(ctx context.Context, sr ServiceResources) ([]MetricSample, error)

	// TranslateResources turns a deployer artifact map into the normalized
	// resource inventory of the service.
	TranslateResources(serviceID string, artifacts map[string]string) ([]Resource, error)
}

// CredentialType describes one kind of credential a provider accepts.
type CredentialType struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Fields      []string `json:"fields" yaml:"fields"`
}

// MetricSample is one observation reported by a provider metrics exporter.
type MetricSample struct {
	Name       string            `json:"name"`
	ResourceID string            `json:"resource_id"`
	Value      float64           `json:"value"`
	Labels     map[string]string `json:"labels,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// PluginRegistry resolves provider identifiers to plugins.
type PluginRegistry interface {
	// Resolve returns the plugin for the provider or an error wrapping ErrNotFound.
	Resolve(provider string) (Plugin, error)
}

// Gateway hands orders to deployment executors.
type Gateway interface {
	// Submit starts the order's run and returns its correlation token. Calling
	// Submit again for the same order returns the same token and starts nothing.
	// When the executor may or may not have accepted the run, Submit returns
	// the reserved token together with an error wrapping ErrDispatchUnconfirmed.
	Submit(ctx context.Context, order *Order, plugin Plugin) (string, error)

	// Cancel asks the executor to stop the run. It is best-effort.
	Cancel(ctx context.Context, token string) error

	// Resolve maps a token back to its correlation entry.
	Resolve(ctx context.Context, token string) (*Correlation, error)
}

// PayloadValidator validates an order payload for its type.
type PayloadValidator interface {
	ValidatePayload(orderType OrderType, payload json.RawMessage) error
}

// OrderStore persists orders. Every write is a single-record atomic
// read-modify-write.
type OrderStore interface {
	// CreateOrder inserts a new order.
	CreateOrder(ctx context.Context, order *Order) error

	// CreateLifecycleOrder inserts a lifecycle order only if its service has no
	// other active lifecycle order and no active workflow, returning
	// ErrServiceBusy otherwise. When newService is not nil it is inserted in the
	// same transaction.
	CreateLifecycleOrder(ctx context.Context, order *Order, newService *Service) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*Order, error)

	// ListOrdersByService returns a service's orders in creation order.
	ListOrdersByService(ctx context.Context, serviceID string) ([]*Order, error)

	// ListOrdersByStatus returns all orders with the given status in creation order.
	ListOrdersByStatus(ctx context.Context, status OrderStatus) ([]*Order, error)

	// TransitionOrder moves an order from one non-terminal status to another.
	// It returns ErrConflict if the order is not in status from. A non-empty
	// token is recorded on the order.
	TransitionOrder(ctx context.Context, id string, from, to OrderStatus, token string) (*Order, error)

	// FinalizeOrder moves a non-terminal order to a terminal status. It returns
	// ErrAlreadyFinal if the order is already terminal.
	FinalizeOrder(ctx context.Context, id string, result OrderResult) (*Order, error)

	// RequestCancel marks an active order for cancellation.
	RequestCancel(ctx context.Context, id string) (*Order, error)
}

// WorkflowStore persists compound workflow requests.
type WorkflowStore interface {
	// CreateWorkflow inserts a workflow only if its source service has no
	// active lifecycle order and no active workflow. A non-nil target service
	// is inserted in the same transaction.
	CreateWorkflow(ctx context.Context, wf *WorkflowRequest, target *Service) error

	// GetWorkflow retrieves a workflow by ID.
	GetWorkflow(ctx context.Context, id string) (*WorkflowRequest, error)

	// UpdateWorkflow writes the workflow if its Version matches the stored one,
	// and increments Version. It returns ErrConflict on a version mismatch.
	UpdateWorkflow(ctx context.Context, wf *WorkflowRequest) error

	// ListWorkflowsByService returns workflows whose source or target is the service.
	ListWorkflowsByService(ctx context.Context, serviceID string) ([]*WorkflowRequest, error)

	// ListActiveWorkflows returns all workflows that have not finished.
	ListActiveWorkflows(ctx context.Context) ([]*WorkflowRequest, error)
}

// ServiceStore persists services and their resource inventory.
type ServiceStore interface {
	CreateService(ctx context.Context, svc *Service) error
	GetService(ctx context.Context, id string) (*Service, error)

	// UpdateService writes the service if its Version matches, and increments
	// Version. It returns ErrConflict on a version mismatch.
	UpdateService(ctx context.Context, svc *Service) error

	// ReplaceResources replaces the whole inventory of a service.
	ReplaceResources(ctx context.Context, serviceID string, resources []Resource) error
	ListResources(ctx context.Context, serviceID string) ([]Resource, error)
}

// StateTaskStore persists service state tasks.
type StateTaskStore interface {
	CreateStateTask(ctx context.Context, task *ServiceStateTask) error
	GetStateTask(ctx context.Context, id string) (*ServiceStateTask, error)
	UpdateStateTask(ctx context.Context, task *ServiceStateTask) error
	ListStateTasksByService(ctx context.Context, serviceID string) ([]*ServiceStateTask, error)
}

// EventFilter narrows event listings. Empty fields match everything.
type EventFilter struct {
	OrderID    string
	WorkflowID string
	ServiceID  string
	Type       EventType
	Limit      int
}

// EventStore persists order and workflow timelines.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)
}

// Store is the full persistence contract of the engine.
type Store interface {
	OrderStore
	WorkflowStore
	ServiceStore
	StateTaskStore
	EventStore

	// HealthCheck verifies the store is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
