package engine

import (
	"encoding/json"
	"time"

	"github.com/stratus-cp/stratus/pkg/workflow"
)

// Order is one atomic, asynchronously executed infrastructure change request.
type Order struct {
	// ID is the unique identifier for this order, generated at admission.
	ID string `json:"id"`

	// ServiceID is the deployed-service instance the order acts upon.
	ServiceID string `json:"service_id"`

	// Type is the order type.
	Type OrderType `json:"type"`

	// Status is the lifecycle stage of the order.
	Status OrderStatus `json:"status"`

	// RequesterID identifies the initiating user.
	RequesterID string `json:"requester_id"`

	// Provider is the cloud provider whose plugin handles the order.
	Provider string `json:"provider"`

	// Region is the provider region the service lives in.
	Region string `json:"region,omitempty"`

	// Deployer names the executor backend that runs the order.
	Deployer string `json:"deployer"`

	// Operation is what the gateway asks the executor to do.
	Operation Operation `json:"operation"`

	// Payload is the type-specific request body.
	Payload json.RawMessage `json:"payload,omitempty"`

	// ParentOrderID is the order a Retry or Rollback refers to.
	ParentOrderID string `json:"parent_order_id,omitempty"`

	// WorkflowID, WorkflowKind, Phase and Attempt are set when the order is a
	// phase of a compound workflow.
	WorkflowID   string         `json:"workflow_id,omitempty"`
	WorkflowKind workflow.Kind  `json:"workflow_kind,omitempty"`
	Phase        workflow.Phase `json:"phase,omitempty"`
	Attempt      int            `json:"attempt,omitempty"`

	// CorrelationToken is assigned by the gateway on submission.
	CorrelationToken string `json:"correlation_token,omitempty"`

	// CancelRequested is set when an operator asked to cancel the run.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// DeployerVersion is the executor version reported with the outcome.
	DeployerVersion string `json:"deployer_version,omitempty"`

	// ResultMessage is the human-readable outcome.
	ResultMessage string `json:"result_message,omitempty"`

	// Artifacts maps artifact names to content. Owned by the deployer.
	Artifacts map[string]string `json:"artifacts,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Version is incremented on every write for optimistic locking.
	Version int64 `json:"version"`
}

// IsWorkflowChild returns true if the order is a phase of a compound workflow.
func (o *Order) IsWorkflowChild() bool {
	return o.WorkflowID != ""
}

// OrderPayload is the decoded form of Order.Payload. Fields are optional and
// their meaning depends on the order type.
type OrderPayload struct {
	// Template references the infrastructure-as-code template to apply.
	Template *TemplateRef `json:"template,omitempty"`

	// Variables are the template input variables.
	Variables map[string]interface{} `json:"variables,omitempty"`

	// State is the deployer state snapshot to start from.
	State string `json:"state,omitempty"`

	// Action names the service action for action-type orders.
	Action string `json:"action,omitempty"`

	// Parameters are the action parameters.
	Parameters map[string]interface{} `json:"parameters,omitempty"`

	// Inputs carries artifacts of an earlier order, e.g. a data export.
	Inputs map[string]string `json:"inputs,omitempty"`

	// Lock is the requested lock state for LockChange orders.
	Lock *LockChange `json:"lock,omitempty"`
}

// TemplateRef points at a template source or carries its files inline.
type TemplateRef struct {
	Source string            `json:"source,omitempty"`
	Files  map[string]string `json:"files,omitempty"`
}

// LockChange sets the service's modify and destroy locks. Nil leaves a lock unchanged.
type LockChange struct {
	Modify  *bool `json:"modify,omitempty"`
	Destroy *bool `json:"destroy,omitempty"`
}

// DecodePayload decodes an order payload. An empty payload decodes to the zero value.
func DecodePayload(raw json.RawMessage) (*OrderPayload, error) {
	var p OrderPayload
	if len(raw) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Artifact names every executor reports.
const (
	// ArtifactState is the deployer state snapshot after the run.
	ArtifactState = "state"

	// ArtifactOutputs is the JSON object of template outputs.
	ArtifactOutputs = "outputs"

	// ArtifactLog is the human-readable run log.
	ArtifactLog = "log"
)

// Service actions used by the data phases of a migration.
const (
	ActionDataExport = "data.export"
	ActionDataImport = "data.import"
)

// Outcome is the result a deployer reports for an order.
type Outcome struct {
	Success         bool              `json:"success"`
	DeployerVersion string            `json:"deployer_version,omitempty"`
	Error           string            `json:"error,omitempty"`
	Artifacts       map[string]string `json:"artifacts,omitempty"`
}

// OrderResult is the terminal record written when an order is finalized.
type OrderResult struct {
	Status          OrderStatus
	DeployerVersion string
	Message         string
	Artifacts       map[string]string
	Token           string
	CompletedAt     time.Time
}

// Owner describes which workflow, if any, owns an order. Kind is empty for
// standalone orders.
type Owner struct {
	Kind      workflow.Kind `json:"kind,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
}

// Correlation maps a gateway token back to its order and owner.
type Correlation struct {
	Token     string    `json:"token"`
	OrderID   string    `json:"order_id"`
	Owner     Owner     `json:"owner"`
	Executor  string    `json:"executor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Service is a deployed-service instance.
type Service struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Region   string `json:"region,omitempty"`
	Deployer string `json:"deployer"`

	// Spec is the deploy payload the service was last applied with.
	Spec json.RawMessage `json:"spec,omitempty"`

	DeployState DeployState `json:"deploy_state"`
	RunState    RunState    `json:"run_state"`
	LockModify  bool        `json:"lock_modify"`
	LockDestroy bool        `json:"lock_destroy"`

	// StateSnapshot is the latest deployer state artifact.
	StateSnapshot string `json:"state_snapshot,omitempty"`

	RequesterID string    `json:"requester_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Version     int64     `json:"version"`
}

// Resource is one entry of a service's normalized resource inventory.
type Resource struct {
	ID         string            `json:"id"`
	ServiceID  string            `json:"service_id"`
	Kind       string            `json:"kind"`
	Name       string            `json:"name"`
	ProviderID string            `json:"provider_id"`
	Region     string            `json:"region,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ServiceResources is what a plugin needs to act on a service's resources.
type ServiceResources struct {
	Service   *Service   `json:"service"`
	Resources []Resource `json:"resources"`
}

// TargetSpec describes the new deployment of a Migrate or Port workflow, or the
// fresh deployment of a Recreate.
type TargetSpec struct {
	Provider string          `json:"provider,omitempty"`
	Region   string          `json:"region,omitempty"`
	Deployer string          `json:"deployer,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// WorkflowRequest is the parent record of a compound workflow.
type WorkflowRequest struct {
	ID   string        `json:"id"`
	Kind workflow.Kind `json:"kind"`

	// ServiceID is the source service.
	ServiceID string `json:"service_id"`

	// TargetServiceID is the destination service. Equal to ServiceID for Recreate.
	TargetServiceID string `json:"target_service_id"`

	CarryData    bool                   `json:"carry_data,omitempty"`
	CurrentPhase workflow.Phase         `json:"current_phase"`
	Retries      map[workflow.Phase]int `json:"retries"`
	MaxRetries   int                    `json:"max_retries"`

	Status WorkflowStatus `json:"status"`

	// Resolution tells operators what infrastructure exists after the workflow ended.
	Resolution workflow.Resolution `json:"resolution,omitempty"`
	Message    string              `json:"message,omitempty"`

	// ChildOrderIDs lists one order per phase attempt in creation order.
	ChildOrderIDs []string `json:"child_order_ids"`
	LastOrderID   string   `json:"last_order_id"`

	RequesterID string     `json:"requester_id"`
	Target      TargetSpec `json:"target"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Version     int64      `json:"version"`
}

// State returns the pure driver state of the request.
func (w *WorkflowRequest) State() workflow.State {
	return workflow.State{
		Kind:       w.Kind,
		CarryData:  w.CarryData,
		Phase:      w.CurrentPhase,
		RetryCount: w.Retries[w.CurrentPhase],
		MaxRetries: w.MaxRetries,
	}
}

// ServiceStateTask is a start, stop or restart request against deployed resources.
type ServiceStateTask struct {
	ID           string     `json:"id"`
	ServiceID    string     `json:"service_id"`
	Type         TaskType   `json:"type"`
	Status       TaskStatus `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Provider     string     `json:"provider,omitempty"`
	RequesterID  string     `json:"requester_id"`

	// OrderID is set when the task is driven by a ServiceStart/Stop/Restart order.
	OrderID string `json:"order_id,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Event is one entry in an order or workflow timeline.
type Event struct {
	ID         string                 `json:"id"`
	OrderID    string                 `json:"order_id,omitempty"`
	WorkflowID string                 `json:"workflow_id,omitempty"`
	ServiceID  string                 `json:"service_id,omitempty"`
	Type       EventType              `json:"type"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// OrderRequest is an admission request for a single order.
type OrderRequest struct {
	// ServiceID is empty only for the initial Deploy, which creates the service.
	ServiceID   string          `json:"service_id,omitempty"`
	Type        OrderType       `json:"type" validate:"required"`
	RequesterID string          `json:"requester_id" validate:"required"`
	Provider    string          `json:"provider,omitempty"`
	Region      string          `json:"region,omitempty"`
	Deployer    string          `json:"deployer,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`

	// CarryData applies to compound order types that support data phases.
	CarryData bool `json:"carry_data,omitempty"`
}

// WorkflowSpec is an admission request for a compound workflow.
type WorkflowSpec struct {
	Kind        workflow.Kind `json:"kind" validate:"required,oneof=migrate recreate port"`
	ServiceID   string        `json:"service_id" validate:"required"`
	RequesterID string        `json:"requester_id" validate:"required"`
	CarryData   bool          `json:"carry_data,omitempty"`
	Target      TargetSpec    `json:"target"`
}

// Admission is returned synchronously when a request is accepted.
type Admission struct {
	OrderID   string `json:"order_id"`
	RequestID string `json:"request_id,omitempty"`
	ServiceID string `json:"service_id"`
}

// OrderFilter narrows order listings.
type OrderFilter struct {
	ServiceID string
	Status    OrderStatus
	Limit     int
}
