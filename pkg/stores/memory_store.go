package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/workflow"
)

// MemoryStore implements engine.Store in process memory. Records are copied on
// every read and write so callers never share state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]*engine.Order
	orderSeq  []string
	workflows map[string]*engine.WorkflowRequest
	wfSeq     []string
	services  map[string]*engine.Service
	resources map[string][]engine.Resource
	tasks     map[string]*engine.ServiceStateTask
	taskSeq   []string
	events    []*engine.Event
	closed    bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]*engine.Order),
		workflows: make(map[string]*engine.WorkflowRequest),
		services:  make(map[string]*engine.Service),
		resources: make(map[string][]engine.Resource),
		tasks:     make(map[string]*engine.ServiceStateTask),
	}
}

// HealthCheck reports an error once the store is closed.
func (m *MemoryStore) HealthCheck(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store closed")
	}
	return nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// busy must be called with the lock held.
func (m *MemoryStore) busy(serviceID string) bool {
	for _, o := range m.orders {
		if o.ServiceID == serviceID && o.Status.IsActive() && o.Type.IsLifecycle() {
			return true
		}
	}
	for _, wf := range m.workflows {
		if wf.Status == engine.WorkflowStatusStarted && (wf.ServiceID == serviceID || wf.TargetServiceID == serviceID) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) insertOrder(order *engine.Order) error {
	if _, ok := m.orders[order.ID]; ok {
		return fmt.Errorf("order %s: %w", order.ID, engine.ErrAlreadyExists)
	}
	if order.Version == 0 {
		order.Version = 1
	}
	m.orders[order.ID] = copyOrder(order)
	m.orderSeq = append(m.orderSeq, order.ID)
	return nil
}

func (m *MemoryStore) insertService(svc *engine.Service) error {
	if _, ok := m.services[svc.ID]; ok {
		return fmt.Errorf("service %s: %w", svc.ID, engine.ErrAlreadyExists)
	}
	if svc.Version == 0 {
		svc.Version = 1
	}
	if svc.RunState == "" {
		svc.RunState = engine.RunStateUnknown
	}
	m.services[svc.ID] = copyService(svc)
	return nil
}

// CreateOrder inserts a new order.
func (m *MemoryStore) CreateOrder(_ context.Context, order *engine.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertOrder(order)
}

// CreateLifecycleOrder inserts a lifecycle order if the service is idle.
func (m *MemoryStore) CreateLifecycleOrder(_ context.Context, order *engine.Order, newService *engine.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if newService != nil {
		if _, ok := m.services[newService.ID]; ok {
			return fmt.Errorf("service %s: %w", newService.ID, engine.ErrAlreadyExists)
		}
	} else if m.busy(order.ServiceID) {
		return fmt.Errorf("service %s: %w", order.ServiceID, engine.ErrServiceBusy)
	}
	if _, ok := m.orders[order.ID]; ok {
		return fmt.Errorf("order %s: %w", order.ID, engine.ErrAlreadyExists)
	}
	if newService != nil {
		if err := m.insertService(newService); err != nil {
			return err
		}
	}
	return m.insertOrder(order)
}

// GetOrder retrieves an order by ID.
func (m *MemoryStore) GetOrder(_ context.Context, id string) (*engine.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, engine.ErrNotFound)
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) listOrders(match func(*engine.Order) bool) []*engine.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	orders := []*engine.Order{}
	for _, id := range m.orderSeq {
		if o := m.orders[id]; match(o) {
			orders = append(orders, copyOrder(o))
		}
	}
	return orders
}

// ListOrdersByService returns a service's orders in creation order.
func (m *MemoryStore) ListOrdersByService(_ context.Context, serviceID string) ([]*engine.Order, error) {
	return m.listOrders(func(o *engine.Order) bool { return o.ServiceID == serviceID }), nil
}

// ListOrdersByStatus returns all orders with the given status in creation order.
func (m *MemoryStore) ListOrdersByStatus(_ context.Context, status engine.OrderStatus) ([]*engine.Order, error) {
	return m.listOrders(func(o *engine.Order) bool { return o.Status == status }), nil
}

// TransitionOrder moves an order between non-terminal statuses.
func (m *MemoryStore) TransitionOrder(_ context.Context, id string, from, to engine.OrderStatus, token string) (*engine.Order, error) {
	if to.IsTerminal() {
		return nil, fmt.Errorf("transition to terminal status %s must use FinalizeOrder", to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, engine.ErrNotFound)
	}
	if o.Status != from {
		return nil, fmt.Errorf("order %s is %s, not %s: %w", id, o.Status, from, engine.ErrConflict)
	}
	o.Status = to
	if token != "" {
		o.CorrelationToken = token
	}
	o.UpdatedAt = time.Now().UTC()
	o.Version++
	return copyOrder(o), nil
}

// FinalizeOrder moves a non-terminal order to a terminal status.
func (m *MemoryStore) FinalizeOrder(_ context.Context, id string, res engine.OrderResult) (*engine.Order, error) {
	if !res.Status.IsTerminal() {
		return nil, fmt.Errorf("finalize requires a terminal status, got %s", res.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, engine.ErrNotFound)
	}
	if o.Status.IsTerminal() {
		return nil, fmt.Errorf("order %s: %w", id, engine.ErrAlreadyFinal)
	}

	completed := res.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}
	completed = completed.UTC()

	o.Status = res.Status
	o.DeployerVersion = res.DeployerVersion
	o.ResultMessage = res.Message
	o.Artifacts = copyStrings(res.Artifacts)
	if o.CorrelationToken == "" {
		o.CorrelationToken = res.Token
	}
	o.CompletedAt = &completed
	o.UpdatedAt = completed
	o.Version++
	return copyOrder(o), nil
}

// RequestCancel marks an active order for cancellation.
func (m *MemoryStore) RequestCancel(_ context.Context, id string) (*engine.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, engine.ErrNotFound)
	}
	if o.Status.IsTerminal() {
		return nil, fmt.Errorf("order %s: %w", id, engine.ErrAlreadyFinal)
	}
	o.CancelRequested = true
	o.UpdatedAt = time.Now().UTC()
	o.Version++
	return copyOrder(o), nil
}

// CreateWorkflow inserts a workflow if its source service is idle.
func (m *MemoryStore) CreateWorkflow(_ context.Context, wf *engine.WorkflowRequest, target *engine.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workflows[wf.ID]; ok {
		return fmt.Errorf("workflow %s: %w", wf.ID, engine.ErrAlreadyExists)
	}
	if m.busy(wf.ServiceID) {
		return fmt.Errorf("service %s: %w", wf.ServiceID, engine.ErrServiceBusy)
	}
	if target != nil {
		if err := m.insertService(target); err != nil {
			return err
		}
	}
	if wf.Version == 0 {
		wf.Version = 1
	}
	m.workflows[wf.ID] = copyWorkflow(wf)
	m.wfSeq = append(m.wfSeq, wf.ID)
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*engine.WorkflowRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, engine.ErrNotFound)
	}
	return copyWorkflow(wf), nil
}

// UpdateWorkflow writes the workflow if its version matches.
func (m *MemoryStore) UpdateWorkflow(_ context.Context, wf *engine.WorkflowRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.workflows[wf.ID]
	if !ok {
		return fmt.Errorf("workflow %s: %w", wf.ID, engine.ErrNotFound)
	}
	if current.Version != wf.Version {
		return fmt.Errorf("workflow %s version %d, stored %d: %w", wf.ID, wf.Version, current.Version, engine.ErrConflict)
	}
	wf.Version++
	m.workflows[wf.ID] = copyWorkflow(wf)
	return nil
}

func (m *MemoryStore) listWorkflows(match func(*engine.WorkflowRequest) bool) []*engine.WorkflowRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	workflows := []*engine.WorkflowRequest{}
	for _, id := range m.wfSeq {
		if wf := m.workflows[id]; match(wf) {
			workflows = append(workflows, copyWorkflow(wf))
		}
	}
	return workflows
}

// ListWorkflowsByService returns workflows whose source or target is the service.
func (m *MemoryStore) ListWorkflowsByService(_ context.Context, serviceID string) ([]*engine.WorkflowRequest, error) {
	return m.listWorkflows(func(wf *engine.WorkflowRequest) bool {
		return wf.ServiceID == serviceID || wf.TargetServiceID == serviceID
	}), nil
}

// ListActiveWorkflows returns all workflows that have not finished.
func (m *MemoryStore) ListActiveWorkflows(_ context.Context) ([]*engine.WorkflowRequest, error) {
	return m.listWorkflows(func(wf *engine.WorkflowRequest) bool {
		return wf.Status == engine.WorkflowStatusStarted
	}), nil
}

// CreateService inserts a new service.
func (m *MemoryStore) CreateService(_ context.Context, svc *engine.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertService(svc)
}

// GetService retrieves a service by ID.
func (m *MemoryStore) GetService(_ context.Context, id string) (*engine.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[id]
	if !ok {
		return nil, fmt.Errorf("service %s: %w", id, engine.ErrNotFound)
	}
	return copyService(svc), nil
}

// UpdateService writes the service if its version matches.
func (m *MemoryStore) UpdateService(_ context.Context, svc *engine.Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.services[svc.ID]
	if !ok {
		return fmt.Errorf("service %s: %w", svc.ID, engine.ErrNotFound)
	}
	if current.Version != svc.Version {
		return fmt.Errorf("service %s version %d, stored %d: %w", svc.ID, svc.Version, current.Version, engine.ErrConflict)
	}
	svc.Version++
	stored := copyService(svc)
	stored.CreatedAt = current.CreatedAt
	stored.RequesterID = current.RequesterID
	m.services[svc.ID] = stored
	return nil
}

// ReplaceResources replaces the whole inventory of a service.
func (m *MemoryStore) ReplaceResources(_ context.Context, serviceID string, resources []engine.Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[serviceID]; !ok {
		return fmt.Errorf("service %s: %w", serviceID, engine.ErrNotFound)
	}
	copied := make([]engine.Resource, 0, len(resources))
	for _, r := range resources {
		r.ServiceID = serviceID
		r.Properties = copyStrings(r.Properties)
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		copied = append(copied, r)
	}
	m.resources[serviceID] = copied
	return nil
}

// ListResources returns the inventory of a service.
func (m *MemoryStore) ListResources(_ context.Context, serviceID string) ([]engine.Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	resources := make([]engine.Resource, 0, len(m.resources[serviceID]))
	for _, r := range m.resources[serviceID] {
		r.Properties = copyStrings(r.Properties)
		resources = append(resources, r)
	}
	return resources, nil
}

// CreateStateTask inserts a new service state task.
func (m *MemoryStore) CreateStateTask(_ context.Context, task *engine.ServiceStateTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return fmt.Errorf("state task %s: %w", task.ID, engine.ErrAlreadyExists)
	}
	m.tasks[task.ID] = copyTask(task)
	m.taskSeq = append(m.taskSeq, task.ID)
	return nil
}

// GetStateTask retrieves a service state task by ID.
func (m *MemoryStore) GetStateTask(_ context.Context, id string) (*engine.ServiceStateTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("state task %s: %w", id, engine.ErrNotFound)
	}
	return copyTask(task), nil
}

// UpdateStateTask writes the mutable fields of a state task.
func (m *MemoryStore) UpdateStateTask(_ context.Context, task *engine.ServiceStateTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tasks[task.ID]
	if !ok {
		return fmt.Errorf("state task %s: %w", task.ID, engine.ErrNotFound)
	}
	current.Status = task.Status
	current.ErrorMessage = task.ErrorMessage
	current.StartedAt = copyTime(task.StartedAt)
	current.CompletedAt = copyTime(task.CompletedAt)
	return nil
}

// ListStateTasksByService returns a service's state tasks in creation order.
func (m *MemoryStore) ListStateTasksByService(_ context.Context, serviceID string) ([]*engine.ServiceStateTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tasks := []*engine.ServiceStateTask{}
	for _, id := range m.taskSeq {
		if task := m.tasks[id]; task.ServiceID == serviceID {
			tasks = append(tasks, copyTask(task))
		}
	}
	return tasks, nil
}

// AppendEvent appends an event to the timeline.
func (m *MemoryStore) AppendEvent(_ context.Context, event *engine.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *event
	e.Details = copyDetails(event.Details)
	m.events = append(m.events, &e)
	return nil
}

// ListEvents lists events matching the filter in append order.
func (m *MemoryStore) ListEvents(_ context.Context, f engine.EventFilter) ([]*engine.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := []*engine.Event{}
	for _, e := range m.events {
		if f.OrderID != "" && e.OrderID != f.OrderID {
			continue
		}
		if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
			continue
		}
		if f.ServiceID != "" && e.ServiceID != f.ServiceID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		c := *e
		c.Details = copyDetails(e.Details)
		events = append(events, &c)
		if f.Limit > 0 && len(events) == f.Limit {
			break
		}
	}
	return events, nil
}

// copies

func copyOrder(o *engine.Order) *engine.Order {
	c := *o
	c.Payload = copyRaw(o.Payload)
	c.Artifacts = copyStrings(o.Artifacts)
	c.CompletedAt = copyTime(o.CompletedAt)
	return &c
}

func copyWorkflow(wf *engine.WorkflowRequest) *engine.WorkflowRequest {
	c := *wf
	c.Retries = make(map[workflow.Phase]int, len(wf.Retries))
	for k, v := range wf.Retries {
		c.Retries[k] = v
	}
	c.ChildOrderIDs = append([]string(nil), wf.ChildOrderIDs...)
	c.Target.Payload = copyRaw(wf.Target.Payload)
	c.CompletedAt = copyTime(wf.CompletedAt)
	return &c
}

func copyService(svc *engine.Service) *engine.Service {
	c := *svc
	c.Spec = copyRaw(svc.Spec)
	return &c
}

func copyTask(task *engine.ServiceStateTask) *engine.ServiceStateTask {
	c := *task
	c.StartedAt = copyTime(task.StartedAt)
	c.CompletedAt = copyTime(task.CompletedAt)
	return &c
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func copyDetails(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

func copyRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

var _ engine.Store = (*MemoryStore)(nil)
