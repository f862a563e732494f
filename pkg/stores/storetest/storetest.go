// Package storetest holds the behavioral contract every engine.Store must pass.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/workflow"
)

// Factory returns a fresh, empty store. It is called once per subtest.
type Factory func(t *testing.T) engine.Store

// Run exercises the store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s engine.Store)
	}{
		{"OrderCRUD", testOrderCRUD},
		{"DuplicateOrder", testDuplicateOrder},
		{"LifecycleOrderCreatesService", testLifecycleOrderCreatesService},
		{"LifecycleBusy", testLifecycleBusy},
		{"NonLifecycleNotBusy", testNonLifecycleNotBusy},
		{"TransitionConflict", testTransitionConflict},
		{"FinalizeOnce", testFinalizeOnce},
		{"ConcurrentFinalize", testConcurrentFinalize},
		{"RequestCancel", testRequestCancel},
		{"WorkflowCAS", testWorkflowCAS},
		{"WorkflowBlocksLifecycle", testWorkflowBlocksLifecycle},
		{"ServiceCAS", testServiceCAS},
		{"Resources", testResources},
		{"StateTasks", testStateTasks},
		{"Events", testEvents},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func newService(id string) *engine.Service {
	now := time.Now().UTC()
	return &engine.Service{
		ID:          id,
		Provider:    "openstack",
		Region:      "RegionOne",
		Deployer:    "local",
		Spec:        json.RawMessage(`{"variables":{"flavor":"m1.small"}}`),
		DeployState: engine.DeployStateDeploying,
		RunState:    engine.RunStateUnknown,
		RequesterID: "alice",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func newOrder(id, serviceID string, t engine.OrderType) *engine.Order {
	now := time.Now().UTC()
	return &engine.Order{
		ID:          id,
		ServiceID:   serviceID,
		Type:        t,
		Status:      engine.OrderStatusCreated,
		RequesterID: "alice",
		Provider:    "openstack",
		Deployer:    "local",
		Operation:   t.Operation(),
		Payload:     json.RawMessage(`{"variables":{"size":1}}`),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func seedService(t *testing.T, s engine.Store, id string) *engine.Service {
	t.Helper()
	svc := newService(id)
	require.NoError(t, s.CreateService(context.Background(), svc))
	return svc
}

func testOrderCRUD(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedService(t, s, "svc-1")

	order := newOrder("ord-1", "svc-1", engine.OrderTypeModify)
	require.NoError(t, s.CreateOrder(ctx, order))

	got, err := s.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, engine.OrderTypeModify, got.Type)
	assert.Equal(t, engine.OrderStatusCreated, got.Status)
	assert.Equal(t, engine.OperationModify, got.Operation)
	assert.JSONEq(t, `{"variables":{"size":1}}`, string(got.Payload))
	assert.Nil(t, got.CompletedAt)

	_, err = s.GetOrder(ctx, "missing")
	assert.True(t, errors.Is(err, engine.ErrNotFound))

	require.NoError(t, s.CreateOrder(ctx, newOrder("ord-2", "svc-1", engine.OrderTypeServiceAction)))
	orders, err := s.ListOrdersByService(ctx, "svc-1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "ord-1", orders[0].ID)
	assert.Equal(t, "ord-2", orders[1].ID)

	created, err := s.ListOrdersByStatus(ctx, engine.OrderStatusCreated)
	require.NoError(t, err)
	assert.Len(t, created, 2)

	empty, err := s.ListOrdersByService(ctx, "svc-none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testDuplicateOrder(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedService(t, s, "svc-1")
	require.NoError(t, s.CreateOrder(ctx, newOrder("ord-1", "svc-1", engine.OrderTypeServiceAction)))
	err := s.CreateOrder(ctx, newOrder("ord-1", "svc-1", engine.OrderTypeServiceAction))
	assert.True(t, errors.Is(err, engine.ErrAlreadyExists), "got %v", err)
}

func testLifecycleOrderCreatesService(t *testing.T, s engine.Store) {
	ctx := context.Background()
	svc := newService("svc-new")
	require.NoError(t, s.CreateLifecycleOrder(ctx, newOrder("ord-1", "svc-new", engine.OrderTypeDeploy), svc))

	got, err := s.GetService(ctx, "svc-new")
	require.NoError(t, err)
	assert.Equal(t, engine.DeployStateDeploying, got.DeployState)

	order, err := s.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "svc-new", order.ServiceID)

	err = s.CreateLifecycleOrder(ctx, newOrder("ord-2", "svc-new", engine.OrderTypeDeploy), newService("svc-new"))
	assert.True(t, errors.Is(err, engine.ErrAlreadyExists), "got %v", err)
	_, err = s.GetOrder(ctx, "ord-2")
	assert.True(t, errors.Is(err, engine.ErrNotFound), "order must not be created when the service insert fails")
}

func testLifecycleBusy(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedService(t, s, "svc-1")

	require.NoError(t, s.CreateLifecycleOrder(ctx, newOrder("ord-1", "svc-1", engine.OrderTypeModify), nil))
	err := s.CreateLifecycleOrder(ctx, newOrder("ord-2", "svc-1", engine.OrderTypeDestroy), nil)
	assert.True(t, errors.Is(err, engine.ErrServiceBusy), "got %v", err)

	_, err = s.FinalizeOrder(ctx, "ord-1", engine.OrderResult{Status: engine.OrderStatusFailed, Message: "boom"})
	require.NoError(t, err)
	assert.NoError(t, s.CreateLifecycleOrder(ctx, newOrder("ord-2", "svc-1", engine.OrderTypeDestroy), nil))
}

func testNonLifecycleNotBusy(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedService(t, s, "svc-1")

	require.NoError(t, s.CreateOrder(ctx, newOrder("act-1", "svc-1", engine.OrderTypeServiceAction)))
	assert.NoError(t, s.CreateLifecycleOrder(ctx, newOrder("ord-1", "svc-1", engine.OrderTypeModify), nil))
}

func testTransitionConflict(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedService(t, s, "svc-1")
	require.NoError(t, s.CreateOrder(ctx, newOrder("ord-1", "svc-1", engine.OrderTypeModify)))

	got, err := s.TransitionOrder(ctx, "ord-1", engine.OrderStatusCreated, engine.OrderStatusSubmitted, "")
	require.NoError(t, err)
	assert.Equal(t, engine.OrderStatusSubmitted, got.Status)

	_, err = s.TransitionOrder(ctx, "ord-1", engine.OrderStatusCreated, engine.OrderStatusSubmitted, "")
	assert.True(t, errors.Is(err, engine.ErrConflict), "got %v", err)

	got, err = s.TransitionOrder(ctx, "ord-1", engine.OrderStatusSubmitted, engine.OrderStatusInProgress, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", got.CorrelationToken)

	_, err = s.TransitionOrder(ctx, "missing", engine.OrderStatusCreated, engine.OrderStatusSubmitted, "")
	assert.True(t, errors.Is(err, engine.ErrNotFound), "got %v", err)

	_, err = s.TransitionOrder(ctx, "ord-1", engine.OrderStatusInProgress, engine.OrderStatusSuccessful, "")
	assert.Error(t, err, "terminal statuses are reachable only through FinalizeOrder")
}

func testFinalizeOnce(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedService(t, s, "svc-1")
	require.NoError(t, s.CreateOrder(ctx, newOrder("ord-1", "svc-1", engine.OrderTypeModify)))

	done := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := s.FinalizeOrder(ctx, "ord-1", engine.OrderResult{
		Status:          engine.OrderStatusSuccessful,
		DeployerVersion: "tofu-1.8.0",
		Message:         "applied",
		Artifacts:       map[string]string{"outputs": `{"ip":"10.0.0.5"}`},
		Token:           "tok-1",
		CompletedAt:     done,
	})
	require.NoError(t, err)
	assert.Equal(t, engine.OrderStatusSuccessful, got.Status)
	assert.Equal(t, "tofu-1.8.0", got.DeployerVersion)
	assert.Equal(t, "tok-1", got.CorrelationToken)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(done))
	assert.Equal(t, `{"ip":"10.0.0.5"}`, got.Artifacts["outputs"])

	_, err = s.FinalizeOrder(ctx, "ord-1", engine.OrderResult{Status: engine.OrderStatusFailed})
	assert.True(t, errors.Is(err, engine.ErrAlreadyFinal), "got %v", err)

	got, err = s.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, engine.OrderStatusSuccessful, got.Status, "a second finalize must not overwrite the result")

	_, err = s.FinalizeOrder(ctx, "missing", engine.OrderResult{Status: engine.OrderStatusFailed})
	assert.True(t, errors.Is(err, engine.ErrNotFound), "got %v", err)

	_, err = s.FinalizeOrder(ctx, "ord-1", engine.OrderResult{Status: engine.OrderStatusInProgress})
	assert.Error(t, err)
}

func testConcurrentFinalize(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedService(t, s, "svc-1")
	require.NoError(t, s.CreateOrder(ctx, newOrder("ord-1", "svc-1", engine.OrderTypeModify)))

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
		final   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := engine.OrderStatusSuccessful
			if i%2 == 1 {
				status = engine.OrderStatusFailed
			}
			_, err := s.FinalizeOrder(ctx, "ord-1", engine.OrderResult{Status: status, Message: fmt.Sprintf("worker %d", i)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, engine.ErrAlreadyFinal):
				final++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, workers-1, final)
}

func testRequestCancel(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedService(t, s, "svc-1")
	require.NoError(t, s.CreateOrder(ctx, newOrder("ord-1", "svc-1", engine.OrderTypeModify)))

	got, err := s.RequestCancel(ctx, "ord-1")
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, engine.OrderStatusCreated, got.Status)

	_, err = s.FinalizeOrder(ctx, "ord-1", engine.OrderResult{Status: engine.OrderStatusFailed})
	require.NoError(t, err)
	_, err = s.RequestCancel(ctx, "ord-1")
	assert.True(t, errors.Is(err, engine.ErrAlreadyFinal), "got %v", err)
}

func newWorkflow(id, serviceID, targetID string) *engine.WorkflowRequest {
	now := time.Now().UTC()
	return &engine.WorkflowRequest{
		ID:              id,
		Kind:            workflow.KindMigrate,
		ServiceID:       serviceID,
		TargetServiceID: targetID,
		CarryData:       true,
		CurrentPhase:    workflow.PhaseDeployNew,
		Retries:         map[workflow.Phase]int{},
		MaxRetries:      workflow.DefaultMaxRetries,
		Status:          engine.WorkflowStatusStarted,
		ChildOrderIDs:   []string{},
		RequesterID:     "alice",
		Target:          engine.TargetSpec{Provider: "scs", Region: "de-1", Deployer: "local"},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func testWorkflowCAS(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedService(t, s, "svc-1")

	wf := newWorkflow("wf-1", "svc-1", "svc-2")
	require.NoError(t, s.CreateWorkflow(ctx, wf, newService("svc-2")))
	_, err := s.GetService(ctx, "svc-2")
	require.NoError(t, err, "target service is created with the workflow")

	first, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	second, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.True(t, first.CarryData)
	assert.Equal(t, "scs", first.Target.Provider)

	first.ChildOrderIDs = append(first.ChildOrderIDs, "ord-1")
	first.LastOrderID = "ord-1"
	first.Retries[workflow.PhaseDeployNew] = 1
	require.NoError(t, s.UpdateWorkflow(ctx, first))

	second.CurrentPhase = workflow.PhaseDestroyOld
	err = s.UpdateWorkflow(ctx, second)
	assert.True(t, errors.Is(err, engine.ErrConflict), "stale version must conflict, got %v", err)

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ord-1"}, got.ChildOrderIDs)
	assert.Equal(t, 1, got.Retries[workflow.PhaseDeployNew])
	assert.Equal(t, workflow.PhaseDeployNew, got.CurrentPhase)
	assert.Equal(t, first.Version, got.Version)

	bySource, err := s.ListWorkflowsByService(ctx, "svc-1")
	require.NoError(t, err)
	assert.Len(t, bySource, 1)
	byTarget, err := s.ListWorkflowsByService(ctx, "svc-2")
	require.NoError(t, err)
	assert.Len(t, byTarget, 1)

	got.Status = engine.WorkflowStatusCompleted
	got.Resolution = workflow.ResolutionCompleted
	now := time.Now().UTC()
	got.CompletedAt = &now
	require.NoError(t, s.UpdateWorkflow(ctx, got))
	active, err := s.ListActiveWorkflows(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	err = s.UpdateWorkflow(ctx, newWorkflow("missing", "svc-1", "svc-2"))
	assert.True(t, errors.Is(err, engine.ErrNotFound), "got %v", err)
}

func testWorkflowBlocksLifecycle(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedService(t, s, "svc-1")

	require.NoError(t, s.CreateWorkflow(ctx, newWorkflow("wf-1", "svc-1", "svc-2"), newService("svc-2")))

	err := s.CreateLifecycleOrder(ctx, newOrder("ord-1", "svc-1", engine.OrderTypeModify), nil)
	assert.True(t, errors.Is(err, engine.ErrServiceBusy), "source is busy, got %v", err)
	err = s.CreateLifecycleOrder(ctx, newOrder("ord-2", "svc-2", engine.OrderTypeDestroy), nil)
	assert.True(t, errors.Is(err, engine.ErrServiceBusy), "target is busy, got %v", err)
	err = s.CreateWorkflow(ctx, newWorkflow("wf-2", "svc-1", "svc-3"), newService("svc-3"))
	assert.True(t, errors.Is(err, engine.ErrServiceBusy), "second workflow, got %v", err)
	_, err = s.GetService(ctx, "svc-3")
	assert.True(t, errors.Is(err, engine.ErrNotFound), "rejected workflow must not create its target")

	// workflow children are created directly, not through the busy check
	assert.NoError(t, s.CreateOrder(ctx, newOrder("child-1", "svc-2", engine.OrderTypeDeploy)))
}

func testServiceCAS(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedService(t, s, "svc-1")

	err := s.CreateService(ctx, newService("svc-1"))
	assert.True(t, errors.Is(err, engine.ErrAlreadyExists), "got %v", err)

	a, err := s.GetService(ctx, "svc-1")
	require.NoError(t, err)
	b, err := s.GetService(ctx, "svc-1")
	require.NoError(t, err)

	a.DeployState = engine.DeployStateDeployed
	a.LockDestroy = true
	a.StateSnapshot = `{"version":4}`
	require.NoError(t, s.UpdateService(ctx, a))

	b.RunState = engine.RunStateStopped
	err = s.UpdateService(ctx, b)
	assert.True(t, errors.Is(err, engine.ErrConflict), "got %v", err)

	got, err := s.GetService(ctx, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, engine.DeployStateDeployed, got.DeployState)
	assert.True(t, got.LockDestroy)
	assert.False(t, got.LockModify)
	assert.Equal(t, `{"version":4}`, got.StateSnapshot)
	assert.Equal(t, engine.RunStateUnknown, got.RunState)
	assert.JSONEq(t, `{"variables":{"flavor":"m1.small"}}`, string(got.Spec))

	missing := newService("missing")
	missing.Version = 1
	err = s.UpdateService(ctx, missing)
	assert.True(t, errors.Is(err, engine.ErrNotFound), "got %v", err)
}

func testResources(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedService(t, s, "svc-1")

	first := []engine.Resource{
		{ID: "openstack_compute_instance_v2.web", Kind: "openstack_compute_instance_v2", Name: "web", ProviderID: "a1"},
		{ID: "openstack_networking_network_v2.net", Kind: "openstack_networking_network_v2", Name: "net", ProviderID: "n1"},
	}
	require.NoError(t, s.ReplaceResources(ctx, "svc-1", first))
	got, err := s.ListResources(ctx, "svc-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "svc-1", got[0].ServiceID)
	assert.Equal(t, "a1", got[0].ProviderID)

	second := []engine.Resource{{
		ID: "openstack_compute_instance_v2.web", Kind: "openstack_compute_instance_v2", Name: "web", ProviderID: "a2",
		Properties: map[string]string{"flavor": "m1.large"},
	}}
	require.NoError(t, s.ReplaceResources(ctx, "svc-1", second))
	got, err = s.ListResources(ctx, "svc-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a2", got[0].ProviderID)
	assert.Equal(t, "m1.large", got[0].Properties["flavor"])

	require.NoError(t, s.ReplaceResources(ctx, "svc-1", nil))
	got, err = s.ListResources(ctx, "svc-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testStateTasks(t *testing.T, s engine.Store) {
	ctx := context.Background()
	seedService(t, s, "svc-1")

	task := &engine.ServiceStateTask{
		ID:          "task-1",
		ServiceID:   "svc-1",
		Type:        engine.TaskTypeStop,
		Status:      engine.TaskStatusCreated,
		Provider:    "openstack",
		RequesterID: "alice",
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.CreateStateTask(ctx, task))
	assert.True(t, errors.Is(s.CreateStateTask(ctx, task), engine.ErrAlreadyExists))

	started := time.Now().UTC()
	task.Status = engine.TaskStatusFailed
	task.ErrorMessage = "nova refused"
	task.StartedAt = &started
	task.CompletedAt = &started
	require.NoError(t, s.UpdateStateTask(ctx, task))

	got, err := s.GetStateTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, engine.TaskStatusFailed, got.Status)
	assert.Equal(t, "nova refused", got.ErrorMessage)
	require.NotNil(t, got.CompletedAt)

	tasks, err := s.ListStateTasksByService(ctx, "svc-1")
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	_, err = s.GetStateTask(ctx, "missing")
	assert.True(t, errors.Is(err, engine.ErrNotFound))
	err = s.UpdateStateTask(ctx, &engine.ServiceStateTask{ID: "missing"})
	assert.True(t, errors.Is(err, engine.ErrNotFound))
}

func testEvents(t *testing.T, s engine.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	events := []*engine.Event{
		{ID: "e1", OrderID: "ord-1", ServiceID: "svc-1", Type: engine.EventTypeOrderAdmitted, Message: "admitted", Timestamp: now},
		{ID: "e2", OrderID: "ord-1", ServiceID: "svc-1", Type: engine.EventTypeOrderStale, Message: "stale", Timestamp: now,
			Details: map[string]interface{}{"age": "2h"}},
		{ID: "e3", OrderID: "ord-2", WorkflowID: "wf-1", ServiceID: "svc-1", Type: engine.EventTypePhaseAdvanced, Message: "advanced", Timestamp: now},
	}
	for _, e := range events {
		require.NoError(t, s.AppendEvent(ctx, e))
	}

	byOrder, err := s.ListEvents(ctx, engine.EventFilter{OrderID: "ord-1"})
	require.NoError(t, err)
	require.Len(t, byOrder, 2)
	assert.Equal(t, "e1", byOrder[0].ID)

	stale, err := s.ListEvents(ctx, engine.EventFilter{OrderID: "ord-1", Type: engine.EventTypeOrderStale})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "2h", stale[0].Details["age"])

	byWorkflow, err := s.ListEvents(ctx, engine.EventFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	assert.Len(t, byWorkflow, 1)

	limited, err := s.ListEvents(ctx, engine.EventFilter{ServiceID: "svc-1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
