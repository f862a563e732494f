package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-cp/stratus/pkg/engine"
)

func newStateManager(h *harness) *engine.StateManager {
	registry := fakeRegistry{}
	for name, p := range h.plugins {
		registry[name] = p
	}
	return engine.NewStateManager(h.store, registry, nil)
}

func TestStateManagerTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	serviceID := h.deployed(t)
	m := newStateManager(h)

	task, err := m.Stop(ctx, serviceID, "alice")
	require.NoError(t, err)
	assert.Equal(t, engine.TaskStatusSuccessful, task.Status)
	assert.Equal(t, "openstack", task.Provider)
	require.NotNil(t, task.StartedAt)
	require.NotNil(t, task.CompletedAt)
	assert.Equal(t, engine.RunStateStopped, h.service(t, serviceID).RunState)

	_, err = m.Start(ctx, serviceID, "alice")
	require.NoError(t, err)
	assert.Equal(t, engine.RunStateRunning, h.service(t, serviceID).RunState)

	_, err = m.Restart(ctx, serviceID, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"stop", "start", "restart"}, h.plugins["openstack"].calls)

	stored, err := m.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.TaskTypeStop, stored.Type)

	tasks, err := h.store.ListStateTasksByService(ctx, serviceID)
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}

func TestStateManagerFailuresAreNotRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	serviceID := h.deployed(t)
	m := newStateManager(h)

	h.plugins["openstack"].stateErr = errors.New("nova: instance locked")
	task, err := m.Start(ctx, serviceID, "alice")
	require.Error(t, err)
	assert.Equal(t, engine.ErrorClassExecution, engine.ClassOf(err))
	assert.Equal(t, engine.TaskStatusFailed, task.Status)
	assert.Contains(t, task.ErrorMessage, "instance locked")
	assert.Len(t, h.plugins["openstack"].calls, 1)
	assert.Equal(t, engine.RunStateRunning, h.service(t, serviceID).RunState)
}

func TestStateManagerRequiresDeployedService(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	serviceID := h.deployed(t)
	m := newStateManager(h)

	adm, err := h.submit(t, serviceID, engine.OrderTypeDestroy, "")
	require.NoError(t, err)
	h.complete(t, adm.OrderID, true, nil)

	task, err := m.Start(ctx, serviceID, "alice")
	require.Error(t, err)
	assert.Equal(t, engine.TaskStatusFailed, task.Status)
	assert.Empty(t, h.plugins["openstack"].calls)

	_, err = m.Start(ctx, "missing", "alice")
	assert.Error(t, err)
}

func TestStateManagerRunsOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	serviceID := h.deployed(t)
	m := newStateManager(h)

	adm, err := h.submit(t, serviceID, engine.OrderTypeServiceStop, "")
	require.NoError(t, err)
	require.NoError(t, m.RunOrderTask(ctx, h.order(t, adm.OrderID)))
	assert.Equal(t, engine.RunStateStopped, h.service(t, serviceID).RunState)

	tasks, err := h.store.ListStateTasksByService(ctx, serviceID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, adm.OrderID, tasks[0].OrderID)

	assert.Error(t, m.RunOrderTask(ctx, &engine.Order{ID: "x", ServiceID: serviceID, Type: engine.OrderTypeModify}))
}

func TestApplyLockChange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	serviceID := h.deployed(t)
	m := newStateManager(h)

	adm, err := h.submit(t, serviceID, engine.OrderTypeLockChange, `{"lock":{"destroy":true}}`)
	require.NoError(t, err)
	require.NoError(t, m.ApplyLockChange(ctx, h.order(t, adm.OrderID)))

	svc := h.service(t, serviceID)
	assert.True(t, svc.LockDestroy)
	assert.False(t, svc.LockModify)

	_, err = h.submit(t, serviceID, engine.OrderTypeDestroy, "")
	assert.Equal(t, engine.ErrCodeServiceLocked, codeOf(err))

	empty := &engine.Order{ID: "empty", ServiceID: serviceID, Payload: json.RawMessage(`{}`)}
	assert.Error(t, m.ApplyLockChange(ctx, empty))
}

func TestCollectMetrics(t *testing.T) {
	h := newHarness(t)
	serviceID := h.deployed(t)
	m := newStateManager(h)

	samples, err := m.CollectMetrics(context.Background(), serviceID)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, serviceID+"-server", samples[0].ResourceID)
}

func TestSweeperReportsStaleOrdersOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	serviceID := h.deployed(t)

	adm, err := h.submit(t, serviceID, engine.OrderTypeModify, "")
	require.NoError(t, err)

	fresh := engine.NewSweeper(h.store, time.Hour, nil)
	stale, err := fresh.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale)

	time.Sleep(5 * time.Millisecond)
	sweeper := engine.NewSweeper(h.store, time.Millisecond, nil)
	for i := 0; i < 2; i++ {
		stale, err = sweeper.Sweep(ctx)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, adm.OrderID, stale[0].ID)
	}

	events := h.events(t, engine.EventFilter{OrderID: adm.OrderID, Type: engine.EventTypeOrderStale})
	assert.Len(t, events, 1)
	assert.Equal(t, engine.OrderStatusInProgress, h.order(t, adm.OrderID).Status, "stale orders are never finalized")

	// The callback still applies after the order was reported.
	h.complete(t, adm.OrderID, true, nil)
	stale, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.NewSweeper(h.store, 0, nil).Run(ctx, 10*time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
