package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/stores"
	"github.com/stratus-cp/stratus/pkg/workflow"
)

// fakePlugin records state calls and reports one server per service.
type fakePlugin struct {
	name     string
	mu       sync.Mutex
	calls    []string
	stateErr error
}

func (p *fakePlugin) Provider() string { return p.name }

func (p *fakePlugin) CredentialTypes() []engine.CredentialType {
	return []engine.CredentialType{{Name: "token", Fields: []string{"token"}}}
}

func (p *fakePlugin) record(call string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
	return p.stateErr
}

func (p *fakePlugin) StartResources(_ context.Context, _ engine.ServiceResources) error {
	return p.record("start")
}

func (p *fakePlugin) StopResources(_ context.Context, _ engine.ServiceResources) error {
	return p.record("stop")
}

func (p *fakePlugin) RestartResources(_ context.Context, _ engine.ServiceResources) error {
	return p.record("restart")
}

func (p *fakePlugin) CollectMetrics(_ context.Context, sr engine.ServiceResources) ([]engine.MetricSample, error) {
	samples := make([]engine.MetricSample, 0, len(sr.Resources))
	for _, r := range sr.Resources {
		samples = append(samples, engine.MetricSample{Name: "cpu", ResourceID: r.ID, Value: 0.5})
	}
	return samples, nil
}

func (p *fakePlugin) TranslateResources(serviceID string, _ map[string]string) ([]engine.Resource, error) {
	return []engine.Resource{{
		ID:         serviceID + "-server",
		ServiceID:  serviceID,
		Kind:       "server",
		Name:       "app",
		ProviderID: p.name + "-" + serviceID,
	}}, nil
}

type fakeRegistry map[string]engine.Plugin

func (r fakeRegistry) Resolve(provider string) (engine.Plugin, error) {
	if p, ok := r[provider]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("provider %q: %w", provider, engine.ErrNotFound)
}

// fakeGateway accepts every order and keeps tokens in memory. Outcomes are
// delivered by the test through the correlator.
type fakeGateway struct {
	mu        sync.Mutex
	tokens    map[string]*engine.Correlation
	byOrder   map[string]string
	submitted []string
	cancelled []string
	failWith  error

	// unconfirmed makes Submit keep the token but report that the run
	// could not be confirmed.
	unconfirmed bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{tokens: map[string]*engine.Correlation{}, byOrder: map[string]string{}}
}

func (g *fakeGateway) Submit(_ context.Context, order *engine.Order, _ engine.Plugin) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failWith != nil {
		return "", g.failWith
	}
	if token, ok := g.byOrder[order.ID]; ok {
		return token, nil
	}
	token := "tok-" + order.ID
	g.byOrder[order.ID] = token
	g.tokens[token] = &engine.Correlation{
		Token:   token,
		OrderID: order.ID,
		Owner:   engine.Owner{Kind: order.WorkflowKind, RequestID: order.WorkflowID},
	}
	g.submitted = append(g.submitted, order.ID)
	if g.unconfirmed {
		return token, fmt.Errorf("deployer timed out: %w", engine.ErrDispatchUnconfirmed)
	}
	return token, nil
}

func (g *fakeGateway) Cancel(_ context.Context, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, token)
	return nil
}

func (g *fakeGateway) Resolve(_ context.Context, token string) (*engine.Correlation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.tokens[token]
	if !ok {
		return nil, fmt.Errorf("token %s: %w", token, engine.ErrNotFound)
	}
	return c, nil
}

func (g *fakeGateway) submissions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submitted)
}

type harness struct {
	store   *stores.MemoryStore
	gateway *fakeGateway
	plugins map[string]*fakePlugin
	orch    *engine.Orchestrator
}

// newHarness builds an orchestrator over a memory store. wrap, when given,
// decorates the store the orchestrator sees.
func newHarness(t *testing.T, wrap ...func(engine.Store) engine.Store) *harness {
	t.Helper()
	h := &harness{
		store:   stores.NewMemoryStore(),
		gateway: newFakeGateway(),
		plugins: map[string]*fakePlugin{
			"openstack": {name: "openstack"},
			"scs":       {name: "scs"},
		},
	}
	registry := fakeRegistry{}
	for name, p := range h.plugins {
		registry[name] = p
	}
	var store engine.Store = h.store
	for _, w := range wrap {
		store = w(store)
	}
	orch, err := engine.NewOrchestrator(store, registry, h.gateway, engine.Options{})
	require.NoError(t, err)
	h.orch = orch
	t.Cleanup(func() { _ = h.store.Close() })
	return h
}

const deployPayload = `{"template":{"source":"git::https://example.com/app.git"},"variables":{"size":"small"}}`

// deployed admits and completes a Deploy and returns the service id.
func (h *harness) deployed(t *testing.T) string {
	t.Helper()
	adm, err := h.orch.SubmitOrder(context.Background(), engine.OrderRequest{
		Type:        engine.OrderTypeDeploy,
		RequesterID: "alice",
		Provider:    "openstack",
		Region:      "de-1",
		Payload:     json.RawMessage(deployPayload),
	})
	require.NoError(t, err)
	h.complete(t, adm.OrderID, true, map[string]string{engine.ArtifactState: "state-v1"})
	return adm.ServiceID
}

func (h *harness) complete(t *testing.T, orderID string, success bool, artifacts map[string]string) {
	t.Helper()
	outcome := engine.Outcome{Success: success, DeployerVersion: "1.0.0", Artifacts: artifacts}
	if !success {
		outcome.Error = "apply failed"
	}
	applied, err := h.orch.Correlator().ApplyResult(context.Background(), orderID, outcome)
	require.NoError(t, err)
	require.True(t, applied, "order %s was already final", orderID)
}

func (h *harness) submit(t *testing.T, serviceID string, typ engine.OrderType, payload string) (*engine.Admission, error) {
	t.Helper()
	req := engine.OrderRequest{ServiceID: serviceID, Type: typ, RequesterID: "alice"}
	if payload != "" {
		req.Payload = json.RawMessage(payload)
	}
	return h.orch.SubmitOrder(context.Background(), req)
}

func (h *harness) order(t *testing.T, id string) *engine.Order {
	t.Helper()
	order, err := h.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return order
}

func (h *harness) service(t *testing.T, id string) *engine.Service {
	t.Helper()
	svc, err := h.store.GetService(context.Background(), id)
	require.NoError(t, err)
	return svc
}

func (h *harness) workflow(t *testing.T, id string) *engine.WorkflowRequest {
	t.Helper()
	wf, err := h.orch.Workflows().Get(context.Background(), id)
	require.NoError(t, err)
	return wf
}

func (h *harness) events(t *testing.T, f engine.EventFilter) []engine.EventType {
	t.Helper()
	events, err := h.orch.Timeline(context.Background(), f)
	require.NoError(t, err)
	types := make([]engine.EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func codeOf(err error) string {
	var e *engine.EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func TestNewOrchestratorRequiresDependencies(t *testing.T) {
	_, err := engine.NewOrchestrator(nil, fakeRegistry{}, newFakeGateway(), engine.Options{})
	assert.Error(t, err)

	_, err = engine.NewOrchestrator(stores.NewMemoryStore(), fakeRegistry{}, newFakeGateway(), engine.Options{MaxRetries: -1})
	assert.Error(t, err)
}

func TestDeployLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	adm, err := h.orch.SubmitOrder(ctx, engine.OrderRequest{
		Type:        engine.OrderTypeDeploy,
		RequesterID: "alice",
		Provider:    "openstack",
		Region:      "de-1",
		Payload:     json.RawMessage(deployPayload),
	})
	require.NoError(t, err)
	require.NotEmpty(t, adm.ServiceID)

	order := h.order(t, adm.OrderID)
	assert.Equal(t, engine.OrderStatusInProgress, order.Status)
	assert.Equal(t, "tok-"+order.ID, order.CorrelationToken)
	assert.Equal(t, engine.OperationDeploy, order.Operation)
	assert.Equal(t, engine.DefaultDeployer, order.Deployer)
	assert.Equal(t, engine.DeployStateDeploying, h.service(t, adm.ServiceID).DeployState)

	require.NoError(t, h.orch.Correlator().HandleCallback(ctx, order.CorrelationToken, engine.Outcome{
		Success:         true,
		DeployerVersion: "1.8.2",
		Artifacts:       map[string]string{engine.ArtifactState: "state-v1"},
	}))

	order = h.order(t, adm.OrderID)
	assert.Equal(t, engine.OrderStatusSuccessful, order.Status)
	assert.Equal(t, "1.8.2", order.DeployerVersion)
	require.NotNil(t, order.CompletedAt)

	sr, err := h.orch.GetService(ctx, adm.ServiceID)
	require.NoError(t, err)
	assert.Equal(t, engine.DeployStateDeployed, sr.Service.DeployState)
	assert.Equal(t, engine.RunStateRunning, sr.Service.RunState)
	assert.Equal(t, "state-v1", sr.Service.StateSnapshot)
	assert.JSONEq(t, deployPayload, string(sr.Service.Spec))
	require.Len(t, sr.Resources, 1)
	assert.Equal(t, "server", sr.Resources[0].Kind)

	assert.Equal(t, []engine.EventType{
		engine.EventTypeOrderAdmitted,
		engine.EventTypeOrderSubmitted,
		engine.EventTypeOrderFinalized,
	}, h.events(t, engine.EventFilter{OrderID: adm.OrderID}))
}

func TestDeployFailureMarksService(t *testing.T) {
	h := newHarness(t)
	adm, err := h.orch.SubmitOrder(context.Background(), engine.OrderRequest{
		Type:        engine.OrderTypeDeploy,
		RequesterID: "alice",
		Provider:    "openstack",
		Payload:     json.RawMessage(deployPayload),
	})
	require.NoError(t, err)

	h.complete(t, adm.OrderID, false, nil)
	assert.Equal(t, engine.OrderStatusFailed, h.order(t, adm.OrderID).Status)
	assert.Equal(t, "apply failed", h.order(t, adm.OrderID).ResultMessage)
	assert.Equal(t, engine.DeployStateDeployFailed, h.service(t, adm.ServiceID).DeployState)
}

func TestAdmissionRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	serviceID := h.deployed(t)

	t.Run("missing requester", func(t *testing.T) {
		_, err := h.orch.SubmitOrder(ctx, engine.OrderRequest{ServiceID: serviceID, Type: engine.OrderTypeModify})
		assert.True(t, engine.IsAdmission(err))
		assert.Equal(t, engine.ErrCodeValidation, codeOf(err))
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := h.orch.SubmitOrder(ctx, engine.OrderRequest{
			Type: engine.OrderTypeDeploy, RequesterID: "alice", Provider: "azure",
		})
		assert.True(t, engine.IsAdmission(err))
		assert.Equal(t, engine.ErrCodeUnknownProvider, codeOf(err))
	})

	t.Run("unknown service", func(t *testing.T) {
		_, err := h.submit(t, "missing", engine.OrderTypeModify, "")
		assert.Equal(t, engine.ErrCodeServiceNotFound, codeOf(err))
	})

	t.Run("retry is not submitted directly", func(t *testing.T) {
		_, err := h.submit(t, serviceID, engine.OrderTypeRetry, "")
		assert.True(t, engine.IsAdmission(err))
	})

	t.Run("deploy over deployed service", func(t *testing.T) {
		_, err := h.orch.SubmitOrder(ctx, engine.OrderRequest{
			ServiceID: serviceID, Type: engine.OrderTypeDeploy, RequesterID: "alice", Provider: "openstack",
		})
		assert.Equal(t, engine.ErrCodeInvalidState, codeOf(err))
	})

	t.Run("busy service", func(t *testing.T) {
		adm, err := h.submit(t, serviceID, engine.OrderTypeModify, `{"variables":{"size":"large"}}`)
		require.NoError(t, err)

		_, err = h.submit(t, serviceID, engine.OrderTypeDestroy, "")
		assert.True(t, engine.IsAdmission(err))
		assert.Equal(t, engine.ErrCodeServiceBusy, codeOf(err))

		// Non-lifecycle orders are not blocked.
		_, err = h.submit(t, serviceID, engine.OrderTypeServiceAction, `{"action":"backup"}`)
		assert.NoError(t, err)

		h.complete(t, adm.OrderID, true, nil)
	})
}

func TestLocksBlockLifecycleOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	serviceID := h.deployed(t)

	svc := h.service(t, serviceID)
	svc.LockDestroy = true
	require.NoError(t, h.store.UpdateService(ctx, svc))

	_, err := h.submit(t, serviceID, engine.OrderTypeDestroy, "")
	assert.Equal(t, engine.ErrCodeServiceLocked, codeOf(err))
	_, err = h.submit(t, serviceID, engine.OrderTypePurge, "")
	assert.Equal(t, engine.ErrCodeServiceLocked, codeOf(err))
	_, err = h.orch.StartWorkflow(ctx, engine.WorkflowSpec{
		Kind: workflow.KindRecreate, ServiceID: serviceID, RequesterID: "alice",
	})
	assert.Equal(t, engine.ErrCodeServiceLocked, codeOf(err))

	adm, err := h.submit(t, serviceID, engine.OrderTypeModify, `{"variables":{"size":"large"}}`)
	require.NoError(t, err)
	h.complete(t, adm.OrderID, true, nil)

	svc = h.service(t, serviceID)
	svc.LockModify = true
	require.NoError(t, h.store.UpdateService(ctx, svc))
	_, err = h.submit(t, serviceID, engine.OrderTypeModify, "")
	assert.Equal(t, engine.ErrCodeServiceLocked, codeOf(err))

	_, err = h.submit(t, serviceID, engine.OrderTypeLockChange, `{"lock":{"modify":false}}`)
	assert.NoError(t, err)
}

func TestDestroyEnrichesPayloadAndClearsService(t *testing.T) {
	h := newHarness(t)
	serviceID := h.deployed(t)

	adm, err := h.submit(t, serviceID, engine.OrderTypeDestroy, "")
	require.NoError(t, err)

	p, err := engine.DecodePayload(h.order(t, adm.OrderID).Payload)
	require.NoError(t, err)
	require.NotNil(t, p.Template)
	assert.Equal(t, "git::https://example.com/app.git", p.Template.Source)
	assert.Equal(t, "small", p.Variables["size"])
	assert.Equal(t, "state-v1", p.State)

	h.complete(t, adm.OrderID, true, map[string]string{engine.ArtifactState: "state-v2"})
	svc := h.service(t, serviceID)
	assert.Equal(t, engine.DeployStateDestroyed, svc.DeployState)
	assert.Equal(t, engine.RunStateUnknown, svc.RunState)

	resources, err := h.store.ListResources(context.Background(), serviceID)
	require.NoError(t, err)
	assert.Empty(t, resources)

	purge, err := h.submit(t, serviceID, engine.OrderTypePurge, "")
	require.NoError(t, err)
	h.complete(t, purge.OrderID, true, nil)
	assert.Equal(t, engine.DeployStatePurged, h.service(t, serviceID).DeployState)
}

func TestApplyResultIsAtMostOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	serviceID := h.deployed(t)

	adm, err := h.submit(t, serviceID, engine.OrderTypeModify, `{"variables":{"size":"large"}}`)
	require.NoError(t, err)

	const callers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			applied, err := h.orch.Correlator().ApplyResult(ctx, adm.OrderID, engine.Outcome{
				Success:   i%2 == 0,
				Artifacts: map[string]string{"caller": fmt.Sprint(i)},
			})
			assert.NoError(t, err)
			if applied {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners)

	final := h.order(t, adm.OrderID)
	require.True(t, final.Status.IsTerminal())
	finalized := h.events(t, engine.EventFilter{OrderID: adm.OrderID, Type: engine.EventTypeOrderFinalized})
	assert.Len(t, finalized, 1)
	discarded := h.events(t, engine.EventFilter{OrderID: adm.OrderID, Type: engine.EventTypeCallbackDiscarded})
	assert.Len(t, discarded, callers-1)

	// A late callback does not change the recorded outcome.
	applied, err := h.orch.Correlator().ApplyResult(ctx, adm.OrderID, engine.Outcome{Success: final.Status != engine.OrderStatusSuccessful})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, final.Status, h.order(t, adm.OrderID).Status)
}

func TestCallbackCorrelationErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.orch.Correlator().HandleCallback(ctx, "tok-unknown", engine.Outcome{Success: true})
	assert.True(t, engine.IsCorrelation(err))
	assert.Equal(t, engine.ErrCodeUnknownToken, codeOf(err))

	_, err = h.orch.Correlator().ApplyResult(ctx, "no-such-order", engine.Outcome{Success: true})
	assert.True(t, engine.IsCorrelation(err))

	assert.Contains(t, h.events(t, engine.EventFilter{Type: engine.EventTypeCallbackDiscarded}),
		engine.EventTypeCallbackDiscarded)
}

func TestDispatchFailureFinalizesOrder(t *testing.T) {
	h := newHarness(t)
	h.gateway.failWith = errors.New("executor unreachable")

	adm, err := h.orch.SubmitOrder(context.Background(), engine.OrderRequest{
		Type:        engine.OrderTypeDeploy,
		RequesterID: "alice",
		Provider:    "openstack",
		Payload:     json.RawMessage(deployPayload),
	})
	require.Error(t, err)
	assert.True(t, engine.IsDispatch(err))
	assert.Equal(t, engine.ErrCodeGatewayFailed, codeOf(err))
	require.NotNil(t, adm)

	order := h.order(t, adm.OrderID)
	assert.Equal(t, engine.OrderStatusFailed, order.Status)
	assert.Contains(t, order.ResultMessage, "executor unreachable")
	assert.Equal(t, engine.DeployStateDeployFailed, h.service(t, adm.ServiceID).DeployState)
	assert.Contains(t, h.events(t, engine.EventFilter{OrderID: adm.OrderID}), engine.EventTypeDispatchFailed)
}

func TestUnconfirmedDispatchWaitsForCallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	source := h.deployed(t)
	h.gateway.unconfirmed = true

	adm, err := h.submit(t, source, engine.OrderTypeModify, "")
	require.NoError(t, err)
	order := h.order(t, adm.OrderID)
	assert.Equal(t, engine.OrderStatusInProgress, order.Status)
	assert.Equal(t, "tok-"+adm.OrderID, order.CorrelationToken)

	events := h.events(t, engine.EventFilter{OrderID: adm.OrderID})
	assert.Contains(t, events, engine.EventTypeDispatchUnconfirmed)
	assert.NotContains(t, events, engine.EventTypeDispatchFailed)

	// The deployer did run the order and reports through the kept token.
	require.NoError(t, h.orch.Correlator().HandleCallback(ctx, order.CorrelationToken, engine.Outcome{Success: true}))
	assert.Equal(t, engine.OrderStatusSuccessful, h.order(t, adm.OrderID).Status)

	// A workflow phase in the same situation is not retried.
	wf, err := h.orch.StartWorkflow(ctx, engine.WorkflowSpec{
		Kind: workflow.KindPort, ServiceID: source, RequesterID: "alice",
		Target: engine.TargetSpec{Provider: "scs", Deployer: "remote-eu"},
	})
	require.NoError(t, err)
	req := h.workflow(t, wf.RequestID)
	assert.Len(t, req.ChildOrderIDs, 1)
	assert.Equal(t, engine.OrderStatusInProgress, h.order(t, wf.OrderID).Status)
}

func TestRetryOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	serviceID := h.deployed(t)

	adm, err := h.submit(t, serviceID, engine.OrderTypeModify, `{"variables":{"size":"large"}}`)
	require.NoError(t, err)

	_, err = h.orch.RetryOrder(ctx, adm.OrderID, "")
	assert.Equal(t, engine.ErrCodeInvalidState, codeOf(err), "in-flight order must not be retried")

	h.complete(t, adm.OrderID, false, nil)

	retry, err := h.orch.RetryOrder(ctx, adm.OrderID, "bob")
	require.NoError(t, err)

	order := h.order(t, retry.OrderID)
	assert.Equal(t, engine.OrderTypeRetry, order.Type)
	assert.Equal(t, engine.OperationModify, order.Operation)
	assert.Equal(t, adm.OrderID, order.ParentOrderID)
	assert.Equal(t, "bob", order.RequesterID)
	assert.JSONEq(t, string(h.order(t, adm.OrderID).Payload), string(order.Payload))

	h.complete(t, retry.OrderID, true, nil)
	p, err := engine.DecodePayload(h.service(t, serviceID).Spec)
	require.NoError(t, err)
	assert.Equal(t, "large", p.Variables["size"])

	_, err = h.orch.RetryOrder(ctx, retry.OrderID, "")
	assert.Equal(t, engine.ErrCodeInvalidState, codeOf(err), "successful order must not be retried")
}

func TestRetryOfPurgePurgesService(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	serviceID := h.deployed(t)

	adm, err := h.submit(t, serviceID, engine.OrderTypePurge, "")
	require.NoError(t, err)
	h.complete(t, adm.OrderID, false, nil)

	retry, err := h.orch.RetryOrder(ctx, adm.OrderID, "")
	require.NoError(t, err)
	h.complete(t, retry.OrderID, true, nil)
	assert.Equal(t, engine.DeployStatePurged, h.service(t, serviceID).DeployState)
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	serviceID := h.deployed(t)

	adm, err := h.submit(t, serviceID, engine.OrderTypeModify, "")
	require.NoError(t, err)

	order, err := h.orch.CancelOrder(ctx, adm.OrderID)
	require.NoError(t, err)
	assert.True(t, order.CancelRequested)
	assert.Equal(t, engine.OrderStatusInProgress, order.Status)
	assert.Equal(t, []string{"tok-" + adm.OrderID}, h.gateway.cancelled)

	h.complete(t, adm.OrderID, false, nil)
	_, err = h.orch.CancelOrder(ctx, adm.OrderID)
	assert.Equal(t, engine.ErrCodeInvalidState, codeOf(err))
}

func TestListOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	serviceID := h.deployed(t)
	_, err := h.submit(t, serviceID, engine.OrderTypeModify, "")
	require.NoError(t, err)

	orders, err := h.orch.ListOrders(ctx, engine.OrderFilter{ServiceID: serviceID})
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	orders, err = h.orch.ListOrders(ctx, engine.OrderFilter{ServiceID: serviceID, Status: engine.OrderStatusInProgress})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, engine.OrderTypeModify, orders[0].Type)

	_, err = h.orch.ListOrders(ctx, engine.OrderFilter{})
	assert.True(t, engine.IsAdmission(err))
}

func TestResumeDispatchesInterruptedOrders(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	serviceID := h.deployed(t)
	svc := h.service(t, serviceID)

	order := &engine.Order{
		ID:          "interrupted",
		ServiceID:   serviceID,
		Type:        engine.OrderTypeServiceAction,
		Status:      engine.OrderStatusCreated,
		RequesterID: "alice",
		Provider:    svc.Provider,
		Deployer:    svc.Deployer,
		Operation:   engine.OperationAction,
	}
	require.NoError(t, h.store.CreateOrder(ctx, order))
	before := h.gateway.submissions()

	require.NoError(t, h.orch.Resume(ctx))
	assert.Equal(t, before+1, h.gateway.submissions())
	resumed := h.order(t, "interrupted")
	assert.Equal(t, engine.OrderStatusInProgress, resumed.Status)

	// Resuming again submits nothing new.
	require.NoError(t, h.orch.Resume(ctx))
	assert.Equal(t, before+1, h.gateway.submissions())
}
