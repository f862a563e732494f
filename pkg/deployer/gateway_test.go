package deployer_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-cp/stratus/pkg/deployer"
	"github.com/stratus-cp/stratus/pkg/engine"
)

type fakeExecutor struct {
	name     string
	startErr error

	mu        sync.Mutex
	runs      []*deployer.Run
	reporters map[string]deployer.Reporter
	cancelled []string
}

func newFakeExecutor(name string) *fakeExecutor {
	return &fakeExecutor{name: name, reporters: make(map[string]deployer.Reporter)}
}

func (f *fakeExecutor) Name() string { return f.name }

func (f *fakeExecutor) Start(_ context.Context, run *deployer.Run, report deployer.Reporter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.runs = append(f.runs, run)
	f.reporters[run.Token] = report
	return nil
}

func (f *fakeExecutor) Cancel(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, token)
	return nil
}

func (f *fakeExecutor) report(token string, outcome engine.Outcome) {
	f.mu.Lock()
	report := f.reporters[token]
	f.mu.Unlock()
	report(outcome)
}

func (f *fakeExecutor) started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type recordingSink struct {
	mu       sync.Mutex
	outcomes map[string][]engine.Outcome
}

func (s *recordingSink) HandleCallback(_ context.Context, token string, outcome engine.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomes == nil {
		s.outcomes = make(map[string][]engine.Outcome)
	}
	s.outcomes[token] = append(s.outcomes[token], outcome)
	return nil
}

func (s *recordingSink) received(token string) []engine.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcomes[token]
}

func deployOrder(id string) *engine.Order {
	return &engine.Order{
		ID:        id,
		ServiceID: "svc-1",
		Type:      engine.OrderTypeDeploy,
		Provider:  "openstack",
		Deployer:  "local",
		Operation: engine.OperationDeploy,
		Payload:   []byte(`{"template":{"source":"git::https://example.com/app.git"}}`),
	}
}

func newTestGateway(t *testing.T, executors ...deployer.Executor) (*deployer.Gateway, *recordingSink) {
	t.Helper()
	gw, err := deployer.NewGateway(deployer.NewMemoryCorrelations(), nil, executors...)
	require.NoError(t, err)
	sink := &recordingSink{}
	gw.SetSink(sink)
	return gw, sink
}

func TestNewGatewayRejectsDuplicateExecutors(t *testing.T) {
	_, err := deployer.NewGateway(deployer.NewMemoryCorrelations(), nil, newFakeExecutor("local"), newFakeExecutor("local"))
	require.Error(t, err)

	_, err = deployer.NewGateway(nil, nil)
	require.Error(t, err)
}

func TestSubmitIsIdempotentPerOrder(t *testing.T) {
	local := newFakeExecutor("local")
	gw, _ := newTestGateway(t, local)
	ctx := context.Background()

	first, err := gw.Submit(ctx, deployOrder("order-1"), nil)
	require.NoError(t, err)
	second, err := gw.Submit(ctx, deployOrder("order-1"), nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, local.started())

	entry, err := gw.Resolve(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, "order-1", entry.OrderID)
	assert.Equal(t, "local", entry.Executor)
}

func TestConcurrentSubmitStartsOneRun(t *testing.T) {
	local := newFakeExecutor("local")
	gw, _ := newTestGateway(t, local)

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := gw.Submit(context.Background(), deployOrder("order-1"), nil)
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	for _, tok := range tokens {
		assert.Equal(t, tokens[0], tok)
	}
	assert.Equal(t, 1, local.started())
}

func TestSubmitRoutesInternalOperations(t *testing.T) {
	local := newFakeExecutor("local")
	internal := newFakeExecutor(deployer.InternalExecutorName)
	gw, _ := newTestGateway(t, local, internal)

	order := deployOrder("order-lock")
	order.Type = engine.OrderTypeLockChange
	order.Operation = engine.OperationLock
	order.Payload = []byte(`{"lock":{"modify":true}}`)

	_, err := gw.Submit(context.Background(), order, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, local.started())
	require.Equal(t, 1, internal.started())
	assert.True(t, *internal.runs[0].Payload.Lock.Modify)
}

func TestSubmitUnknownExecutor(t *testing.T) {
	gw, _ := newTestGateway(t, newFakeExecutor("local"))
	order := deployOrder("order-1")
	order.Deployer = "remote-eu"

	_, err := gw.Submit(context.Background(), order, nil)
	assert.ErrorIs(t, err, deployer.ErrUnknownExecutor)
}

func TestSubmitReleasesTokenWhenStartFails(t *testing.T) {
	local := newFakeExecutor("local")
	local.startErr = errors.New("no capacity")
	gw, _ := newTestGateway(t, local)
	ctx := context.Background()

	_, err := gw.Submit(ctx, deployOrder("order-1"), nil)
	require.Error(t, err)

	local.startErr = nil
	tok, err := gw.Submit(ctx, deployOrder("order-1"), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, tok)
	assert.Equal(t, 1, local.started())
}

func TestReporterDeliversOnce(t *testing.T) {
	local := newFakeExecutor("local")
	gw, sink := newTestGateway(t, local)

	tok, err := gw.Submit(context.Background(), deployOrder("order-1"), nil)
	require.NoError(t, err)

	local.report(tok, engine.Outcome{Success: true})
	local.report(tok, engine.Outcome{Success: false, Error: "late"})

	got := sink.received(tok)
	require.Len(t, got, 1)
	assert.True(t, got[0].Success)
}

func TestGatewayCancelRoutesByToken(t *testing.T) {
	local := newFakeExecutor("local")
	gw, _ := newTestGateway(t, local)
	ctx := context.Background()

	tok, err := gw.Submit(ctx, deployOrder("order-1"), nil)
	require.NoError(t, err)
	require.NoError(t, gw.Cancel(ctx, tok))
	assert.Equal(t, []string{tok}, local.cancelled)

	err = gw.Cancel(ctx, "missing")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestInternalExecutorReportsHandlerResult(t *testing.T) {
	handler := &fakeStateHandler{lockErr: errors.New("no change requested")}
	internal := deployer.NewInternalExecutor(handler, "1.2.3", nil)
	gw, sink := newTestGateway(t, internal)
	ctx := context.Background()

	lock := deployOrder("order-lock")
	lock.Operation = engine.OperationLock
	lockTok, err := gw.Submit(ctx, lock, nil)
	require.NoError(t, err)

	state := deployOrder("order-state")
	state.Type = engine.OrderTypeServiceStop
	state.Operation = engine.OperationState
	stateTok, err := gw.Submit(ctx, state, nil)
	require.NoError(t, err)

	internal.Wait()

	require.Len(t, sink.received(lockTok), 1)
	assert.False(t, sink.received(lockTok)[0].Success)
	assert.Equal(t, "no change requested", sink.received(lockTok)[0].Error)

	require.Len(t, sink.received(stateTok), 1)
	assert.True(t, sink.received(stateTok)[0].Success)
	assert.Equal(t, "stratus/1.2.3", sink.received(stateTok)[0].DeployerVersion)
	assert.Equal(t, []string{"order-state"}, handler.ran)

	assert.Error(t, internal.Cancel(ctx, lockTok))
}

func TestInternalExecutorRejectsDeployerOperations(t *testing.T) {
	internal := deployer.NewInternalExecutor(&fakeStateHandler{}, "dev", nil)
	err := internal.Start(context.Background(), &deployer.Run{Token: "t", Order: deployOrder("o")}, func(engine.Outcome) {})
	assert.Error(t, err)
}

type fakeStateHandler struct {
	lockErr error

	mu  sync.Mutex
	ran []string
}

func (h *fakeStateHandler) RunOrderTask(_ context.Context, order *engine.Order) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ran = append(h.ran, order.ID)
	return nil
}

func (h *fakeStateHandler) ApplyLockChange(context.Context, *engine.Order) error {
	return h.lockErr
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func TestSubmitKeepsTokenWhenStartIsUnconfirmed(t *testing.T) {
	local := newFakeExecutor("local")
	local.startErr = fmt.Errorf("%w: connection reset", engine.ErrDispatchUnconfirmed)
	gw, _ := newTestGateway(t, local)
	ctx := context.Background()

	token, err := gw.Submit(ctx, deployOrder("order-1"), nil)
	require.ErrorIs(t, err, engine.ErrDispatchUnconfirmed)
	require.NotEmpty(t, token)

	entry, err := gw.Resolve(ctx, token)
	require.NoError(t, err, "the token stays reserved for a late callback")
	assert.Equal(t, "order-1", entry.OrderID)

	// A later submission of the same order never starts a second run.
	local.startErr = nil
	again, err := gw.Submit(ctx, deployOrder("order-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, token, again)
	assert.Equal(t, 0, local.started())
}

func TestSubmitAdoptsTokenHeldByExecutor(t *testing.T) {
	local := newFakeExecutor("local")
	local.startErr = &deployer.TokenHeldError{OrderID: "order-1", Token: "tok-earlier"}
	gw, _ := newTestGateway(t, local)
	ctx := context.Background()

	token, err := gw.Submit(ctx, deployOrder("order-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, "tok-earlier", token)

	entry, err := gw.Resolve(ctx, "tok-earlier")
	require.NoError(t, err)
	assert.Equal(t, "order-1", entry.OrderID)
	assert.Equal(t, "local", entry.Executor)

	again, err := gw.Submit(ctx, deployOrder("order-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, "tok-earlier", again)
}
