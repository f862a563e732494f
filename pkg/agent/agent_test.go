package agent_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratus-cp/stratus/pkg/agent"
	"github.com/stratus-cp/stratus/pkg/deployer"
	"github.com/stratus-cp/stratus/pkg/engine"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeExecutor reports once its run is released.
type fakeExecutor struct {
	startErr error

	mu      sync.Mutex
	runs    []*deployer.Run
	pending map[string]chan engine.Outcome
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{pending: map[string]chan engine.Outcome{}}
}

func (f *fakeExecutor) Name() string { return "fake" }

func (f *fakeExecutor) Start(_ context.Context, run *deployer.Run, report deployer.Reporter) error {
	if f.startErr != nil {
		return f.startErr
	}
	ch := make(chan engine.Outcome, 1)
	f.mu.Lock()
	f.runs = append(f.runs, run)
	f.pending[run.Token] = ch
	f.mu.Unlock()
	go func() { report(<-ch) }()
	return nil
}

func (f *fakeExecutor) Cancel(_ context.Context, token string) error {
	f.mu.Lock()
	ch, ok := f.pending[token]
	delete(f.pending, token)
	f.mu.Unlock()
	if !ok {
		return engine.ErrNotFound
	}
	ch <- engine.Outcome{Success: false, Error: "cancelled"}
	return nil
}

func (f *fakeExecutor) finish(token string, outcome engine.Outcome) {
	f.mu.Lock()
	ch := f.pending[token]
	delete(f.pending, token)
	f.mu.Unlock()
	ch <- outcome
}

func (f *fakeExecutor) started() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

type delivery struct {
	url     string
	outcome engine.Outcome
}

type fakeOutbox chan delivery

func (o fakeOutbox) Post(_ context.Context, url string, outcome engine.Outcome) error {
	o <- delivery{url, outcome}
	return nil
}

func (o fakeOutbox) next(t *testing.T) delivery {
	t.Helper()
	select {
	case d := <-o:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome delivered")
		return delivery{}
	}
}

func taskBody(t *testing.T, orderID, token string) []byte {
	t.Helper()
	body, err := json.Marshal(deployer.TaskRequest{
		Token:       token,
		OrderID:     orderID,
		ServiceID:   "svc-1",
		Operation:   engine.OperationDeploy,
		Provider:    "openstack",
		Payload:     &engine.OrderPayload{Template: &engine.TemplateRef{Files: map[string]string{"main.tf": "# empty"}}},
		CallbackURL: deployer.CallbackURL("https://stratus.example.com", token),
	})
	require.NoError(t, err)
	return body
}

func submit(h http.Handler, body []byte, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, deployer.TasksPath, bytes.NewReader(body))
	if key != "" {
		req.Header.Set(deployer.IdempotencyKeyHeader, key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSubmitRunsAndReports(t *testing.T) {
	exec := newFakeExecutor()
	outbox := make(fakeOutbox, 1)
	a := agent.New(exec, outbox, agent.Options{})

	w := submit(a.Handler(), taskBody(t, "ord-1", "tok-1"), "ord-1")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var accepted deployer.TaskAccepted
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	assert.Equal(t, "tok-1", accepted.Token)
	assert.False(t, accepted.Duplicate)

	status, ok := a.Task("tok-1")
	require.True(t, ok)
	assert.Equal(t, agent.TaskRunning, status.State)

	exec.finish("tok-1", engine.Outcome{Success: true, DeployerVersion: "tofu/1.8.0"})
	d := outbox.next(t)
	assert.Equal(t, "https://stratus.example.com/v1/callbacks/tok-1", d.url)
	assert.True(t, d.outcome.Success)

	a.Wait()
	status, _ = a.Task("tok-1")
	assert.Equal(t, agent.TaskReported, status.State)
	require.NotNil(t, status.Success)
	assert.True(t, *status.Success)

	req := httptest.NewRequest(http.MethodGet, deployer.TasksPath+"/tok-1", nil)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"reported"`)
}

func TestSubmitIsIdempotentPerOrder(t *testing.T) {
	exec := newFakeExecutor()
	a := agent.New(exec, make(fakeOutbox, 1), agent.Options{})

	require.Equal(t, http.StatusAccepted, submit(a.Handler(), taskBody(t, "ord-1", "tok-1"), "").Code)

	w := submit(a.Handler(), taskBody(t, "ord-1", "tok-2"), "")
	require.Equal(t, http.StatusOK, w.Code)
	var accepted deployer.TaskAccepted
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	assert.Equal(t, "tok-1", accepted.Token)
	assert.True(t, accepted.Duplicate)
	assert.Equal(t, 1, exec.started())
}

func TestFinishedTasksExpire(t *testing.T) {
	exec := newFakeExecutor()
	outbox := make(fakeOutbox, 1)
	a := agent.New(exec, outbox, agent.Options{Retention: time.Nanosecond})

	require.Equal(t, http.StatusAccepted, submit(a.Handler(), taskBody(t, "ord-1", "tok-1"), "").Code)
	exec.finish("tok-1", engine.Outcome{Success: true})
	outbox.next(t)
	a.Wait()
	time.Sleep(time.Millisecond)

	assert.Equal(t, http.StatusAccepted, submit(a.Handler(), taskBody(t, "ord-1", "tok-1"), "").Code)
	assert.Equal(t, 2, exec.started())
	_, ok := a.Task("tok-1")
	assert.True(t, ok)
}

func TestSubmitRejections(t *testing.T) {
	valid := taskBody(t, "ord-1", "tok-1")
	tests := []struct {
		name     string
		startErr error
		body     []byte
		key      string
		want     int
		code     string
	}{
		{"malformed", nil, []byte(`{"token":`), "", http.StatusBadRequest, "MALFORMED_TASK"},
		{"missing callback url", nil, []byte(`{"token":"t","orderId":"o","operation":"deploy","provider":"openstack"}`), "", http.StatusBadRequest, "INVALID_TASK"},
		{"key mismatch", nil, valid, "ord-2", http.StatusBadRequest, "INVALID_TASK"},
		{"executor refuses", errors.New("payload has no template"), valid, "", http.StatusUnprocessableEntity, "TASK_REJECTED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newFakeExecutor()
			exec.startErr = tt.startErr
			a := agent.New(exec, make(fakeOutbox, 1), agent.Options{})

			w := submit(a.Handler(), tt.body, tt.key)
			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, w.Body.String(), tt.code)
			_, ok := a.Task("tok-1")
			assert.False(t, ok)
		})
	}
}

func TestCancel(t *testing.T) {
	exec := newFakeExecutor()
	outbox := make(fakeOutbox, 1)
	a := agent.New(exec, outbox, agent.Options{})

	cancel := func(token string) int {
		w := httptest.NewRecorder()
		a.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodPost, deployer.TasksPath+"/"+token+"/cancel", nil))
		return w.Code
	}

	assert.Equal(t, http.StatusNotFound, cancel("tok-1"))

	require.Equal(t, http.StatusAccepted, submit(a.Handler(), taskBody(t, "ord-1", "tok-1"), "").Code)
	assert.Equal(t, http.StatusAccepted, cancel("tok-1"))
	d := outbox.next(t)
	assert.False(t, d.outcome.Success)
	assert.Equal(t, "cancelled", d.outcome.Error)
}

// TestRemoteExecutorAgainstAgent drives a real local executor through the
// agent and delivers its signed outcome to a callback endpoint.
func TestRemoteExecutorAgainstAgent(t *testing.T) {
	secret := []byte("s3cret")
	received := make(chan deployer.CallbackBody, 1)
	cb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !deployer.Verify(secret, body, r.Header.Get(deployer.SignatureHeader)) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		decoded, err := deployer.DecodeCallback(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- decoded
		w.WriteHeader(http.StatusAccepted)
	}))
	defer cb.Close()

	runner := func(_ context.Context, dir string, _ []string, stdout io.Writer, _ string, args ...string) error {
		switch args[0] {
		case "apply":
			_, _ = io.WriteString(stdout, `{"@level":"info","@message":"Terraform 1.9.5","type":"version","terraform":"1.9.5"}`+"\n")
			return os.WriteFile(filepath.Join(dir, deployer.StateFile), []byte(`{"version":4}`), 0o600)
		case "output":
			_, err := io.WriteString(stdout, `{}`)
			return err
		}
		return nil
	}
	local, err := deployer.NewLocalExecutor(deployer.LocalConfig{WorkDir: t.TempDir(), Runner: runner}, nil)
	require.NoError(t, err)
	sink := deployer.NewHTTPCallbackSink(nil, secret, nil).WithRetry(1, 0)
	a := agent.New(local, sink, agent.Options{})
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	remote, err := deployer.NewRemoteExecutor(deployer.RemoteConfig{
		Name: "eu", Endpoint: srv.URL, CallbackBaseURL: cb.URL,
	}, nil, nil)
	require.NoError(t, err)

	run := &deployer.Run{
		Token: "tok-1",
		Order: &engine.Order{ID: "ord-1", ServiceID: "svc-1", Provider: "openstack", Operation: engine.OperationDeploy},
		Payload: &engine.OrderPayload{
			Template: &engine.TemplateRef{Files: map[string]string{"main.tf": "# empty"}},
		},
	}
	require.NoError(t, remote.Start(context.Background(), run, nil))
	require.NoError(t, remote.Start(context.Background(), run, nil), "a repeated start is de-duplicated")

	select {
	case body := <-received:
		assert.True(t, body.Success, body.Error)
		assert.Equal(t, `{"version":4}`, body.Artifacts[engine.ArtifactState])
	case <-time.After(5 * time.Second):
		t.Fatal("callback never arrived")
	}
	a.Wait()
}
