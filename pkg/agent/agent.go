// Package agent implements the remote deployer service.
//
// The control plane's RemoteExecutor posts a deployer.TaskRequest to
// /v1/tasks. The agent runs it with a local executor and posts the outcome
// to the task's callback URL. Submissions are de-duplicated by order id, so
// a control plane that retries a submission never starts a second run.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/stratus-cp/stratus/pkg/callbacks"
	"github.com/stratus-cp/stratus/pkg/deployer"
	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/telemetry"
)

const maxTaskBytes = 32 << 20

// DefaultRetention is how long finished tasks are remembered for de-duplication.
const DefaultRetention = 24 * time.Hour

// TaskState is the status of a task on this agent.
type TaskState string

const (
	TaskRunning  TaskState = "running"
	TaskReported TaskState = "reported"
)

// TaskStatus describes one task.
type TaskStatus struct {
	Token      string           `json:"token"`
	OrderID    string           `json:"orderId"`
	Operation  engine.Operation `json:"operation"`
	State      TaskState        `json:"state"`
	Success    *bool            `json:"success,omitempty"`
	StartedAt  time.Time        `json:"startedAt"`
	ReportedAt *time.Time       `json:"reportedAt,omitempty"`
}

// Outbox delivers outcomes to callback URLs.
type Outbox interface {
	Post(ctx context.Context, url string, outcome engine.Outcome) error
}

// Options configures an Agent.
type Options struct {
	Addr      string
	Retention time.Duration
	Telemetry *telemetry.Telemetry
}

// Agent is the remote deployer HTTP service.
type Agent struct {
	opts     Options
	executor deployer.Executor
	outbox   Outbox
	validate *validator.Validate
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	router   *gin.Engine

	mu      sync.Mutex
	byOrder map[string]string
	tasks   map[string]*TaskStatus
	wg      sync.WaitGroup
}

// New creates an agent that runs tasks on executor and reports through outbox.
func New(executor deployer.Executor, outbox Outbox, opts Options) *Agent {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.NewNop()
	}
	a := &Agent{
		opts:     opts,
		executor: executor,
		outbox:   outbox,
		validate: validator.New(),
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("agent").WithField("executor", executor.Name()),
		byOrder:  make(map[string]string),
		tasks:    make(map[string]*TaskStatus),
	}

	r := gin.New()
	r.Use(gin.Recovery(), callbacks.RequestID(), callbacks.AccessLog(a.logger))
	r.POST(deployer.TasksPath, a.handleSubmit)
	r.GET(deployer.TasksPath+"/:token", a.handleGet)
	r.POST(deployer.TasksPath+"/:token/cancel", a.handleCancel)
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(tel.Metrics.Handler()))
	a.router = r
	return a
}

// Handler returns the HTTP handler.
func (a *Agent) Handler() http.Handler {
	return a.router
}

// Run serves until ctx is done, then shuts the listener down. Running tasks
// are left to the caller, see Wait.
func (a *Agent) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.opts.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.WithField("addr", a.opts.Addr).Info("deployer listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Wait blocks until every started task has delivered its outcome.
func (a *Agent) Wait() {
	a.wg.Wait()
}

// Task returns the status of a task.
func (a *Agent) Task(token string) (TaskStatus, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[token]
	if !ok {
		return TaskStatus{}, false
	}
	return *t, true
}

func (a *Agent) handleSubmit(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxTaskBytes+1))
	if err != nil || len(body) > maxTaskBytes {
		callbacks.WriteError(c, http.StatusBadRequest, "UNREADABLE_BODY", "failed to read task")
		return
	}
	var task deployer.TaskRequest
	if err := json.Unmarshal(body, &task); err != nil {
		callbacks.WriteError(c, http.StatusBadRequest, "MALFORMED_TASK", err.Error())
		return
	}
	if err := a.validate.Struct(task); err != nil {
		callbacks.WriteError(c, http.StatusBadRequest, "INVALID_TASK", err.Error())
		return
	}
	if key := c.GetHeader(deployer.IdempotencyKeyHeader); key != "" && key != task.OrderID {
		callbacks.WriteError(c, http.StatusBadRequest, "INVALID_TASK", "idempotency key does not match the order id")
		return
	}
	if task.Payload == nil {
		task.Payload = &engine.OrderPayload{}
	}

	token, duplicate, err := a.start(task)
	if err != nil {
		a.logger.WithOrder(task.OrderID).WithError(err).Warn("task rejected")
		callbacks.WriteError(c, http.StatusUnprocessableEntity, "TASK_REJECTED", err.Error())
		return
	}
	a.tel.Metrics.RecordSubmission(a.executor.Name(), duplicate)

	status := http.StatusAccepted
	if duplicate {
		status = http.StatusOK
	}
	c.JSON(status, deployer.TaskAccepted{Token: token, Duplicate: duplicate})
}

// start runs the task unless its order is already known, in which case the
// token it runs under is returned.
func (a *Agent) start(task deployer.TaskRequest) (string, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(time.Now())

	if token, ok := a.byOrder[task.OrderID]; ok {
		return token, true, nil
	}

	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return "", false, fmt.Errorf("failed to encode payload: %w", err)
	}
	run := &deployer.Run{
		Token: task.Token,
		Order: &engine.Order{
			ID:               task.OrderID,
			ServiceID:        task.ServiceID,
			Provider:         task.Provider,
			Region:           task.Region,
			Operation:        task.Operation,
			Payload:          payload,
			CorrelationToken: task.Token,
		},
		Payload: task.Payload,
	}
	status := &TaskStatus{
		Token:     task.Token,
		OrderID:   task.OrderID,
		Operation: task.Operation,
		State:     TaskRunning,
		StartedAt: time.Now().UTC(),
	}

	a.wg.Add(1)
	if err := a.executor.Start(context.Background(), run, a.reporter(task)); err != nil {
		a.wg.Done()
		return "", false, err
	}
	a.byOrder[task.OrderID] = task.Token
	a.tasks[task.Token] = status
	a.logger.WithOrder(task.OrderID).WithToken(task.Token).WithField("operation", task.Operation).Info("task started")
	return task.Token, false, nil
}

func (a *Agent) reporter(task deployer.TaskRequest) deployer.Reporter {
	return func(outcome engine.Outcome) {
		defer a.wg.Done()
		logger := a.logger.WithOrder(task.OrderID).WithToken(task.Token)
		if err := a.outbox.Post(context.Background(), task.CallbackURL, outcome); err != nil {
			logger.WithError(err).Error("outcome lost")
		} else {
			logger.WithField("success", outcome.Success).Info("outcome reported")
		}

		now := time.Now().UTC()
		a.mu.Lock()
		if t, ok := a.tasks[task.Token]; ok {
			success := outcome.Success
			t.State = TaskReported
			t.Success = &success
			t.ReportedAt = &now
		}
		a.mu.Unlock()
	}
}

func (a *Agent) pruneLocked(now time.Time) {
	for token, t := range a.tasks {
		if t.ReportedAt != nil && now.Sub(*t.ReportedAt) > a.opts.Retention {
			delete(a.tasks, token)
			delete(a.byOrder, t.OrderID)
		}
	}
}

func (a *Agent) handleGet(c *gin.Context) {
	t, ok := a.Task(c.Param("token"))
	if !ok {
		callbacks.WriteError(c, http.StatusNotFound, "TASK_NOT_FOUND", "unknown task")
		return
	}
	c.JSON(http.StatusOK, t)
}

func (a *Agent) handleCancel(c *gin.Context) {
	token := c.Param("token")
	err := a.executor.Cancel(c.Request.Context(), token)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		callbacks.WriteError(c, http.StatusNotFound, "TASK_NOT_FOUND", "no running task with this token")
	case err != nil:
		callbacks.WriteError(c, http.StatusInternalServerError, "CANCEL_FAILED", err.Error())
	default:
		c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
	}
}
