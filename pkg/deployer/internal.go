package deployer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// StateHandler applies lock and service state orders in process.
type StateHandler interface {
	RunOrderTask(ctx context.Context, order *engine.Order) error
	ApplyLockChange(ctx context.Context, order *engine.Order) error
}

// InternalExecutor runs LockChange and service state orders without an
// external deployer. Outcomes go through the same sink as every other run.
type InternalExecutor struct {
	handler StateHandler
	version string
	logger  *telemetry.Logger
	wg      sync.WaitGroup
}

// NewInternalExecutor creates the internal executor.
func NewInternalExecutor(handler StateHandler, version string, tel *telemetry.Telemetry) *InternalExecutor {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &InternalExecutor{
		handler: handler,
		version: "stratus/" + version,
		logger:  tel.Logger.NewComponentLogger("internal-executor"),
	}
}

// Name returns InternalExecutorName.
func (e *InternalExecutor) Name() string { return InternalExecutorName }

// Start runs the order in the background.
func (e *InternalExecutor) Start(_ context.Context, run *Run, report Reporter) error {
	var handle func(context.Context, *engine.Order) error
	switch run.Order.Operation {
	case engine.OperationLock:
		handle = e.handler.ApplyLockChange
	case engine.OperationState:
		handle = e.handler.RunOrderTask
	default:
		return fmt.Errorf("operation %q is not internal", run.Order.Operation)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		outcome := engine.Outcome{Success: true, DeployerVersion: e.version}
		if err := handle(context.Background(), run.Order); err != nil {
			outcome.Success = false
			outcome.Error = err.Error()
		}
		e.logger.WithOrder(run.Order.ID).WithField("success", outcome.Success).Debug("internal run finished")
		report(outcome)
	}()
	return nil
}

// Cancel is not supported: internal runs are short and synchronous.
func (e *InternalExecutor) Cancel(context.Context, string) error {
	return errors.New("internal runs cannot be cancelled")
}

// Wait blocks until all started runs reported.
func (e *InternalExecutor) Wait() {
	e.wg.Wait()
}

var _ Executor = (*InternalExecutor)(nil)
