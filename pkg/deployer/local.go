package deployer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// Files the local executor writes into a run directory.
const (
	StateFile     = "terraform.tfstate"
	VariablesFile = "stratus.auto.tfvars.json"
)

// CommandRunner runs one command in dir, writing its stdout to stdout.
type CommandRunner func(ctx context.Context, dir string, env []string, stdout io.Writer, name string, args ...string) error

// LocalConfig configures a LocalExecutor.
type LocalConfig struct {
	// Name is the executor name orders refer to. Defaults to "local".
	Name string `yaml:"name"`

	// Binary is the IaC tool, "terraform" or "tofu". Defaults to "terraform".
	Binary string `yaml:"binary"`

	// WorkDir holds one directory per run.
	WorkDir string `yaml:"work_dir" validate:"required"`

	// MaxParallel bounds concurrent runs. Defaults to 4.
	MaxParallel int64 `yaml:"max_parallel" validate:"gte=0"`

	// Timeout bounds a single run. Defaults to one hour.
	Timeout time.Duration `yaml:"timeout"`

	// Env is appended to the process environment of every command.
	Env []string `yaml:"env"`

	// KeepWorkDirs leaves run directories in place for debugging.
	KeepWorkDirs bool `yaml:"keep_work_dirs"`

	// Runner replaces os/exec, for tests.
	Runner CommandRunner `yaml:"-"`
}

// LocalExecutor runs orders with terraform or tofu on this host.
type LocalExecutor struct {
	cfg    LocalConfig
	sem    *semaphore.Weighted
	logger *telemetry.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewLocalExecutor creates a local executor.
func NewLocalExecutor(cfg LocalConfig, tel *telemetry.Telemetry) (*LocalExecutor, error) {
	if cfg.WorkDir == "" {
		return nil, errors.New("work directory is required")
	}
	if cfg.Name == "" {
		cfg.Name = engine.DefaultDeployer
	}
	if cfg.Binary == "" {
		cfg.Binary = "terraform"
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Hour
	}
	if cfg.Runner == nil {
		cfg.Runner = execRunner
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	return &LocalExecutor{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxParallel),
		logger:  tel.Logger.NewComponentLogger("local-executor").WithField("executor", cfg.Name),
		cancels: make(map[string]context.CancelFunc),
	}, nil
}

// Name returns the executor name.
func (e *LocalExecutor) Name() string { return e.cfg.Name }

// Start validates the run and executes it in the background.
func (e *LocalExecutor) Start(_ context.Context, run *Run, report Reporter) error {
	op := run.Order.Operation
	switch op {
	case engine.OperationDeploy, engine.OperationModify, engine.OperationDestroy, engine.OperationAction:
	default:
		return fmt.Errorf("operation %q is not supported by %s", op, e.cfg.Name)
	}
	if t := run.Payload.Template; t == nil || (t.Source == "" && len(t.Files) == 0) {
		return errors.New("payload has no template")
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout)
	e.mu.Lock()
	if _, running := e.cancels[run.Token]; running {
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("run %s is already running", run.Token)
	}
	e.cancels[run.Token] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		outcome := e.execute(ctx, run)
		e.mu.Lock()
		delete(e.cancels, run.Token)
		e.mu.Unlock()
		cancel()
		report(outcome)
	}()
	return nil
}

// Cancel stops a run. The run still reports a failed outcome.
func (e *LocalExecutor) Cancel(_ context.Context, token string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[token]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s: %w", token, engine.ErrNotFound)
	}
	e.logger.WithToken(token).Info("cancelling run")
	cancel()
	return nil
}

// Shutdown cancels all runs and waits for them to report, or for ctx.
func (e *LocalExecutor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()
	return e.Wait(ctx)
}

// Wait blocks until all started runs reported, or until ctx is done. Runs are
// left running when ctx ends first.
func (e *LocalExecutor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *LocalExecutor) execute(ctx context.Context, run *Run) engine.Outcome {
	log := e.logger.WithOrder(run.Order.ID).WithToken(run.Token)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return e.failure(ctx, "", nil, fmt.Errorf("run did not start: %w", err))
	}
	defer e.sem.Release(1)

	dir := filepath.Join(e.cfg.WorkDir, run.Token)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return e.failure(ctx, "", nil, fmt.Errorf("failed to create run directory: %w", err))
	}
	if !e.cfg.KeepWorkDirs {
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				log.WithError(err).Warn("failed to remove run directory")
			}
		}()
	}

	start := time.Now()
	log.WithField("operation", run.Order.Operation).Info("run started")

	var runLog bytes.Buffer
	if err := e.prepare(ctx, dir, run, &runLog); err != nil {
		return e.failure(ctx, "", map[string]string{engine.ArtifactLog: runLog.String()}, err)
	}

	args := []string{"apply", "-auto-approve", "-input=false", "-json"}
	if run.Order.Operation == engine.OperationDestroy {
		args[0] = "destroy"
	}
	runErr := e.cfg.Runner(ctx, dir, e.cfg.Env, &runLog, e.cfg.Binary, args...)

	summary, err := Summarize(bytes.NewReader(runLog.Bytes()))
	if err != nil {
		log.WithError(err).Warn("failed to decode run log")
	}
	artifacts := map[string]string{engine.ArtifactLog: summary.Text}
	if state, err := os.ReadFile(filepath.Join(dir, StateFile)); err == nil {
		artifacts[engine.ArtifactState] = string(state)
	}

	if runErr != nil {
		if len(summary.Errors) > 0 {
			runErr = fmt.Errorf("%s", strings.Join(summary.Errors, "; "))
		}
		log.WithError(runErr).WithField("duration", time.Since(start).String()).Warn("run failed")
		return e.failure(ctx, summary.Version, artifacts, runErr)
	}

	if run.Order.Operation != engine.OperationDestroy {
		if err := e.collectOutputs(ctx, dir, run.Order.Operation, artifacts); err != nil {
			log.WithError(err).Warn("failed to read outputs")
		}
	}
	log.WithField("duration", time.Since(start).String()).Info("run successful")
	return engine.Outcome{Success: true, DeployerVersion: e.version(summary.Version), Artifacts: artifacts}
}

// prepare populates the run directory and initializes it.
func (e *LocalExecutor) prepare(ctx context.Context, dir string, run *Run, runLog io.Writer) error {
	p := run.Payload
	if p.Template.Source != "" {
		// init -from-module needs an empty directory.
		if err := e.cfg.Runner(ctx, dir, e.cfg.Env, runLog, e.cfg.Binary,
			"init", "-input=false", "-no-color", "-from-module="+p.Template.Source); err != nil {
			return fmt.Errorf("failed to fetch template: %w", err)
		}
	}
	for name, content := range p.Template.Files {
		path := filepath.Join(dir, filepath.Clean("/" + name))
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return fmt.Errorf("failed to write template: %w", err)
		}
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			return fmt.Errorf("failed to write template: %w", err)
		}
	}
	if p.State != "" {
		if err := os.WriteFile(filepath.Join(dir, StateFile), []byte(p.State), 0o600); err != nil {
			return fmt.Errorf("failed to write state: %w", err)
		}
	}

	vars := make(map[string]interface{}, len(p.Variables)+3)
	for k, v := range p.Variables {
		vars[k] = v
	}
	if run.Order.Operation == engine.OperationAction {
		vars["stratus_action"] = p.Action
		vars["stratus_action_parameters"] = p.Parameters
		vars["stratus_inputs"] = p.Inputs
	}
	raw, err := json.Marshal(vars)
	if err != nil {
		return fmt.Errorf("failed to encode variables: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, VariablesFile), raw, 0o600); err != nil {
		return fmt.Errorf("failed to write variables: %w", err)
	}

	if p.Template.Source == "" || len(p.Template.Files) > 0 {
		if err := e.cfg.Runner(ctx, dir, e.cfg.Env, runLog, e.cfg.Binary, "init", "-input=false", "-no-color"); err != nil {
			return fmt.Errorf("failed to initialize: %w", err)
		}
	}
	return nil
}

// collectOutputs stores the outputs as JSON and, for actions, each output
// value as its own artifact.
func (e *LocalExecutor) collectOutputs(ctx context.Context, dir string, op engine.Operation, artifacts map[string]string) error {
	var out bytes.Buffer
	if err := e.cfg.Runner(ctx, dir, e.cfg.Env, &out, e.cfg.Binary, "output", "-json"); err != nil {
		return err
	}
	artifacts[engine.ArtifactOutputs] = out.String()
	if op != engine.OperationAction {
		return nil
	}

	var outputs map[string]struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(out.Bytes(), &outputs); err != nil {
		return fmt.Errorf("failed to decode outputs: %w", err)
	}
	for name, o := range outputs {
		var s string
		if err := json.Unmarshal(o.Value, &s); err == nil {
			artifacts[name] = s
		} else {
			artifacts[name] = string(o.Value)
		}
	}
	return nil
}

func (e *LocalExecutor) failure(ctx context.Context, version string, artifacts map[string]string, err error) engine.Outcome {
	msg := err.Error()
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		msg = "run timed out: " + msg
	case errors.Is(ctx.Err(), context.Canceled):
		msg = "run cancelled: " + msg
	}
	return engine.Outcome{Success: false, DeployerVersion: e.version(version), Error: msg, Artifacts: artifacts}
}

func (e *LocalExecutor) version(reported string) string {
	if reported != "" {
		return reported
	}
	return e.cfg.Binary
}

func execRunner(ctx context.Context, dir string, env []string, stdout io.Writer, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Env = append(cmd.Env, "TF_IN_AUTOMATION=1")
	cmd.Stdout = stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s %s: %w: %s", name, args[0], err, msg)
		}
		return fmt.Errorf("%s %s: %w", name, args[0], err)
	}
	return nil
}

var _ Executor = (*LocalExecutor)(nil)
