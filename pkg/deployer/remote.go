package deployer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// RemoteConfig configures a RemoteExecutor.
type RemoteConfig struct {
	// Name is the executor name orders refer to.
	Name string `yaml:"name" validate:"required"`

	// Endpoint is the base URL of the remote deployer.
	Endpoint string `yaml:"endpoint" validate:"required,url"`

	// CallbackBaseURL is the externally reachable base URL of the callback server.
	CallbackBaseURL string `yaml:"callback_base_url" validate:"required,url"`

	// Timeout bounds each HTTP request. Defaults to 30 seconds.
	Timeout time.Duration `yaml:"timeout"`
}

// RemoteExecutor hands orders to a deployer service over HTTP. The deployer
// reports by posting to the callback URL in the task.
type RemoteExecutor struct {
	cfg    RemoteConfig
	client *http.Client
	logger *telemetry.Logger
}

// NewRemoteExecutor creates a remote executor. A nil client uses a default one.
func NewRemoteExecutor(cfg RemoteConfig, client *http.Client, tel *telemetry.Telemetry) (*RemoteExecutor, error) {
	if cfg.Name == "" || cfg.Endpoint == "" || cfg.CallbackBaseURL == "" {
		return nil, errors.New("name, endpoint and callback base url are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &RemoteExecutor{
		cfg:    cfg,
		client: client,
		logger: tel.Logger.NewComponentLogger("remote-executor").WithField("executor", cfg.Name),
	}, nil
}

// Name returns the executor name.
func (e *RemoteExecutor) Name() string { return e.cfg.Name }

// TokenHeldError is returned by Start when the deployer already runs the order
// under an earlier token. The gateway adopts that token.
type TokenHeldError struct {
	OrderID string
	Token   string
}

func (e *TokenHeldError) Error() string {
	return fmt.Sprintf("deployer holds order %s under token %s", e.OrderID, e.Token)
}

// Start posts the task. The remote side de-duplicates by order id, so a
// repeated Start for the same order is harmless. Only a 4xx answer is a
// refusal; when the request fails otherwise Start asks the deployer for the
// task and returns an error wrapping engine.ErrDispatchUnconfirmed if that
// does not settle it either.
func (e *RemoteExecutor) Start(ctx context.Context, run *Run, _ Reporter) error {
	if run.Order.Operation.IsInternal() {
		return fmt.Errorf("operation %q is not supported by %s", run.Order.Operation, e.cfg.Name)
	}
	body, err := json.Marshal(TaskRequest{
		Token:       run.Token,
		OrderID:     run.Order.ID,
		ServiceID:   run.Order.ServiceID,
		Operation:   run.Order.Operation,
		Provider:    run.Order.Provider,
		Region:      run.Order.Region,
		Payload:     run.Payload,
		CallbackURL: CallbackURL(e.cfg.CallbackBaseURL, run.Token),
	})
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url(TasksPath), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyKeyHeader, run.Order.ID)

	log := e.logger.WithOrder(run.Order.ID).WithToken(run.Token)
	resp, err := e.client.Do(req)
	if err != nil {
		log.WithError(err).Warn("task submission failed, checking with deployer")
		return e.confirm(ctx, run.Token, fmt.Errorf("failed to reach deployer: %w", err))
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return err
		}
		log.WithError(err).Warn("task submission failed, checking with deployer")
		return e.confirm(ctx, run.Token, err)
	}

	var accepted TaskAccepted
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err == nil && accepted.Token != "" && accepted.Token != run.Token {
		return &TokenHeldError{OrderID: run.Order.ID, Token: accepted.Token}
	}
	log.Debug("task accepted")
	return nil
}

// confirm asks the deployer whether it holds the task after a failed
// submission. A 404 makes cause a refusal.
func (e *RemoteExecutor) confirm(ctx context.Context, token string, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url(TasksPath+"/"+token), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w (status check: %v)", engine.ErrDispatchUnconfirmed, cause, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		e.logger.WithToken(token).Info("deployer confirmed task after failed submission")
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return cause
	}
	return fmt.Errorf("%w: %w (status check: %s)", engine.ErrDispatchUnconfirmed, cause, resp.Status)
}

// Cancel asks the deployer to stop a run.
func (e *RemoteExecutor) Cancel(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url(TasksPath+"/"+token+"/cancel"), nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach deployer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("run %s: %w", token, engine.ErrNotFound)
	}
	return checkStatus(resp)
}

func (e *RemoteExecutor) url(path string) string {
	return strings.TrimSuffix(e.cfg.Endpoint, "/") + path
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("deployer returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
}

var _ Executor = (*RemoteExecutor)(nil)
