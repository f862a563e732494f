package deployer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// InternalExecutorName is the executor that handles lock and state orders.
const InternalExecutorName = "internal"

// ErrUnknownExecutor is returned when an order names an executor that is not
// configured.
var ErrUnknownExecutor = errors.New("unknown executor")

// Run is one order handed to an executor.
type Run struct {
	Token   string
	Order   *engine.Order
	Plugin  engine.Plugin
	Payload *engine.OrderPayload
}

// Reporter delivers the outcome of a run. Executors call it exactly once per
// started run, from their own goroutine.
type Reporter func(outcome engine.Outcome)

// Executor runs orders. Start must return once the run is accepted; the
// outcome is reported later through report, or through an HTTP callback for
// executors that live in another process.
type Executor interface {
	Name() string
	Start(ctx context.Context, run *Run, report Reporter) error
	Cancel(ctx context.Context, token string) error
}

// ResultSink receives run outcomes keyed by correlation token.
type ResultSink interface {
	HandleCallback(ctx context.Context, token string, outcome engine.Outcome) error
}

// CorrelationStore maps tokens to orders. Reserve is atomic: of two
// reservations for the same order exactly one is created.
type CorrelationStore interface {
	// Reserve records entry unless its order already holds a token. It returns
	// the entry that owns the order and whether it was created by this call.
	Reserve(ctx context.Context, entry *engine.Correlation) (*engine.Correlation, bool, error)

	// Lookup returns the entry for a token or an error wrapping engine.ErrNotFound.
	Lookup(ctx context.Context, token string) (*engine.Correlation, error)

	// LookupOrder returns the entry held by an order.
	LookupOrder(ctx context.Context, orderID string) (*engine.Correlation, error)

	// Release removes a token. Releasing an unknown token is not an error.
	Release(ctx context.Context, token string) error
}

// Gateway routes orders to executors and keeps the token of every submission.
// Submitting the same order twice returns the first token and starts nothing.
type Gateway struct {
	executors    map[string]Executor
	correlations CorrelationStore
	tel          *telemetry.Telemetry
	logger       *telemetry.Logger

	mu   sync.RWMutex
	sink ResultSink
}

// NewGateway creates a gateway over the given executors. Names must be unique.
func NewGateway(correlations CorrelationStore, tel *telemetry.Telemetry, executors ...Executor) (*Gateway, error) {
	if correlations == nil {
		return nil, errors.New("correlation store is required")
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	g := &Gateway{
		executors:    make(map[string]Executor, len(executors)),
		correlations: correlations,
		tel:          tel,
		logger:       tel.Logger.NewComponentLogger("gateway"),
	}
	for _, e := range executors {
		if _, exists := g.executors[e.Name()]; exists {
			return nil, fmt.Errorf("executor %q registered twice", e.Name())
		}
		g.executors[e.Name()] = e
	}
	return g, nil
}

// SetSink sets where outcomes reported by in-process executors are delivered.
// It is set once the correlator exists, which itself needs the gateway.
func (g *Gateway) SetSink(sink ResultSink) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sink = sink
}

// Executors lists the configured executor names.
func (g *Gateway) Executors() []string {
	names := make([]string, 0, len(g.executors))
	for name := range g.executors {
		names = append(names, name)
	}
	return names
}

// Submit starts an order's run and returns its correlation token.
func (g *Gateway) Submit(ctx context.Context, order *engine.Order, plugin engine.Plugin) (string, error) {
	executor, err := g.route(order)
	if err != nil {
		return "", err
	}
	payload, err := engine.DecodePayload(order.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to decode payload: %w", err)
	}

	entry, created, err := g.correlations.Reserve(ctx, &engine.Correlation{
		Token:     uuid.New().String(),
		OrderID:   order.ID,
		Owner:     engine.Owner{Kind: order.WorkflowKind, RequestID: order.WorkflowID},
		Executor:  executor.Name(),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to reserve token: %w", err)
	}
	log := g.logger.WithOrder(order.ID).WithToken(entry.Token).WithField("executor", executor.Name())
	if !created {
		g.tel.Metrics.RecordSubmission(executor.Name(), true)
		log.Debug("order already submitted")
		return entry.Token, nil
	}

	run := &Run{Token: entry.Token, Order: order, Plugin: plugin, Payload: payload}
	if err := executor.Start(ctx, run, g.reporter(entry.Token)); err != nil {
		var held *TokenHeldError
		switch {
		case errors.As(err, &held):
			return g.adopt(ctx, entry, held.Token)
		case errors.Is(err, engine.ErrDispatchUnconfirmed):
			// The run may exist, so the token stays reserved for its callback.
			g.tel.Metrics.RecordSubmission(executor.Name(), false)
			log.WithError(err).Warn("run not confirmed, keeping token")
			return entry.Token, fmt.Errorf("executor %s: %w", executor.Name(), err)
		}
		if rerr := g.correlations.Release(ctx, entry.Token); rerr != nil {
			log.WithError(rerr).Warn("failed to release token")
		}
		return "", fmt.Errorf("executor %s refused order: %w", executor.Name(), err)
	}
	g.tel.Metrics.RecordSubmission(executor.Name(), false)
	log.Info("run started")
	return entry.Token, nil
}

// adopt replaces a fresh reservation with the token the executor already runs
// the order under.
func (g *Gateway) adopt(ctx context.Context, fresh *engine.Correlation, token string) (string, error) {
	log := g.logger.WithOrder(fresh.OrderID).WithToken(token).WithField("executor", fresh.Executor)
	if err := g.correlations.Release(ctx, fresh.Token); err != nil {
		return "", fmt.Errorf("failed to release token: %w", err)
	}
	adopted := *fresh
	adopted.Token = token
	entry, _, err := g.correlations.Reserve(ctx, &adopted)
	if err != nil {
		return "", fmt.Errorf("failed to adopt token: %w", err)
	}
	g.tel.Metrics.RecordSubmission(fresh.Executor, true)
	log.Warn("executor already runs order, adopted its token")
	return entry.Token, nil
}

// Cancel asks the executor that owns the token to stop the run.
func (g *Gateway) Cancel(ctx context.Context, token string) error {
	entry, err := g.correlations.Lookup(ctx, token)
	if err != nil {
		return err
	}
	executor, ok := g.executors[entry.Executor]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecutor, entry.Executor)
	}
	return executor.Cancel(ctx, token)
}

// Resolve maps a token back to its correlation entry.
func (g *Gateway) Resolve(ctx context.Context, token string) (*engine.Correlation, error) {
	return g.correlations.Lookup(ctx, token)
}

func (g *Gateway) route(order *engine.Order) (Executor, error) {
	name := order.Deployer
	if order.Operation.IsInternal() {
		name = InternalExecutorName
	}
	executor, ok := g.executors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExecutor, name)
	}
	return executor, nil
}

func (g *Gateway) reporter(token string) Reporter {
	var once sync.Once
	return func(outcome engine.Outcome) {
		once.Do(func() {
			g.mu.RLock()
			sink := g.sink
			g.mu.RUnlock()

			log := g.logger.WithToken(token)
			if sink == nil {
				log.Error("no result sink, outcome dropped")
				return
			}
			if err := sink.HandleCallback(context.Background(), token, outcome); err != nil {
				log.WithError(err).Warn("outcome not applied")
			}
		})
	}
}

var _ engine.Gateway = (*Gateway)(nil)
