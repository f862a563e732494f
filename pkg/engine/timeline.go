package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// timeline persists events and mirrors them on the in-process bus.
type timeline struct {
	store  EventStore
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
	now    func() time.Time
}

func (t *timeline) emit(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.now().UTC()
	}
	if err := t.store.AppendEvent(ctx, &e); err != nil {
		t.logger.WithError(err).WithOrder(e.OrderID).Warnf("failed to persist %s event", e.Type)
	}
	if err := t.tel.Events.Publish(telemetry.Event{
		ID:         e.ID,
		Timestamp:  e.Timestamp,
		Type:       string(e.Type),
		Source:     "engine",
		OrderID:    e.OrderID,
		WorkflowID: e.WorkflowID,
		ServiceID:  e.ServiceID,
		Message:    e.Message,
		Level:      e.Type.Severity(),
		Data:       e.Details,
	}); err != nil {
		t.logger.WithError(err).Debug("event not published")
	}
}

// serviceUpdateAttempts bounds the optimistic retry loop of updateService.
const serviceUpdateAttempts = 5

// updateService applies mutate to the latest version of a service and writes
// it, retrying on version conflicts.
func updateService(ctx context.Context, store ServiceStore, id string, now time.Time, mutate func(svc *Service)) (*Service, error) {
	for attempt := 0; attempt < serviceUpdateAttempts; attempt++ {
		svc, err := store.GetService(ctx, id)
		if err != nil {
			return nil, err
		}
		mutate(svc)
		svc.UpdatedAt = now.UTC()
		err = store.UpdateService(ctx, svc)
		if err == nil {
			return svc, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("service %s: too many concurrent updates: %w", id, ErrConflict)
}

// enrichPayload completes an order payload from the service record so the
// executor receives everything it needs: the template the service was deployed
// with, its variables for teardown, and the latest state snapshot.
func enrichPayload(svc *Service, t OrderType, raw json.RawMessage) (json.RawMessage, error) {
	p, err := DecodePayload(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	spec, err := DecodePayload(svc.Spec)
	if err != nil {
		return nil, fmt.Errorf("failed to decode service spec: %w", err)
	}

	if p.Template == nil {
		p.Template = spec.Template
	}
	if op := t.Operation(); (op == OperationDestroy || op == OperationModify) && p.Variables == nil {
		p.Variables = spec.Variables
	}
	if p.State == "" {
		p.State = svc.StateSnapshot
	}
	return json.Marshal(p)
}

// specFromPayload strips run-specific fields from a deploy payload so it can be
// stored as the service's spec.
func specFromPayload(raw json.RawMessage) (json.RawMessage, error) {
	p, err := DecodePayload(raw)
	if err != nil {
		return nil, err
	}
	p.State = ""
	p.Inputs = nil
	p.Lock = nil
	return json.Marshal(p)
}
