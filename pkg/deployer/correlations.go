package deployer

import (
	"context"
	"fmt"
	"sync"

	"github.com/stratus-cp/stratus/pkg/engine"
)

// MemoryCorrelations is an in-process CorrelationStore.
type MemoryCorrelations struct {
	mu      sync.Mutex
	byToken map[string]*engine.Correlation
	byOrder map[string]string
}

// NewMemoryCorrelations creates an empty correlation store.
func NewMemoryCorrelations() *MemoryCorrelations {
	return &MemoryCorrelations{
		byToken: make(map[string]*engine.Correlation),
		byOrder: make(map[string]string),
	}
}

// Reserve records entry unless the order already holds a token.
func (m *MemoryCorrelations) Reserve(_ context.Context, entry *engine.Correlation) (*engine.Correlation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token, ok := m.byOrder[entry.OrderID]; ok {
		existing := *m.byToken[token]
		return &existing, false, nil
	}
	if _, ok := m.byToken[entry.Token]; ok {
		return nil, false, fmt.Errorf("token %s: %w", entry.Token, engine.ErrAlreadyExists)
	}
	stored := *entry
	m.byToken[entry.Token] = &stored
	m.byOrder[entry.OrderID] = entry.Token
	owner := stored
	return &owner, true, nil
}

// Lookup returns the entry for a token.
func (m *MemoryCorrelations) Lookup(_ context.Context, token string) (*engine.Correlation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.byToken[token]
	if !ok {
		return nil, fmt.Errorf("token %s: %w", token, engine.ErrNotFound)
	}
	c := *entry
	return &c, nil
}

// LookupOrder returns the entry held by an order.
func (m *MemoryCorrelations) LookupOrder(_ context.Context, orderID string) (*engine.Correlation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.byOrder[orderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", orderID, engine.ErrNotFound)
	}
	c := *m.byToken[token]
	return &c, nil
}

// Release removes a token.
func (m *MemoryCorrelations) Release(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.byToken[token]; ok {
		delete(m.byOrder, entry.OrderID)
		delete(m.byToken, token)
	}
	return nil
}

var _ CorrelationStore = (*MemoryCorrelations)(nil)
