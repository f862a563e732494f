package stores

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/workflow"
)

// SQLiteCorrelations keeps gateway correlation entries in the store's database
// so token lookups survive a restart of a single-node control plane.
type SQLiteCorrelations struct {
	store *SQLiteStore
}

// Correlations returns the correlation table of the store.
func (s *SQLiteStore) Correlations() *SQLiteCorrelations {
	return &SQLiteCorrelations{store: s}
}

const correlationColumns = `token, order_id, owner_kind, owner_request_id, executor, created_at`

func scanCorrelation(row rowScanner) (*engine.Correlation, error) {
	var (
		c    engine.Correlation
		kind string
	)
	if err := row.Scan(&c.Token, &c.OrderID, &kind, &c.Owner.RequestID, &c.Executor, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Owner.Kind = workflow.Kind(kind)
	return &c, nil
}

// Reserve records entry unless the order already holds a token. It returns
// the entry that owns the order and whether it was newly created.
func (c *SQLiteCorrelations) Reserve(ctx context.Context, entry *engine.Correlation) (*engine.Correlation, bool, error) {
	var (
		owner   *engine.Correlation
		created bool
	)
	err := c.store.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanCorrelation(tx.QueryRowContext(ctx,
			`SELECT `+correlationColumns+` FROM correlations WHERE order_id = ?`, entry.OrderID))
		if err == nil {
			owner = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to look up correlation: %w", err)
		}

		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = time.Now()
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO correlations (`+correlationColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
			entry.Token, entry.OrderID, string(entry.Owner.Kind), entry.Owner.RequestID, entry.Executor, entry.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to reserve correlation: %w", err)
		}
		owner, created = entry, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return owner, created, nil
}

// Lookup returns the entry for a token.
func (c *SQLiteCorrelations) Lookup(ctx context.Context, token string) (*engine.Correlation, error) {
	entry, err := scanCorrelation(c.store.db.QueryRowContext(ctx,
		`SELECT `+correlationColumns+` FROM correlations WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("token %s: %w", token, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up correlation: %w", err)
	}
	return entry, nil
}

// LookupOrder returns the entry held by an order.
func (c *SQLiteCorrelations) LookupOrder(ctx context.Context, orderID string) (*engine.Correlation, error) {
	entry, err := scanCorrelation(c.store.db.QueryRowContext(ctx,
		`SELECT `+correlationColumns+` FROM correlations WHERE order_id = ?`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up correlation: %w", err)
	}
	return entry, nil
}

// Release removes a token so the order can be submitted again.
func (c *SQLiteCorrelations) Release(ctx context.Context, token string) error {
	if _, err := c.store.db.ExecContext(ctx, `DELETE FROM correlations WHERE token = ?`, token); err != nil {
		return fmt.Errorf("failed to release correlation: %w", err)
	}
	return nil
}
