package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/workflow"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Store using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to :memory: opens a separate database.
	if isMemoryPath(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database connection with WAL mode and immediate write transactions.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrator() (*migrate.Migrate, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// Migrate applies all pending up migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MigrateDown rolls back all migrations.
func (s *SQLiteStore) MigrateDown(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the applied schema version and whether it is dirty.
func (s *SQLiteStore) MigrationVersion(_ context.Context) (uint, bool, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read migration version: %w", err)
	}
	return version, dirty, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// withTx runs fn inside a write transaction.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// Orders

const orderColumns = `id, service_id, type, status, requester_id, provider, region, deployer, operation,
	payload, parent_order_id, workflow_id, workflow_kind, phase, attempt, correlation_token,
	cancel_requested, deployer_version, result_message, artifacts, created_at, updated_at,
	completed_at, version`

var activeStatuses = []interface{}{
	string(engine.OrderStatusCreated),
	string(engine.OrderStatusSubmitted),
	string(engine.OrderStatusInProgress),
}

func insertOrder(ctx context.Context, q queryer, order *engine.Order) error {
	artifacts, err := marshalJSON(order.Artifacts, "{}")
	if err != nil {
		return err
	}
	if order.Version == 0 {
		order.Version = 1
	}

	_, err = q.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID,
		order.ServiceID,
		string(order.Type),
		string(order.Status),
		order.RequesterID,
		order.Provider,
		order.Region,
		order.Deployer,
		string(order.Operation),
		string(order.Payload),
		order.ParentOrderID,
		order.WorkflowID,
		string(order.WorkflowKind),
		string(order.Phase),
		order.Attempt,
		order.CorrelationToken,
		order.CancelRequested,
		order.DeployerVersion,
		order.ResultMessage,
		artifacts,
		order.CreatedAt.UTC(),
		order.UpdatedAt.UTC(),
		utcPtr(order.CompletedAt),
		order.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", order.ID, engine.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func scanOrder(row rowScanner) (*engine.Order, error) {
	var (
		o                                      engine.Order
		orderType, status, operation, kind, ph string
		payload, artifacts                     string
	)
	err := row.Scan(
		&o.ID,
		&o.ServiceID,
		&orderType,
		&status,
		&o.RequesterID,
		&o.Provider,
		&o.Region,
		&o.Deployer,
		&operation,
		&payload,
		&o.ParentOrderID,
		&o.WorkflowID,
		&kind,
		&ph,
		&o.Attempt,
		&o.CorrelationToken,
		&o.CancelRequested,
		&o.DeployerVersion,
		&o.ResultMessage,
		&artifacts,
		&o.CreatedAt,
		&o.UpdatedAt,
		&o.CompletedAt,
		&o.Version,
	)
	if err != nil {
		return nil, err
	}

	o.Type = engine.OrderType(orderType)
	o.Status = engine.OrderStatus(status)
	o.Operation = engine.Operation(operation)
	o.WorkflowKind = workflow.Kind(kind)
	o.Phase = workflow.Phase(ph)
	if payload != "" {
		o.Payload = json.RawMessage(payload)
	}
	if err := unmarshalJSON(artifacts, &o.Artifacts); err != nil {
		return nil, fmt.Errorf("failed to decode artifacts of order %s: %w", o.ID, err)
	}
	return &o, nil
}

func getOrder(ctx context.Context, q queryer, id string) (*engine.Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

func (s *SQLiteStore) listOrders(ctx context.Context, where string, args ...interface{}) ([]*engine.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	orders := []*engine.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}
	return orders, nil
}

// serviceBusy reports whether the service has an active lifecycle order or workflow.
func serviceBusy(ctx context.Context, q queryer, serviceID string) (bool, error) {
	lifecycle := make([]string, 0)
	args := []interface{}{serviceID}
	args = append(args, activeStatuses...)
	for _, t := range engine.AllOrderTypes {
		if t.IsLifecycle() {
			lifecycle = append(lifecycle, "?")
			args = append(args, string(t))
		}
	}
	args = append(args, serviceID, serviceID, string(engine.WorkflowStatusStarted))

	query := `SELECT
		(SELECT COUNT(*) FROM orders WHERE service_id = ? AND status IN (?, ?, ?) AND type IN (` + strings.Join(lifecycle, ", ") + `))
		+ (SELECT COUNT(*) FROM workflows WHERE (service_id = ? OR target_service_id = ?) AND status = ?)`

	var count int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check service activity: %w", err)
	}
	return count > 0, nil
}

// CreateOrder inserts a new order.
func (s *SQLiteStore) CreateOrder(ctx context.Context, order *engine.Order) error {
	return insertOrder(ctx, s.db, order)
}

// CreateLifecycleOrder inserts a lifecycle order if the service is idle.
func (s *SQLiteStore) CreateLifecycleOrder(ctx context.Context, order *engine.Order, newService *engine.Service) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if newService != nil {
			if err := insertService(ctx, tx, newService); err != nil {
				return err
			}
		} else {
			busy, err := serviceBusy(ctx, tx, order.ServiceID)
			if err != nil {
				return err
			}
			if busy {
				return fmt.Errorf("service %s: %w", order.ServiceID, engine.ErrServiceBusy)
			}
		}
		return insertOrder(ctx, tx, order)
	})
}

// GetOrder retrieves an order by ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*engine.Order, error) {
	return getOrder(ctx, s.db, id)
}

// ListOrdersByService returns a service's orders in creation order.
func (s *SQLiteStore) ListOrdersByService(ctx context.Context, serviceID string) ([]*engine.Order, error) {
	return s.listOrders(ctx, "service_id = ?", serviceID)
}

// ListOrdersByStatus returns all orders with the given status in creation order.
func (s *SQLiteStore) ListOrdersByStatus(ctx context.Context, status engine.OrderStatus) ([]*engine.Order, error) {
	return s.listOrders(ctx, "status = ?", string(status))
}

// TransitionOrder moves an order between non-terminal statuses.
func (s *SQLiteStore) TransitionOrder(ctx context.Context, id string, from, to engine.OrderStatus, token string) (*engine.Order, error) {
	if to.IsTerminal() {
		return nil, fmt.Errorf("transition to terminal status %s must use FinalizeOrder", to)
	}

	var updated *engine.Order
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `UPDATE orders
			SET status = ?,
			    correlation_token = CASE WHEN ? <> '' THEN ? ELSE correlation_token END,
			    updated_at = ?, version = version + 1
			WHERE id = ? AND status = ?`,
			string(to), token, token, time.Now().UTC(), id, string(from))
		if err != nil {
			return fmt.Errorf("failed to transition order: %w", err)
		}
		if err := expectOneRow(ctx, tx, result, id, "orders"); err != nil {
			return err
		}
		updated, err = getOrder(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// FinalizeOrder moves a non-terminal order to a terminal status.
func (s *SQLiteStore) FinalizeOrder(ctx context.Context, id string, res engine.OrderResult) (*engine.Order, error) {
	if !res.Status.IsTerminal() {
		return nil, fmt.Errorf("finalize requires a terminal status, got %s", res.Status)
	}
	artifacts, err := marshalJSON(res.Artifacts, "{}")
	if err != nil {
		return nil, err
	}
	completed := res.CompletedAt
	if completed.IsZero() {
		completed = time.Now()
	}

	var updated *engine.Order
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `UPDATE orders
			SET status = ?, deployer_version = ?, result_message = ?, artifacts = ?,
			    correlation_token = CASE WHEN correlation_token = '' THEN ? ELSE correlation_token END,
			    completed_at = ?, updated_at = ?, version = version + 1
			WHERE id = ? AND status IN (?, ?, ?)`,
			append([]interface{}{
				string(res.Status), res.DeployerVersion, res.Message, artifacts,
				res.Token, completed.UTC(), completed.UTC(), id,
			}, activeStatuses...)...)
		if err != nil {
			return fmt.Errorf("failed to finalize order: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			if _, err := getOrder(ctx, tx, id); err != nil {
				return err
			}
			return fmt.Errorf("order %s: %w", id, engine.ErrAlreadyFinal)
		}
		updated, err = getOrder(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RequestCancel marks an active order for cancellation.
func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) (*engine.Order, error) {
	var updated *engine.Order
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `UPDATE orders
			SET cancel_requested = 1, updated_at = ?, version = version + 1
			WHERE id = ? AND status IN (?, ?, ?)`,
			append([]interface{}{time.Now().UTC(), id}, activeStatuses...)...)
		if err != nil {
			return fmt.Errorf("failed to request cancellation: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			if _, err := getOrder(ctx, tx, id); err != nil {
				return err
			}
			return fmt.Errorf("order %s: %w", id, engine.ErrAlreadyFinal)
		}
		updated, err = getOrder(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// expectOneRow maps a zero-row update to ErrNotFound or ErrConflict.
func expectOneRow(ctx context.Context, q queryer, result sql.Result, id, table string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	var exists int
	err = q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check %s existence: %w", table, err)
	}
	if exists == 0 {
		return fmt.Errorf("%s %s: %w", strings.TrimSuffix(table, "s"), id, engine.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", strings.TrimSuffix(table, "s"), id, engine.ErrConflict)
}

// Workflows

const workflowColumns = `id, kind, service_id, target_service_id, carry_data, current_phase, retries,
	max_retries, status, resolution, message, child_order_ids, last_order_id, requester_id, target,
	created_at, updated_at, completed_at, version`

func scanWorkflow(row rowScanner) (*engine.WorkflowRequest, error) {
	var (
		wf                              engine.WorkflowRequest
		kind, phase, status, resolution string
		retries, children, target       string
	)
	err := row.Scan(
		&wf.ID,
		&kind,
		&wf.ServiceID,
		&wf.TargetServiceID,
		&wf.CarryData,
		&phase,
		&retries,
		&wf.MaxRetries,
		&status,
		&resolution,
		&wf.Message,
		&children,
		&wf.LastOrderID,
		&wf.RequesterID,
		&target,
		&wf.CreatedAt,
		&wf.UpdatedAt,
		&wf.CompletedAt,
		&wf.Version,
	)
	if err != nil {
		return nil, err
	}

	wf.Kind = workflow.Kind(kind)
	wf.CurrentPhase = workflow.Phase(phase)
	wf.Status = engine.WorkflowStatus(status)
	wf.Resolution = workflow.Resolution(resolution)
	if err := unmarshalJSON(retries, &wf.Retries); err != nil {
		return nil, fmt.Errorf("failed to decode retries of workflow %s: %w", wf.ID, err)
	}
	if wf.Retries == nil {
		wf.Retries = map[workflow.Phase]int{}
	}
	if err := unmarshalJSON(children, &wf.ChildOrderIDs); err != nil {
		return nil, fmt.Errorf("failed to decode children of workflow %s: %w", wf.ID, err)
	}
	if err := unmarshalJSON(target, &wf.Target); err != nil {
		return nil, fmt.Errorf("failed to decode target of workflow %s: %w", wf.ID, err)
	}
	return &wf, nil
}

func workflowArgs(wf *engine.WorkflowRequest) ([]interface{}, error) {
	retries, err := marshalJSON(wf.Retries, "{}")
	if err != nil {
		return nil, err
	}
	children, err := marshalJSON(wf.ChildOrderIDs, "[]")
	if err != nil {
		return nil, err
	}
	target, err := marshalJSON(wf.Target, "{}")
	if err != nil {
		return nil, err
	}
	return []interface{}{
		string(wf.Kind),
		wf.ServiceID,
		wf.TargetServiceID,
		wf.CarryData,
		string(wf.CurrentPhase),
		retries,
		wf.MaxRetries,
		string(wf.Status),
		string(wf.Resolution),
		wf.Message,
		children,
		wf.LastOrderID,
		wf.RequesterID,
		target,
		wf.CreatedAt.UTC(),
		wf.UpdatedAt.UTC(),
		utcPtr(wf.CompletedAt),
	}, nil
}

// CreateWorkflow inserts a workflow if its source service is idle.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, wf *engine.WorkflowRequest, target *engine.Service) error {
	args, err := workflowArgs(wf)
	if err != nil {
		return err
	}
	if wf.Version == 0 {
		wf.Version = 1
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		busy, err := serviceBusy(ctx, tx, wf.ServiceID)
		if err != nil {
			return err
		}
		if busy {
			return fmt.Errorf("service %s: %w", wf.ServiceID, engine.ErrServiceBusy)
		}
		if target != nil {
			if err := insertService(ctx, tx, target); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO workflows (`+workflowColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			append(append([]interface{}{wf.ID}, args...), wf.Version)...)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("workflow %s: %w", wf.ID, engine.ErrAlreadyExists)
			}
			return fmt.Errorf("failed to create workflow: %w", err)
		}
		return nil
	})
}

// GetWorkflow retrieves a workflow by ID.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*engine.WorkflowRequest, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return wf, nil
}

// UpdateWorkflow writes the workflow if its version matches.
func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, wf *engine.WorkflowRequest) error {
	args, err := workflowArgs(wf)
	if err != nil {
		return err
	}
	// The identity columns never change.
	args = args[4:]

	result, err := s.db.ExecContext(ctx, `UPDATE workflows
		SET current_phase = ?, retries = ?, max_retries = ?, status = ?, resolution = ?, message = ?,
		    child_order_ids = ?, last_order_id = ?, requester_id = ?, target = ?, created_at = ?,
		    updated_at = ?, completed_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		append(args, wf.ID, wf.Version)...)
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}
	if err := expectOneRow(ctx, s.db, result, wf.ID, "workflows"); err != nil {
		return err
	}
	wf.Version++
	return nil
}

func (s *SQLiteStore) listWorkflows(ctx context.Context, where string, args ...interface{}) ([]*engine.WorkflowRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE `+where+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	workflows := []*engine.WorkflowRequest{}
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}
	return workflows, nil
}

// ListWorkflowsByService returns workflows whose source or target is the service.
func (s *SQLiteStore) ListWorkflowsByService(ctx context.Context, serviceID string) ([]*engine.WorkflowRequest, error) {
	return s.listWorkflows(ctx, "service_id = ? OR target_service_id = ?", serviceID, serviceID)
}

// ListActiveWorkflows returns all workflows that have not finished.
func (s *SQLiteStore) ListActiveWorkflows(ctx context.Context) ([]*engine.WorkflowRequest, error) {
	return s.listWorkflows(ctx, "status = ?", string(engine.WorkflowStatusStarted))
}

// Services

const serviceColumns = `id, provider, region, deployer, spec, deploy_state, run_state, lock_modify,
	lock_destroy, state_snapshot, requester_id, created_at, updated_at, version`

func insertService(ctx context.Context, q queryer, svc *engine.Service) error {
	if svc.Version == 0 {
		svc.Version = 1
	}
	if svc.RunState == "" {
		svc.RunState = engine.RunStateUnknown
	}
	_, err := q.ExecContext(ctx, `INSERT INTO services (`+serviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		svc.ID,
		svc.Provider,
		svc.Region,
		svc.Deployer,
		string(svc.Spec),
		string(svc.DeployState),
		string(svc.RunState),
		svc.LockModify,
		svc.LockDestroy,
		svc.StateSnapshot,
		svc.RequesterID,
		svc.CreatedAt.UTC(),
		svc.UpdatedAt.UTC(),
		svc.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("service %s: %w", svc.ID, engine.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create service: %w", err)
	}
	return nil
}

func scanService(row rowScanner) (*engine.Service, error) {
	var (
		svc                         engine.Service
		spec, deployState, runState string
	)
	err := row.Scan(
		&svc.ID,
		&svc.Provider,
		&svc.Region,
		&svc.Deployer,
		&spec,
		&deployState,
		&runState,
		&svc.LockModify,
		&svc.LockDestroy,
		&svc.StateSnapshot,
		&svc.RequesterID,
		&svc.CreatedAt,
		&svc.UpdatedAt,
		&svc.Version,
	)
	if err != nil {
		return nil, err
	}
	if spec != "" {
		svc.Spec = json.RawMessage(spec)
	}
	svc.DeployState = engine.DeployState(deployState)
	svc.RunState = engine.RunState(runState)
	return &svc, nil
}

// CreateService inserts a new service.
func (s *SQLiteStore) CreateService(ctx context.Context, svc *engine.Service) error {
	return insertService(ctx, s.db, svc)
}

// GetService retrieves a service by ID.
func (s *SQLiteStore) GetService(ctx context.Context, id string) (*engine.Service, error) {
	svc, err := scanService(s.db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("service %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get service: %w", err)
	}
	return svc, nil
}

// UpdateService writes the service if its version matches.
func (s *SQLiteStore) UpdateService(ctx context.Context, svc *engine.Service) error {
	result, err := s.db.ExecContext(ctx, `UPDATE services
		SET provider = ?, region = ?, deployer = ?, spec = ?, deploy_state = ?, run_state = ?,
		    lock_modify = ?, lock_destroy = ?, state_snapshot = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		svc.Provider,
		svc.Region,
		svc.Deployer,
		string(svc.Spec),
		string(svc.DeployState),
		string(svc.RunState),
		svc.LockModify,
		svc.LockDestroy,
		svc.StateSnapshot,
		svc.UpdatedAt.UTC(),
		svc.ID,
		svc.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update service: %w", err)
	}
	if err := expectOneRow(ctx, s.db, result, svc.ID, "services"); err != nil {
		return err
	}
	svc.Version++
	return nil
}

// ReplaceResources replaces the whole inventory of a service.
func (s *SQLiteStore) ReplaceResources(ctx context.Context, serviceID string, resources []engine.Resource) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM resources WHERE service_id = ?`, serviceID); err != nil {
			return fmt.Errorf("failed to clear resources: %w", err)
		}
		for _, r := range resources {
			props, err := marshalJSON(r.Properties, "{}")
			if err != nil {
				return err
			}
			created := r.CreatedAt
			if created.IsZero() {
				created = time.Now()
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO resources
				(service_id, id, kind, name, provider_id, region, properties, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				serviceID, r.ID, r.Kind, r.Name, r.ProviderID, r.Region, props, created.UTC())
			if err != nil {
				return fmt.Errorf("failed to insert resource %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// ListResources returns the inventory of a service.
func (s *SQLiteStore) ListResources(ctx context.Context, serviceID string) ([]engine.Resource, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, service_id, kind, name, provider_id, region, properties, created_at
		FROM resources WHERE service_id = ? ORDER BY rowid`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	resources := []engine.Resource{}
	for rows.Next() {
		var (
			r     engine.Resource
			props string
		)
		if err := rows.Scan(&r.ID, &r.ServiceID, &r.Kind, &r.Name, &r.ProviderID, &r.Region, &props, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		if err := unmarshalJSON(props, &r.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode resource properties: %w", err)
		}
		resources = append(resources, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return resources, nil
}

// State tasks

const taskColumns = `id, service_id, type, status, error_message, provider, requester_id, order_id,
	started_at, completed_at, created_at`

func scanTask(row rowScanner) (*engine.ServiceStateTask, error) {
	var (
		task             engine.ServiceStateTask
		taskType, status string
	)
	err := row.Scan(
		&task.ID,
		&task.ServiceID,
		&taskType,
		&status,
		&task.ErrorMessage,
		&task.Provider,
		&task.RequesterID,
		&task.OrderID,
		&task.StartedAt,
		&task.CompletedAt,
		&task.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Type = engine.TaskType(taskType)
	task.Status = engine.TaskStatus(status)
	return &task, nil
}

// CreateStateTask inserts a new service state task.
func (s *SQLiteStore) CreateStateTask(ctx context.Context, task *engine.ServiceStateTask) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO state_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.ServiceID,
		string(task.Type),
		string(task.Status),
		task.ErrorMessage,
		task.Provider,
		task.RequesterID,
		task.OrderID,
		utcPtr(task.StartedAt),
		utcPtr(task.CompletedAt),
		task.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("state task %s: %w", task.ID, engine.ErrAlreadyExists)
		}
		return fmt.Errorf("failed to create state task: %w", err)
	}
	return nil
}

// GetStateTask retrieves a service state task by ID.
func (s *SQLiteStore) GetStateTask(ctx context.Context, id string) (*engine.ServiceStateTask, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM state_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("state task %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state task: %w", err)
	}
	return task, nil
}

// UpdateStateTask writes the mutable fields of a state task.
func (s *SQLiteStore) UpdateStateTask(ctx context.Context, task *engine.ServiceStateTask) error {
	result, err := s.db.ExecContext(ctx, `UPDATE state_tasks
		SET status = ?, error_message = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		string(task.Status), task.ErrorMessage, utcPtr(task.StartedAt), utcPtr(task.CompletedAt), task.ID)
	if err != nil {
		return fmt.Errorf("failed to update state task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("state task %s: %w", task.ID, engine.ErrNotFound)
	}
	return nil
}

// ListStateTasksByService returns a service's state tasks in creation order.
func (s *SQLiteStore) ListStateTasksByService(ctx context.Context, serviceID string) ([]*engine.ServiceStateTask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM state_tasks WHERE service_id = ? ORDER BY rowid`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list state tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*engine.ServiceStateTask{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating state tasks: %w", err)
	}
	return tasks, nil
}

// Events

// AppendEvent appends an event to the timeline.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	details, err := marshalJSON(event.Details, "{}")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO events
		(id, order_id, workflow_id, service_id, type, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.OrderID,
		event.WorkflowID,
		event.ServiceID,
		string(event.Type),
		event.Message,
		details,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents lists events matching the filter in append order.
func (s *SQLiteStore) ListEvents(ctx context.Context, f engine.EventFilter) ([]*engine.Event, error) {
	query := `SELECT id, order_id, workflow_id, service_id, type, message, details, timestamp
		FROM events
		WHERE (? = '' OR order_id = ?)
		  AND (? = '' OR workflow_id = ?)
		  AND (? = '' OR service_id = ?)
		  AND (? = '' OR type = ?)
		ORDER BY rowid`
	args := []interface{}{
		f.OrderID, f.OrderID,
		f.WorkflowID, f.WorkflowID,
		f.ServiceID, f.ServiceID,
		string(f.Type), string(f.Type),
	}
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		var (
			e                  engine.Event
			eventType, details string
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &e.WorkflowID, &e.ServiceID, &eventType, &e.Message, &details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Type = engine.EventType(eventType)
		if err := unmarshalJSON(details, &e.Details); err != nil {
			return nil, fmt.Errorf("failed to decode event details: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// helpers

func marshalJSON(v interface{}, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode json column: %w", err)
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func unmarshalJSON(data string, v interface{}) error {
	if data == "" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed")
}

var _ engine.Store = (*SQLiteStore)(nil)
