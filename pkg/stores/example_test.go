package stores_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_FinalizeOrder demonstrates that an order is finalized at most once.
func ExampleSQLiteStore_FinalizeOrder() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	now := time.Now()
	svc := &engine.Service{
		ID:          "svc-001",
		Provider:    "openstack",
		Deployer:    "local",
		DeployState: engine.DeployStateDeploying,
		RequesterID: "alice",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	order := &engine.Order{
		ID:          "ord-001",
		ServiceID:   svc.ID,
		Type:        engine.OrderTypeDeploy,
		Status:      engine.OrderStatusCreated,
		RequesterID: "alice",
		Provider:    "openstack",
		Deployer:    "local",
		Operation:   engine.OperationDeploy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.CreateLifecycleOrder(ctx, order, svc); err != nil {
		log.Fatal(err)
	}

	final, err := store.FinalizeOrder(ctx, order.ID, engine.OrderResult{Status: engine.OrderStatusSuccessful})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(final.Status)

	_, err = store.FinalizeOrder(ctx, order.ID, engine.OrderResult{Status: engine.OrderStatusFailed})
	fmt.Println(errors.Is(err, engine.ErrAlreadyFinal))
	// Output:
	// successful
	// true
}
