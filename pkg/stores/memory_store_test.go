package stores

import (
	"context"
	"testing"

	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/stores/storetest"
)

func TestMemoryStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) engine.Store {
		return NewMemoryStore()
	})
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.CreateService(ctx, &engine.Service{ID: "svc-1", Provider: "openstack", DeployState: engine.DeployStateDeployed}); err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	got, err := s.GetService(ctx, "svc-1")
	if err != nil {
		t.Fatalf("failed to get service: %v", err)
	}
	got.DeployState = engine.DeployStateDestroyed

	again, err := s.GetService(ctx, "svc-1")
	if err != nil {
		t.Fatalf("failed to get service: %v", err)
	}
	if again.DeployState != engine.DeployStateDeployed {
		t.Errorf("mutating a returned service changed the store: %s", again.DeployState)
	}
}

func TestMemoryStoreClose(t *testing.T) {
	s := NewMemoryStore()
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	_ = s.Close()
	if err := s.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail after close")
	}
}
