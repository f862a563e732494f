package engine_test

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/stores"
)

// Example_orderLifecycle admits a Deploy, applies the deployer outcome and
// shows that a redelivered outcome is discarded.
func Example_orderLifecycle() {
	ctx := context.Background()
	store := stores.NewMemoryStore()
	defer store.Close()

	orch, err := engine.NewOrchestrator(store, fakeRegistry{"openstack": &fakePlugin{name: "openstack"}}, newFakeGateway(), engine.Options{})
	if err != nil {
		panic(err)
	}

	adm, err := orch.SubmitOrder(ctx, engine.OrderRequest{
		Type:        engine.OrderTypeDeploy,
		RequesterID: "alice",
		Provider:    "openstack",
		Payload:     json.RawMessage(`{"template":{"source":"git::https://example.com/app.git"}}`),
	})
	if err != nil {
		panic(err)
	}

	outcome := engine.Outcome{
		Success:         true,
		DeployerVersion: "terraform/1.9.5",
		Artifacts:       map[string]string{engine.ArtifactState: `{"version":4}`},
	}
	applied, _ := orch.Correlator().ApplyResult(ctx, adm.OrderID, outcome)
	fmt.Println("applied:", applied)

	applied, _ = orch.Correlator().ApplyResult(ctx, adm.OrderID, engine.Outcome{Success: false})
	fmt.Println("redelivery applied:", applied)

	order, _ := orch.GetOrder(ctx, adm.OrderID)
	svc, _ := orch.GetService(ctx, adm.ServiceID)
	fmt.Println(order.Status, svc.Service.DeployState, len(svc.Resources))
	// Output:
	// applied: true
	// redelivery applied: false
	// successful deployed 1
}
