package telemetry_test

import (
	"context"
	"fmt"

	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())
	logger := telemetry.FromContext(ctx)
	logger.Info("control plane started")

	// Output varies, no output specified
}

// Example_orderLogging demonstrates order-scoped structured logging.
func Example_orderLogging() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Logging.Output = "stdout"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	logger := tel.Logger.NewComponentLogger("correlator").
		WithOrder("0b7e7c3e").
		WithService("svc-42")

	logger.Info("result applied")
	logger.WithError(fmt.Errorf("token unknown")).Warn("callback discarded")

	// Output varies, no output specified
}

// Example_pluginOperation demonstrates instrumenting a provider plugin call.
func Example_pluginOperation() {
	tel, _ := telemetry.NewTelemetry(telemetry.DefaultConfig())
	defer tel.Shutdown(context.Background())

	_ = tel.RecordPluginOperation(context.Background(), "openstack", "start", func(ctx context.Context) error {
		return nil
	})

	// Output varies, no output specified
}
