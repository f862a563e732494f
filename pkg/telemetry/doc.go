// Package telemetry provides observability instrumentation for Stratus.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and an in-process event bus behind a
// single Telemetry bundle that the engine, the deployer gateway and the
// callback server share.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("correlator").WithOrder(orderID)
//	logger.Info("result applied")
//
// # Metrics
//
// Metrics are registered on a private registry and exposed through
// Metrics.Handler, which the callback server mounts at /metrics. When metrics
// are disabled every Record method is a no-op. Key series:
//
//   - stratus_orders_admitted_total{type}
//   - stratus_orders_finalized_total{type,status}
//   - stratus_callbacks_total{result}
//   - stratus_dispatch_failures_total{deployer}
//   - stratus_stale_orders
//   - stratus_workflows_finalized_total{kind,status,resolution}
//   - stratus_plugin_calls_total{provider,operation}
//
// # Tracing
//
// Supported exporters are "otlp" (gRPC), "stdout" and "none". Order, callback,
// workflow and plugin spans carry the Attr* keys defined in this package.
//
// # Events
//
// The EventPublisher delivers events to subscribers synchronously or through a
// buffered goroutine when async delivery is enabled. A full buffer drops the
// event and reports an error to the publisher; it never blocks the caller.
package telemetry
