package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/telemetry"
)

// withStore runs fn against the configured store without wiring the rest of
// the control plane.
func withStore(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, store engine.Store) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	store, _, err := openStore(cmd.Context(), cfg.Store, false)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cmd.Context(), store)
}

// withApp wires the control plane without serving it and runs fn. Orders
// started on the local or internal executor are finished before withApp
// returns. Remote deployers report to the callback server of "stratus serve",
// so their orders are only finalized when it shares the correlations.
func withApp(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	ctx := tel.WithContext(cmd.Context())
	a, err := newApp(ctx, cfg, tel)
	if err != nil {
		return err
	}
	defer a.close()
	if cfg.Gateway.Correlations == "memory" && len(cfg.Deployers.Remote) > 0 {
		tel.Logger.Warn("memory correlations are not shared with the callback server, remote orders will not finalize")
	}

	err = fn(ctx, a)
	a.drain(ctx)
	return err
}
