package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratus-cp/stratus/pkg/telemetry"
)

func newServeCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane",
		Long: `Run the Stratus control plane.

serve opens the Order Store (applying pending migrations when
store.auto_migrate is set), loads the provider manifest, resumes orders and
workflows interrupted by the last shutdown and then serves:
  - the deployer callback endpoint, /healthz and /metrics
  - the periodic stale order sweep
  - the provider manifest watcher (registry.watch)

On SIGINT or SIGTERM in-flight local runs are cancelled and get a grace
period to report before the store is closed.`,
		Example: `  # Serve with a config file
  stratus serve --config /etc/stratus/stratus.yaml

  # Override the database from the environment
  STRATUS_STORE_PATH=/var/lib/stratus/stratus.db stratus serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
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
			return a.run(ctx)
		},
	}
	return cmd
}
