package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stratus-cp/stratus/pkg/config"
	"github.com/stratus-cp/stratus/pkg/stores"
)

func newDBCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Manage the Order Store schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "migrate [up|down|version]",
		Short: "Apply, roll back or report Order Store migrations",
		Example: `  # Apply pending migrations
  stratus db migrate

  # Roll back every migration
  stratus db migrate down`,
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			sqlite, err := openSQLite(cmd, cfg)
			if err != nil {
				return err
			}
			defer sqlite.Close()

			ctx := cmd.Context()
			switch direction {
			case "up":
				err = sqlite.Migrate(ctx)
			case "down":
				err = sqlite.MigrateDown(ctx)
			case "version":
			default:
				return fmt.Errorf("unknown direction %q", direction)
			}
			if err != nil {
				return err
			}

			version, dirty, err := sqlite.MigrationVersion(ctx)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]interface{}{"version": version, "dirty": dirty})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (dirty: %t)\n", version, dirty)
			return err
		},
	})

	return cmd
}

func openSQLite(cmd *cobra.Command, cfg *config.Config) (*stores.SQLiteStore, error) {
	if cfg.Store.Driver != "sqlite" {
		return nil, errors.New("migrations need the sqlite store")
	}
	_, sqlite, err := openStore(cmd.Context(), cfg.Store, false)
	return sqlite, err
}
