package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/stratus-cp/stratus/pkg/registry"
	"github.com/stratus-cp/stratus/pkg/telemetry"
)

func newPluginsCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Inspect provider plugins",
	}

	var manifest string
	list := &cobra.Command{
		Use:   "list",
		Short: "Build the provider manifest and list the plugins it enables",
		Long: `Build every enabled entry of the provider manifest the way the control
plane does at startup and list the resulting providers with their credential
types. A manifest the daemon would reject fails here too.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifest == "" {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				manifest = cfg.Registry.Manifest
			}
			m, err := registry.LoadManifest(manifest)
			if err != nil {
				return err
			}
			plugins, err := registry.DefaultBuilder(telemetry.NewNop()).Build(m)
			if err != nil {
				return err
			}
			reg, err := registry.New(plugins...)
			if err != nil {
				return err
			}

			infos := reg.List()
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), infos)
			}
			rows := [][]string{{"PROVIDER", "CREDENTIAL TYPES"}}
			for _, info := range infos {
				names := make([]string, len(info.CredentialTypes))
				for i, ct := range info.CredentialTypes {
					names[i] = ct.Name
				}
				rows = append(rows, []string{info.Provider, orDash(strings.Join(names, ", "))})
			}
			return table(cmd.OutOrStdout(), rows)
		},
	}
	list.Flags().StringVar(&manifest, "manifest", "", "provider manifest (default: registry.manifest from the config)")
	cmd.AddCommand(list)

	return cmd
}
