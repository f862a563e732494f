package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	configPath string
	jsonOutput bool
	logLevel   string
	logFormat  string
	version    string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "stratus",
		Short: "Stratus - deployment order orchestration",
		Long: `Stratus accepts deployment orders for cloud services, hands them to
infrastructure-as-code deployers and correlates their asynchronous results.

Besides single orders it drives the compound Migrate, Recreate and Port
workflows and starts, stops and restarts deployed services through provider
plugins.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format (console, json)")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newOrderCommand(opts))
	rootCmd.AddCommand(newWorkflowCommand(opts))
	rootCmd.AddCommand(newServiceCommand(opts))
	rootCmd.AddCommand(newTaskCommand(opts))
	rootCmd.AddCommand(newPluginsCommand(opts))
	rootCmd.AddCommand(newDBCommand(opts))

	return rootCmd
}
