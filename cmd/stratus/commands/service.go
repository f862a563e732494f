package commands

import (
	"context"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/stratus-cp/stratus/pkg/engine"
)

func newServiceCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Inspect services and change their run state",
	}

	cmd.AddCommand(newServiceStateCommand(opts, "start", "Power on a service's resources", (*engine.StateManager).Start))
	cmd.AddCommand(newServiceStateCommand(opts, "stop", "Power off a service's resources", (*engine.StateManager).Stop))
	cmd.AddCommand(newServiceStateCommand(opts, "restart", "Reboot a service's resources", (*engine.StateManager).Restart))
	cmd.AddCommand(newServiceMetricsCommand(opts))

	cmd.AddCommand(&cobra.Command{
		Use:   "get SERVICE_ID",
		Short: "Show a service with its resource inventory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, store engine.Store) error {
				svc, err := store.GetService(ctx, args[0])
				if err != nil {
					return err
				}
				resources, err := store.ListResources(ctx, svc.ID)
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(cmd.OutOrStdout(), engine.ServiceResources{Service: svc, Resources: resources})
				}

				out := cmd.OutOrStdout()
				if err := table(out, [][]string{
					{"ID:", svc.ID},
					{"Provider:", svc.Provider},
					{"Region:", orDash(svc.Region)},
					{"Deployer:", svc.Deployer},
					{"Deploy state:", string(svc.DeployState)},
					{"Run state:", string(svc.RunState)},
					{"Locks:", "modify=" + strconv.FormatBool(svc.LockModify) + " destroy=" + strconv.FormatBool(svc.LockDestroy)},
					{"Created:", formatTime(svc.CreatedAt)},
				}); err != nil {
					return err
				}
				if len(resources) == 0 {
					return nil
				}
				if _, err := out.Write([]byte("\n")); err != nil {
					return err
				}
				rows := [][]string{{"RESOURCE", "KIND", "NAME", "PROVIDER ID", "REGION"}}
				for _, r := range resources {
					rows = append(rows, []string{r.ID, r.Kind, orDash(r.Name), r.ProviderID, orDash(r.Region)})
				}
				return table(out, rows)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "timeline SERVICE_ID",
		Short: "Show the events of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, store engine.Store) error {
				events, err := store.ListEvents(ctx, engine.EventFilter{ServiceID: args[0]})
				if err != nil {
					return err
				}
				return printEvents(cmd, opts, events)
			})
		},
	})

	return cmd
}

// stateTaskFunc is one of the StateManager's Start, Stop or Restart.
type stateTaskFunc func(m *engine.StateManager, ctx context.Context, serviceID, requesterID string) (*engine.ServiceStateTask, error)

// newServiceStateCommand runs a state task in this process and prints it,
// also when it failed.
func newServiceStateCommand(opts *globalOptions, use, short string, run stateTaskFunc) *cobra.Command {
	var requester string

	cmd := &cobra.Command{
		Use:   use + " SERVICE_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				task, err := run(a.states, ctx, args[0], requester)
				if task == nil || task.CreatedAt.IsZero() {
					return err
				}
				if perr := printTask(cmd, opts, task); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&requester, "requester", "", "requester id")
	_ = cmd.MarkFlagRequired("requester")
	return cmd
}

func newServiceMetricsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics SERVICE_ID",
		Short: "Collect the provider's current metrics of a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				samples, err := a.states.CollectMetrics(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(cmd.OutOrStdout(), samples)
				}
				rows := [][]string{{"RESOURCE", "METRIC", "VALUE", "TIME"}}
				for _, s := range samples {
					rows = append(rows, []string{
						s.ResourceID, s.Name, strconv.FormatFloat(s.Value, 'g', -1, 64), formatTime(s.Timestamp),
					})
				}
				return table(cmd.OutOrStdout(), rows)
			})
		},
	}
}
