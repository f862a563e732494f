package commands

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stratus-cp/stratus/pkg/engine"
	"github.com/stratus-cp/stratus/pkg/workflow"
)

func newWorkflowCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Start and inspect Migrate, Recreate and Port workflows",
	}

	cmd.AddCommand(newWorkflowStartCommand(opts))

	cmd.AddCommand(&cobra.Command{
		Use:   "get WORKFLOW_ID",
		Short: "Show a workflow, its phase and its resolution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, store engine.Store) error {
				wf, err := store.GetWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(cmd.OutOrStdout(), wf)
				}
				rows := [][]string{
					{"ID:", wf.ID},
					{"Kind:", string(wf.Kind)},
					{"Status:", string(wf.Status)},
					{"Source service:", wf.ServiceID},
					{"Target service:", wf.TargetServiceID},
					{"Phase:", orDash(string(wf.CurrentPhase))},
					{"Retries:", itoa(wf.Retries[wf.CurrentPhase]) + "/" + itoa(wf.MaxRetries)},
					{"Resolution:", orDash(string(wf.Resolution))},
					{"Message:", orDash(wf.Message)},
					{"Orders:", orDash(strings.Join(wf.ChildOrderIDs, ", "))},
					{"Created:", formatTime(wf.CreatedAt)},
				}
				if wf.CompletedAt != nil {
					rows = append(rows, []string{"Completed:", formatTime(*wf.CompletedAt)})
				}
				return table(cmd.OutOrStdout(), rows)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "timeline WORKFLOW_ID",
		Short: "Show the events of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, store engine.Store) error {
				events, err := store.ListEvents(ctx, engine.EventFilter{WorkflowID: args[0]})
				if err != nil {
					return err
				}
				return printEvents(cmd, opts, events)
			})
		},
	})

	return cmd
}

func newWorkflowStartCommand(opts *globalOptions) *cobra.Command {
	var (
		spec        engine.WorkflowSpec
		kind        string
		payload     string
		payloadFile string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a compound workflow on a deployed service",
		Long: `Start a Migrate, Recreate or Port workflow.

The target flags default to the source service. A Port needs a deployer other
than the source's. The first phase order is dispatched before the command
returns; later phases are driven by the callbacks of earlier ones.`,
		Example: `  # Move a service to another region, keeping its data
  stratus workflow start --kind migrate --service 5b0e... --region eu-2 --carry-data --requester alice

  # Hand a service to another deployer
  stratus workflow start --kind port --service 5b0e... --deployer remote-eu --requester alice`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Kind = workflow.Kind(kind)
			raw, err := readPayload(cmd, payload, payloadFile)
			if err != nil {
				return err
			}
			spec.Target.Payload = raw
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				adm, err := a.orch.StartWorkflow(ctx, spec)
				return printAdmission(cmd, opts, adm, err)
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", "", "workflow kind (migrate, recreate, port)")
	cmd.Flags().StringVar(&spec.ServiceID, "service", "", "source service id")
	cmd.Flags().StringVar(&spec.RequesterID, "requester", "", "requester id")
	cmd.Flags().BoolVar(&spec.CarryData, "carry-data", false, "carry data to the new deployment")
	cmd.Flags().StringVar(&spec.Target.Provider, "provider", "", "target provider")
	cmd.Flags().StringVar(&spec.Target.Region, "region", "", "target region")
	cmd.Flags().StringVar(&spec.Target.Deployer, "deployer", "", "target deployer")
	cmd.Flags().StringVar(&payload, "payload", "", "target payload as JSON")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", `file holding the target payload, "-" for stdin`)
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("requester")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")

	return cmd
}
