package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/stratus-cp/stratus/pkg/engine"
)

func newOrderCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Submit, cancel and inspect orders",
		Long: `Submit, retry, cancel and inspect deployment orders.

get, list and timeline read the Order Store directly. submit, retry and
cancel wire the control plane in this process: runs on the local and internal
executors are finished before the command returns, while remote deployers
report to the callback server of "stratus serve".`,
	}

	cmd.AddCommand(newOrderSubmitCommand(opts))
	cmd.AddCommand(newOrderRetryCommand(opts))
	cmd.AddCommand(newOrderCancelCommand(opts))
	cmd.AddCommand(newOrderGetCommand(opts))
	cmd.AddCommand(newOrderListCommand(opts))
	cmd.AddCommand(newOrderTimelineCommand(opts))

	return cmd
}

func newOrderSubmitCommand(opts *globalOptions) *cobra.Command {
	var (
		req         engine.OrderRequest
		orderType   string
		payload     string
		payloadFile string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a lifecycle order",
		Example: `  # Deploy a new service from a payload file
  stratus order submit --type deploy --provider openstack --requester alice --payload-file deploy.json

  # Destroy it again
  stratus order submit --type destroy --service 5b0e... --requester alice`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Type = engine.OrderType(orderType)
			raw, err := readPayload(cmd, payload, payloadFile)
			if err != nil {
				return err
			}
			req.Payload = raw
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				adm, err := a.orch.SubmitOrder(ctx, req)
				return printAdmission(cmd, opts, adm, err)
			})
		},
	}

	cmd.Flags().StringVar(&orderType, "type", "", "order type (deploy, modify, destroy, lock_change, service_start, ...)")
	cmd.Flags().StringVar(&req.ServiceID, "service", "", "service id, empty for a new deploy")
	cmd.Flags().StringVar(&req.RequesterID, "requester", "", "requester id")
	cmd.Flags().StringVar(&req.Provider, "provider", "", "provider of a new service")
	cmd.Flags().StringVar(&req.Region, "region", "", "region of a new service")
	cmd.Flags().StringVar(&req.Deployer, "deployer", "", "deployer, defaults to gateway.default_deployer")
	cmd.Flags().StringVar(&payload, "payload", "", "order payload as JSON")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", `file holding the order payload, "-" for stdin`)
	cmd.Flags().BoolVar(&req.CarryData, "carry-data", false, "carry data across compound phases")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("requester")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")

	return cmd
}

func newOrderRetryCommand(opts *globalOptions) *cobra.Command {
	var requester string

	cmd := &cobra.Command{
		Use:   "retry ORDER_ID",
		Short: "Retry a failed order with its payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				adm, err := a.orch.RetryOrder(ctx, args[0], requester)
				return printAdmission(cmd, opts, adm, err)
			})
		},
	}
	cmd.Flags().StringVar(&requester, "requester", "", "requester id, defaults to the failed order's")
	return cmd
}

func newOrderCancelCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ORDER_ID",
		Short: "Request cancellation of an active order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				order, err := a.orch.CancelOrder(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(cmd.OutOrStdout(), order)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for order %s (%s)\n", order.ID, order.Status)
				return err
			})
		},
	}
}

// readPayload returns the payload given inline or read from a file.
func readPayload(cmd *cobra.Command, inline, file string) (json.RawMessage, error) {
	var raw []byte
	switch {
	case inline != "":
		raw = []byte(inline)
	case file == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload: %w", err)
		}
		raw = b
	default:
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return raw, nil
}

// printAdmission prints an admission, also when its dispatch failed, and
// returns err.
func printAdmission(cmd *cobra.Command, opts *globalOptions, adm *engine.Admission, err error) error {
	if adm == nil {
		return err
	}
	if opts.jsonOutput {
		if perr := printJSON(cmd.OutOrStdout(), adm); perr != nil {
			return perr
		}
		return err
	}
	rows := [][]string{
		{"Order:", adm.OrderID},
		{"Service:", adm.ServiceID},
	}
	if adm.RequestID != "" {
		rows = append(rows, []string{"Workflow:", adm.RequestID})
	}
	if terr := table(cmd.OutOrStdout(), rows); terr != nil {
		return terr
	}
	return err
}

func newOrderGetCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get ORDER_ID",
		Short: "Show one order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, store engine.Store) error {
				order, err := store.GetOrder(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(cmd.OutOrStdout(), order)
				}
				rows := [][]string{
					{"ID:", order.ID},
					{"Type:", string(order.Type)},
					{"Status:", string(order.Status)},
					{"Service:", order.ServiceID},
					{"Provider:", order.Provider},
					{"Deployer:", order.Deployer},
					{"Operation:", string(order.Operation)},
					{"Token:", orDash(order.CorrelationToken)},
					{"Workflow:", orDash(order.WorkflowID)},
					{"Phase:", orDash(string(order.Phase))},
					{"Deployer version:", orDash(order.DeployerVersion)},
					{"Result:", orDash(order.ResultMessage)},
					{"Created:", formatTime(order.CreatedAt)},
				}
				if order.CompletedAt != nil {
					rows = append(rows, []string{"Completed:", formatTime(*order.CompletedAt)})
				}
				return table(cmd.OutOrStdout(), rows)
			})
		},
	}
}

func newOrderListCommand(opts *globalOptions) *cobra.Command {
	var (
		serviceID string
		status    string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders of a service or in a status",
		Example: `  # All orders of a service
  stratus order list --service 5b0e...

  # Orders waiting for a deployer
  stratus order list --status in_progress`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, store engine.Store) error {
				orders, err := engine.QueryOrders(ctx, store, engine.OrderFilter{
					ServiceID: serviceID,
					Status:    engine.OrderStatus(status),
					Limit:     limit,
				})
				if err != nil {
					return err
				}
				if opts.jsonOutput {
					return printJSON(cmd.OutOrStdout(), orders)
				}
				rows := [][]string{{"ID", "TYPE", "STATUS", "SERVICE", "PHASE", "CREATED"}}
				for _, o := range orders {
					rows = append(rows, []string{
						o.ID, string(o.Type), string(o.Status), o.ServiceID, orDash(string(o.Phase)), formatTime(o.CreatedAt),
					})
				}
				return table(cmd.OutOrStdout(), rows)
			})
		},
	}

	cmd.Flags().StringVar(&serviceID, "service", "", "service id")
	cmd.Flags().StringVar(&status, "status", "", "order status (created, submitted, in_progress, successful, failed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of orders")

	return cmd
}

func newOrderTimelineCommand(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "timeline ORDER_ID",
		Short: "Show the events of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, store engine.Store) error {
				events, err := store.ListEvents(ctx, engine.EventFilter{OrderID: args[0], Limit: limit})
				if err != nil {
					return err
				}
				return printEvents(cmd, opts, events)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events")
	return cmd
}

func printEvents(cmd *cobra.Command, opts *globalOptions, events []*engine.Event) error {
	if opts.jsonOutput {
		return printJSON(cmd.OutOrStdout(), events)
	}
	rows := [][]string{{"TIME", "TYPE", "ORDER", "MESSAGE"}}
	for _, e := range events {
		rows = append(rows, []string{formatTime(e.Timestamp), string(e.Type), orDash(e.OrderID), e.Message})
	}
	if len(events) == 0 {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "no events")
		return err
	}
	return table(cmd.OutOrStdout(), rows)
}

func itoa(n int) string { return strconv.Itoa(n) }
