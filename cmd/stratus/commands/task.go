package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/stratus-cp/stratus/pkg/engine"
)

func newTaskCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Inspect service state tasks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get TASK_ID",
		Short: "Show a start, stop or restart task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, opts, func(ctx context.Context, store engine.Store) error {
				task, err := store.GetStateTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printTask(cmd, opts, task)
			})
		},
	})

	return cmd
}

func printTask(cmd *cobra.Command, opts *globalOptions, task *engine.ServiceStateTask) error {
	if opts.jsonOutput {
		return printJSON(cmd.OutOrStdout(), task)
	}
	rows := [][]string{
		{"ID:", task.ID},
		{"Type:", string(task.Type)},
		{"Status:", string(task.Status)},
		{"Service:", task.ServiceID},
		{"Provider:", orDash(task.Provider)},
		{"Order:", orDash(task.OrderID)},
		{"Error:", orDash(task.ErrorMessage)},
		{"Created:", formatTime(task.CreatedAt)},
	}
	if task.CompletedAt != nil {
		rows = append(rows, []string{"Completed:", formatTime(*task.CompletedAt)})
	}
	return table(cmd.OutOrStdout(), rows)
}
