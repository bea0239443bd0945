package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskflow/internal/engine"
)

func flowCmd() *cobra.Command {
	c := &cobra.Command{Use: "flow", Short: "Run flow instances"}
	c.AddCommand(flowStartCmd())
	c.AddCommand(flowShowCmd())
	c.AddCommand(flowListCmd())
	return c
}

func flowStartCmd() *cobra.Command {
	var system string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a flow for a system",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := e.StartFlow(ctx, system, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printFlow(state)
			})
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "system name")
	_ = cmd.MarkFlagRequired("system")
	return cmd
}

func flowShowCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a flow with its tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := e.GetFlow(ctx, id)
				if err != nil {
					return err
				}
				return printFlow(state)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "flow id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func flowListCmd() *cobra.Command {
	var system, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				flows, err := e.ListFlows(ctx, system, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(flows)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "System", "Status", "Started by", "Created", "Completed"})
				for _, f := range flows {
					completed := ""
					if f.CompletedAt != nil {
						completed = *f.CompletedAt
					}
					tw.AppendRow(table.Row{f.ID, f.System, f.Status, f.StartedBy, f.CreatedAt, completed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "system filter")
	cmd.Flags().StringVar(&status, "status", "", "running or completed")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func taskCmd() *cobra.Command {
	c := &cobra.Command{Use: "task", Short: "Work on task instances"}
	c.AddCommand(taskCompleteCmd())
	return c
}

func taskCompleteCmd() *cobra.Command {
	var id, status string
	cmd := &cobra.Command{
		Use:   "complete",
		Short: "Complete a task and advance its flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				state, err := e.CompleteTask(ctx, id, status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printFlow(state)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task instance id")
	cmd.Flags().StringVar(&status, "status", "", "completion status that selects the next rule")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func printFlow(state engine.FlowState) error {
	if viper.GetBool("json") {
		return printJSON(state)
	}
	fmt.Printf("flow %s (%s) %s\n", state.Flow.ID, state.Flow.System, state.Flow.Status)
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Task", "Status", "Doer", "Email", "Planned", "Completed"})
	for _, t := range state.Tasks {
		completed := ""
		if t.ActualCompletionTime != nil {
			completed = *t.ActualCompletionTime
		}
		tw.AppendRow(table.Row{t.ID, t.TaskName, t.Status, t.Doer, t.Email, t.PlannedTime, completed})
	}
	tw.Render()
	return nil
}
