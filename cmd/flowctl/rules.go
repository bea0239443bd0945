package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskflow/internal/domain"
	"taskflow/internal/engine"
	"taskflow/internal/tat"
)

func ruleCmd() *cobra.Command {
	c := &cobra.Command{Use: "rule", Short: "Manage flow rules"}
	c.AddCommand(ruleAddCmd())
	c.AddCommand(ruleCheckCmd())
	c.AddCommand(ruleListCmd())
	c.AddCommand(ruleUpdateCmd())
	c.AddCommand(ruleDeleteCmd())
	c.AddCommand(systemListCmd())
	return c
}

func bindRuleFlags(cmd *cobra.Command, in *engine.RuleInput) {
	cmd.Flags().StringVar(&in.System, "system", "", "system the rule belongs to")
	cmd.Flags().StringVar(&in.CurrentTask, "from", "", "current task (empty starts the flow)")
	cmd.Flags().StringVar(&in.Status, "status", "", "status that triggers the rule")
	cmd.Flags().StringVar(&in.NextTask, "to", "", "next task (empty ends the flow)")
	cmd.Flags().IntVar(&in.TAT, "tat", 0, "turn-around time amount")
	cmd.Flags().StringVar(&in.TATType, "tat-type", string(tat.KindHour), "hourtat, daytat, beforetat or specifytat")
	cmd.Flags().StringVar(&in.Doer, "doer", "", "doer role for the next task")
	cmd.Flags().StringVar(&in.Email, "email", "", "doer email (defaults to the config doer entry)")
	_ = cmd.MarkFlagRequired("system")
}

func ruleAddCmd() *cobra.Command {
	var in engine.RuleInput
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a rule; rejected if it would loop the flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				in.ActorID = viper.GetString("actor-id")
				fr, err := e.AddRule(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(fr)
			})
		},
	}
	bindRuleFlags(cmd, &in)
	return cmd
}

func ruleCheckCmd() *cobra.Command {
	var in engine.RuleInput
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check whether a rule would loop the flow, without saving it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CheckRule(ctx, in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				if !res.HasCycle {
					fmt.Println("ok: no loop")
					return nil
				}
				fmt.Println(res.Message)
				return nil
			})
		},
	}
	bindRuleFlags(cmd, &in)
	return cmd
}

func ruleListCmd() *cobra.Command {
	var system string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a system's rules in insertion order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rules, err := e.ListRules(ctx, system)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				printRules(rules)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "system name")
	_ = cmd.MarkFlagRequired("system")
	return cmd
}

func printRules(rules []domain.FlowRule) {
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "From", "Status", "To", "TAT", "Doer", "Email"})
	for _, r := range rules {
		tw.AppendRow(table.Row{
			r.ID,
			displayTask(r.CurrentTask, "(start)"),
			r.Status,
			displayTask(r.NextTask, "(end)"),
			fmt.Sprintf("%d %s", r.TAT, r.TATType),
			r.Doer,
			r.Email,
		})
	}
	tw.Render()
}

func ruleUpdateCmd() *cobra.Command {
	var id string
	var from, status, to, tatType, doer, email string
	var amount int
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a rule; the loop check runs again",
		RunE: func(cmd *cobra.Command, args []string) error {
			upd := engine.RuleUpdate{ID: id, ActorID: viper.GetString("actor-id")}
			changed := func(name string, dst **string, v *string) {
				if cmd.Flags().Changed(name) {
					*dst = v
				}
			}
			changed("from", &upd.CurrentTask, &from)
			changed("status", &upd.Status, &status)
			changed("to", &upd.NextTask, &to)
			changed("tat-type", &upd.TATType, &tatType)
			changed("doer", &upd.Doer, &doer)
			changed("email", &upd.Email, &email)
			if cmd.Flags().Changed("tat") {
				upd.TAT = &amount
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fr, err := e.UpdateRule(ctx, upd)
				if err != nil {
					return err
				}
				return printJSONOrTable(fr)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "rule id")
	cmd.Flags().StringVar(&from, "from", "", "current task")
	cmd.Flags().StringVar(&status, "status", "", "status")
	cmd.Flags().StringVar(&to, "to", "", "next task")
	cmd.Flags().IntVar(&amount, "tat", 0, "turn-around time amount")
	cmd.Flags().StringVar(&tatType, "tat-type", "", "tat type")
	cmd.Flags().StringVar(&doer, "doer", "", "doer role")
	cmd.Flags().StringVar(&email, "email", "", "doer email")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func ruleDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.DeleteRule(ctx, id, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("deleted", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "rule id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func systemListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "systems",
		Short: "List systems that have rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSystems(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"System", "Rules", "Updated"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Name, s.RuleCount, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func pathCmd() *cobra.Command {
	var system, start, from string
	var filters []string
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Expand every branch of a system's flow with projected due dates",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.PathOptions{System: system, StartTask: start}
			if from != "" {
				ts, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("--from: %w", err)
				}
				opts.From = ts
			}
			if len(filters) > 0 {
				opts.StatusFilter = map[string]string{}
				for _, f := range filters {
					task, status, ok := strings.Cut(f, "=")
					if !ok {
						return fmt.Errorf("--branch %q: want task=status", f)
					}
					opts.StatusFilter[task] = status
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RulePath(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"#", "Task", "Visit", "Via", "Due", "Note"})
				for i, s := range p.Steps {
					via := ""
					if s.Rule != nil && s.Rule.Status != "" {
						via = "on " + s.Rule.Status
					}
					note := ""
					if s.ClosesLoop {
						note = "loops back"
					}
					tw.AppendRow(table.Row{i, strings.Repeat("  ", s.Depth) + s.TaskName, s.RepeatNumber, via, s.DueAt.Format(time.RFC3339), note})
				}
				tw.Render()
				if p.Truncated {
					fmt.Println("warning: expansion stopped at the depth limit")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "system name")
	cmd.Flags().StringVar(&start, "start", "", "task to start from (default: flow start)")
	cmd.Flags().StringVar(&from, "from", "", "RFC3339 anchor for due dates (default: now)")
	cmd.Flags().StringArrayVar(&filters, "branch", nil, "follow only task=status branches")
	_ = cmd.MarkFlagRequired("system")
	return cmd
}

func tatCmd() *cobra.Command {
	var at, kind string
	var amount int
	cmd := &cobra.Command{
		Use:   "tat",
		Short: "Compute a due date on the organization's working calendar",
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			if at != "" {
				ts, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				start = ts
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				due, err := e.CalculateTAT(start, amount, kind)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"timestamp": start, "amount": amount, "tat_type": tat.ParseKind(kind), "due_at": due})
				}
				fmt.Println(due.Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "RFC3339 start (default: now)")
	cmd.Flags().IntVar(&amount, "amount", 0, "hours or days")
	cmd.Flags().StringVar(&kind, "type", string(tat.KindHour), "hourtat, daytat, beforetat or specifytat")
	return cmd
}
