package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/mo"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cadence/internal/civil"
	"cadence/internal/domain"
	"cadence/internal/engine"
)

func planCmd() *cobra.Command {
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Recurring activities on a schedule",
		Long: `A plan entry places a catalog activity on a schedule at a local start
time with a recurrence rule. Adding or changing an entry regenerates its
instances from today up to the horizon.`,
	}
	plan.AddCommand(planAddCmd())
	plan.AddCommand(planListCmd())
	plan.AddCommand(planUpdateCmd())
	plan.AddCommand(planDeleteCmd())
	plan.AddCommand(planRegenerateCmd())
	return plan
}

func planAddCmd() *cobra.Command {
	var id, scheduleID, activityID, at, rule, anchor, horizon string
	var duration int
	var notify bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a recurring activity to a schedule",
		Example: `  cad plan add --schedule s1 --activity stretch --at 07:00 --rule "FREQ=DAILY"
  cad plan add --schedule s1 --activity run --at 18:30 --rule "FREQ=WEEKLY;BYDAY=MO,WE,FR;COUNT=12"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := civil.ParseTime(at)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			h, err := parseOptionalDate("horizon", horizon)
			if err != nil {
				return err
			}
			opts := engine.ScheduleActivityCreateOptions{
				ID:             id,
				ScheduleID:     scheduleID,
				ActivityID:     activityID,
				LocalStartTime: start,
				Recurrence:     rule,
				Horizon:        h,
			}
			if anchor != "" {
				a, err := time.Parse(time.RFC3339, anchor)
				if err != nil {
					return fmt.Errorf("--anchor: %w", err)
				}
				opts.Anchor = mo.Some(a)
			}
			if cmd.Flags().Changed("duration") {
				opts.DurationMinutes = mo.Some(duration)
			}
			if cmd.Flags().Changed("notify") {
				opts.NotifyDefault = mo.Some(notify)
			}
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				opts.UserID = u.ID
				change, err := e.CreateScheduleActivity(ctx, opts)
				if err != nil {
					return err
				}
				return printChange(change)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "plan entry id (generated when empty)")
	cmd.Flags().StringVar(&scheduleID, "schedule", "", "schedule id")
	cmd.Flags().StringVar(&activityID, "activity", "", "activity id")
	cmd.Flags().StringVar(&at, "at", "", "local start time (HH:MM)")
	cmd.Flags().StringVar(&rule, "rule", "", "recurrence rule")
	cmd.Flags().StringVar(&anchor, "anchor", "", "RFC 3339 anchor; defaults to the schedule start at --at")
	cmd.Flags().StringVar(&horizon, "horizon", "", "materialize up to this date instead of the configured horizon")
	cmd.Flags().IntVar(&duration, "duration", 0, "duration in minutes (defaults to the activity's)")
	cmd.Flags().BoolVar(&notify, "notify", true, "notify for new instances (defaults to the user's setting)")
	_ = cmd.MarkFlagRequired("schedule")
	_ = cmd.MarkFlagRequired("activity")
	_ = cmd.MarkFlagRequired("at")
	_ = cmd.MarkFlagRequired("rule")
	return cmd
}

func planListCmd() *cobra.Command {
	var scheduleID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plan entries of a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				if _, err := e.GetOwnedSchedule(ctx, u.ID, scheduleID); err != nil {
					return err
				}
				items, err := e.Repo.ListScheduleActivities(ctx, scheduleID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Activity", "At", "Rule", "Anchor", "Notify")
				for _, sa := range items {
					tw.AppendRow(table.Row{sa.ID, sa.ActivityID, sa.LocalStartTime, sa.Recurrence, sa.Anchor.Format(time.RFC3339), sa.NotifyDefault})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&scheduleID, "schedule", "", "schedule id")
	_ = cmd.MarkFlagRequired("schedule")
	return cmd
}

func planUpdateCmd() *cobra.Command {
	var activityID, at, rule, anchor string
	var duration int
	var notify, patchOnly bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change a plan entry",
		Long: `Rule and anchor changes regenerate future instances. Changing --at needs a
new --anchor; with --patch-only the open future instances are moved to the
new time in place instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ScheduleActivityUpdateOptions{ID: args[0], PatchOnly: patchOnly}
			flags := cmd.Flags()
			if flags.Changed("activity") {
				opts.ActivityID = &activityID
			}
			if flags.Changed("at") {
				t, err := civil.ParseTime(at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				opts.LocalStartTime = &t
			}
			if flags.Changed("rule") {
				opts.Recurrence = &rule
			}
			if flags.Changed("anchor") {
				a, err := time.Parse(time.RFC3339, anchor)
				if err != nil {
					return fmt.Errorf("--anchor: %w", err)
				}
				opts.Anchor = &a
			}
			if flags.Changed("duration") {
				opts.DurationMinutes = &duration
			}
			if flags.Changed("notify") {
				opts.NotifyDefault = &notify
			}
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				opts.UserID = u.ID
				change, err := e.UpdateScheduleActivity(ctx, opts)
				if err != nil {
					return err
				}
				return printChange(change)
			})
		},
	}
	cmd.Flags().StringVar(&activityID, "activity", "", "activity id")
	cmd.Flags().StringVar(&at, "at", "", "local start time (HH:MM)")
	cmd.Flags().StringVar(&rule, "rule", "", "recurrence rule")
	cmd.Flags().StringVar(&anchor, "anchor", "", "RFC 3339 anchor")
	cmd.Flags().IntVar(&duration, "duration", 0, "duration in minutes")
	cmd.Flags().BoolVar(&notify, "notify", true, "notify for future instances")
	cmd.Flags().BoolVar(&patchOnly, "patch-only", false, "move open future instances instead of regenerating")
	return cmd
}

func planDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a plan entry and all of its instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				if err := e.DeleteScheduleActivity(ctx, u.ID, args[0]); err != nil {
					return err
				}
				fmt.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func planRegenerateCmd() *cobra.Command {
	var horizon string
	cmd := &cobra.Command{
		Use:   "regenerate <id>",
		Short: "Rebuild one plan entry's future instances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := parseOptionalDate("horizon", horizon)
			if err != nil {
				return err
			}
			return withUser(cmd.Context(), func(ctx context.Context, e engine.Engine, u domain.User) error {
				res, err := e.MaterializeScheduleActivity(ctx, u.ID, args[0], engine.MaterializeOptions{Horizon: h})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Created %d instances, discarded %d\n", len(res.Created), len(res.Discarded))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&horizon, "horizon", "", "materialize up to this date")
	return cmd
}

func printChange(change engine.ScheduleActivityChange) error {
	if viper.GetBool("json") {
		return printJSON(change)
	}
	sa := change.ScheduleActivity
	fmt.Printf("Plan entry %s: %s at %s (%s)\n", sa.ID, sa.Recurrence, sa.LocalStartTime, sa.Anchor.Format(time.RFC3339))
	if change.Materialized != nil {
		fmt.Printf("Created %d instances, discarded %d\n", len(change.Materialized.Created), len(change.Materialized.Discarded))
	}
	if change.Rescheduled > 0 {
		fmt.Printf("Moved %d open instances\n", change.Rescheduled)
	}
	return nil
}
