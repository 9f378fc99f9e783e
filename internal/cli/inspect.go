package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"lifeline/internal/domain"
	"lifeline/internal/scheduler"
	"lifeline/internal/survival"
)

func newForceRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force-run <task>",
		Short: "Run one task now, outside the heartbeat schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.sched.ForceRun(ctx, args[0])
			if err != nil {
				return fmt.Errorf("force-run %s: %w", args[0], err)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			if out.Error != "" {
				return fmt.Errorf("task %s %s: %s", out.Task, out.Result, out.Error)
			}
			return nil
		},
	}
}

func newScheduleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Show the durable task schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			entries, err := a.store.GetSchedule(ctx)
			if err != nil {
				return fmt.Errorf("get schedule: %w", err)
			}
			return writeSchedule(os.Stdout, entries, time.Now())
		},
	}
}

func writeSchedule(w io.Writer, entries []domain.ScheduleEntry, now time.Time) error {
	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSCHEDULE\tTIER MIN\tENABLED\tLAST RUN\tRESULT\tRUNS\tFAILS\tNEXT DUE\tLEASE")
	for _, e := range entries {
		sched := e.CronExpr
		if sched == "" {
			sched = "every " + (time.Duration(e.IntervalMs) * time.Millisecond).String()
		}
		result := "-"
		if e.LastResult != nil {
			result = string(*e.LastResult)
		}
		lease := "-"
		if e.LeaseActive(now) {
			lease = e.LeaseOwner
		}
		next := "-"
		if at := scheduler.NextDueAt(e, now); !at.IsZero() {
			next = at.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\t%d\t%d\t%s\t%s\n",
			e.TaskName, sched, e.TierMinimum, e.Enabled, formatTime(e.LastRunAt),
			result, e.RunCount, e.FailCount, next, lease)
	}
	return tw.Flush()
}

func newTierCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tier",
		Short: "Show the last observed survival tier and recent transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			tier, ok, err := a.tracker.Current(ctx)
			if err != nil {
				return err
			}
			transitions, err := a.tracker.Transitions(ctx)
			if err != nil {
				return err
			}
			return writeTier(os.Stdout, tier, ok, transitions)
		},
	}
}

func writeTier(w io.Writer, tier survival.Tier, known bool, transitions []survival.Transition) error {
	if known {
		fmt.Fprintf(w, "Tier:        %s\n", tier)
		fmt.Fprintf(w, "Restricted:  %t\n", tier.Restricted())
	} else {
		fmt.Fprintln(w, "Tier:        unknown (no tick has run yet)")
	}
	if len(transitions) == 0 {
		return nil
	}
	fmt.Fprintln(w, "Transitions:")
	for _, tr := range transitions {
		fmt.Fprintf(w, "  %s  %s -> %s  (%d cents)\n", tr.At.Local().Format(time.RFC3339), tr.From, tr.To, tr.CreditsCents)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format(time.RFC3339)
}
