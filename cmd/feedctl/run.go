package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"marketpulse/internal/domain/entity"
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage analysis runs",
	}
	cmd.AddCommand(newRunPreviewCommand())
	cmd.AddCommand(newRunConfirmCommand())
	cmd.AddCommand(newRunPauseCommand())
	cmd.AddCommand(newRunResumeCommand())
	cmd.AddCommand(newRunCancelCommand())
	cmd.AddCommand(newRunEmergencyStopCommand())
	cmd.AddCommand(newRunResumeAllCommand())
	return cmd
}

func newRunPreviewCommand() *cobra.Command {
	var (
		feedIDs          []int64
		itemIDs          []int64
		global           bool
		modelTag         string
		rate             float64
		limit            int
		overrideExisting bool
	)

	cmd := &cobra.Command{
		Use:   "preview",
		Short: "Resolve a scope and estimate an analysis run's cost, without queuing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := scopeFromFlags(global, feedIDs, itemIDs)
			if err != nil {
				return err
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			params := entity.RunParams{
				ModelTag:         modelTag,
				RatePerSecond:    rate,
				Limit:            limit,
				OverrideExisting: overrideExisting,
				TriggeredBy:      entity.TriggeredManual,
			}

			result, err := a.Runs.Preview(cmd.Context(), scope, params)
			if err != nil {
				return fmt.Errorf("preview: %w", err)
			}
			return printJSONOrText(result, func() {
				fmt.Printf("run %d: %d items resolved (%d already analyzed), est. cost $%.4f, est. duration %.0fs\n",
					result.RunID, result.ItemCount, result.AlreadyAnalyzedCount,
					result.EstimatedCostUSD, result.EstimatedDurationSeconds)
			})
		},
	}

	cmd.Flags().Int64SliceVar(&feedIDs, "feed-id", nil, "scope to these feed ids (repeatable)")
	cmd.Flags().Int64SliceVar(&itemIDs, "item-id", nil, "scope to these item ids (repeatable)")
	cmd.Flags().BoolVar(&global, "global", false, "scope to every item eligible for analysis")
	cmd.Flags().StringVar(&modelTag, "model-tag", "", "model tag (defaults to the manager's configured default)")
	cmd.Flags().Float64Var(&rate, "rate", 0, "items per second (defaults to the manager's configured default)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum resolved item count (defaults to 200, capped at 5000)")
	cmd.Flags().BoolVar(&overrideExisting, "override-existing", false, "re-analyze items that already have an analysis")
	return cmd
}

func scopeFromFlags(global bool, feedIDs, itemIDs []int64) (entity.RunScope, error) {
	switch {
	case global:
		return entity.RunScope{Kind: entity.ScopeGlobal}, nil
	case len(feedIDs) > 0:
		return entity.RunScope{Kind: entity.ScopeFeeds, FeedIDs: feedIDs}, nil
	case len(itemIDs) > 0:
		return entity.RunScope{Kind: entity.ScopeItems, ItemIDs: itemIDs}, nil
	default:
		return entity.RunScope{}, fmt.Errorf("one of --global, --feed-id, or --item-id is required")
	}
}

func newRunConfirmCommand() *cobra.Command {
	return runIDCommand("confirm", "Queue a previewed run for execution", func(a *app, cmd *cobra.Command, id int64) error {
		return a.Runs.Confirm(cmd.Context(), id)
	})
}

func newRunPauseCommand() *cobra.Command {
	return runIDCommand("pause", "Pause a running analysis run", func(a *app, cmd *cobra.Command, id int64) error {
		return a.Runs.Pause(cmd.Context(), id)
	})
}

func newRunResumeCommand() *cobra.Command {
	return runIDCommand("resume", "Resume a paused analysis run", func(a *app, cmd *cobra.Command, id int64) error {
		return a.Runs.Resume(cmd.Context(), id)
	})
}

func newRunCancelCommand() *cobra.Command {
	return runIDCommand("cancel", "Cancel a queued, running, or paused analysis run", func(a *app, cmd *cobra.Command, id int64) error {
		return a.Runs.Cancel(cmd.Context(), id)
	})
}

// runIDCommand factors the shared "<verb> <run-id>" shape: parse the id,
// wire an app, call fn, and reload+print the run on success.
func runIDCommand(use, short string, fn func(a *app, cmd *cobra.Command, id int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := fn(a, cmd, id); err != nil {
				return fmt.Errorf("%s run %d: %w", use, id, err)
			}

			run, err := a.Runs.GetRun(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("reload run %d: %w", id, err)
			}
			return printJSONOrText(run, func() {
				fmt.Printf("run %d: %s\n", run.ID, run.Status)
			})
		},
	}
}

func newRunEmergencyStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "emergency-stop",
		Short: "Pause every running analysis run and refuse new admissions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Runs.EmergencyStop(cmd.Context()); err != nil {
				return fmt.Errorf("emergency stop: %w", err)
			}
			fmt.Println("emergency stop engaged: all running analysis runs paused")
			return nil
		},
	}
}

func newRunResumeAllCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume-all",
		Short: "Clear emergency-stop and resume every paused analysis run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Runs.ResumeAll(cmd.Context()); err != nil {
				return fmt.Errorf("resume all: %w", err)
			}
			fmt.Println("emergency stop cleared: all paused analysis runs resumed")
			return nil
		},
	}
}

func printJSONOrText(v any, text func()) error {
	if outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text()
	return nil
}
