package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"marketpulse/internal/domain/entity"
)

func newFlagCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flag",
		Short: "Administer feature flags",
	}
	cmd.AddCommand(newFlagListCommand())
	cmd.AddCommand(newFlagGetCommand())
	cmd.AddCommand(newFlagSetCommand())
	cmd.AddCommand(newFlagRolloutCommand())
	return cmd
}

func newFlagListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every known feature flag",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			flags, err := a.Flags.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list flags: %w", err)
			}
			return printFlags(flags)
		},
	}
}

func newFlagGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Show one feature flag's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			flag, err := a.Flags.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get flag %q: %w", args[0], err)
			}
			return printFlags([]*entity.FeatureFlag{flag})
		},
	}
}

func newFlagSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name> <off|canary|on|emergency_off>",
		Short: "Override a feature flag's status, bypassing auto-trip state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			status := entity.FlagStatus(args[1])
			if err := a.Flags.SetStatus(cmd.Context(), args[0], status); err != nil {
				return fmt.Errorf("set flag %q: %w", args[0], err)
			}

			flag, err := a.Flags.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("reload flag %q: %w", args[0], err)
			}
			return printFlags([]*entity.FeatureFlag{flag})
		},
	}
}

func newFlagRolloutCommand() *cobra.Command {
	var pct int

	cmd := &cobra.Command{
		Use:   "rollout <name>",
		Short: "Set a feature flag's canary rollout percentage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Flags.SetRolloutPercentage(cmd.Context(), args[0], pct); err != nil {
				return fmt.Errorf("set rollout for flag %q: %w", args[0], err)
			}

			flag, err := a.Flags.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("reload flag %q: %w", args[0], err)
			}
			return printFlags([]*entity.FeatureFlag{flag})
		},
	}
	cmd.Flags().IntVar(&pct, "percent", 0, "rollout percentage, 0-100")
	return cmd
}

func printFlags(flags []*entity.FeatureFlag) error {
	if outputFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(flags)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tROLLOUT%\tERROR RATE\tP95 MS\tCONSEC FAILURES")
	for _, f := range flags {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.3f\t%.1f\t%d\n",
			f.Name, f.Status, f.RolloutPercentage, f.RecentErrorRate, f.RecentP95LatencyMS, f.ConsecutiveFailures)
	}
	return tw.Flush()
}
