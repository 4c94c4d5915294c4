// Package main provides feedctl, the operator CLI for the control plane:
// feed administration and analysis-run lifecycle management against the
// same usecase managers cmd/controlplane runs in-process.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"marketpulse/internal/observability/logging"
	pkgconfig "marketpulse/pkg/config"
)

var outputFormat string

func main() {
	cliCfg, err := loadCLIConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewCLILogger()
	slog.SetDefault(logger)

	if err := pkgconfig.LoadYAMLOverlay(pkgconfig.GetEnvString("CONFIG_OVERLAY_PATH", "config.yaml")); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "feedctl",
		Short: "Administer feeds and analysis runs",
		Long: `feedctl is the operator command line for the feed control plane.

Commands:
  feed     add/list/enable/disable feed sources
  run      preview/confirm/pause/resume/cancel analysis runs
  flag     list/get/set/rollout feature flags`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", cliCfg.OutputFormat, "output format: text or json")

	rootCmd.AddCommand(newFeedCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newFlagCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
