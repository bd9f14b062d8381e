package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cloudmgr",
		Short: "cloudmgr - cloud provider connection manager",
		Long: `cloudmgr authenticates against cloud provider control APIs, issues
start/stop/restart requests against remote compute resources and keeps a
local inventory in sync with each provider.

Supported providers:
  - hcloud  Hetzner Cloud
  - aws     Amazon EC2`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newConnectionCommand(version))
	rootCmd.AddCommand(newVerifyCommand(version))
	rootCmd.AddCommand(newPowerCommand(version))
	rootCmd.AddCommand(newRefreshCommand(version))
	rootCmd.AddCommand(newResourcesCommand(version))
	rootCmd.AddCommand(newServeCommand(version))

	return rootCmd
}
