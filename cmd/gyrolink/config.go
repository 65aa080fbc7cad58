package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Prints the configuration serve would run with, as YAML that --config accepts.

Examples:
  gyrolink config > gyrolink.yaml
  gyrolink config --config gyrolink.yaml`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

var configPath string

func init() {
	configCmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file")
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	out, err := cfg.Dump()
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}
