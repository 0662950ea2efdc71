package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gantry-hq/gantry/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Parse and validate a configuration file without starting the server.

Examples:
  # Validate the default config
  gantry validate --config gantry.yaml`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("no config file specified (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	fmt.Printf("✓ Configuration valid (%d static endpoints)\n", len(cfg.Endpoints))
	return nil
}
