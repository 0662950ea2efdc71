package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Gantry - load balancer for OpenAI-compatible LLM endpoints",
	Long: `Gantry fronts a fleet of LLM inference servers behind a single
OpenAI-compatible address.

It routes each request to the endpoint expected to serve it fastest:
  - Per-model routing with measured tokens-per-second ranking
  - Active health checking with automatic failover
  - Per-endpoint concurrency limits with bounded FIFO queuing
  - Automatic endpoint flavor detection (vLLM, Ollama, xLLM, generic)
  - Durable endpoint registry and usage statistics in SQLite`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
