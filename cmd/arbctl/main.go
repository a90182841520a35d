// arbctl is the operator CLI for the cross-venue latency arbitrage engine:
// run the pipeline controller against configured venues, inspect a
// persisted filter checkpoint, or print the last telemetry snapshot.
//
// Reworked from cmd/bot/main.go: the teacher is a flag-less single-binary
// (one main() that loads config, starts the engine, and waits for a
// shutdown signal); arbctl keeps that exact shape for `run` but splits it
// out as one cobra subcommand among several, grounded on
// NimbleMarkets-dbn-go's cobra command tree (a root command with no
// behavior of its own, each verb its own *cobra.Command with its own
// flags).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "arbctl",
	Short: "arbctl operates the cross-venue latency arbitrage engine.",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "configs/config.yaml", "path to the engine config YAML")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(telemetryCmd)
}
