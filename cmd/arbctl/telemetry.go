package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"latency-arb-engine/internal/config"
)

var telemetryCmd = &cobra.Command{
	Use:   "telemetry",
	Short: "Reads the last telemetry snapshot a running engine wrote out.",
}

var telemetrySnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Pretty-prints <checkpoint.data_dir>/telemetry.json.",
	Args:  cobra.NoArgs,
	RunE:  runTelemetrySnapshot,
}

func init() {
	telemetryCmd.AddCommand(telemetrySnapshotCmd)
}

func runTelemetrySnapshot(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	path := filepath.Join(cfg.Checkpoint.DataDir, "telemetry.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s (is an `arbctl run` instance active?): %w", path, err)
	}

	var pretty map[string]interface{}
	if err := json.Unmarshal(data, &pretty); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
