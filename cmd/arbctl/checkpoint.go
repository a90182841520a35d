package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"latency-arb-engine/internal/checkpoint"
	"latency-arb-engine/internal/config"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspects persisted filter checkpoints.",
}

var checkpointInspectCmd = &cobra.Command{
	Use:   "inspect <pattern_id> <market_key>",
	Short: "Loads and pretty-prints a single persisted FilterState.",
	Args:  cobra.ExactArgs(2),
	RunE:  runCheckpointInspect,
}

func init() {
	checkpointCmd.AddCommand(checkpointInspectCmd)
}

func runCheckpointInspect(cmd *cobra.Command, args []string) error {
	patternID64, err := strconv.ParseUint(args[0], 10, 16)
	if err != nil {
		return fmt.Errorf("invalid pattern_id %q: %w", args[0], err)
	}
	marketKey := args[1]

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := checkpoint.New(cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("build checkpoint store: %w", err)
	}
	defer store.Close()

	key := checkpoint.Key(uint16(patternID64), marketKey)
	data, found, err := store.Load(cmd.Context(), key)
	if err != nil {
		return fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	if !found {
		fmt.Printf("no checkpoint for %s (cold start)\n", key)
		return nil
	}

	var pretty map[string]interface{}
	if err := json.Unmarshal(data, &pretty); err != nil {
		return fmt.Errorf("decode checkpoint %s: %w", key, err)
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
