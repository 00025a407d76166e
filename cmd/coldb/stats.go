package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coldb/coldb/pkg/engine"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print storage and cluster statistics for a node's data directory",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().String("data-dir", "", "Root directory for table files, WAL, and segments")
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	// Stats never needs to bind a port or join a cluster; open the data
	// directory read-write only long enough to report on it.
	cfg.Port = 0
	cfg.ClusterEnabled = false

	eng, err := engine.New(cfg.EngineOptions())
	if err != nil {
		return fmt.Errorf("failed to open data directory: %w", err)
	}
	defer eng.Close()

	out, err := json.MarshalIndent(eng.Stats(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
