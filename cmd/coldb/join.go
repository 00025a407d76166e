package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coldb/coldb/pkg/engine"
)

var joinCmd = &cobra.Command{
	Use:   "join <seed-host:port> [more-seeds...]",
	Short: "Join a running node to an existing cluster and print cluster stats",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runJoin,
}

func init() {
	joinCmd.Flags().String("data-dir", "", "Root directory for table files, WAL, and segments")
	joinCmd.Flags().String("node-id", "", "Stable node identifier")
	joinCmd.Flags().String("host", "", "Bind address advertised to peers")
	joinCmd.Flags().Int("port", 0, "Cluster/data websocket port")
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg)
	cfg.ClusterEnabled = true
	cfg.SeedNodes = args

	eng, err := engine.New(cfg.EngineOptions())
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer eng.Close()

	if err := eng.JoinCluster(args); err != nil {
		return fmt.Errorf("failed to join cluster: %w", err)
	}

	stats, err := eng.ClusterStats()
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
