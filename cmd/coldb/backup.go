package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coldb/coldb/pkg/engine"
)

var backupCmd = &cobra.Command{
	Use:   "backup <dest>",
	Short: "Flush outstanding writes and copy the data directory to dest",
	Args:  cobra.ExactArgs(1),
	RunE:  runBackup,
}

func init() {
	backupCmd.Flags().String("data-dir", "", "Root directory for table files, WAL, and segments")
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	cfg.ClusterEnabled = false

	eng, err := engine.New(cfg.EngineOptions())
	if err != nil {
		return fmt.Errorf("failed to open data directory: %w", err)
	}
	defer eng.Close()

	if err := eng.Backup(args[0]); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	fmt.Printf("✓ Backed up %s to %s\n", cfg.DataDir, args[0])
	return nil
}
