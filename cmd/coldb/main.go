package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/coldb/coldb/pkg/config"
	"github.com/coldb/coldb/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "coldb",
	Short: "coldb - an embedded columnar store with optional clustering",
	Long: `coldb buffers writes in memory and persists them as immutable
sorted segments on disk, with transparent encryption at rest and
optional horizontal partitioning across a cluster of peer nodes.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"coldb version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (spec.md §6 options)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error), overrides config")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format, overrides config")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(joinCmd)
}

// loadConfig reads --config if given, falling back to config.Default,
// then layers --log-level/--log-json on top when the caller set them.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if json, _ := cmd.Flags().GetBool("log-json"); json {
		cfg.LogJSON = true
	}
	return cfg, nil
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	if level == "" {
		level = "info"
	}
	lvl := log.InfoLevel
	switch level {
	case "debug":
		lvl = log.DebugLevel
	case "warn":
		lvl = log.WarnLevel
	case "error":
		lvl = log.ErrorLevel
	}
	log.Init(log.Config{Level: lvl, JSONOutput: jsonOut})
}
