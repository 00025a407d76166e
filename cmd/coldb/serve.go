package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coldb/coldb/pkg/config"
	"github.com/coldb/coldb/pkg/engine"
	"github.com/coldb/coldb/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a coldb node, serving cluster and data traffic",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("data-dir", "", "Root directory for table files, WAL, and segments")
	serveCmd.Flags().String("node-id", "", "Stable node identifier (generated from hostname+time if unset)")
	serveCmd.Flags().String("host", "", "Bind address advertised to peers")
	serveCmd.Flags().Int("port", 0, "Cluster/data websocket port")
	serveCmd.Flags().Bool("cluster-enabled", false, "Enable clustering (§4.16-4.20)")
	serveCmd.Flags().StringSlice("seed-nodes", nil, "host:port addresses to join on startup")
	serveCmd.Flags().Bool("use-direct-flush", false, "Default new tables to the direct-flush backend")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyServeFlags(cmd, &cfg)

	eng, err := engine.New(cfg.EngineOptions())
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	metrics.RegisterComponent("engine", true, "")
	metrics.RegisterComponent("wal", true, "")

	collector := metrics.NewCollector(eng)
	collector.Start()
	defer collector.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/cluster", eng.ServeCluster)
	mux.HandleFunc("/data", eng.ServeData)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	fmt.Printf("coldb node listening on %s\n", addr)
	fmt.Printf("  data dir:        %s\n", cfg.DataDir)
	fmt.Printf("  cluster enabled: %v\n", cfg.ClusterEnabled)
	fmt.Println("Press Ctrl+C to stop.")

	if cfg.ClusterEnabled && len(cfg.SeedNodes) > 0 {
		if err := eng.JoinCluster(cfg.SeedNodes); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to join cluster: %v\n", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nserver error: %v\n", err)
	}

	if err := eng.Close(); err != nil {
		return fmt.Errorf("failed to shut down engine cleanly: %w", err)
	}
	fmt.Println("✓ Shutdown complete")
	return nil
}

// applyServeFlags overlays any explicitly-set serve flags onto cfg,
// mirroring cmd/warren's pattern of flag-overrides-config rather than
// config-overrides-flag.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		cfg.Host = v
	}
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		cfg.Port = v
	}
	if cmd.Flags().Changed("cluster-enabled") {
		cfg.ClusterEnabled, _ = cmd.Flags().GetBool("cluster-enabled")
	}
	if v, _ := cmd.Flags().GetStringSlice("seed-nodes"); len(v) > 0 {
		cfg.SeedNodes = v
	}
	if cmd.Flags().Changed("use-direct-flush") {
		cfg.UseDirectFlush, _ = cmd.Flags().GetBool("use-direct-flush")
	}
}
