package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tesseradb/tessera/pkg/config"
	"github.com/tesseradb/tessera/pkg/engine"
	"github.com/tesseradb/tessera/pkg/log"
	"github.com/tesseradb/tessera/pkg/metrics"
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
	Use:   "tessera",
	Short: "Tessera - embedded multi-model database",
	Long: `Tessera is an embedded, single-process, multi-model database that
unifies key/value lookup, labeled graph traversal, vector similarity
search, and geospatial radius search over one memory-mapped node store.

This binary covers the operational surface: inspecting a data directory,
taking and restoring backups, and serving metrics.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Tessera version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Data directory (overridden by config file)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(serveMetricsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig() (config.Config, error) {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	cfg.DataDir, _ = rootCmd.PersistentFlags().GetString("data-dir")
	return cfg, nil
}

func openEngine() (*engine.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return engine.Open(cfg.DataDir, cfg.Engine)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show store statistics for a data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		fmt.Printf("Data directory statistics:\n")
		fmt.Printf("  WAL enabled: %v\n", e.WAL().Enabled())
		fmt.Printf("  WAL size:    %d bytes\n", e.WAL().SizeBytes())
		fmt.Printf("  WAL LSN:     %d\n", e.WAL().CurrentLsn())
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup <output.json>",
	Short: "Dump all live nodes and edges to a JSON backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Backup(args[0]); err != nil {
			return err
		}
		fmt.Printf("Backup written to %s\n", args[0])
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <backup.json>",
	Short: "Load a JSON backup into the data directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Restore(args[0]); err != nil {
			return err
		}
		if err := e.Flush(); err != nil {
			return err
		}
		fmt.Printf("Restore from %s complete\n", args[0])
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check blob checksums for every live node",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		out, err := e.All().Collect()
		if err != nil {
			return err
		}
		bad := 0
		for _, hit := range out.Data {
			if err := e.VerifyCRC(hit.Idx); err != nil {
				fmt.Fprintf(os.Stderr, "  %v\n", err)
				bad++
			}
		}
		fmt.Printf("Checked %d nodes, %d checksum failures\n", len(out.Data), bad)
		if bad > 0 {
			return fmt.Errorf("%d corrupt nodes", bad)
		}
		return nil
	},
}

var serveMetricsCmd = &cobra.Command{
	Use:   "serve-metrics",
	Short: "Serve Prometheus metrics for an open data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr := cfg.MetricsAddr
		if addr == "" {
			addr = ":9420"
		}

		e, err := engine.Open(cfg.DataDir, cfg.Engine)
		if err != nil {
			return err
		}
		defer e.Close()
		if err := e.Flush(); err != nil {
			return err
		}

		log.Info(fmt.Sprintf("serving metrics on %s", addr))
		return metrics.StartMetricsServer(addr)
	},
}
