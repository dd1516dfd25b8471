// Sentinel - Graph-based money-laundering detection.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/sentinel/internal/config"
	"github.com/opensource-finance/sentinel/internal/domain"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Graph-based money-laundering detection",
	Long: `Sentinel scores every account of a transfer graph with an anomaly
detector and a graph classifier, and explains each score with the
features that drove it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./sentinel.yaml if present)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(bundlesCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration and installs the default logger.
func loadConfig() (*domain.Config, error) {
	cfg, err := config.Load(config.Options{ConfigFile: cfgFile})
	if err != nil {
		return nil, err
	}
	setupLogger(cfg.Logging)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"graph", cfg.Graph.Driver,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)
	return cfg, nil
}

func setupLogger(cfg domain.LoggingConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "sentinel %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	},
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                SENTINEL                   |")
	fmt.Println("  |   Graph-based money-laundering detection  |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /suspicious-networks                - Top-N accounts by network risk")
	fmt.Println("    GET  /account/{id}/explanation           - Scores and explanation for one account")
	fmt.Println("    GET  /network/{id}                       - Transfer neighbourhood")
	fmt.Println("    GET  /network/{id}/illicit-transactions  - Labelled illicit transfers")
	fmt.Println("    GET  /statistics/patterns                - Pattern counts among top accounts")
	fmt.Println("    GET  /statistics/heatmap                 - State counts among top accounts")
	fmt.Println("    GET  /model                              - Active model bundle")
	fmt.Println("    POST /model/reload                       - Reload the active bundle")
	fmt.Println("    GET  /health, /ready, /metrics")
	fmt.Println()
}
