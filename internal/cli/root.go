// Package cli implements the voltagent command tree.
package cli

import (
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/voltagent/voltagent/internal/config"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/voltagent/voltagent/internal/cli.version=1.2.3"
	version = "0.4.1"
	logo    = "\n" +
		" __     __    _ _      _                    _\n" +
		" \\ \\   / /__ | | |_   / \\   __ _  ___ _ __ | |_\n" +
		"  \\ \\ / / _ \\| | __| / _ \\ / _` |/ _ \\ '_ \\| __|\n" +
		"   \\ V / (_) | | |_ / ___ \\ (_| |  __/ | | | |_\n" +
		"    \\_/ \\___/|_|\\__/_/   \\_\\__, |\\___|_| |_|\\__|\n" +
		"                           |___/\n"
)

var rootCmd = &cobra.Command{
	Use:   "voltagent",
	Short: "VoltAgent - Multi-Agent Orchestration",
	Long:  color.CyanString(logo) + "\nEvent-driven orchestration for LLM agent fleets: workflows, coordination, load balancing.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(demoCmd)
}

// setupLogging installs the slog handler the config asks for.
func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
