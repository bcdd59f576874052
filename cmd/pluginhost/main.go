package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var configDir string

func main() {
	rootCmd := &cobra.Command{
		Use:   "pluginhost",
		Short: "Out-of-process plugin host",
		Long: `pluginhost launches plugin binaries as child processes, speaks RPC to
them over a multiplexed local socket and relays HTTP requests to the
storage and function capabilities they provide.

Quick Start:
  pluginhost registry validate   # Check plugins.yaml
  pluginhost serve               # Launch plugins and start the API
  pluginhost encrypt VALUE       # Seal a secret for a registry env entry`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configDir, "config", "c", ".", "Directory holding app.yaml and .env")

	rootCmd.AddCommand(newServeCommand(), newRegistryCommand(), newEncryptCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging installs the JSON slog handler used by every component.
func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}
