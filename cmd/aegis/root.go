package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/aegis/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "aegis",
	Short: "Personal-safety companion daemon and tools",
	// Silence cobra's own error echo; RunE errors are printed once by main.
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath,
		"config",
		filepath.Join(os.Getenv("HOME"), ".aegis", "config.json"),
		"config file path",
	)
}

// loadConfig loads the config file, exiting on failure. Commands call this
// after flag parsing.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// setupLogging installs the default slog handler at the configured level.
func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// dsn returns the configured database DSN, defaulting to a sqlite file in
// the data dir.
func dsn(cfg *config.Config) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	return filepath.Join(cfg.DataDir, "aegis.db")
}

// outboxPath returns the local queue file location.
func outboxPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "outbox.json")
}
