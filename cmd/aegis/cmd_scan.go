package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/aegis/internal/scanner"
	"github.com/user/aegis/internal/store"
)

func init() {
	rootCmd.AddCommand(scanCmd)
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one inactivity scan pass and print the summary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		st, err := store.Open(dsn(cfg))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}

		exec, err := newExecutor(cfg, st)
		if err != nil {
			return err
		}

		scn := scanner.New(st, newCoreClient(cfg), exec, scanConfig(cfg))
		summary := scn.Scan(context.Background())

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}
