package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/aegis/internal/listener"
	"github.com/user/aegis/internal/store"
	"github.com/user/aegis/internal/types"
)

func init() {
	rootCmd.AddCommand(listenCmd)
	listenCmd.Flags().String("user", "", "user id (required)")
	_ = listenCmd.MarkFlagRequired("user")
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Watch for evidence-capture requests for a user",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		user, _ := cmd.Flags().GetString("user")

		st, err := store.Open(dsn(cfg))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}

		ev := listener.New(st, types.UserID(user), func(rec *types.DecisionRecord) {
			fmt.Fprintf(os.Stdout, "Evidence capture requested by decision %s.\n", rec.ID)
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			<-sigChan
			cancel()
		}()

		ev.Run(ctx)
		return nil
	},
}
