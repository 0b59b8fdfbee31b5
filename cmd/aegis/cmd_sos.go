package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/aegis/internal/relay"
	"github.com/user/aegis/internal/store"
	"github.com/user/aegis/internal/types"
)

func init() {
	rootCmd.AddCommand(sosCmd)
	sosCmd.Flags().String("user", "", "user id (required)")
	sosCmd.Flags().Float64("lat", 0, "last known latitude")
	sosCmd.Flags().Float64("lon", 0, "last known longitude")
	_ = sosCmd.MarkFlagRequired("user")
}

// sosCmd triggers a manual SOS. Local escalation runs first and does not
// wait on the network: the escort session and circle alert must happen even
// when the relay is unreachable. The sos_manual event is then queued for
// delivery so the upstream decision engine catches up when connectivity
// returns.
var sosCmd = &cobra.Command{
	Use:   "sos",
	Short: "Trigger a manual SOS escalation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		user, _ := cmd.Flags().GetString("user")
		lat, _ := cmd.Flags().GetFloat64("lat")
		lon, _ := cmd.Flags().GetFloat64("lon")
		userID := types.UserID(user)

		st, err := store.Open(dsn(cfg))
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}

		exec, err := newExecutor(cfg, st)
		if err != nil {
			return err
		}

		ctx := context.Background()
		entry := exec.Execute(ctx, userID, "", types.Action{Type: types.ActionEscalateFullSOS})
		if entry.Status == types.ActionLogFail {
			return fmt.Errorf("local SOS escalation failed: %s", entry.ErrorMessage)
		}
		fmt.Fprintln(os.Stdout, "SOS activated: escort session created, trusted circle alerted.")

		// Best-effort upstream notification; local escalation already done.
		var loc *types.Location
		if lat != 0 || lon != 0 {
			loc = &types.Location{Lat: lat, Lng: lon}
		}
		event, err := relay.NewManualSOSEvent(userID, types.RiskCritical, loc)
		if err != nil {
			slog.Warn("build sos event failed", "error", err)
			return nil
		}
		o, err := openOutbox(cfg)
		if err != nil {
			slog.Warn("open outbox failed, sos event not queued", "error", err)
			return nil
		}
		id, err := o.Add(ctx, types.EventSOSManual, event)
		if err != nil {
			slog.Warn("queue sos event failed", "error", err)
			return nil
		}
		fmt.Fprintf(os.Stdout, "Queued sos_manual event %s for delivery.\n", id)
		return nil
	},
}
