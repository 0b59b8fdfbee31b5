package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/aegis/internal/config"
	"github.com/user/aegis/internal/outbox"
	"github.com/user/aegis/internal/relay"
	"github.com/user/aegis/internal/types"
)

func init() {
	rootCmd.AddCommand(outboxCmd)
	outboxCmd.AddCommand(outboxStatsCmd, outboxListCmd, outboxRetryCmd, outboxAddCmd)

	outboxAddCmd.Flags().String("user", "", "user id (required)")
	outboxAddCmd.Flags().String("risk", "normal", "risk level (normal|alert|risk|critical)")
	outboxAddCmd.Flags().String("text", "", "event text (diary_entry, state_change)")
	outboxAddCmd.Flags().Int("duration", 0, "inactivity duration in minutes (inactivity)")
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and operate the local event queue",
}

// openOutbox loads the queue wired to the relay client as its sender.
func openOutbox(cfg *config.Config) (*outbox.Outbox, error) {
	client := relay.NewClient(cfg.Relay.BaseURL)
	return outbox.New(outboxPath(cfg), client)
}

var outboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		o, err := openOutbox(cfg)
		if err != nil {
			return err
		}
		s := o.Stats()
		fmt.Fprintf(os.Stdout, "pending:  %d\n", s.Pending)
		fmt.Fprintf(os.Stdout, "sending:  %d\n", s.Sending)
		fmt.Fprintf(os.Stdout, "sent:     %d\n", s.Sent)
		fmt.Fprintf(os.Stdout, "failed:   %d\n", s.Failed)
		fmt.Fprintf(os.Stdout, "retrying: %d\n", s.Retrying)
		return nil
	},
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		o, err := openOutbox(cfg)
		if err != nil {
			return err
		}
		entries := o.Entries()
		if len(entries) == 0 {
			fmt.Fprintln(os.Stdout, "Queue is empty.")
			return nil
		}
		for _, e := range entries {
			line := fmt.Sprintf("%s  %-15s %-8s attempts=%d", e.ID, e.EventType, e.Status, e.Attempts)
			if e.LastError != "" {
				line += "  error=" + e.LastError
			}
			fmt.Fprintln(os.Stdout, line)
		}
		return nil
	},
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <entry-id>",
	Short: "Reset a failed entry for immediate delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		o, err := openOutbox(cfg)
		if err != nil {
			return err
		}
		if err := o.Retry(context.Background(), types.EntryID(args[0])); err != nil {
			return err
		}
		entry, err := o.Get(types.EntryID(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Entry %s is now %s.\n", entry.ID, entry.Status)
		return nil
	},
}

var outboxAddCmd = &cobra.Command{
	Use:   "add <event-type>",
	Short: "Enqueue a safety event for delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		user, _ := cmd.Flags().GetString("user")
		riskFlag, _ := cmd.Flags().GetString("risk")
		text, _ := cmd.Flags().GetString("text")
		duration, _ := cmd.Flags().GetInt("duration")

		userID := types.UserID(user)
		risk := types.RiskLevel(riskFlag)
		eventType := types.EventType(args[0])

		var event *types.Event
		var err error
		switch eventType {
		case types.EventCheckinFailed:
			event, err = relay.NewCheckinFailedEvent(userID, risk)
		case types.EventInactivity:
			event, err = relay.NewInactivityEvent(userID, risk, duration)
		case types.EventDiaryEntry:
			event, err = relay.NewDiaryEntryEvent(userID, risk, text)
		case types.EventStateChange:
			event, err = relay.NewStateChangeEvent(userID, risk, text)
		case types.EventSOSManual:
			event, err = relay.NewManualSOSEvent(userID, risk, nil)
		default:
			return fmt.Errorf("unknown event type: %s", eventType)
		}
		if err != nil {
			return err
		}

		o, err := openOutbox(cfg)
		if err != nil {
			return err
		}
		id, err := o.Add(context.Background(), eventType, event)
		if err != nil {
			return err
		}

		entry, err := o.Get(id)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Enqueued %s (%s), status %s.\n", id, eventType, entry.Status)
		return nil
	},
}
