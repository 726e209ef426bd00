package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"intercom-bridge/internal/models"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent events, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()

		limit, _ := cmd.Flags().GetInt("limit")
		typ, _ := cmd.Flags().GetString("type")
		deviceID, _ := cmd.Flags().GetString("device")

		filter := models.EventFilter{Type: models.EventType(typ), DeviceID: deviceID}
		if filter.Type != "" && !filter.Type.Valid() {
			fmt.Fprintf(os.Stderr, "Unknown event type %q\n", typ)
			os.Exit(1)
		}

		c := mustBuild(ctx)
		defer c.close()

		events, err := c.bridge.EventHistory(ctx, limit, filter)
		if err != nil {
			fail("Failed to read events", err)
		}
		if len(events) == 0 {
			fmt.Println("No events recorded")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tTYPE\tDEVICE\tDETAILS")
		for _, ev := range events {
			details, _ := json.Marshal(ev.Metadata)
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
				ev.Type,
				ev.DeviceID,
				details,
			)
		}
		w.Flush()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session and device status",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		c := mustBuild(ctx)
		defer c.close()

		if c.auth.Status().Authenticated {
			if _, err := c.bridge.ListDevices(ctx, false); err != nil {
				fail("Failed to list devices", err)
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(c.bridge.Status()); err != nil {
			fail("Failed to print status", err)
		}
	},
}

func init() {
	eventsCmd.Flags().IntP("limit", "n", 20, "Number of events to show (at most 100)")
	eventsCmd.Flags().StringP("type", "t", "", "Only events of this type")
	eventsCmd.Flags().StringP("device", "d", "", "Only events of this device")

	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(statusCmd)
}
