package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List intercom devices of the account",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		c := mustBuild(ctx)
		defer c.close()

		devices, err := c.bridge.ListDevices(ctx, true)
		if err != nil {
			fail("Failed to list devices", err)
		}
		if len(devices) == 0 {
			fmt.Println("No devices found")
			return
		}

		// Print table
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "DEVICE ID\tRELAY\tSTATUS\tNAME\tADDRESS")
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", d.ID, d.RelayID, d.Status, d.Name, d.Address)
		}
		w.Flush()
	},
}

var openCmd = &cobra.Command{
	Use:   "open <device>",
	Short: "Open a door",
	Long:  `Open the door of a device given by device id, MAC address or relay id.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		c := mustBuild(ctx)
		defer c.close()

		dev, err := c.bridge.OpenDoor(ctx, args[0])
		if err != nil {
			fail("Failed to open door", err)
		}
		fmt.Printf("Door %s (%s) opened\n", dev.Name, dev.ID)
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(openCmd)
}
