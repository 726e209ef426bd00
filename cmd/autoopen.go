package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"intercom-bridge/internal/autoopen"
)

var autoOpenCmd = &cobra.Command{
	Use:   "auto-open",
	Short: "Show or replace the auto-open schedule",
	Long: `Without flags prints the current auto-open schedule as YAML.
With --file replaces it with the document in the file.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		file, _ := cmd.Flags().GetString("file")

		c := mustBuild(ctx)
		defer c.close()

		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				fail("Failed to read schedule", err)
			}
			var doc autoopen.Document
			if err := yaml.Unmarshal(data, &doc); err != nil {
				fail("Failed to parse schedule", err)
			}
			if err := c.bridge.SetAutoOpen(doc); err != nil {
				fail("Failed to update schedule", err)
			}
			fmt.Println("Auto-open schedule updated")
		}

		out, err := yaml.Marshal(c.bridge.AutoOpen())
		if err != nil {
			fail("Failed to print schedule", err)
		}
		fmt.Print(string(out))
	},
}

func init() {
	autoOpenCmd.Flags().StringP("file", "f", "", "YAML document to install")
	rootCmd.AddCommand(autoOpenCmd)
}
