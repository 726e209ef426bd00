package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"intercom-bridge/internal/jwt"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey <name>",
	Short: "Issue an API key for the HTTP API",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if ttl <= 0 {
			ttl = cfg.API.TokenTTL
		}

		key, err := jwt.NewAPIKey(cfg.Secret, args[0], ttl)
		if err != nil {
			fail("Failed to issue API key", err)
		}
		fmt.Println(key)
	},
}

func init() {
	apikeyCmd.Flags().Duration("ttl", 0, "Key lifetime (default api.token_ttl)")
	rootCmd.AddCommand(apikeyCmd)
}
