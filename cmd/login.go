package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"intercom-bridge/internal/failure"
)

var loginCmd = &cobra.Command{
	Use:   "login [phone]",
	Short: "Sign in with a phone number and SMS code",
	Long: `Requests an SMS confirmation code for the phone number and prompts for it.
The resulting tokens are stored encrypted and used by the server.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		in := bufio.NewReader(os.Stdin)

		phone := ""
		if len(args) > 0 {
			phone = args[0]
		} else {
			phone = prompt(in, "Phone number: ")
		}
		userID, _ := cmd.Flags().GetInt64("user-id")

		c := mustBuild(ctx)
		defer c.close()

		sessionID, err := c.bridge.Login(ctx, phone)
		if err != nil {
			fail("Failed to request confirmation code", err)
		}
		fmt.Println("Confirmation code sent by SMS")

		for {
			code := prompt(in, "Code: ")
			err := c.bridge.VerifyCode(ctx, sessionID, code, userID)
			if err == nil {
				break
			}
			var fe *failure.Error
			if errors.As(err, &fe) && fe.Kind == failure.Auth2FAInvalid && fe.AttemptsRemaining > 0 {
				fmt.Println(fe.Reason)
				continue
			}
			fail("Login failed", err)
		}

		st := c.auth.Status()
		fmt.Printf("Signed in as %s (user %d), token valid until %s\n",
			st.Phone, st.UserID, st.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored tokens",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		c := mustBuild(ctx)
		defer c.close()

		if err := c.bridge.Logout(ctx); err != nil {
			fail("Failed to log out", err)
		}
		fmt.Println("Logged out")
	},
}

func prompt(in *bufio.Reader, label string) string {
	fmt.Print(label)
	line, err := in.ReadString('\n')
	if err != nil && line == "" {
		fmt.Println()
		os.Exit(1)
	}
	return strings.TrimSpace(line)
}

// mustBuild wires the components and restores the stored session, exiting on
// failure.
func mustBuild(ctx context.Context) *components {
	c, err := build(ctx, cfg, provider)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	if err := c.restore(ctx); err != nil {
		slog.Error("Failed to restore session", "error", err)
		os.Exit(1)
	}
	return c
}

// fail prints the user-facing reason of err and exits.
func fail(msg string, err error) {
	slog.Debug(msg, "error", err)
	reason := err.Error()
	var fe *failure.Error
	if errors.As(err, &fe) {
		reason = fe.Reason
	}
	fmt.Fprintf(os.Stderr, "%s: %s\n", msg, reason)
	os.Exit(1)
}

func init() {
	loginCmd.Flags().Int64("user-id", 0, "Account to use when the phone number has several")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
