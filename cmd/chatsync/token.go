package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/chatsync/internal/relay"
)

var tokenSecret string

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", "", "Relay secret (default $CHATSYNC_RELAY_SECRET)")
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue an auth token for a relay started with --secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := tokenSecret
		if secret == "" {
			secret = os.Getenv("CHATSYNC_RELAY_SECRET")
		}
		if secret == "" {
			return fmt.Errorf("no secret: pass --secret or set CHATSYNC_RELAY_SECRET")
		}
		fmt.Println(relay.SignToken(secret, args[0]))
		return nil
	},
}
