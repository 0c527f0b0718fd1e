package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initServer  string
	initToken   string
	initDisplay string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initServer, "server", "", "Relay base URL (default "+defaultServerURL+")")
	initCmd.Flags().StringVar(&initToken, "token", "", "Auth token issued by the relay")
	initCmd.Flags().StringVar(&initDisplay, "name", "", "Display name")
}

var initCmd = &cobra.Command{
	Use:   "init <user-id>",
	Short: "Store your identity in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing the user id (and optionally the relay URL and token) in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.UserID = args[0]
		if initDisplay != "" {
			cfg.Auth.DisplayName = initDisplay
		}
		if initToken != "" {
			cfg.Auth.Token = initToken
		}
		if initServer != "" {
			cfg.Default.ServerURL = initServer
		}
		if cfg.Default.ServerURL == "" {
			cfg.Default.ServerURL = defaultServerURL
		}
		if cfg.Store.Backend == "" {
			cfg.Store.Backend = "sqlite"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Signed in as %s; config saved to %s\n", cfg.Auth.UserID, path)
		return nil
	},
}
