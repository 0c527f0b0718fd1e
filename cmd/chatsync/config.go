package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
)

// ============================================================================
// Settable fields
// ============================================================================

// configField maps a dotted key to its place in Config and, optionally, to
// the environment variable that overrides it.
type configField struct {
	key      string
	env      string
	secret   bool
	ref      func(*Config) *string
	validate func(string) error
}

var configFields = []configField{
	{key: "default.server_url", env: "CHATSYNC_SERVER_URL", ref: func(c *Config) *string { return &c.Default.ServerURL }, validate: validateURL},
	{key: "default.log_level", env: "CHATSYNC_LOG_LEVEL", ref: func(c *Config) *string { return &c.Default.LogLevel }, validate: validateLevel},
	{key: "auth.user_id", env: "CHATSYNC_USER_ID", ref: func(c *Config) *string { return &c.Auth.UserID }},
	{key: "auth.display_name", ref: func(c *Config) *string { return &c.Auth.DisplayName }},
	{key: "auth.token", env: "CHATSYNC_TOKEN", secret: true, ref: func(c *Config) *string { return &c.Auth.Token }},
	{key: "store.backend", env: "CHATSYNC_STORE", ref: func(c *Config) *string { return &c.Store.Backend }, validate: validateBackend},
	{key: "store.path", ref: func(c *Config) *string { return &c.Store.Path }},
}

func lookupField(key string) (*configField, error) {
	section, _, ok := strings.Cut(key, ".")
	if !ok {
		return nil, fmt.Errorf("key must use dot notation: section.field (e.g. auth.user_id)")
	}
	known := false
	for i := range configFields {
		if configFields[i].key == key {
			return &configFields[i], nil
		}
		known = known || strings.HasPrefix(configFields[i].key, section+".")
	}
	if !known {
		return nil, fmt.Errorf("unknown config section %q (valid: default, auth, store)", section)
	}
	return nil, fmt.Errorf("unknown config key %q", key)
}

func validateURL(v string) error {
	if !strings.HasPrefix(v, "http://") && !strings.HasPrefix(v, "https://") {
		return fmt.Errorf("server url must start with http:// or https://")
	}
	return nil
}

func validateLevel(v string) error {
	_, err := zapcore.ParseLevel(v)
	return err
}

func validateBackend(v string) error {
	switch v {
	case "memory", "pebble", "sqlite":
		return nil
	}
	return fmt.Errorf("unknown store backend %q (valid: memory, pebble, sqlite)", v)
}

// setConfigValue sets a config field using dot notation (e.g. "auth.user_id").
func setConfigValue(cfg *Config, key, value string) error {
	f, err := lookupField(key)
	if err != nil {
		return err
	}
	if f.validate != nil {
		if err := f.validate(value); err != nil {
			return err
		}
	}
	*f.ref(cfg) = value
	return nil
}

// applyEnv overlays CHATSYNC_* variables and reports which keys they
// replaced. A .env file in the working directory is read first; variables
// already set in the process win.
func applyEnv(cfg *Config) []string {
	_ = godotenv.Load()
	var overridden []string
	for _, f := range configFields {
		if f.env == "" {
			continue
		}
		if v := os.Getenv(f.env); v != "" {
			*f.ref(cfg) = v
			overridden = append(overridden, f.key)
		}
	}
	return overridden
}

// ============================================================================
// Commands
// ============================================================================

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd, configPathCmd)
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the file as stored, without environment overrides")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.\nCHATSYNC_* environment variables and a local .env file override it.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		var overridden []string
		if !configShowRaw {
			overridden = applyEnv(cfg)
		}
		out, err := renderConfig(cfg)
		if err != nil {
			return err
		}
		fmt.Print(out)
		if len(overridden) > 0 {
			sort.Strings(overridden)
			fmt.Printf("\n# overridden by environment: %s\n", strings.Join(overridden, ", "))
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one effective configuration value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := lookupField(args[0])
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Println(*f.ref(cfg))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set store.backend pebble",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadFileConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if f, _ := lookupField(key); f != nil && f.secret {
			value = maskToken(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the configuration file location",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

// renderConfig marshals cfg as TOML with secrets masked.
func renderConfig(cfg *Config) (string, error) {
	masked := *cfg
	for _, f := range configFields {
		if v := f.ref(&masked); f.secret && *v != "" {
			*v = maskToken(*v)
		}
	}
	data, err := toml.Marshal(masked)
	if err != nil {
		return "", fmt.Errorf("cannot marshal config: %w", err)
	}
	return string(data), nil
}
