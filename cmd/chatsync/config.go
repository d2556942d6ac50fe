package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config fields
// ============================================================================

// configField binds a dotted key to its Config field and, when it has one,
// to its CHATSYNC_* override.
type configField struct {
	key    string
	envVar string
	secret bool
	field  func(*Config) *string
	env    func(*envOverrides) string
}

var configFields = []configField{
	{
		key:    "default.base_url",
		envVar: "CHATSYNC_BASE_URL",
		field:  func(c *Config) *string { return &c.Default.BaseURL },
		env:    func(o *envOverrides) string { return o.BaseURL },
	},
	{
		key:    "default.data_dir",
		envVar: "CHATSYNC_DATA_DIR",
		field:  func(c *Config) *string { return &c.Default.DataDir },
		env:    func(o *envOverrides) string { return o.DataDir },
	},
	{
		key:    "default.log_level",
		envVar: "CHATSYNC_LOG_LEVEL",
		field:  func(c *Config) *string { return &c.Default.LogLevel },
		env:    func(o *envOverrides) string { return o.LogLevel },
	},
	{
		key:    "default.log_format",
		envVar: "CHATSYNC_LOG_FORMAT",
		field:  func(c *Config) *string { return &c.Default.LogFormat },
		env:    func(o *envOverrides) string { return o.LogFormat },
	},
	{
		key:    "auth.token",
		envVar: "CHATSYNC_TOKEN",
		secret: true,
		field:  func(c *Config) *string { return &c.Auth.Token },
		env:    func(o *envOverrides) string { return o.Token },
	},
	{
		key:    "auth.user_id",
		envVar: "CHATSYNC_USER_ID",
		field:  func(c *Config) *string { return &c.Auth.UserID },
		env:    func(o *envOverrides) string { return o.UserID },
	},
	{
		key:   "auth.user_name",
		field: func(c *Config) *string { return &c.Auth.UserName },
	},
}

func lookupConfigField(key string) (configField, bool) {
	for _, f := range configFields {
		if f.key == key {
			return f, true
		}
	}
	return configField{}, false
}

func configKeys() []string {
	keys := make([]string, len(configFields))
	for i, f := range configFields {
		keys[i] = f.key
	}
	return keys
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	if !strings.Contains(key, ".") {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	f, ok := lookupConfigField(key)
	if !ok {
		return fmt.Errorf("unknown config key %q (valid: %s)", key, strings.Join(configKeys(), ", "))
	}
	*f.field(cfg) = value
	return nil
}

// Value sources reported by config show.
const (
	sourceUnset = "unset"
	sourceFile  = "file"
)

// loadEffectiveConfigSources applies .env and CHATSYNC_* overrides to the
// file config and reports, per key, where the effective value came from.
func loadEffectiveConfigSources() (*Config, map[string]string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	_ = godotenv.Load(".env")
	var over envOverrides
	if err := env.Parse(&over); err != nil {
		return nil, nil, fmt.Errorf("parse env: %w", err)
	}

	sources := make(map[string]string, len(configFields))
	for _, f := range configFields {
		dst := f.field(cfg)
		switch {
		case f.env != nil && f.env(&over) != "":
			*dst = f.env(&over)
			sources[f.key] = "env " + f.envVar
		case *dst != "":
			sources[f.key] = sourceFile
		default:
			sources[f.key] = sourceUnset
		}
	}
	return cfg, sources, nil
}

// writeConfig prints every key with its effective value and source.
// Secrets are masked.
func writeConfig(w io.Writer, cfg *Config, sources map[string]string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVALUE\tSOURCE")
	for _, f := range configFields {
		v := *f.field(cfg)
		switch {
		case v == "":
			v = "-"
		case f.secret:
			v = maskKey(v)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.key, v, sources[f.key])
	}
	return tw.Flush()
}

// ============================================================================
// Commands
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.\nCHATSYNC_* environment variables (and a .env file) override the file.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print every configuration key with the value commands will use and where it comes from: the config file, a CHATSYNC_* variable, or nowhere.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, sources, err := loadEffectiveConfigSources()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Config file: %s\n\n", path)
		return writeConfig(cmd.OutOrStdout(), cfg, sources)
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the config file",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.base_url https://chat.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		f, _ := lookupConfigField(key)
		shown := value
		if f.secret {
			shown = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, shown)
		if f.envVar != "" && os.Getenv(f.envVar) != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Note: %s is set and overrides this value.\n", f.envVar)
		}
		return nil
	},
}
