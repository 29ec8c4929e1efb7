package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	massager "github.com/massager-chat/massager-go"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.massager/config.toml.
// The [auth] and [preferences] tables are shared with massager.FileCredentials.
type Config struct {
	Default     ConfigDefault          `toml:"default"`
	Auth        ConfigAuth             `toml:"auth"`
	Preferences map[string]interface{} `toml:"preferences,omitempty"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL      string `toml:"base_url"`
	HistoryLimit int    `toml:"history_limit"`
}

// ConfigAuth holds the stored identity.
type ConfigAuth struct {
	Token    string `toml:"token"`
	Username string `toml:"username"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configPath returns the full path to the config file. MASSAGER_CONFIG
// overrides the default location.
func configPath() (string, error) {
	if p := os.Getenv("MASSAGER_CONFIG"); p != "" {
		return p, nil
	}
	return massager.DefaultCredentialsPath()
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = strings.TrimRight(value, "/")
		case "history_limit":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 || n > massager.MaxHistoryLimit {
				return fmt.Errorf("history_limit must be a number between 1 and %d", massager.MaxHistoryLimit)
			}
			cfg.Default.HistoryLimit = n
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "preferences":
		if field == "" {
			return fmt.Errorf("preference name is empty")
		}
		if cfg.Preferences == nil {
			cfg.Preferences = map[string]interface{}{}
		}
		cfg.Preferences[field] = value
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, preferences)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose bool
	logger  = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
)

var rootCmd = &cobra.Command{
	Use:           "massager",
	Short:         "Massager chat client",
	Long:          "Command-line client for a Massager chat server.\nLog in, manage chats and follow conversations in real time.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug output to stderr")
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Ignoring .env: %v\n", err)
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
