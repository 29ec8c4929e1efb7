package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Massager configuration",
	Long:  "View or modify the Massager CLI configuration stored in ~/.massager/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("No configuration file found. Run 'massager init <base-url>' to create one.")
			return nil
		}

		fmt.Printf("# %s\n", path)
		fmt.Println("[default]")
		fmt.Printf("base_url = %q\n", cfg.Default.BaseURL)
		fmt.Printf("history_limit = %d\n", cfg.Default.HistoryLimit)
		fmt.Println("\n[auth]")
		fmt.Printf("username = %q\n", cfg.Auth.Username)
		if cfg.Auth.Token != "" {
			fmt.Printf("token = %q\n", maskToken(cfg.Auth.Token))
		}
		if len(cfg.Preferences) > 0 {
			fmt.Println("\n[preferences]")
			for k, v := range cfg.Preferences {
				fmt.Printf("%s = %v\n", k, v)
			}
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: massager config set default.base_url https://chat.example.com",
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

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
