package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initAPIKey string

func init() {
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "Bearer token sent with every request")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url>",
	Short: "Store the backend URL in ~/.offlinectl/config.toml",
	Long:  "Initialize offlinectl by storing the backend base URL (and optionally an API key) in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = args[0]
		if initAPIKey != "" {
			cfg.Default.APIKey = initAPIKey
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
