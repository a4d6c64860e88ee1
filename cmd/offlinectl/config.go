package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	offline "github.com/SixteenAngels/real-estate-sub000"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the config file as stored")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage offlinectl configuration",
	Long:  "View or modify the offlinectl configuration stored in ~/.offlinectl/config.toml.",
}

var configShowRaw bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print every setting with defaults filled in. Durations and limits left unset show the library default.\nUse --raw to print the config file as stored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'offlinectl init <base-url>' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		dir, err := dataDir(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", path)
		return renderConfig(cmd.OutOrStdout(), cfg, dir)
	},
}

// renderConfig writes cfg as aligned key/value pairs, substituting the
// library defaults for unset [offline] values.
func renderConfig(w io.Writer, cfg *Config, dir string) error {
	retries := offline.DefaultMaxRetries
	if cfg.Offline.MaxRetries > 0 {
		retries = cfg.Offline.MaxRetries
	}
	ttl, err := parseDuration(cfg.Offline.CacheTTL)
	if err != nil {
		return fmt.Errorf("offline.cache_ttl: %w", err)
	}
	if ttl == 0 {
		ttl = offline.DefaultCacheTTL
	}
	sweep, err := parseDuration(cfg.Offline.SweepInterval)
	if err != nil {
		return fmt.Errorf("offline.sweep_interval: %w", err)
	}
	if sweep == 0 {
		sweep = offline.DefaultSweepInterval
	}
	quota := "unlimited"
	if cfg.Offline.QuotaBytes > 0 {
		quota = formatBytes(cfg.Offline.QuotaBytes)
	}
	apiKey := "(not set)"
	if cfg.Default.APIKey != "" {
		apiKey = maskKey(cfg.Default.APIKey)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "[default]")
	fmt.Fprintf(tw, "  api_key\t%s\n", apiKey)
	fmt.Fprintf(tw, "  base_url\t%s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
	fmt.Fprintf(tw, "  ws_url\t%s\n", valueOrDefault(cfg.Default.WSURL, "(derived from base_url)"))
	fmt.Fprintln(tw, "[offline]")
	fmt.Fprintf(tw, "  data_dir\t%s\n", dir)
	fmt.Fprintf(tw, "  max_retries\t%d\n", retries)
	fmt.Fprintf(tw, "  cache_ttl\t%s\n", ttl)
	fmt.Fprintf(tw, "  sweep_interval\t%s\n", sweep)
	fmt.Fprintf(tw, "  quota_bytes\t%s\n", quota)
	return tw.Flush()
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExamples:\n  offlinectl config set default.api_key sk-...\n  offlinectl config set offline.cache_ttl 30m",
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

		if key == "default.api_key" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
