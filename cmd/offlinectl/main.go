package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.offlinectl/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Offline ConfigOffline `toml:"offline"`
}

// ConfigDefault holds backend connection settings.
type ConfigDefault struct {
	APIKey  string `toml:"api_key"`
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
}

// ConfigOffline holds durability layer settings. Durations use Go syntax
// ("90s", "1h").
type ConfigOffline struct {
	DataDir       string `toml:"data_dir"`
	MaxRetries    int    `toml:"max_retries"`
	CacheTTL      string `toml:"cache_ttl"`
	SweepInterval string `toml:"sweep_interval"`
	QuotaBytes    int64  `toml:"quota_bytes"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.offlinectl (or $OFFLINECTL_HOME),
// creating it if needed.
func configDir() (string, error) {
	dir := os.Getenv("OFFLINECTL_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".offlinectl")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
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
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.api_key").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.api_key)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "api_key":
			cfg.Default.APIKey = value
		case "base_url":
			cfg.Default.BaseURL = value
		case "ws_url":
			cfg.Default.WSURL = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "offline":
		switch field {
		case "data_dir":
			cfg.Offline.DataDir = value
		case "max_retries":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("max_retries must be a positive integer, got %q", value)
			}
			cfg.Offline.MaxRetries = n
		case "cache_ttl", "sweep_interval":
			if _, err := parseDuration(value); err != nil {
				return fmt.Errorf("%s: %w", field, err)
			}
			if field == "cache_ttl" {
				cfg.Offline.CacheTTL = value
			} else {
				cfg.Offline.SweepInterval = value
			}
		case "quota_bytes":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("quota_bytes must be a non-negative integer, got %q", value)
			}
			cfg.Offline.QuotaBytes = n
		default:
			return fmt.Errorf("unknown field %q in section [offline]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, offline)", section)
	}
	return nil
}

// parseDuration parses a positive duration. Empty means "use the default".
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", s)
	}
	return d, nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose      bool
	useMemory    bool
	forceOffline bool
)

var rootCmd = &cobra.Command{
	Use:          "offlinectl",
	Short:        "Offline durability layer CLI",
	Long:         "Command-line interface for the marketplace client's offline layer.\nInspect and drain the action queue, manage the response cache, and run requests with offline fallback.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose (development) logging")
	rootCmd.PersistentFlags().BoolVar(&useMemory, "memory", false, "Use an in-memory store instead of the SQLite database")
	rootCmd.PersistentFlags().BoolVar(&forceOffline, "offline", false, "Behave as if the network were unreachable")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
