package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	offline "github.com/SixteenAngels/real-estate-sub000"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// app bundles everything a command needs to talk to the offline layer.
type app struct {
	cfg      *Config
	log      *zap.Logger
	registry *prometheus.Registry
	metrics  *offline.Metrics
	store    *offline.Store
	network  *offline.HTTPNetwork
	d        *offline.Dispatcher
}

// newLogger builds a development logger with --verbose and a quiet
// production logger otherwise.
func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// dataDir returns the configured data directory, defaulting to
// ~/.offlinectl/data.
func dataDir(cfg *Config) (string, error) {
	if cfg.Offline.DataDir != "" {
		return cfg.Offline.DataDir, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "data"), nil
}

// dispatcherOptions translates [offline] settings into library options.
func dispatcherOptions(cfg *Config) ([]offline.Option, error) {
	var opts []offline.Option
	if cfg.Offline.MaxRetries > 0 {
		opts = append(opts, offline.WithMaxRetries(cfg.Offline.MaxRetries))
	}
	ttl, err := parseDuration(cfg.Offline.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("offline.cache_ttl: %w", err)
	}
	if ttl > 0 {
		opts = append(opts, offline.WithDefaultTTL(ttl))
	}
	sweep, err := parseDuration(cfg.Offline.SweepInterval)
	if err != nil {
		return nil, fmt.Errorf("offline.sweep_interval: %w", err)
	}
	if sweep > 0 {
		opts = append(opts, offline.WithSweepInterval(sweep))
	}
	return opts, nil
}

// newApp loads the config and wires store, network and dispatcher. A nil
// conn uses a manual source reflecting the --offline flag.
func newApp(ctx context.Context, conn offline.Connectivity) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := newLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.metrics = offline.NewMetrics(a.registry)

	var driver offline.Driver
	if useMemory {
		driver = offline.NewMemoryDriver()
	} else {
		dir, err := dataDir(cfg)
		if err != nil {
			return nil, err
		}
		driver = offline.NewSQLiteDriverInDir(dir)
	}
	a.store = offline.NewStore(driver,
		offline.WithStoreLogger(log.Named("store")),
		offline.WithStoreMetrics(a.metrics),
		offline.WithQuota(cfg.Offline.QuotaBytes))
	if err := a.store.Open(ctx); err != nil {
		return nil, err
	}

	netOpts := []offline.NetworkOption{offline.WithUserAgent("offlinectl")}
	if cfg.Default.BaseURL != "" {
		netOpts = append(netOpts, offline.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.APIKey != "" {
		netOpts = append(netOpts, offline.WithToken(cfg.Default.APIKey))
	}
	a.network = offline.NewHTTPNetwork(netOpts...)

	opts, err := dispatcherOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, offline.WithLogger(log), offline.WithMetrics(a.metrics))

	if conn == nil {
		conn = offline.NewManualConnectivity(!forceOffline)
	}
	a.d = offline.New(a.store, a.network, conn, opts...)
	return a, nil
}

func (a *app) Close() {
	a.d.Stop()
	if err := a.store.Close(); err != nil {
		a.log.Warn("failed to close store", zap.Error(err))
	}
	_ = a.log.Sync()
}

// age formats the time since a millisecond timestamp.
func age(ms int64) string {
	return time.Since(time.UnixMilli(ms)).Round(time.Second).String()
}

// maskKey shows the first 4 and last 4 characters of a key.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// formatBytes renders a byte count for humans.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
