package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, storage usage and queue depth",
	Long:  "Display the current configuration, local storage usage, queued actions and cache entries.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(a.cfg.Default.BaseURL, "(not set)"))
		if a.cfg.Default.APIKey != "" {
			fmt.Printf("  API Key:     %s\n", maskKey(a.cfg.Default.APIKey))
		} else {
			fmt.Println("  API Key:     (not set)")
		}
		fmt.Printf("  WS URL:      %s\n", valueOrDefault(a.cfg.Default.WSURL, "(derived from base URL)"))

		fmt.Println()
		fmt.Println("Storage:")
		if !a.store.Available() {
			fmt.Println("  Status:      unavailable (online-only mode)")
			return nil
		}
		if useMemory {
			fmt.Println("  Location:    memory")
		} else {
			dir, _ := dataDir(a.cfg)
			fmt.Printf("  Location:    %s\n", dir)
		}
		usage := a.d.Usage(ctx)
		fmt.Printf("  Used:        %s\n", formatBytes(usage.Used))
		if usage.Available > 0 {
			fmt.Printf("  Available:   %s\n", formatBytes(usage.Available))
		}

		pending, err := a.d.Queue().Pending(ctx)
		if err != nil {
			return fmt.Errorf("failed to read queue: %w", err)
		}
		entries, err := a.d.Cache().Entries(ctx)
		if err != nil {
			return fmt.Errorf("failed to read cache: %w", err)
		}
		now := time.Now().UnixMilli()
		expired := 0
		for _, e := range entries {
			if e.Expired(now) {
				expired++
			}
		}

		fmt.Println()
		fmt.Println("Offline data:")
		fmt.Printf("  Queued:      %d\n", len(pending))
		if len(pending) > 0 {
			fmt.Printf("  Oldest:      %s ago\n", age(pending[0].Timestamp))
		}
		fmt.Printf("  Cached:      %d (%d expired)\n", len(entries), expired)
		return nil
	},
}
