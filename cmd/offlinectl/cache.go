package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheGetCmd)
	cacheCmd.AddCommand(cacheSweepCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage cached responses",
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cache entries by expiry",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.d.Cache().Entries(ctx)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("Cache is empty.")
			return nil
		}

		now := time.Now()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tSIZE\tAGE\tEXPIRES")
		for _, e := range entries {
			expires := "expired"
			if !e.Expired(now.UnixMilli()) {
				expires = "in " + time.UnixMilli(e.Expires).Sub(now).Round(time.Second).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Key, formatBytes(int64(len(e.Data))), age(e.Timestamp), expires)
		}
		return w.Flush()
	},
}

var cacheGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a live cache entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		data, ok := a.d.Cache().GetCachedData(ctx, args[0])
		if !ok {
			return fmt.Errorf("no live cache entry for %q", args[0])
		}
		fmt.Println(string(data))
		return nil
	},
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.d.Cache().ClearExpiredCache(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d expired entr%s\n", n, plural(n, "y", "ies"))
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cache entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.d.Cache().Clear(ctx); err != nil {
			return err
		}
		fmt.Println("Cache cleared.")
		return nil
	},
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
