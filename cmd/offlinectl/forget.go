package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(forgetCmd)
}

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Delete all offline data",
	Long:  "Delete every queued action, cache entry and stored preference. Queued actions that were never sent are lost.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if n := a.d.Queue().Len(ctx); n > 0 {
			fmt.Printf("Discarding %d unsent action(s)\n", n)
		}
		if err := a.d.Forget(ctx); err != nil {
			return fmt.Errorf("failed to clear offline data: %w", err)
		}
		fmt.Println("Offline data cleared.")
		return nil
	},
}
