package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(prefsCmd)
	prefsCmd.AddCommand(prefsGetCmd)
	prefsCmd.AddCommand(prefsSetCmd)
	prefsCmd.AddCommand(prefsDeleteCmd)
}

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Manage locally stored user preferences",
}

var prefsGetCmd = &cobra.Command{
	Use:   "get <user-id>",
	Short: "Print a user's stored preferences",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		pref, err := a.d.Preferences().Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("preferences for %s: %w", args[0], err)
		}
		fmt.Println(string(pref.Data))
		return nil
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <user-id> <json>",
	Short: "Replace a user's stored preferences",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("preferences must be valid JSON")
		}

		ctx := context.Background()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.d.Preferences().Put(ctx, args[0], []byte(args[1])); err != nil {
			return err
		}
		fmt.Printf("Saved preferences for %s\n", args[0])
		return nil
	},
}

var prefsDeleteCmd = &cobra.Command{
	Use:   "delete <user-id>",
	Short: "Delete a user's stored preferences",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.d.Preferences().Delete(ctx, args[0])
	},
}
