package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var queueListJSON bool

func init() {
	queueListCmd.Flags().BoolVar(&queueListJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueRemoveCmd)
	queueCmd.AddCommand(queueClearCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay queued actions",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued actions, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		pending, err := a.d.Queue().Pending(ctx)
		if err != nil {
			return err
		}

		if queueListJSON {
			b, _ := json.MarshalIndent(pending, "", "  ")
			fmt.Println(string(b))
			return nil
		}
		if len(pending) == 0 {
			fmt.Println("No queued actions.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tMETHOD\tURL\tRETRIES\tAGE\tLAST ERROR")
		for _, p := range pending {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
				p.ID, p.Method, p.URL, p.RetryCount, p.MaxRetries, age(p.Timestamp), valueOrDefault(p.LastError, "-"))
		}
		return w.Flush()
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay queued actions now",
	Long:  "Replay every queued action in order. Accepted actions are removed; failed ones are retried on the next drain until they run out of retries.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if !a.d.Online() {
			fmt.Println("Offline; nothing was sent.")
			return nil
		}
		res := a.d.Drain(ctx)
		fmt.Printf("Attempted %d: %d succeeded, %d failed, %d dropped\n",
			res.Attempted, res.Succeeded, res.Failed, res.Dropped)
		if left := a.d.Queue().Len(ctx); left > 0 {
			fmt.Printf("%d action(s) still queued\n", left)
		}
		return nil
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <action-id>",
	Short: "Discard one queued action without sending it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.d.Queue().Get(ctx, args[0]); err != nil {
			return fmt.Errorf("action %s: %w", args[0], err)
		}
		if err := a.d.Queue().Remove(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every queued action",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		n := a.d.Queue().Len(ctx)
		if err := a.d.Queue().Clear(ctx); err != nil {
			return err
		}
		fmt.Printf("Discarded %d queued action(s)\n", n)
		return nil
	},
}
